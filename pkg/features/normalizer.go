package features

import "math"

// Normalizer tracks running per-feature minimum and maximum values and maps
// vectors onto [0, 1] using those bounds.
//
// Values outside the observed range are not clamped and normalize to values
// outside [0, 1].
type Normalizer struct {
	min         Vector
	max         Vector
	initialized bool
}

// NewNormalizer returns a normalizer with no observed samples.
func NewNormalizer() *Normalizer {
	n := &Normalizer{}
	n.reset()
	return n
}

func (n *Normalizer) reset() {
	for i := range n.min {
		n.min[i] = math.MaxFloat64
		n.max[i] = -math.MaxFloat64
	}
	n.initialized = false
}

// Update widens the bounds to include sample.
func (n *Normalizer) Update(sample Vector) {
	for i, v := range sample {
		if v < n.min[i] {
			n.min[i] = v
		}
		if v > n.max[i] {
			n.max[i] = v
		}
	}
	n.initialized = true
}

// FitBatch updates the bounds with every sample in order.
// An empty batch leaves the normalizer untouched.
func (n *Normalizer) FitBatch(samples []Vector) {
	for _, s := range samples {
		n.Update(s)
	}
}

// Normalize maps sample onto the observed bounds. Before any sample has been
// observed it returns sample unchanged. Features whose bounds are equal map to
// exactly 0.5.
func (n *Normalizer) Normalize(sample Vector) Vector {
	if !n.initialized {
		return sample
	}

	var out Vector
	for i, v := range sample {
		span := n.max[i] - n.min[i]
		if span == 0 {
			out[i] = 0.5
			continue
		}
		out[i] = (v - n.min[i]) / span
	}
	return out
}

// Initialized reports whether at least one sample has been observed.
func (n *Normalizer) Initialized() bool {
	return n.initialized
}

// Bounds returns the current per-feature bounds. ok is false before the first
// sample.
func (n *Normalizer) Bounds() (lo, hi Vector, ok bool) {
	return n.min, n.max, n.initialized
}

// Clone returns an independent copy of n.
func (n *Normalizer) Clone() *Normalizer {
	c := *n
	return &c
}
