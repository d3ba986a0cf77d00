package online

import "github.com/hed1ad/flowguard/pkg/features"

// window is a fixed-capacity ring of feature vectors in arrival order. Once
// full, each push drops the oldest vector.
type window struct {
	buf   []features.Vector
	start int
	n     int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]features.Vector, capacity)}
}

func (w *window) push(v features.Vector) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = v
		w.n++
		return
	}
	w.buf[w.start] = v
	w.start = (w.start + 1) % len(w.buf)
}

func (w *window) len() int {
	return w.n
}

// snapshot returns the vectors oldest first in a newly allocated slice.
func (w *window) snapshot() []features.Vector {
	return w.last(w.n)
}

// last returns the k most recent vectors oldest first. k is capped at the
// number of stored vectors.
func (w *window) last(k int) []features.Vector {
	k = max(0, min(k, w.n))
	out := make([]features.Vector, k)
	for i := range out {
		out[i] = w.buf[(w.start+w.n-k+i)%len(w.buf)]
	}
	return out
}
