// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/hed1ad/flowguard/pkg/detectors"
)

// EulerGamma is the Euler-Mascheroni constant used by the harmonic number
// approximation in averagePathLength.
const EulerGamma = 0.5772156649

var (
	// ErrEmptyData is returned when training data has no rows.
	ErrEmptyData = errors.New("empty training data")
	// ErrRaggedData is returned when training rows differ in width.
	ErrRaggedData = errors.New("training rows have different widths")
	// ErrNoTrees is returned when the forest would have no trees.
	ErrNoTrees = errors.New("number of trees must be positive")
	// ErrSampleTooSmall is returned when fewer than two samples would be drawn
	// per tree, which leaves the score normalization undefined.
	ErrSampleTooSmall = errors.New("subsample size must be at least 2")
)

// IsolationForest is a trained ensemble of isolation trees. It is immutable
// once returned by Train and safe for concurrent use.
type IsolationForest struct {
	trees      []*iTree
	nFeatures  int
	sampleSize int

	// c(sampleSize), the score normalization constant.
	avgPathLength float64
}

var _ detectors.Scorer = (*IsolationForest)(nil)

// iTree represents a single isolation tree.
type iTree struct {
	root     *node
	maxDepth int
}

// node is a node in the isolation tree.
type node struct {
	// Split parameters (for internal nodes)
	splitFeature int
	splitValue   float64

	// Children
	left  *node
	right *node

	// Leaf information
	size  int // number of samples that reached this leaf
	depth int
}

func (n *node) isLeaf() bool {
	return n.left == nil && n.right == nil
}

type options struct {
	nTrees     int
	sampleSize int
	rng        *rand.Rand
}

// Option configures forest training.
type Option func(*options)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(o *options) {
		o.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(o *options) {
		o.sampleSize = n
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.rng = rand.New(rand.NewSource(seed))
	}
}

// WithRand sets the random source used for subsampling and splits. The source
// is used only for the duration of Train.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) {
		if rng != nil {
			o.rng = rng
		}
	}
}

// Train builds an Isolation Forest from data, where each row is a sample and
// each column a feature.
func Train(data [][]float64, opts ...Option) (*IsolationForest, error) {
	o := options{
		nTrees:     100,
		sampleSize: 256,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(42))
	}

	if o.nTrees <= 0 {
		return nil, ErrNoTrees
	}
	if len(data) == 0 {
		return nil, ErrEmptyData
	}

	nSamples := len(data)
	nFeatures := len(data[0])
	for i, row := range data {
		if len(row) != nFeatures {
			return nil, fmt.Errorf("row %d: %w", i, ErrRaggedData)
		}
	}

	sampleSize := min(o.sampleSize, nSamples)
	if sampleSize < 2 {
		return nil, ErrSampleTooSmall
	}

	f := &IsolationForest{
		trees:         make([]*iTree, o.nTrees),
		nFeatures:     nFeatures,
		sampleSize:    sampleSize,
		avgPathLength: averagePathLength(float64(sampleSize)),
	}

	b := builder{rng: o.rng, nFeatures: nFeatures, maxDepth: maxDepth(sampleSize)}
	for i := range f.trees {
		// Sample without replacement
		indices := o.rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}

		f.trees[i] = &iTree{
			root:     b.buildNode(sample, 0),
			maxDepth: b.maxDepth,
		}
	}

	return f, nil
}

// maxDepth returns ceil(log2(max(n, 2))).
func maxDepth(n int) int {
	return int(math.Ceil(math.Log2(float64(max(n, 2)))))
}

type builder struct {
	rng       *rand.Rand
	nFeatures int
	maxDepth  int

	// scratch space reused across nodes
	candidates []int
	lo, hi     []float64
}

func (b *builder) buildNode(data [][]float64, depth int) *node {
	n := len(data)

	// Terminal conditions
	if depth >= b.maxDepth || n <= 1 {
		return &node{size: n, depth: depth}
	}

	feature, minVal, maxVal, ok := b.pickFeature(data)
	if !ok {
		// Every feature is constant within this node.
		return &node{size: n, depth: depth}
	}

	splitValue := b.splitValue(minVal, maxVal)

	// Partition data
	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}

	return &node{
		splitFeature: feature,
		splitValue:   splitValue,
		left:         b.buildNode(leftData, depth+1),
		right:        b.buildNode(rightData, depth+1),
		size:         n,
		depth:        depth,
	}
}

// pickFeature chooses uniformly among the features that are not constant
// across data and returns the chosen feature's range.
func (b *builder) pickFeature(data [][]float64) (feature int, lo, hi float64, ok bool) {
	if cap(b.lo) < b.nFeatures {
		b.lo = make([]float64, b.nFeatures)
		b.hi = make([]float64, b.nFeatures)
		b.candidates = make([]int, 0, b.nFeatures)
	}
	los, his := b.lo[:b.nFeatures], b.hi[:b.nFeatures]
	copy(los, data[0])
	copy(his, data[0])
	for _, row := range data[1:] {
		for j, v := range row {
			if v < los[j] {
				los[j] = v
			}
			if v > his[j] {
				his[j] = v
			}
		}
	}

	candidates := b.candidates[:0]
	for j := range los {
		if los[j] < his[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return 0, 0, 0, false
	}

	feature = candidates[b.rng.Intn(len(candidates))]
	return feature, los[feature], his[feature], true
}

// splitValue draws a value strictly inside (lo, hi). When no float lies
// strictly between the bounds it falls back to hi, which still separates the
// points equal to lo from those equal to hi.
func (b *builder) splitValue(lo, hi float64) float64 {
	for _i := 0; _i < 8; _i++ {
		v := lo + b.rng.Float64()*(hi-lo)
		if v > lo && v < hi {
			return v
		}
	}
	return hi
}

// Score returns the anomaly score 2^(-E[h(x)] / c(ψ)) for sample, where E[h(x)]
// is the mean path length over all trees and ψ the per-tree sample size.
func (f *IsolationForest) Score(sample []float64) float64 {
	return math.Pow(2, -f.MeanPathLength(sample)/f.avgPathLength)
}

// MeanPathLength returns the path length of sample averaged over all trees.
func (f *IsolationForest) MeanPathLength(sample []float64) float64 {
	var totalPath float64
	for _, tree := range f.trees {
		totalPath += tree.pathLength(sample)
	}
	return totalPath / float64(len(f.trees))
}

// pathLength descends to the leaf that sample falls into and returns its
// depth adjusted by the expected remaining path for the points in that leaf.
func (t *iTree) pathLength(sample []float64) float64 {
	n := t.root
	for !n.isLeaf() {
		if sample[n.splitFeature] < n.splitValue {
			n = n.left
		} else {
			n = n.right
		}
	}
	return float64(n.depth) + averagePathLength(float64(n.size))
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, where H is harmonic number
	// Approximation: H(n) ≈ ln(n) + γ
	return 2*(math.Log(n-1)+EulerGamma) - 2*(n-1)/n
}

// Trees returns the number of trees in the forest.
func (f *IsolationForest) Trees() int {
	return len(f.trees)
}

// SampleSize returns the number of samples each tree was built from.
func (f *IsolationForest) SampleSize() int {
	return f.sampleSize
}

// Features returns the sample width the forest was trained on.
func (f *IsolationForest) Features() int {
	return f.nFeatures
}

// MaxDepth returns the depth limit applied to every tree.
func (f *IsolationForest) MaxDepth() int {
	return maxDepth(f.sampleSize)
}
