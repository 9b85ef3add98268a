package training

import (
	"math/rand/v2"
	"slices"

	"github.com/leadscore/leadscore/internal/model"
)

// minGain is the smallest impurity decrease that justifies a split.
const minGain = 1e-9

// treeBuilder grows one CART tree on a bootstrap sample.
type treeBuilder struct {
	x              [][]float64
	y              []bool
	maxDepth       int
	minSamplesLeaf int
	maxFeatures    int
	rng            *rand.Rand
	nodes          []model.Node
}

func (b *treeBuilder) grow(idx []int) model.Tree {
	b.nodes = nil
	b.build(idx, 0)
	return model.Tree{Nodes: b.nodes}
}

// build appends the subtree for idx in pre-order and returns its root index.
// Children are appended after their parent, so they always point forward.
func (b *treeBuilder) build(idx []int, depth int) int {
	pos := b.positives(idx)
	self := len(b.nodes)
	b.nodes = append(b.nodes, model.Node{Leaf: true, Value: float64(pos) / float64(len(idx))})

	if depth >= b.maxDepth || pos == 0 || pos == len(idx) || len(idx) < 2*b.minSamplesLeaf {
		return self
	}
	feature, threshold, ok := b.bestSplit(idx, pos)
	if !ok {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if b.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	b.nodes[self] = model.Node{Feature: feature, Threshold: threshold}
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[self].Left = l
	b.nodes[self].Right = r
	return self
}

func (b *treeBuilder) positives(idx []int) int {
	n := 0
	for _, i := range idx {
		if b.y[i] {
			n++
		}
	}
	return n
}

// bestSplit scans a random subset of features for the threshold with the
// lowest weighted Gini impurity.
func (b *treeBuilder) bestSplit(idx []int, pos int) (feature int, threshold float64, ok bool) {
	n := len(idx)
	parent := gini(pos, n)
	best := parent - minGain

	nFeatures := len(b.x[idx[0]])
	candidates := b.rng.Perm(nFeatures)[:min(b.maxFeatures, nFeatures)]
	slices.Sort(candidates)

	sorted := make([]int, n)
	for _, f := range candidates {
		copy(sorted, idx)
		slices.SortStableFunc(sorted, func(i, j int) int {
			switch {
			case b.x[i][f] < b.x[j][f]:
				return -1
			case b.x[i][f] > b.x[j][f]:
				return 1
			}
			return 0
		})

		leftPos := 0
		for k := 0; k < n-1; k++ {
			if b.y[sorted[k]] {
				leftPos++
			}
			nl := k + 1
			nr := n - nl
			if nl < b.minSamplesLeaf || nr < b.minSamplesLeaf {
				continue
			}
			lo, hi := b.x[sorted[k]][f], b.x[sorted[k+1]][f]
			if lo == hi {
				continue
			}
			impurity := (float64(nl)*gini(leftPos, nl) + float64(nr)*gini(pos-leftPos, nr)) / float64(n)
			if impurity < best {
				best = impurity
				feature = f
				threshold = lo + (hi-lo)/2
				ok = true
			}
		}
	}
	return feature, threshold, ok
}

func gini(pos, n int) float64 {
	if n == 0 {
		return 0
	}
	p := float64(pos) / float64(n)
	return 1 - p*p - (1-p)*(1-p)
}
