package model

// Node is one entry of a flattened decision tree. Internal nodes send x to
// Left when x[Feature] <= Threshold and to Right otherwise. Leaves carry the
// estimated probability of conversion.
type Node struct {
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"value,omitempty"`
}

// Tree is a decision tree stored in pre-order; the root is Nodes[0].
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict walks the tree for x. Children always point forward, so the walk
// terminates after at most len(Nodes) steps on a validated tree.
func (t Tree) Predict(x []float64) float64 {
	i := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return 0
}

// Depth returns the number of edges on the longest root-to-leaf path.
func (t Tree) Depth() int {
	if len(t.Nodes) == 0 {
		return 0
	}
	var walk func(i int) int
	walk = func(i int) int {
		n := t.Nodes[i]
		if n.Leaf {
			return 0
		}
		return 1 + max(walk(n.Left), walk(n.Right))
	}
	return walk(0)
}

// PredictForest averages the leaf probabilities of every tree.
func PredictForest(trees []Tree, x []float64) float64 {
	if len(trees) == 0 {
		return 0
	}
	var sum float64
	for _, t := range trees {
		sum += t.Predict(x)
	}
	return sum / float64(len(trees))
}
