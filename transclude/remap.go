package transclude

import "github.com/manifold-studio/manifold/csgtree"

// remapIDs deep-copies n, prefixing every node id with prefix so multiple
// transclusions of the same room never collide in the resolved output tree
// (the evaluator and click-resolution both match nodes by id).
func remapIDs(n *csgtree.Node, prefix string) *csgtree.Node {
	out := *n
	out.ID = prefix + "/" + n.ID
	if n.Children != nil {
		out.Children = make([]*csgtree.Node, len(n.Children))
		for i, child := range n.Children {
			out.Children[i] = remapIDs(child, prefix)
		}
	}
	return &out
}

// composeMatrix combines an outer transclude node's own matrix with the
// referenced tree's resolved root matrix, outer applied after inner (spec
// §4.7: "carrying along the transclude node's own matrix if present").
func composeMatrix(outer, inner *csgtree.Matrix) *csgtree.Matrix {
	if outer == nil {
		return inner
	}
	if inner == nil {
		return outer
	}
	m := csgtree.Multiply(*outer, *inner)
	return &m
}
