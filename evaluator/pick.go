package evaluator

import "github.com/manifold-studio/manifold/csgtree"

// NodeIDForFace returns the source node id for mesh triangle index face, or
// ok=false if face is out of range or unmapped (spec §4.8).
func NodeIDForFace(result BuildResult, face int) (string, bool) {
	if face < 0 || face >= len(result.TriNodeID) {
		return "", false
	}
	id := result.TriNodeID[face]
	return id, id != ""
}

// ResolveClick maps a hit face to the selectable node at cursorParentID's
// level: the leaf primitive under the face, walked upward to the direct
// child of cursorParentID (spec §4.8). An empty cursorParentID selects the
// whole shape (csgtree.FindDirectChildAncestor's root-level behavior).
func ResolveClick(root *csgtree.Node, result BuildResult, face int, cursorParentID string) (string, bool) {
	leafID, ok := NodeIDForFace(result, face)
	if !ok {
		return "", false
	}
	return csgtree.FindDirectChildAncestor(root, leafID, cursorParentID)
}
