package patch

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/manifold-studio/manifold/crdtdoc"
	"github.com/manifold-studio/manifold/csgtree"
)

// ErrRootNotFound is returned when the target root id doesn't exist in doc.
var ErrRootNotFound = errors.New("patch: root not found")

// Diff computes the minimal-diff patch (spec §4.3) between doc's current
// materialized tree at rootID and the desired tree, and returns a Tx ready
// to be committed. rootID's identity never changes: if desired's kind
// differs from the live kind, the root is rewritten in place rather than
// deleted (a tree has exactly one root for its whole lifetime).
func Diff(doc *crdtdoc.Doc, rootID string, desired *csgtree.Node) (*crdtdoc.Tx, error) {
	view, ok := doc.View(rootID)
	if !ok {
		return nil, ErrRootNotFound
	}

	tx := &crdtdoc.Tx{}
	if err := diffExisting(doc, tx, rootID, view, desired); err != nil {
		return nil, err
	}
	return tx, nil
}

// diffExisting diffs an id known to already exist in doc (view is its
// current materialized state) against desired, recursing into attributes
// and children. Used both for the root (which can never be deleted) and
// for any matched child id.
func diffExisting(doc *crdtdoc.Doc, tx *crdtdoc.Tx, id string, view crdtdoc.View, desired *csgtree.Node) error {
	if view.Kind != string(desired.Kind) {
		tx.RewriteNode(id, string(desired.Kind))
		return writeFreshAttrsAndChildren(tx, id, desired)
	}

	desiredAttrs, err := toAttrs(desired)
	if err != nil {
		return err
	}
	diffAttrs(tx, id, view.Attrs, desiredAttrs)

	return diffChildren(doc, tx, id, view.Children, desired.Children)
}

// diffAttrs emits set/delete ops for every attribute key whose value
// differs by deep (JSON-byte) equality, and deletes keys present only in
// the old view (spec §4.3: "for keys present in A but not B, delete").
func diffAttrs(tx *crdtdoc.Tx, id string, old, next map[string]json.RawMessage) {
	for key, newVal := range next {
		oldVal, existed := old[key]
		if !existed || !bytes.Equal(oldVal, newVal) {
			tx.SetAttr(id, key, newVal)
		}
	}
	for key := range old {
		if _, keep := next[key]; !keep {
			tx.DeleteAttr(id, key)
		}
	}
}

// diffChildren matches old and new children by node id (spec §4.3):
// matched ids recurse, new ids are created, removed ids are deleted, and
// any remaining order mismatch is realigned with sibling-move operations
// that preserve identity.
func diffChildren(doc *crdtdoc.Doc, tx *crdtdoc.Tx, parentID string, oldOrder []string, desired []*csgtree.Node) error {
	desiredIdx := make(map[string]int, len(desired))
	for i, n := range desired {
		desiredIdx[n.ID] = i
	}
	oldSet := make(map[string]bool, len(oldOrder))
	for _, id := range oldOrder {
		oldSet[id] = true
	}

	for _, id := range oldOrder {
		if _, keep := desiredIdx[id]; !keep {
			tx.DeleteNode(id)
		}
	}

	current := make([]string, 0, len(oldOrder))
	for _, id := range oldOrder {
		if _, keep := desiredIdx[id]; keep {
			current = append(current, id)
		}
	}

	for i, n := range desired {
		if oldSet[n.ID] {
			view, ok := doc.View(n.ID)
			if !ok {
				return ErrRootNotFound
			}
			if err := diffExisting(doc, tx, n.ID, view, n); err != nil {
				return err
			}
			continue
		}
		tx.CreateNode(n.ID, string(n.Kind), parentID, i)
		if err := writeFreshAttrsAndChildren(tx, n.ID, n); err != nil {
			return err
		}
		current = insertAt(current, n.ID, i)
	}

	realign(tx, parentID, current, desired)
	return nil
}

// realign emits MoveChild ops so current's order matches desired's,
// mutating current as it goes so each move is computed against the
// not-yet-realigned remainder.
func realign(tx *crdtdoc.Tx, parentID string, current []string, desired []*csgtree.Node) {
	for i, n := range desired {
		if i < len(current) && current[i] == n.ID {
			continue
		}
		tx.MoveChild(parentID, n.ID, i)
		current = removeID(current, n.ID)
		current = insertAt(current, n.ID, i)
	}
}

func insertAt(ids []string, id string, index int) []string {
	if index < 0 || index > len(ids) {
		index = len(ids)
	}
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:index]...)
	out = append(out, id)
	out = append(out, ids[index:]...)
	return out
}

func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// writeFreshAttrsAndChildren emits create ops for a node's full subtree,
// used for entirely-new nodes and for rewritten nodes (spec §4.3: a
// rewrite clears attributes and children, so rebuilding them is identical
// to creating a fresh subtree).
func writeFreshAttrsAndChildren(tx *crdtdoc.Tx, id string, n *csgtree.Node) error {
	attrs, err := toAttrs(n)
	if err != nil {
		return err
	}
	for key, val := range attrs {
		tx.SetAttr(id, key, val)
	}
	for i, child := range n.Children {
		tx.CreateNode(child.ID, string(child.Kind), id, i)
		if err := writeFreshAttrsAndChildren(tx, child.ID, child); err != nil {
			return err
		}
	}
	return nil
}
