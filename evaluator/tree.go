package evaluator

import (
	"bytes"
	"encoding/json"

	"github.com/manifold-studio/manifold/csgtree"
	"github.com/manifold-studio/manifold/patch"
)

// node is a retained evaluator node (spec §4.8): type, props, ordered
// children, a parent back-pointer used only for dirty-walks (never for
// ownership, per the spec's cyclic-reference note), a cached geometry
// handle, and a dirty flag.
type node struct {
	id       string
	kind     csgtree.Kind
	source   *csgtree.Node
	parent   *node
	children []*node
	handle   Handle
	dirty    bool
}

// Tree is the retained evaluator state for one displayable CSG tree (the
// resolved tree a transclude.Resolver produces, or a bare csgtree.Node for
// a room with no transclusions).
type Tree struct {
	engine Engine
	root   *node
	byID   map[string]*node
}

// NewTree creates an empty evaluator bound to engine. Call Sync to give it
// a tree to track.
func NewTree(engine Engine) *Tree {
	return &Tree{engine: engine, byID: make(map[string]*node)}
}

// Sync reconciles the retained tree against desired, matching nodes by id
// exactly like the patcher (spec §4.3's matching discipline, reused here
// for the evaluator's own retained structure): matched ids are checked for
// a kind or property change and marked dirty if so; new ids are inserted
// as fresh dirty subtrees; removed ids have their cached geometry disposed
// immediately. Mutating a node marks every ancestor dirty up to the root,
// stopping early at an already-dirty ancestor (spec §4.8). Property changes
// are found by comparing desired with the node passed to the previous Sync,
// so a csgtree node edited in place after it was synced (rather than
// replaced copy-on-write, as csgtree.ReplaceNode does) shows no change.
func (t *Tree) Sync(desired *csgtree.Node) error {
	next, err := t.reconcile(nil, t.root, desired)
	if err != nil {
		return err
	}
	t.root = next
	byID := make(map[string]*node)
	collectByID(t.root, byID)
	t.byID = byID
	return nil
}

func collectByID(n *node, out map[string]*node) {
	if n == nil {
		return
	}
	out[n.id] = n
	for _, c := range n.children {
		collectByID(c, out)
	}
}

func (t *Tree) reconcile(parent *node, existing *node, desired *csgtree.Node) (*node, error) {
	if existing == nil || existing.id != desired.ID {
		return t.buildFresh(parent, desired), nil
	}

	changed := existing.kind != desired.Kind
	if !changed {
		oldAttrs, err := patch.Attrs(existing.source)
		if err != nil {
			return nil, err
		}
		newAttrs, err := patch.Attrs(desired)
		if err != nil {
			return nil, err
		}
		changed = !attrsEqual(oldAttrs, newAttrs)
	}

	oldChildren := existing.children
	existing.children = make([]*node, 0, len(desired.Children))
	matchedOld := make(map[string]bool, len(oldChildren))
	var newMatchedOrder []string

	for _, childDesired := range desired.Children {
		var matched *node
		for _, oc := range oldChildren {
			if oc.id == childDesired.ID {
				matched = oc
				break
			}
		}
		childNode, err := t.reconcile(existing, matched, childDesired)
		if err != nil {
			return nil, err
		}
		existing.children = append(existing.children, childNode)
		if matched != nil {
			matchedOld[matched.id] = true
			newMatchedOrder = append(newMatchedOrder, matched.id)
		} else {
			changed = true // a child was created
		}
	}

	for _, oc := range oldChildren {
		if !matchedOld[oc.id] {
			changed = true // a child was removed
			disposeSubtree(t.engine, oc)
		}
	}

	// A pure reorder of surviving children touches neither membership nor
	// attributes, but is still structural: difference's child order picks
	// the base (spec §3.1/4.8), so it must still mark this node dirty.
	if !changed {
		var oldMatchedOrder []string
		for _, oc := range oldChildren {
			if matchedOld[oc.id] {
				oldMatchedOrder = append(oldMatchedOrder, oc.id)
			}
		}
		changed = !sameOrder(oldMatchedOrder, newMatchedOrder)
	}

	existing.kind = desired.Kind
	existing.source = desired
	existing.parent = parent

	if changed {
		markDirty(existing)
	}

	return existing, nil
}

func (t *Tree) buildFresh(parent *node, desired *csgtree.Node) *node {
	n := &node{id: desired.ID, kind: desired.Kind, source: desired, parent: parent, dirty: true}
	n.children = make([]*node, 0, len(desired.Children))
	for _, child := range desired.Children {
		n.children = append(n.children, t.buildFresh(n, child))
	}
	return n
}

// markDirty sets n dirty and walks parents upward, stopping as soon as it
// reaches an already-dirty ancestor (spec §4.8).
func markDirty(n *node) {
	for cur := n; cur != nil && !cur.dirty; cur = cur.parent {
		cur.dirty = true
	}
}

func disposeSubtree(engine Engine, n *node) {
	if n == nil {
		return
	}
	for _, c := range n.children {
		disposeSubtree(engine, c)
	}
	if n.handle != nil {
		engine.Dispose(n.handle)
	}
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, id := range a {
		if b[i] != id {
			return false
		}
	}
	return true
}

func attrsEqual(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok || !bytes.Equal(v, other) {
			return false
		}
	}
	return true
}
