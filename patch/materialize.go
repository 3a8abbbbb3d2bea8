package patch

import (
	"fmt"

	"github.com/manifold-studio/manifold/crdtdoc"
	"github.com/manifold-studio/manifold/csgtree"
)

// Materialize reads the crdtdoc.Doc's tree at rootID back out as a
// csgtree.Node tree. roomclient uses it to turn a fetched snapshot or a
// live-synced replica into the tree it hands to its caller.
func Materialize(doc *crdtdoc.Doc, rootID string) (*csgtree.Node, error) {
	view, ok := doc.View(rootID)
	if !ok {
		return nil, ErrRootNotFound
	}
	return materializeNode(doc, rootID, view)
}

func materializeNode(doc *crdtdoc.Doc, id string, view crdtdoc.View) (*csgtree.Node, error) {
	n, err := fromAttrs(view.Kind, view.Attrs)
	if err != nil {
		return nil, fmt.Errorf("patch: materialize %s: %w", id, err)
	}
	n.ID = id

	if len(view.Children) > 0 {
		n.Children = make([]*csgtree.Node, 0, len(view.Children))
		for _, childID := range view.Children {
			childView, ok := doc.View(childID)
			if !ok {
				return nil, fmt.Errorf("patch: materialize %s: %w", childID, ErrRootNotFound)
			}
			child, err := materializeNode(doc, childID, childView)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		}
	}

	return n, nil
}
