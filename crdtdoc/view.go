package crdtdoc

import "encoding/json"

// View is a read-only snapshot of a single node's current materialized
// state, returned by Doc.View for the patcher and the evaluator to consume
// without reaching into the replica's internal representation.
type View struct {
	Kind     string
	Attrs    map[string]json.RawMessage
	Children []string
}

// View returns id's current kind, attribute map, and ordered children.
// Returns ok=false if id is absent from the replica.
func (d *Doc) View(id string) (View, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	if !ok {
		return View{}, false
	}
	v := View{Kind: n.Kind, Children: append([]string(nil), n.Children...)}
	v.Attrs = make(map[string]json.RawMessage, len(n.Attrs))
	for k, val := range n.Attrs {
		v.Attrs[k] = val
	}
	return v, true
}

// Exists reports whether id is present in the replica.
func (d *Doc) Exists(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.nodes[id]
	return ok
}
