// Package patch implements the minimal structural diff between a desired
// CSG tree and the tree currently materialized in a crdtdoc.Doc (spec
// §4.3): it emits the smallest set of CRDT tree/map operations that
// transforms the live replica into the desired shape.
package patch

import (
	"encoding/json"
	"fmt"

	"github.com/manifold-studio/manifold/csgtree"
)

const (
	attrMatrix     = "matrix"
	attrSize       = "size"
	attrCenter     = "center"
	attrRadius     = "radius"
	attrSegments   = "segments"
	attrRadiusLow  = "radiusLow"
	attrRadiusHigh = "radiusHigh"
	attrHeight     = "height"
	attrPolygon    = "polygon"
	attrName       = "name"
	attrRoomID     = "roomId"
	attrFrontiers  = "frontiers"
)

// Attrs exposes toAttrs's kind-specific attribute projection to other
// packages (the evaluator reuses it to decide whether a node's properties
// changed since the last retained build, rather than re-deriving the same
// attribute-key logic a second time).
func Attrs(n *csgtree.Node) (map[string]json.RawMessage, error) {
	return toAttrs(n)
}

// toAttrs projects n's kind-specific scalar fields into the non-structural
// attribute map the CRDT stores (spec §3.2: children are never an
// attribute). Every value is opaque-compared JSON, matching the "atomic
// arrays in CRDT" invariant for matrix/size/polygon.
func toAttrs(n *csgtree.Node) (map[string]json.RawMessage, error) {
	attrs := make(map[string]json.RawMessage)

	set := func(key string, v interface{}) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("patch: marshal %s: %w", key, err)
		}
		attrs[key] = b
		return nil
	}

	if n.Matrix != nil {
		if err := set(attrMatrix, *n.Matrix); err != nil {
			return nil, err
		}
	}

	switch n.Kind {
	case csgtree.KindCube:
		if err := set(attrSize, n.Size); err != nil {
			return nil, err
		}
		if err := set(attrCenter, n.Center); err != nil {
			return nil, err
		}
	case csgtree.KindSphere:
		if err := set(attrRadius, n.Radius); err != nil {
			return nil, err
		}
		if err := set(attrSegments, n.Segments); err != nil {
			return nil, err
		}
	case csgtree.KindCylinder:
		if err := set(attrRadiusLow, n.RadiusLow); err != nil {
			return nil, err
		}
		if err := set(attrRadiusHigh, n.RadiusHigh); err != nil {
			return nil, err
		}
		if err := set(attrHeight, n.Height); err != nil {
			return nil, err
		}
		if err := set(attrSegments, n.Segments); err != nil {
			return nil, err
		}
		if err := set(attrCenter, n.Center); err != nil {
			return nil, err
		}
	case csgtree.KindExtrude:
		if err := set(attrPolygon, n.Polygon); err != nil {
			return nil, err
		}
		if err := set(attrHeight, n.Height); err != nil {
			return nil, err
		}
	case csgtree.KindUnion, csgtree.KindDifference, csgtree.KindIntersection:
		if n.Name != "" {
			if err := set(attrName, n.Name); err != nil {
				return nil, err
			}
		}
	case csgtree.KindGroup:
		// no kind-specific attributes
	case csgtree.KindTransclude:
		if err := set(attrRoomID, n.RoomID); err != nil {
			return nil, err
		}
		if len(n.Frontiers) > 0 {
			if err := set(attrFrontiers, n.Frontiers); err != nil {
				return nil, err
			}
		}
	}

	return attrs, nil
}

// fromAttrs reconstructs the kind-specific scalar fields of a Node (id and
// Children left zero; the caller fills those in) from a materialized
// attribute map. Used by Materialize to read a crdtdoc.Doc back out as a
// csgtree.Node.
func fromAttrs(kind string, attrs map[string]json.RawMessage) (*csgtree.Node, error) {
	n := &csgtree.Node{Kind: csgtree.Kind(kind)}

	get := func(key string, dst interface{}) error {
		raw, ok := attrs[key]
		if !ok {
			return nil
		}
		return json.Unmarshal(raw, dst)
	}

	if raw, ok := attrs[attrMatrix]; ok {
		var m csgtree.Matrix
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("patch: unmarshal matrix: %w", err)
		}
		n.Matrix = &m
	}

	switch n.Kind {
	case csgtree.KindCube:
		if err := get(attrSize, &n.Size); err != nil {
			return nil, err
		}
		if err := get(attrCenter, &n.Center); err != nil {
			return nil, err
		}
	case csgtree.KindSphere:
		if err := get(attrRadius, &n.Radius); err != nil {
			return nil, err
		}
		if err := get(attrSegments, &n.Segments); err != nil {
			return nil, err
		}
	case csgtree.KindCylinder:
		if err := get(attrRadiusLow, &n.RadiusLow); err != nil {
			return nil, err
		}
		if err := get(attrRadiusHigh, &n.RadiusHigh); err != nil {
			return nil, err
		}
		if err := get(attrHeight, &n.Height); err != nil {
			return nil, err
		}
		if err := get(attrSegments, &n.Segments); err != nil {
			return nil, err
		}
		if err := get(attrCenter, &n.Center); err != nil {
			return nil, err
		}
	case csgtree.KindExtrude:
		if err := get(attrPolygon, &n.Polygon); err != nil {
			return nil, err
		}
		if err := get(attrHeight, &n.Height); err != nil {
			return nil, err
		}
	case csgtree.KindUnion, csgtree.KindDifference, csgtree.KindIntersection:
		if err := get(attrName, &n.Name); err != nil {
			return nil, err
		}
	case csgtree.KindGroup:
	case csgtree.KindTransclude:
		if err := get(attrRoomID, &n.RoomID); err != nil {
			return nil, err
		}
		if err := get(attrFrontiers, &n.Frontiers); err != nil {
			return nil, err
		}
	}

	return n, nil
}
