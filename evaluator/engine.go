// Package evaluator implements the retained CSG evaluator (spec §4.8): a
// tree of evaluator nodes mirroring the resolved csgtree.Node tree, caching
// geometry handles owned by an external boolean-geometry Engine, with
// dirty-propagation rebuilds and a triangle-to-source-node back-map for
// picking.
//
// The actual solid-geometry math (boolean ops, tessellation) is out of
// scope (spec §1, Non-goals); Engine is the seam a real implementation
// plugs into.
package evaluator

import (
	"errors"

	"github.com/manifold-studio/manifold/csgtree"
)

// Handle is an opaque geometry object owned by the Engine. The evaluator
// never inspects it, only threads it through Engine calls and disposes it
// when no longer needed.
type Handle interface{}

// TriangleRun is one contiguous run of triangles in a Mesh sharing a single
// source primitive's original id (spec §4.8, triangle back-map).
type TriangleRun struct {
	OriginalID int
	Count      int
}

// Mesh is the engine's tessellated output for a geometry handle.
type Mesh struct {
	Runs []TriangleRun
}

// TriangleCount returns the total triangle count across all runs.
func (m Mesh) TriangleCount() int {
	n := 0
	for _, r := range m.Runs {
		n += r.Count
	}
	return n
}

// ErrUnsupportedKind is returned when the evaluator encounters a node kind
// the Engine has no constructor for (should not happen for the closed CSG
// node set, but guards against a future variant added without evaluator
// support).
var ErrUnsupportedKind = errors.New("evaluator: unsupported node kind")

// Engine is the boolean-geometry backend the evaluator drives. A real
// implementation wraps a CSG math library; tests use a fake recording
// calls.
type Engine interface {
	Cube(size csgtree.Size, center bool) (Handle, error)
	Sphere(radius float64, segments int) (Handle, error)
	Cylinder(radiusLow, radiusHigh, height float64, segments int, center bool) (Handle, error)
	Extrude(polygon []csgtree.Point2, height float64) (Handle, error)

	// Copy returns an independent handle with the same geometry as h,
	// identity-transformed (spec §4.8: unary booleans and single-child
	// groups return a copy to keep ownership disjoint from the child).
	Copy(h Handle) (Handle, error)
	Union(children ...Handle) (Handle, error)
	Intersection(children ...Handle) (Handle, error)
	// Subtract removes subtrahend's volume from base.
	Subtract(base Handle, subtrahend Handle) (Handle, error)
	Transform(h Handle, m csgtree.Matrix) (Handle, error)

	Dispose(h Handle)

	// TagOriginal assigns h a fresh original id, used to key the triangle
	// back-map.
	TagOriginal(h Handle) int
	// Mesh returns the tessellated triangle runs for h.
	Mesh(h Handle) Mesh
}
