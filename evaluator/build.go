package evaluator

import "github.com/manifold-studio/manifold/csgtree"

// BuildResult is the output of a rebuild pass: the root geometry handle,
// its tessellated mesh, and the per-triangle source-node back-map.
type BuildResult struct {
	Root      Handle
	Mesh      Mesh
	TriNodeID []string // TriNodeID[i] is the node id for mesh triangle i, or "" if unmapped
}

// Rebuild walks the retained tree, rebuilding only dirty subtrees (spec
// §4.8), and returns the resulting root handle plus the triangle back-map
// built from the engine's mesh output and the original-id map populated
// during the walk.
func (t *Tree) Rebuild() (BuildResult, error) {
	if t.root == nil {
		return BuildResult{}, nil
	}
	idMap := make(map[int]string)
	root, err := t.buildNode(t.root, idMap)
	if err != nil {
		return BuildResult{}, err
	}
	mesh := t.engine.Mesh(root)

	triNodeID := make([]string, 0, mesh.TriangleCount())
	for _, run := range mesh.Runs {
		nodeID := idMap[run.OriginalID]
		for i := 0; i < run.Count; i++ {
			triNodeID = append(triNodeID, nodeID)
		}
	}

	return BuildResult{Root: root, Mesh: mesh, TriNodeID: triNodeID}, nil
}

func (t *Tree) buildNode(n *node, idMap map[int]string) (Handle, error) {
	if !n.dirty && n.handle != nil {
		t.reregister(n, idMap)
		return n.handle, nil
	}

	if n.handle != nil {
		t.engine.Dispose(n.handle)
		n.handle = nil
	}

	childHandles := make([]Handle, 0, len(n.children))
	for _, c := range n.children {
		h, err := t.buildNode(c, idMap)
		if err != nil {
			return nil, err
		}
		childHandles = append(childHandles, h)
	}

	h, err := t.buildThis(n, childHandles, idMap)
	if err != nil {
		return nil, err
	}

	if n.source.Matrix != nil {
		transformed, err := t.engine.Transform(h, *n.source.Matrix)
		if err != nil {
			return nil, err
		}
		h = transformed
	}

	n.handle = h
	n.dirty = false
	return h, nil
}

// reregister walks a non-dirty cached subtree and re-emits every
// primitive's original-id -> node-id mapping into idMap (spec §4.8: a
// cache hit must still refresh the caller's idMap). The ids are read back
// from the cached handle's mesh runs, so they are the same ids that handle
// was tagged with when it was built.
func (t *Tree) reregister(n *node, idMap map[int]string) {
	if isPrimitive(n.kind) && n.handle != nil {
		for _, run := range t.engine.Mesh(n.handle).Runs {
			idMap[run.OriginalID] = n.id
		}
		return
	}
	for _, c := range n.children {
		t.reregister(c, idMap)
	}
}

func isPrimitive(k csgtree.Kind) bool {
	switch k {
	case csgtree.KindCube, csgtree.KindSphere, csgtree.KindCylinder, csgtree.KindExtrude:
		return true
	default:
		return false
	}
}

func (t *Tree) buildThis(n *node, children []Handle, idMap map[int]string) (Handle, error) {
	switch n.kind {
	case csgtree.KindCube, csgtree.KindSphere, csgtree.KindCylinder, csgtree.KindExtrude:
		return t.buildPrimitive(n, idMap)
	case csgtree.KindUnion:
		return t.buildNary(children, t.engine.Union)
	case csgtree.KindIntersection:
		return t.buildNary(children, t.engine.Intersection)
	case csgtree.KindDifference:
		return t.buildDifference(children)
	case csgtree.KindGroup, csgtree.KindTransclude:
		// group is a passthrough; an unresolved transclude node reaching
		// the evaluator (the resolver failed to substitute it) degrades
		// to an empty group rather than erroring the whole tree.
		return t.buildGroupLike(children)
	default:
		return nil, ErrUnsupportedKind
	}
}

func (t *Tree) buildPrimitive(n *node, idMap map[int]string) (Handle, error) {
	var h Handle
	var err error
	switch n.kind {
	case csgtree.KindCube:
		size := n.source.Size
		if size == (csgtree.Size{}) {
			size = csgtree.UniformSize(1)
		}
		h, err = t.engine.Cube(size, n.source.Center)
	case csgtree.KindSphere:
		radius := n.source.Radius
		if radius == 0 {
			radius = 1
		}
		segments := n.source.Segments
		if segments == 0 {
			segments = 32
		}
		h, err = t.engine.Sphere(radius, segments)
	case csgtree.KindCylinder:
		radiusLow := n.source.RadiusLow
		if radiusLow == 0 {
			radiusLow = 1
		}
		radiusHigh := n.source.RadiusHigh
		if radiusHigh == 0 {
			radiusHigh = radiusLow
		}
		height := n.source.Height
		if height == 0 {
			height = 1
		}
		segments := n.source.Segments
		if segments == 0 {
			segments = 32
		}
		h, err = t.engine.Cylinder(radiusLow, radiusHigh, height, segments, n.source.Center)
	case csgtree.KindExtrude:
		if len(n.source.Polygon) < 3 {
			return nil, csgtree.ErrInvalidPolygon
		}
		h, err = t.engine.Extrude(n.source.Polygon, n.source.Height)
	}
	if err != nil {
		return nil, err
	}
	idMap[t.engine.TagOriginal(h)] = n.id
	return h, nil
}

func (t *Tree) buildNary(children []Handle, op func(...Handle) (Handle, error)) (Handle, error) {
	if len(children) == 1 {
		return t.engine.Copy(children[0])
	}
	return op(children...)
}

func (t *Tree) buildDifference(children []Handle) (Handle, error) {
	if len(children) == 0 {
		return nil, nil
	}
	if len(children) == 1 {
		return t.engine.Copy(children[0])
	}
	union, err := t.engine.Union(children[1:]...)
	if err != nil {
		return nil, err
	}
	result, err := t.engine.Subtract(children[0], union)
	t.engine.Dispose(union)
	return result, err
}

func (t *Tree) buildGroupLike(children []Handle) (Handle, error) {
	if len(children) == 0 {
		return nil, nil
	}
	if len(children) == 1 {
		return t.engine.Copy(children[0])
	}
	return t.engine.Union(children...)
}
