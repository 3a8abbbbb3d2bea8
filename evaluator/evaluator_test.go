package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-studio/manifold/csgtree"
)

type fakeHandle struct {
	runs            []TriangleRun
	disposed        bool
	transformMatrix *csgtree.Matrix
}

type fakeEngine struct {
	nextOriginal int
	constructed  int
	disposals    int
}

func (e *fakeEngine) newPrimitiveHandle() *fakeHandle {
	e.constructed++
	return &fakeHandle{}
}

func (e *fakeEngine) Cube(size csgtree.Size, center bool) (Handle, error) {
	return e.newPrimitiveHandle(), nil
}

func (e *fakeEngine) Sphere(radius float64, segments int) (Handle, error) {
	return e.newPrimitiveHandle(), nil
}

func (e *fakeEngine) Cylinder(radiusLow, radiusHigh, height float64, segments int, center bool) (Handle, error) {
	return e.newPrimitiveHandle(), nil
}

func (e *fakeEngine) Extrude(polygon []csgtree.Point2, height float64) (Handle, error) {
	return e.newPrimitiveHandle(), nil
}

func (e *fakeEngine) Copy(h Handle) (Handle, error) {
	fh := h.(*fakeHandle)
	return &fakeHandle{runs: append([]TriangleRun(nil), fh.runs...)}, nil
}

func (e *fakeEngine) Union(children ...Handle) (Handle, error) {
	out := &fakeHandle{}
	for _, c := range children {
		out.runs = append(out.runs, c.(*fakeHandle).runs...)
	}
	return out, nil
}

func (e *fakeEngine) Intersection(children ...Handle) (Handle, error) {
	return e.Union(children...)
}

func (e *fakeEngine) Subtract(base, subtrahend Handle) (Handle, error) {
	out := &fakeHandle{runs: append([]TriangleRun(nil), base.(*fakeHandle).runs...)}
	return out, nil
}

func (e *fakeEngine) Transform(h Handle, m csgtree.Matrix) (Handle, error) {
	fh := h.(*fakeHandle)
	return &fakeHandle{runs: append([]TriangleRun(nil), fh.runs...), transformMatrix: &m}, nil
}

func (e *fakeEngine) Dispose(h Handle) {
	h.(*fakeHandle).disposed = true
	e.disposals++
}

func (e *fakeEngine) TagOriginal(h Handle) int {
	e.nextOriginal++
	h.(*fakeHandle).runs = []TriangleRun{{OriginalID: e.nextOriginal, Count: 1}}
	return e.nextOriginal
}

func (e *fakeEngine) Mesh(h Handle) Mesh {
	return Mesh{Runs: h.(*fakeHandle).runs}
}

func buildSampleTree() *csgtree.Node {
	a := csgtree.NewCube(csgtree.UniformSize(1), true)
	b := csgtree.NewSphere(1, 16)
	root := csgtree.NewUnion("root", a, b)
	return root
}

func TestRebuildProducesBackMapForEveryTriangle(t *testing.T) {
	engine := &fakeEngine{}
	tree := NewTree(engine)
	root := buildSampleTree()
	require.NoError(t, tree.Sync(root))

	result, err := tree.Rebuild()
	require.NoError(t, err)
	require.Equal(t, 2, result.Mesh.TriangleCount())

	for i := range result.TriNodeID {
		id, ok := NodeIDForFace(result, i)
		assert.True(t, ok)
		assert.NotEmpty(t, id)
	}
}

func TestRebuildIsIdempotentWhenNotDirty(t *testing.T) {
	engine := &fakeEngine{}
	tree := NewTree(engine)
	root := buildSampleTree()
	require.NoError(t, tree.Sync(root))

	_, err := tree.Rebuild()
	require.NoError(t, err)
	constructedAfterFirst := engine.constructed

	// Second rebuild without any Sync: nothing is dirty, so no new
	// primitives should be constructed, but the idMap must still be fully
	// repopulated (cache-hit re-registration).
	result, err := tree.Rebuild()
	require.NoError(t, err)
	assert.Equal(t, constructedAfterFirst, engine.constructed)
	assert.Equal(t, 2, result.Mesh.TriangleCount())
	for i := range result.TriNodeID {
		id, ok := NodeIDForFace(result, i)
		assert.True(t, ok)
		assert.NotEmpty(t, id)
	}
}

func TestSyncMarksOnlyChangedSubtreeDirty(t *testing.T) {
	engine := &fakeEngine{}
	tree := NewTree(engine)
	root := buildSampleTree()
	require.NoError(t, tree.Sync(root))
	_, err := tree.Rebuild()
	require.NoError(t, err)
	constructedAfterFirst := engine.constructed

	// Replace only the cube's size, copy-on-write as csgtree.ReplaceNode
	// does; the sphere subtree is untouched and shared.
	cube := *root.Children[0]
	cube.Size = csgtree.UniformSize(9)
	root, err = csgtree.ReplaceNode(root, cube.ID, &cube)
	require.NoError(t, err)
	require.NoError(t, tree.Sync(root))

	_, err = tree.Rebuild()
	require.NoError(t, err)
	// Only the cube (1 primitive) should have been reconstructed, plus the
	// union is rebuilt from cached child handles (no new primitive calls).
	assert.Equal(t, constructedAfterFirst+1, engine.constructed)
}

func TestSyncDisposesRemovedChildren(t *testing.T) {
	engine := &fakeEngine{}
	tree := NewTree(engine)
	root := buildSampleTree()
	require.NoError(t, tree.Sync(root))
	_, err := tree.Rebuild()
	require.NoError(t, err)

	root.Children = root.Children[:1] // drop the sphere
	require.NoError(t, tree.Sync(root))
	_, err = tree.Rebuild()
	require.NoError(t, err)

	assert.Equal(t, 2, engine.disposals) // sphere's handle + stale union handle
}

func TestResolveClickWalksToDirectChild(t *testing.T) {
	engine := &fakeEngine{}
	tree := NewTree(engine)
	a := csgtree.NewCube(csgtree.UniformSize(1), true)
	inner := csgtree.NewGroup(a)
	root := csgtree.NewUnion("", inner)
	require.NoError(t, tree.Sync(root))

	result, err := tree.Rebuild()
	require.NoError(t, err)

	got, ok := ResolveClick(root, result, 0, "")
	require.True(t, ok)
	assert.Equal(t, inner.ID, got)
}

func TestCubeDefaultsSizeWhenZero(t *testing.T) {
	engine := &fakeEngine{}
	tree := NewTree(engine)
	cube := &csgtree.Node{ID: "c1", Kind: csgtree.KindCube} // zero Size
	require.NoError(t, tree.Sync(cube))
	_, err := tree.Rebuild()
	require.NoError(t, err)
	assert.Equal(t, 1, engine.constructed)
}

func TestExtrudeRejectsShortPolygonAtBuildTime(t *testing.T) {
	engine := &fakeEngine{}
	tree := NewTree(engine)
	extrude := &csgtree.Node{ID: "e1", Kind: csgtree.KindExtrude, Polygon: []csgtree.Point2{{X: 0}, {Y: 1}}}
	require.NoError(t, tree.Sync(extrude))
	_, err := tree.Rebuild()
	assert.ErrorIs(t, err, csgtree.ErrInvalidPolygon)
}
