// Package csgtree implements the typed CSG node tree and the pure
// structural operations over it (spec §3.1, §4.2). The node variant set is
// closed, so it is modeled as a tagged union: one struct carrying every
// kind-specific field, dispatched exhaustively on Kind. This mirrors the
// teacher's parent-backpointer discipline (DESIGN NOTES, spec §9): a tree
// here is a value you copy-on-write, never a graph you mutate in place.
package csgtree

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Kind is the closed set of CSG node variants.
type Kind string

const (
	KindCube         Kind = "cube"
	KindSphere       Kind = "sphere"
	KindCylinder     Kind = "cylinder"
	KindExtrude      Kind = "extrude"
	KindUnion        Kind = "union"
	KindDifference   Kind = "difference"
	KindIntersection Kind = "intersection"
	KindGroup        Kind = "group"
	KindTransclude   Kind = "transclude"
)

// IsParentKind reports whether nodes of this kind carry ordered children.
func (k Kind) IsParentKind() bool {
	switch k {
	case KindUnion, KindDifference, KindIntersection, KindGroup:
		return true
	default:
		return false
	}
}

// Matrix is a column-major 4x4 transform, sixteen scalars.
type Matrix [16]float64

// Identity returns the 4x4 identity matrix.
func Identity() Matrix {
	return Matrix{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Multiply returns a*b in column-major order (a applied after b, i.e. a is
// the left-hand/outer transform).
func Multiply(a, b Matrix) Matrix {
	var out Matrix
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[k*4+row] * b[col*4+k]
			}
			out[col*4+row] = sum
		}
	}
	return out
}

// Point2 is a 2D polygon vertex.
type Point2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Frontier identifies a causal cut point for a pinned transclusion:
// (peer, counter) pairs as produced by the merge-point engine or a
// version vector.
type Frontier struct {
	Peer    uint64 `json:"peer"`
	Counter uint64 `json:"counter"`
}

// Size is the cube size attribute: either a uniform scalar or a per-axis
// triple. Scalar and triple are distinct on-the-wire shapes (spec §3.2:
// array attributes are opaque JSON values), so Size tracks which form it
// was constructed from and round-trips through that form in MarshalJSON.
type Size struct {
	X, Y, Z  float64
	isScalar bool
}

// UniformSize builds a scalar cube size.
func UniformSize(v float64) Size {
	return Size{X: v, Y: v, Z: v, isScalar: true}
}

// TripleSize builds a per-axis cube size.
func TripleSize(x, y, z float64) Size {
	return Size{X: x, Y: y, Z: z}
}

// IsScalar reports whether this Size was constructed (or decoded) as a
// single scalar rather than a triple.
func (s Size) IsScalar() bool {
	return s.isScalar
}

func (s Size) MarshalJSON() ([]byte, error) {
	if s.isScalar {
		return json.Marshal(s.X)
	}
	return json.Marshal([3]float64{s.X, s.Y, s.Z})
}

func (s *Size) UnmarshalJSON(data []byte) error {
	var scalar float64
	if err := json.Unmarshal(data, &scalar); err == nil {
		*s = UniformSize(scalar)
		return nil
	}
	var triple [3]float64
	if err := json.Unmarshal(data, &triple); err != nil {
		return err
	}
	*s = TripleSize(triple[0], triple[1], triple[2])
	return nil
}

// Node is a single CSG tree node. Every node carries a globally-unique id.
// Only the fields relevant to Kind are meaningful; this is the Go
// equivalent of a closed tagged union (spec §9, Polymorphism).
type Node struct {
	ID   string
	Kind Kind
	// Matrix is the optional local transform any node may carry.
	Matrix *Matrix

	// union / difference / intersection
	Name string

	// Children is the ordered child list for parent kinds.
	Children []*Node

	// cube
	Size   Size
	Center bool

	// sphere / cylinder. Radius is read for spheres only: cylinders take
	// their radii from RadiusLow/RadiusHigh, and a cylinder's Radius is
	// neither stored by the patcher nor used by the evaluator.
	Radius   float64
	Segments int

	// cylinder
	RadiusLow  float64
	RadiusHigh float64
	Height     float64 // also used by extrude

	// extrude
	Polygon []Point2

	// transclude
	RoomID    string
	Frontiers []Frontier
}

var (
	// ErrNodeNotFound is returned by operations that target a node id
	// absent from the tree.
	ErrNodeNotFound = errors.New("csgtree: node not found")
	// ErrInvalidPolygon is returned when an extrude polygon has fewer
	// than three vertices.
	ErrInvalidPolygon = errors.New("csgtree: extrude polygon needs at least 3 vertices")
)

func newID() string {
	return uuid.NewString()
}

// NewCube builds a cube node with the given size and center. It applies no
// defaults of its own; the evaluator builds a zero size as a uniform 1.
func NewCube(size Size, center bool) *Node {
	return &Node{ID: newID(), Kind: KindCube, Size: size, Center: center}
}

// NewSphere builds a sphere node.
func NewSphere(radius float64, segments int) *Node {
	return &Node{ID: newID(), Kind: KindSphere, Radius: radius, Segments: segments}
}

// NewCylinder builds a cylinder node.
func NewCylinder(radiusLow, radiusHigh, height float64, segments int, center bool) *Node {
	return &Node{
		ID: newID(), Kind: KindCylinder,
		RadiusLow: radiusLow, RadiusHigh: radiusHigh,
		Height: height, Segments: segments, Center: center,
	}
}

// NewExtrude builds an extrude node. Returns ErrInvalidPolygon if polygon
// has fewer than 3 vertices (spec §3.1 invariant; enforced here because the
// drawing tool that normally enforces it is out of scope).
func NewExtrude(polygon []Point2, height float64) (*Node, error) {
	if len(polygon) < 3 {
		return nil, ErrInvalidPolygon
	}
	return &Node{ID: newID(), Kind: KindExtrude, Polygon: polygon, Height: height}, nil
}

func newParentNode(kind Kind, name string, children []*Node) *Node {
	return &Node{ID: newID(), Kind: kind, Name: name, Children: children}
}

// NewUnion builds a union node.
func NewUnion(name string, children ...*Node) *Node {
	return newParentNode(KindUnion, name, children)
}

// NewDifference builds a difference node. Children[0] is the base; the rest
// are subtracted.
func NewDifference(name string, children ...*Node) *Node {
	return newParentNode(KindDifference, name, children)
}

// NewIntersection builds an intersection node.
func NewIntersection(name string, children ...*Node) *Node {
	return newParentNode(KindIntersection, name, children)
}

// NewGroup builds a plain grouping node.
func NewGroup(children ...*Node) *Node {
	return newParentNode(KindGroup, "", children)
}

// NewTransclude builds a transclude node. frontiers nil/empty means live
// mode; non-empty means pinned (spec §4.7).
func NewTransclude(roomID string, frontiers []Frontier) *Node {
	return &Node{ID: newID(), Kind: KindTransclude, RoomID: roomID, Frontiers: frontiers}
}

// HasChildren reports whether node carries any children. Safe on nil.
func HasChildren(node *Node) bool {
	return node != nil && len(node.Children) > 0
}

// clone returns a shallow copy of n with its own copy of the Children slice
// (the child pointers themselves are shared). Used internally wherever
// copy-on-write needs a node it can mutate without touching the original.
func (n *Node) clone() *Node {
	cp := *n
	if n.Children != nil {
		cp.Children = append([]*Node(nil), n.Children...)
	}
	return &cp
}

// FindNodeByID walks root looking for id, returning nil if absent.
func FindNodeByID(root *Node, id string) *Node {
	if root == nil {
		return nil
	}
	if root.ID == id {
		return root
	}
	for _, child := range root.Children {
		if found := FindNodeByID(child, id); found != nil {
			return found
		}
	}
	return nil
}

// FindParent returns the direct parent of id, or nil if id is root or not
// found.
func FindParent(root *Node, id string) *Node {
	if root == nil || root.ID == id {
		return nil
	}
	for _, child := range root.Children {
		if child.ID == id {
			return root
		}
		if found := FindParent(child, id); found != nil {
			return found
		}
	}
	return nil
}

// FindDirectChildAncestor walks up from leafID until it finds the direct
// child of parentID, returning that child's id. Used to map a face click at
// a given cursor level to the selectable node (spec §4.8, click
// resolution). If parentID is empty, the top-level child of root containing
// leafID is returned (selecting the whole shape).
func FindDirectChildAncestor(root *Node, leafID, parentID string) (string, bool) {
	if root == nil {
		return "", false
	}
	target := parentID
	if target == "" {
		target = root.ID
	}
	parentNode := FindNodeByID(root, target)
	if parentNode == nil {
		return "", false
	}
	if FindNodeByID(parentNode, leafID) == nil {
		return "", false
	}
	for _, child := range parentNode.Children {
		if child.ID == leafID || FindNodeByID(child, leafID) != nil {
			return child.ID, true
		}
	}
	// parentNode has no children to walk (leafID == parentNode.ID itself).
	if parentNode.ID == leafID {
		return leafID, true
	}
	return "", false
}

// ReplaceNode copies the path from root to id and substitutes newNode
// there, returning the new root. Subtrees untouched by the replacement are
// shared with the original tree (copy-on-write). Returns ErrNodeNotFound if
// id is absent.
func ReplaceNode(root *Node, id string, newNode *Node) (*Node, error) {
	newRoot, ok := replace(root, id, newNode)
	if !ok {
		return nil, ErrNodeNotFound
	}
	return newRoot, nil
}

func replace(node *Node, id string, newNode *Node) (*Node, bool) {
	if node == nil {
		return nil, false
	}
	if node.ID == id {
		return newNode, true
	}
	for i, child := range node.Children {
		if updated, ok := replace(child, id, newNode); ok {
			cp := node.clone()
			cp.Children[i] = updated
			return cp, true
		}
	}
	return node, false
}

// AncestorTransforms returns the ordered root-to-target list of matrices
// for id: one entry per node on the path from root to id inclusive,
// substituting the identity matrix for nodes that carry none. Returns
// (nil, false) if id is not found.
func AncestorTransforms(root *Node, id string) ([]Matrix, bool) {
	path := findPath(root, id)
	if path == nil {
		return nil, false
	}
	out := make([]Matrix, len(path))
	for i, n := range path {
		if n.Matrix != nil {
			out[i] = *n.Matrix
		} else {
			out[i] = Identity()
		}
	}
	return out, true
}

func findPath(root *Node, id string) []*Node {
	if root == nil {
		return nil
	}
	if root.ID == id {
		return []*Node{root}
	}
	for _, child := range root.Children {
		if rest := findPath(child, id); rest != nil {
			return append([]*Node{root}, rest...)
		}
	}
	return nil
}

// ApplyTransformDelta left-multiplies id's matrix by delta, creating an
// identity matrix first if id has none. Returns the new root via
// copy-on-write. Returns ErrNodeNotFound if id is absent.
func ApplyTransformDelta(root *Node, id string, delta Matrix) (*Node, error) {
	target := FindNodeByID(root, id)
	if target == nil {
		return nil, ErrNodeNotFound
	}
	base := Identity()
	if target.Matrix != nil {
		base = *target.Matrix
	}
	next := Multiply(delta, base)
	updated := target.clone()
	updated.Matrix = &next
	return ReplaceNode(root, id, updated)
}
