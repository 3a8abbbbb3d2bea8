package crdtdoc

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNodeNotFound is returned when an operation targets a node id absent
// from the document.
var ErrNodeNotFound = errors.New("crdtdoc: node not found")

// ErrDecodeUpdate is returned when ImportUpdate/Snapshot import receives
// bytes that don't decode as an Update/snapshot.
var ErrDecodeUpdate = errors.New("crdtdoc: malformed update")

// node is the CRDT-side representation of a CSG tree node: an attribute
// map plus ordered children. Array-valued attributes (matrix, size,
// polygon) are stored as opaque json.RawMessage values, never decomposed,
// per spec §3.2.
type node struct {
	Kind     string
	Parent   string
	Children []string
	Attrs    map[string]json.RawMessage
}

func newNode(kind, parent string) *node {
	return &node{Kind: kind, Parent: parent, Attrs: make(map[string]json.RawMessage)}
}

func (n *node) clone() *node {
	cp := &node{Kind: n.Kind, Parent: n.Parent}
	cp.Children = append([]string(nil), n.Children...)
	cp.Attrs = make(map[string]json.RawMessage, len(n.Attrs))
	for k, v := range n.Attrs {
		cp.Attrs[k] = v
	}
	return cp
}

// loggedChange pairs a Change with the ops it covers, kept so ForkAt and
// DeltaSince can replay history rather than only exposing final state.
type loggedChange struct {
	Change Change
	Ops    []op
}

// Doc is one replica of a room's document: the authoritative copy on the
// room service, or a client's local mirror.
type Doc struct {
	mu sync.Mutex

	peer    PeerID
	counter uint64 // next local counter to assign
	lamport uint64 // highest lamport clock observed

	root  string
	nodes map[string]*node

	log []loggedChange

	vv       VersionVector
	frontier Frontier

	listeners []func(Update)
}

const rootID = "root"

// NewDoc creates an empty document (a single root group node) for peer.
func NewDoc(peer PeerID) *Doc {
	d := &Doc{
		peer:  peer,
		root:  rootID,
		nodes: map[string]*node{rootID: newNode("group", "")},
		vv:    make(VersionVector),
	}
	return d
}

// Peer returns this replica's assigned peer id.
func (d *Doc) Peer() PeerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer
}

// SetPeer reassigns the local peer id, used by the client once the room
// service has sent S_PEER_ID (spec §4.5).
func (d *Doc) SetPeer(peer PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peer = peer
}

// Root returns the document's root node id.
func (d *Doc) Root() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.root
}

// OnUpdate registers a callback invoked after every locally-applied or
// imported Update. Used by the evaluator/UI layer to schedule a rebuild.
func (d *Doc) OnUpdate(fn func(Update)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *Doc) notify(u Update) {
	for _, fn := range d.listeners {
		fn(u)
	}
}

// VersionVector returns a copy of the replica's current version vector.
func (d *Doc) VersionVector() VersionVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vv.Clone()
}

// Frontier returns a copy of the replica's current frontier.
func (d *Doc) Frontier() Frontier {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frontier.Clone()
}

// Changes returns all known changes sorted by lamport clock (spec §4.4,
// GET /history).
func (d *Doc) Changes() []Change {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Change, len(d.log))
	for i, lc := range d.log {
		out[i] = lc.Change
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lamport < out[j].Lamport })
	return out
}

// Tx accumulates ops for one local transaction. The patcher builds one Tx
// per edit batch and commits it via Doc.Commit, producing a single Change
// (spec §4.3: the patcher's output is a batch of ops, not one change per
// op).
type Tx struct {
	ops []op
}

func (tx *Tx) CreateNode(nodeID, kind, parentID string, index int) {
	tx.ops = append(tx.ops, op{Kind: opCreateNode, NodeID: nodeID, NodeKind: kind, ParentID: parentID, Index: index})
}

func (tx *Tx) RewriteNode(nodeID, kind string) {
	tx.ops = append(tx.ops, op{Kind: opRewriteNode, NodeID: nodeID, NodeKind: kind})
}

func (tx *Tx) DeleteNode(nodeID string) {
	tx.ops = append(tx.ops, op{Kind: opDeleteNode, NodeID: nodeID})
}

func (tx *Tx) SetAttr(nodeID, key string, value json.RawMessage) {
	tx.ops = append(tx.ops, op{Kind: opSetAttr, NodeID: nodeID, Key: key, Value: value})
}

func (tx *Tx) DeleteAttr(nodeID, key string) {
	tx.ops = append(tx.ops, op{Kind: opDeleteAttr, NodeID: nodeID, Key: key})
}

func (tx *Tx) MoveChild(parentID, nodeID string, index int) {
	tx.ops = append(tx.ops, op{Kind: opMoveChild, NodeID: nodeID, ParentID: parentID, Index: index})
}

// Empty reports whether the transaction has no ops to commit.
func (tx *Tx) Empty() bool {
	return len(tx.ops) == 0
}

// nowFn is overridable in tests; defaults to defaultNow in clock.go.
var nowFn = defaultNow

// Commit applies tx's ops locally, assigns it the next (peer, counter,
// lamport, timestamp, deps=current frontier), appends it to the change
// log/version-vector/frontier, and returns the encoded Update ready to be
// sent as a C_UPDATE/S_UPDATE payload. Returns a zero Update, nil bytes and
// no error if tx is empty.
func (d *Doc) Commit(tx *Tx) (Update, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if tx.Empty() {
		return Update{}, nil, nil
	}

	if err := d.applyOpsLocked(tx.ops); err != nil {
		return Update{}, nil, err
	}

	d.lamport++
	change := Change{
		Peer:      d.peer,
		Counter:   d.counter,
		Length:    uint64(len(tx.ops)),
		Lamport:   d.lamport,
		Timestamp: nowFn(),
		Deps:      append(Frontier(nil), d.frontier...),
	}
	d.counter += change.Length

	d.recordChangeLocked(change, tx.ops)

	u := Update{Change: change, Ops: tx.ops}
	raw, err := encodeUpdate(u)
	if err != nil {
		return Update{}, nil, err
	}
	d.notify(u)
	return u, raw, nil
}

// ImportUpdate decodes and applies a remote Update. Updates are expected to
// arrive in causal order: the room service serializes every update through
// one per-room actor and broadcasts in the order it applied them (spec §4.4
// ordering guarantee ii), and DeltaSince/ForkAt replay their batches sorted
// by lamport clock, which respects causality. A replica that nonetheless
// receives an update whose referenced parent/target node is locally unknown
// reports ErrNodeNotFound rather than silently buffering it.
func (d *Doc) ImportUpdate(raw []byte) error {
	u, err := decodeUpdate(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeUpdate, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.importLocked(u)
}

func (d *Doc) importLocked(u Update) error {
	// Idempotent: ignore changes we've already applied.
	if d.vv[u.Change.Peer] > u.Change.Counter {
		return nil
	}
	if err := d.applyOpsLocked(u.Ops); err != nil {
		return err
	}
	if u.Change.Lamport > d.lamport {
		d.lamport = u.Change.Lamport
	}
	d.recordChangeLocked(u.Change, u.Ops)
	d.notify(u)
	return nil
}

func (d *Doc) recordChangeLocked(change Change, ops []op) {
	d.log = append(d.log, loggedChange{Change: change, Ops: ops})

	if next := change.LastCounter() + 1; next > d.vv[change.Peer] {
		d.vv[change.Peer] = next
	}

	// Frontier maintenance: this change becomes a new tip; any of its
	// declared deps are no longer tips (superseded).
	kept := d.frontier[:0:0]
	for _, tip := range d.frontier {
		superseded := false
		for _, dep := range change.Deps {
			if tip == dep {
				superseded = true
				break
			}
		}
		if !superseded {
			kept = append(kept, tip)
		}
	}
	d.frontier = append(kept, OpID{Peer: change.Peer, Counter: change.LastCounter()})
}

func (d *Doc) applyOpsLocked(ops []op) error {
	for _, o := range ops {
		switch o.Kind {
		case opCreateNode:
			n := newNode(o.NodeKind, o.ParentID)
			d.nodes[o.NodeID] = n
			parent, ok := d.nodes[o.ParentID]
			if !ok {
				return fmt.Errorf("%w: parent %q", ErrNodeNotFound, o.ParentID)
			}
			parent = parent.clone()
			parent.Children = insertAt(parent.Children, o.NodeID, o.Index)
			d.nodes[o.ParentID] = parent
		case opRewriteNode:
			n, ok := d.nodes[o.NodeID]
			if !ok {
				return fmt.Errorf("%w: %q", ErrNodeNotFound, o.NodeID)
			}
			for _, child := range n.Children {
				d.deleteSubtreeLocked(child)
			}
			d.nodes[o.NodeID] = newNode(o.NodeKind, n.Parent)
		case opDeleteNode:
			d.deleteSubtreeLocked(o.NodeID)
		case opSetAttr:
			n, ok := d.nodes[o.NodeID]
			if !ok {
				return fmt.Errorf("%w: %q", ErrNodeNotFound, o.NodeID)
			}
			n = n.clone()
			n.Attrs[o.Key] = o.Value
			d.nodes[o.NodeID] = n
		case opDeleteAttr:
			n, ok := d.nodes[o.NodeID]
			if !ok {
				return fmt.Errorf("%w: %q", ErrNodeNotFound, o.NodeID)
			}
			n = n.clone()
			delete(n.Attrs, o.Key)
			d.nodes[o.NodeID] = n
		case opMoveChild:
			parent, ok := d.nodes[o.ParentID]
			if !ok {
				return fmt.Errorf("%w: parent %q", ErrNodeNotFound, o.ParentID)
			}
			parent = parent.clone()
			parent.Children = removeID(parent.Children, o.NodeID)
			parent.Children = insertAt(parent.Children, o.NodeID, o.Index)
			d.nodes[o.ParentID] = parent
			if n, ok := d.nodes[o.NodeID]; ok {
				n = n.clone()
				n.Parent = o.ParentID
				d.nodes[o.NodeID] = n
			}
		}
	}
	return nil
}

func (d *Doc) deleteSubtreeLocked(id string) {
	n, ok := d.nodes[id]
	if !ok {
		return
	}
	for _, child := range n.Children {
		d.deleteSubtreeLocked(child)
	}
	if n.Parent != "" {
		if parent, ok := d.nodes[n.Parent]; ok {
			parent = parent.clone()
			parent.Children = removeID(parent.Children, id)
			d.nodes[n.Parent] = parent
		}
	}
	delete(d.nodes, id)
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

// Snapshot exports the full compacted document state (spec §4.4, key
// doc:snapshot).
func (d *Doc) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeSnapshot(d)
}

// ImportSnapshot replaces the in-memory replica state with a previously
// exported snapshot. Used on hydration and on fork.
func (d *Doc) ImportSnapshot(raw []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return decodeSnapshotInto(d, raw)
}

// DeltaSince computes the update bytes covering every change this replica
// knows about that isn't reflected in vv, for the S_CATCHUP response (spec
// §4.4).
func (d *Doc) DeltaSince(vv VersionVector) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var missing []loggedChange
	for _, lc := range d.log {
		if vv[lc.Change.Peer] <= lc.Change.Counter {
			missing = append(missing, lc)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Change.Lamport < missing[j].Change.Lamport })

	batch := batchUpdate{Changes: make([]Update, len(missing))}
	for i, lc := range missing {
		batch.Changes[i] = Update{Change: lc.Change, Ops: lc.Ops}
	}
	return encodeBatch(batch)
}

// ApplyDelta applies a batch produced by DeltaSince (an S_CATCHUP payload).
func (d *Doc) ApplyDelta(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	batch, err := decodeBatch(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeUpdate, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range batch.Changes {
		if err := d.importLocked(u); err != nil {
			return err
		}
	}
	return nil
}

// ForkAt reconstructs the document state at the given frontiers: a fresh
// Doc containing exactly the changes causally included by that cut, built
// by replaying the log in lamport order (spec §4.4 fork, §4.6 merge-point
// correctness).
func (d *Doc) ForkAt(frontiers Frontier) (*Doc, error) {
	d.mu.Lock()
	log := append([]loggedChange(nil), d.log...)
	d.mu.Unlock()

	// limit[p] is one past the highest counter of p inside the cut: the
	// frontier points plus everything they transitively depend on.
	limit := make(map[PeerID]uint64, len(frontiers))
	pending := append([]OpID(nil), frontiers...)
	for len(pending) > 0 {
		f := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if f.Counter+1 <= limit[f.Peer] {
			continue
		}
		limit[f.Peer] = f.Counter + 1
		for _, lc := range log {
			if lc.Change.Peer == f.Peer && lc.Change.Counter <= f.Counter {
				pending = append(pending, lc.Change.Deps...)
			}
		}
	}

	sort.Slice(log, func(i, j int) bool { return log[i].Change.Lamport < log[j].Change.Lamport })

	fork := NewDoc(d.peer)
	for _, lc := range log {
		if lc.Change.LastCounter()+1 > limit[lc.Change.Peer] {
			continue
		}
		if err := fork.importLocked(lc.Change.forCommit(lc.Ops)); err != nil {
			return nil, err
		}
	}
	return fork, nil
}

// forCommit is a trivial adapter so ForkAt can reuse importLocked.
func (c Change) forCommit(ops []op) Update {
	return Update{Change: c, Ops: ops}
}

// --- encoding -------------------------------------------------------------

type batchUpdate struct {
	Changes []Update
}

func encodeUpdate(u Update) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(u); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeUpdate(raw []byte) (Update, error) {
	var u Update
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&u); err != nil {
		return Update{}, err
	}
	return u, nil
}

func encodeBatch(b batchUpdate) ([]byte, error) {
	if len(b.Changes) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBatch(raw []byte) (batchUpdate, error) {
	var b batchUpdate
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&b); err != nil {
		return batchUpdate{}, err
	}
	return b, nil
}

type docSnapshot struct {
	Peer    PeerID
	Counter uint64
	Lamport uint64
	Root    string
	Nodes   map[string]*node
	Log     []loggedChange
	VV      VersionVector
	Front   Frontier
}

func encodeSnapshot(d *Doc) ([]byte, error) {
	s := docSnapshot{
		Peer: d.peer, Counter: d.counter, Lamport: d.lamport, Root: d.root,
		Nodes: d.nodes, Log: d.log, VV: d.vv, Front: d.frontier,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSnapshotInto(d *Doc, raw []byte) error {
	var s docSnapshot
	if len(raw) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&s); err != nil {
			return fmt.Errorf("%w: %v", ErrDecodeUpdate, err)
		}
	}
	d.counter = s.Counter
	d.lamport = s.Lamport
	if s.Root != "" {
		d.root = s.Root
	}
	if s.Nodes != nil {
		d.nodes = s.Nodes
	} else {
		d.nodes = map[string]*node{rootID: newNode("group", "")}
	}
	d.log = s.Log
	if s.VV != nil {
		d.vv = s.VV
	} else {
		d.vv = make(VersionVector)
	}
	d.frontier = s.Front
	if s.Peer != 0 {
		d.peer = s.Peer
	}
	return nil
}
