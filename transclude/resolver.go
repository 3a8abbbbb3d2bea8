// Package transclude implements the transclusion resolver (spec §4.7): it
// expands transclude nodes in a local CSG tree into the referenced rooms'
// trees, recursively, tracking a ref-counted subscription per live room and
// a session-lifetime cache per pinned (room, frontiers) pair.
package transclude

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/manifold-studio/manifold/csgtree"
)

// RoomSource is the seam the resolver drives to reach another room: a live
// subscription feed and a point-in-time snapshot fetch. roomclient.Client
// implements this against the real HTTP/WebSocket room service.
type RoomSource interface {
	// FetchSnapshot fetches roomID's tree. A nil/empty frontiers fetches the
	// current live state; a non-empty frontiers fetches the historical
	// state at that causal cut (spec §4.4's snapshot-at-frontier).
	FetchSnapshot(ctx context.Context, roomID string, frontiers []csgtree.Frontier) (*csgtree.Node, error)
	// Subscribe opens a live feed for roomID, invoking onUpdate with the
	// room's tree each time it changes, until the returned unsubscribe func
	// is called.
	Subscribe(ctx context.Context, roomID string, onUpdate func(*csgtree.Node)) (unsubscribe func(), err error)
}

// ErrMaxDepth names the depth-limit condition. Nothing in this package
// returns it: depth-limited nodes are left unresolved in place (spec §4.7).
var ErrMaxDepth = errors.New("transclude: max depth reached")

const defaultMaxDepth = 8

type liveRoom struct {
	mu          sync.Mutex
	tree        *csgtree.Node
	refCount    int
	unsubscribe func()
}

type pinnedKey struct {
	roomID      string
	frontierKey string
}

func (k pinnedKey) String() string {
	return k.roomID + "|" + k.frontierKey
}

// Resolver tracks live room subscriptions and pinned-room caches across
// repeated Resolve calls against one local tree.
type Resolver struct {
	source   RoomSource
	maxDepth int
	onCycle  func(roomID string)
	onChange func()

	mu          sync.Mutex
	rooms       map[string]*liveRoom
	pinnedCache map[pinnedKey]*csgtree.Node
	prevRefs    map[string]int
	sf          singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxDepth overrides the default transclusion recursion depth (8).
func WithMaxDepth(n int) Option {
	return func(r *Resolver) { r.maxDepth = n }
}

// WithOnCycle registers a callback invoked when a transclusion cycle is
// detected and substituted with an empty group.
func WithOnCycle(fn func(roomID string)) Option {
	return func(r *Resolver) { r.onCycle = fn }
}

// WithOnChange registers a callback fired whenever a live-subscribed room's
// tree changes, so the caller knows to re-resolve (spec §4.7's "re-resolve
// once it arrives").
func WithOnChange(fn func()) Option {
	return func(r *Resolver) { r.onChange = fn }
}

// NewResolver creates a Resolver backed by source.
func NewResolver(source RoomSource, opts ...Option) *Resolver {
	r := &Resolver{
		source:      source,
		maxDepth:    defaultMaxDepth,
		rooms:       make(map[string]*liveRoom),
		pinnedCache: make(map[pinnedKey]*csgtree.Node),
		prevRefs:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close releases every live subscription the resolver currently holds.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, room := range r.rooms {
		if room.unsubscribe != nil {
			room.unsubscribe()
		}
		delete(r.rooms, id)
	}
	r.prevRefs = make(map[string]int)
}

// Resolve expands every transclude node in root, recursively, returning a
// new tree structurally safe to evaluate (spec §4.7). It also reconciles
// live-room subscriptions: rooms no longer referenced are unsubscribed,
// newly referenced rooms are subscribed.
func (r *Resolver) Resolve(ctx context.Context, root *csgtree.Node) (*csgtree.Node, error) {
	occurrences := make(map[string]int)
	resolved, err := r.resolveNode(ctx, root, nil, 0, occurrences)
	if err != nil {
		return nil, err
	}
	if err := r.reconcile(ctx, occurrences); err != nil {
		return nil, err
	}
	return resolved, nil
}

func (r *Resolver) resolveNode(ctx context.Context, n *csgtree.Node, visited map[string]bool, depth int, occurrences map[string]int) (*csgtree.Node, error) {
	if n.Kind != csgtree.KindTransclude {
		out := *n
		if n.Children != nil {
			out.Children = make([]*csgtree.Node, 0, len(n.Children))
			for _, child := range n.Children {
				rc, err := r.resolveNode(ctx, child, visited, depth, occurrences)
				if err != nil {
					return nil, err
				}
				out.Children = append(out.Children, rc)
			}
		}
		return &out, nil
	}

	pinned := len(n.Frontiers) > 0
	if !pinned {
		// Pinned transclusions are cached forever and never subscribed, so
		// only live occurrences feed the ref-counted subscription lifecycle.
		occurrences[n.RoomID]++
	}

	if depth >= r.maxDepth {
		return n, nil
	}
	if visited[n.RoomID] {
		if r.onCycle != nil {
			r.onCycle(n.RoomID)
		}
		return csgtree.NewGroup(), nil
	}

	nextVisited := make(map[string]bool, len(visited)+1)
	for id := range visited {
		nextVisited[id] = true
	}
	nextVisited[n.RoomID] = true

	var referenced *csgtree.Node
	var err error
	if pinned {
		referenced, err = r.fetchPinned(ctx, n.RoomID, n.Frontiers)
		if err != nil {
			return nil, err
		}
	} else {
		referenced = r.currentLiveTree(n.RoomID)
	}
	if referenced == nil {
		// Not yet loaded: leave the node in place (spec §4.7 partial
		// resolution). A later Resolve call, triggered by onChange once the
		// subscription delivers data, will pick it up.
		return n, nil
	}

	resolvedReferenced, err := r.resolveNode(ctx, referenced, nextVisited, depth+1, occurrences)
	if err != nil {
		return nil, err
	}

	remapped := remapIDs(resolvedReferenced, n.ID)
	remapped.Matrix = composeMatrix(n.Matrix, remapped.Matrix)
	return remapped, nil
}

func (r *Resolver) fetchPinned(ctx context.Context, roomID string, frontiers []csgtree.Frontier) (*csgtree.Node, error) {
	key := pinnedKey{roomID: roomID, frontierKey: frontierKey(frontiers)}

	r.mu.Lock()
	if cached, ok := r.pinnedCache[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	v, err, _ := r.sf.Do(key.String(), func() (interface{}, error) {
		return r.source.FetchSnapshot(ctx, roomID, frontiers)
	})
	if err != nil {
		return nil, fmt.Errorf("transclude: fetch pinned %s: %w", roomID, err)
	}
	tree := v.(*csgtree.Node)

	r.mu.Lock()
	r.pinnedCache[key] = tree
	r.mu.Unlock()
	return tree, nil
}

func (r *Resolver) currentLiveTree(roomID string) *csgtree.Node {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.tree
}

// reconcile diffs occurrences against the previous Resolve call's live-room
// reference counts and subscribes/unsubscribes accordingly (spec §4.7,
// ref-counted subscription lifecycle). Only non-pinned (live) transcludes
// hold a subscription; pinned ones are cached, never subscribed.
func (r *Resolver) reconcile(ctx context.Context, occurrences map[string]int) error {
	liveOccurrences := make(map[string]int, len(occurrences))
	for roomID, n := range occurrences {
		liveOccurrences[roomID] = n
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID, count := range liveOccurrences {
		prev := r.prevRefs[roomID]
		if count > prev {
			if err := r.acquireLocked(ctx, roomID, count-prev); err != nil {
				return err
			}
		}
	}
	for roomID, prev := range r.prevRefs {
		count := liveOccurrences[roomID]
		if count < prev {
			r.releaseLocked(roomID, prev-count)
		}
	}
	r.prevRefs = liveOccurrences
	return nil
}

func (r *Resolver) acquireLocked(ctx context.Context, roomID string, n int) error {
	if room, ok := r.rooms[roomID]; ok {
		room.refCount += n
		return nil
	}

	room := &liveRoom{refCount: n}
	tree, err := r.source.FetchSnapshot(ctx, roomID, nil)
	if err != nil {
		return fmt.Errorf("transclude: fetch snapshot %s: %w", roomID, err)
	}
	room.tree = tree

	unsubscribe, err := r.source.Subscribe(ctx, roomID, func(updated *csgtree.Node) {
		room.mu.Lock()
		room.tree = updated
		room.mu.Unlock()
		if r.onChange != nil {
			r.onChange()
		}
	})
	if err != nil {
		return fmt.Errorf("transclude: subscribe %s: %w", roomID, err)
	}
	room.unsubscribe = unsubscribe

	r.rooms[roomID] = room
	return nil
}

func (r *Resolver) releaseLocked(roomID string, n int) {
	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	room.refCount -= n
	if room.refCount <= 0 {
		if room.unsubscribe != nil {
			room.unsubscribe()
		}
		delete(r.rooms, roomID)
	}
}

func frontierKey(frontiers []csgtree.Frontier) string {
	sorted := append([]csgtree.Frontier(nil), frontiers...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Peer != sorted[j].Peer {
			return sorted[i].Peer < sorted[j].Peer
		}
		return sorted[i].Counter < sorted[j].Counter
	})
	s := ""
	for _, f := range sorted {
		s += fmt.Sprintf("%d:%d,", f.Peer, f.Counter)
	}
	return s
}
