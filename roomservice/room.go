package roomservice

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manifold-studio/manifold/crdtdoc"
	"github.com/manifold-studio/manifold/roomstore"
	"github.com/manifold-studio/manifold/wire"
)

// compactDelay is the fixed compaction-alarm backoff after an update
// (spec §4.4 step 4: "schedule a compaction alarm at now + 5s").
const compactDelay = 5 * time.Second

// room is the authoritative in-memory replica for one room id, serializing
// every state transition behind mu exactly the way crdtdoc.Doc itself
// serializes its own mutations: there is no separate actor goroutine here
// because every operation below is already a short, non-blocking critical
// section, and crdtdoc.Doc's own methods are independently safe for
// concurrent use, so a second layer of message-passing would only add
// latency without buying additional safety.
type room struct {
	id     string
	store  *roomstore.Store
	logger *slog.Logger

	mu           sync.Mutex
	doc          *crdtdoc.Doc
	sockets      map[*socket]struct{}
	dirty        bool
	compactTimer *time.Timer
	hydrated     bool
}

func newRoom(id string, store *roomstore.Store, logger *slog.Logger) *room {
	return &room{
		id:      id,
		store:   store,
		logger:  logger,
		sockets: make(map[*socket]struct{}),
	}
}

// ensureHydrated loads the room's snapshot and replays any WAL entries
// accumulated since, per spec §4.4 Hydration. It is idempotent and safe to
// call before every request.
func (rm *room) ensureHydrated() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.ensureHydratedLocked()
}

func (rm *room) ensureHydratedLocked() error {
	if rm.hydrated {
		return nil
	}

	doc := crdtdoc.NewDoc(0)
	snap, err := rm.store.LoadSnapshot(rm.id)
	switch {
	case err == nil:
		if err := doc.ImportSnapshot(snap); err != nil {
			return fmt.Errorf("roomservice: hydrate %s: %w", rm.id, err)
		}
	case err == roomstore.ErrNoSnapshot:
		// Fresh room: doc starts as an empty replica.
	default:
		return fmt.Errorf("roomservice: load snapshot %s: %w", rm.id, err)
	}

	history, err := rm.store.History(rm.id)
	if err != nil {
		return fmt.Errorf("roomservice: load history %s: %w", rm.id, err)
	}
	for _, rec := range history {
		if err := doc.ImportUpdate(rec.Payload); err != nil {
			return fmt.Errorf("roomservice: replay update %d for %s: %w", rec.Seq, rm.id, err)
		}
	}

	rm.doc = doc
	rm.hydrated = true
	if len(history) > 0 {
		// "If any WAL entries were replayed, immediately compact."
		if err := rm.compactLocked(); err != nil {
			return err
		}
	}
	return nil
}

// connect registers sock as an active socket on this room.
func (rm *room) connect(sock *socket) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.sockets[sock] = struct{}{}
}

// disconnect removes sock; if the room is dirty and now empty, it compacts
// immediately rather than waiting for the pending alarm (spec §4.4
// Compaction: "alarm handler or on last-socket close when dirty").
func (rm *room) disconnect(sock *socket) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.sockets, sock)
	close(sock.send)

	if len(rm.sockets) == 0 && rm.dirty {
		if rm.compactTimer != nil {
			rm.compactTimer.Stop()
			rm.compactTimer = nil
		}
		if err := rm.compactLocked(); err != nil {
			rm.logger.Error("compact on last disconnect failed", slog.String("room", rm.id), slog.Any("error", err))
		}
	}
}

// handleUpdate processes a C_UPDATE frame from sender: imports it locally,
// persists it durably, broadcasts it to every other socket, and arms the
// compaction alarm (spec §4.4 Update handling). Import runs before persist
// so a malformed payload is rejected before it ever reaches the WAL — a
// payload that failed to decode once would fail identically on every later
// replay during hydration, permanently wedging the room.
func (rm *room) handleUpdate(sender *socket, payload []byte) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if err := rm.doc.ImportUpdate(payload); err != nil {
		return fmt.Errorf("roomservice: import update for %s: %w", rm.id, err)
	}
	if _, err := rm.store.AppendUpdate(rm.id, payload); err != nil {
		return fmt.Errorf("roomservice: persist update for %s: %w", rm.id, err)
	}

	frame := wire.EncodeNew(wire.SUpdate, payload)
	for sock := range rm.sockets {
		if sock == sender {
			continue
		}
		sock.enqueue(frame)
	}

	rm.dirty = true
	rm.scheduleCompactLocked()
	return nil
}

// handleVersionVector answers a C_VERSION_VECTOR catch-up request: decode
// the sender's version, compute the delta, and reply S_CATCHUP — or an
// empty catch-up if the payload doesn't decode (spec §4.4).
func (rm *room) handleVersionVector(sender *socket, payload []byte) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var vv crdtdoc.VersionVector
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&vv); err != nil {
		sender.enqueue(wire.EncodeNew(wire.SCatchup, nil))
		return
	}

	delta, err := rm.doc.DeltaSince(vv)
	if err != nil {
		sender.enqueue(wire.EncodeNew(wire.SCatchup, nil))
		return
	}
	sender.enqueue(wire.EncodeNew(wire.SCatchup, delta))
}

// handleAwareness relays an ephemeral awareness payload to every other
// socket; it is never persisted (spec §4.4).
func (rm *room) handleAwareness(sender *socket, payload []byte) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	frame := wire.EncodeNew(wire.SAwareness, payload)
	for sock := range rm.sockets {
		if sock == sender {
			continue
		}
		sock.enqueue(frame)
	}
}

func (rm *room) scheduleCompactLocked() {
	if rm.compactTimer != nil {
		rm.compactTimer.Stop()
	}
	rm.compactTimer = time.AfterFunc(compactDelay, func() {
		rm.mu.Lock()
		defer rm.mu.Unlock()
		if !rm.dirty {
			return
		}
		if err := rm.compactLocked(); err != nil {
			rm.logger.Error("compaction alarm failed", slog.String("room", rm.id), slog.Any("error", err))
		}
	})
}

// compactLocked exports a fresh snapshot, clears the WAL, and resets
// update:seq (spec §4.4 Compaction). Callers must hold mu.
func (rm *room) compactLocked() error {
	snap, err := rm.doc.Snapshot()
	if err != nil {
		return fmt.Errorf("roomservice: snapshot %s: %w", rm.id, err)
	}
	if err := rm.store.Compact(rm.id, snap); err != nil {
		return err
	}
	rm.dirty = false
	return nil
}

// snapshotBytes returns the room's current compacted snapshot.
func (rm *room) snapshotBytes() ([]byte, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.doc.Snapshot()
}

// forkSnapshotBytes returns a snapshot of the replica forked at frontiers
// (spec §4.4 "GET /rooms/{id}/snapshot?at=...").
func (rm *room) forkSnapshotBytes(frontiers crdtdoc.Frontier) ([]byte, error) {
	rm.mu.Lock()
	doc := rm.doc
	rm.mu.Unlock()

	fork, err := doc.ForkAt(frontiers)
	if err != nil {
		return nil, fmt.Errorf("roomservice: fork %s: %w", rm.id, err)
	}
	return fork.Snapshot()
}

// history returns every known change, sorted by lamport clock (spec §4.4
// "GET /rooms/{id}/history").
func (rm *room) history() []crdtdoc.Change {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.doc.Changes()
}
