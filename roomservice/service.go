// Package roomservice is the per-room authoritative replica (spec §4.4):
// it persists every accepted update to roomstore, accepts WebSocket
// connections framed with wire, serves HTTP snapshot/history reads, and
// compacts the write-ahead log on a timer.
package roomservice

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/manifold-studio/manifold/crdtdoc"
	"github.com/manifold-studio/manifold/roomstore"
	"github.com/manifold-studio/manifold/wire"
)

// Service serves every room backed by a single roomstore.Store.
type Service struct {
	store    *roomstore.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the service's logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService builds a Service over store.
func NewService(store *roomstore.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		rooms:  make(map[string]*room),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the service's HTTP handler: GET /rooms/{id}/snapshot,
// GET /rooms/{id}/history, GET /rooms/{id}/ws, each with CORS preflight
// support (spec §6: "Access-Control-Allow-Origin: *; preflight 204").
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /rooms/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /rooms/{id}/ws", s.handleWS)
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) getOrCreateRoom(id string) (*room, error) {
	s.mu.Lock()
	rm, ok := s.rooms[id]
	if !ok {
		rm = newRoom(id, s.store, s.logger)
		s.rooms[id] = rm
	}
	s.mu.Unlock()

	if err := rm.ensureHydrated(); err != nil {
		return nil, err
	}
	return rm, nil
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validRoomID(id) {
		http.Error(w, "invalid room id", http.StatusNotFound)
		return
	}
	rm, err := s.getOrCreateRoom(id)
	if err != nil {
		s.logger.Error("hydrate failed", slog.String("room", id), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	at := r.URL.Query().Get("at")
	var snap []byte
	if at == "" {
		snap, err = rm.snapshotBytes()
	} else {
		frontiers, perr := parseFrontiers(at)
		if perr != nil {
			http.Error(w, "malformed at", http.StatusBadRequest)
			return
		}
		snap, err = rm.forkSnapshotBytes(frontiers)
	}
	if err != nil {
		s.logger.Error("snapshot failed", slog.String("room", id), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(snap)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validRoomID(id) {
		http.Error(w, "invalid room id", http.StatusNotFound)
		return
	}
	rm, err := s.getOrCreateRoom(id)
	if err != nil {
		s.logger.Error("hydrate failed", slog.String("room", id), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeHistoryJSON(w, rm.history())
}

func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validRoomID(id) {
		http.Error(w, "invalid room id", http.StatusNotFound)
		return
	}
	rm, err := s.getOrCreateRoom(id)
	if err != nil {
		s.logger.Error("hydrate failed", slog.String("room", id), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	peer := randomPeerID()
	sock := newSocket(conn, peer)
	rm.connect(sock)
	go sock.writePump()
	sock.enqueue(wire.EncodePeerID(uint64(peer)))

	s.readLoop(rm, sock)
}

func (s *Service) readLoop(rm *room, sock *socket) {
	defer func() {
		rm.disconnect(sock)
		sock.close()
	}()

	for {
		_, payload, err := sock.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.DecodeKnown(payload)
		if err != nil {
			continue
		}

		switch msg.Tag {
		case wire.CUpdate:
			if err := rm.handleUpdate(sock, msg.Payload); err != nil {
				s.logger.Error("update failed", slog.String("room", rm.id), slog.Any("error", err))
				if errors.Is(err, crdtdoc.ErrDecodeUpdate) {
					// spec §7: a malformed remote update fails the
					// offending connection rather than the whole room.
					return
				}
			}
		case wire.CVersionVector:
			rm.handleVersionVector(sock, msg.Payload)
		case wire.CAwareness:
			rm.handleAwareness(sock, msg.Payload)
		}
	}
}

// randomPeerID returns a uniformly random, non-zero 64-bit peer id (spec
// §4.4 Connect: "a random 64-bit peer id, uniform, not session-reused").
func randomPeerID() crdtdoc.PeerID {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(fmt.Errorf("roomservice: read random peer id: %w", err))
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v != 0 {
			return crdtdoc.PeerID(v)
		}
	}
}

var errMalformedFrontier = errors.New("roomservice: malformed frontier")

// parseFrontiers decodes the "at" query parameter: comma-separated
// peer:counter pairs (spec §4.4 "?at=p1:c1,p2:c2,...").
func parseFrontiers(raw string) (crdtdoc.Frontier, error) {
	parts := strings.Split(raw, ",")
	out := make(crdtdoc.Frontier, 0, len(parts))
	for _, part := range parts {
		peerStr, counterStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, errMalformedFrontier
		}
		peer, err := strconv.ParseUint(peerStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedFrontier, err)
		}
		counter, err := strconv.ParseUint(counterStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedFrontier, err)
		}
		out = append(out, crdtdoc.OpID{Peer: crdtdoc.PeerID(peer), Counter: counter})
	}
	return out, nil
}
