// Package roomclient is the remote-room client (system overview row 7).
// Each Subscribe call opens its own connection; per-room reference
// counting is done by transclude.Resolver, which holds one subscription
// per live room. It implements transclude.RoomSource against the real
// room service over HTTP (snapshot fetch) and WebSocket (incremental
// sync), dialing with gorilla/websocket exactly as the teacher's
// transport_native.go does for its own peer connections.
package roomclient

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manifold-studio/manifold/crdtdoc"
	"github.com/manifold-studio/manifold/csgtree"
	"github.com/manifold-studio/manifold/patch"
	"github.com/manifold-studio/manifold/wire"
)

// reconnectDelay is the fixed backoff before redialing a dropped
// subscription, per spec §4.5/§4.7 ("reconnect after a 3-second delay").
const reconnectDelay = 3 * time.Second

// Client fetches and subscribes to rooms served by a room service reachable
// at BaseURL, e.g. "http://localhost:8080".
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the *http.Client used for snapshot fetches.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDialer overrides the websocket.Dialer used to open live subscriptions.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// NewClient builds a Client against baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: http.DefaultClient,
		dialer:     websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func frontiersQuery(frontiers []csgtree.Frontier) string {
	if len(frontiers) == 0 {
		return ""
	}
	parts := make([]string, len(frontiers))
	for i, f := range frontiers {
		parts[i] = fmt.Sprintf("%d:%d", f.Peer, f.Counter)
	}
	return "?at=" + url.QueryEscape(strings.Join(parts, ","))
}

// FetchSnapshot implements transclude.RoomSource: it fetches the room's
// snapshot (current state, or the state forked at frontiers) over HTTP and
// materializes it into a csgtree.Node (spec §4.4 HTTP reads).
func (c *Client) FetchSnapshot(ctx context.Context, roomID string, frontiers []csgtree.Frontier) (*csgtree.Node, error) {
	reqURL := c.baseURL + "/rooms/" + url.PathEscape(roomID) + "/snapshot" + frontiersQuery(frontiers)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("roomclient: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("roomclient: fetch snapshot %s: %w", roomID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("roomclient: fetch snapshot %s: status %d", roomID, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("roomclient: read snapshot body: %w", err)
	}

	doc := crdtdoc.NewDoc(0)
	if err := doc.ImportSnapshot(raw); err != nil {
		return nil, fmt.Errorf("roomclient: decode snapshot %s: %w", roomID, err)
	}
	return patch.Materialize(doc, doc.Root())
}

// Subscribe implements transclude.RoomSource: it hydrates a private replica
// from a snapshot fetch, opens a WebSocket, performs the version-vector
// catch-up handshake, and invokes onUpdate with the materialized tree on
// every subsequent change, until the returned unsubscribe func is called.
// A dropped connection is redialed after reconnectDelay while the
// subscription is still live (spec §4.7 subscription lifecycle).
func (c *Client) Subscribe(ctx context.Context, roomID string, onUpdate func(*csgtree.Node)) (func(), error) {
	sub := &subscription{
		client:   c,
		roomID:   roomID,
		onUpdate: onUpdate,
		done:     make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel

	if err := sub.connectOnce(ctx); err != nil {
		cancel()
		return nil, err
	}

	go sub.run(ctx)

	return func() {
		cancel()
		sub.closeConn()
		<-sub.done
	}, nil
}

type subscription struct {
	client   *Client
	roomID   string
	onUpdate func(*csgtree.Node)
	cancel   context.CancelFunc
	done     chan struct{}

	mu   sync.Mutex
	doc  *crdtdoc.Doc
	conn *websocket.Conn
}

// connectOnce hydrates the private replica and opens the socket, performing
// the C_VERSION_VECTOR handshake described in spec §4.5.
func (s *subscription) connectOnce(ctx context.Context) error {
	raw, err := s.fetchSnapshotBytes(ctx)
	if err != nil {
		return err
	}

	doc := crdtdoc.NewDoc(0)
	if err := doc.ImportSnapshot(raw); err != nil {
		return fmt.Errorf("roomclient: decode snapshot %s: %w", s.roomID, err)
	}

	wsURL := toWebSocketURL(s.client.baseURL) + "/rooms/" + url.PathEscape(s.roomID) + "/ws"
	conn, _, err := s.client.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("roomclient: dial %s: %w", s.roomID, err)
	}

	var vvBuf bytes.Buffer
	if err := gob.NewEncoder(&vvBuf).Encode(doc.VersionVector()); err != nil {
		conn.Close()
		return fmt.Errorf("roomclient: encode version vector: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, wire.EncodeNew(wire.CVersionVector, vvBuf.Bytes())); err != nil {
		conn.Close()
		return fmt.Errorf("roomclient: send version vector: %w", err)
	}

	s.mu.Lock()
	s.doc = doc
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// closeConn closes the current socket, if any, to unblock a goroutine
// parked in conn.ReadMessage so run's select on ctx.Done can observe
// cancellation promptly.
func (s *subscription) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *subscription) fetchSnapshotBytes(ctx context.Context) ([]byte, error) {
	reqURL := s.client.baseURL + "/rooms/" + url.PathEscape(s.roomID) + "/snapshot"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("roomclient: build request: %w", err)
	}
	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("roomclient: fetch snapshot %s: %w", s.roomID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("roomclient: fetch snapshot %s: status %d", s.roomID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	for {
		if err := s.readLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		if err := s.connectOnce(ctx); err != nil {
			continue
		}
	}
}

func (s *subscription) readLoop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("roomclient: no active connection for %s", s.roomID)
	}
	defer conn.Close()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := wire.DecodeKnown(payload)
		if err != nil {
			continue
		}
		if err := s.handleFrame(msg); err != nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *subscription) handleFrame(msg wire.Message) error {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()
	if doc == nil {
		return fmt.Errorf("roomclient: frame received before hydration")
	}

	switch msg.Tag {
	case wire.SPeerID:
		peer, err := wire.DecodePeerID(msg.Payload)
		if err != nil {
			return err
		}
		doc.SetPeer(crdtdoc.PeerID(peer))
		return nil
	case wire.SUpdate:
		if err := doc.ImportUpdate(msg.Payload); err != nil {
			return err
		}
		return s.notify(doc)
	case wire.SCatchup:
		if len(msg.Payload) == 0 {
			return nil
		}
		if err := doc.ApplyDelta(msg.Payload); err != nil {
			return err
		}
		return s.notify(doc)
	case wire.SAwareness:
		return nil // never persisted, no tree effect (spec §4.4)
	default:
		return nil
	}
}

func (s *subscription) notify(doc *crdtdoc.Doc) error {
	tree, err := patch.Materialize(doc, doc.Root())
	if err != nil {
		return err
	}
	s.onUpdate(tree)
	return nil
}

func toWebSocketURL(baseURL string) string {
	if strings.HasPrefix(baseURL, "https://") {
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	}
	if strings.HasPrefix(baseURL, "http://") {
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}
