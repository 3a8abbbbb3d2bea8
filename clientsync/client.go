// Package clientsync is the primary sync client for the editor's own
// document (spec §4.5): unlike roomclient, which hydrates a private
// replica for a transcluded remote room, clientsync drives a caller-owned
// crdtdoc.Doc directly — the document the local user is editing.
package clientsync

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manifold-studio/manifold/crdtdoc"
	"github.com/manifold-studio/manifold/wire"
)

// reconnectDelay is the fixed backoff before redialing after a dropped
// connection (spec §4.5: "reconnect after a 3-second delay").
const reconnectDelay = 3 * time.Second

const defaultRoomID = "default"

// Client drives doc against a room service reachable at a base URL: on
// cold start it fetches the room's snapshot and imports it, then keeps doc
// converged over a WebSocket, forwarding local commits as C_UPDATE and
// importing every S_UPDATE/S_CATCHUP it receives (spec §4.5).
type Client struct {
	baseURL    string
	roomID     string
	doc        *crdtdoc.Doc
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending [][]byte
}

// Option configures a Client.
type Option func(*Client)

// WithRoomID overrides the room id read from the query parameter in spec
// §4.5 (default "default").
func WithRoomID(id string) Option {
	return func(c *Client) { c.roomID = id }
}

// WithHTTPClient overrides the *http.Client used for the cold-start
// snapshot fetch.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDialer overrides the websocket.Dialer used to connect.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger overrides the logger used for reconnect/import diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient builds a Client that drives doc against the room service at
// baseURL.
func NewClient(doc *crdtdoc.Doc, baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		roomID:     defaultRoomID,
		doc:        doc,
		httpClient: http.DefaultClient,
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start fetches the cold-start snapshot, imports it into doc, opens the
// WebSocket, and begins the background reconnect loop. The returned stop
// func cancels the connection and waits for the background goroutine to
// exit.
func (c *Client) Start(ctx context.Context) (stop func(), err error) {
	raw, err := c.fetchSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.doc.ImportSnapshot(raw); err != nil {
		return nil, fmt.Errorf("clientsync: decode snapshot %s: %w", c.roomID, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := c.connectOnce(ctx); err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go c.run(ctx, done)

	return func() {
		cancel()
		c.closeConn()
		<-done
	}, nil
}

func (c *Client) fetchSnapshot(ctx context.Context) ([]byte, error) {
	reqURL := c.baseURL + "/rooms/" + url.PathEscape(c.roomID) + "/snapshot"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("clientsync: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clientsync: fetch snapshot %s: %w", c.roomID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("clientsync: fetch snapshot %s: status %d", c.roomID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// connectOnce dials the WebSocket and sends the C_VERSION_VECTOR handshake
// for doc's current version — the snapshot is never re-fetched here, only
// on the initial cold start in Start (spec §4.5: "reconnection re-fetches a
// snapshot only on cold start; otherwise the version-vector handshake
// suffices").
func (c *Client) connectOnce(ctx context.Context) error {
	wsURL := toWebSocketURL(c.baseURL) + "/rooms/" + url.PathEscape(c.roomID) + "/ws"
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("clientsync: dial %s: %w", c.roomID, err)
	}

	var vvBuf bytes.Buffer
	if err := gob.NewEncoder(&vvBuf).Encode(c.doc.VersionVector()); err != nil {
		conn.Close()
		return fmt.Errorf("clientsync: encode version vector: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, wire.EncodeNew(wire.CVersionVector, vvBuf.Bytes())); err != nil {
		conn.Close()
		return fmt.Errorf("clientsync: send version vector: %w", err)
	}

	// Holding mu across the resend keeps every WriteMessage on this conn
	// serialized against SendUpdate's own write, since *websocket.Conn
	// forbids concurrent writers.
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn

	// Resend every queued update, including ones already sent on an
	// earlier connection. Duplicate delivery is harmless:
	// Doc.ImportUpdate's version-vector check on the server makes
	// re-application a no-op.
	for _, raw := range c.pending {
		if err := conn.WriteMessage(websocket.BinaryMessage, wire.EncodeNew(wire.CUpdate, raw)); err != nil {
			return fmt.Errorf("clientsync: resend pending update: %w", err)
		}
	}
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// SendUpdate forwards a locally-committed update's raw bytes (the second
// return value of crdtdoc.Doc.Commit) as a C_UPDATE frame, per spec §4.5
// ("forward all local update bytes as C_UPDATE"). Every update is also kept
// in the pending queue, whether or not a connection is open, and the whole
// queue is resent after each reconnect; the queue is never trimmed.
func (c *Client) SendUpdate(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, raw)
	if c.conn == nil {
		return nil
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, wire.EncodeNew(wire.CUpdate, raw)); err != nil {
		c.conn = nil
		return fmt.Errorf("clientsync: send update: %w", err)
	}
	return nil
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := c.readLoop(ctx); err != nil && ctx.Err() != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		if err := c.connectOnce(ctx); err != nil {
			c.logger.Warn("clientsync: reconnect failed", slog.String("room", c.roomID), slog.Any("error", err))
			continue
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("clientsync: no active connection for %s", c.roomID)
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
		if err := c.handleFrame(msg); err != nil {
			c.logger.Warn("clientsync: dropped frame", slog.String("tag", msg.Tag.String()), slog.Any("error", err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Client) handleFrame(msg wire.Message) error {
	switch msg.Tag {
	case wire.SPeerID:
		peer, err := wire.DecodePeerID(msg.Payload)
		if err != nil {
			return err
		}
		c.doc.SetPeer(crdtdoc.PeerID(peer))
		return nil
	case wire.SUpdate:
		return c.doc.ImportUpdate(msg.Payload)
	case wire.SCatchup:
		if len(msg.Payload) == 0 {
			return nil
		}
		return c.doc.ApplyDelta(msg.Payload)
	case wire.SAwareness:
		return nil // ephemeral, no document effect (spec §4.4)
	default:
		return nil
	}
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
