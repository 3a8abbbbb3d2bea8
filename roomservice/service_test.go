package roomservice

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-studio/manifold/crdtdoc"
	"github.com/manifold-studio/manifold/roomstore"
	"github.com/manifold-studio/manifold/wire"
)

func encodeVV(vv crdtdoc.VersionVector) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newTestService(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()
	store, err := roomstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc := NewService(store)
	srv := httptest.NewServer(svc.Routes())
	t.Cleanup(srv.Close)
	return svc, srv
}

func TestHandleSnapshotFreshRoomReturnsEmptyDoc(t *testing.T) {
	_, srv := newTestService(t)

	resp, err := http.Get(srv.URL + "/rooms/room-a/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	doc := crdtdoc.NewDoc(0)
	require.NoError(t, doc.ImportSnapshot(raw))
	assert.Empty(t, doc.Changes())
}

func TestInvalidRoomIDRejected(t *testing.T) {
	_, srv := newTestService(t)
	resp, err := http.Get(srv.URL + "/rooms/bad$room/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMalformedAtQueryRejected(t *testing.T) {
	_, srv := newTestService(t)
	resp, err := http.Get(srv.URL + "/rooms/room-a/snapshot?at=not-a-frontier")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSPreflightReturns204(t *testing.T) {
	_, srv := newTestService(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/rooms/room-a/snapshot", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func dialWS(t *testing.T, srv *httptest.Server, roomID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rooms/" + roomID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := wire.DecodeKnown(payload)
	require.NoError(t, err)
	return msg
}

func TestConnectAssignsPeerID(t *testing.T) {
	_, srv := newTestService(t)
	conn := dialWS(t, srv, "room-a")
	defer conn.Close()

	msg := readFrame(t, conn)
	require.Equal(t, wire.SPeerID, msg.Tag)
	peer, err := wire.DecodePeerID(msg.Payload)
	require.NoError(t, err)
	assert.NotZero(t, peer)
}

func TestUpdateBroadcastsToOtherSocketsAndPersists(t *testing.T) {
	svc, srv := newTestService(t)

	connA := dialWS(t, srv, "room-a")
	defer connA.Close()
	readFrame(t, connA) // peer id

	connB := dialWS(t, srv, "room-a")
	defer connB.Close()
	readFrame(t, connB) // peer id

	doc := crdtdoc.NewDoc(1)
	tx := &crdtdoc.Tx{}
	tx.CreateNode("cube1", "cube", doc.Root(), 0)
	_, raw, err := doc.Commit(tx)
	require.NoError(t, err)

	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, wire.EncodeNew(wire.CUpdate, raw)))

	msg := readFrame(t, connB)
	assert.Equal(t, wire.SUpdate, msg.Tag)
	assert.Equal(t, raw, msg.Payload)

	// The update is appended to the WAL before it is broadcast.
	hist, err := svc.store.History("room-a")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, raw, hist[0].Payload)
}

func TestVersionVectorCatchupReturnsDelta(t *testing.T) {
	_, srv := newTestService(t)

	seed := crdtdoc.NewDoc(9)
	tx := &crdtdoc.Tx{}
	tx.CreateNode("cube1", "cube", seed.Root(), 0)
	_, raw, err := seed.Commit(tx)
	require.NoError(t, err)

	connA := dialWS(t, srv, "room-a")
	defer connA.Close()
	readFrame(t, connA)
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, wire.EncodeNew(wire.CUpdate, raw)))

	connB := dialWS(t, srv, "room-a")
	defer connB.Close()
	readFrame(t, connB) // peer id

	var empty crdtdoc.VersionVector
	vvBytes, err := encodeVV(empty)
	require.NoError(t, err)
	require.NoError(t, connB.WriteMessage(websocket.BinaryMessage, wire.EncodeNew(wire.CVersionVector, vvBytes)))

	msg := readFrame(t, connB)
	require.Equal(t, wire.SCatchup, msg.Tag)
	assert.NotEmpty(t, msg.Payload)

	client := crdtdoc.NewDoc(0)
	require.NoError(t, client.ApplyDelta(msg.Payload))
	assert.Len(t, client.Changes(), 1)
}

func TestHistoryReturnsJSONSortedByLamport(t *testing.T) {
	_, srv := newTestService(t)

	conn := dialWS(t, srv, "room-a")
	defer conn.Close()
	readFrame(t, conn)

	doc := crdtdoc.NewDoc(1)
	tx := &crdtdoc.Tx{}
	tx.CreateNode("cube1", "cube", doc.Root(), 0)
	_, raw, err := doc.Commit(tx)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.EncodeNew(wire.CUpdate, raw)))
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get(srv.URL + "/rooms/room-a/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var changes []crdtdoc.Change
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&changes))
	require.Len(t, changes, 1)
	assert.EqualValues(t, 1, changes[0].Peer)
}

func TestMalformedUpdateClosesConnectionWithoutPersisting(t *testing.T) {
	_, srv := newTestService(t)

	conn := dialWS(t, srv, "room-a")
	defer conn.Close()
	readFrame(t, conn) // peer id

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.EncodeNew(wire.CUpdate, []byte("not a gob update"))))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err) // the server closed the connection rather than keep serving it

	resp, err := http.Get(srv.URL + "/rooms/room-a/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var changes []crdtdoc.Change
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&changes))
	assert.Empty(t, changes, "malformed update must never reach the WAL")
}

func TestValidRoomID(t *testing.T) {
	assert.True(t, validRoomID("room-a"))
	assert.True(t, validRoomID("room:1.default"))
	assert.False(t, validRoomID(""))
	assert.False(t, validRoomID("bad room"))
	assert.False(t, validRoomID("bad/room"))
}
