package roomclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-studio/manifold/crdtdoc"
	"github.com/manifold-studio/manifold/csgtree"
	"github.com/manifold-studio/manifold/wire"
)

func seedDoc(t *testing.T) *crdtdoc.Doc {
	t.Helper()
	doc := crdtdoc.NewDoc(1)
	tx := &crdtdoc.Tx{}
	tx.CreateNode("cube1", "cube", doc.Root(), 0)
	size, err := json.Marshal(1.0)
	require.NoError(t, err)
	tx.SetAttr("cube1", "size", size)
	_, _, err = doc.Commit(tx)
	require.NoError(t, err)
	return doc
}

func TestFetchSnapshotMaterializesTree(t *testing.T) {
	doc := seedDoc(t)
	snap, err := doc.Snapshot()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rooms/room-a/snapshot", r.URL.Path)
		w.Write(snap)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	tree, err := client.FetchSnapshot(context.Background(), "room-a", nil)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "cube1", tree.Children[0].ID)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestSubscribeReceivesLiveUpdates(t *testing.T) {
	doc := seedDoc(t)
	snap, err := doc.Snapshot()
	require.NoError(t, err)

	serverDone := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/rooms/room-a/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Write(snap)
	})
	mux.HandleFunc("/rooms/room-a/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// Drain the C_VERSION_VECTOR handshake frame.
		_, _, err = conn.ReadMessage()
		require.NoError(t, err)

		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.EncodePeerID(42)))

		tx := &crdtdoc.Tx{}
		tx.CreateNode("sphere1", "sphere", doc.Root(), 1)
		_, raw, err := doc.Commit(tx)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.EncodeNew(wire.SUpdate, raw)))

		<-serverDone
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL)
	updates := make(chan *csgtree.Node, 4)
	unsubscribe, err := client.Subscribe(context.Background(), "room-a", func(tree *csgtree.Node) {
		updates <- tree
	})
	require.NoError(t, err)
	defer unsubscribe()

	select {
	case tree := <-updates:
		require.Len(t, tree.Children, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("expected onUpdate to fire")
	}
	close(serverDone)
}
