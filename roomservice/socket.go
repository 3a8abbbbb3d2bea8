package roomservice

import (
	"github.com/gorilla/websocket"

	"github.com/manifold-studio/manifold/crdtdoc"
)

// socket is one connected client's WebSocket, identified by the random
// peer id assigned on connect (spec §4.4 Connect). Writes are serialized
// through send, since *websocket.Conn forbids concurrent writers.
type socket struct {
	conn *websocket.Conn
	peer crdtdoc.PeerID
	send chan []byte
}

const sendBuffer = 32

func newSocket(conn *websocket.Conn, peer crdtdoc.PeerID) *socket {
	return &socket{conn: conn, peer: peer, send: make(chan []byte, sendBuffer)}
}

// enqueue frames a message for this socket's write pump. It never blocks
// the caller past a full buffer: a socket that can't keep up is dropped
// rather than stalling the room.
func (s *socket) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		_ = s.conn.Close()
		return false
	}
}

func (s *socket) writePump() {
	for frame := range s.send {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
}

func (s *socket) close() {
	_ = s.conn.Close()
}
