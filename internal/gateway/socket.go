package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawnode/pkg/protocol"
)

// socket is one open WebSocket and its outbound queue. Only the write pump
// writes to conn.
type socket struct {
	conn *websocket.Conn
	span trace.Span

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// connectID is the id of the connect request; touched only by the read loop.
	connectID string
	settled   atomic.Bool
	spanOnce  sync.Once
}

func newSocket(conn *websocket.Conn, span trace.Span) *socket {
	return &socket{
		conn: conn,
		span: span,
		send: make(chan []byte, sendBufferSize),
	}
}

func (s *socket) enqueue(req *protocol.RequestFrame) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// close stops the write pump, which sends a close frame and closes conn.
func (s *socket) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

func (s *socket) endSpan(err error) {
	s.spanOnce.Do(func() {
		if err != nil {
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, err.Error())
		}
		s.span.End()
	})
}
