package gateway

import (
	"encoding/json"
	"sync"

	"github.com/nextlevelbuilder/clawnode/pkg/protocol"
)

// Event is anything the Connection reports to its owner. The concrete types
// below are the complete set.
type Event interface {
	isGatewayEvent()
}

// StateEvent reports every state transition.
type StateEvent struct {
	State State
}

// ConnectedEvent follows a successful handshake. Any issued pairing token is
// already persisted when this is delivered.
type ConnectedEvent struct {
	Hello *protocol.HelloOK
}

// DisconnectedEvent reports loss of the socket or an explicit Disconnect.
type DisconnectedEvent struct {
	Err         error
	Intentional bool
}

// MessageEvent is a gateway event received while connected.
type MessageEvent struct {
	Name       string
	SessionKey string
	Seq        int64
	Payload    json.RawMessage
}

// ErrorEvent reports a non-fatal problem: a malformed frame, a failed
// challenge or a pairing token that could not be stored.
type ErrorEvent struct {
	Err error
}

func (StateEvent) isGatewayEvent()        {}
func (ConnectedEvent) isGatewayEvent()    {}
func (DisconnectedEvent) isGatewayEvent() {}
func (MessageEvent) isGatewayEvent()      {}
func (ErrorEvent) isGatewayEvent()        {}

// eventQueue delivers events in order without ever blocking the producer.
// Undelivered events are dropped on close.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool

	notify    chan struct{}
	done      chan struct{}
	out       chan Event
	closeOnce sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		e := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- e:
		case <-q.done:
			return
		}
	}
}

func (q *eventQueue) close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.items = nil
		q.mu.Unlock()
		close(q.done)
	})
}
