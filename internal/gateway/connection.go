// Package gateway maintains the node's WebSocket connection to an OpenClaw gateway:
// challenge handshake, keepalive, request correlation and backoff reconnects.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawnode/internal/identity"
	"github.com/nextlevelbuilder/clawnode/pkg/protocol"
)

const (
	// maxWSMessageSize is the maximum accepted inbound frame (512KB).
	maxWSMessageSize = 512 * 1024

	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultReadTimeout      = 60 * time.Second
	writeTimeout            = 10 * time.Second
	sendBufferSize          = 256
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/clawnode/internal/gateway")

// Signer is the identity surface the handshake needs.
type Signer interface {
	EnsureIdentity() (identity.DeviceIdentity, error)
	Sign(nonce string, ac identity.AuthContext) (identity.ChallengeSignature, error)
	Token() string
	SetToken(token string) error
}

// Options configures a Connection. Zero durations take the defaults.
type Options struct {
	Client   protocol.ClientInfo
	Role     string
	Scopes   []string
	Caps     []string
	Commands []string
	Locale   string

	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration

	// ReconnectTriggerInterval throttles NotifyPathReachable.
	ReconnectTriggerInterval time.Duration

	Dialer *websocket.Dialer
}

func (o *Options) applyDefaults() {
	if o.Role == "" {
		o.Role = protocol.RoleNode
	}
	if o.Client.Mode == "" {
		o.Client.Mode = protocol.ClientModeNode
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.ReconnectTriggerInterval <= 0 {
		o.ReconnectTriggerInterval = 2 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: o.HandshakeTimeout}
	}
}

// Connection is a self-healing client connection to one gateway.
//
// All state transitions happen under mu. Every socket attempt and every
// scheduled reconnect carries the epoch it was started in; bumping the epoch
// orphans them, so a cancelled attempt or timer never touches state again.
type Connection struct {
	opts   Options
	signer Signer
	events *eventQueue

	reachLimiter *rate.Limiter

	mu          sync.Mutex
	state       State
	url         string
	attempt     int
	intentional bool
	closed      bool
	epoch       uint64
	sock        *socket
	cancel      context.CancelFunc
	timer       *time.Timer
	pending     map[string]chan *protocol.ResponseFrame
}

func NewConnection(signer Signer, opts Options) *Connection {
	opts.applyDefaults()
	return &Connection{
		opts:         opts,
		signer:       signer,
		events:       newEventQueue(),
		reachLimiter: rate.NewLimiter(rate.Every(opts.ReconnectTriggerInterval), 1),
		pending:      make(map[string]chan *protocol.ResponseFrame),
	}
}

// Events returns the single ordered event stream. It is closed by Close.
func (c *Connection) Events() <-chan Event { return c.events.out }

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// URL returns the last target passed to Connect.
func (c *Connection) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Connect starts connecting to rawURL. It is a no-op unless Disconnected and
// returns before the socket is open; progress is reported on Events.
func (c *Connection) Connect(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("gateway url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway url: unsupported scheme %q", u.Scheme)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state.Kind != StateDisconnected {
		return nil
	}
	c.url = rawURL
	c.attempt = 0
	c.intentional = false
	c.startLocked()
	return nil
}

// Disconnect closes the connection and cancels any scheduled reconnect. It
// always emits exactly one DisconnectedEvent, even when already disconnected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	sock := c.shutdownLocked()
	c.events.push(DisconnectedEvent{Intentional: true})
	c.mu.Unlock()
	if sock != nil {
		sock.close()
	}
}

// Close disconnects and ends the event stream. The Connection cannot be reused.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sock := c.shutdownLocked()
	c.mu.Unlock()
	if sock != nil {
		sock.close()
	}
	c.events.close()
}

func (c *Connection) shutdownLocked() *socket {
	c.intentional = true
	c.epoch++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	sock := c.sock
	c.sock = nil
	c.failPendingLocked()
	c.setStateLocked(State{Kind: StateDisconnected})
	return sock
}

// NotifyPathReachable reconnects immediately when the network path to the
// gateway comes back and the connection was not closed on purpose.
func (c *Connection) NotifyPathReachable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.intentional || c.url == "" {
		return
	}
	if c.state.Kind != StateDisconnected && c.state.Kind != StateReconnecting {
		return
	}
	if !c.reachLimiter.Allow() {
		slog.Debug("gateway.reachability_throttled")
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	slog.Info("gateway.path_reachable", "url", c.url, "attempt", c.attempt)
	c.startLocked()
}

func (c *Connection) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.events.push(StateEvent{State: s})
}

func (c *Connection) startLocked() {
	c.epoch++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStateLocked(State{Kind: StateConnecting})
	go c.run(ctx, c.epoch, c.url)
}

func (c *Connection) scheduleReconnectLocked() {
	delay := backoffDelay(c.attempt, c.opts.InitialBackoff, c.opts.MaxBackoff)
	c.attempt++
	c.epoch++
	ep := c.epoch
	c.setStateLocked(State{Kind: StateReconnecting, Attempt: c.attempt})
	slog.Info("gateway.reconnect_scheduled", "attempt", c.attempt, "delay", delay)
	c.timer = time.AfterFunc(delay, func() { c.reconnect(ep) })
}

func (c *Connection) reconnect(ep uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != ep || c.intentional || c.closed || c.state.Kind != StateReconnecting {
		return
	}
	c.timer = nil
	c.startLocked()
}

// finish is called once per attempt when its socket is gone.
func (c *Connection) finish(ep uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != ep {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.sock = nil
	c.failPendingLocked()
	c.setStateLocked(State{Kind: StateDisconnected})
	c.events.push(DisconnectedEvent{Err: err})
	if !c.intentional && !c.closed && c.url != "" {
		c.scheduleReconnectLocked()
	}
}

func (c *Connection) failPendingLocked() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// run drives one socket attempt from dial to close.
func (c *Connection) run(ctx context.Context, ep uint64, target string) {
	ctx, span := tracer.Start(ctx, "gateway.connect",
		trace.WithAttributes(attribute.String("gateway.url", target)))

	dialCtx, cancelDial := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	conn, _, err := c.opts.Dialer.DialContext(dialCtx, target, nil)
	cancelDial()
	if err != nil {
		slog.Warn("gateway.dial_failed", "url", target, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		span.End()
		c.finish(ep, err)
		return
	}

	s := newSocket(conn, span)
	c.mu.Lock()
	if c.epoch != ep {
		c.mu.Unlock()
		s.close()
		conn.Close()
		s.endSpan(errors.New("superseded"))
		return
	}
	c.sock = s
	c.mu.Unlock()

	go c.writePump(s)

	watchdog := time.AfterFunc(c.opts.HandshakeTimeout, func() {
		if !s.settled.Load() {
			slog.Warn("gateway.handshake_timeout", "url", target)
			s.close()
		}
	})
	err = c.readPump(ep, s)
	watchdog.Stop()
	s.close()
	s.endSpan(err)
	c.finish(ep, err)
}

// readPump reads frames until the socket fails.
func (c *Connection) readPump(ep uint64, s *socket) error {
	s.conn.SetReadLimit(maxWSMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "error", err)
			}
			return err
		}
		s.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		c.handleFrame(ep, s, data)
	}
}

// writePump writes queued frames and pings.
func (c *Connection) writePump(s *socket) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Warn("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) invalid(err error) {
	slog.Warn("gateway.invalid_frame", "error", err)
	c.events.push(ErrorEvent{Err: fmt.Errorf("%w: %v", ErrInvalidMessage, err)})
}

// handleFrame parses and dispatches a single inbound frame.
func (c *Connection) handleFrame(ep uint64, s *socket, data []byte) {
	frameType, err := protocol.ParseFrameType(data)
	if err != nil {
		c.invalid(err)
		return
	}

	switch frameType {
	case protocol.FrameTypeEvent:
		var ev protocol.EventFrame
		if err := json.Unmarshal(data, &ev); err != nil {
			c.invalid(err)
			return
		}
		if ev.Event == protocol.EventConnectChallenge {
			c.answerChallenge(ep, s, ev.Payload)
			return
		}
		if !c.connectedIn(ep) {
			slog.Debug("gateway.event_dropped", "event", ev.Event)
			return
		}
		c.events.push(MessageEvent{
			Name:       ev.Event,
			SessionKey: protocol.SessionKeyOf(ev.Payload),
			Seq:        ev.Seq,
			Payload:    ev.Payload,
		})

	case protocol.FrameTypeResponse:
		var res protocol.ResponseFrame
		if err := json.Unmarshal(data, &res); err != nil {
			c.invalid(err)
			return
		}
		if res.ID != "" && res.ID == s.connectID {
			c.handleHello(ep, s, &res)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[res.ID]
		delete(c.pending, res.ID)
		c.mu.Unlock()
		if ok {
			ch <- &res
		}

	default:
		c.invalid(fmt.Errorf("unexpected frame type %q", frameType))
	}
}

func (c *Connection) authContext(token string) identity.AuthContext {
	return identity.AuthContext{
		ClientID:     c.opts.Client.ID,
		ClientMode:   c.opts.Client.Mode,
		Role:         c.opts.Role,
		Scopes:       c.opts.Scopes,
		Token:        token,
		Platform:     c.opts.Client.Platform,
		DeviceFamily: c.opts.Client.DeviceFamily,
	}
}

// answerChallenge signs the nonce and sends the connect request.
func (c *Connection) answerChallenge(ep uint64, s *socket, payload json.RawMessage) {
	var ch protocol.ChallengePayload
	if err := json.Unmarshal(payload, &ch); err != nil || ch.Nonce == "" {
		c.invalid(fmt.Errorf("connect.challenge without nonce"))
		return
	}

	c.mu.Lock()
	if c.epoch != ep {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(State{Kind: StateChallenged})
	c.mu.Unlock()

	params, err := c.connectParams(ch.Nonce)
	if err != nil {
		slog.Error("gateway.sign_failed", "error", err)
		c.events.push(ErrorEvent{Err: &ChallengeFailedError{Reason: ReasonSigningFailed, Message: err.Error()}})
		s.close()
		return
	}
	req, err := protocol.NewRequest(protocol.MethodConnect, params)
	if err != nil {
		c.events.push(ErrorEvent{Err: err})
		s.close()
		return
	}
	s.connectID = req.ID
	if err := s.enqueue(req); err != nil {
		slog.Warn("gateway.connect_send_failed", "error", err)
	}
}

func (c *Connection) connectParams(nonce string) (*protocol.ConnectParams, error) {
	id, err := c.signer.EnsureIdentity()
	if err != nil {
		return nil, err
	}
	token := c.signer.Token()
	sig, err := c.signer.Sign(nonce, c.authContext(token))
	if err != nil {
		return nil, err
	}
	client := c.opts.Client
	client.Platform = identity.NormalizeMetadata(client.Platform)
	client.DeviceFamily = identity.NormalizeMetadata(client.DeviceFamily)

	caps := c.opts.Caps
	if caps == nil {
		caps = []string{}
	}
	scopes := c.opts.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return &protocol.ConnectParams{
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Client:      client,
		Role:        c.opts.Role,
		Scopes:      scopes,
		Caps:        caps,
		Commands:    c.opts.Commands,
		Auth:        protocol.AuthBlock{Token: token},
		Device: &protocol.DeviceAuth{
			ID:        id.NodeID,
			PublicKey: id.PublicKeyBase64URL(),
			Signature: sig.Base64URL(),
			SignedAt:  sig.SignedAtMs,
			Nonce:     nonce,
		},
		Locale:    c.opts.Locale,
		UserAgent: client.ID + "/" + client.Version,
	}, nil
}

// handleHello processes the connect response.
func (c *Connection) handleHello(ep uint64, s *socket, res *protocol.ResponseFrame) {
	s.settled.Store(true)
	if !c.current(ep) {
		return
	}

	if !res.OK {
		cf := &ChallengeFailedError{Reason: "rejected"}
		if res.Error != nil {
			cf.Reason = res.Error.Code
			cf.Message = res.Error.Message
			if protocol.IsPairingRequired(res.Error) {
				cf.Reason = ReasonPairingRequired
				cf.RequestID = protocol.PairingRequestID(res.Error)
			}
		}
		slog.Info("gateway.connect_rejected", "reason", cf.Reason, "request_id", cf.RequestID)
		s.endSpan(cf)
		c.events.push(ErrorEvent{Err: cf})
		return
	}

	hello, err := protocol.ParseHello(res.Payload)
	if err != nil {
		c.invalid(err)
		return
	}
	if tok := hello.IssuedToken(); tok != "" && tok != c.signer.Token() {
		if err := c.signer.SetToken(tok); err != nil {
			slog.Error("gateway.token_persist_failed", "error", err)
			c.events.push(ErrorEvent{Err: fmt.Errorf("%w: %v", ErrTokenNotPersisted, err)})
		} else {
			slog.Info("gateway.paired")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != ep {
		return
	}
	c.attempt = 0
	c.setStateLocked(State{Kind: StateConnected})
	c.events.push(ConnectedEvent{Hello: hello})
	s.endSpan(nil)
	slog.Info("gateway.connected", "url", c.url, "server", hello.Server.Version)
}

// Send emits a node event. Writes are serialized by the socket's write pump.
func (c *Connection) Send(event, sessionKey string, payload any) error {
	s, err := c.connectedSocket()
	if err != nil {
		return err
	}
	params := protocol.NodeEventParams{Event: event, SessionKey: sessionKey}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		params.PayloadJSON = string(raw)
	}
	req, err := protocol.NewRequest(protocol.MethodNodeEvent, params)
	if err != nil {
		return err
	}
	return s.enqueue(req)
}

// Request invokes a gateway method and waits for its response.
func (c *Connection) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req, err := protocol.NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	ch := make(chan *protocol.ResponseFrame, 1)

	c.mu.Lock()
	if c.state.Kind != StateConnected || c.sock == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	s := c.sock
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := s.enqueue(req); err != nil {
		c.dropPending(req.ID)
		return nil, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if !res.OK {
			if res.Error == nil {
				return nil, fmt.Errorf("%s failed", method)
			}
			return nil, res.Error
		}
		return res.Payload, nil
	case <-ctx.Done():
		c.dropPending(req.ID)
		return nil, ctx.Err()
	}
}

func (c *Connection) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// ListSessions fetches the gateway's session list.
func (c *Connection) ListSessions(ctx context.Context, params protocol.SessionsListParams) ([]protocol.SessionRow, error) {
	ctx, span := tracer.Start(ctx, "gateway.sessions.list")
	defer span.End()

	raw, err := c.Request(ctx, protocol.MethodSessionsList, params)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	var rows []protocol.SessionRow
	if err := json.Unmarshal(raw, &rows); err == nil {
		return rows, nil
	}
	var wrapped protocol.SessionsListResult
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: sessions.list: %v", ErrInvalidMessage, err)
	}
	return wrapped.Sessions, nil
}

// History fetches the transcript of one session.
func (c *Connection) History(ctx context.Context, params protocol.ChatHistoryParams) ([]protocol.ChatMessage, error) {
	ctx, span := tracer.Start(ctx, "gateway.chat.history")
	defer span.End()

	raw, err := c.Request(ctx, protocol.MethodChatHistory, params)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	var res protocol.ChatHistoryResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: chat.history: %v", ErrInvalidMessage, err)
	}
	return res.Messages, nil
}

func (c *Connection) current(ep uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == ep
}

func (c *Connection) connectedIn(ep uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == ep && c.state.Kind == StateConnected
}

func (c *Connection) connectedSocket() (*socket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Kind != StateConnected || c.sock == nil {
		return nil, ErrNotConnected
	}
	return c.sock, nil
}
