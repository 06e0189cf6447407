// Package session owns the persistent broker connection: dialing, the STOMP
// handshake, heartbeats, and reconnection with bounded exponential backoff.
// Everything above it (subscriptions, the outbound queue) reacts to its
// state-change notifications.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chat-client/internal/config"
	"chat-client/internal/stomp"
	"chat-client/internal/token"
)

var (
	ErrNotConnected   = errors.New("session is not connected")
	ErrSendBufferFull = errors.New("session send buffer is full")
	ErrTokenExpired   = errors.New("bearer token is expired")
)

// State of the session connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateChange is delivered to listeners on every transition. Err is the
// triggering transport error for RECONNECTING and the terminal error for
// FAILED.
type StateChange struct {
	State   State
	Attempt int
	Err     error
}

// Listener observes session state transitions.
type Listener func(StateChange)

// Session is the connection manager. One live transport connection exists
// per Session; callers construct and own their instance explicitly.
type Session struct {
	cfg     config.SessionConfig
	url     string
	dialer  Dialer
	backoff Backoff
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	token     string
	attempts  int
	lastErr   error
	conn      Conn
	sendCh    chan []byte
	gen       int // connection generation; stale pump callbacks no-op
	ctx       context.Context
	cancel    context.CancelFunc
	timer     *time.Timer
	listeners []Listener
	router    func(*stomp.Frame)
}

// New creates a disconnected session for the given broker URL.
func New(url string, cfg config.SessionConfig, dialer Dialer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		url:    url,
		dialer: dialer,
		logger: logger,
		backoff: ExponentialBackoff{
			InitialDelay: cfg.InitialReconnectWait,
			MaxDelay:     cfg.MaxReconnectWait,
			Multiplier:   cfg.BackoffMultiplier,
		},
		state: StateDisconnected,
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent transport error, nil when healthy.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// OnStateChange registers a listener. Listeners run sequentially in
// registration order and must not block.
func (s *Session) OnStateChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Route registers the handler that receives every inbound frame
// (MESSAGE, RECEIPT, ERROR) after the handshake.
func (s *Session) Route(fn func(*stomp.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router = fn
}

// Connect starts establishing the transport. It returns immediately; the
// outcome is observable through state listeners. Calling it again while
// connecting or connected with the same token is a no-op.
func (s *Session) Connect(ctx context.Context, tok string) error {
	if expired, err := token.Expired(tok, time.Now()); err == nil && expired {
		return ErrTokenExpired
	}

	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateConnected, StateReconnecting:
		if s.token == tok {
			s.mu.Unlock()
			return nil
		}
		s.teardownLocked()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.token = tok
	s.attempts = 0
	s.lastErr = nil
	s.state = StateConnecting
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.notify(StateChange{State: StateConnecting})
	go s.dial(gen)
	return nil
}

// Disconnect tears the transport down deterministically: pending reconnect
// timers and in-flight dials are cancelled. The outbound queue is not
// touched; its contents survive for the next Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		// Best effort; the server also detects the close.
		s.conn.WriteMessage(stomp.NewFrame(stomp.CommandDisconnect, nil).Marshal())
	}
	s.teardownLocked()
	s.state = StateDisconnected
	s.token = ""
	s.mu.Unlock()

	s.notify(StateChange{State: StateDisconnected})
}

// teardownLocked cancels timers, contexts and the live connection.
// Callers hold s.mu.
func (s *Session) teardownLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.sendCh = nil
	s.gen++
}

// Send queues one frame for transmission. Fails fast when not connected;
// callers with retry semantics (the outbound queue) own the retries.
func (s *Session) Send(f *stomp.Frame) error {
	s.mu.Lock()
	if s.state != StateConnected || s.sendCh == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	ch := s.sendCh
	ctx := s.ctx
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ErrNotConnected
	case ch <- f.Marshal():
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (s *Session) dial(gen int) {
	s.mu.Lock()
	if gen != s.gen || (s.state != StateConnecting && s.state != StateReconnecting) {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	tok := s.token
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, err := s.dialer.Dial(dialCtx, s.url)
	cancel()
	if err != nil {
		s.transportError(gen, fmt.Errorf("dial: %w", err))
		return
	}

	// Park the connection where Disconnect can reach it while the
	// handshake is still in flight.
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	hb := s.cfg.HeartbeatInterval
	connect := stomp.NewFrame(stomp.CommandConnect, nil)
	connect.Set(stomp.HeaderAcceptVersion, "1.2")
	connect.Set(stomp.HeaderHeartBeat, stomp.FormatHeartBeat(hb, hb))
	connect.Set(stomp.HeaderAuthorization, "Bearer "+tok)
	if err := conn.WriteMessage(connect.Marshal()); err != nil {
		conn.Close()
		s.transportError(gen, fmt.Errorf("send CONNECT: %w", err))
		return
	}

	connected, err := awaitConnected(conn, s.cfg.DialTimeout)
	if err != nil {
		conn.Close()
		s.transportError(gen, err)
		return
	}

	// Heartbeat negotiation: never send slower than the server asks for,
	// allow twice the server's own interval before declaring it dead.
	srvTx, srvRx, _ := stomp.ParseHeartBeat(connected.Get(stomp.HeaderHeartBeat))
	sendEvery := hb
	if srvRx > 0 && srvRx < sendEvery {
		sendEvery = srvRx
	}
	var readGrace time.Duration
	if srvTx > 0 {
		readGrace = 2 * srvTx
	} else if hb > 0 {
		readGrace = 2 * hb
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.sendCh = make(chan []byte, 256)
	s.state = StateConnected
	s.attempts = 0
	s.lastErr = nil
	sendCh := s.sendCh
	connCtx := s.ctx
	s.mu.Unlock()

	s.logger.Info("session connected", "url", s.url, "heartbeat", sendEvery)
	go s.readPump(gen, conn, connCtx, readGrace)
	go s.writePump(gen, conn, connCtx, sendCh, sendEvery)
	s.notify(StateChange{State: StateConnected})
}

// awaitConnected reads frames until the broker answers the handshake.
func awaitConnected(conn Conn, timeout time.Duration) (*stomp.Frame, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("await CONNECTED: %w", err)
		}
		if stomp.IsHeartbeat(data) {
			continue
		}
		f, err := stomp.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("handshake frame: %w", err)
		}
		switch f.Command {
		case stomp.CommandConnected:
			return f, nil
		case stomp.CommandError:
			return nil, fmt.Errorf("broker rejected connection: %s", f.Get(stomp.HeaderMessage))
		default:
			return nil, fmt.Errorf("unexpected %s frame during handshake", f.Command)
		}
	}
}

func (s *Session) readPump(gen int, conn Conn, ctx context.Context, grace time.Duration) {
	if grace <= 0 {
		// Heartbeats are off; the handshake's read deadline must not
		// outlive the handshake or an idle session drops spuriously.
		conn.SetReadDeadline(time.Time{})
	}
	for {
		if grace > 0 {
			conn.SetReadDeadline(time.Now().Add(grace))
		}
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.transportError(gen, fmt.Errorf("read: %w", err))
			return
		}
		if stomp.IsHeartbeat(data) {
			continue
		}
		frame, err := stomp.Parse(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		s.mu.Lock()
		router := s.router
		s.mu.Unlock()
		if router != nil {
			router(frame)
		}
	}
}

func (s *Session) writePump(gen int, conn Conn, ctx context.Context, ch <-chan []byte, every time.Duration) {
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ch:
			if err := conn.WriteMessage(data); err != nil {
				s.transportError(gen, fmt.Errorf("write: %w", err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(stomp.Heartbeat); err != nil {
				s.transportError(gen, fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

// transportError is the single funnel for connection loss: it closes the
// current transport and either schedules the next attempt or gives up.
func (s *Session) transportError(gen int, cause error) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateDisconnected || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.sendCh = nil
	s.gen++
	s.attempts++
	s.lastErr = cause

	if s.attempts > s.cfg.MaxReconnectAttempts {
		s.state = StateFailed
		attempt := s.attempts
		s.mu.Unlock()

		err := fmt.Errorf("connection lost after %d attempts: %w", attempt-1, cause)
		s.logger.Error("session failed", "attempts", attempt-1, "error", cause)
		s.notify(StateChange{State: StateFailed, Attempt: attempt, Err: err})
		return
	}

	s.state = StateReconnecting
	attempt := s.attempts
	nextGen := s.gen
	delay := s.backoff.NextDelay(attempt)
	s.timer = time.AfterFunc(delay, func() { s.dial(nextGen) })
	s.mu.Unlock()

	s.logger.Warn("session reconnecting", "attempt", attempt, "delay", delay, "error", cause)
	s.notify(StateChange{State: StateReconnecting, Attempt: attempt, Err: cause})
}

func (s *Session) notify(change StateChange) {
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(change)
	}
}
