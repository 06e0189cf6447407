package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chat-client/internal/config"
	"chat-client/internal/stomp"
)

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		HeartbeatInterval:    50 * time.Millisecond,
		InitialReconnectWait: time.Millisecond,
		MaxReconnectWait:     5 * time.Millisecond,
		BackoffMultiplier:    2.0,
		MaxReconnectAttempts: 5,
		DialTimeout:          time.Second,
		WriteTimeout:         time.Second,
	}
}

// fakeConn is an in-memory transport. The "server" side answers CONNECT
// frames with CONNECTED and records everything else the client writes.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu        sync.Mutex
	writes    [][]byte
	deadlines []time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, bytes.Clone(data))
	c.mu.Unlock()

	if bytes.HasPrefix(data, []byte("CONNECT\n")) {
		connected := stomp.NewFrame(stomp.CommandConnected, nil)
		connected.Set(stomp.HeaderVersion, "1.2")
		c.inbound <- connected.Marshal()
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines = append(c.deadlines, t)
	return nil
}

func (c *fakeConn) readDeadlines() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.deadlines...)
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the server side going away.
func (c *fakeConn) drop() { c.Close() }

func (c *fakeConn) sentFrames() []*stomp.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var frames []*stomp.Frame
	for _, w := range c.writes {
		if stomp.IsHeartbeat(w) {
			continue
		}
		if f, err := stomp.Parse(w); err == nil {
			frames = append(frames, f)
		}
	}
	return frames
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failNext int // number of upcoming dials that fail
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// watch registers a listener that forwards state changes to a channel.
func watch(s *Session) <-chan StateChange {
	ch := make(chan StateChange, 32)
	s.OnStateChange(func(c StateChange) { ch <- c })
	return ch
}

func awaitState(t *testing.T, ch <-chan StateChange, want State) StateChange {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-ch:
			if c.State == want {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestConnectLifecycle(t *testing.T) {
	dialer := &fakeDialer{}
	s := New("ws://test/ws", testConfig(), dialer, nil)
	states := watch(s)

	if err := s.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	awaitState(t, states, StateConnecting)
	awaitState(t, states, StateConnected)

	t.Run("ConnectFrameCarriesToken", func(t *testing.T) {
		frames := dialer.lastConn().sentFrames()
		if len(frames) == 0 || frames[0].Command != stomp.CommandConnect {
			t.Fatal("no CONNECT frame sent")
		}
		if got := frames[0].Get(stomp.HeaderAuthorization); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		if frames[0].Get(stomp.HeaderHeartBeat) == "" {
			t.Error("CONNECT frame missing heart-beat header")
		}
	})

	t.Run("IdempotentForSameToken", func(t *testing.T) {
		if err := s.Connect(context.Background(), "tok-1"); err != nil {
			t.Fatalf("second Connect failed: %v", err)
		}
		if dialer.dialCount() != 1 {
			t.Errorf("idempotent Connect dialed again: %d dials", dialer.dialCount())
		}
	})

	t.Run("SendWhileConnected", func(t *testing.T) {
		f := stomp.NewFrame(stomp.CommandSend, []byte("x"))
		f.Set(stomp.HeaderDestination, "/app/x")
		if err := s.Send(f); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	})

	s.Disconnect()
	awaitState(t, states, StateDisconnected)

	t.Run("SendAfterDisconnect", func(t *testing.T) {
		if err := s.Send(stomp.NewFrame(stomp.CommandSend, nil)); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})
}

func TestReconnectAfterDrop(t *testing.T) {
	dialer := &fakeDialer{}
	s := New("ws://test/ws", testConfig(), dialer, nil)
	states := watch(s)

	if err := s.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	awaitState(t, states, StateConnected)

	dialer.lastConn().drop()
	change := awaitState(t, states, StateReconnecting)
	if change.Attempt != 1 {
		t.Errorf("first reconnect attempt = %d", change.Attempt)
	}
	if change.Err == nil {
		t.Error("reconnecting change should carry the transport error")
	}

	awaitState(t, states, StateConnected)
	if dialer.dialCount() != 2 {
		t.Errorf("expected 2 dials, got %d", dialer.dialCount())
	}
	if err := s.LastError(); err != nil {
		t.Errorf("LastError should reset after reconnect, got %v", err)
	}

	s.Disconnect()
}

func TestTerminalFailureAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 3
	dialer := &fakeDialer{failNext: 100}
	s := New("ws://test/ws", cfg, dialer, nil)
	states := watch(s)

	if err := s.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	change := awaitState(t, states, StateFailed)
	if change.Err == nil {
		t.Fatal("terminal failure must surface an error")
	}
	if change.Attempt != cfg.MaxReconnectAttempts+1 {
		t.Errorf("failed on attempt %d, want %d", change.Attempt, cfg.MaxReconnectAttempts+1)
	}

	// No dial may happen after the terminal state.
	time.Sleep(20 * time.Millisecond)
	if s.State() != StateFailed {
		t.Errorf("state after failure = %s", s.State())
	}
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.InitialReconnectWait = time.Hour // reconnect must never fire
	cfg.MaxReconnectWait = time.Hour
	dialer := &fakeDialer{}
	s := New("ws://test/ws", cfg, dialer, nil)
	states := watch(s)

	if err := s.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	awaitState(t, states, StateConnected)

	dialer.lastConn().drop()
	awaitState(t, states, StateReconnecting)

	s.Disconnect()
	awaitState(t, states, StateDisconnected)

	time.Sleep(20 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("reconnect fired after Disconnect: %d dials", got)
	}
}

func TestConnectRejectsExpiredToken(t *testing.T) {
	claims := jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	s := New("ws://test/ws", testConfig(), &fakeDialer{}, nil)
	if err := s.Connect(context.Background(), tok); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %s after rejected connect", s.State())
	}
}

func TestExponentialBackoff(t *testing.T) {
	eb := ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
		{9, 10 * time.Second},
		{0, time.Second}, // clamped to first attempt
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("attempt%d", tc.attempt), func(t *testing.T) {
			if got := eb.NextDelay(tc.attempt); got != tc.want {
				t.Errorf("NextDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
			}
		})
	}
}

func TestIdleSessionKeepsNoReadDeadlineWithoutHeartbeats(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 0
	dialer := &fakeDialer{}
	s := New("ws://test/ws", cfg, dialer, nil)
	states := watch(s)

	if err := s.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	awaitState(t, states, StateConnected)
	defer s.Disconnect()

	// The handshake arms a read deadline; with heartbeats disabled nothing
	// refreshes it, so it must be cleared or an idle session drops.
	conn := dialer.lastConn()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ds := conn.readDeadlines()
		if len(ds) > 0 && ds[len(ds)-1].IsZero() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("handshake read deadline never cleared on a heartbeat-free session")
}
