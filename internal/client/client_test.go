package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chat-client/internal/config"
	"chat-client/internal/models"
	"chat-client/internal/outbox"
	"chat-client/internal/session"
	"chat-client/internal/stomp"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			WebsocketURL: "ws://test/ws",
			PageSize:     20,
		},
		Session: config.SessionConfig{
			HeartbeatInterval:    50 * time.Millisecond,
			InitialReconnectWait: time.Millisecond,
			MaxReconnectWait:     5 * time.Millisecond,
			BackoffMultiplier:    2.0,
			MaxReconnectAttempts: 5,
			DialTimeout:          time.Second,
			WriteTimeout:         time.Second,
		},
		Send: config.SendConfig{
			MaxAttempts:     3,
			RetryDelay:      5 * time.Millisecond,
			AckWindow:       time.Second,
			MaxContentBytes: 4096,
			MaxMediaPerSend: 4,
		},
		Typing: config.TypingConfig{
			ThrottleInterval: 50 * time.Millisecond,
			IdleTimeout:      100 * time.Millisecond,
			ExpiryWindow:     time.Second,
			CleanupInterval:  20 * time.Millisecond,
		},
	}
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// fakeConn is an in-memory transport whose "server" side answers CONNECT
// with CONNECTED and records everything else the client writes.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 32),
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

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push injects a server frame into the client's read stream.
func (c *fakeConn) push(f *stomp.Frame) {
	c.inbound <- f.Marshal()
}

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
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (session.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
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

func newTestClient(t *testing.T, cfg *config.Config) (*Client, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	c, err := NewWithDialer(cfg, signToken(t, "u1"), nil, dialer, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c, dialer
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	states := make(chan session.StateChange, 32)
	c.OnConnectionState(func(ch session.StateChange) { states <- ch })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ch := <-states:
			if ch.State == session.StateConnected {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for connection")
		}
	}
}

// awaitFrame polls the connection until a sent frame satisfies the predicate.
func awaitFrame(t *testing.T, conn *fakeConn, desc string, match func(*stomp.Frame) bool) *stomp.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range conn.sentFrames() {
			if match(f) {
				return f
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for frame: %s", desc)
	return nil
}

func eventFrame(t *testing.T, destination string, typ models.EventType, data any) *stomp.Frame {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal event data: %v", err)
	}
	env, err := json.Marshal(models.Event{Type: typ, Data: raw})
	if err != nil {
		t.Fatalf("marshal event envelope: %v", err)
	}
	f := stomp.NewFrame(stomp.CommandMessage, env)
	f.Set(stomp.HeaderDestination, destination)
	return f
}

func TestOfflineSendThenConnect(t *testing.T) {
	c, dialer := newTestClient(t, testConfig())

	leave, err := c.JoinConversation(7, models.ConversationPrivate)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer leave()

	clientID, err := c.SendText(7, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := c.Messages(7)
	if len(msgs) != 1 || msgs[0].StatusFor("u1") != models.StatusNotSent {
		t.Fatalf("expected one optimistic NOT_SENT message, got %+v", msgs)
	}

	connect(t, c)
	conn := dialer.lastConn()

	sent := awaitFrame(t, conn, "SEND with receipt", func(f *stomp.Frame) bool {
		return f.Command == stomp.CommandSend && f.Get(stomp.HeaderReceipt) == clientID
	})
	if got := sent.Get(stomp.HeaderDestination); got != "/app/chat.sendPrivateMessage" {
		t.Fatalf("destination = %q", got)
	}

	receipt := stomp.NewFrame(stomp.CommandReceipt, nil)
	receipt.Set(stomp.HeaderReceiptID, clientID)
	conn.push(receipt)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs = c.Messages(7)
		if len(msgs) == 1 && msgs[0].StatusFor("u1") == models.StatusSent {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("message never reached SENT, got %+v", c.Messages(7))
}

func TestInboundMessageInvokesListener(t *testing.T) {
	c, dialer := newTestClient(t, testConfig())
	got := make(chan models.Message, 1)
	c.OnMessage(func(m models.Message) { got <- m })

	leave, err := c.JoinConversation(7, models.ConversationGroup)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer leave()
	connect(t, c)
	conn := dialer.lastConn()

	awaitFrame(t, conn, "conversation SUBSCRIBE", func(f *stomp.Frame) bool {
		return f.Command == stomp.CommandSubscribe &&
			f.Get(stomp.HeaderDestination) == "/topic/conversation.7"
	})

	conn.push(eventFrame(t, "/topic/conversation.7", models.EventMessageNew, models.Message{
		ID:             33,
		ConversationID: 7,
		SenderID:       "u2",
		Content:        "hi",
		Type:           models.ContentText,
		CreatedAt:      time.Now(),
	}))

	select {
	case m := <-got:
		if m.ID != 33 || m.SenderID != "u2" {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener never invoked")
	}

	msgs := c.Messages(7)
	if len(msgs) != 1 || msgs[0].ID != 33 {
		t.Fatalf("cache = %+v", msgs)
	}
}

func TestBrokerRejectionReportsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Send.MaxAttempts = 1
	c, dialer := newTestClient(t, cfg)

	failures := make(chan outbox.Failure, 1)
	c.OnSendFailure(func(f outbox.Failure) { failures <- f })

	leave, err := c.JoinConversation(7, models.ConversationPrivate)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer leave()
	connect(t, c)
	conn := dialer.lastConn()

	clientID, err := c.SendText(7, "doomed")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	awaitFrame(t, conn, "SEND frame", func(f *stomp.Frame) bool {
		return f.Command == stomp.CommandSend && f.Get(stomp.HeaderReceipt) == clientID
	})

	reject := stomp.NewFrame(stomp.CommandError, nil)
	reject.Set(stomp.HeaderReceiptID, clientID)
	reject.Set(stomp.HeaderMessage, "conversation is closed")
	conn.push(reject)

	select {
	case f := <-failures:
		if f.ClientID != clientID || f.ConversationID != 7 {
			t.Fatalf("unexpected failure %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure never reported")
	}

	msgs := c.Messages(7)
	if len(msgs) != 1 || !msgs[0].Failed {
		t.Fatalf("expected failed message, got %+v", msgs)
	}
}

func TestTypingObservation(t *testing.T) {
	c, dialer := newTestClient(t, testConfig())

	leave, err := c.JoinConversation(7, models.ConversationGroup)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer leave()
	connect(t, c)
	conn := dialer.lastConn()

	awaitFrame(t, conn, "typing SUBSCRIBE", func(f *stomp.Frame) bool {
		return f.Command == stomp.CommandSubscribe &&
			f.Get(stomp.HeaderDestination) == "/topic/typing.7"
	})

	conn.push(eventFrame(t, "/topic/typing.7", models.EventTypingStart,
		models.TypingData{ConversationID: 7, UserID: "u2"}))
	// Our own echo carries no information and is ignored.
	conn.push(eventFrame(t, "/topic/typing.7", models.EventTypingStart,
		models.TypingData{ConversationID: 7, UserID: "u1"}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		typists := c.Typists(7)
		if len(typists) == 1 && typists[0] == "u2" {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("typists = %v", c.Typists(7))
}

func TestSetTypingSendsIntents(t *testing.T) {
	c, dialer := newTestClient(t, testConfig())

	leave, err := c.JoinConversation(7, models.ConversationGroup)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer leave()
	connect(t, c)
	conn := dialer.lastConn()

	c.SetTyping(7, true)
	awaitFrame(t, conn, "typing start intent", func(f *stomp.Frame) bool {
		return f.Command == stomp.CommandSend &&
			f.Get(stomp.HeaderDestination) == "/app/chat.typing.start"
	})

	c.SetTyping(7, false)
	awaitFrame(t, conn, "typing stop intent", func(f *stomp.Frame) bool {
		return f.Command == stomp.CommandSend &&
			f.Get(stomp.HeaderDestination) == "/app/chat.typing.stop"
	})
}

func TestReactToggle(t *testing.T) {
	c, dialer := newTestClient(t, testConfig())

	leave, err := c.JoinConversation(7, models.ConversationGroup)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer leave()

	if err := c.React(7, 33, "like"); err == nil {
		t.Fatal("expected error reacting while disconnected")
	}

	connect(t, c)
	conn := dialer.lastConn()

	conn.push(eventFrame(t, "/topic/conversation.7", models.EventMessageNew, models.Message{
		ID:             33,
		ConversationID: 7,
		SenderID:       "u2",
		Content:        "hi",
		Type:           models.ContentText,
	}))
	deadline := time.Now().Add(2 * time.Second)
	for c.store.Count(7) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message never cached")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := c.React(7, 33, "like"); err != nil {
		t.Fatalf("react: %v", err)
	}
	awaitFrame(t, conn, "reaction intent", func(f *stomp.Frame) bool {
		return f.Command == stomp.CommandSend &&
			f.Get(stomp.HeaderDestination) == "/app/chat.react"
	})
	if got := c.Messages(7)[0].Reactions["u1"]; got != "like" {
		t.Fatalf("reaction = %q", got)
	}

	// Same kind again toggles the reaction off.
	if err := c.React(7, 33, "like"); err != nil {
		t.Fatalf("react: %v", err)
	}
	if got := c.Messages(7)[0].Reactions["u1"]; got != "" {
		t.Fatalf("reaction should be removed, got %q", got)
	}
}

func TestLoadOlderStopsAtLastPage(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, `{
			"content": [{"id": 5, "conversationId": 7, "senderId": "u2", "content": "old", "type": "text"}],
			"totalPages": 1, "totalElements": 1, "first": true, "last": true, "size": 20, "number": 0
		}`)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Server.HTTPBaseURL = srv.URL
	c, _ := newTestClient(t, cfg)

	more, err := c.LoadOlder(context.Background(), 7)
	if err != nil {
		t.Fatalf("load older: %v", err)
	}
	if more {
		t.Fatal("expected last page")
	}
	if got := c.Messages(7); len(got) != 1 || got[0].ID != 5 {
		t.Fatalf("cache = %+v", got)
	}

	// Exhausted conversations never hit the server again.
	if _, err := c.LoadOlder(context.Background(), 7); err != nil {
		t.Fatalf("load older: %v", err)
	}
	if requests != 1 {
		t.Fatalf("requests = %d", requests)
	}
}

func TestSendRequiresJoinedConversation(t *testing.T) {
	c, _ := newTestClient(t, testConfig())
	if _, err := c.SendText(99, "hi"); err == nil {
		t.Fatal("expected error for unjoined conversation")
	}
}
