package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"chat-client/internal/cache"
	"chat-client/internal/config"
	"chat-client/internal/history"
	"chat-client/internal/media"
	"chat-client/internal/models"
	"chat-client/internal/outbox"
	"chat-client/internal/session"
	"chat-client/internal/stomp"
	"chat-client/internal/subs"
	"chat-client/internal/token"
	"chat-client/internal/typing"
)

/** -------------------- DESTINATIONS -------------------- */

const (
	destUserQueue   = "/user/queue/messages"
	destSendPrivate = "/app/chat.sendPrivateMessage"
	destSendGroup   = "/app/chat.sendGroupMessage"
	destTypingStart = "/app/chat.typing.start"
	destTypingStop  = "/app/chat.typing.stop"
	destReact       = "/app/chat.react"
)

func conversationTopic(id int64) string {
	return fmt.Sprintf("/topic/conversation.%d", id)
}

func typingTopic(id int64) string {
	return fmt.Sprintf("/topic/typing.%d", id)
}

func destFor(kind models.ConversationKind) string {
	if kind == models.ConversationGroup {
		return destSendGroup
	}
	return destSendPrivate
}

/** -------------------- CLIENT -------------------- */

// MessageListener observes every confirmed inbound message.
type MessageListener func(models.Message)

// Client ties the session, subscription mux, outbound queue, message cache
// and typing coordinator into the surface an application talks to. Construct
// one per authenticated user; all methods are safe for concurrent use.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger
	tok    string
	selfID string

	session  *session.Session
	mux      *subs.Mux
	queue    *outbox.Queue
	store    *cache.Store
	typing   *typing.Coordinator
	history  *history.Client
	uploader *media.Uploader

	mu        sync.Mutex
	kinds     map[int64]models.ConversationKind
	nextPage  map[int64]int
	exhausted map[int64]bool
	onMessage []MessageListener
}

// New builds a client for the given bearer token. The media uploader is
// optional; pass nil when the deployment has no object store and attachment
// uploads will be rejected.
func New(cfg *config.Config, tok string, uploader *media.Uploader, logger *slog.Logger) (*Client, error) {
	dialer := &session.WebsocketDialer{
		HandshakeTimeout: cfg.Session.DialTimeout,
		WriteTimeout:     cfg.Session.WriteTimeout,
	}
	return NewWithDialer(cfg, tok, uploader, dialer, logger)
}

// NewWithDialer is New with the transport dialer injected.
func NewWithDialer(cfg *config.Config, tok string, uploader *media.Uploader, dialer session.Dialer, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	selfID, err := token.UserID(tok)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	sess := session.New(cfg.Server.WebsocketURL, cfg.Session, dialer, logger)

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		tok:       tok,
		selfID:    selfID,
		session:   sess,
		store:     cache.New(logger),
		history:   history.NewClient(cfg.Server.HTTPBaseURL, tok),
		uploader:  uploader,
		kinds:     make(map[int64]models.ConversationKind),
		nextPage:  make(map[int64]int),
		exhausted: make(map[int64]bool),
	}
	c.mux = subs.New(sess, logger)
	c.queue = outbox.New(cfg.Send, sess, c.store, selfID, destFor, logger)
	c.typing = typing.New(cfg.Typing, c.sendTypingIntent, logger)

	sess.Route(c.route)
	sess.OnStateChange(c.mux.HandleSessionState)
	sess.OnStateChange(c.queue.HandleSessionState)

	// The personal queue carries private-conversation pushes and is wired
	// for the client's whole lifetime.
	if _, err := c.mux.Subscribe(destUserQueue, c.handleEvent); err != nil {
		return nil, fmt.Errorf("subscribe personal queue: %w", err)
	}
	return c, nil
}

// SelfID returns the user ID extracted from the bearer token.
func (c *Client) SelfID() string {
	return c.selfID
}

/** -------------------- LIFECYCLE -------------------- */

// Connect dials the broker and starts background upkeep. Returns once the
// handshake succeeds or fails; reconnection after later drops is automatic.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.session.Connect(ctx, c.tok); err != nil {
		return err
	}
	c.typing.Start()
	return nil
}

// Disconnect tears the session down. Queued unsent messages are retained
// and flushed on the next Connect.
func (c *Client) Disconnect() {
	c.typing.Stop()
	c.session.Disconnect()
}

// ConnectionState reports the session's current state.
func (c *Client) ConnectionState() session.State {
	return c.session.State()
}

// OnConnectionState registers a connection lifecycle listener.
func (c *Client) OnConnectionState(l session.Listener) {
	c.session.OnStateChange(l)
}

// OnSendFailure registers a listener for messages abandoned after the
// retry ceiling.
func (c *Client) OnSendFailure(l outbox.FailureListener) {
	c.queue.OnFailure(l)
}

// OnMessage registers a listener invoked for every inbound confirmed message.
func (c *Client) OnMessage(l MessageListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, l)
}

/** -------------------- CONVERSATIONS -------------------- */

// JoinConversation subscribes to a conversation's message and typing topics
// and registers its kind for outbound routing. The returned leave func drops
// both subscriptions and the registration.
func (c *Client) JoinConversation(convID int64, kind models.ConversationKind) (func(), error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("invalid conversation kind: %s", kind)
	}
	unsubMsg, err := c.mux.Subscribe(conversationTopic(convID), c.handleEvent)
	if err != nil {
		return nil, err
	}
	unsubTyping, err := c.mux.Subscribe(typingTopic(convID), c.handleEvent)
	if err != nil {
		unsubMsg()
		return nil, err
	}

	c.mu.Lock()
	c.kinds[convID] = kind
	c.mu.Unlock()

	return func() {
		unsubMsg()
		unsubTyping()
		c.mu.Lock()
		delete(c.kinds, convID)
		c.mu.Unlock()
	}, nil
}

func (c *Client) kindOf(convID int64) (models.ConversationKind, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kind, ok := c.kinds[convID]
	if !ok {
		return "", fmt.Errorf("conversation %d not joined", convID)
	}
	return kind, nil
}

/** -------------------- SENDING -------------------- */

// SendText queues a text message and returns the client ID that tracks it
// through the optimistic record, delivery receipts and failure reports.
func (c *Client) SendText(convID int64, content string) (string, error) {
	kind, err := c.kindOf(convID)
	if err != nil {
		return "", err
	}
	return c.queue.Enqueue(kind, models.SendPayload{
		ConversationID: convID,
		Content:        content,
		Type:           models.ContentText,
	})
}

// SendMedia queues a media message referencing previously uploaded
// attachments. The caption may be empty.
func (c *Client) SendMedia(convID int64, ctype models.ContentType, caption string, mediaIDs []string) (string, error) {
	kind, err := c.kindOf(convID)
	if err != nil {
		return "", err
	}
	return c.queue.Enqueue(kind, models.SendPayload{
		ConversationID: convID,
		Content:        caption,
		Type:           ctype,
		MediaIDs:       mediaIDs,
	})
}

// UploadAttachment stores one attachment in the object store and returns
// the media ID to reference from SendMedia.
func (c *Client) UploadAttachment(ctx context.Context, r io.Reader, size int64, contentType string) (string, error) {
	if c.uploader == nil {
		return "", fmt.Errorf("no media store configured")
	}
	return c.uploader.Upload(ctx, r, size, contentType)
}

// React toggles this user's reaction on a message: a repeated kind removes
// it, a different kind replaces it. The local toggle is applied once the
// intent is handed to the transport; the broker's own fanout echo is skipped.
func (c *Client) React(convID, msgID int64, kind string) error {
	if kind == "" {
		return fmt.Errorf("reaction kind is empty")
	}
	body, err := json.Marshal(models.ReactionData{
		ConversationID: convID,
		MessageID:      msgID,
		ReactorID:      c.selfID,
		Kind:           kind,
	})
	if err != nil {
		return fmt.Errorf("encode reaction: %w", err)
	}
	frame := stomp.NewFrame(stomp.CommandSend, body)
	frame.Set(stomp.HeaderDestination, destReact)
	frame.Set(stomp.HeaderContentType, "application/json")
	if err := c.session.Send(frame); err != nil {
		return err
	}
	c.store.ApplyReaction(convID, msgID, c.selfID, kind)
	return nil
}

// SetTyping reports this user's typing activity in a conversation. Starts
// are throttled and auto-stopped; stops go out immediately.
func (c *Client) SetTyping(convID int64, active bool) {
	c.typing.SetTyping(convID, active)
}

func (c *Client) sendTypingIntent(convID int64, started bool) error {
	dest := destTypingStop
	if started {
		dest = destTypingStart
	}
	body, err := json.Marshal(models.TypingData{ConversationID: convID, UserID: c.selfID})
	if err != nil {
		return fmt.Errorf("encode typing intent: %w", err)
	}
	frame := stomp.NewFrame(stomp.CommandSend, body)
	frame.Set(stomp.HeaderDestination, dest)
	frame.Set(stomp.HeaderContentType, "application/json")
	return c.session.Send(frame)
}

/** -------------------- READING -------------------- */

// Messages returns a snapshot of a conversation's cached messages,
// oldest first.
func (c *Client) Messages(convID int64) []models.Message {
	return c.store.Messages(convID)
}

// Typists lists the users currently typing in a conversation.
func (c *Client) Typists(convID int64) []string {
	return c.typing.Typists(convID)
}

// LoadOlder fetches the next page of a conversation's history and merges
// it below the cached messages. Returns false once the server reports the
// last page; further calls are no-ops.
func (c *Client) LoadOlder(ctx context.Context, convID int64) (bool, error) {
	c.mu.Lock()
	if c.exhausted[convID] {
		c.mu.Unlock()
		return false, nil
	}
	page := c.nextPage[convID]
	c.mu.Unlock()

	p, err := c.history.FetchPage(ctx, convID, page, c.cfg.Server.PageSize)
	if err != nil {
		return false, err
	}
	c.store.MergeHistoryPage(convID, p.Content)

	c.mu.Lock()
	c.nextPage[convID] = page + 1
	if p.Last {
		c.exhausted[convID] = true
	}
	c.mu.Unlock()
	return !p.Last, nil
}

// MarkRead records READ for every confirmed message from other senders that
// this user has not read yet, on the server first and then locally.
func (c *Client) MarkRead(ctx context.Context, convID int64) error {
	now := time.Now()
	for _, msg := range c.store.Messages(convID) {
		if !msg.Confirmed() || msg.SenderID == c.selfID {
			continue
		}
		if !models.StatusRead.Supersedes(msg.StatusFor(c.selfID)) {
			continue
		}
		if err := c.history.UpdateStatus(ctx, convID, msg.ID, c.selfID, models.StatusRead); err != nil {
			return fmt.Errorf("mark read message %d: %w", msg.ID, err)
		}
		c.store.ApplyStatusUpdate(convID, msg.ID, c.selfID, models.StatusRead, now)
	}
	return nil
}

/** -------------------- INBOUND ROUTING -------------------- */

// route fans every inbound frame to the component that owns its semantics.
// Runs on the session's read pump; handlers must not block.
func (c *Client) route(frame *stomp.Frame) {
	switch frame.Command {
	case stomp.CommandMessage:
		c.mux.Dispatch(frame)
	case stomp.CommandReceipt:
		c.queue.Ack(frame.Get(stomp.HeaderReceiptID))
	case stomp.CommandError:
		if id := frame.Get(stomp.HeaderReceiptID); id != "" {
			c.queue.Reject(id, fmt.Errorf("broker rejected send: %s", frame.Get(stomp.HeaderMessage)))
			return
		}
		c.logger.Error("broker error frame", "message", frame.Get(stomp.HeaderMessage))
	default:
		c.logger.Warn("unexpected inbound frame", "command", frame.Command)
	}
}

// handleEvent decodes the server's event envelope and applies it to the
// cache or typing state.
func (c *Client) handleEvent(frame *stomp.Frame) {
	ev, err := models.DecodeEvent(frame.Body)
	if err != nil {
		c.logger.Warn("dropping undecodable event",
			"destination", frame.Get(stomp.HeaderDestination), "error", err)
		return
	}

	switch ev.Type {
	case models.EventMessageNew:
		var msg models.Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			c.logger.Warn("bad message.new body", "error", err)
			return
		}
		c.store.ApplyIncoming(msg)
		c.notifyMessage(msg)

	case models.EventMessageStatus:
		var d models.StatusUpdateData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			c.logger.Warn("bad message.status body", "error", err)
			return
		}
		c.store.ApplyStatusUpdate(d.ConversationID, d.MessageID, d.Recipient, d.Status, d.UpdatedAt)

	case models.EventMessageReaction:
		var d models.ReactionData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			c.logger.Warn("bad message.reaction body", "error", err)
			return
		}
		// Skip our own fanout echo; the local toggle already ran in React.
		if d.ReactorID == c.selfID {
			return
		}
		c.store.ApplyReaction(d.ConversationID, d.MessageID, d.ReactorID, d.Kind)

	case models.EventTypingStart, models.EventTypingStop:
		var d models.TypingData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			c.logger.Warn("bad typing body", "error", err)
			return
		}
		if d.UserID == c.selfID {
			return
		}
		c.typing.Observe(d.ConversationID, d.UserID, ev.Type == models.EventTypingStart)
	}
}

func (c *Client) notifyMessage(msg models.Message) {
	c.mu.Lock()
	listeners := make([]MessageListener, len(c.onMessage))
	copy(listeners, c.onMessage)
	c.mu.Unlock()
	for _, l := range listeners {
		l(msg)
	}
}
