// Package outbox buffers user sends until the broker acknowledges them.
// Messages survive disconnects, retry up to a fixed ceiling, and keep
// strict FIFO order within a conversation; a message either ends up
// acknowledged or is reported as a permanent failure, never dropped.
package outbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chat-client/internal/config"
	"chat-client/internal/models"
	"chat-client/internal/session"
	"chat-client/internal/stomp"
)

// Failure reports a message that exhausted its retry ceiling.
type Failure struct {
	ClientID       string
	ConversationID int64
	Err            error
}

// FailureListener observes permanent send failures.
type FailureListener func(Failure)

// Sender is the slice of the session the queue needs.
type Sender interface {
	Send(*stomp.Frame) error
}

// Echo is the cache surface the queue drives: the optimistic local echo
// and its terminal transitions.
type Echo interface {
	AddOptimistic(msg models.Message, selfID string)
	MarkSent(convID int64, clientID, selfID string, at time.Time)
	MarkFailed(convID int64, clientID string)
}

type queued struct {
	clientID    string
	kind        models.ConversationKind
	payload     models.SendPayload
	enqueuedAt  time.Time
	attempts    int
	nextAttempt time.Time
	sentAt      time.Time // non-zero while awaiting a receipt
}

// Queue is the outbound message queue.
type Queue struct {
	cfg     config.SendConfig
	sender  Sender
	echo    Echo
	selfID  string
	destFor func(models.ConversationKind) string
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	order     []int64 // conversations in first-enqueue order
	pending   map[int64][]*queued
	connected bool
	dirty     bool // work arrived while a flush pass was running
	timer     *time.Timer
	listeners []FailureListener

	flushing int32
}

// New creates an empty queue. destFor maps a conversation kind to the
// application send destination.
func New(cfg config.SendConfig, sender Sender, echo Echo, selfID string, destFor func(models.ConversationKind) string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		sender:  sender,
		echo:    echo,
		selfID:  selfID,
		destFor: destFor,
		logger:  logger,
		now:     time.Now,
		pending: make(map[int64][]*queued),
	}
}

// OnFailure registers a listener for permanent send failures.
func (q *Queue) OnFailure(l FailureListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

// Enqueue validates and buffers one outbound message, creates its
// optimistic cache record, and returns the client-generated identifier
// used for reconciliation. It never blocks on the network.
func (q *Queue) Enqueue(kind models.ConversationKind, payload models.SendPayload) (string, error) {
	if !kind.IsValid() {
		return "", fmt.Errorf("invalid conversation kind: %s", kind)
	}
	if err := payload.Validate(q.cfg.MaxContentBytes, q.cfg.MaxMediaPerSend); err != nil {
		return "", err
	}

	now := q.now()
	item := &queued{
		clientID:   uuid.NewString(),
		kind:       kind,
		payload:    payload,
		enqueuedAt: now,
	}

	q.echo.AddOptimistic(models.Message{
		ClientID:       item.clientID,
		ConversationID: payload.ConversationID,
		SenderID:       q.selfID,
		Content:        payload.Content,
		Type:           payload.Type,
		MediaIDs:       payload.MediaIDs,
		CreatedAt:      now,
	}, q.selfID)

	q.mu.Lock()
	conv := payload.ConversationID
	if _, ok := q.pending[conv]; !ok {
		q.order = append(q.order, conv)
	}
	q.pending[conv] = append(q.pending[conv], item)
	connected := q.connected
	q.mu.Unlock()

	if connected {
		go q.Flush()
	}
	return item.clientID, nil
}

// Flush walks every conversation and transmits whatever is eligible: the
// head of each conversation's FIFO, unless it is already awaiting a
// receipt or backing off. Re-entry is a no-op (a reconnect event arriving
// mid-flush must not interleave a second pass).
func (q *Queue) Flush() {
	if !atomic.CompareAndSwapInt32(&q.flushing, 0, 1) {
		q.mu.Lock()
		q.dirty = true
		q.mu.Unlock()
		return
	}
	defer atomic.StoreInt32(&q.flushing, 0)

	for {
		q.flushPass()

		q.mu.Lock()
		again := q.dirty && q.connected
		q.dirty = false
		q.mu.Unlock()
		if !again {
			return
		}
	}
}

func (q *Queue) flushPass() {
	var failures []Failure

	q.mu.Lock()
	if !q.connected {
		q.mu.Unlock()
		return
	}
	now := q.now()
	var wakeAt time.Time

	for _, conv := range q.order {
		// An abandoned head exposes a new one; keep working the same
		// conversation until it blocks or drains.
		for {
			items := q.pending[conv]
			if len(items) == 0 {
				break
			}
			head := items[0]

			if !head.sentAt.IsZero() {
				// Awaiting a receipt. Past the ack window it counts as a
				// failed attempt and becomes eligible again.
				deadline := head.sentAt.Add(q.cfg.AckWindow)
				if now.Before(deadline) {
					wakeAt = earlier(wakeAt, deadline)
					break
				}
				head.sentAt = time.Time{}
				if f, abandoned := q.failAttemptLocked(conv, head, fmt.Errorf("no acknowledgment within %v", q.cfg.AckWindow)); abandoned {
					failures = append(failures, f)
					continue
				}
				wakeAt = earlier(wakeAt, head.nextAttempt)
				break
			}

			if head.nextAttempt.After(now) {
				wakeAt = earlier(wakeAt, head.nextAttempt)
				break
			}

			head.attempts++
			if err := q.transmitLocked(head); err != nil {
				if f, abandoned := q.failAttemptLocked(conv, head, err); abandoned {
					failures = append(failures, f)
					continue
				}
				wakeAt = earlier(wakeAt, head.nextAttempt)
				break
			}
			head.sentAt = now
			wakeAt = earlier(wakeAt, now.Add(q.cfg.AckWindow))
			break
		}
	}

	if !wakeAt.IsZero() {
		q.scheduleLocked(wakeAt.Sub(now))
	}
	q.mu.Unlock()

	q.report(failures)
}

func earlier(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}

func (q *Queue) transmitLocked(item *queued) error {
	body, err := json.Marshal(item.payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	frame := stomp.NewFrame(stomp.CommandSend, body)
	frame.Set(stomp.HeaderDestination, q.destFor(item.kind))
	frame.Set(stomp.HeaderContentType, "application/json")
	frame.Set(stomp.HeaderReceipt, item.clientID)
	return q.sender.Send(frame)
}

// failAttemptLocked records one failed attempt. At the retry ceiling the
// message is removed and reported; below it the message backs off for the
// configured delay. Callers hold q.mu.
func (q *Queue) failAttemptLocked(conv int64, item *queued, cause error) (Failure, bool) {
	if item.attempts >= q.cfg.MaxAttempts {
		q.removeLocked(conv, item)
		q.echo.MarkFailed(conv, item.clientID)
		q.logger.Warn("message abandoned",
			"conversation", conv, "clientID", item.clientID,
			"attempts", item.attempts, "error", cause)
		return Failure{
			ClientID:       item.clientID,
			ConversationID: conv,
			Err:            fmt.Errorf("send failed after %d attempts: %w", item.attempts, cause),
		}, true
	}
	item.nextAttempt = q.now().Add(q.cfg.RetryDelay)
	q.logger.Debug("send attempt failed",
		"conversation", conv, "clientID", item.clientID,
		"attempt", item.attempts, "error", cause)
	return Failure{}, false
}

func (q *Queue) removeLocked(conv int64, item *queued) {
	items := q.pending[conv]
	for i, it := range items {
		if it == item {
			q.pending[conv] = append(items[:i], items[i+1:]...)
			return
		}
	}
}

// scheduleLocked arms a single wake-up timer for the next retry or ack
// deadline. Callers hold q.mu.
func (q *Queue) scheduleLocked(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(delay, q.Flush)
}

// Ack handles a broker RECEIPT: the message identified by the receipt id
// is confirmed transmitted and its optimistic record moves to SENT.
func (q *Queue) Ack(receiptID string) {
	q.mu.Lock()
	var conv int64
	found := false
	for c, items := range q.pending {
		for _, it := range items {
			if it.clientID == receiptID {
				conv = c
				q.removeLocked(c, it)
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	connected := q.connected
	q.mu.Unlock()

	if !found {
		q.logger.Debug("receipt for unknown message", "receiptID", receiptID)
		return
	}
	q.echo.MarkSent(conv, receiptID, q.selfID, q.now())
	if connected {
		// The conversation's next message is eligible now.
		go q.Flush()
	}
}

// Reject handles a broker ERROR that names a receipt id: the attempt
// failed explicitly and the usual retry policy applies.
func (q *Queue) Reject(receiptID string, cause error) {
	q.mu.Lock()
	var failure Failure
	abandoned := false
	handled := false
	for c, items := range q.pending {
		for _, it := range items {
			if it.clientID == receiptID {
				it.sentAt = time.Time{}
				failure, abandoned = q.failAttemptLocked(c, it, cause)
				handled = true
				break
			}
		}
		if handled {
			break
		}
	}
	connected := q.connected
	q.mu.Unlock()

	if abandoned {
		q.report([]Failure{failure})
		if connected {
			// The conversation's next message is eligible now.
			go q.Flush()
		}
	} else if handled && connected {
		q.mu.Lock()
		q.scheduleLocked(q.cfg.RetryDelay)
		q.mu.Unlock()
	}
}

// HandleSessionState wires the queue to the connection lifecycle: every
// transition to CONNECTED triggers a flush, and a drop releases in-flight
// receipts so the messages retransmit on the next connect.
func (q *Queue) HandleSessionState(change session.StateChange) {
	q.mu.Lock()
	q.connected = change.State == session.StateConnected
	if !q.connected {
		for _, items := range q.pending {
			for _, it := range items {
				it.sentAt = time.Time{}
			}
		}
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
	}
	connected := q.connected
	q.mu.Unlock()

	if connected {
		go q.Flush()
	}
}

func (q *Queue) report(failures []Failure) {
	if len(failures) == 0 {
		return
	}
	q.mu.Lock()
	listeners := make([]FailureListener, len(q.listeners))
	copy(listeners, q.listeners)
	q.mu.Unlock()

	for _, f := range failures {
		for _, l := range listeners {
			l(f)
		}
	}
}

// Len returns the number of queued messages across all conversations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, items := range q.pending {
		n += len(items)
	}
	return n
}

// PendingFor returns the queued client ids for one conversation, in
// submission order.
func (q *Queue) PendingFor(conv int64) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.pending[conv]
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.clientID
	}
	return out
}
