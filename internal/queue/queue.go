// Package queue tracks messages submitted locally but not yet confirmed by
// the server. Entries are keyed by their nonce and removed once the server
// echoes a created message carrying that nonce in the same channel.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/tbourn/go-chat-mirror/internal/domain"
	"github.com/tbourn/go-chat-mirror/internal/notify"
	"github.com/tbourn/go-chat-mirror/internal/observability"
)

// ErrNotQueued is returned for ids with no queued entry.
var ErrNotQueued = errors.New("message not queued")

// Status of a queued message.
type Status string

const (
	StatusSending Status = "SENDING"
	StatusFailed  Status = "FAILED"

	// StatusSent is never stored; it reports an entry that the server has
	// already confirmed and that therefore left the queue.
	StatusSent Status = "SENT"
)

// Message is an optimistic, not yet confirmed outbound message.
type Message struct {
	ID        string       `json:"id"`
	ChannelID snowflake.ID `json:"channel_id"`
	AuthorID  snowflake.ID `json:"author_id"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
	Status    Status       `json:"status"`
	Error     string       `json:"error,omitempty"`
}

// Draft is what a caller submits. An empty ID gets a generated nonce.
type Draft struct {
	ID        string
	ChannelID snowflake.ID
	AuthorID  snowflake.ID
	Content   string
}

// Action names the queue operation a Change reports.
type Action string

const (
	ActionAdded   Action = "added"
	ActionFailed  Action = "failed"
	ActionSending Action = "sending"
	ActionRemoved Action = "removed"

	// ActionResync tells a subscriber it missed changes and should re-read
	// the queue. It carries no message.
	ActionResync Action = "resync"
)

// Change is published after every queue operation that changed an entry.
type Change struct {
	Domain  string  `json:"domain"`
	Action  Action  `json:"action"`
	Message Message `json:"message"`
}

// Queue is safe for concurrent use.
type Queue struct {
	domain string
	now    func() time.Time
	seq    atomic.Uint32

	mu    sync.Mutex
	items []*Message

	broker *notify.Broker[Change]
}

// New returns an empty queue for one instance.
func New(domainName string) *Queue {
	return &Queue{
		domain: domainName,
		now:    time.Now,
		broker: notify.NewBroker("queue", notify.WithGap(func() Change {
			return Change{Domain: domainName, Action: ActionResync}
		})),
	}
}

// Subscribe returns a channel receiving every Change and a cancel func.
// Missed changes are signalled with an ActionResync change.
func (q *Queue) Subscribe(buffer int) (<-chan Change, func()) {
	return q.broker.Subscribe(buffer)
}

// NewNonce returns a snowflake-shaped nonce for the current time. The low
// bits carry a per-queue sequence so nonces minted in the same millisecond
// stay distinct.
func (q *Queue) NewNonce() string {
	id := snowflake.New(q.now()) | snowflake.ID(q.seq.Add(1)&0xfff)
	return id.String()
}

// Add stores d with status SENDING and returns a copy for display. When an
// entry with the same id exists it is returned unchanged.
func (q *Queue) Add(d Draft) Message {
	if d.ID == "" {
		d.ID = q.NewNonce()
	}
	q.mu.Lock()
	if cur, ok := q.find(d.ID); ok {
		out := *cur
		q.mu.Unlock()
		return out
	}
	m := &Message{
		ID:        d.ID,
		ChannelID: d.ChannelID,
		AuthorID:  d.AuthorID,
		Content:   d.Content,
		Timestamp: q.now().UTC(),
		Status:    StatusSending,
	}
	q.items = append(q.items, m)
	out := *m
	q.mu.Unlock()

	observability.OutboundMessages.WithLabelValues("queued").Inc()
	q.broker.Publish(Change{Domain: q.domain, Action: ActionAdded, Message: out})
	return out
}

// HandleIncomingMessage reconciles a server-created message against the
// queue: an entry whose id equals the message nonce and whose channel
// matches is removed. Messages without a nonce are ignored.
func (q *Queue) HandleIncomingMessage(m domain.MessagePayload) bool {
	if m.Nonce == "" {
		return false
	}
	q.mu.Lock()
	i := q.index(string(m.Nonce))
	if i < 0 || q.items[i].ChannelID != m.ChannelID {
		q.mu.Unlock()
		return false
	}
	out := q.removeAt(i)
	q.mu.Unlock()

	observability.OutboundMessages.WithLabelValues("confirmed").Inc()
	q.broker.Publish(Change{Domain: q.domain, Action: ActionRemoved, Message: out})
	return true
}

// Error marks an entry FAILED with the given reason.
func (q *Queue) Error(id, reason string) error {
	return q.transition(id, StatusFailed, reason, ActionFailed, "failed")
}

// Send moves an entry back to SENDING, e.g. before retrying a failed post.
func (q *Queue) Send(id string) error {
	return q.transition(id, StatusSending, "", ActionSending, "retried")
}

func (q *Queue) transition(id string, st Status, reason string, action Action, outcome string) error {
	q.mu.Lock()
	m, ok := q.find(id)
	if !ok {
		q.mu.Unlock()
		return ErrNotQueued
	}
	m.Status = st
	m.Error = reason
	out := *m
	q.mu.Unlock()

	observability.OutboundMessages.WithLabelValues(outcome).Inc()
	q.broker.Publish(Change{Domain: q.domain, Action: action, Message: out})
	return nil
}

// Remove drops an entry.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	i := q.index(id)
	if i < 0 {
		q.mu.Unlock()
		return ErrNotQueued
	}
	out := q.removeAt(i)
	q.mu.Unlock()

	observability.OutboundMessages.WithLabelValues("removed").Inc()
	q.broker.Publish(Change{Domain: q.domain, Action: ActionRemoved, Message: out})
	return nil
}

// Lookup returns a copy of one entry.
func (q *Queue) Lookup(id string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.find(id)
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Get returns copies of the entries queued for a channel, oldest first.
func (q *Queue) Get(channelID snowflake.ID) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, 0)
	for _, m := range q.items {
		if m.ChannelID == channelID {
			out = append(out, *m)
		}
	}
	return out
}

// Len returns the number of queued entries across all channels.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) index(id string) int {
	for i, m := range q.items {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) find(id string) (*Message, bool) {
	if i := q.index(id); i >= 0 {
		return q.items[i], true
	}
	return nil, false
}

func (q *Queue) removeAt(i int) Message {
	out := *q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	return out
}
