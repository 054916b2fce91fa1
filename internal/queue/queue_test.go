package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbourn/go-chat-mirror/internal/domain"
	"github.com/tbourn/go-chat-mirror/internal/observability"
)

func TestAdd_ThenEchoRemoves(t *testing.T) {
	q := New("chat.example.org")
	base := testutil.ToFloat64(observability.OutboundMessages.WithLabelValues("confirmed"))

	m := q.Add(Draft{ID: "n1", ChannelID: 1, Content: "hello"})
	if m.Status != StatusSending || m.Timestamp.IsZero() {
		t.Fatalf("queued = %+v", m)
	}
	if got := q.Get(1); len(got) != 1 || got[0].ID != "n1" {
		t.Fatalf("Get = %+v", got)
	}

	if q.HandleIncomingMessage(domain.MessagePayload{Message: domain.Message{ChannelID: 1, Nonce: "other"}}) {
		t.Fatalf("unrelated nonce must not reconcile")
	}
	if len(q.Get(1)) != 1 {
		t.Fatalf("entry lost on unrelated nonce")
	}

	if !q.HandleIncomingMessage(domain.MessagePayload{Message: domain.Message{ID: 99, ChannelID: 1, Nonce: "n1"}}) {
		t.Fatalf("echo must reconcile")
	}
	if got := q.Get(1); len(got) != 0 {
		t.Fatalf("Get after echo = %+v", got)
	}
	if got := testutil.ToFloat64(observability.OutboundMessages.WithLabelValues("confirmed")); got != base+1 {
		t.Fatalf("confirmed counter = %v; want %v", got, base+1)
	}
}

func TestHandleIncoming_IgnoresMissingNonceAndOtherChannel(t *testing.T) {
	q := New("d")
	q.Add(Draft{ID: "n1", ChannelID: 1})

	if q.HandleIncomingMessage(domain.MessagePayload{Message: domain.Message{ChannelID: 1}}) {
		t.Fatalf("message without nonce must be ignored")
	}
	if q.HandleIncomingMessage(domain.MessagePayload{Message: domain.Message{ChannelID: 2, Nonce: "n1"}}) {
		t.Fatalf("same nonce in another channel must be ignored")
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d; want 1", q.Len())
	}
}

func TestError_Send_Remove(t *testing.T) {
	q := New("d")
	sub, cancel := q.Subscribe(8)
	defer cancel()

	q.Add(Draft{ID: "n1", ChannelID: 1})
	if err := q.Error("n1", "500 internal"); err != nil {
		t.Fatalf("Error: %v", err)
	}
	m, _ := q.Lookup("n1")
	if m.Status != StatusFailed || m.Error != "500 internal" {
		t.Fatalf("after Error = %+v", m)
	}
	if err := q.Send("n1"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m, _ := q.Lookup("n1"); m.Status != StatusSending || m.Error != "" {
		t.Fatalf("after Send = %+v", m)
	}
	if err := q.Remove("n1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := q.Remove("n1"); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("second Remove err = %v", err)
	}
	if err := q.Error("missing", "x"); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("Error on missing = %v", err)
	}

	want := []Action{ActionAdded, ActionFailed, ActionSending, ActionRemoved}
	for _, a := range want {
		select {
		case c := <-sub:
			if c.Action != a || c.Message.ID != "n1" || c.Domain != "d" {
				t.Fatalf("change = %+v; want action %s", c, a)
			}
		default:
			t.Fatalf("missing %s notification", a)
		}
	}
}

func TestAdd_GeneratesDistinctNoncesAndKeepsExisting(t *testing.T) {
	q := New("d")
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	a := q.Add(Draft{ChannelID: 1, Content: "a"})
	b := q.Add(Draft{ChannelID: 1, Content: "b"})
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("nonces must be distinct: %q %q", a.ID, b.ID)
	}

	again := q.Add(Draft{ID: a.ID, ChannelID: 1, Content: "changed"})
	if again.Content != "a" || q.Len() != 2 {
		t.Fatalf("re-adding an id must return the existing entry: %+v", again)
	}
	if got := q.Get(1); got[0].ID != a.ID || got[1].ID != b.ID {
		t.Fatalf("order = %+v", got)
	}
}
