// Package services – MessageService
//
// MessageService owns the outbound side of the mirror and the message reads
// that go past the entity cache: it validates content, enqueues the
// optimistic entry, posts it through the instance's REST client and flips
// it to FAILED when the post fails. History fetches land in the cache; lists
// and searches read from it.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// carry the instance domain and channel or nonce.

package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-mirror/internal/cache"
	"github.com/tbourn/go-chat-mirror/internal/domain"
	"github.com/tbourn/go-chat-mirror/internal/gateway"
	"github.com/tbourn/go-chat-mirror/internal/instance"
	"github.com/tbourn/go-chat-mirror/internal/queue"
	"github.com/tbourn/go-chat-mirror/internal/repo"
	"github.com/tbourn/go-chat-mirror/internal/rest"
	"github.com/tbourn/go-chat-mirror/internal/search"
	"github.com/tbourn/go-chat-mirror/internal/utils"
)

// Registry resolves instances by domain. *instance.Manager implements it.
type Registry interface {
	Lookup(domain string) (*instance.Instance, bool)
	Instances() []*instance.Instance
}

// MessageService sends, retries, fetches and searches channel messages.
type MessageService struct {
	Registry Registry

	// DB enables Idempotency-Key handling when set.
	DB             *gorm.DB
	IdempotencyTTL time.Duration

	MaxContentRunes int
	Now             func() time.Time
}

// SendRequest is one outbound message.
type SendRequest struct {
	Domain         string
	AccountID      snowflake.ID
	ChannelID      snowflake.ID
	Content        string
	IdempotencyKey string
}

// SendResult is the queue entry a send produced. Replayed is set when an
// Idempotency-Key mapped the request onto an earlier send.
type SendResult struct {
	Message  queue.Message `json:"message"`
	Replayed bool          `json:"replayed"`
}

// Send validates and enqueues a message, then posts it. A failed post is
// not an error: the returned entry carries status FAILED and can be retried.
func (s *MessageService) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("instance.domain", req.Domain),
			attribute.String("channel.id", req.ChannelID.String()),
			attribute.String("account.id", req.AccountID.String()),
		),
	)
	defer span.End()

	if strings.TrimSpace(req.Content) == "" {
		return SendResult{}, ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(req.Content) > s.MaxContentRunes {
		return SendResult{}, ErrContentTooLong
	}

	in, conn, err := s.session(req.Domain, req.AccountID)
	if err != nil {
		return SendResult{}, err
	}
	if !channelExists(in, req.ChannelID) {
		return SendResult{}, ErrChannelNotFound
	}

	useKey := req.IdempotencyKey != "" && s.DB != nil
	if useKey {
		if res, ok := s.replay(ctx, in, req); ok {
			span.SetAttributes(attribute.Bool("idempotency.replayed", true))
			return res, nil
		}
	}

	nonce := in.Queue().NewNonce()
	if useKey {
		_, err := repo.CreateIdempotency(ctx, s.DB, req.AccountID.String(), req.ChannelID.String(),
			req.IdempotencyKey, nonce, http.StatusAccepted, s.ttl())
		switch {
		case errors.Is(err, repo.ErrDuplicate):
			// a concurrent request with the same key won the insert
			if res, ok := s.replay(ctx, in, req); ok {
				return res, nil
			}
		case err != nil:
			log.Warn().Err(err).Str("domain", in.Domain()).Msg("idempotency record not stored")
		}
	}

	m := in.Queue().Add(queue.Draft{
		ID:        nonce,
		ChannelID: req.ChannelID,
		AuthorID:  req.AccountID,
		Content:   req.Content,
	})
	return SendResult{Message: s.post(ctx, in, conn, m)}, nil
}

// Retry re-sends a FAILED entry.
func (s *MessageService) Retry(ctx context.Context, domainName, nonce string) (queue.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Retry",
		trace.WithAttributes(
			attribute.String("instance.domain", domainName),
			attribute.String("message.nonce", nonce),
		),
	)
	defer span.End()

	in, err := s.instance(domainName)
	if err != nil {
		return queue.Message{}, err
	}
	m, ok := in.Queue().Lookup(nonce)
	if !ok {
		return queue.Message{}, ErrNotQueued
	}
	if m.Status != queue.StatusFailed {
		return queue.Message{}, ErrNotFailed
	}
	conn, ok := in.ConnectionFor(m.AuthorID)
	if !ok {
		return queue.Message{}, ErrNoSession
	}
	if err := in.Queue().Send(nonce); err != nil {
		return queue.Message{}, err
	}
	m.Status, m.Error = queue.StatusSending, ""
	return s.post(ctx, in, conn, m), nil
}

// Remove drops a queued entry without sending it.
func (s *MessageService) Remove(ctx context.Context, domainName, nonce string) error {
	_, span := otel.Tracer("services/MessageService").Start(ctx, "Remove",
		trace.WithAttributes(
			attribute.String("instance.domain", domainName),
			attribute.String("message.nonce", nonce),
		),
	)
	defer span.End()

	in, err := s.instance(domainName)
	if err != nil {
		return err
	}
	return in.Queue().Remove(nonce)
}

// Queued returns the entries waiting for confirmation in a channel.
func (s *MessageService) Queued(ctx context.Context, domainName string, channelID snowflake.ID) ([]queue.Message, error) {
	_, span := otel.Tracer("services/MessageService").Start(ctx, "Queued",
		trace.WithAttributes(
			attribute.String("instance.domain", domainName),
			attribute.String("channel.id", channelID.String()),
		),
	)
	defer span.End()

	in, err := s.instance(domainName)
	if err != nil {
		return nil, err
	}
	return in.Queue().Get(channelID), nil
}

// FetchHistory loads a page of channel history through accountID's session
// and adds it to the cache. It returns how many messages were new.
func (s *MessageService) FetchHistory(ctx context.Context, domainName string, accountID, channelID snowflake.ID, q rest.HistoryQuery) (int, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "FetchHistory",
		trace.WithAttributes(
			attribute.String("instance.domain", domainName),
			attribute.String("channel.id", channelID.String()),
			attribute.Int("limit", q.Limit),
		),
	)
	defer span.End()

	in, conn, err := s.session(domainName, accountID)
	if err != nil {
		return 0, err
	}
	var guildID snowflake.ID
	found := false
	in.Cache().View(func(v *cache.View) {
		if ch, ok := v.FindChannel(channelID); ok {
			guildID, found = ch.GuildID, true
		}
	})
	if !found {
		return 0, ErrChannelNotFound
	}

	msgs, err := in.REST().Messages(ctx, conn.Token(), channelID, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	b := in.Cache().Apply("HISTORY", func(tx *cache.Tx) {
		for _, p := range msgs {
			p.ChannelID = channelID
			p.GuildID = guildID
			tx.AddMessage(p)
		}
	})
	added := 0
	for _, ch := range b.Changes {
		if ch.Entity == cache.EntityMessage && ch.Op == cache.OpAdd {
			added++
		}
	}
	span.SetAttributes(attribute.Int("messages.fetched", len(msgs)), attribute.Int("messages.added", added))
	return added, nil
}

// List returns a page of a channel's cached messages, oldest first, and the
// total number cached.
func (s *MessageService) List(ctx context.Context, domainName string, channelID snowflake.ID, page, pageSize int) ([]MessageView, int64, error) {
	_, span := otel.Tracer("services/MessageService").Start(ctx, "List",
		trace.WithAttributes(
			attribute.String("instance.domain", domainName),
			attribute.String("channel.id", channelID.String()),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	in, err := s.instance(domainName)
	if err != nil {
		return nil, 0, err
	}
	page, pageSize = utils.ClampPage(page, pageSize, 50, 100)

	var (
		out   []MessageView
		total int
		found bool
	)
	in.Cache().View(func(v *cache.View) {
		ch, ok := v.FindChannel(channelID)
		if !ok {
			return
		}
		found = true
		msgs := ch.Messages()
		total = len(msgs)
		lo, hi := utils.PageBounds(total, page, pageSize)
		out = make([]MessageView, 0, hi-lo)
		for _, m := range msgs[lo:hi] {
			out = append(out, messageView(m, v.Domain()))
		}
	})
	if !found {
		return nil, 0, ErrChannelNotFound
	}
	return out, int64(total), nil
}

// Search ranks a channel's cached messages against query and returns the
// best k.
func (s *MessageService) Search(ctx context.Context, domainName string, channelID snowflake.ID, query string, k int) ([]SearchHit, error) {
	_, span := otel.Tracer("services/MessageService").Start(ctx, "Search",
		trace.WithAttributes(
			attribute.String("instance.domain", domainName),
			attribute.String("channel.id", channelID.String()),
			attribute.Int("k", k),
		),
	)
	defer span.End()

	in, err := s.instance(domainName)
	if err != nil {
		return nil, err
	}

	var (
		docs  []search.Document
		views map[string]MessageView
		found bool
	)
	in.Cache().View(func(v *cache.View) {
		ch, ok := v.FindChannel(channelID)
		if !ok {
			return
		}
		found = true
		msgs := ch.Messages()
		docs = make([]search.Document, 0, len(msgs))
		views = make(map[string]MessageView, len(msgs))
		for _, m := range msgs {
			id := m.ID.String()
			docs = append(docs, search.Document{ID: id, Text: m.Content})
			views[id] = messageView(m, v.Domain())
		}
	})
	if !found {
		return nil, ErrChannelNotFound
	}

	results := search.NewIndex(docs).TopK(query, k)
	out := make([]SearchHit, 0, len(results))
	for _, r := range results {
		out = append(out, SearchHit{Message: views[r.ID], Score: r.Score})
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// post sends m through the REST client and returns the entry's state
// afterwards.
func (s *MessageService) post(ctx context.Context, in *instance.Instance, conn *gateway.Connection, m queue.Message) queue.Message {
	_, err := in.REST().CreateMessage(ctx, conn.Token(), m.ChannelID, m.Content, m.ID)
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		log.Warn().Err(err).Str("domain", in.Domain()).Str("nonce", m.ID).Msg("message post failed")
		_ = in.Queue().Error(m.ID, err.Error())
	}
	if cur, ok := in.Queue().Lookup(m.ID); ok {
		return cur
	}
	if err != nil {
		m.Status, m.Error = queue.StatusFailed, err.Error()
		return m
	}
	// the gateway echo already reconciled it
	m.Status = queue.StatusSent
	return m
}

// replay maps a request whose Idempotency-Key is already recorded onto the
// entry it produced: still queued, or already confirmed into the cache.
func (s *MessageService) replay(ctx context.Context, in *instance.Instance, req SendRequest) (SendResult, bool) {
	rec, err := repo.GetIdempotency(ctx, s.DB, req.AccountID.String(), req.ChannelID.String(), req.IdempotencyKey, s.now())
	if err != nil {
		return SendResult{}, false
	}
	if m, ok := in.Queue().Lookup(rec.Nonce); ok {
		return SendResult{Message: m, Replayed: true}, true
	}

	var sent *domain.Message
	in.Cache().View(func(v *cache.View) {
		ch, ok := v.FindChannel(req.ChannelID)
		if !ok {
			return
		}
		for _, m := range ch.Messages() {
			if string(m.Nonce) == rec.Nonce {
				cp := *m
				sent = &cp
				return
			}
		}
	})
	if sent == nil {
		return SendResult{}, false
	}
	return SendResult{Replayed: true, Message: queue.Message{
		ID:        rec.Nonce,
		ChannelID: sent.ChannelID,
		AuthorID:  req.AccountID,
		Content:   sent.Content,
		Timestamp: sent.Timestamp,
		Status:    queue.StatusSent,
	}}, true
}

func (s *MessageService) instance(domainName string) (*instance.Instance, error) {
	if s.Registry == nil {
		return nil, ErrInstanceNotFound
	}
	in, ok := s.Registry.Lookup(domainName)
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return in, nil
}

func (s *MessageService) session(domainName string, accountID snowflake.ID) (*instance.Instance, *gateway.Connection, error) {
	in, err := s.instance(domainName)
	if err != nil {
		return nil, nil, err
	}
	conn, ok := in.ConnectionFor(accountID)
	if !ok {
		return nil, nil, ErrNoSession
	}
	return in, conn, nil
}

func (s *MessageService) ttl() time.Duration {
	if s.IdempotencyTTL > 0 {
		return s.IdempotencyTTL
	}
	return 24 * time.Hour
}

func (s *MessageService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func channelExists(in *instance.Instance, id snowflake.ID) bool {
	found := false
	in.Cache().View(func(v *cache.View) { _, found = v.FindChannel(id) })
	return found
}
