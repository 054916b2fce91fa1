package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-mirror/internal/domain"
	"github.com/tbourn/go-chat-mirror/internal/http/middleware"
	"github.com/tbourn/go-chat-mirror/internal/instance"
	"github.com/tbourn/go-chat-mirror/internal/queue"
	"github.com/tbourn/go-chat-mirror/internal/rest"
	"github.com/tbourn/go-chat-mirror/internal/services"
)

// ---------- stubs ----------

type stubMsgSvc struct {
	send    func(services.SendRequest) (services.SendResult, error)
	retry   func(domainName, nonce string) (queue.Message, error)
	remove  func(domainName, nonce string) error
	queued  func(domainName string, ch snowflake.ID) ([]queue.Message, error)
	history func(domainName string, acc, ch snowflake.ID, q rest.HistoryQuery) (int, error)
	list    func(domainName string, ch snowflake.ID, page, size int) ([]services.MessageView, int64, error)
	search  func(domainName string, ch snowflake.ID, q string, k int) ([]services.SearchHit, error)
}

func (s stubMsgSvc) Send(_ context.Context, r services.SendRequest) (services.SendResult, error) {
	return s.send(r)
}
func (s stubMsgSvc) Retry(_ context.Context, d, n string) (queue.Message, error) {
	return s.retry(d, n)
}
func (s stubMsgSvc) Remove(_ context.Context, d, n string) error { return s.remove(d, n) }
func (s stubMsgSvc) Queued(_ context.Context, d string, ch snowflake.ID) ([]queue.Message, error) {
	return s.queued(d, ch)
}
func (s stubMsgSvc) FetchHistory(_ context.Context, d string, acc, ch snowflake.ID, q rest.HistoryQuery) (int, error) {
	return s.history(d, acc, ch, q)
}
func (s stubMsgSvc) List(_ context.Context, d string, ch snowflake.ID, page, size int) ([]services.MessageView, int64, error) {
	return s.list(d, ch, page, size)
}
func (s stubMsgSvc) Search(_ context.Context, d string, ch snowflake.ID, q string, k int) ([]services.SearchHit, error) {
	return s.search(d, ch, q, k)
}

type stubViewSvc struct {
	known map[string]bool
}

func (s stubViewSvc) check(d string) error {
	if !s.known[d] {
		return services.ErrInstanceNotFound
	}
	return nil
}

func (s stubViewSvc) Instances(context.Context) []services.InstanceView {
	return []services.InstanceView{{Domain: "chat.example.org", Guilds: 1}}
}
func (s stubViewSvc) Instance(_ context.Context, d string) (services.InstanceView, error) {
	return services.InstanceView{Domain: d}, s.check(d)
}
func (s stubViewSvc) Guilds(_ context.Context, d string) ([]services.GuildSummary, error) {
	return []services.GuildSummary{{ID: 1, Name: "Go Gophers", Acronym: "GG"}}, s.check(d)
}
func (s stubViewSvc) Guild(_ context.Context, d string, id snowflake.ID) (services.GuildView, error) {
	if err := s.check(d); err != nil {
		return services.GuildView{}, err
	}
	if id != 1 {
		return services.GuildView{}, services.ErrGuildNotFound
	}
	return services.GuildView{Acronym: "GG"}, nil
}
func (s stubViewSvc) MemberList(_ context.Context, d string, _ snowflake.ID) ([]services.MemberListRow, error) {
	return []services.MemberListRow{{Title: "Online"}}, s.check(d)
}
func (s stubViewSvc) PrivateChannels(_ context.Context, d string) ([]services.ChannelView, error) {
	return nil, s.check(d)
}

type stubEvents struct {
	ch chan instance.Event
}

func (s stubEvents) Subscribe(int) (<-chan instance.Event, func()) { return s.ch, func() {} }

// ---------- plumbing ----------

func newTestRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Account(), middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	r.GET("/events", h.Events)
	r.GET("/instances", h.ListInstances)
	r.GET("/instances/:domain", h.GetInstance)
	r.GET("/instances/:domain/guilds", h.ListGuilds)
	r.GET("/instances/:domain/guilds/:guild", h.GetGuild)
	r.GET("/instances/:domain/guilds/:guild/member-list", h.GetMemberList)
	r.GET("/instances/:domain/private-channels", h.ListPrivateChannels)
	r.GET("/instances/:domain/channels/:channel/messages", h.ListMessages)
	r.POST("/instances/:domain/channels/:channel/messages", h.PostMessage)
	r.GET("/instances/:domain/channels/:channel/messages/search", h.SearchMessages)
	r.POST("/instances/:domain/channels/:channel/history", h.FetchHistory)
	r.GET("/instances/:domain/channels/:channel/queue", h.ListQueue)
	r.POST("/instances/:domain/queue/:nonce/retry", h.RetryMessage)
	r.DELETE("/instances/:domain/queue/:nonce", h.DeleteQueued)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("error body: %v (%s)", err, w.Body.String())
	}
	return er.Code
}

const msgPath = "/instances/chat.example.org/channels/7/messages"

var asAccount = map[string]string{middleware.HeaderAccountID: "5"}

// ---------- tests ----------

func Test_sanitizeContent(t *testing.T) {
	if got := sanitizeContent("  line1\r\n\r\n\r\n\r\nline2\rline3  "); got != "line1\n\nline2\nline3" {
		t.Fatalf("sanitizeContent: %q", got)
	}
	if sanitizeContent(" \r\n\t ") != "" {
		t.Fatalf("sanitizeContent should trim to empty")
	}
}

func TestPostMessage_ValidationAndStatuses(t *testing.T) {
	var got services.SendRequest
	svc := stubMsgSvc{send: func(r services.SendRequest) (services.SendResult, error) {
		got = r
		switch r.Content {
		case "replay":
			return services.SendResult{Message: queue.Message{ID: "n-1", Status: queue.StatusSending}, Replayed: true}, nil
		case "nosession":
			return services.SendResult{}, services.ErrNoSession
		case "upstream":
			return services.SendResult{}, &rest.APIError{Status: 503, Message: "down"}
		}
		return services.SendResult{Message: queue.Message{ID: "n-2", ChannelID: r.ChannelID, Content: r.Content, Status: queue.StatusSending}}, nil
	}}
	r := newTestRouter(New(svc, stubViewSvc{}, nil))

	if w := do(t, r, http.MethodPost, msgPath, `{"content":"hi"}`, nil); w.Code != http.StatusBadRequest || errCode(t, w) != ErrCodeAccountRequired {
		t.Fatalf("no account: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodPost, "/instances/chat.example.org/channels/abc/messages", `{"content":"hi"}`, asAccount); w.Code != http.StatusBadRequest {
		t.Fatalf("bad channel: %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, msgPath, `{"content":"  \r\n "}`, asAccount); w.Code != http.StatusBadRequest {
		t.Fatalf("blank content: %d", w.Code)
	}

	hdr := map[string]string{middleware.HeaderAccountID: "5", middleware.HeaderIdempotencyKey: "k-1"}
	w := do(t, r, http.MethodPost, msgPath, `{"content":"hello\r\nthere"}`, hdr)
	if w.Code != http.StatusAccepted {
		t.Fatalf("send: %d %s", w.Code, w.Body.String())
	}
	if got.Domain != "chat.example.org" || got.AccountID != 5 || got.ChannelID != 7 || got.Content != "hello\nthere" || got.IdempotencyKey != "k-1" {
		t.Fatalf("request: %+v", got)
	}
	var resp MessageResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Message.ID != "n-2" || resp.Message.Status != queue.StatusSending {
		t.Fatalf("response: %+v", resp)
	}

	w = do(t, r, http.MethodPost, msgPath, `{"content":"replay"}`, hdr)
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay: %d %v", w.Code, w.Header())
	}

	if w := do(t, r, http.MethodPost, msgPath, `{"content":"nosession"}`, asAccount); w.Code != http.StatusConflict || errCode(t, w) != ErrCodeNoSession {
		t.Fatalf("no session: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodPost, msgPath, `{"content":"upstream"}`, asAccount); w.Code != http.StatusBadGateway || errCode(t, w) != ErrCodeUpstream {
		t.Fatalf("upstream: %d %s", w.Code, w.Body.String())
	}
}

func TestPostMessage_ContentTooLongMapsTo400(t *testing.T) {
	called := false
	svc := stubMsgSvc{send: func(services.SendRequest) (services.SendResult, error) {
		called = true
		return services.SendResult{}, services.ErrContentTooLong
	}}
	r := newTestRouter(New(svc, stubViewSvc{}, nil))
	w := do(t, r, http.MethodPost, msgPath, `{"content":"way too long"}`, asAccount)
	if w.Code != http.StatusBadRequest || errCode(t, w) != ErrCodeContentTooLong || !called {
		t.Fatalf("too long: %d %s called=%v", w.Code, w.Body.String(), called)
	}
}

func TestListMessages_PaginationAndETag(t *testing.T) {
	svc := stubMsgSvc{list: func(d string, ch snowflake.ID, page, size int) ([]services.MessageView, int64, error) {
		if d != "chat.example.org" || ch != 7 {
			t.Fatalf("list args: %s %d", d, ch)
		}
		if page != 2 || size != 100 {
			t.Fatalf("clamped paging: %d %d", page, size)
		}
		return []services.MessageView{{Message: domain.Message{ID: 11, Content: "x"}}}, 101, nil
	}}
	r := newTestRouter(New(svc, stubViewSvc{}, nil))

	w := do(t, r, http.MethodGet, msgPath+"?page=2&page_size=500", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	var resp ListMessagesResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Messages) != 1 || resp.Pagination.TotalPages != 2 || resp.Pagination.HasNext {
		t.Fatalf("response: %+v", resp)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}

	w = do(t, r, http.MethodGet, msgPath+"?page=2&page_size=500", "", map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional: %d", w.Code)
	}
}

func TestSearchMessages(t *testing.T) {
	var gotK int
	svc := stubMsgSvc{search: func(_ string, _ snowflake.ID, q string, k int) ([]services.SearchHit, error) {
		gotK = k
		return []services.SearchHit{{Score: 0.5}}, nil
	}}
	r := newTestRouter(New(svc, stubViewSvc{}, nil))

	if w := do(t, r, http.MethodGet, msgPath+"/search?q=%20", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("blank q: %d", w.Code)
	}
	w := do(t, r, http.MethodGet, msgPath+"/search?q=deploy&k=1000", "", nil)
	if w.Code != http.StatusOK || gotK != maxSearchK {
		t.Fatalf("search: %d k=%d", w.Code, gotK)
	}
	var resp SearchMessagesResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Query != "deploy" || len(resp.Hits) != 1 {
		t.Fatalf("response: %+v", resp)
	}
}

func TestFetchHistory(t *testing.T) {
	var got rest.HistoryQuery
	svc := stubMsgSvc{history: func(_ string, acc, ch snowflake.ID, q rest.HistoryQuery) (int, error) {
		if acc != 5 || ch != 7 {
			t.Fatalf("history args: %d %d", acc, ch)
		}
		got = q
		return 3, nil
	}}
	r := newTestRouter(New(svc, stubViewSvc{}, nil))
	path := "/instances/chat.example.org/channels/7/history"

	if w := do(t, r, http.MethodPost, path+"?before=x", "", asAccount); w.Code != http.StatusBadRequest {
		t.Fatalf("bad before: %d", w.Code)
	}
	w := do(t, r, http.MethodPost, path+"?before=99&limit=20", "", asAccount)
	if w.Code != http.StatusOK {
		t.Fatalf("history: %d %s", w.Code, w.Body.String())
	}
	if got.Before != 99 || got.Limit != 20 || got.After != 0 {
		t.Fatalf("query: %+v", got)
	}
	var resp FetchHistoryResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Added != 3 {
		t.Fatalf("added: %d", resp.Added)
	}
}

func TestQueueEndpoints(t *testing.T) {
	svc := stubMsgSvc{
		queued: func(string, snowflake.ID) ([]queue.Message, error) { return nil, nil },
		retry: func(_, nonce string) (queue.Message, error) {
			switch nonce {
			case "missing":
				return queue.Message{}, services.ErrNotQueued
			case "sending":
				return queue.Message{}, services.ErrNotFailed
			}
			return queue.Message{ID: nonce, Status: queue.StatusSending}, nil
		},
		remove: func(_, nonce string) error {
			if nonce == "missing" {
				return services.ErrNotQueued
			}
			return nil
		},
	}
	r := newTestRouter(New(svc, stubViewSvc{}, nil))

	w := do(t, r, http.MethodGet, "/instances/chat.example.org/channels/7/queue", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"messages":[]`) {
		t.Fatalf("queue: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodPost, "/instances/d/queue/n-1/retry", "", nil); w.Code != http.StatusAccepted {
		t.Fatalf("retry: %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/instances/d/queue/missing/retry", "", nil); w.Code != http.StatusNotFound || errCode(t, w) != ErrCodeNotQueued {
		t.Fatalf("retry missing: %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/instances/d/queue/sending/retry", "", nil); w.Code != http.StatusConflict || errCode(t, w) != ErrCodeNotFailed {
		t.Fatalf("retry sending: %d", w.Code)
	}
	if w := do(t, r, http.MethodDelete, "/instances/d/queue/n-1", "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	if w := do(t, r, http.MethodDelete, "/instances/d/queue/missing", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("delete missing: %d", w.Code)
	}
}

func TestInstanceViews(t *testing.T) {
	r := newTestRouter(New(stubMsgSvc{}, stubViewSvc{known: map[string]bool{"chat.example.org": true}}, nil))

	w := do(t, r, http.MethodGet, "/instances", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"domain":"chat.example.org"`) {
		t.Fatalf("instances: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodGet, "/instances/other.example", "", nil); w.Code != http.StatusNotFound || errCode(t, w) != ErrCodeInstanceNotFound {
		t.Fatalf("unknown instance: %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/instances/chat.example.org/guilds", "", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"acronym":"GG"`) {
		t.Fatalf("guilds: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodGet, "/instances/chat.example.org/guilds/nope", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad guild id: %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/instances/chat.example.org/guilds/2", "", nil); w.Code != http.StatusNotFound || errCode(t, w) != ErrCodeGuildNotFound {
		t.Fatalf("missing guild: %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/instances/chat.example.org/guilds/1", "", nil); w.Code != http.StatusOK {
		t.Fatalf("guild: %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/instances/chat.example.org/guilds/1/member-list", "", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"title":"Online"`) {
		t.Fatalf("member list: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodGet, "/instances/chat.example.org/private-channels", "", nil); w.Code != http.StatusOK {
		t.Fatalf("private channels: %d", w.Code)
	}
}

func TestEvents_Unavailable(t *testing.T) {
	r := newTestRouter(New(stubMsgSvc{}, stubViewSvc{}, nil))
	if w := do(t, r, http.MethodGet, "/events", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("events without source: %d", w.Code)
	}
}

// firstEvent opens url as an event stream and returns the first SSE event
// name and data line.
func firstEvent(t *testing.T, url string) (string, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type: %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if event != "" && data != "" {
			break
		}
	}
	return event, data
}

func TestEvents_StreamsFilteredByDomain(t *testing.T) {
	src := stubEvents{ch: make(chan instance.Event, 4)}
	src.ch <- instance.Event{Type: "queue", Domain: "other.example"}
	src.ch <- instance.Event{Type: "cache", Domain: "chat.example.org"}

	srv := httptest.NewServer(newTestRouter(New(stubMsgSvc{}, stubViewSvc{}, src)))
	defer srv.Close()

	event, data := firstEvent(t, srv.URL+"/events?domain=Chat.Example.org")
	if event != "cache" {
		t.Fatalf("first event: %q", event)
	}
	var ev instance.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.Domain != "chat.example.org" {
		t.Fatalf("data: %s %v", data, err)
	}
}

func TestEvents_InstanceWideResyncPassesDomainFilter(t *testing.T) {
	src := stubEvents{ch: make(chan instance.Event, 4)}
	src.ch <- instance.Event{Type: instance.EventResync, Domain: "other.example"}
	src.ch <- instance.Event{Type: instance.EventResync}

	srv := httptest.NewServer(newTestRouter(New(stubMsgSvc{}, stubViewSvc{}, src)))
	defer srv.Close()

	event, data := firstEvent(t, srv.URL+"/events?domain=chat.example.org")
	if event != "resync" {
		t.Fatalf("first event: %q", event)
	}
	var ev instance.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.Domain != "" {
		t.Fatalf("data: %s %v", data, err)
	}
}

func TestFailService_DefaultIs500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { failService(c, errors.New("boom")) })
	w := do(t, r, http.MethodGet, "/x", "", nil)
	if w.Code != http.StatusInternalServerError || errCode(t, w) != ErrCodeInternal {
		t.Fatalf("default: %d", w.Code)
	}
}
