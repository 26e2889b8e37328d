package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/crm-query-widget/internal/config"
	"github.com/comigor/crm-query-widget/internal/conversation"
	"github.com/comigor/crm-query-widget/internal/journal"
	"github.com/comigor/crm-query-widget/internal/query"
)

type fakeUpstream struct {
	AskFunc    func(ctx context.Context, question string) (query.Result, error)
	HealthFunc func(ctx context.Context) error
}

func (f *fakeUpstream) Ask(ctx context.Context, question string) (query.Result, error) {
	if f.AskFunc != nil {
		return f.AskFunc(ctx, question)
	}
	return query.Result{Rows: []query.Row{query.NewRow("name", "Jane")}, SQL: "SELECT name FROM contact", HasSQL: true}, nil
}

func (f *fakeUpstream) Health(ctx context.Context) error {
	if f.HealthFunc != nil {
		return f.HealthFunc(ctx)
	}
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		CORS:    config.CORSConfig{AllowedOrigins: []string{"https://crm.example.com"}, MaxAge: 600},
		Session: config.SessionConfig{TTL: time.Hour},
		Widget:  config.WidgetConfig{Title: "CRM Query Assistant"},
	}
}

func newTestServer(t *testing.T, up Upstream) *Server {
	t.Helper()
	s, err := New(testConfig(), up, journal.Open(""))
	require.NoError(t, err)
	t.Cleanup(s.Registry().Wait)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func mount(t *testing.T, s *Server, page string) string {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/widget/instances", `{"instance":"`+page+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ID
}

func TestMount(t *testing.T) {
	s := newTestServer(t, &fakeUpstream{})

	id := mount(t, s, "page-1")
	require.Equal(t, "page-1", id)

	rec := do(t, s, http.MethodPost, "/widget/instances", `{"instance":"page-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, "second mount returns the existing instance")
	require.Equal(t, 1, s.Registry().Len())

	rec = do(t, s, http.MethodPost, "/widget/instances", "")
	require.Equal(t, http.StatusCreated, rec.Code, "an empty body mounts a fresh instance")

	rec = do(t, s, http.MethodPost, "/widget/instances", `{"instance":"has spaces"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_Answered(t *testing.T) {
	s := newTestServer(t, &fakeUpstream{})
	id := mount(t, s, "page")

	rec := do(t, s, http.MethodPost, "/widget/instances/"+id+"/submit", `{"question":"Who did I contact last week?"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	inst, err := s.Registry().Get(id)
	require.NoError(t, err)
	inst.Ctrl.Wait()

	msgs := inst.Ctrl.Store().Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, conversation.RoleUser, msgs[0].Role)
	require.Contains(t, msgs[1].Content, "<td>Jane</td>")

	entries := s.journal.List(id)
	require.Len(t, entries, 1)
	require.Equal(t, journal.OutcomeAnswered, entries[0].Outcome)
}

func TestSubmit_SkippedInput(t *testing.T) {
	up := &fakeUpstream{AskFunc: func(ctx context.Context, q string) (query.Result, error) {
		t.Errorf("unexpected question %q", q)
		return query.Result{}, nil
	}}
	s := newTestServer(t, up)
	id := mount(t, s, "page")

	rec := do(t, s, http.MethodPost, "/widget/instances/"+id+"/submit", `{"question":"   "}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodPost, "/widget/instances/"+id+"/submit", `{"question":"hello","key":"Tab"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	inst, err := s.Registry().Get(id)
	require.NoError(t, err)
	require.Zero(t, inst.Ctrl.Store().Len())
}

func TestSubmit_CommitKey(t *testing.T) {
	s := newTestServer(t, &fakeUpstream{})
	id := mount(t, s, "page")

	rec := do(t, s, http.MethodPost, "/widget/instances/"+id+"/submit", `{"question":"hello","key":"Enter"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSubmit_BusyWhileSubmitting(t *testing.T) {
	release := make(chan struct{})
	up := &fakeUpstream{AskFunc: func(ctx context.Context, q string) (query.Result, error) {
		<-release
		return query.Result{}, nil
	}}
	s := newTestServer(t, up)
	id := mount(t, s, "page")

	rec := do(t, s, http.MethodPost, "/widget/instances/"+id+"/submit", `{"question":"first"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(t, s, http.MethodPost, "/widget/instances/"+id+"/submit", `{"question":"second"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	close(release)
}

func TestSubmit_UnknownInstance(t *testing.T) {
	s := newTestServer(t, &fakeUpstream{})

	rec := do(t, s, http.MethodPost, "/widget/instances/nope/submit", `{"question":"hi"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnmount(t *testing.T) {
	s := newTestServer(t, &fakeUpstream{})
	id := mount(t, s, "page")

	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/widget/instances/"+id, "").Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/widget/instances/"+id, "").Code)
}

func TestSubmit_AfterEvictionRemounts(t *testing.T) {
	s := newTestServer(t, &fakeUpstream{})
	id := mount(t, s, "page")

	s.Registry().now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.Equal(t, 1, s.Registry().Sweep())
	s.Registry().now = time.Now

	rec := do(t, s, http.MethodPost, "/widget/instances/"+id+"/submit", `{"question":"hi"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// the page mounts again under the same id and can ask
	require.Equal(t, id, mount(t, s, "page"))
	rec = do(t, s, http.MethodPost, "/widget/instances/"+id+"/submit", `{"question":"hi"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealth(t *testing.T) {
	up := &fakeUpstream{}
	s := newTestServer(t, up)

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "ok", body["query_service"])

	up.HealthFunc = func(ctx context.Context) error {
		return &query.ConnectionError{Err: errors.New("connection refused")}
	}
	rec = do(t, s, http.MethodGet, "/health", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, "connection refused", body["query_service"])
}

func TestJournalEndpoint_DisabledByDefault(t *testing.T) {
	s := newTestServer(t, &fakeUpstream{})
	id := mount(t, s, "page")

	rec := do(t, s, http.MethodGet, "/journal?instance="+id, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJournalEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Journal.Expose = true
	s, err := New(cfg, &fakeUpstream{}, journal.Open(""))
	require.NoError(t, err)
	t.Cleanup(s.Registry().Wait)

	rec := do(t, s, http.MethodGet, "/journal", "")
	require.Equal(t, http.StatusBadRequest, rec.Code, "listing every page is not served")

	rec = do(t, s, http.MethodGet, "/journal?instance=none", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"entries":[]}`, rec.Body.String())

	id := mount(t, s, "page")
	other := mount(t, s, "other-page")
	do(t, s, http.MethodPost, "/widget/instances/"+id+"/submit", `{"question":"hi"}`)
	do(t, s, http.MethodPost, "/widget/instances/"+other+"/submit", `{"question":"secret"}`)
	s.Registry().Wait()

	rec = do(t, s, http.MethodGet, "/journal?instance="+id, "")
	var body struct {
		Entries []journal.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	require.Equal(t, "hi", body.Entries[0].Question)
}

func TestStaticAssetsAndCORS(t *testing.T) {
	s := newTestServer(t, &fakeUpstream{})

	req := httptest.NewRequest(http.MethodGet, "/static/chat-widget.js", nil)
	req.Header.Set("Origin", "https://crm.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "javascript")
	require.Equal(t, "https://crm.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/widget/scaffold", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCORSConfig_Wildcard(t *testing.T) {
	cfg := corsConfig(config.CORSConfig{AllowedOrigins: []string{"https://a", "*"}})
	require.True(t, cfg.AllowAllOrigins)
	require.Empty(t, cfg.AllowOrigins)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, sc *bufio.Scanner, out chan<- sseEvent) {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && ev.name != "":
			out <- ev
			ev = sseEvent{}
		}
	}
	close(out)
}

func next(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed waiting for %s", name)
			if ev.name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", name)
		}
	}
}

func TestEvents_StreamConversation(t *testing.T) {
	s := newTestServer(t, &fakeUpstream{})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	id := mount(t, s, "page")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/widget/instances/"+id+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := make(chan sseEvent, 32)
	go readEvents(t, bufio.NewScanner(resp.Body), events)

	var snap snapshotPayload
	require.NoError(t, json.Unmarshal([]byte(next(t, events, "snapshot").data), &snap))
	require.Empty(t, snap.Messages)
	require.True(t, snap.InputEnabled)

	rec := do(t, s, http.MethodPost, "/widget/instances/"+id+"/submit", `{"question":"Who did I contact?"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var user conversation.Message
	require.NoError(t, json.Unmarshal([]byte(next(t, events, "append").data), &user))
	require.Equal(t, conversation.RoleUser, user.Role)
	require.Equal(t, "Who did I contact?", user.Content)

	var loading conversation.Message
	require.NoError(t, json.Unmarshal([]byte(next(t, events, "append").data), &loading))
	require.Contains(t, loading.Content, "Thinking...")

	var removed removePayload
	require.NoError(t, json.Unmarshal([]byte(next(t, events, "remove").data), &removed))
	require.Equal(t, loading.ID, removed.ID)

	var answer conversation.Message
	require.NoError(t, json.Unmarshal([]byte(next(t, events, "append").data), &answer))
	require.Equal(t, conversation.RoleAssistant, answer.Role)
	require.Contains(t, answer.Content, "<td>Jane</td>")
}
