package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convo/internal/app"
	"github.com/roach88/convo/internal/conversation"
	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/metrics"
	"github.com/roach88/convo/internal/provider"
	"github.com/roach88/convo/internal/registry"
	"github.com/roach88/convo/internal/stream"
	"github.com/roach88/convo/internal/testutil"
)

func newServer(t *testing.T, p provider.Provider, opts ...Option) (*Server, *app.Workspace) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws, err := app.Open(context.Background(), t.TempDir(),
		app.WithClock(testutil.NewStepClock().Now),
		app.WithIDGenerator(testutil.NewSeqIDs("id")),
		app.WithLogger(logger),
		app.WithProviderFactory(func(registry.Provider) (provider.Provider, error) {
			return p, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	opts = append([]Option{WithLogger(logger)}, opts...)
	return New(ws, opts...), ws
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			r = strings.NewReader(raw)
		} else {
			b, err := json.Marshal(body)
			require.NoError(t, err)
			r = bytes.NewReader(b)
		}
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s, _ := newServer(t, provider.Echo{})
	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestThreadLifecycle(t *testing.T) {
	s, _ := newServer(t, provider.Echo{})

	rec := do(t, s, http.MethodPost, "/api/threads", map[string]string{"title": "Plans"})
	require.Equal(t, http.StatusCreated, rec.Code)
	th := decodeBody[ir.Thread](t, rec)
	assert.Equal(t, "id-1", th.ID)
	assert.Equal(t, "Plans", th.Title)

	rec = do(t, s, http.MethodPost, "/api/threads", map[string]string{"parent_id": th.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	child := decodeBody[ir.Thread](t, rec)

	rec = do(t, s, http.MethodPatch, "/api/threads/"+th.ID, map[string]any{
		"title":         "Trip",
		"pinned":        true,
		"system_prompt": "Be brief.",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody[ir.Thread](t, rec)
	assert.Equal(t, "Trip", updated.Title)
	assert.True(t, updated.Pinned)
	assert.Equal(t, "Be brief.", updated.SystemPrompt)
	assert.Equal(t, []string{child.ID}, updated.Children)

	rec = do(t, s, http.MethodPost, "/api/threads/"+child.ID+"/move", map[string]any{"parent_id": ""})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/threads", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	index := decodeBody[ir.ThreadIndex](t, rec)
	assert.ElementsMatch(t, []string{th.ID, child.ID}, index.Roots)

	rec = do(t, s, http.MethodDelete, "/api/threads/"+th.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":["id-1"]}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/threads/"+th.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody[map[string]string](t, rec)["code"])
}

func TestSendMessageAndConversation(t *testing.T) {
	s, ws := newServer(t, provider.Script(provider.Content("Hel"), provider.Content("lo")))
	th, err := ws.CreateThread(context.Background(), "", "")
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/api/threads/"+th.ID+"/messages", map[string]string{"content": "Hi"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	res := decodeBody[app.SendResult](t, rec)
	assert.Equal(t, "Hi", res.Message.Content)
	assert.NotEmpty(t, res.StreamID)
	ws.WaitStreams()

	rec = do(t, s, http.MethodGet, "/api/threads/"+th.ID+"/conversation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[conversation.View](t, rec)
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "Hi", view.Messages[0].Content)
	assert.Equal(t, "Hello", view.Messages[1].Content)
	assert.Empty(t, view.BranchPoints)
}

func TestEditDeleteAndBranches(t *testing.T) {
	ctx := context.Background()
	s, ws := newServer(t, provider.Echo{})
	th, err := ws.CreateThread(ctx, "", "")
	require.NoError(t, err)
	res, err := ws.SendMessage(ctx, th.ID, app.SendInput{Content: "one two"})
	require.NoError(t, err)
	ws.WaitStreams()

	rec := do(t, s, http.MethodPost, "/api/threads/"+th.ID+"/regenerate", map[string]string{"parent_id": res.Message.ID})
	require.Equal(t, http.StatusAccepted, rec.Code)
	ws.WaitStreams()

	rec = do(t, s, http.MethodPut, "/api/threads/"+th.ID+"/branches", map[string]any{"parent_id": res.Message.ID, "index": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[conversation.View](t, rec)
	require.Len(t, view.BranchPoints, 1)
	assert.Equal(t, 0, view.BranchPoints[0].CurrentIndex)

	rec = do(t, s, http.MethodPut, "/api/threads/"+th.ID+"/branches", map[string]any{"parent_id": res.Message.ID, "index": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPatch, "/api/threads/"+th.ID+"/messages/"+res.Message.ID, map[string]string{"content": "three"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "three", decodeBody[ir.Event](t, rec).Content)

	rec = do(t, s, http.MethodDelete, "/api/threads/"+th.ID+"/messages/"+res.Message.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	view, err = ws.Conversation(ctx, th.ID)
	require.NoError(t, err)
	assert.Empty(t, view.Messages)
}

func TestRequestValidation(t *testing.T) {
	s, ws := newServer(t, provider.Echo{})
	th, err := ws.CreateThread(context.Background(), "", "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"malformed json", http.MethodPost, "/api/threads", `{"title":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/threads", `{"name":"x"}`, http.StatusBadRequest},
		{"empty message", http.MethodPost, "/api/threads/" + th.ID + "/messages", map[string]string{}, http.StatusBadRequest},
		{"unknown thread", http.MethodGet, "/api/threads/missing/conversation", nil, http.StatusNotFound},
		{"bad thread id", http.MethodGet, "/api/threads/..%2Fetc/conversation", nil, http.StatusBadRequest},
		{"unknown model", http.MethodPost, "/api/threads/" + th.ID + "/messages", map[string]string{"content": "x", "model_id": "nope"}, http.StatusNotFound},
		{"unknown stream", http.MethodDelete, "/api/streams/nope", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAttachmentUploadAndDownload(t *testing.T) {
	s, ws := newServer(t, provider.Echo{})
	th, err := ws.CreateThread(context.Background(), "", "")
	require.NoError(t, err)
	base := "/api/threads/" + th.ID + "/attachments/"

	rec := do(t, s, http.MethodPut, base+"notes.json", `{"a":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	att := decodeBody[ir.Attachment](t, rec)
	assert.Equal(t, "threads/"+th.ID+"/attachments/notes.json", att.Path)

	rec = do(t, s, http.MethodGet, base+"notes.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"a":1}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = do(t, s, http.MethodPost, "/api/threads/"+th.ID+"/messages", map[string]any{
		"content":     "see attached",
		"attachments": []ir.Attachment{att},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ws.WaitStreams()

	rec = do(t, s, http.MethodGet, base+"missing.txt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodGet, base+".hidden", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessageRejectsForeignAttachments(t *testing.T) {
	ctx := context.Background()
	s, ws := newServer(t, provider.Echo{})
	th, err := ws.CreateThread(ctx, "", "")
	require.NoError(t, err)
	other, err := ws.CreateThread(ctx, "", "")
	require.NoError(t, err)

	for _, ref := range []string{
		"registry.db",
		"threads.json",
		"threads/" + other.ID + "/attachments/x.png",
		"threads/" + th.ID + "/attachments/../events.jsonl",
	} {
		rec := do(t, s, http.MethodPost, "/api/threads/"+th.ID+"/messages", map[string]any{
			"content":     "x",
			"attachments": []ir.Attachment{{Type: "file", Path: ref}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, ref)
	}

	events, err := ws.Events(ctx, th.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStopStream(t *testing.T) {
	gate := make(chan struct{})
	scripted := &provider.Scripted{
		Steps: []provider.Step{{Inc: provider.Content("never")}},
		Gate:  gate,
	}
	s, ws := newServer(t, scripted)
	th, err := ws.CreateThread(context.Background(), "", "")
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/api/threads/"+th.ID+"/messages", map[string]string{"content": "Hi"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	res := decodeBody[app.SendResult](t, rec)

	rec = do(t, s, http.MethodGet, "/api/streams", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), res.StreamID)

	rec = do(t, s, http.MethodGet, "/api/streams/"+res.StreamID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decodeBody[stream.SessionInfo](t, rec)
	assert.Equal(t, th.ID, info.ThreadID)
	assert.Equal(t, res.Message.ID, info.ParentID)

	rec = do(t, s, http.MethodDelete, "/api/streams/"+res.StreamID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	ws.WaitStreams()

	rec = do(t, s, http.MethodGet, "/api/streams/"+res.StreamID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/streams/"+res.StreamID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	events, err := ws.Events(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestListModels(t *testing.T) {
	s, _ := newServer(t, provider.Echo{})
	rec := do(t, s, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	models := decodeBody[[]registry.Model](t, rec)
	require.NotEmpty(t, models)
	assert.Equal(t, app.DefaultModelID, models[0].ID)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	s, _ := newServer(t, provider.Echo{}, WithMetrics(m))

	do(t, s, http.MethodGet, "/api/threads", nil)
	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `convo_http_request_duration_seconds_count{method="GET",route="/api/threads",status="200"} 1`)
}

func TestMetricsEndpointDisabled(t *testing.T) {
	s, _ := newServer(t, provider.Echo{})
	rec := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return ev
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventStream(t *testing.T) {
	s, ws := newServer(t, provider.Script(provider.Content("ok")), WithHeartbeat(time.Hour))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	r := bufio.NewReader(resp.Body)
	assert.Equal(t, "connected", readEvent(t, r).name)

	th, err := ws.CreateThread(ctx, "", "")
	require.NoError(t, err)
	ev := readEvent(t, r)
	assert.Equal(t, "thread.created", ev.name)
	assert.Contains(t, ev.data, th.ID)

	_, err = ws.SendMessage(ctx, th.ID, app.SendInput{Content: "Hi"})
	require.NoError(t, err)

	var names []string
	for {
		ev := readEvent(t, r)
		names = append(names, ev.name)
		if ev.name == "stream.complete" {
			break
		}
	}
	assert.Contains(t, names, "stream.delta")
}
