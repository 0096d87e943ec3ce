package server

import (
	"bufio"
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/nyc311bot/internal/agent"
	"github.com/wwwzy/nyc311bot/internal/conversation"
	"github.com/wwwzy/nyc311bot/internal/graph"
	"github.com/wwwzy/nyc311bot/internal/message"
	"github.com/wwwzy/nyc311bot/internal/metrics"
)

type stubRunner struct {
	utterances []string
}

func (r *stubRunner) Stream(ctx context.Context, utterance string, prior []message.Message) iter.Seq2[graph.Event, error] {
	r.utterances = append(r.utterances, utterance)
	call := message.AI("", message.ToolCall{
		ID:   "call_1",
		Name: agent.QueryRunnerName,
		Args: map[string]any{"query": "SELECT COUNT(*) AS n FROM service_requests"},
	})
	final := message.AI("There are 42 requests.")
	events := []graph.Event{
		{Mode: graph.ModeCustom, Node: agent.NodeGuardrail, Key: agent.CustomGuardrail, Value: agent.GuardrailVerdict{}},
		{Mode: graph.ModeMessages, Node: agent.NodeQueryWriter, Message: call},
		{Mode: graph.ModeMessages, Node: agent.NodeToolRunner, Message: message.Tool("call_1", `[{"n":42}]`)},
		{Mode: graph.ModeMessages, Node: agent.NodeResponder, Message: message.AIChunk(final.ID, "There are ")},
		{Mode: graph.ModeMessages, Node: agent.NodeResponder, Message: message.AIChunk(final.ID, "42 requests.")},
		{Mode: graph.ModeMessages, Node: agent.NodeResponder, Message: final},
	}
	return func(yield func(graph.Event, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				out = append(out, cur)
			}
			cur = sseEvent{}
		}
	}
	require.NoError(t, sc.Err())
	return out
}

func newTestServer(t *testing.T) (*Server, *stubRunner) {
	t.Helper()
	runner := &stubRunner{}
	reg := prometheus.NewRegistry()
	svc := conversation.NewService(runner, conversation.WithMetrics(metrics.New(reg)))
	return New(svc, WithGatherer(reg)), runner
}

func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestChat_Stream(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodPost, "/api/chat", `{"session_id":"s1","question":"How many requests?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := readSSE(t, rec.Body.String())
	var names []string
	for _, ev := range events {
		names = append(names, ev.name)
	}
	assert.Equal(t, []string{"guardrail", "sql", "rows", "chunk", "chunk", "done"}, names)
	assert.JSONEq(t, `{"query":"SELECT COUNT(*) AS n FROM service_requests"}`, events[1].data)
	assert.JSONEq(t, `{"count":1}`, events[2].data)

	var done turnResponse
	require.NoError(t, json.Unmarshal([]byte(events[5].data), &done))
	assert.Equal(t, "s1", done.SessionID)
	assert.Equal(t, "There are 42 requests.", done.Answer)
	assert.Equal(t, conversation.ResultAnswered, done.Result)
	assert.Equal(t, "SELECT COUNT(*) AS n FROM service_requests", done.Metadata["sql_query"])
	assert.Equal(t, false, done.Metadata["is_mallicious_prompt"])
}

func TestChat_JSONAndHistory(t *testing.T) {
	s, runner := newTestServer(t)

	rec := do(s, http.MethodPost, "/api/chat?stream=false", `{"session_id":"s1","example":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var turn turnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &turn))
	assert.Equal(t, agent.ExampleQuestions[2], turn.Question)
	assert.Equal(t, []string{agent.ExampleQuestions[2]}, runner.utterances)

	rec = do(s, http.MethodGet, "/api/sessions/s1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Messages []messageResponse `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "human", hist.Messages[0].Role)
	assert.Equal(t, "There are 42 requests.", hist.Messages[1].Content)

	rec = do(s, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"session_id":"s1"`)

	rec = do(s, http.MethodDelete, "/api/sessions/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"session_id":"s1","deleted":2}`, rec.Body.String())

	rec = do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `nyc311bot_turns_total{result="answered"} 1`)
}

func TestChat_BadRequests(t *testing.T) {
	s, runner := newTestServer(t)

	rec := do(s, http.MethodPost, "/api/chat", `{"question":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"question is required"}`, rec.Body.String())

	rec = do(s, http.MethodPost, "/api/chat", `{"example":99}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPost, "/api/chat", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, runner.utterances)
}

func TestHealthAndExamples(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(s, http.MethodGet, "/api/examples", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Examples []string `json:"examples"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, agent.ExampleQuestions, body.Examples)

	rec = do(s, http.MethodGet, "/api/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
}
