package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antigravity/internal/llm"
	"antigravity/internal/nexus"
)

type fakeDispatcher struct {
	events    []nexus.Event
	messages  []llm.Message
	requestID string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, messages []llm.Message, model, requestID string) <-chan nexus.Event {
	f.messages = messages
	f.requestID = requestID
	out := make(chan nexus.Event, len(f.events))
	for _, ev := range f.events {
		out <- ev
	}
	close(out)
	return out
}

func onlineProbe() *Connectivity {
	return &Connectivity{online: true, checked: time.Now()}
}

func newTestRouter(dispatcher Dispatcher, status StatusSource, token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(Deps{
		Chat:      NewChatHandler(dispatcher, "default-model", nil),
		Health:    NewHealthHandler(status, onlineProbe(), nil),
		AuthToken: token,
	})
}

func TestChatCompletionReturnsOpenAIEnvelope(t *testing.T) {
	dispatcher := &fakeDispatcher{events: []nexus.Event{
		{Type: nexus.EventToken, Token: "All "},
		{Type: nexus.EventToken, Token: "good."},
		{Type: nexus.EventDone, Content: "All good."},
	}}
	router := newTestRouter(dispatcher, nil, "")

	body := `{"messages":[{"role":"user","content":"how are things?"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("X-Request-ID", "abcd1234")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abcd1234", rec.Header().Get("X-Request-ID"))

	var resp struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chatcmpl-abcd1234", resp.ID)
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "default-model", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "All good.", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)

	assert.Equal(t, "abcd1234", dispatcher.requestID)
	require.Len(t, dispatcher.messages, 1)
	assert.Equal(t, "how are things?", dispatcher.messages[0].Content)
}

func TestChatCompletionSynthesizesRequestID(t *testing.T) {
	dispatcher := &fakeDispatcher{events: []nexus.Event{{Type: nexus.EventDone, Content: "hi"}}}
	router := newTestRouter(dispatcher, nil, "")

	body := `{"messages":[{"role":"user","content":"hello there friend"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	id := rec.Header().Get("X-Request-ID")
	assert.Len(t, id, 8)
}

func TestChatCompletionErrorEventMapsToBadGateway(t *testing.T) {
	dispatcher := &fakeDispatcher{events: []nexus.Event{{Type: nexus.EventError, Err: "provider down"}}}
	router := newTestRouter(dispatcher, nil, "")

	body := `{"messages":[{"role":"user","content":"anything at all here"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "provider down")
}

func TestChatCompletionRejectsEmptyMessages(t *testing.T) {
	router := newTestRouter(&fakeDispatcher{}, nil, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionStreaming(t *testing.T) {
	dispatcher := &fakeDispatcher{events: []nexus.Event{
		{Type: nexus.EventToolStart, Tool: "query_facts"},
		{Type: nexus.EventToolEnd, Tool: "query_facts", Content: "3 facts"},
		{Type: nexus.EventToken, Token: "Here"},
		{Type: nexus.EventDone, Content: "Here"},
	}}
	gin.SetMode(gin.TestMode)
	router := newTestRouter(dispatcher, nil, "")
	ts := httptest.NewServer(router)
	defer ts.Close()

	body := `{"stream":true,"messages":[{"role":"user","content":"look something up for me"}]}`
	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			frames = append(frames, line)
		}
	}
	joined := strings.Join(frames, "\n")
	assert.Contains(t, joined, "event: tool_start")
	assert.Contains(t, joined, "chat.completion.chunk")
	assert.Contains(t, joined, `"content":"Here"`)
	assert.Contains(t, joined, `"finish_reason":"stop"`)
	assert.Equal(t, "data: [DONE]", frames[len(frames)-1])
}

type fakeStatus struct{}

func (fakeStatus) SystemStatus(ctx context.Context) (map[string]any, error) {
	return map[string]any{"scheduler": map[string]any{"tasks": 7}}, nil
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(&fakeDispatcher{}, nil, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status   string `json:"status"`
		OK       bool   `json:"ok"`
		Internet bool   `json:"internet"`
		UptimeS  *int64 `json:"uptime_s"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.OK)
	assert.True(t, health.Internet)
	require.NotNil(t, health.UptimeS)
}

func TestAdminStatusRequiresBearerToken(t *testing.T) {
	router := newTestRouter(&fakeDispatcher{}, fakeStatus{}, "sekrit")

	req := httptest.NewRequest(http.MethodGet, "/admin/system-status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/system-status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scheduler")
}

func TestMetricsEndpointExposed(t *testing.T) {
	router := newTestRouter(&fakeDispatcher{}, nil, "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
