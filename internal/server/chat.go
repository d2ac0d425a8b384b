package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"antigravity/internal/llm"
	"antigravity/internal/logging"
	"antigravity/internal/nexus"
)

// Dispatcher is the regulator's streaming surface; all chat flows through it.
type Dispatcher interface {
	Dispatch(ctx context.Context, messages []llm.Message, model, requestID string) <-chan nexus.Event
}

// ChatHandler serves the OpenAI-compatible completion endpoint.
type ChatHandler struct {
	dispatcher Dispatcher
	model      string
	logger     logging.Logger
	now        func() time.Time
}

// NewChatHandler wires the chat endpoint to the regulator.
func NewChatHandler(dispatcher Dispatcher, defaultModel string, logger logging.Logger) *ChatHandler {
	return &ChatHandler{
		dispatcher: dispatcher,
		model:      defaultModel,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
}

type chatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// HandleChatCompletions accepts an OpenAI-style body and either returns a
// full completion object or streams SSE chunks.
func (h *ChatHandler) HandleChatCompletions(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages required"})
		return
	}

	messages := make([]llm.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	model := req.Model
	if model == "" {
		model = h.model
	}
	requestID := requestIDFrom(c)

	events := h.dispatcher.Dispatch(c.Request.Context(), messages, model, requestID)
	if req.Stream {
		h.streamCompletion(c, events, model, requestID)
		return
	}
	h.collectCompletion(c, events, model, requestID)
}

// collectCompletion drains the event stream and answers with one completion
// object.
func (h *ChatHandler) collectCompletion(c *gin.Context, events <-chan nexus.Event, model, requestID string) {
	var content strings.Builder
	var final string
	for ev := range events {
		switch ev.Type {
		case nexus.EventToken:
			content.WriteString(ev.Token)
		case nexus.EventDone:
			final = ev.Content
		case nexus.EventError:
			h.logger.Warn("Chat %s failed: %s", requestID, ev.Err)
			c.JSON(http.StatusBadGateway, gin.H{"error": ev.Err})
			return
		}
	}
	// Prefer the accumulated token text: trigger actions surface their
	// rendered output as tokens ahead of any agent reply.
	if text := content.String(); text != "" {
		final = text
	}

	c.JSON(http.StatusOK, gin.H{
		"id":      "chatcmpl-" + requestID,
		"object":  "chat.completion",
		"created": h.now().Unix(),
		"model":   model,
		"choices": []gin.H{{
			"index":         0,
			"message":       gin.H{"role": "assistant", "content": final},
			"finish_reason": "stop",
		}},
	})
}

// streamCompletion forwards the event stream as SSE. Tokens become OpenAI
// chunk frames; other event kinds ride as named events so UI layers can
// render tool activity.
func (h *ChatHandler) streamCompletion(c *gin.Context, events <-chan nexus.Event, model, requestID string) {
	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			h.writeEvent(w, ev, model, requestID)
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *ChatHandler) writeEvent(w http.ResponseWriter, ev nexus.Event, model, requestID string) {
	switch ev.Type {
	case nexus.EventToken:
		chunk, _ := json.Marshal(gin.H{
			"id":      "chatcmpl-" + requestID,
			"object":  "chat.completion.chunk",
			"created": h.now().Unix(),
			"model":   model,
			"choices": []gin.H{{
				"index":         0,
				"delta":         gin.H{"content": ev.Token},
				"finish_reason": nil,
			}},
		})
		fmt.Fprintf(w, "data: %s\n\n", chunk)

	case nexus.EventDone:
		chunk, _ := json.Marshal(gin.H{
			"id":      "chatcmpl-" + requestID,
			"object":  "chat.completion.chunk",
			"created": h.now().Unix(),
			"model":   model,
			"choices": []gin.H{{
				"index":         0,
				"delta":         gin.H{},
				"finish_reason": "stop",
			}},
		})
		fmt.Fprintf(w, "data: %s\n\n", chunk)

	default:
		payload, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("Serialize event %s: %v", ev.Type, err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	}
}
