package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"antigravity/internal/logging"
)

// IngestRequest is the retrieval backend's /ingest body.
type IngestRequest struct {
	Filename    string         `json:"filename"`
	Content     string         `json:"content"`
	KBID        string         `json:"kb_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	PrependText string         `json:"prepend_text,omitempty"`
}

// RetrievalClient submits extracted documents to the retrieval backend.
type RetrievalClient struct {
	baseURL string
	http    *http.Client
	logger  logging.Logger
}

// NewRetrievalClient creates a client for one backend base URL.
func NewRetrievalClient(baseURL string, logger logging.Logger) *RetrievalClient {
	return &RetrievalClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 120 * time.Second},
		logger:  logging.OrNop(logger),
	}
}

// Ingest POSTs one document.
func (c *RetrievalClient) Ingest(ctx context.Context, req IngestRequest) error {
	return c.post(ctx, "/ingest", req)
}

// IngestGraph POSTs mined graph structure.
func (c *RetrievalClient) IngestGraph(ctx context.Context, payload GraphPayload) error {
	return c.post(ctx, "/ingest/graph", payload)
}

func (c *RetrievalClient) post(ctx context.Context, path string, body any) error {
	if c.baseURL == "" {
		return fmt.Errorf("retrieval backend not configured")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("retrieval %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("retrieval %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
