package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cobolgraph/internal/graph"
	"cobolgraph/internal/pipeline"
)

// HTTPEntityWorker calls a remote /entities worker. It satisfies
// pipeline.EntityWorker, so a stage configured with a worker URL fans out
// over HTTP instead of calling the LLM in-process.
type HTTPEntityWorker struct {
	URL    string
	Client *http.Client
}

// NewHTTPEntityWorker builds a worker client for the given base URL.
func NewHTTPEntityWorker(url string) *HTTPEntityWorker {
	return &HTTPEntityWorker{
		URL:    strings.TrimSuffix(url, "/"),
		Client: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Extract posts an extract request to the worker.
func (w *HTTPEntityWorker) Extract(ctx context.Context, req pipeline.EntityExtractRequest) ([]graph.Entity, error) {
	req.Mode = "extract"
	var resp pipeline.EntityWorkerResponse
	if err := postJSON(ctx, w.Client, w.URL+"/entities", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("worker error: %s", resp.Error)
	}
	return resp.Entities, nil
}

// Resolve posts a resolve request to the worker.
func (w *HTTPEntityWorker) Resolve(ctx context.Context, req pipeline.EntityResolveRequest) ([]graph.Entity, error) {
	req.Mode = "resolve"
	var resp pipeline.EntityWorkerResponse
	if err := postJSON(ctx, w.Client, w.URL+"/entities", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("worker error: %s", resp.Error)
	}
	return resp.Entities, nil
}

// HTTPFlowWorker calls a remote /flow worker. It satisfies
// pipeline.FlowWorker.
type HTTPFlowWorker struct {
	URL    string
	Client *http.Client
}

// NewHTTPFlowWorker builds a worker client for the given base URL.
func NewHTTPFlowWorker(url string) *HTTPFlowWorker {
	return &HTTPFlowWorker{
		URL:    strings.TrimSuffix(url, "/"),
		Client: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Analyze posts a flow request to the worker.
func (w *HTTPFlowWorker) Analyze(ctx context.Context, req pipeline.FlowRequest) (pipeline.FlowResponse, error) {
	var resp pipeline.FlowResponse
	if err := postJSON(ctx, w.Client, w.URL+"/flow", req, &resp); err != nil {
		return pipeline.FlowResponse{}, err
	}
	if resp.Error != "" {
		return pipeline.FlowResponse{}, fmt.Errorf("worker error: %s", resp.Error)
	}
	return resp, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("worker call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read worker response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unparseable worker response: %w", err)
	}
	return nil
}
