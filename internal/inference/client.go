// Package inference talks to the model-serving collaborators: the mask,
// embedding and keypoint processors and the pair-scoring candidate source.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kiranshivaraju/matchflow/pkg/models"
)

// Task names accepted by the processing endpoint.
const (
	TaskSegment   = "segment"
	TaskEmbed     = "embed"
	TaskKeypoints = "keypoints"
)

// Client is an HTTP client for the inference service. Every call is bounded
// by the client timeout.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new inference client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type processRequest struct {
	JobID   string `json:"job_id"`
	AssetID string `json:"asset_id"`
	OwnerID string `json:"owner_id,omitempty"`
	URI     string `json:"uri,omitempty"`
}

type processResponse struct {
	URI string `json:"uri"`
}

// Process runs task on one asset and returns the asset event describing
// the output artifact.
func (c *Client) Process(ctx context.Context, task string, ev models.AssetEvent) (models.AssetEvent, error) {
	req := processRequest{JobID: ev.JobID, AssetID: ev.AssetID, OwnerID: ev.OwnerID, URI: ev.URI}
	var resp processResponse
	if err := c.post(ctx, "/v1/process/"+task, req, &resp); err != nil {
		return models.AssetEvent{}, err
	}
	if resp.URI == "" {
		return models.AssetEvent{}, fmt.Errorf("%w: %s returned no uri", ErrInvalidResponse, task)
	}

	out := ev
	out.EventID = ""
	out.URI = resp.URI
	return out, nil
}

type candidatesResponse struct {
	Pairs []models.PairCandidates `json:"pairs"`
}

// Candidates returns the scored (image, frame) candidates of every pair in
// the request's product and video sets.
func (c *Client) Candidates(ctx context.Context, req models.MatchRequest) ([]models.PairCandidates, error) {
	var resp candidatesResponse
	if err := c.post(ctx, "/v1/match/candidates", req, &resp); err != nil {
		return nil, err
	}
	for i, p := range resp.Pairs {
		if p.ProductID == "" || p.VideoID == "" {
			return nil, fmt.Errorf("%w: pairs[%d] is missing product_id or video_id", ErrInvalidResponse, i)
		}
	}
	return resp.Pairs, nil
}

// Ready checks the service health endpoint.
func (c *Client) Ready(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: not ready (status %d)", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// Task binds the client to one processing task.
func (c *Client) Task(name string) *Task {
	return &Task{client: c, name: name}
}

// Task is a single inference task usable as a stage processor.
type Task struct {
	client *Client
	name   string
}

func (t *Task) Process(ctx context.Context, ev models.AssetEvent) (models.AssetEvent, error) {
	return t.client.Process(ctx, t.name, ev)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s status %d", ErrUnavailable, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s status %d: %s", ErrRejected, path, resp.StatusCode, bytes.TrimSpace(msg))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s status %d", ErrInvalidResponse, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrInvalidResponse, path, err)
	}
	return nil
}
