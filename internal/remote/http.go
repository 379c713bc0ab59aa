package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmendes/pomosync/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// HTTPClient talks to the sync API server over JSON/HTTP. Entity types map
// to collections (/tasks, /projects, /sessions); failures are classified by
// status: connection errors, timeouts and 5xx are transient, 409 is a
// version conflict, every other 4xx is permanent.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for the API server at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultClientTimeout},
	}
}

func collectionPath(entityType models.EntityType) string {
	return "/" + string(entityType) + "s"
}

// classify maps a response status to the error taxonomy. Anything below 400
// is success.
func classify(status int, body []byte) error {
	switch {
	case status < 400:
		return nil
	case status >= 500:
		return &TransientError{Err: fmt.Errorf("API error (%d): %s", status, strings.TrimSpace(string(body)))}
	default:
		return &PermanentError{Status: status, Err: fmt.Errorf("API error (%d): %s", status, strings.TrimSpace(string(body)))}
	}
}

func (c *HTTPClient) do(req *http.Request) (int, []byte, error) {
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &TransientError{Err: err}
	}
	return resp.StatusCode, body, nil
}

// Create implements Client.
func (c *HTTPClient) Create(ctx context.Context, entityType models.EntityType, payload []byte, idempotencyKey string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+collectionPath(entityType), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Idempotency-Key", idempotencyKey)

	status, body, err := c.do(req)
	if err != nil {
		return "", err
	}
	if err := classify(status, body); err != nil {
		return "", err
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse create response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("create response missing id")
	}
	return result.ID, nil
}

type updateRequest struct {
	Payload         json.RawMessage `json:"payload"`
	ExpectedVersion int64           `json:"expected_version"`
}

// Update implements Client. A 409 response body is parsed into a
// ConflictError carrying the server's current version of the record.
func (c *HTTPClient) Update(ctx context.Context, entityType models.EntityType, remoteID string, payload []byte, expectedVersion int64) error {
	reqBody, err := json.Marshal(updateRequest{Payload: payload, ExpectedVersion: expectedVersion})
	if err != nil {
		return fmt.Errorf("marshal update request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+collectionPath(entityType)+"/"+remoteID, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	status, body, err := c.do(req)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		conflict := &ConflictError{}
		if err := json.Unmarshal(body, conflict); err != nil {
			return fmt.Errorf("parse conflict response: %w", err)
		}
		return conflict
	}
	return classify(status, body)
}

// Delete implements Client. A 404 counts as success: the record is already
// gone server-side.
func (c *HTTPClient) Delete(ctx context.Context, entityType models.EntityType, remoteID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+collectionPath(entityType)+"/"+remoteID, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	status, body, err := c.do(req)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	return classify(status, body)
}

// List implements Client.
func (c *HTTPClient) List(ctx context.Context, entityType models.EntityType) ([]Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+collectionPath(entityType), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if err := classify(status, body); err != nil {
		return nil, err
	}

	var objects []Object
	if err := json.Unmarshal(body, &objects); err != nil {
		return nil, fmt.Errorf("parse list response: %w", err)
	}
	return objects, nil
}

// Health probes the server's health endpoint. Any error means the server
// should be treated as unreachable.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
