package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gelotto/zimage-studio/internal/models"
)

// StatusError is returned when the backend answers with a non-2xx status
type StatusError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s failed: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("%s failed: %s - %s", e.Op, e.Status, body)
}

// APIClient handles communication with the generation backend
type APIClient struct {
	baseURL string
	apiKey  string
	// httpClient is used for plain request/response calls
	httpClient *http.Client
	// streamClient has no overall timeout; stream lifetimes are bounded by context
	streamClient *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL, apiKey string) *APIClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute, // model load on first generation can be slow
		IdleConnTimeout:       90 * time.Second,
	}

	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			// image batches are base64 PNGs and can be tens of MB
			Timeout:   2 * time.Minute,
			Transport: transport,
		},
		streamClient: &http.Client{
			Transport: transport,
		},
	}
}

// BaseURL returns the backend URL the client talks to
func (c *APIClient) BaseURL() string {
	return c.baseURL
}

// SetAPIKey updates the API key used for authentication
func (c *APIClient) SetAPIKey(apiKey string) {
	c.apiKey = apiKey
}

// OpenStream starts a generation and returns the raw chunked response body.
// The caller owns the body and must close it; cancelling ctx aborts pending reads.
func (c *APIClient) OpenStream(ctx context.Context, req models.GenerationRequest) (io.ReadCloser, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/generate/stream", req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, newStatusError("generate stream", resp)
	}

	return resp.Body, nil
}

// GetImages fetches the image batch of a completed session
func (c *APIClient) GetImages(ctx context.Context, sessionID string) ([]models.GeneratedImage, error) {
	var out models.ImagesResponse
	path := "/get_images/" + url.PathEscape(sessionID)
	if err := c.getJSON(ctx, "get images", path, &out); err != nil {
		return nil, err
	}
	return out.Images, nil
}

// GetHistory fetches the full generation history, oldest first
func (c *APIClient) GetHistory(ctx context.Context) ([]models.HistoryItem, error) {
	var items []models.HistoryItem
	if err := c.getJSON(ctx, "get history", "/history", &items); err != nil {
		return nil, err
	}
	return items, nil
}

// ClearHistory deletes all persisted history
func (c *APIClient) ClearHistory(ctx context.Context) error {
	return c.do(ctx, "clear history", http.MethodDelete, "/history", nil, nil)
}

// GetSettings fetches the backend model settings
func (c *APIClient) GetSettings(ctx context.Context) (*models.BackendSettings, error) {
	var settings models.BackendSettings
	if err := c.getJSON(ctx, "get settings", "/settings", &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// SetModelPath updates the model cache directory and CPU offload flag.
// The backend reloads the model on the next generation.
func (c *APIClient) SetModelPath(ctx context.Context, req models.ModelPathRequest) (*models.StatusResponse, error) {
	var out models.StatusResponse
	if err := c.do(ctx, "set model path", http.MethodPost, "/settings/model-path", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetGPUInfo fetches GPU information from the backend
func (c *APIClient) GetGPUInfo(ctx context.Context) (*models.GPUInfo, error) {
	var info models.GPUInfo
	if err := c.getJSON(ctx, "get gpu info", "/gpu-info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// HealthCheck tests connectivity to the API
func (c *APIClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach API at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	return nil
}

func (c *APIClient) getJSON(ctx context.Context, op, path string, respBody interface{}) error {
	return c.do(ctx, op, http.MethodGet, path, nil, respBody)
}

func (c *APIClient) do(ctx context.Context, op, method, path string, reqBody interface{}, respBody interface{}) error {
	req, err := c.newRequest(ctx, method, path, reqBody)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newStatusError(op, resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("%s: failed to decode response: %w", op, err)
		}
	}

	return nil
}

func (c *APIClient) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	return req, nil
}

func newStatusError(op string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
}
