package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdougie/uicollage/internal/models"
)

const (
	// InputCount is the number of images sent per request
	InputCount = 3
	// OutputCount is the number of reference images expected back
	OutputCount = 9

	serviceName  = "generation server"
	maxErrorBody = 4 << 10
)

// Client talks to the reference generation server
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the generation server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type calculationRequest struct {
	Images []string `json:"images"`
}

type calculationResponse struct {
	Images json.RawMessage `json:"images"`
}

// RequestReferences sends three base64 images and returns the nine generated
// references in server order. There are no retries.
func (c *Client) RequestReferences(ctx context.Context, images []string) ([]string, error) {
	if len(images) != InputCount {
		return nil, models.Invalid("exactly %d images are required, got %d", InputCount, len(images))
	}

	var resp calculationResponse
	if err := c.do(ctx, http.MethodPost, "/calculation", calculationRequest{Images: images}, &resp); err != nil {
		return nil, err
	}

	raw := bytes.TrimSpace(resp.Images)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, &models.InvalidResponseError{Msg: "images is missing or not an array"}
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &models.InvalidResponseError{Msg: "images must be an array of strings"}
	}
	if len(out) != OutputCount {
		return nil, &models.InvalidResponseError{Msg: fmt.Sprintf("expected %d images, got %d", OutputCount, len(out))}
	}
	return out, nil
}

type pingResponse struct {
	Message string `json:"message"`
}

// Ping checks that the generation server is reachable.
func (c *Client) Ping(ctx context.Context) (string, error) {
	var resp pingResponse
	if err := c.do(ctx, http.MethodGet, "/ping", nil, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.ServiceError{Service: serviceName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &models.ServiceError{Service: serviceName, Status: resp.StatusCode, Body: string(b)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &models.InvalidResponseError{Msg: fmt.Sprintf("decode body: %v", err)}
	}
	return nil
}
