// Package transport delivers operations between peers through the server
// relay. The relay path is ordered and acknowledged; the direct peer
// channel (internal/peer) is best-effort. Receivers deduplicate by
// operation id, so delivery on both paths is always safe.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/canvas"
	"github.com/MarcoPoloResearchLab/easel/internal/op"
	"go.uber.org/zap"
)

const (
	submitPath  = "/api/canvas/operations"
	catchUpPath = "/api/canvas/catchup"
	streamPath  = "/api/canvas/stream"

	defaultRequestTimeout = 10 * time.Second
)

var (
	errMissingBaseURL = errors.New("transport: relay base url is required")
	// ErrDeliveryFailed indicates the relay did not acknowledge the
	// operation: network error, timeout, or a non-2xx response. The
	// operation belongs in the offline queue.
	ErrDeliveryFailed = errors.New("transport: delivery failed")
)

// ClientConfig describes the inputs required to build a Client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the relay's HTTP endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

// SubmitOperation posts one operation to the relay. Any outcome other
// than a 2xx response is a delivery failure.
func (c *Client) SubmitOperation(ctx context.Context, operation op.Operation) error {
	body, err := json.Marshal(operation)
	if err != nil {
		return fmt.Errorf("transport: encode operation: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+submitPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body) //nolint:errcheck

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: relay returned %d", ErrDeliveryFailed, response.StatusCode)
	}
	return nil
}

// CatchUpResponse mirrors the relay's catch-up body.
type CatchUpResponse struct {
	Snapshot        []canvas.CanvasObject `json:"snapshot"`
	OperationsSince []op.Operation        `json:"operations_since"`
}

// CatchUp fetches the authoritative snapshot and the operations newer
// than the client's last seen logical time.
func (c *Client) CatchUp(ctx context.Context, lastSeen op.LogicalTime) (CatchUpResponse, error) {
	url := c.baseURL + catchUpPath + "?last_seen_logical_time=" + strconv.FormatInt(int64(lastSeen), 10)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return CatchUpResponse{}, fmt.Errorf("transport: build request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return CatchUpResponse{}, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return CatchUpResponse{}, fmt.Errorf("%w: relay returned %d", ErrDeliveryFailed, response.StatusCode)
	}
	var decoded CatchUpResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return CatchUpResponse{}, fmt.Errorf("transport: decode catch-up response: %w", err)
	}
	return decoded, nil
}

// StreamURL converts the relay base URL into the websocket stream URL.
func (c *Client) StreamURL() string {
	url := c.baseURL + streamPath
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
