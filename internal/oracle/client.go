package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const scorePath = "/score"

// Options parameterise the oracle HTTP client.
type Options struct {
	Endpoint  string
	APIKey    string
	ModelName string
	Timeout   time.Duration
	UserAgent string
}

// Client posts scoring batches to the oracle endpoint.
type Client struct {
	opts     Options
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

// NewClient constructs an oracle client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		opts:     opts,
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "oracle").Logger(),
	}
}

type scoreRequest struct {
	RequestID string    `json:"request_id"`
	Model     string    `json:"model,omitempty"`
	Market    MarketRef `json:"market"`
	Posts     []PostRef `json:"posts"`
}

// ScoreBatch sends one batch and validates the response shape. A response
// that fails validation rejects the whole batch.
func (c *Client) ScoreBatch(ctx context.Context, req Request) (Response, error) {
	if c.endpoint == "" {
		return Response{}, errors.New("oracle endpoint not configured")
	}
	if len(req.Posts) == 0 {
		return Response{}, nil
	}

	requestID := uuid.NewString()
	body, err := json.Marshal(scoreRequest{
		RequestID: requestID,
		Model:     c.opts.ModelName,
		Market:    req.Market,
		Posts:     req.Posts,
	})
	if err != nil {
		return Response{}, fmt.Errorf("encode score request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+scorePath, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read oracle response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("oracle error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var result Response
	if err := json.Unmarshal(payload, &result); err != nil {
		return Response{}, fmt.Errorf("decode oracle response: %w", err)
	}
	if err := ValidateResponse(req, result); err != nil {
		return Response{}, fmt.Errorf("invalid oracle response: %w", err)
	}

	c.logger.Debug().
		Str("request_id", requestID).
		Str("market_id", req.Market.MarketID).
		Int("posts", len(req.Posts)).
		Int("results", len(result.Results)).
		Msg("batch scored")
	return result, nil
}

var _ Scorer = (*Client)(nil)
