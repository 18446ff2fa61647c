package postsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.twitter.com/2"

	searchPath = "/tweets/search/recent"
	rulesPath  = "/tweets/search/stream/rules"

	// Recent search allows 180 requests per 15 minutes on most tiers; pace
	// well under that so rule management fits in the same budget.
	defaultRequestsPerSec = 0.15
)

// Options parameterise the HTTP client.
type Options struct {
	BaseURL        string
	BearerToken    string
	Timeout        time.Duration
	RequestsPerSec float64
	UserAgent      string
}

// Client is the HTTP post source client with outbound pacing.
type Client struct {
	opts    Options
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewClient constructs a post source client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	rps := opts.RequestsPerSec
	if rps <= 0 {
		rps = defaultRequestsPerSec
	}

	return &Client{
		opts:    opts,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.With().Str("component", "postsource").Logger(),
	}
}

// SearchRecent queries posts matching the filter query, newer than sinceID
// when given.
func (c *Client) SearchRecent(ctx context.Context, query string, maxResults int, sinceID string) (SearchResult, error) {
	params := url.Values{}
	params.Set("query", query)
	if maxResults > 0 {
		params.Set("max_results", strconv.Itoa(maxResults))
	}
	if sinceID != "" {
		params.Set("since_id", sinceID)
	}
	params.Set("tweet.fields", "created_at,author_id,public_metrics,referenced_tweets")
	params.Set("expansions", "author_id")
	params.Set("user.fields", "username,verified,public_metrics,created_at")

	var payload searchResponse
	if err := c.do(ctx, http.MethodGet, searchPath+"?"+params.Encode(), nil, &payload); err != nil {
		return SearchResult{}, err
	}

	return mapSearchResponse(payload), nil
}

// GetRules lists the filter rules currently registered with the source.
func (c *Client) GetRules(ctx context.Context) ([]Rule, error) {
	var payload rulesResponse
	if err := c.do(ctx, http.MethodGet, rulesPath, nil, &payload); err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(payload.Data))
	for _, r := range payload.Data {
		rules = append(rules, Rule{ID: r.ID, Value: r.Value, Tag: r.Tag})
	}
	return rules, nil
}

// AddRules registers new filter rules and returns them with issued ids.
func (c *Client) AddRules(ctx context.Context, rules []Rule) ([]Rule, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	add := make([]wireRule, 0, len(rules))
	for _, r := range rules {
		add = append(add, wireRule{Value: r.Value, Tag: r.Tag})
	}

	var payload rulesResponse
	if err := c.do(ctx, http.MethodPost, rulesPath, rulesRequest{Add: add}, &payload); err != nil {
		return nil, err
	}

	issued := make([]Rule, 0, len(payload.Data))
	for _, r := range payload.Data {
		issued = append(issued, Rule{ID: r.ID, Value: r.Value, Tag: r.Tag})
	}
	return issued, nil
}

// DeleteRules removes filter rules by id.
func (c *Client) DeleteRules(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := rulesRequest{Delete: &ruleDelete{IDs: ids}}
	return c.do(ctx, http.MethodPost, rulesPath, body, &rulesResponse{})
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.BearerToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post source request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.Warn().Str("path", path).Msg("post source rate limit hit")
		return ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, payload)
	}

	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type wireRule struct {
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
	Tag   string `json:"tag,omitempty"`
}

type ruleDelete struct {
	IDs []string `json:"ids"`
}

type rulesRequest struct {
	Add    []wireRule  `json:"add,omitempty"`
	Delete *ruleDelete `json:"delete,omitempty"`
}

type rulesResponse struct {
	Data []wireRule `json:"data"`
}

type wirePublicMetrics struct {
	LikeCount    int64 `json:"like_count"`
	RetweetCount int64 `json:"retweet_count"`
	ReplyCount   int64 `json:"reply_count"`
	QuoteCount   int64 `json:"quote_count"`
}

type wireReference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type wireTweet struct {
	ID               string             `json:"id"`
	Text             string             `json:"text"`
	AuthorID         string             `json:"author_id"`
	CreatedAt        time.Time          `json:"created_at"`
	PublicMetrics    *wirePublicMetrics `json:"public_metrics"`
	ReferencedTweets []wireReference    `json:"referenced_tweets"`
}

type wireUserMetrics struct {
	FollowersCount int64 `json:"followers_count"`
}

type wireUser struct {
	ID            string           `json:"id"`
	Username      string           `json:"username"`
	Verified      bool             `json:"verified"`
	PublicMetrics *wireUserMetrics `json:"public_metrics"`
	CreatedAt     *time.Time       `json:"created_at"`
}

type searchResponse struct {
	Data     []wireTweet `json:"data"`
	Includes struct {
		Users []wireUser `json:"users"`
	} `json:"includes"`
	Meta struct {
		NewestID    string `json:"newest_id"`
		OldestID    string `json:"oldest_id"`
		ResultCount int    `json:"result_count"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
}

func mapSearchResponse(payload searchResponse) SearchResult {
	users := make(map[string]wireUser, len(payload.Includes.Users))
	for _, u := range payload.Includes.Users {
		users[u.ID] = u
	}

	posts := make([]Post, 0, len(payload.Data))
	for _, t := range payload.Data {
		post := Post{
			ExternalID: t.ID,
			Text:       t.Text,
			AuthorID:   t.AuthorID,
			CreatedAt:  t.CreatedAt,
		}
		if t.PublicMetrics != nil {
			post.Metrics = &Metrics{
				Likes:   t.PublicMetrics.LikeCount,
				Reposts: t.PublicMetrics.RetweetCount,
				Replies: t.PublicMetrics.ReplyCount,
				Quotes:  t.PublicMetrics.QuoteCount,
			}
		}
		for _, ref := range t.ReferencedTweets {
			switch ref.Type {
			case "replied_to":
				post.IsReply = true
			case "quoted":
				post.IsQuote = true
			}
		}
		if u, ok := users[t.AuthorID]; ok {
			author := Author{
				Username:  u.Username,
				Verified:  u.Verified,
				CreatedAt: u.CreatedAt,
			}
			if u.PublicMetrics != nil {
				author.Followers = u.PublicMetrics.FollowersCount
			}
			post.Author = &author
		}
		posts = append(posts, post)
	}

	return SearchResult{
		Posts: posts,
		Meta: SearchMeta{
			NewestID:    payload.Meta.NewestID,
			OldestID:    payload.Meta.OldestID,
			ResultCount: payload.Meta.ResultCount,
			NextToken:   payload.Meta.NextToken,
		},
	}
}

type errorResponse struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func parseAPIError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Detail != "" {
			return fmt.Errorf("post source error (%d): %s", status, apiErr.Detail)
		}
		if apiErr.Title != "" {
			return fmt.Errorf("post source error (%d): %s", status, apiErr.Title)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("post source error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("post source error (%d)", status)
}

var _ Source = (*Client)(nil)
