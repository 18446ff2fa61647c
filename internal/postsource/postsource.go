// Package postsource talks to the external post source: recent-search queries
// plus the filter-rule registry. The wire shapes follow the X API v2
// conventions; everything is mapped into neutral types at the boundary.
package postsource

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimited is returned when the post source answers 429. Callers back
// off instead of treating it as a transient failure.
var ErrRateLimited = errors.New("postsource: rate limited")

// Rule is a registered filter rule. Tag carries the market id.
type Rule struct {
	ID    string
	Value string
	Tag   string
}

// Author carries the author metadata the engine weighs.
type Author struct {
	Username  string
	Verified  bool
	Followers int64
	CreatedAt *time.Time
}

// Metrics holds public engagement counts at fetch time.
type Metrics struct {
	Likes   int64
	Reposts int64
	Replies int64
	Quotes  int64
}

// Post is one candidate post returned by recent search.
type Post struct {
	ExternalID string
	Text       string
	AuthorID   string
	CreatedAt  time.Time
	Author     *Author
	Metrics    *Metrics
	IsReply    bool
	IsQuote    bool
}

// SearchMeta mirrors the source's paging metadata.
type SearchMeta struct {
	NewestID    string
	OldestID    string
	ResultCount int
	NextToken   string
}

// SearchResult bundles posts with paging metadata.
type SearchResult struct {
	Posts []Post
	Meta  SearchMeta
}

// Source is the abstract post source consumed by the ingestion dispatcher and
// the rule synchronizer.
type Source interface {
	GetRules(ctx context.Context) ([]Rule, error)
	AddRules(ctx context.Context, rules []Rule) ([]Rule, error)
	DeleteRules(ctx context.Context, ids []string) error
	SearchRecent(ctx context.Context, query string, maxResults int, sinceID string) (SearchResult, error)
}
