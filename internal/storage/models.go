package storage

import (
	"time"
)

// Market statuses; only active markets are processed by the pipeline.
const (
	MarketStatusActive   = "active"
	MarketStatusClosed   = "closed"
	MarketStatusResolved = "resolved"
)

// Market is a user question with a fixed outcome set.
type Market struct {
	ID                  string
	Question            string
	NormalizedQuestion  string
	Status              string
	FilterTemplates     []string
	TotalPostsProcessed int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Outcome is one candidate answer within a market.
type Outcome struct {
	MarketID           string
	Key                string
	Label              string
	PriorProbability   *float64
	CurrentProbability float64
	SortOrder          int
}

// RawPost is a post ingested for a specific market, immutable after insert
// apart from the is_active flag.
type RawPost struct {
	ID              int64
	ExternalPostID  string
	MarketID        string
	Text            string
	AuthorID        string
	AuthorUsername  string
	AuthorFollowers *int64
	AuthorVerified  bool
	AuthorCreatedAt *time.Time
	PostCreatedAt   time.Time
	IngestedAt      time.Time

	Likes   *int64
	Reposts *int64
	Replies *int64
	Quotes  *int64

	CashtagCount int
	MentionCount int
	URLCount     int
	CapsRatio    float64
	IsReply      bool
	IsQuote      bool

	IsActive bool
}

// ScoredPost is the scoring of one raw post against one outcome.
type ScoredPost struct {
	RawPostID  int64
	MarketID   string
	OutcomeKey string

	Relevance   float64
	Stance      float64
	Strength    float64
	Credibility float64
	Confidence  float64

	IsSarcasm    bool
	IsQuestion   bool
	IsQuote      bool
	IsRumorStyle bool

	Summary          string
	Reason           string
	CredibilityLabel string
	StanceLabel      string

	ScoredAt time.Time
}

// MarketState is the current probability vector of a market.
type MarketState struct {
	MarketID          string
	Probabilities     map[string]float64
	UpdatedAt         time.Time
	AcceptedPostCount int
}

// Snapshot is one append-only history entry of a market's probabilities.
type Snapshot struct {
	MarketID      string
	Timestamp     time.Time
	Probabilities map[string]float64
}

// FilterRule tracks a filter registered against the external post source.
// The tag always equals the market id.
type FilterRule struct {
	MarketID       string
	ExternalRuleID string
	Value          string
	Tag            string
	CreatedAt      time.Time
}
