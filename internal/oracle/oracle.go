// Package oracle calls the external language-model scoring service that maps
// (market context, posts) to per-outcome scores and display labels.
package oracle

import (
	"context"
	"fmt"
)

// OutcomeRef identifies one outcome inside a scoring request.
type OutcomeRef struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// MarketRef carries the market context the oracle scores against.
type MarketRef struct {
	MarketID string       `json:"market_id"`
	Question string       `json:"question"`
	Outcomes []OutcomeRef `json:"outcomes"`
}

// AuthorRef is the author metadata forwarded to the oracle.
type AuthorRef struct {
	Verified  bool   `json:"verified"`
	Followers int64  `json:"followers"`
	Bio       string `json:"bio,omitempty"`
}

// MetricsRef carries engagement counts at scoring time.
type MetricsRef struct {
	Likes   int64 `json:"likes"`
	Reposts int64 `json:"reposts"`
	Replies int64 `json:"replies"`
	Quotes  int64 `json:"quotes"`
}

// PostRef is one post inside a scoring request.
type PostRef struct {
	PostID      string      `json:"post_id"`
	CreatedAtMS int64       `json:"created_at_ms"`
	Text        string      `json:"text"`
	Author      AuthorRef   `json:"author"`
	Metrics     *MetricsRef `json:"initial_metrics,omitempty"`
}

// Request is one scoring batch.
type Request struct {
	Market MarketRef `json:"market"`
	Posts  []PostRef `json:"posts"`
}

// Scores is the oracle's judgment of one post against one outcome.
type Scores struct {
	Relevance   float64 `json:"relevance"`
	Stance      float64 `json:"stance"`
	Strength    float64 `json:"strength"`
	Credibility float64 `json:"credibility"`
	Confidence  float64 `json:"confidence"`
}

// Flags are per-post stylistic signals, replicated across outcomes.
type Flags struct {
	IsSarcasm    bool `json:"is_sarcasm"`
	IsQuestion   bool `json:"is_question"`
	IsQuote      bool `json:"is_quote"`
	IsRumorStyle bool `json:"is_rumor_style"`
}

// DisplayLabels are the human-readable annotations shown alongside a post.
type DisplayLabels struct {
	Summary          string `json:"summary"`
	Reason           string `json:"reason"`
	CredibilityLabel string `json:"credibility_label"`
	StanceLabel      string `json:"stance_label"`
}

// PostResult is the scoring of one post. A missing outcome key in PerOutcome
// means zero relevance and zero stance; it is never synthesized.
type PostResult struct {
	PostID        string            `json:"post_id"`
	PerOutcome    map[string]Scores `json:"per_outcome"`
	Flags         Flags             `json:"flags"`
	DisplayLabels DisplayLabels     `json:"display_labels"`
}

// Response is the oracle's answer for one batch.
type Response struct {
	Results []PostResult `json:"results"`
}

// Scorer is the abstract oracle consumed by the scoring dispatcher.
type Scorer interface {
	ScoreBatch(ctx context.Context, req Request) (Response, error)
}

// ValidateResponse checks the response shape against the request: every
// result must name a post from the batch and carry a per-outcome map. Range
// violations inside scores are clamped downstream, not rejected here.
func ValidateResponse(req Request, res Response) error {
	requested := make(map[string]bool, len(req.Posts))
	for _, p := range req.Posts {
		requested[p.PostID] = true
	}

	for i, result := range res.Results {
		if result.PostID == "" {
			return fmt.Errorf("result %d: missing post_id", i)
		}
		if !requested[result.PostID] {
			return fmt.Errorf("result %d: unknown post_id %q", i, result.PostID)
		}
		if result.PerOutcome == nil {
			return fmt.Errorf("result %d: missing per_outcome", i)
		}
	}
	return nil
}
