// Package scoring batches unscored posts, calls the scoring oracle, and
// persists one scored row per outcome.
package scoring

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"pulsemarket/internal/metrics"
	"pulsemarket/internal/oracle"
	"pulsemarket/internal/storage"
)

const defaultBatchSize = 8

// Dispatcher scores pending posts for one market per call.
type Dispatcher struct {
	scorer oracle.Scorer
	store  storage.ScoreStore
	logger zerolog.Logger
}

// New constructs a scoring dispatcher.
func New(scorer oracle.Scorer, store storage.ScoreStore, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		scorer: scorer,
		store:  store,
		logger: logger.With().Str("component", "scoring").Logger(),
	}
}

// ScoreUnscored fetches up to batchSize unscored posts, sends them to the
// oracle, and upserts the expanded per-outcome rows. It returns the number of
// posts scored. A response failing validation rejects the whole batch.
func (d *Dispatcher) ScoreUnscored(ctx context.Context, market storage.Market, outcomes []storage.Outcome, batchSize int) (int, error) {
	if len(outcomes) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	pending, err := d.store.ListUnscoredRawPosts(ctx, market.ID, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list unscored posts: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	req := buildRequest(market, outcomes, pending)

	res, err := d.scorer.ScoreBatch(ctx, req)
	if err != nil {
		metrics.OracleErrors.Inc()
		return 0, err
	}

	rowsByPost := make(map[string]int64, len(pending))
	for _, post := range pending {
		rowsByPost[strconv.FormatInt(post.ID, 10)] = post.ID
	}

	scoredAt := time.Now().UTC()
	rows := make([]storage.ScoredPost, 0, len(res.Results)*len(outcomes))
	for _, result := range res.Results {
		rawPostID, ok := rowsByPost[result.PostID]
		if !ok {
			// ValidateResponse already rejects unknown ids; guard anyway.
			continue
		}
		rows = append(rows, expandResult(rawPostID, market.ID, outcomes, result, scoredAt)...)
	}

	if err := d.store.UpsertScoredPosts(ctx, rows); err != nil {
		return 0, fmt.Errorf("persist scored rows: %w", err)
	}

	scored := len(res.Results)
	metrics.PostsScored.Add(float64(scored))
	d.logger.Info().
		Str("market_id", market.ID).
		Int("batch", len(pending)).
		Int("scored", scored).
		Msg("scoring pass complete")
	return scored, nil
}

func buildRequest(market storage.Market, outcomes []storage.Outcome, pending []storage.RawPost) oracle.Request {
	refs := make([]oracle.OutcomeRef, 0, len(outcomes))
	for _, outcome := range outcomes {
		refs = append(refs, oracle.OutcomeRef{ID: outcome.Key, Label: outcome.Label})
	}

	posts := make([]oracle.PostRef, 0, len(pending))
	for _, post := range pending {
		ref := oracle.PostRef{
			PostID:      strconv.FormatInt(post.ID, 10),
			CreatedAtMS: post.PostCreatedAt.UnixMilli(),
			Text:        post.Text,
			Author:      oracle.AuthorRef{Verified: post.AuthorVerified},
		}
		if post.AuthorFollowers != nil {
			ref.Author.Followers = *post.AuthorFollowers
		}
		if post.Likes != nil || post.Reposts != nil || post.Replies != nil || post.Quotes != nil {
			ref.Metrics = &oracle.MetricsRef{
				Likes:   valueOrZero(post.Likes),
				Reposts: valueOrZero(post.Reposts),
				Replies: valueOrZero(post.Replies),
				Quotes:  valueOrZero(post.Quotes),
			}
		}
		posts = append(posts, ref)
	}

	return oracle.Request{
		Market: oracle.MarketRef{
			MarketID: market.ID,
			Question: market.Question,
			Outcomes: refs,
		},
		Posts: posts,
	}
}

// expandResult turns one oracle result into one scored row per outcome. A
// missing outcome key yields a zero-relevance, zero-stance row so the engine
// sees it as neutral rather than synthesized evidence.
func expandResult(rawPostID int64, marketID string, outcomes []storage.Outcome, result oracle.PostResult, scoredAt time.Time) []storage.ScoredPost {
	rows := make([]storage.ScoredPost, 0, len(outcomes))
	for _, outcome := range outcomes {
		scores := result.PerOutcome[outcome.Key]
		rows = append(rows, storage.ScoredPost{
			RawPostID:  rawPostID,
			MarketID:   marketID,
			OutcomeKey: outcome.Key,

			Relevance:   scores.Relevance,
			Stance:      scores.Stance,
			Strength:    scores.Strength,
			Credibility: scores.Credibility,
			Confidence:  scores.Confidence,

			IsSarcasm:    result.Flags.IsSarcasm,
			IsQuestion:   result.Flags.IsQuestion,
			IsQuote:      result.Flags.IsQuote,
			IsRumorStyle: result.Flags.IsRumorStyle,

			Summary:          result.DisplayLabels.Summary,
			Reason:           result.DisplayLabels.Reason,
			CredibilityLabel: result.DisplayLabels.CredibilityLabel,
			StanceLabel:      result.DisplayLabels.StanceLabel,

			ScoredAt: scoredAt,
		})
	}
	return rows
}

func valueOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
