// Package pipeline sequences the per-market refresh: ingest, score, compute,
// snapshot. Ingest and score failures are recorded but never prevent the
// compute stage; all writes are idempotent upserts on natural keys.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pulsemarket/internal/engine"
	"pulsemarket/internal/ingest"
	"pulsemarket/internal/metrics"
	"pulsemarket/internal/postsource"
	"pulsemarket/internal/scoring"
	"pulsemarket/internal/storage"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	storage.MarketStore
	storage.PostStore
	storage.ScoreStore
	storage.StateStore
}

// Statuses of a per-tick result.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Result is the user-visible outcome of one refresh tick.
type Result struct {
	Status         string             `json:"status"`
	MarketID       string             `json:"market_id,omitempty"`
	TweetsFetched  int                `json:"tweets_fetched"`
	TweetsIngested int                `json:"tweets_ingested"`
	PostsScored    int                `json:"posts_scored"`
	Probabilities  map[string]float64 `json:"probabilities,omitempty"`
	DurationMS     int64              `json:"duration_ms"`
	Errors         []string           `json:"errors"`

	// rateLimited marks a 429 from the post source during this tick so
	// RefreshAll can apply its cooldown without parsing error strings.
	rateLimited bool
}

// Options tune the orchestrator.
type Options struct {
	MinRefreshInterval time.Duration
	ScoreBatch         int
	InterMarketDelay   time.Duration
	RateLimitCooldown  time.Duration
}

// Orchestrator drives the per-market pipeline.
type Orchestrator struct {
	store   Store
	ingest  *ingest.Dispatcher
	scoring *scoring.Dispatcher
	opts    Options
	logger  zerolog.Logger

	// now is swappable for deterministic tests; the engine itself always
	// receives time as a parameter.
	now func() time.Time
}

// New constructs the orchestrator.
func New(store Store, ingestDispatcher *ingest.Dispatcher, scoringDispatcher *scoring.Dispatcher, opts Options, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		ingest:  ingestDispatcher,
		scoring: scoringDispatcher,
		opts:    opts,
		logger:  logger.With().Str("component", "pipeline").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Refresh runs one full tick for a market: ingest, score, compute, snapshot.
func (o *Orchestrator) Refresh(ctx context.Context, marketID string) (Result, error) {
	started := o.now()
	result := Result{Status: StatusSuccess, MarketID: marketID, Errors: []string{}}

	if marketID == "" {
		return o.fail(result, started, ErrInvalidInput)
	}

	market, err := o.store.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return o.fail(result, started, ErrNotFound)
		}
		return o.fail(result, started, fmt.Errorf("%w: %v", ErrStore, err))
	}
	if market.Status != storage.MarketStatusActive {
		return o.fail(result, started, ErrInactive)
	}

	if o.rateLimited(ctx, marketID, started) {
		metrics.Refreshes.WithLabelValues("rate_limited").Inc()
		return o.fail(result, started, ErrRateLimited)
	}

	// Stage 1: ingest. Errors recorded; the pipeline continues.
	ingested, err := o.ingest.IngestForMarket(ctx, market)
	result.TweetsFetched = ingested.Fetched
	result.TweetsIngested = ingested.Ingested
	if err != nil {
		if errors.Is(err, postsource.ErrRateLimited) {
			result.rateLimited = true
			result.Errors = append(result.Errors, stageError("ingest", err))
			o.logger.Warn().Str("market_id", marketID).Msg("post source rate limited during ingest")
		} else {
			result.Errors = append(result.Errors, stageError("ingest", fmt.Errorf("%w: %v", ErrUpstreamPostSource, err)))
		}
	}

	outcomes, err := o.store.ListOutcomes(ctx, marketID)
	if err != nil {
		result.Errors = append(result.Errors, stageError("outcomes", err))
	}

	// Stage 2: score. Needs outcomes; errors recorded.
	if len(outcomes) > 0 {
		scored, err := o.scoring.ScoreUnscored(ctx, market, outcomes, o.opts.ScoreBatch)
		result.PostsScored = scored
		if err != nil {
			result.Errors = append(result.Errors, stageError("score", fmt.Errorf("%w: %v", ErrUpstreamOracle, err)))
		}
	}

	// Stage 3: compute. Always runs when outcomes exist.
	now := o.now()
	probs, accepted, err := o.compute(ctx, marketID, outcomes, now)
	if err != nil {
		result.Errors = append(result.Errors, stageError("compute", err))
	} else {
		result.Probabilities = probs

		if err := o.persistState(ctx, marketID, outcomes, probs, accepted, now); err != nil {
			result.Errors = append(result.Errors, stageError("persist", err))
		}
	}

	if count, err := o.store.CountRawPosts(ctx, marketID); err != nil {
		result.Errors = append(result.Errors, stageError("post_count", err))
	} else if err := o.store.SetMarketPostCount(ctx, marketID, count); err != nil {
		result.Errors = append(result.Errors, stageError("post_count", err))
	}

	result.DurationMS = o.now().Sub(started).Milliseconds()
	if len(result.Errors) > 0 {
		result.Status = StatusPartial
	}
	metrics.Refreshes.WithLabelValues(result.Status).Inc()

	o.logger.Info().
		Str("market_id", marketID).
		Str("status", result.Status).
		Int("fetched", result.TweetsFetched).
		Int("ingested", result.TweetsIngested).
		Int("scored", result.PostsScored).
		Int64("duration_ms", result.DurationMS).
		Msg("refresh complete")
	return result, nil
}

// RefreshAll iterates active markets sequentially with a fixed inter-market
// delay; a rate-limit error from the post source adds a longer cooldown.
func (o *Orchestrator) RefreshAll(ctx context.Context) ([]Result, error) {
	markets, err := o.store.ListActiveMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	results := make([]Result, 0, len(markets))
	for i, market := range markets {
		if i > 0 {
			delay := o.opts.InterMarketDelay
			if err := sleep(ctx, delay); err != nil {
				return results, err
			}
		}

		result, err := o.Refresh(ctx, market.ID)
		if err != nil && !errors.Is(err, ErrRateLimited) {
			o.logger.Error().Err(err).Str("market_id", market.ID).Msg("refresh failed")
		}
		results = append(results, result)

		if sawRateLimit(result) {
			o.logger.Warn().
				Str("market_id", market.ID).
				Dur("cooldown", o.opts.RateLimitCooldown).
				Msg("cooling down after rate limit")
			if err := sleep(ctx, o.opts.RateLimitCooldown); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

// rateLimited applies the local guard: a recent update that accepted posts
// blocks another refresh inside the minimum interval.
func (o *Orchestrator) rateLimited(ctx context.Context, marketID string, now time.Time) bool {
	if o.opts.MinRefreshInterval <= 0 {
		return false
	}
	state, err := o.store.GetMarketState(ctx, marketID)
	if err != nil {
		return false
	}
	return now.Sub(state.UpdatedAt) < o.opts.MinRefreshInterval && state.AcceptedPostCount > 0
}

// compute assembles the engine input from stored posts and runs the engine.
func (o *Orchestrator) compute(ctx context.Context, marketID string, outcomes []storage.Outcome, now time.Time) (map[string]float64, int, error) {
	engineOutcomes := make([]engine.Outcome, 0, len(outcomes))
	for _, outcome := range outcomes {
		engineOutcomes = append(engineOutcomes, engine.Outcome{
			Key:   outcome.Key,
			Label: outcome.Label,
			Prior: outcome.PriorProbability,
		})
	}

	var previous map[string]float64
	if state, err := o.store.GetMarketState(ctx, marketID); err == nil {
		previous = state.Probabilities
	}

	posts, err := o.loadScoredWindow(ctx, marketID, now)
	if err != nil {
		return nil, 0, err
	}

	computeStart := time.Now()
	res := engine.Compute(engine.Input{
		MarketID: marketID,
		Now:      now,
		Outcomes: engineOutcomes,
		Previous: previous,
		Posts:    posts,
	})
	metrics.EngineDuration.Observe(time.Since(computeStart).Seconds())

	o.logger.Debug().
		Str("market_id", marketID).
		Int("accepted", res.Diagnostics.AcceptedPosts).
		Float64("w_batch", res.Diagnostics.WBatch).
		Float64("beta", res.Diagnostics.Beta).
		Float64("temperature", res.Diagnostics.Temperature).
		Msg("engine computed")
	return res.Probabilities, res.Diagnostics.AcceptedPosts, nil
}

// loadScoredWindow loads the raw posts inside the engine's age window
// together with their scored rows, keeping only fully scored posts.
func (o *Orchestrator) loadScoredWindow(ctx context.Context, marketID string, now time.Time) ([]engine.Post, error) {
	since := now.Add(-72 * time.Hour)
	raw, err := o.store.ListRecentRawPosts(ctx, marketID, since)
	if err != nil {
		return nil, fmt.Errorf("load raw posts: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(raw))
	for _, post := range raw {
		ids = append(ids, post.ID)
	}

	scored, err := o.store.ListScoredByRawPostIDs(ctx, marketID, ids)
	if err != nil {
		return nil, fmt.Errorf("load scored rows: %w", err)
	}

	scoresByPost := make(map[int64]map[string]engine.Scores)
	for _, row := range scored {
		m, ok := scoresByPost[row.RawPostID]
		if !ok {
			m = make(map[string]engine.Scores)
			scoresByPost[row.RawPostID] = m
		}
		m[row.OutcomeKey] = engine.Scores{
			Relevance:   row.Relevance,
			Stance:      row.Stance,
			Strength:    row.Strength,
			Credibility: row.Credibility,
			Confidence:  row.Confidence,
		}
	}

	posts := make([]engine.Post, 0, len(raw))
	for _, post := range raw {
		scores, ok := scoresByPost[post.ID]
		if !ok {
			continue // not scored yet; next tick picks it up
		}
		enginePost := engine.Post{
			ID:             post.ExternalPostID,
			AuthorID:       post.AuthorID,
			CreatedAt:      post.PostCreatedAt,
			AuthorVerified: post.AuthorVerified,
			Metrics: engine.Metrics{
				Likes:   valueOrZero(post.Likes),
				Reposts: valueOrZero(post.Reposts),
				Replies: valueOrZero(post.Replies),
				Quotes:  valueOrZero(post.Quotes),
			},
			Features: engine.Features{
				CashtagCount: post.CashtagCount,
				MentionCount: post.MentionCount,
				URLCount:     post.URLCount,
				CapsRatio:    post.CapsRatio,
			},
			Scores: scores,
		}
		if post.AuthorFollowers != nil {
			enginePost.AuthorFollowers = *post.AuthorFollowers
		}
		posts = append(posts, enginePost)
	}
	return posts, nil
}

func (o *Orchestrator) persistState(ctx context.Context, marketID string, outcomes []storage.Outcome, probs map[string]float64, accepted int, now time.Time) error {
	if len(probs) == 0 {
		return nil
	}

	if err := o.store.UpsertMarketState(ctx, storage.MarketState{
		MarketID:          marketID,
		Probabilities:     probs,
		UpdatedAt:         now,
		AcceptedPostCount: accepted,
	}); err != nil {
		return err
	}

	if err := o.store.AppendSnapshot(ctx, storage.Snapshot{
		MarketID:      marketID,
		Timestamp:     now,
		Probabilities: probs,
	}); err != nil {
		return err
	}

	for _, outcome := range outcomes {
		p, ok := probs[outcome.Key]
		if !ok {
			continue
		}
		if err := o.store.UpdateOutcomeProbability(ctx, marketID, outcome.Key, p); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) fail(result Result, started time.Time, err error) (Result, error) {
	result.Status = StatusError
	result.Errors = append(result.Errors, err.Error())
	result.DurationMS = o.now().Sub(started).Milliseconds()
	return result, err
}

func stageError(stage string, err error) string {
	return stage + ": " + err.Error()
}

func sawRateLimit(result Result) bool {
	return result.rateLimited
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func valueOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
