// Package ingest pulls candidate posts from the post source, enriches them
// with spam-signal features, and persists them idempotently.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pulsemarket/internal/features"
	"pulsemarket/internal/metrics"
	"pulsemarket/internal/postsource"
	"pulsemarket/internal/storage"
)

const defaultMaxResults = 15

// Options tune the ingestion dispatcher.
type Options struct {
	MaxResults int
	Language   string
}

// Dispatcher ingests posts for one market per call.
type Dispatcher struct {
	source postsource.Source
	store  storage.PostStore
	opts   Options
	logger zerolog.Logger
}

// New constructs an ingestion dispatcher.
func New(source postsource.Source, store storage.PostStore, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaultMaxResults
	}
	return &Dispatcher{
		source: source,
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "ingest").Logger(),
	}
}

// Result reports what one ingestion pass did.
type Result struct {
	Fetched  int
	Ingested int
}

// IngestForMarket performs one pull for the market: build the query from its
// filter templates, fetch posts newer than the watermark, extract features,
// and upsert. A market with no templates is a no-op.
func (d *Dispatcher) IngestForMarket(ctx context.Context, market storage.Market) (Result, error) {
	if len(market.FilterTemplates) == 0 {
		d.logger.Debug().Str("market_id", market.ID).Msg("no filter templates; skipping ingest")
		return Result{}, nil
	}

	query := BuildQuery(market.FilterTemplates, d.opts.Language)

	watermark, err := d.store.NewestExternalPostID(ctx, market.ID)
	if err != nil {
		return Result{}, fmt.Errorf("load watermark: %w", err)
	}

	searched, err := d.source.SearchRecent(ctx, query, d.opts.MaxResults, watermark)
	if err != nil {
		if errors.Is(err, postsource.ErrRateLimited) {
			metrics.RateLimitHits.Inc()
			return Result{}, err
		}
		return Result{}, fmt.Errorf("search recent: %w", err)
	}
	metrics.PostsFetched.Add(float64(len(searched.Posts)))

	result := Result{Fetched: len(searched.Posts)}
	now := time.Now().UTC()
	for _, post := range searched.Posts {
		row := composeRawPost(market.ID, post, now)
		inserted, err := d.store.InsertRawPost(ctx, row)
		if err != nil {
			return result, fmt.Errorf("insert raw post %s: %w", post.ExternalID, err)
		}
		if inserted {
			result.Ingested++
			metrics.PostsIngested.WithLabelValues("inserted").Inc()
		} else {
			metrics.PostsIngested.WithLabelValues("duplicate").Inc()
		}
	}

	d.logger.Info().
		Str("market_id", market.ID).
		Int("fetched", result.Fetched).
		Int("ingested", result.Ingested).
		Msg("ingest pass complete")
	return result, nil
}

// BuildQuery joins the market's filter templates with OR and appends the
// standard exclusions. The exact syntax belongs to the post source.
func BuildQuery(templates []string, language string) string {
	parts := make([]string, 0, len(templates))
	for _, t := range templates {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		parts = append(parts, "("+t+")")
	}

	query := strings.Join(parts, " OR ")
	query += " -is:retweet"
	if language != "" {
		query += " lang:" + language
	}
	return query
}

func composeRawPost(marketID string, post postsource.Post, ingestedAt time.Time) storage.RawPost {
	set := features.Extract(post.Text)

	row := storage.RawPost{
		ExternalPostID: post.ExternalID,
		MarketID:       marketID,
		Text:           post.Text,
		AuthorID:       post.AuthorID,
		PostCreatedAt:  post.CreatedAt,
		IngestedAt:     ingestedAt,
		CashtagCount:   set.CashtagCount,
		MentionCount:   set.MentionCount,
		URLCount:       set.URLCount,
		CapsRatio:      set.CapsRatio,
		IsReply:        post.IsReply,
		IsQuote:        post.IsQuote,
		IsActive:       true,
	}

	if post.Author != nil {
		row.AuthorUsername = post.Author.Username
		row.AuthorVerified = post.Author.Verified
		followers := post.Author.Followers
		row.AuthorFollowers = &followers
		row.AuthorCreatedAt = post.Author.CreatedAt
	}
	if post.Metrics != nil {
		likes, reposts, replies, quotes := post.Metrics.Likes, post.Metrics.Reposts, post.Metrics.Replies, post.Metrics.Quotes
		row.Likes = &likes
		row.Reposts = &reposts
		row.Replies = &replies
		row.Quotes = &quotes
	}
	return row
}
