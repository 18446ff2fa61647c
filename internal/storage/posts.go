package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	// Conflict on the natural key ignores the row, which is what makes
	// re-ingesting the same window idempotent.
	insertRawPostSQL = `INSERT INTO raw_posts (
        external_post_id,
        market_id,
        text,
        author_id,
        author_username,
        author_followers,
        author_verified,
        author_created_at,
        post_created_at,
        ingested_at,
        likes,
        reposts,
        replies,
        quotes,
        cashtag_count,
        mention_count,
        url_count,
        caps_ratio,
        is_reply,
        is_quote
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
    )
    ON CONFLICT (external_post_id, market_id) DO NOTHING;`

	rawPostColumns = `id,
        external_post_id,
        market_id,
        text,
        author_id,
        author_username,
        author_followers,
        author_verified,
        author_created_at,
        post_created_at,
        ingested_at,
        likes,
        reposts,
        replies,
        quotes,
        cashtag_count,
        mention_count,
        url_count,
        caps_ratio,
        is_reply,
        is_quote,
        is_active`

	listRecentRawPostsSQL = `SELECT ` + rawPostColumns + `
    FROM raw_posts
    WHERE market_id = $1
      AND post_created_at >= $2
      AND is_active
    ORDER BY post_created_at DESC;`

	listUnscoredRawPostsSQL = `SELECT ` + rawPostColumns + `
    FROM raw_posts p
    WHERE p.market_id = $1
      AND p.is_active
      AND NOT EXISTS (
          SELECT 1 FROM scored_posts s
          WHERE s.raw_post_id = p.id AND s.market_id = p.market_id
      )
    ORDER BY p.ingested_at DESC
    LIMIT $2;`

	newestExternalPostIDSQL = `SELECT external_post_id
    FROM raw_posts
    WHERE market_id = $1
    ORDER BY post_created_at DESC, external_post_id DESC
    LIMIT 1;`

	countRawPostsSQL = `SELECT COUNT(*) FROM raw_posts WHERE market_id = $1;`

	// Conflict on the natural key replaces the row, so a re-score supersedes
	// the previous judgment.
	upsertScoredPostSQL = `INSERT INTO scored_posts (
        raw_post_id,
        market_id,
        outcome_key,
        relevance,
        stance,
        strength,
        credibility,
        confidence,
        is_sarcasm,
        is_question,
        is_quote,
        is_rumor_style,
        summary,
        reason,
        credibility_label,
        stance_label,
        scored_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
    )
    ON CONFLICT (raw_post_id, market_id, outcome_key) DO UPDATE
    SET relevance         = EXCLUDED.relevance,
        stance            = EXCLUDED.stance,
        strength          = EXCLUDED.strength,
        credibility       = EXCLUDED.credibility,
        confidence        = EXCLUDED.confidence,
        is_sarcasm        = EXCLUDED.is_sarcasm,
        is_question       = EXCLUDED.is_question,
        is_quote          = EXCLUDED.is_quote,
        is_rumor_style    = EXCLUDED.is_rumor_style,
        summary           = EXCLUDED.summary,
        reason            = EXCLUDED.reason,
        credibility_label = EXCLUDED.credibility_label,
        stance_label      = EXCLUDED.stance_label,
        scored_at         = EXCLUDED.scored_at;`

	listScoredByRawPostIDsSQL = `SELECT
        raw_post_id,
        market_id,
        outcome_key,
        relevance,
        stance,
        strength,
        credibility,
        confidence,
        is_sarcasm,
        is_question,
        is_quote,
        is_rumor_style,
        summary,
        reason,
        credibility_label,
        stance_label,
        scored_at
    FROM scored_posts
    WHERE market_id = $1
      AND raw_post_id = ANY($2)
    ORDER BY raw_post_id, outcome_key;`
)

// PostStore defines raw-post persistence for the ingestion dispatcher.
type PostStore interface {
	InsertRawPost(ctx context.Context, post RawPost) (inserted bool, err error)
	NewestExternalPostID(ctx context.Context, marketID string) (string, error)
	ListRecentRawPosts(ctx context.Context, marketID string, since time.Time) ([]RawPost, error)
	CountRawPosts(ctx context.Context, marketID string) (int64, error)
}

// ScoreStore defines scored-row persistence for the scoring dispatcher.
type ScoreStore interface {
	ListUnscoredRawPosts(ctx context.Context, marketID string, limit int) ([]RawPost, error)
	UpsertScoredPosts(ctx context.Context, rows []ScoredPost) error
	ListScoredByRawPostIDs(ctx context.Context, marketID string, rawPostIDs []int64) ([]ScoredPost, error)
}

// InsertRawPost persists a raw post, ignoring duplicates on the natural key.
// It reports whether a new row was written.
func (s *Store) InsertRawPost(ctx context.Context, post RawPost) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	cmdTag, execErr := pool.Exec(ctx, insertRawPostSQL,
		post.ExternalPostID,
		post.MarketID,
		post.Text,
		post.AuthorID,
		post.AuthorUsername,
		post.AuthorFollowers,
		post.AuthorVerified,
		post.AuthorCreatedAt,
		post.PostCreatedAt,
		post.IngestedAt,
		post.Likes,
		post.Reposts,
		post.Replies,
		post.Quotes,
		post.CashtagCount,
		post.MentionCount,
		post.URLCount,
		post.CapsRatio,
		post.IsReply,
		post.IsQuote,
	)
	if execErr != nil {
		return false, fmt.Errorf("insert raw post: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// NewestExternalPostID returns the watermark for ingestion, or empty when the
// market has no posts yet.
func (s *Store) NewestExternalPostID(ctx context.Context, marketID string) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}

	var id string
	if scanErr := pool.QueryRow(ctx, newestExternalPostIDSQL, marketID).Scan(&id); scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("newest external post id: %w", scanErr)
	}
	return id, nil
}

// ListRecentRawPosts returns active posts created at or after since, newest first.
func (s *Store) ListRecentRawPosts(ctx context.Context, marketID string, since time.Time) ([]RawPost, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRawPostsSQL, marketID, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent raw posts: %w", queryErr)
	}
	defer rows.Close()

	return collectRawPosts(rows)
}

// ListUnscoredRawPosts returns up to limit posts without scored rows, most
// recently ingested first.
func (s *Store) ListUnscoredRawPosts(ctx context.Context, marketID string, limit int) ([]RawPost, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listUnscoredRawPostsSQL, marketID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list unscored raw posts: %w", queryErr)
	}
	defer rows.Close()

	return collectRawPosts(rows)
}

// CountRawPosts counts all raw posts for a market.
func (s *Store) CountRawPosts(ctx context.Context, marketID string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRawPostsSQL, marketID).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count raw posts: %w", scanErr)
	}
	return count, nil
}

// UpsertScoredPosts writes scored rows, replacing on the natural key.
func (s *Store) UpsertScoredPosts(ctx context.Context, rows []ScoredPost) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(upsertScoredPostSQL,
			row.RawPostID,
			row.MarketID,
			row.OutcomeKey,
			row.Relevance,
			row.Stance,
			row.Strength,
			row.Credibility,
			row.Confidence,
			row.IsSarcasm,
			row.IsQuestion,
			row.IsQuote,
			row.IsRumorStyle,
			row.Summary,
			row.Reason,
			row.CredibilityLabel,
			row.StanceLabel,
			row.ScoredAt,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range rows {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("upsert scored post: %w", execErr)
		}
	}
	return nil
}

// ListScoredByRawPostIDs fetches every scored row for the given raw posts.
func (s *Store) ListScoredByRawPostIDs(ctx context.Context, marketID string, rawPostIDs []int64) ([]ScoredPost, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if len(rawPostIDs) == 0 {
		return nil, nil
	}

	rows, queryErr := pool.Query(ctx, listScoredByRawPostIDsSQL, marketID, rawPostIDs)
	if queryErr != nil {
		return nil, fmt.Errorf("list scored posts: %w", queryErr)
	}
	defer rows.Close()

	scored := make([]ScoredPost, 0)
	for rows.Next() {
		var row ScoredPost
		if err := rows.Scan(
			&row.RawPostID,
			&row.MarketID,
			&row.OutcomeKey,
			&row.Relevance,
			&row.Stance,
			&row.Strength,
			&row.Credibility,
			&row.Confidence,
			&row.IsSarcasm,
			&row.IsQuestion,
			&row.IsQuote,
			&row.IsRumorStyle,
			&row.Summary,
			&row.Reason,
			&row.CredibilityLabel,
			&row.StanceLabel,
			&row.ScoredAt,
		); err != nil {
			return nil, err
		}
		scored = append(scored, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return scored, nil
}

func collectRawPosts(rows pgx.Rows) ([]RawPost, error) {
	posts := make([]RawPost, 0)
	for rows.Next() {
		var post RawPost
		if err := rows.Scan(
			&post.ID,
			&post.ExternalPostID,
			&post.MarketID,
			&post.Text,
			&post.AuthorID,
			&post.AuthorUsername,
			&post.AuthorFollowers,
			&post.AuthorVerified,
			&post.AuthorCreatedAt,
			&post.PostCreatedAt,
			&post.IngestedAt,
			&post.Likes,
			&post.Reposts,
			&post.Replies,
			&post.Quotes,
			&post.CashtagCount,
			&post.MentionCount,
			&post.URLCount,
			&post.CapsRatio,
			&post.IsReply,
			&post.IsQuote,
			&post.IsActive,
		); err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return posts, nil
}
