package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	getMarketSQL = `SELECT
        market_id,
        question,
        normalized_question,
        status,
        filter_templates,
        total_posts_processed,
        created_at,
        updated_at
    FROM markets
    WHERE market_id = $1;`

	listActiveMarketsSQL = `SELECT
        market_id,
        question,
        normalized_question,
        status,
        filter_templates,
        total_posts_processed,
        created_at,
        updated_at
    FROM markets
    WHERE status = 'active'
    ORDER BY created_at;`

	setMarketPostCountSQL = `UPDATE markets
    SET total_posts_processed = $2, updated_at = now()
    WHERE market_id = $1;`

	listOutcomesSQL = `SELECT
        market_id,
        outcome_key,
        label,
        prior_probability,
        current_probability,
        sort_order
    FROM outcomes
    WHERE market_id = $1
    ORDER BY sort_order, outcome_key;`

	updateOutcomeProbabilitySQL = `UPDATE outcomes
    SET current_probability = $3
    WHERE market_id = $1 AND outcome_key = $2;`
)

// MarketStore defines the market and outcome reads the pipeline needs.
type MarketStore interface {
	GetMarket(ctx context.Context, marketID string) (Market, error)
	ListActiveMarkets(ctx context.Context) ([]Market, error)
	SetMarketPostCount(ctx context.Context, marketID string, count int64) error
	ListOutcomes(ctx context.Context, marketID string) ([]Outcome, error)
	UpdateOutcomeProbability(ctx context.Context, marketID, outcomeKey string, probability float64) error
}

// GetMarket loads one market by id; ErrNotFound when absent.
func (s *Store) GetMarket(ctx context.Context, marketID string) (Market, error) {
	pool, err := s.getPool()
	if err != nil {
		return Market{}, err
	}

	row := pool.QueryRow(ctx, getMarketSQL, marketID)
	market, scanErr := scanMarket(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Market{}, ErrNotFound
		}
		return Market{}, fmt.Errorf("get market: %w", scanErr)
	}
	return market, nil
}

// ListActiveMarkets returns every market with status active.
func (s *Store) ListActiveMarkets(ctx context.Context) ([]Market, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveMarketsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active markets: %w", queryErr)
	}
	defer rows.Close()

	markets := make([]Market, 0)
	for rows.Next() {
		market, scanErr := scanMarket(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		markets = append(markets, market)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return markets, nil
}

// SetMarketPostCount records the market's current raw-post total.
func (s *Store) SetMarketPostCount(ctx context.Context, marketID string, count int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setMarketPostCountSQL, marketID, count); execErr != nil {
		return fmt.Errorf("set market post count: %w", execErr)
	}
	return nil
}

// ListOutcomes returns a market's outcomes in declaration order.
func (s *Store) ListOutcomes(ctx context.Context, marketID string) ([]Outcome, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listOutcomesSQL, marketID)
	if queryErr != nil {
		return nil, fmt.Errorf("list outcomes: %w", queryErr)
	}
	defer rows.Close()

	outcomes := make([]Outcome, 0)
	for rows.Next() {
		var outcome Outcome
		if err := rows.Scan(
			&outcome.MarketID,
			&outcome.Key,
			&outcome.Label,
			&outcome.PriorProbability,
			&outcome.CurrentProbability,
			&outcome.SortOrder,
		); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return outcomes, nil
}

// UpdateOutcomeProbability writes an outcome's current probability.
func (s *Store) UpdateOutcomeProbability(ctx context.Context, marketID, outcomeKey string, probability float64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, updateOutcomeProbabilitySQL, marketID, outcomeKey, probability)
	if execErr != nil {
		return fmt.Errorf("update outcome probability: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMarket(row pgx.Row) (Market, error) {
	var market Market
	if err := row.Scan(
		&market.ID,
		&market.Question,
		&market.NormalizedQuestion,
		&market.Status,
		&market.FilterTemplates,
		&market.TotalPostsProcessed,
		&market.CreatedAt,
		&market.UpdatedAt,
	); err != nil {
		return Market{}, err
	}
	return market, nil
}
