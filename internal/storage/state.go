package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	upsertMarketStateSQL = `INSERT INTO market_state (
        market_id,
        probabilities,
        updated_at,
        accepted_post_count
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (market_id) DO UPDATE
    SET probabilities       = EXCLUDED.probabilities,
        updated_at          = EXCLUDED.updated_at,
        accepted_post_count = EXCLUDED.accepted_post_count;`

	getMarketStateSQL = `SELECT
        market_id,
        probabilities,
        updated_at,
        accepted_post_count
    FROM market_state
    WHERE market_id = $1;`

	appendSnapshotSQL = `INSERT INTO probability_snapshots (
        market_id,
        ts,
        probabilities
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (market_id, ts) DO NOTHING;`

	listRecentSnapshotsSQL = `SELECT market_id, ts, probabilities
    FROM probability_snapshots
    WHERE market_id = $1
    ORDER BY ts DESC
    LIMIT $2;`

	listSnapshotsBetweenSQL = `SELECT market_id, ts, probabilities
    FROM probability_snapshots
    WHERE market_id = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`
)

// StateStore defines market-state and snapshot persistence.
type StateStore interface {
	GetMarketState(ctx context.Context, marketID string) (MarketState, error)
	UpsertMarketState(ctx context.Context, state MarketState) error
	AppendSnapshot(ctx context.Context, snapshot Snapshot) error
	ListRecentSnapshots(ctx context.Context, marketID string, limit int) ([]Snapshot, error)
	ListSnapshotsBetween(ctx context.Context, marketID string, from, to time.Time) ([]Snapshot, error)
}

// GetMarketState loads the last computed state; ErrNotFound when the market
// has never been computed.
func (s *Store) GetMarketState(ctx context.Context, marketID string) (MarketState, error) {
	pool, err := s.getPool()
	if err != nil {
		return MarketState{}, err
	}

	var state MarketState
	var payload []byte
	scanErr := pool.QueryRow(ctx, getMarketStateSQL, marketID).Scan(
		&state.MarketID,
		&payload,
		&state.UpdatedAt,
		&state.AcceptedPostCount,
	)
	if scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return MarketState{}, ErrNotFound
		}
		return MarketState{}, fmt.Errorf("get market state: %w", scanErr)
	}
	if err := json.Unmarshal(payload, &state.Probabilities); err != nil {
		return MarketState{}, fmt.Errorf("decode probabilities: %w", err)
	}
	return state, nil
}

// UpsertMarketState writes the market's current probability vector.
func (s *Store) UpsertMarketState(ctx context.Context, state MarketState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(state.Probabilities)
	if err != nil {
		return fmt.Errorf("encode probabilities: %w", err)
	}

	if _, execErr := pool.Exec(ctx, upsertMarketStateSQL,
		state.MarketID,
		payload,
		state.UpdatedAt,
		state.AcceptedPostCount,
	); execErr != nil {
		return fmt.Errorf("upsert market state: %w", execErr)
	}
	return nil
}

// AppendSnapshot records one history entry. Duplicate timestamps are ignored
// so replays stay idempotent.
func (s *Store) AppendSnapshot(ctx context.Context, snapshot Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(snapshot.Probabilities)
	if err != nil {
		return fmt.Errorf("encode probabilities: %w", err)
	}

	if _, execErr := pool.Exec(ctx, appendSnapshotSQL,
		snapshot.MarketID,
		snapshot.Timestamp,
		payload,
	); execErr != nil {
		return fmt.Errorf("append snapshot: %w", execErr)
	}
	return nil
}

// ListRecentSnapshots returns the newest snapshots for a market.
func (s *Store) ListRecentSnapshots(ctx context.Context, marketID string, limit int) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, marketID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows)
}

// ListSnapshotsBetween returns snapshots within [from, to) in ascending order.
func (s *Store) ListSnapshotsBetween(ctx context.Context, marketID string, from, to time.Time) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, marketID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows)
}

func collectSnapshots(rows pgx.Rows) ([]Snapshot, error) {
	snapshots := make([]Snapshot, 0)
	for rows.Next() {
		var snapshot Snapshot
		var payload []byte
		if err := rows.Scan(&snapshot.MarketID, &snapshot.Timestamp, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &snapshot.Probabilities); err != nil {
			return nil, fmt.Errorf("decode probabilities: %w", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}
