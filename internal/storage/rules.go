package storage

import (
	"context"
	"fmt"
)

const (
	listFilterRulesSQL = `SELECT
        market_id,
        external_rule_id,
        rule_value,
        rule_tag,
        created_at
    FROM filter_rules
    ORDER BY market_id, external_rule_id;`

	insertFilterRuleSQL = `INSERT INTO filter_rules (
        market_id,
        external_rule_id,
        rule_value,
        rule_tag
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (market_id, external_rule_id) DO UPDATE
    SET rule_value = EXCLUDED.rule_value,
        rule_tag   = EXCLUDED.rule_tag;`

	deleteFilterRulesByMarketSQL = `DELETE FROM filter_rules WHERE market_id = $1;`
)

// RuleStore tracks which filter rules this deployment has registered against
// the post source.
type RuleStore interface {
	ListFilterRules(ctx context.Context) ([]FilterRule, error)
	UpsertFilterRule(ctx context.Context, rule FilterRule) error
	DeleteFilterRulesByMarket(ctx context.Context, marketID string) error
}

// ListFilterRules returns all locally tracked rules.
func (s *Store) ListFilterRules(ctx context.Context) ([]FilterRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listFilterRulesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list filter rules: %w", queryErr)
	}
	defer rows.Close()

	rules := make([]FilterRule, 0)
	for rows.Next() {
		var rule FilterRule
		if err := rows.Scan(
			&rule.MarketID,
			&rule.ExternalRuleID,
			&rule.Value,
			&rule.Tag,
			&rule.CreatedAt,
		); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// UpsertFilterRule records a rule issued by the post source.
func (s *Store) UpsertFilterRule(ctx context.Context, rule FilterRule) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertFilterRuleSQL,
		rule.MarketID,
		rule.ExternalRuleID,
		rule.Value,
		rule.Tag,
	); execErr != nil {
		return fmt.Errorf("upsert filter rule: %w", execErr)
	}
	return nil
}

// DeleteFilterRulesByMarket drops local bookkeeping for a market's rules.
func (s *Store) DeleteFilterRulesByMarket(ctx context.Context, marketID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteFilterRulesByMarketSQL, marketID); execErr != nil {
		return fmt.Errorf("delete filter rules: %w", execErr)
	}
	return nil
}
