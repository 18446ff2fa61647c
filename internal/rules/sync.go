// Package rules reconciles the set of active markets with the filter rules
// registered against the post source.
package rules

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"pulsemarket/internal/postsource"
	"pulsemarket/internal/storage"
)

// Synchronizer diffs desired vs registered rules by tag.
type Synchronizer struct {
	source    postsource.Source
	markets   storage.MarketStore
	ruleStore storage.RuleStore
	logger    zerolog.Logger
}

// New constructs a rule synchronizer.
func New(source postsource.Source, markets storage.MarketStore, ruleStore storage.RuleStore, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		source:    source,
		markets:   markets,
		ruleStore: ruleStore,
		logger:    logger.With().Str("component", "rule_sync").Logger(),
	}
}

// Result summarises one sync pass.
type Result struct {
	Deleted int
	Added   int
	Failed  int
}

// Sync fetches active markets and registered rules, deletes rules whose tag
// no longer references an active market, then registers one rule (the first
// template) for each active market without one. Deletes run before adds so
// slot quotas free up first. Per-market failures are logged and retried on
// the next sync.
func (s *Synchronizer) Sync(ctx context.Context) (Result, error) {
	markets, err := s.markets.ListActiveMarkets(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list active markets: %w", err)
	}

	registered, err := s.source.GetRules(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch registered rules: %w", err)
	}

	activeByID := make(map[string]storage.Market, len(markets))
	for _, market := range markets {
		activeByID[market.ID] = market
	}

	var result Result

	// Deletes first. Rules tagged with a non-active market leave both the
	// source and the local bookkeeping.
	staleIDs := make([]string, 0)
	staleMarkets := make(map[string]bool)
	taggedMarkets := make(map[string]bool)
	for _, rule := range registered {
		if _, active := activeByID[rule.Tag]; active {
			taggedMarkets[rule.Tag] = true
			continue
		}
		staleIDs = append(staleIDs, rule.ID)
		if rule.Tag != "" {
			staleMarkets[rule.Tag] = true
		}
	}

	if len(staleIDs) > 0 {
		if err := s.source.DeleteRules(ctx, staleIDs); err != nil {
			s.logger.Error().Err(err).Int("count", len(staleIDs)).Msg("failed to delete stale rules")
			result.Failed += len(staleIDs)
		} else {
			result.Deleted = len(staleIDs)
			for marketID := range staleMarkets {
				if err := s.ruleStore.DeleteFilterRulesByMarket(ctx, marketID); err != nil {
					s.logger.Error().Err(err).Str("market_id", marketID).Msg("failed to drop local rule rows")
				}
			}
		}
	}

	for _, market := range markets {
		if taggedMarkets[market.ID] {
			continue
		}
		if len(market.FilterTemplates) == 0 {
			continue
		}

		issued, err := s.source.AddRules(ctx, []postsource.Rule{{
			Value: market.FilterTemplates[0],
			Tag:   market.ID,
		}})
		if err != nil {
			// Non-fatal; the next sync retries unregistered markets.
			s.logger.Error().Err(err).Str("market_id", market.ID).Msg("failed to register rule")
			result.Failed++
			continue
		}

		for _, rule := range issued {
			if err := s.ruleStore.UpsertFilterRule(ctx, storage.FilterRule{
				MarketID:       market.ID,
				ExternalRuleID: rule.ID,
				Value:          rule.Value,
				Tag:            rule.Tag,
			}); err != nil {
				s.logger.Error().Err(err).Str("market_id", market.ID).Msg("failed to record issued rule")
			}
		}
		result.Added++
	}

	s.logger.Info().
		Int("deleted", result.Deleted).
		Int("added", result.Added).
		Int("failed", result.Failed).
		Msg("rule sync complete")
	return result, nil
}
