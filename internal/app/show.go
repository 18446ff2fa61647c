package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"pulsemarket/internal/storage"
)

// Show prints the current market state and recent probability snapshots.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	market, err := store.GetMarket(ctx, opts.MarketID)
	if err != nil {
		return err
	}

	outcomes, err := store.ListOutcomes(ctx, market.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "market: %s\n", market.ID)
	fmt.Fprintf(os.Stdout, "question: %s\n", market.Question)
	fmt.Fprintf(os.Stdout, "status: %s\n", market.Status)
	fmt.Fprintf(os.Stdout, "posts processed: %d\n", market.TotalPostsProcessed)

	state, err := store.GetMarketState(ctx, market.ID)
	if err == nil {
		fmt.Fprintf(os.Stdout, "state updated: %s (accepted posts: %d)\n",
			state.UpdatedAt.UTC().Format(time.RFC3339), state.AcceptedPostCount)
	}

	fmt.Fprintln(os.Stdout)
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Outcome\tLabel\tProbability")
	for _, outcome := range outcomes {
		fmt.Fprintf(writer, "%s\t%s\t%.4f\n", outcome.Key, outcome.Label, outcome.CurrentProbability)
	}
	writer.Flush()

	snapshots, err := store.ListRecentSnapshots(ctx, market.ID, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(os.Stdout, "\nno snapshots found")
		return nil
	}

	keys := snapshotKeys(snapshots)

	fmt.Fprintln(os.Stdout)
	writer = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	header := "Time (UTC)"
	for _, key := range keys {
		header += "\t" + key
	}
	fmt.Fprintln(writer, header)

	for _, snapshot := range snapshots {
		row := snapshot.Timestamp.UTC().Format(time.RFC3339)
		for _, key := range keys {
			row += fmt.Sprintf("\t%.4f", snapshot.Probabilities[key])
		}
		fmt.Fprintln(writer, row)
	}

	writer.Flush()
	return nil
}

func snapshotKeys(snapshots []storage.Snapshot) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, snapshot := range snapshots {
		for key := range snapshot.Probabilities {
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
