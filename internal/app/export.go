package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"pulsemarket/internal/storage"
)

// Export renders a market's probability history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if _, err := store.GetMarket(ctx, opts.MarketID); err != nil {
		return err
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := store.ListSnapshotsBetween(ctx, opts.MarketID, from, to)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		a.Logger.Info().Str("market_id", opts.MarketID).Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snapshots, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	keys := snapshotKeys(downsampled)
	labels, err := outcomeLabels(ctx, store, opts.MarketID, keys)
	if err != nil {
		return err
	}

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, keys, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, keys, labels, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func outcomeLabels(ctx context.Context, store *storage.Store, marketID string, keys []string) (map[string]string, error) {
	outcomes, err := store.ListOutcomes(ctx, marketID)
	if err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(keys))
	for _, outcome := range outcomes {
		labels[outcome.Key] = outcome.Label
	}
	for _, key := range keys {
		if labels[key] == "" {
			labels[key] = key
		}
	}
	return labels, nil
}

func downsampleSnapshots(snapshots []storage.Snapshot, max int) []storage.Snapshot {
	if max <= 0 || len(snapshots) <= max {
		return snapshots
	}

	result := make([]storage.Snapshot, 0, max)
	step := float64(len(snapshots)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snapshots) {
			idx = len(snapshots) - 1
		}
		result = append(result, snapshots[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, keys []string, snapshots []storage.Snapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := append([]string{"ts"}, keys...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, snapshot := range snapshots {
		record := make([]string, 0, len(keys)+1)
		record = append(record, snapshot.Timestamp.UTC().Format(time.RFC3339))
		for _, key := range keys {
			record = append(record, fmt.Sprintf("%.6f", snapshot.Probabilities[key]))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSnapshotsPNG(path string, keys []string, labels map[string]string, snapshots []storage.Snapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(snapshots))
	for i, snapshot := range snapshots {
		x[i] = snapshot.Timestamp
	}

	probFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Probability",
			ValueFormatter: probFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 1},
		},
	}

	sort.Strings(keys)
	for _, key := range keys {
		ys := make([]float64, len(snapshots))
		for i, snapshot := range snapshots {
			ys[i] = snapshot.Probabilities[key]
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    labels[key],
			XValues: x,
			YValues: ys,
		})
	}

	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
