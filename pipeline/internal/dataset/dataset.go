// Package dataset merges converted batches into the ledger's accumulation
// table, normalizing date columns on the way in.
package dataset

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/focusflow/pipeline/internal/ledger"
	"github.com/hazyhaar/focusflow/pipeline/internal/tabular"
)

// DateFormat is the canonical text form of a normalized date column.
const DateFormat = "2006-01-02 15:04:05"

// DefaultDateLayouts are tried in order when parsing a date cell.
var DefaultDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	DateFormat,
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"01/02/2006 15:04:05",
	"2006-01",
}

// Merger is the ledger operation the accumulator drives.
type Merger interface {
	MergeBatch(ctx context.Context, b *tabular.Batch) (ledger.MergeStats, error)
}

// Options configures an Accumulator.
type Options struct {
	// DateColumns names columns normalized to DateFormat, matched
	// case-insensitively. Default: ["Date"].
	DateColumns []string
	// DateLayouts overrides DefaultDateLayouts.
	DateLayouts []string
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.DateColumns == nil {
		o.DateColumns = []string{"Date"}
	}
	if len(o.DateLayouts) == 0 {
		o.DateLayouts = DefaultDateLayouts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Accumulator turns one pass worth of batches into a single merge.
type Accumulator struct {
	store Merger
	opts  Options
	dates map[string]bool
}

// New creates an Accumulator over store.
func New(store Merger, opts Options) *Accumulator {
	opts.defaults()
	dates := make(map[string]bool, len(opts.DateColumns))
	for _, c := range opts.DateColumns {
		dates[strings.ToLower(c)] = true
	}
	return &Accumulator{store: store, opts: opts, dates: dates}
}

// Accumulate concatenates batches in argument order and merges them with one
// MergeBatch call. It does nothing when the batches hold no rows.
func (a *Accumulator) Accumulate(ctx context.Context, batches ...*tabular.Batch) (ledger.MergeStats, error) {
	total := 0
	for _, b := range batches {
		total += b.Len()
	}
	if total == 0 {
		return ledger.MergeStats{}, nil
	}

	merged := tabular.Concat(batches...)
	a.normalizeDates(merged)

	stats, err := a.store.MergeBatch(ctx, merged)
	if err != nil {
		return ledger.MergeStats{}, err
	}
	a.opts.Logger.Info("dataset: accumulated",
		"files", len(merged.Sources), "rows", stats.Rows, "added_columns", len(stats.AddedColumns))
	return stats, nil
}

// normalizeDates rewrites every configured date column in place. Values no
// layout accepts keep their source text, and the column is then left as text
// in this batch; one warning is logged per column.
func (a *Accumulator) normalizeDates(b *tabular.Batch) {
	for i := range b.Columns {
		if !a.dates[strings.ToLower(b.Columns[i].Name)] {
			continue
		}

		bad, sample := 0, ""
		for _, row := range b.Rows {
			cell := row[i]
			if !cell.Valid {
				continue
			}
			t, ok := a.parseDate(cell.String)
			if !ok {
				if bad == 0 {
					sample = cell.String
				}
				bad++
				continue
			}
			row[i] = sql.NullString{String: t.Format(DateFormat), Valid: true}
		}
		if bad > 0 {
			a.opts.Logger.Warn("dataset: unparseable dates kept as text",
				"column", b.Columns[i].Name, "count", bad, "sample", sample)
			continue
		}
		b.Columns[i].Kind = tabular.KindDate
	}
}

func (a *Accumulator) parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range a.opts.DateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
