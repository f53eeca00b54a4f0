// Package pipeline wires the ingestion engine: a catch-up pass over files
// already waiting in the input directory, then a watch loop feeding a worker
// pool. Every file runs convert -> accumulate -> archive -> clean.
//
// Typical usage:
//
//	p, err := pipeline.New(cfg, pipeline.WithLogger(logger))
//	if err != nil { ... }
//	defer p.Close()
//	err = p.Run(ctx) // blocks until ctx is done
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/focusflow/dbopen"
	"github.com/hazyhaar/focusflow/idgen"
	"github.com/hazyhaar/focusflow/kit"
	"github.com/hazyhaar/focusflow/observability"
	"github.com/hazyhaar/focusflow/pipeline/internal/archive"
	"github.com/hazyhaar/focusflow/pipeline/internal/convert"
	"github.com/hazyhaar/focusflow/pipeline/internal/dataset"
	"github.com/hazyhaar/focusflow/pipeline/internal/dirwatch"
	"github.com/hazyhaar/focusflow/pipeline/internal/ingest"
	"github.com/hazyhaar/focusflow/pipeline/internal/ledger"
	"github.com/hazyhaar/focusflow/pipeline/internal/tabular"
	"github.com/hazyhaar/focusflow/pipeline/internal/workq"
)

// Pipeline is the running ingestion engine.
type Pipeline struct {
	cfg       *Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	converter convert.Converter
	newID     idgen.Generator

	store    *ledger.Store
	ingest   *ingest.Service
	acc      *dataset.Accumulator
	archiver *archive.Archiver
	watcher  *dirwatch.Watcher

	mu    sync.Mutex
	queue *workq.Queue
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithConverter replaces the built-in normalizer.
func WithConverter(c convert.Converter) Option {
	return func(p *Pipeline) { p.converter = c }
}

// WithIDGenerator sets the generator for staging directories and pass IDs.
func WithIDGenerator(g idgen.Generator) Option {
	return func(p *Pipeline) { p.newID = g }
}

// New opens the ledger and builds the components. It does not touch the
// input directory; Run does.
func New(cfg *Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: config: %w", err)
	}
	p := &Pipeline{
		cfg:    cfg,
		logger: slog.Default(),
		newID:  idgen.Prefixed("run_", idgen.UUIDv7()),
	}
	for _, o := range opts {
		o(p)
	}
	if p.converter == nil {
		p.converter = convert.NewNormalizer(convert.NormalizerOptions{
			Rules:                cfg.Conversion.Providers,
			IncludeSourceColumns: cfg.Conversion.IncludeSourceColumns,
			RowsPerArtifact:      cfg.Conversion.RowsPerArtifact,
			Reserved:             []string{ledger.RowIDColumn},
		})
	}

	store, err := ledger.Open(cfg.DBPath, p.logger, dbopen.WithBusyTimeout(cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.store = store

	p.ingest, err = ingest.New(ingest.Options{
		Ledger:    store,
		Sensor:    &convert.Sensor{Rules: cfg.Conversion.Providers},
		Converter: p.converter,
		WorkDir:   cfg.WorkDir,
		Identity:  cfg.Identity,
		NewID:     p.newID,
		Logger:    p.logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.acc = dataset.New(store, dataset.Options{DateColumns: cfg.DateColumns, Logger: p.logger})
	p.archiver = archive.New(cfg.ArchiveDir, convert.ArtifactPattern, p.logger)
	p.watcher = dirwatch.New(cfg.InputDir, p.dispatch, dirwatch.Options{
		Extensions: cfg.Extensions,
		Settle:     cfg.Settle,
		Logger:     p.logger,
	})

	p.metrics.Gauge("focusflow_queue_depth", "Files waiting for a worker", func() float64 {
		if q := p.currentQueue(); q != nil {
			return float64(q.Stats().Queued)
		}
		return 0
	})
	return p, nil
}

// Close releases the ledger. Call it after Run has returned.
func (p *Pipeline) Close() error { return p.store.Close() }

// Run prepares the directories, runs the catch-up pass, then watches the
// input directory until ctx is done. On return the watcher is stopped and
// every queued file has been handled.
func (p *Pipeline) Run(ctx context.Context) error {
	for _, dir := range []string{p.cfg.InputDir, p.cfg.WorkDir, p.cfg.ArchiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
	}

	_, seen, err := p.catchUp(ctx)
	if err != nil {
		p.logger.Error("pipeline: catch-up pass failed", "error", err)
	}
	if ctx.Err() != nil {
		return nil
	}

	q := workq.Start(kit.WithTrigger(ctx, "watch"), func(hctx context.Context, path string) {
		// Failures are logged by HandleFile.
		_ = p.HandleFile(hctx, path)
	}, workq.Options{Workers: p.cfg.Workers, Depth: p.cfg.QueueDepth, Logger: p.logger})
	p.mu.Lock()
	p.queue = q
	p.mu.Unlock()

	if err := p.watcher.Start(); err != nil {
		q.Close()
		return fmt.Errorf("pipeline: %w", err)
	}
	p.logger.Info("pipeline: watching", "input_dir", p.cfg.InputDir, "workers", p.cfg.Workers)
	p.dispatchMissed(seen)

	<-ctx.Done()
	p.logger.Info("pipeline: stopping")
	if err := p.watcher.Stop(); err != nil {
		p.logger.Warn("pipeline: watcher stop", "error", err)
	}
	q.Close()
	p.logger.Info("pipeline: stopped", "queue", q.Stats())
	return nil
}

func (p *Pipeline) currentQueue() *workq.Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue
}

func (p *Pipeline) dispatch(path string) {
	q := p.currentQueue()
	if q == nil {
		return
	}
	if err := q.Submit(path); err != nil {
		p.logger.Warn("pipeline: dispatch dropped", "path", path, "error", err)
	}
}

// dispatchMissed hands the watcher the eligible files that arrived after the
// catch-up pass listed the input directory but before the watch began. They
// go through the settle window like any watched file.
func (p *Pipeline) dispatchMissed(seen map[string]bool) {
	paths, err := p.eligibleFiles()
	if err != nil {
		p.logger.Warn("pipeline: rescan after catch-up", "error", err)
		return
	}
	for _, path := range paths {
		if seen[path] {
			continue
		}
		p.logger.Info("pipeline: file arrived during catch-up", "path", path)
		if err := p.watcher.Notify(path); err != nil {
			p.logger.Warn("pipeline: notify", "path", path, "error", err)
		}
	}
}

// Report summarizes one catch-up pass.
type Report struct {
	Pass         string   `json:"pass"`
	Scanned      int      `json:"scanned"`
	Converted    int      `json:"converted"`
	Skipped      int      `json:"skipped"`
	Failed       int      `json:"failed"`
	Rows         int      `json:"rows"`
	AddedColumns []string `json:"added_columns,omitempty"`
	Archived     int      `json:"archived"`
}

// CatchUp converts every eligible file directly in the input directory, one
// at a time in lexical order, and merges all of them with one accumulation.
// Per-file failures are logged and skipped. The returned error reports a
// listing or merge failure; files are archived only when the merge succeeded.
func (p *Pipeline) CatchUp(ctx context.Context) (Report, error) {
	rep, _, err := p.catchUp(ctx)
	return rep, err
}

// catchUp also returns the paths it listed, so Run can pick up files that
// arrive before the watcher starts.
func (p *Pipeline) catchUp(ctx context.Context) (Report, map[string]bool, error) {
	rep := Report{Pass: p.newID()}
	ctx = kit.WithTrigger(kit.WithPassID(ctx, rep.Pass), "catchup")
	log := kit.Logger(ctx, p.logger)

	paths, err := p.eligibleFiles()
	if err != nil {
		return rep, nil, err
	}
	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		seen[path] = true
	}
	rep.Scanned = len(paths)
	log.Info("pipeline: catch-up started", "files", len(paths))

	// In-flight conversions are never cancelled; ctx only stops the pass
	// between files.
	work := context.WithoutCancel(ctx)
	var converted []ingest.Outcome
	for _, path := range paths {
		if ctx.Err() != nil {
			log.Info("pipeline: catch-up interrupted", "remaining", len(paths)-rep.Converted-rep.Skipped-rep.Failed)
			break
		}
		out := p.ingest.ConvertFile(work, path)
		p.metrics.File(out.Status.String())
		switch out.Status {
		case ingest.Converted:
			rep.Converted++
			converted = append(converted, out)
		case ingest.AlreadyProcessed:
			rep.Skipped++
		default:
			rep.Failed++
		}
	}

	stats, err := p.accumulate(work, converted)
	if err != nil {
		return rep, seen, err
	}
	rep.Rows, rep.AddedColumns = stats.Rows, stats.AddedColumns
	rep.Archived = p.finish(work, converted)

	p.metrics.CatchUp()
	log.Info("pipeline: catch-up done", "converted", rep.Converted, "skipped", rep.Skipped,
		"failed", rep.Failed, "rows", rep.Rows, "archived", rep.Archived)
	return rep, seen, nil
}

// HandleFile runs the full sequence for one file. It is the per-event
// worker. The error mirrors what was logged; nil means converted or already
// processed.
func (p *Pipeline) HandleFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		// Duplicate event for a file already archived.
		kit.Logger(ctx, p.logger).Debug("pipeline: file gone", "path", path)
		return nil
	}
	out := p.ingest.ConvertFile(ctx, path)
	p.metrics.File(out.Status.String())
	switch out.Status {
	case ingest.AlreadyProcessed:
		return nil
	case ingest.Converted:
	default:
		return out.Err
	}

	if _, err := p.accumulate(ctx, []ingest.Outcome{out}); err != nil {
		return err
	}
	if p.finish(ctx, []ingest.Outcome{out}) != 1 {
		return fmt.Errorf("%w: %s", archive.ErrArchive, path)
	}
	return nil
}

func (p *Pipeline) accumulate(ctx context.Context, outs []ingest.Outcome) (ledger.MergeStats, error) {
	batches := make([]*tabular.Batch, len(outs))
	for i, o := range outs {
		batches[i] = o.Batch
	}
	start := time.Now()
	stats, err := p.acc.Accumulate(ctx, batches...)
	if len(outs) > 0 {
		p.metrics.Merge(stats.Rows, len(stats.AddedColumns), time.Since(start), err)
	}
	if err != nil {
		// The files keep their ledger records and stay in the input
		// directory; their staging is kept for inspection.
		log := kit.Logger(ctx, p.logger)
		for _, o := range outs {
			log.Error("pipeline: accumulation failed", "path", o.Path, "staging", o.StagingDir, "error", err)
		}
		return ledger.MergeStats{}, fmt.Errorf("%w: %v", ingest.ErrStorage, err)
	}
	return stats, nil
}

// finish archives each source file and purges its staging directory. It
// returns how many files were archived.
func (p *Pipeline) finish(ctx context.Context, outs []ingest.Outcome) int {
	log := kit.Logger(ctx, p.logger)
	archived := 0
	for _, o := range outs {
		if _, err := p.archiver.Archive(o.Path); err != nil {
			p.metrics.ArchiveFailure()
			log.Error("pipeline: archive failed", "path", o.Path, "error", err)
		} else {
			archived++
		}
		if err := p.archiver.PurgeStaging(o.StagingDir); err != nil {
			p.metrics.ArchiveFailure()
			log.Error("pipeline: staging cleanup failed", "path", o.Path, "staging", o.StagingDir, "error", err)
		}
	}
	return archived
}

// eligibleFiles lists the files directly in the input directory that the
// watcher would accept, in lexical order.
func (p *Pipeline) eligibleFiles() ([]string, error) {
	entries, err := os.ReadDir(p.cfg.InputDir)
	if err != nil {
		return nil, fmt.Errorf("pipeline: list %s: %w", p.cfg.InputDir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !p.watcher.Eligible(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(p.cfg.InputDir, e.Name()))
	}
	return paths, nil
}

// Stats is the operator view of the engine.
type Stats struct {
	ProcessedFiles int              `json:"processed_files"`
	Rows           int              `json:"rows"`
	Columns        []tabular.Column `json:"columns"`
	Watcher        dirwatch.Stats   `json:"watcher"`
	Queue          *workq.Stats     `json:"queue,omitempty"`
}

// Stats reads the ledger counts and the live counters.
func (p *Pipeline) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.ProcessedFiles, err = p.store.ProcessedCount(ctx); err != nil {
		return s, err
	}
	if s.Rows, err = p.store.RowCount(ctx); err != nil {
		return s, err
	}
	if s.Columns, err = p.store.Columns(ctx); err != nil {
		return s, err
	}
	s.Watcher = p.watcher.Stats()
	if q := p.currentQueue(); q != nil {
		qs := q.Stats()
		s.Queue = &qs
	}
	return s, nil
}
