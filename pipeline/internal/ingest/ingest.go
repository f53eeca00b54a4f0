// Package ingest converts one source file at a time and records it in the
// ledger. It owns the "has this file been handled" decision; it never writes
// accumulated rows.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hazyhaar/focusflow/idgen"
	"github.com/hazyhaar/focusflow/kit"
	"github.com/hazyhaar/focusflow/pipeline/internal/convert"
	"github.com/hazyhaar/focusflow/pipeline/internal/tabular"
)

var (
	// ErrAlreadyProcessed means the file has a ledger record; nothing was done.
	ErrAlreadyProcessed = errors.New("ingest: already processed")
	// ErrConversionFailed means the collaborator rejected the file. It was
	// not recorded and can be retried.
	ErrConversionFailed = errors.New("ingest: conversion failed")
	// ErrStorage means the ledger could not be read or written.
	ErrStorage = errors.New("ingest: storage failure")
)

// Status is the result class of ConvertFile.
type Status int

const (
	Converted Status = iota
	AlreadyProcessed
	ConversionFailed
	StorageFailed
)

func (s Status) String() string {
	switch s {
	case Converted:
		return "converted"
	case AlreadyProcessed:
		return "already_processed"
	case ConversionFailed:
		return "conversion_failed"
	case StorageFailed:
		return "storage_failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Identity strategies.
const (
	IdentityPath   = "path"
	IdentitySHA256 = "sha256"
)

// Outcome describes one ConvertFile call.
type Outcome struct {
	Status Status
	Path   string
	// ID is the ledger identifier of the file.
	ID string
	// Batch holds the converted rows when Status is Converted.
	Batch *tabular.Batch
	// StagingDir holds the artifacts of a Converted file. The caller purges it
	// once the rows are accumulated.
	StagingDir string
	Err        error
}

// Ledger is the subset of the ledger store the service needs.
type Ledger interface {
	IsProcessed(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, id string) (inserted bool, err error)
}

// Sensor decides how a source file is converted.
type Sensor interface {
	Sense(path string) (convert.Source, error)
}

// Options configures a Service. Ledger, Sensor and Converter are required.
type Options struct {
	Ledger    Ledger
	Sensor    Sensor
	Converter convert.Converter
	// WorkDir is the parent of per-run staging directories.
	WorkDir string
	// Identity is IdentityPath (default) or IdentitySHA256.
	Identity string
	// ReadArtifacts loads converted rows. Default: convert.ReadArtifacts.
	ReadArtifacts func(ctx context.Context, paths []string) (*tabular.Batch, error)
	// NewID names staging directories. Default: Timestamped(NanoID(8)).
	NewID  idgen.Generator
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Identity == "" {
		o.Identity = IdentityPath
	}
	if o.ReadArtifacts == nil {
		o.ReadArtifacts = convert.ReadArtifacts
	}
	if o.NewID == nil {
		o.NewID = idgen.Timestamped(idgen.NanoID(8))
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.WorkDir == "" {
		o.WorkDir = os.TempDir()
	}
}

// Service is the ingestion service. It is safe for concurrent use.
type Service struct {
	opts  Options
	locks keyedMutex
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	opts.defaults()
	if opts.Ledger == nil || opts.Sensor == nil || opts.Converter == nil {
		return nil, errors.New("ingest: ledger, sensor and converter are required")
	}
	if opts.Identity != IdentityPath && opts.Identity != IdentitySHA256 {
		return nil, fmt.Errorf("ingest: unknown identity strategy %q", opts.Identity)
	}
	return &Service{opts: opts}, nil
}

// Identify returns the ledger identifier of path under the configured
// strategy.
func (s *Service) Identify(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if s.opts.Identity == IdentityPath {
		return abs, nil
	}
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// ConvertFile converts path unless the ledger already records it. The
// collaborator is invoked at most once per identifier, even under concurrent
// calls. A failed conversion leaves no record and no artifacts.
func (s *Service) ConvertFile(ctx context.Context, path string) Outcome {
	log := kit.Logger(ctx, s.opts.Logger).With("path", path)
	out := Outcome{Path: path}

	id, err := s.Identify(path)
	if err != nil {
		// An unreadable source is the collaborator's kind of failure.
		out.Status, out.Err = ConversionFailed, fmt.Errorf("%w: identify: %v", ErrConversionFailed, err)
		log.Error("ingest: identify failed", "error", err)
		return out
	}
	out.ID = id

	unlock := s.locks.lock(id)
	defer unlock()

	done, err := s.opts.Ledger.IsProcessed(ctx, id)
	if err != nil {
		out.Status, out.Err = StorageFailed, fmt.Errorf("%w: %v", ErrStorage, err)
		log.Error("ingest: ledger check failed", "error", err)
		return out
	}
	if done {
		out.Status, out.Err = AlreadyProcessed, ErrAlreadyProcessed
		log.Debug("ingest: already processed", "id", id)
		return out
	}

	batch, staging, err := s.convert(ctx, path)
	if err != nil {
		out.Status, out.Err = ConversionFailed, fmt.Errorf("%w: %v", ErrConversionFailed, err)
		log.Error("ingest: conversion failed", "error", err)
		return out
	}

	inserted, err := s.opts.Ledger.MarkProcessed(ctx, id)
	if err != nil {
		os.RemoveAll(staging)
		out.Status, out.Err = StorageFailed, fmt.Errorf("%w: %v", ErrStorage, err)
		log.Error("ingest: mark processed failed", "error", err)
		return out
	}
	if !inserted {
		os.RemoveAll(staging)
		out.Status, out.Err = AlreadyProcessed, ErrAlreadyProcessed
		log.Info("ingest: recorded by another writer", "id", id)
		return out
	}

	out.Status, out.Batch, out.StagingDir = Converted, batch, staging
	log.Info("ingest: converted", "rows", batch.Len(), "columns", len(batch.Columns))
	return out
}

func (s *Service) convert(ctx context.Context, path string) (*tabular.Batch, string, error) {
	src, err := s.opts.Sensor.Sense(path)
	if err != nil {
		return nil, "", err
	}
	staging := filepath.Join(s.opts.WorkDir, s.opts.NewID())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, "", err
	}

	artifacts, err := s.opts.Converter.Convert(ctx, src, staging)
	if err != nil {
		os.RemoveAll(staging)
		return nil, "", err
	}
	batch, err := s.opts.ReadArtifacts(ctx, artifacts)
	if err != nil {
		os.RemoveAll(staging)
		return nil, "", fmt.Errorf("read artifacts: %w", err)
	}
	if batch == nil {
		batch = &tabular.Batch{}
	}
	batch.Sources = []string{path}
	return batch, staging, nil
}

// keyedMutex serializes callers per key. Entries are dropped when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
