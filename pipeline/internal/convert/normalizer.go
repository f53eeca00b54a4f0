package convert

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v17/arrow/memory"
)

// NormalizerOptions configures a Normalizer.
type NormalizerOptions struct {
	// Rules are the per-provider column mappings, keyed by rule name.
	Rules []ProviderRule
	// IncludeSourceColumns keeps columns no rule maps, under their source
	// name (prefixed "x_" when that would clash with a mapped column).
	IncludeSourceColumns bool
	// RowsPerArtifact caps the rows of one parquet file. Default: 50000.
	RowsPerArtifact int
	// Reserved names are never emitted as-is; they get the "x_" prefix.
	Reserved []string
	// Allocator defaults to memory.DefaultAllocator.
	Allocator memory.Allocator
}

// Normalizer converts CSV sources into parquet artifacts, renaming columns
// through the matching ProviderRule. It does not interpret values.
type Normalizer struct {
	opts NormalizerOptions
	// rules maps provider name -> lowercased source header -> target name.
	rules map[string]map[string]string
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts NormalizerOptions) *Normalizer {
	if opts.RowsPerArtifact <= 0 {
		opts.RowsPerArtifact = 50_000
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.DefaultAllocator
	}
	rules := make(map[string]map[string]string, len(opts.Rules))
	for _, r := range opts.Rules {
		cols := make(map[string]string, len(r.Columns))
		for src, dst := range r.Columns {
			cols[strings.ToLower(src)] = dst
		}
		rules[r.Name] = cols
	}
	return &Normalizer{opts: opts, rules: rules}
}

// Convert streams src and writes its rows to outDir. The CSV must be
// rectangular; a ragged or malformed row fails the whole file and removes
// any artifact already written. A file with only a header yields no
// artifacts.
func (n *Normalizer) Convert(ctx context.Context, src Source, outDir string) ([]string, error) {
	if src.Artifact != "" && src.Artifact != ArtifactParquet {
		return nil, fmt.Errorf("convert: unsupported artifact %q", src.Artifact)
	}
	rc, err := Open(src.Path, src.Format)
	if err != nil {
		return nil, fmt.Errorf("convert: open %s: %w", src.Path, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}

	r := csv.NewReader(rc)
	r.ReuseRecord = true
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("convert: %s: header: %w", src.Path, err)
	}

	keep, names := n.layout(src.Provider, header)
	w := newArtifactWriter(outDir, Stem(src.Path), names, n.opts.RowsPerArtifact, n.opts.Allocator)

	cells := make([]string, len(keep))
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.abort()
			return nil, fmt.Errorf("convert: %s: %w", src.Path, err)
		}
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				w.abort()
				return nil, err
			}
		}
		blank := true
		for i, k := range keep {
			cells[i] = rec[k]
			if rec[k] != "" {
				blank = false
			}
		}
		if blank {
			continue
		}
		if err := w.append(cells); err != nil {
			w.abort()
			return nil, err
		}
	}

	paths, err := w.close()
	if err != nil {
		w.abort()
		return nil, err
	}
	return paths, nil
}

// layout decides which header positions survive and their output names.
// Output names are unique case-insensitively.
func (n *Normalizer) layout(provider string, header []string) (keep []int, names []string) {
	mapping := n.rules[provider]

	targets := make(map[string]bool, len(mapping))
	for i := range header {
		if dst, ok := mapping[strings.ToLower(cleanHeader(header[i]))]; ok {
			targets[strings.ToLower(dst)] = true
		}
	}
	reserved := make(map[string]bool, len(n.opts.Reserved))
	for _, r := range n.opts.Reserved {
		reserved[strings.ToLower(r)] = true
	}

	used := make(map[string]bool, len(header))
	for i, raw := range header {
		h := cleanHeader(raw)
		name, mapped := mapping[strings.ToLower(h)]
		if !mapped {
			if !n.opts.IncludeSourceColumns {
				continue
			}
			name = h
			if name == "" {
				name = "column_" + strconv.Itoa(i+1)
			}
			if targets[strings.ToLower(name)] || reserved[strings.ToLower(name)] {
				name = "x_" + name
			}
		}
		name = uniqueName(name, used)
		keep = append(keep, i)
		names = append(names, name)
	}
	return keep, names
}

func uniqueName(name string, used map[string]bool) string {
	candidate := name
	for i := 2; used[strings.ToLower(candidate)]; i++ {
		candidate = name + "_" + strconv.Itoa(i)
	}
	used[strings.ToLower(candidate)] = true
	return candidate
}
