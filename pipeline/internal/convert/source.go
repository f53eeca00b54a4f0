// Package convert is the conversion boundary: it senses what a source file
// is, turns it into normalized rows written as parquet artifacts, and reads
// those artifacts back. Callers depend on the Converter interface; Normalizer
// is the configuration-driven implementation shipped here.
package convert

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format is the on-disk encoding of a source file.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatCSVGzip Format = "csv.gz"
	FormatCSVZstd Format = "csv.zst"
)

// Artifact is the intermediate representation a converter writes.
type Artifact string

const ArtifactParquet Artifact = "parquet"

// GenericProvider is reported when no provider rule matches the header.
const GenericProvider = "generic"

// ErrUnsupportedFormat is returned for files whose extension is not recognized.
var ErrUnsupportedFormat = errors.New("convert: unsupported format")

// Source is a sensed input file.
type Source struct {
	Path     string
	Format   Format
	Artifact Artifact
	Provider string
}

// Converter turns one source into zero or more artifacts in outDir and
// returns their paths.
type Converter interface {
	Convert(ctx context.Context, src Source, outDir string) ([]string, error)
}

// ProviderRule recognizes a provider by header columns and renames its
// columns into the normalized schema.
type ProviderRule struct {
	Name string `yaml:"name"`
	// Detect lists header columns that must all be present. Matching ignores
	// case.
	Detect []string `yaml:"detect"`
	// Columns maps source header -> normalized column name. Source headers
	// match regardless of case.
	Columns map[string]string `yaml:"columns"`
}

// DetectFormat maps a path to its format by extension, case-insensitively.
func DetectFormat(path string) (Format, bool) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".csv.gz"):
		return FormatCSVGzip, true
	case strings.HasSuffix(lower, ".csv.zst"), strings.HasSuffix(lower, ".csv.zstd"):
		return FormatCSVZstd, true
	case strings.HasSuffix(lower, ".csv"):
		return FormatCSV, true
	}
	return "", false
}

// Stem returns the base name of path without its recognized extension.
func Stem(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	for _, ext := range []string{".csv.gz", ".csv.zstd", ".csv.zst", ".csv"} {
		if strings.HasSuffix(lower, ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Open returns a reader over the decoded CSV bytes of path.
func Open(path string, f Format) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch f {
	case FormatCSV:
		return file, nil
	case FormatCSVGzip:
		zr, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return &decoded{Reader: zr, close: func() error {
			zerr := zr.Close()
			if err := file.Close(); err != nil {
				return err
			}
			return zerr
		}}, nil
	case FormatCSVZstd:
		zr, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return &decoded{Reader: zr, close: func() error {
			zr.Close()
			return file.Close()
		}}, nil
	}
	file.Close()
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
}

type decoded struct {
	io.Reader
	close func() error
}

func (d *decoded) Close() error { return d.close() }

// Sensor inspects a source file to decide how it is converted.
type Sensor struct {
	Rules []ProviderRule
}

// Sense detects the format from the extension and the provider from the
// header row. Files with no header report GenericProvider.
func (s *Sensor) Sense(path string) (Source, error) {
	format, ok := DetectFormat(path)
	if !ok {
		return Source{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}
	src := Source{Path: path, Format: format, Artifact: ArtifactParquet, Provider: GenericProvider}

	header, err := readHeader(path, format)
	if err != nil {
		return Source{}, err
	}
	if rule, ok := s.match(header); ok {
		src.Provider = rule.Name
	}
	return src, nil
}

func (s *Sensor) match(header []string) (ProviderRule, bool) {
	if len(header) == 0 {
		return ProviderRule{}, false
	}
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[strings.ToLower(cleanHeader(h))] = true
	}
	for _, r := range s.Rules {
		if len(r.Detect) == 0 {
			continue
		}
		all := true
		for _, d := range r.Detect {
			if !present[strings.ToLower(d)] {
				all = false
				break
			}
		}
		if all {
			return r, true
		}
	}
	return ProviderRule{}, false
}

func readHeader(path string, f Format) ([]string, error) {
	rc, err := Open(path, f)
	if err != nil {
		return nil, fmt.Errorf("convert: sense %s: %w", filepath.Base(path), err)
	}
	defer rc.Close()

	header, err := csv.NewReader(rc).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("convert: sense %s: %w", filepath.Base(path), err)
	}
	return header, nil
}

// cleanHeader strips a UTF-8 BOM and surrounding blanks.
func cleanHeader(h string) string {
	return strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
}
