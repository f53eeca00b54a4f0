// Package archive moves ingested source files out of the input directory and
// purges conversion artifacts.
package archive

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrArchive wraps every filesystem failure of this package.
var ErrArchive = errors.New("archive: failed")

// Archiver moves files into Dir and cleans intermediate artifacts.
type Archiver struct {
	// Dir is the archive directory, created on demand.
	Dir string
	// Pattern matches intermediate artifacts. Default: "*.parquet".
	Pattern string
	Logger  *slog.Logger

	now func() time.Time
}

// New creates an Archiver.
func New(dir, pattern string, logger *slog.Logger) *Archiver {
	if pattern == "" {
		pattern = "*.parquet"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{Dir: dir, Pattern: pattern, Logger: logger, now: time.Now}
}

// Archive moves path into the archive directory under its base name. An
// existing file is never overwritten; the new one is stored as
// "<stem>.<UTC timestamp>_<n><ext>" instead.
func (a *Archiver) Archive(path string) (string, error) {
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir %s: %v", ErrArchive, a.Dir, err)
	}
	dest, err := a.destination(filepath.Base(path))
	if err != nil {
		return "", err
	}
	if err := move(path, dest); err != nil {
		return "", fmt.Errorf("%w: move %s: %v", ErrArchive, path, err)
	}
	a.Logger.Info("archive: moved", "path", path, "dest", dest)
	return dest, nil
}

func (a *Archiver) destination(base string) (string, error) {
	dest := filepath.Join(a.Dir, base)
	if _, err := os.Lstat(dest); errors.Is(err, os.ErrNotExist) {
		return dest, nil
	}
	stem, ext := splitExt(base)
	stamp := a.now().UTC().Format("20060102T150405Z")
	for n := 1; n < 10_000; n++ {
		dest = filepath.Join(a.Dir, fmt.Sprintf("%s.%s_%d%s", stem, stamp, n, ext))
		if _, err := os.Lstat(dest); errors.Is(err, os.ErrNotExist) {
			return dest, nil
		}
	}
	return "", fmt.Errorf("%w: no free name for %s", ErrArchive, base)
}

// splitExt keeps compound extensions such as ".csv.gz" together.
func splitExt(base string) (stem, ext string) {
	lower := strings.ToLower(base)
	for _, e := range []string{".csv.gz", ".csv.zst", ".csv.zstd"} {
		if strings.HasSuffix(lower, e) {
			return base[:len(base)-len(e)], base[len(base)-len(e):]
		}
	}
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

// move renames src to dst, copying across filesystems.
func move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CleanIntermediate deletes the files in dir matching the artifact pattern
// and returns how many were removed. A missing dir is not an error.
func (a *Archiver) CleanIntermediate(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, a.Pattern))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrArchive, err)
	}
	removed := 0
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("%w: clean %s: %v", ErrArchive, dir, errors.Join(errs...))
	}
	return removed, nil
}

// PurgeStaging cleans a staging directory and removes it once empty.
func (a *Archiver) PurgeStaging(dir string) error {
	if dir == "" {
		return nil
	}
	n, err := a.CleanIntermediate(dir)
	if err != nil {
		return err
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", ErrArchive, dir, err)
	}
	a.Logger.Debug("archive: staging purged", "dir", dir, "artifacts", n)
	return nil
}
