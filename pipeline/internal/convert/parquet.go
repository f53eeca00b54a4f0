package convert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"

	"github.com/hazyhaar/focusflow/pipeline/internal/tabular"
)

// ArtifactPattern matches the files artifactWriter produces.
const ArtifactPattern = "*.parquet"

// artifactWriter buffers string rows and writes them as parquet files of at
// most limit rows each. Every column is a nullable UTF-8 string.
type artifactWriter struct {
	dir    string
	stem   string
	limit  int
	mem    memory.Allocator
	schema *arrow.Schema

	builder  *array.RecordBuilder
	released bool
	rows     int
	paths    []string
}

func newArtifactWriter(dir, stem string, columns []string, limit int, mem memory.Allocator) *artifactWriter {
	fields := make([]arrow.Field, len(columns))
	for i, c := range columns {
		fields[i] = arrow.Field{Name: c, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)
	return &artifactWriter{
		dir:     dir,
		stem:    stem,
		limit:   limit,
		mem:     mem,
		schema:  schema,
		builder: array.NewRecordBuilder(mem, schema),
	}
}

// append adds one row; "" is written as null.
func (w *artifactWriter) append(cells []string) error {
	for i, c := range cells {
		b := w.builder.Field(i).(*array.StringBuilder)
		if c == "" {
			b.AppendNull()
		} else {
			b.Append(c)
		}
	}
	w.rows++
	if w.rows >= w.limit {
		return w.flush()
	}
	return nil
}

func (w *artifactWriter) flush() error {
	if w.rows == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	w.rows = 0

	path := filepath.Join(w.dir, fmt.Sprintf("%s-%04d.parquet", w.stem, len(w.paths)+1))
	if err := writeParquet(path, w.schema, rec); err != nil {
		return err
	}
	w.paths = append(w.paths, path)
	return nil
}

// close flushes the tail and returns every artifact written.
func (w *artifactWriter) close() ([]string, error) {
	defer w.release()
	if err := w.flush(); err != nil {
		return nil, err
	}
	return w.paths, nil
}

// abort releases buffers and removes anything already written.
func (w *artifactWriter) abort() {
	w.release()
	for _, p := range w.paths {
		os.Remove(p)
	}
	w.paths = nil
}

func (w *artifactWriter) release() {
	if !w.released {
		w.builder.Release()
		w.released = true
	}
}

func writeParquet(path string, schema *arrow.Schema, rec arrow.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("convert: create artifact: %w", err)
	}
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithCreatedBy("focusflow"),
	)
	fw, err := pqarrow.NewFileWriter(schema, f, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("convert: parquet writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		f.Close()
		os.Remove(path)
		return fmt.Errorf("convert: write artifact: %w", err)
	}
	if err := fw.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("convert: close artifact: %w", err)
	}
	// The parquet writer closes its sink; a second close is expected to fail.
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("convert: close artifact: %w", err)
	}
	return nil
}

// ReadArtifacts loads parquet artifacts into one batch, in path order.
func ReadArtifacts(ctx context.Context, paths []string) (*tabular.Batch, error) {
	mem := memory.DefaultAllocator
	parts := make([]*tabular.Batch, 0, len(paths))
	for _, p := range paths {
		b, err := readArtifact(ctx, p, mem)
		if err != nil {
			return nil, err
		}
		parts = append(parts, b)
	}
	return tabular.Concat(parts...), nil
}

func readArtifact(ctx context.Context, path string, mem memory.Allocator) (*tabular.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("convert: open artifact: %w", err)
	}
	defer f.Close()

	tbl, err := pqarrow.ReadTable(ctx, f, parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("convert: read artifact %s: %w", filepath.Base(path), err)
	}
	defer tbl.Release()

	ncols := int(tbl.NumCols())
	b := &tabular.Batch{}
	for i := 0; i < ncols; i++ {
		b.AddColumn(tabular.Column{Name: tbl.Schema().Field(i).Name, Kind: tabular.KindText})
	}

	rows := make([][]sql.NullString, tbl.NumRows())
	for r := range rows {
		rows[r] = make([]sql.NullString, ncols)
	}
	for i := 0; i < ncols; i++ {
		r := 0
		for _, chunk := range tbl.Column(i).Data().Chunks() {
			for j := 0; j < chunk.Len(); j++ {
				if !chunk.IsNull(j) {
					rows[r][i] = sql.NullString{String: stringAt(chunk, j), Valid: true}
				}
				r++
			}
		}
	}
	b.Rows = rows
	return b, nil
}

func stringAt(a arrow.Array, i int) string {
	switch v := a.(type) {
	case *array.String:
		return v.Value(i)
	case *array.LargeString:
		return v.Value(i)
	}
	return a.ValueStr(i)
}
