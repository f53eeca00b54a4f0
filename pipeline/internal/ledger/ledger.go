// Package ledger persists which source files were ingested and accumulates
// their normalized rows into a single wide table whose column set only grows.
//
// Tables (created on first use):
//
//	processed_files  one row per file identifier, UNIQUE, append-only
//	dataset          accumulated rows; one TEXT column per data column ever seen
//	dataset_columns  column registry: name -> kind, in order of first appearance
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/focusflow/dbopen"
	"github.com/hazyhaar/focusflow/pipeline/internal/tabular"
)

// RowIDColumn is the surrogate key of the dataset table. Batches may not use it.
const RowIDColumn = "_row_id"

const schema = `
CREATE TABLE IF NOT EXISTS processed_files (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    file_name    TEXT NOT NULL UNIQUE,
    processed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dataset (
    _row_id INTEGER PRIMARY KEY AUTOINCREMENT
);

CREATE TABLE IF NOT EXISTS dataset_columns (
    name      TEXT PRIMARY KEY COLLATE NOCASE,
    kind      TEXT NOT NULL,
    position  INTEGER NOT NULL,
    added_at  TEXT NOT NULL
);
`

// Store is the ledger. It is safe for concurrent use; all writes go through a
// single mutex so that schema evolution never interleaves.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	initMu sync.Mutex
	ready  bool

	writeMu sync.Mutex
}

// MergeStats summarizes one MergeBatch call.
type MergeStats struct {
	Rows         int      `json:"rows"`
	AddedColumns []string `json:"added_columns,omitempty"`
}

// New wraps an already-opened database. Tables are created lazily.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Open opens (or creates) the ledger database at path. The schema is applied
// while opening, so the store is ready on return.
func Open(path string, logger *slog.Logger, opts ...dbopen.Option) (*Store, error) {
	opts = append([]dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(schema)}, opts...)
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	s := New(db, logger)
	s.ready = true
	return s, nil
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) ensure(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.ready {
		return nil
	}
	if _, err := dbopen.Exec(ctx, s.db, schema); err != nil {
		return fmt.Errorf("ledger: init schema: %w", err)
	}
	s.ready = true
	return nil
}

// IsProcessed reports whether a record exists for id.
func (s *Store) IsProcessed(ctx context.Context, id string) (bool, error) {
	if err := s.ensure(ctx); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_files WHERE file_name = ?`, id,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ledger: is processed: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records id. Recording an id that already exists is not an
// error; inserted is false in that case and is the authoritative signal that
// someone else already handled the file.
func (s *Store) MarkProcessed(ctx context.Context, id string) (inserted bool, err error) {
	if err := s.ensure(ctx); err != nil {
		return false, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := dbopen.Exec(ctx, s.db,
		`INSERT OR IGNORE INTO processed_files (file_name, processed_at) VALUES (?, ?)`,
		id, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("ledger: mark processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger: mark processed: %w", err)
	}
	return n == 1, nil
}

// ProcessedCount returns the number of processed-file records.
func (s *Store) ProcessedCount(ctx context.Context) (int, error) {
	if err := s.ensure(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: processed count: %w", err)
	}
	return n, nil
}

// RowCount returns the number of accumulated rows.
func (s *Store) RowCount(ctx context.Context) (int, error) {
	if err := s.ensure(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dataset`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: row count: %w", err)
	}
	return n, nil
}

// Columns returns the accumulated data columns in order of first appearance.
func (s *Store) Columns(ctx context.Context) ([]tabular.Column, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name, kind FROM dataset_columns ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("ledger: columns: %w", err)
	}
	defer rows.Close()

	var cols []tabular.Column
	for rows.Next() {
		var c tabular.Column
		var kind string
		if err := rows.Scan(&c.Name, &kind); err != nil {
			return nil, fmt.Errorf("ledger: columns: %w", err)
		}
		c.Kind = tabular.Kind(kind)
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// MergeBatch widens the dataset table with every column of b it lacks and
// appends all rows of b, in one transaction. Either the new columns and all
// rows are committed together or nothing is. A column that another writer
// added in the meantime is tolerated.
func (s *Store) MergeBatch(ctx context.Context, b *tabular.Batch) (MergeStats, error) {
	if b.Len() == 0 {
		return MergeStats{}, nil
	}
	if err := validateColumns(b.Columns); err != nil {
		return MergeStats{}, err
	}
	if err := s.ensure(ctx); err != nil {
		return MergeStats{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var stats MergeStats
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		stats = MergeStats{}

		existing, err := tableColumns(ctx, tx)
		if err != nil {
			return err
		}
		now := time.Now().UTC().Format(time.RFC3339)
		for _, c := range b.Columns {
			if existing[strings.ToLower(c.Name)] {
				continue
			}
			added, err := addColumn(ctx, tx, c, now)
			if err != nil {
				return err
			}
			if added {
				stats.AddedColumns = append(stats.AddedColumns, c.Name)
			}
			existing[strings.ToLower(c.Name)] = true
		}

		n, err := insertRows(ctx, tx, b)
		if err != nil {
			return err
		}
		stats.Rows = n
		return nil
	})
	if err != nil {
		return MergeStats{}, fmt.Errorf("ledger: merge: %w", err)
	}

	if len(stats.AddedColumns) > 0 {
		s.logger.Info("ledger: schema widened", "added", stats.AddedColumns)
	}
	return stats, nil
}

func validateColumns(cols []tabular.Column) error {
	seen := make(map[string]string, len(cols))
	for _, c := range cols {
		if c.Name == "" {
			return errors.New("ledger: empty column name")
		}
		key := strings.ToLower(c.Name)
		if key == RowIDColumn {
			return fmt.Errorf("ledger: column name %q is reserved", c.Name)
		}
		// SQLite identifiers are case-insensitive.
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("ledger: columns %q and %q collide", prev, c.Name)
		}
		seen[key] = c.Name
	}
	return nil
}

// tableColumns returns the physical dataset columns, lower-cased.
func tableColumns(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_table_info('dataset')`)
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("table info: %w", err)
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

func addColumn(ctx context.Context, tx *sql.Tx, c tabular.Column, now string) (bool, error) {
	kind := c.Kind
	if !kind.Valid() {
		kind = tabular.KindText
	}
	_, err := tx.ExecContext(ctx, `ALTER TABLE dataset ADD COLUMN `+quoteIdent(c.Name)+` TEXT`)
	if err != nil {
		if isDuplicateColumn(err) {
			return false, nil
		}
		return false, fmt.Errorf("add column %q: %w", c.Name, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO dataset_columns (name, kind, position, added_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM dataset_columns), ?)`,
		c.Name, string(kind), now)
	if err != nil {
		return false, fmt.Errorf("register column %q: %w", c.Name, err)
	}
	return true, nil
}

func insertRows(ctx context.Context, tx *sql.Tx, b *tabular.Batch) (int, error) {
	names := make([]string, len(b.Columns))
	marks := make([]string, len(b.Columns))
	for i, c := range b.Columns {
		names[i] = quoteIdent(c.Name)
		marks[i] = "?"
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dataset (`+strings.Join(names, ", ")+`) VALUES (`+strings.Join(marks, ", ")+`)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(b.Columns))
	for r, row := range b.Rows {
		for i := range row {
			args[i] = row[i]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("insert row %d: %w", r, err)
		}
	}
	return len(b.Rows), nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

// quoteIdent wraps a SQL identifier in double quotes, escaping embedded quotes.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
