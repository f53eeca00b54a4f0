package dataset

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/focusflow/dbopen"
	"github.com/hazyhaar/focusflow/pipeline/internal/ledger"
	"github.com/hazyhaar/focusflow/pipeline/internal/tabular"
)

type recordingMerger struct {
	calls   int
	last    *tabular.Batch
	failErr error
}

func (m *recordingMerger) MergeBatch(_ context.Context, b *tabular.Batch) (ledger.MergeStats, error) {
	m.calls++
	m.last = b
	if m.failErr != nil {
		return ledger.MergeStats{}, m.failErr
	}
	return ledger.MergeStats{Rows: b.Len()}, nil
}

func batch(t *testing.T, source string, names []string, rows ...[]string) *tabular.Batch {
	t.Helper()
	b := tabular.New(names...)
	b.Sources = []string{source}
	for _, r := range rows {
		if err := b.AppendStrings(r...); err != nil {
			t.Fatal(err)
		}
	}
	return b
}

func TestAccumulateEmptyIsNoop(t *testing.T) {
	m := &recordingMerger{}
	a := New(m, Options{})
	stats, err := a.Accumulate(context.Background(), tabular.New("X"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.calls != 0 || stats.Rows != 0 {
		t.Fatalf("merge calls = %d, stats = %+v; want none", m.calls, stats)
	}
}

func TestAccumulateSingleMergeInArrivalOrder(t *testing.T) {
	m := &recordingMerger{}
	a := New(m, Options{})

	b1 := batch(t, "a.csv", []string{"X", "Y"}, []string{"x1", "y1"}, []string{"x2", "y2"})
	b2 := batch(t, "b.csv", []string{"Y", "Z"}, []string{"y3", "z3"})
	if _, err := a.Accumulate(context.Background(), b1, b2); err != nil {
		t.Fatal(err)
	}
	if m.calls != 1 {
		t.Fatalf("merge calls = %d, want 1", m.calls)
	}
	got := m.last
	if !reflect.DeepEqual(got.Names(), []string{"X", "Y", "Z"}) {
		t.Fatalf("columns = %v", got.Names())
	}
	if !reflect.DeepEqual(got.Sources, []string{"a.csv", "b.csv"}) {
		t.Fatalf("sources = %v", got.Sources)
	}
	for i, want := range []string{"y1", "y2", "y3"} {
		if v, _ := got.Value(i, "Y"); v.String != want {
			t.Fatalf("row %d Y = %q, want %q", i, v.String, want)
		}
	}
}

func TestAccumulateNormalizesDates(t *testing.T) {
	m := &recordingMerger{}
	a := New(m, Options{DateColumns: []string{"date"}})

	b := batch(t, "a.csv", []string{"Date", "Cost"},
		[]string{"2024-03-01", "1"},
		[]string{"2024-03-01T10:20:30+02:00", "2"},
		[]string{"03/15/2024", "3"},
		[]string{"", "4"},
	)
	if _, err := a.Accumulate(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	got := m.last
	if got.Columns[0].Kind != tabular.KindDate || got.Columns[1].Kind != tabular.KindText {
		t.Fatalf("kinds = %+v", got.Columns)
	}
	want := []sql.NullString{
		{String: "2024-03-01 00:00:00", Valid: true},
		{String: "2024-03-01 08:20:30", Valid: true},
		{String: "2024-03-15 00:00:00", Valid: true},
		{},
	}
	for i, w := range want {
		if v, _ := got.Value(i, "Date"); v != w {
			t.Errorf("row %d Date = %+v, want %+v", i, v, w)
		}
	}
}

func TestAccumulateKeepsUnparseableDates(t *testing.T) {
	store := ledger.New(dbopen.OpenMemory(t), nil)
	a := New(store, Options{})
	ctx := context.Background()

	b := batch(t, "a.csv", []string{"Date", "Cost"},
		[]string{"2024-03-01", "1"},
		[]string{"Q1 2024", "2"},
	)
	if _, err := a.Accumulate(ctx, b); err != nil {
		t.Fatal(err)
	}
	cols, err := store.Columns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cols[0].Name != "Date" || cols[0].Kind != tabular.KindText {
		t.Fatalf("Date column = %+v, want text", cols[0])
	}

	var got []string
	rows, err := store.DB().Query(`SELECT "Date" FROM dataset ORDER BY _row_id`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			t.Fatal(err)
		}
		got = append(got, d)
	}
	if want := []string{"2024-03-01 00:00:00", "Q1 2024"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("dates = %v, want %v", got, want)
	}
}

func TestAccumulateWithoutDateColumn(t *testing.T) {
	m := &recordingMerger{}
	a := New(m, Options{})
	b := batch(t, "a.csv", []string{"Cost"}, []string{"1"})
	if _, err := a.Accumulate(context.Background(), b); err != nil {
		t.Fatalf("missing date column must be tolerated: %v", err)
	}
}

func TestAccumulatePropagatesStorageError(t *testing.T) {
	boom := errors.New("disk full")
	a := New(&recordingMerger{failErr: boom}, Options{})
	_, err := a.Accumulate(context.Background(), batch(t, "a.csv", []string{"X"}, []string{"1"}))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestAccumulateIntoLedger(t *testing.T) {
	store := ledger.New(dbopen.OpenMemory(t), nil)
	a := New(store, Options{})
	ctx := context.Background()

	b1 := batch(t, "a.csv", []string{"Date", "X"}, []string{"2024-01-02", "1"})
	if _, err := a.Accumulate(ctx, b1); err != nil {
		t.Fatal(err)
	}
	cols, err := store.Columns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != 2 || cols[0].Kind != tabular.KindDate {
		t.Fatalf("columns = %+v", cols)
	}
	var d string
	if err := store.DB().QueryRow(`SELECT "Date" FROM dataset`).Scan(&d); err != nil {
		t.Fatal(err)
	}
	if d != "2024-01-02 00:00:00" {
		t.Fatalf("stored date = %q", d)
	}
}
