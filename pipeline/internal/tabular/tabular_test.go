package tabular

import (
	"reflect"
	"testing"
)

func TestConcatUnionsColumns(t *testing.T) {
	a := New("X", "Y")
	a.Sources = []string{"a.csv"}
	a.AppendStrings("x1", "y1")

	b := New("Y", "Z")
	b.Sources = []string{"b.csv"}
	b.AppendStrings("y2", "z2")

	got := Concat(a, nil, b)

	if want := []string{"X", "Y", "Z"}; !reflect.DeepEqual(got.Names(), want) {
		t.Fatalf("columns = %v, want %v", got.Names(), want)
	}
	if want := []string{"a.csv", "b.csv"}; !reflect.DeepEqual(got.Sources, want) {
		t.Fatalf("sources = %v, want %v", got.Sources, want)
	}
	if got.Len() != 2 {
		t.Fatalf("rows = %d, want 2", got.Len())
	}

	if v, _ := got.Value(0, "Z"); v.Valid {
		t.Errorf("a row Z = %q, want NULL", v.String)
	}
	if v, _ := got.Value(1, "X"); v.Valid {
		t.Errorf("b row X = %q, want NULL", v.String)
	}
	if v, _ := got.Value(1, "Y"); !v.Valid || v.String != "y2" {
		t.Errorf("b row Y = %+v, want y2", v)
	}
}

func TestConcatKeepsFirstKind(t *testing.T) {
	a := &Batch{}
	a.AddColumn(Column{Name: "Date", Kind: KindDate})
	b := New("Date")

	got := Concat(a, b)
	if got.Columns[0].Kind != KindDate {
		t.Fatalf("kind = %q, want date", got.Columns[0].Kind)
	}
}

func TestAddColumnPadsRows(t *testing.T) {
	b := New("A")
	b.AppendStrings("1")
	b.AppendStrings("")

	if i := b.AddColumn(Column{Name: "B"}); i != 1 {
		t.Fatalf("index = %d, want 1", i)
	}
	if i := b.AddColumn(Column{Name: "A"}); i != 0 {
		t.Fatalf("re-adding A moved it to %d", i)
	}
	for r, row := range b.Rows {
		if len(row) != 2 {
			t.Fatalf("row %d width = %d, want 2", r, len(row))
		}
	}
	if v, _ := b.Value(1, "A"); v.Valid {
		t.Fatalf("empty string should be NULL, got %+v", v)
	}
}

func TestAppendRejectsWrongWidth(t *testing.T) {
	b := New("A", "B")
	if err := b.AppendStrings("only-one"); err == nil {
		t.Fatal("expected width error")
	}
}

func TestConcatFoldsCase(t *testing.T) {
	a := New("Cost", "X")
	a.AppendStrings("1", "x")
	b := New("cost", "Y")
	b.AppendStrings("2", "y")

	got := Concat(a, b)
	if want := []string{"Cost", "X", "Y"}; !reflect.DeepEqual(got.Names(), want) {
		t.Fatalf("columns = %v, want %v", got.Names(), want)
	}
	if v, _ := got.Value(1, "COST"); v.String != "2" {
		t.Fatalf("b row Cost = %+v, want 2", v)
	}
	if i := got.AddColumn(Column{Name: "x"}); i != 1 {
		t.Fatalf("AddColumn(x) = %d, want existing slot 1", i)
	}
}
