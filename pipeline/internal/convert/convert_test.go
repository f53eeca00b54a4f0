package convert

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

var awsRule = ProviderRule{
	Name:   "aws",
	Detect: []string{"lineItem/UsageStartDate", "lineItem/UnblendedCost"},
	Columns: map[string]string{
		"lineItem/UsageStartDate": "Date",
		"lineItem/UnblendedCost":  "Cost",
	},
}

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		path string
		want Format
		ok   bool
	}{
		{"a.csv", FormatCSV, true},
		{"A.CSV", FormatCSV, true},
		{"bill.csv.gz", FormatCSVGzip, true},
		{"bill.csv.zst", FormatCSVZstd, true},
		{"bill.csv.zstd", FormatCSVZstd, true},
		{"notes.txt", "", false},
		{"bill.gz", "", false},
	}
	for _, c := range cases {
		got, ok := DetectFormat(c.path)
		if got != c.want || ok != c.ok {
			t.Errorf("DetectFormat(%q) = %q, %v; want %q, %v", c.path, got, ok, c.want, c.ok)
		}
	}
}

func TestStem(t *testing.T) {
	for in, want := range map[string]string{
		"/in/a.csv":          "a",
		"/in/bill.CSV.gz":    "bill",
		"/in/x.y.csv.zst":    "x.y",
		"/in/report.parquet": "report",
	} {
		if got := Stem(in); got != want {
			t.Errorf("Stem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSenseProvider(t *testing.T) {
	dir := t.TempDir()
	s := &Sensor{Rules: []ProviderRule{awsRule}}

	aws := writeFile(t, dir, "aws.csv", []byte("\ufefflineItem/UsageStartDate,lineItem/UnblendedCost,Extra\n2024-01-01,1.5,e\n"))
	src, err := s.Sense(aws)
	if err != nil {
		t.Fatal(err)
	}
	if src.Provider != "aws" || src.Format != FormatCSV || src.Artifact != ArtifactParquet {
		t.Fatalf("sense aws = %+v", src)
	}

	other := writeFile(t, dir, "other.csv", []byte("X,Y\n1,2\n"))
	src, err = s.Sense(other)
	if err != nil {
		t.Fatal(err)
	}
	if src.Provider != GenericProvider {
		t.Fatalf("provider = %q, want generic", src.Provider)
	}

	empty := writeFile(t, dir, "empty.csv", nil)
	src, err = s.Sense(empty)
	if err != nil {
		t.Fatalf("empty file: %v", err)
	}
	if src.Provider != GenericProvider {
		t.Fatalf("empty provider = %q", src.Provider)
	}

	if _, err := s.Sense(filepath.Join(dir, "notes.txt")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("txt: err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestProviderRulesIgnoreCase(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "aws.csv", []byte("LINEITEM/USAGESTARTDATE,lineitem/unblendedcost\n2024-01-01,1.5\n"))

	src, err := (&Sensor{Rules: []ProviderRule{awsRule}}).Sense(in)
	if err != nil {
		t.Fatal(err)
	}
	if src.Provider != "aws" {
		t.Fatalf("provider = %q, want aws", src.Provider)
	}

	n := NewNormalizer(NormalizerOptions{Rules: []ProviderRule{awsRule}})
	paths, err := n.Convert(context.Background(), src, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := ReadArtifacts(context.Background(), paths)
	if err != nil {
		t.Fatal(err)
	}
	if got := b.Names(); !reflect.DeepEqual(got, []string{"Date", "Cost"}) {
		t.Fatalf("columns = %v, want [Date Cost]", got)
	}
}

func TestNormalizerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "aws.csv", []byte(
		"lineItem/UsageStartDate,lineItem/UnblendedCost,Cost,,Region,region\n"+
			"2024-01-01,1.5,9,blank,eu,EU\n"+
			",,,,,\n"+
			"2024-01-02,,7,,us,US\n"))

	n := NewNormalizer(NormalizerOptions{
		Rules:                []ProviderRule{awsRule},
		IncludeSourceColumns: true,
	})
	src := Source{Path: in, Format: FormatCSV, Artifact: ArtifactParquet, Provider: "aws"}
	out := filepath.Join(dir, "out")
	paths, err := n.Convert(context.Background(), src, out)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("artifacts = %v, want 1", paths)
	}

	b, err := ReadArtifacts(context.Background(), paths)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := []string{"Date", "Cost", "x_Cost", "column_4", "Region", "region_2"}
	if got := b.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("columns = %v, want %v", got, want)
	}
	if b.Len() != 2 {
		t.Fatalf("rows = %d, want 2 (blank row skipped)", b.Len())
	}
	if v, _ := b.Value(0, "Cost"); !v.Valid || v.String != "1.5" {
		t.Fatalf("row 0 Cost = %+v", v)
	}
	if v, _ := b.Value(1, "Cost"); v.Valid {
		t.Fatalf("row 1 Cost = %q, want NULL", v.String)
	}
	if v, _ := b.Value(1, "x_Cost"); v.String != "7" {
		t.Fatalf("row 1 x_Cost = %+v", v)
	}
}

func TestNormalizerDropsUnmappedColumns(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "aws.csv", []byte("lineItem/UsageStartDate,lineItem/UnblendedCost,Extra\n2024-01-01,1,e\n"))
	n := NewNormalizer(NormalizerOptions{Rules: []ProviderRule{awsRule}})

	paths, err := n.Convert(context.Background(), Source{Path: in, Format: FormatCSV, Provider: "aws"}, dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ReadArtifacts(context.Background(), paths)
	if err != nil {
		t.Fatal(err)
	}
	if got := b.Names(); !reflect.DeepEqual(got, []string{"Date", "Cost"}) {
		t.Fatalf("columns = %v", got)
	}
}

func TestNormalizerReservedPrefix(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "r.csv", []byte("_row_id,A\n1,2\n"))
	n := NewNormalizer(NormalizerOptions{IncludeSourceColumns: true, Reserved: []string{"_row_id"}})

	paths, err := n.Convert(context.Background(), Source{Path: in, Format: FormatCSV, Provider: GenericProvider}, dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ReadArtifacts(context.Background(), paths)
	if err != nil {
		t.Fatal(err)
	}
	if got := b.Names(); !reflect.DeepEqual(got, []string{"x__row_id", "A"}) {
		t.Fatalf("columns = %v", got)
	}
}

func TestNormalizerCompressedInputs(t *testing.T) {
	const body = "X,Y\n1,2\n3,4\n"
	dir := t.TempDir()
	n := NewNormalizer(NormalizerOptions{IncludeSourceColumns: true})
	s := &Sensor{}

	for name, data := range map[string][]byte{
		"g.csv.gz":  gzipBytes(t, body),
		"z.csv.zst": zstdBytes(t, body),
	} {
		in := writeFile(t, dir, name, data)
		src, err := s.Sense(in)
		if err != nil {
			t.Fatalf("%s: sense: %v", name, err)
		}
		paths, err := n.Convert(context.Background(), src, filepath.Join(dir, name+".out"))
		if err != nil {
			t.Fatalf("%s: convert: %v", name, err)
		}
		b, err := ReadArtifacts(context.Background(), paths)
		if err != nil {
			t.Fatalf("%s: read: %v", name, err)
		}
		if b.Len() != 2 || !reflect.DeepEqual(b.Names(), []string{"X", "Y"}) {
			t.Fatalf("%s: got %v with %d rows", name, b.Names(), b.Len())
		}
	}
}

func TestNormalizerSplitsArtifacts(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "s.csv", []byte("A\n1\n2\n3\n4\n5\n"))
	n := NewNormalizer(NormalizerOptions{IncludeSourceColumns: true, RowsPerArtifact: 2})

	out := filepath.Join(dir, "out")
	paths, err := n.Convert(context.Background(), Source{Path: in, Format: FormatCSV}, out)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 3 {
		t.Fatalf("artifacts = %d, want 3", len(paths))
	}
	b, err := ReadArtifacts(context.Background(), paths)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"1", "2", "3", "4", "5"} {
		if v, _ := b.Value(i, "A"); v.String != want {
			t.Fatalf("row %d = %q, want %q", i, v.String, want)
		}
	}
}

func TestNormalizerHeaderOnly(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "h.csv", []byte("A,B\n"))
	n := NewNormalizer(NormalizerOptions{IncludeSourceColumns: true})

	paths, err := n.Convert(context.Background(), Source{Path: in, Format: FormatCSV}, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 0 {
		t.Fatalf("artifacts = %v, want none", paths)
	}
}

func TestNormalizerMalformedRemovesArtifacts(t *testing.T) {
	dir := t.TempDir()
	// The ragged row lands after the first artifact is flushed.
	in := writeFile(t, dir, "bad.csv", []byte("A,B\n1,2\n3,4\n5\n"))
	n := NewNormalizer(NormalizerOptions{IncludeSourceColumns: true, RowsPerArtifact: 1})

	out := filepath.Join(dir, "out")
	if _, err := n.Convert(context.Background(), Source{Path: in, Format: FormatCSV}, out); err == nil {
		t.Fatal("expected error for ragged row")
	}
	left, _ := filepath.Glob(filepath.Join(out, ArtifactPattern))
	if len(left) != 0 {
		t.Fatalf("partial artifacts left behind: %v", left)
	}
}

func TestReadArtifactsConcatenates(t *testing.T) {
	dir := t.TempDir()
	n := NewNormalizer(NormalizerOptions{IncludeSourceColumns: true})
	a := writeFile(t, dir, "a.csv", []byte("X,Y\n1,2\n"))
	b := writeFile(t, dir, "b.csv", []byte("Y,Z\n3,4\n"))

	var paths []string
	for _, p := range []string{a, b} {
		out, err := n.Convert(context.Background(), Source{Path: p, Format: FormatCSV}, dir)
		if err != nil {
			t.Fatal(err)
		}
		paths = append(paths, out...)
	}
	got, err := ReadArtifacts(context.Background(), paths)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Names(), []string{"X", "Y", "Z"}) {
		t.Fatalf("columns = %v", got.Names())
	}
	if v, _ := got.Value(0, "Z"); v.Valid {
		t.Fatal("a's row has Z")
	}
	if v, _ := got.Value(1, "X"); v.Valid {
		t.Fatal("b's row has X")
	}
}
