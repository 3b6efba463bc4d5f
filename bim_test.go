package cpra

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/carbocation/genomisc"
	"github.com/google/go-cmp/cmp"
)

func TestBIMRowFromRecord(t *testing.T) {
	rec := &Record{
		Key:    Key{Chrom: 22, Pos: 1234, Ref: "C", Alt: "T"},
		Fields: []string{"rsids"},
		Values: []Value{StringValue("rs7,rs8")},
	}
	row, err := BIMRowFromRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
	expected := genomisc.BIMRow{Chromosome: "X", Coordinate: 1234, VariantID: "rs7", Allele1: "T", Allele2: "C"}
	if diff := cmp.Diff(expected, row); diff != "" {
		t.Errorf("Row mismatch (-want +got):\n%s", diff)
	}

	rec.Values[0] = Value{}
	if row, _ := BIMRowFromRecord(rec); row.VariantID != "X:1234:C:T" {
		t.Errorf("Got id %s, expected the key when there is no rsid", row.VariantID)
	}

	rec.Key.Pos = 1 << 33
	if _, err := BIMRowFromRecord(rec); err == nil {
		t.Errorf("A position beyond 32 bits should not fit a .bim row")
	}
}

func TestWriteBIM(t *testing.T) {
	recs := []*Record{
		{Key: Key{Chrom: 0, Pos: 10, Ref: "A", Alt: "G"}, Fields: []string{"rsids"}, Values: []Value{StringValue("rs1")}},
		{Key: Key{Chrom: 0, Pos: 20, Ref: "AT", Alt: "A"}},
	}

	var buf bytes.Buffer
	n, err := WriteBIM(&buf, &sliceSource{recs: recs})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Got %d rows, expected 2", n)
	}

	expected := strings.Join([]string{
		"1\trs1\t0\t10\tG\tA",
		"1\t1:20:AT:A\t0\t20\tA\tAT",
	}, "\n") + "\n"
	if diff := cmp.Diff(expected, buf.String()); diff != "" {
		t.Errorf("Output mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteBIMFile(t *testing.T) {
	dir := t.TempDir()
	recs := []*Record{
		{Key: Key{Chrom: 0, Pos: 10, Ref: "A", Alt: "G"}, Fields: []string{"rsids"}, Values: []Value{StringValue("rs1")}},
		{Key: Key{Chrom: 0, Pos: 1 << 33, Ref: "A", Alt: "C"}},
	}

	ok := filepath.Join(dir, "ok.bim")
	if _, err := WriteBIMFile(ok, &sliceSource{recs: recs[:1]}); err != nil {
		t.Fatal(err)
	}
	if b, err := os.ReadFile(ok); err != nil || string(b) != "1\trs1\t0\t10\tG\tA\n" {
		t.Errorf("Got %q, %v", b, err)
	}

	// A record that does not fit fails the export without leaving a
	// truncated file behind.
	bad := filepath.Join(dir, "bad.bim")
	if _, err := WriteBIMFile(bad, &sliceSource{recs: recs}); err == nil {
		t.Fatalf("Expected an error for a position beyond 32 bits")
	}
	if fileExists(bad) {
		t.Errorf("A failed export left %s behind", bad)
	}
	if parts, _ := filepath.Glob(filepath.Join(dir, ".*"+partSuffix)); len(parts) != 0 {
		t.Errorf("Part files left behind: %v", parts)
	}
}
