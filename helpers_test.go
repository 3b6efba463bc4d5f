package cpra

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeLines writes lines, each terminated by a newline, to dir/name.
func writeLines(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readAll(t *testing.T, path string) []*Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	r, err := NewReader(f, path, DefaultSchema(), ReaderOptions{AllowExtraFields: true})
	if err != nil {
		t.Fatal(err)
	}
	var out []*Record
	for rec := r.Read(); rec != nil; rec = r.Read() {
		out = append(out, rec)
	}
	if err := r.Error(); err != nil {
		t.Fatal(err)
	}
	return out
}

func keysOf(recs []*Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Key.String()
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// sliceSource serves records from memory.
type sliceSource struct {
	recs []*Record
	i    int
}

func (s *sliceSource) Read() *Record {
	if s.i >= len(s.recs) {
		return nil
	}
	s.i++
	return s.recs[s.i-1]
}

func (s *sliceSource) Error() error { return nil }

func assoc(chrom string, pos int64, pval float64) *Record {
	rank, ok := ChromosomeRank(chrom)
	if !ok {
		panic("bad chromosome " + chrom)
	}
	return &Record{
		Key:    Key{Chrom: rank, Pos: pos, Ref: "A", Alt: "G"},
		Fields: []string{"pval"},
		Values: []Value{FloatValue(pval)},
	}
}
