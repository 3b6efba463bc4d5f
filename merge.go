package cpra

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/bytefmt"
	"github.com/carbocation/pfx"
)

// MergeOptions govern how records that share a key are reconciled.
type MergeOptions struct {
	// DuplicatesExpected accepts differing payloads for the same key; the
	// record from the lowest-numbered source is kept. Without it such a
	// conflict is a DuplicateKeyError.
	DuplicatesExpected bool

	// AllowExtraFields is passed on to the output Writer.
	AllowExtraFields bool
}

// MergeStats summarizes one merge.
type MergeStats struct {
	Inputs    int
	Records   int64
	Collapsed int64
	Conflicts int64
}

// cursor is the read position of one source: the record it will contribute
// next.
type cursor struct {
	id  int
	r   *Reader
	rec *Record
}

// cursorHeap orders cursors by their next key and then by source id, so that
// every source sharing the smallest key can be popped in source order.
type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	if c := h[i].rec.Key.Compare(h[j].rec.Key); c != 0 {
		return c < 0
	}
	return h[i].id < h[j].id
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x interface{}) { *h = append(*h, x.(*cursor)) }

func (h *cursorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// MergeFields returns the union of the sources' columns in schema order,
// followed by undeclared columns in order of first appearance.
func MergeFields(schema *Schema, sources []*Reader) []string {
	var names []string
	seen := make(map[string]bool)
	for _, r := range sources {
		for _, f := range r.Fields() {
			if !seen[f] {
				seen[f] = true
				names = append(names, f)
			}
		}
	}
	ordered, _ := schema.orderFields(names)
	return ordered
}

// Merge writes the key union of sources to w in sorted order. Memory use is
// proportional to the number of sources, not the number of records. Merge
// neither commits nor aborts w.
func Merge(sources []*Reader, w *Writer, opts MergeOptions) (MergeStats, error) {
	stats := MergeStats{Inputs: len(sources)}

	h := make(cursorHeap, 0, len(sources))
	for i, r := range sources {
		rec := r.Read()
		if rec == nil {
			if err := r.Error(); err != nil {
				return stats, err
			}
			continue
		}
		h = append(h, &cursor{id: i, r: r, rec: rec})
	}
	heap.Init(&h)

	group := make([]*cursor, 0, len(sources))
	for h.Len() > 0 {
		group = append(group[:0], heap.Pop(&h).(*cursor))
		for h.Len() > 0 && h[0].rec.Key.Compare(group[0].rec.Key) == 0 {
			group = append(group, heap.Pop(&h).(*cursor))
		}

		out := group[0].rec
		for _, c := range group[1:] {
			if SamePayload(out, c.rec) {
				stats.Collapsed++
				continue
			}
			if !opts.DuplicatesExpected {
				return stats, &DuplicateKeyError{
					Key:          out.Key,
					FirstSource:  group[0].r.Name,
					First:        payloadString(out),
					SecondSource: c.r.Name,
					Second:       payloadString(c.rec),
				}
			}
			stats.Conflicts++
			stats.Collapsed++
		}

		if err := w.Write(out); err != nil {
			return stats, err
		}
		stats.Records++

		for _, c := range group {
			next := c.r.Read()
			if next == nil {
				if err := c.r.Error(); err != nil {
					return stats, err
				}
				continue
			}
			if next.Key.Compare(c.rec.Key) <= 0 {
				return stats, &OrderingError{File: c.r.Name, Line: c.r.Line(), Previous: c.rec.Key, Current: next.Key}
			}
			c.rec = next
			heap.Push(&h, c)
		}
	}

	return stats, nil
}

// MergeSource names one input of MergeFiles and how to read it.
type MergeSource struct {
	Path    string
	Options ReaderOptions
}

// MergeFiles merges the sources into out. On any error nothing is written
// under out.
func MergeFiles(ctx context.Context, opener *Opener, schema *Schema, inputs []MergeSource, out string, opts MergeOptions) (stats MergeStats, err error) {
	if len(inputs) == 0 {
		return stats, errors.New("merge needs at least one input")
	}

	readers := make([]*Reader, 0, len(inputs))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for _, in := range inputs {
		r, err := opener.OpenReader(ctx, in.Path, schema, in.Options)
		if err != nil {
			return stats, err
		}
		readers = append(readers, r)
	}

	w, err := CreateWriter(out, schema, WriterOptions{
		AllowExtraFields: opts.AllowExtraFields,
		Fields:           MergeFields(schema, readers),
	})
	if err != nil {
		return stats, err
	}

	stats, err = Merge(readers, w, opts)
	if err != nil {
		w.Abort()
		return stats, err
	}
	if err := w.Commit(); err != nil {
		return stats, err
	}

	if fi, err := os.Stat(out); err == nil {
		names := make([]string, len(inputs))
		for i, in := range inputs {
			names[i] = filepath.Base(in.Path)
		}
		log.Printf("%8d variants (%s) in %s <- %v\n", stats.Records, bytefmt.ByteSize(uint64(fi.Size())), filepath.Base(out), names)
	} else {
		return stats, pfx.Err(err)
	}

	return stats, nil
}
