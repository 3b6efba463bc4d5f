package cpra

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/carbocation/pfx"
)

// Indexed is the main object used for random access into an indexed store.
type Indexed struct {
	FilePath string
	File     *os.File
	Index    *BlockIndexDB
	Codec    Compression

	schema *Schema

	// Cached values
	buffer []byte
	raw    []byte
}

// OpenIndexed attempts to open the indexed store located at path together
// with its block index. Columns the schema does not declare are read as
// nullable strings.
func OpenIndexed(path string, schema *Schema) (*Indexed, error) {
	if schema == nil {
		schema = DefaultSchema()
	}
	x := &Indexed{
		FilePath: path,
		schema:   schema,
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	x.File = file

	magic := make([]byte, len(MagicNumber))
	if _, err := file.ReadAt(magic, 0); err != nil {
		file.Close()
		return nil, pfx.Err(err)
	}
	if MagicNumber != string(magic) {
		file.Close()
		return nil, pfx.Err(fmt.Errorf("%s is expected to start with the Magic Number %s (%v when printed as a byte slice), but instead starts with %v", path, MagicNumber, []byte(MagicNumber), magic))
	}

	x.Index, err = OpenBlockIndex(path + IndexSuffix)
	if err != nil {
		file.Close()
		return nil, pfx.Err(err)
	}
	if x.Codec, err = ParseCompression(x.Index.Metadata.Codec); err != nil {
		x.Close()
		return nil, pfx.Err(err)
	}

	return x, nil
}

func (x *Indexed) Close() error {
	ierr := x.Index.Close()
	if err := x.File.Close(); err != nil {
		return pfx.Err(err)
	}
	if ierr != nil {
		return pfx.Err(ierr)
	}
	return nil
}

// Region returns the records of chrom whose position lies in [start, end),
// in key order. A start below 1 is treated as 1. An unknown chromosome or an
// empty interval yields no records.
func (x *Indexed) Region(chrom string, start, end int64) ([]*Record, error) {
	rank, ok := ChromosomeRank(chrom)
	if !ok {
		return nil, nil
	}
	if start < 1 {
		start = 1
	}
	if end <= start {
		return nil, nil
	}

	blocks, err := x.Index.blocksOverlapping(rank, start, end)
	if err != nil {
		return nil, pfx.Err(err)
	}

	var out []*Record
	for _, b := range blocks {
		err := x.scanBlock(b, func(rec *Record) bool {
			if rec.Key.Pos >= end {
				return false
			}
			if rec.Key.Pos >= start {
				out = append(out, rec)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Variant returns the record with the given key, or nil if the store does not
// hold it.
func (x *Indexed) Variant(chrom string, pos int64, ref, alt string) (*Record, error) {
	rank, ok := ChromosomeRank(chrom)
	if !ok {
		return nil, nil
	}
	want := Key{Chrom: rank, Pos: pos, Ref: ref, Alt: alt}

	blocks, err := x.Index.blocksAt(rank, pos)
	if err != nil {
		return nil, pfx.Err(err)
	}

	var found *Record
	for _, b := range blocks {
		err := x.scanBlock(b, func(rec *Record) bool {
			switch c := rec.Key.Compare(want); {
			case c == 0:
				found = rec
				return false
			case c > 0:
				return false
			}
			return true
		})
		if err != nil || found != nil {
			return found, err
		}
	}
	return nil, nil
}

// scanBlock decodes block b and hands its records to fn in order until fn
// returns false.
func (x *Indexed) scanBlock(b BlockIndex, fn func(*Record) bool) error {
	if int64(cap(x.raw)) < b.SizeInBytes {
		x.raw = make([]byte, b.SizeInBytes)
	}
	x.raw = x.raw[:b.SizeInBytes]
	if _, err := x.File.ReadAt(x.raw, b.FileStartPosition); err != nil {
		return pfx.Err(err)
	}

	var err error
	x.buffer, err = decompressBlock(x.Codec, x.buffer, x.raw)
	if err != nil {
		return pfx.Err(fmt.Errorf("%s: block at offset %d: %w", x.FilePath, b.FileStartPosition, err))
	}

	// The block is decoded as a stream of its own, behind the store's header.
	header := strings.NewReader(x.Index.Metadata.Header + "\n")
	r, err := NewReader(io.MultiReader(header, bytes.NewReader(x.buffer)), x.FilePath, x.schema, ReaderOptions{AllowExtraFields: true})
	if err != nil {
		return err
	}
	for rec := r.Read(); rec != nil; rec = r.Read() {
		if !fn(rec) {
			return nil
		}
	}
	return r.Error()
}
