package cpra

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"
)

// ReaderOptions control how a Reader interprets its stream.
type ReaderOptions struct {
	// AllowExtraFields accepts header columns that the schema does not
	// declare. They are read as nullable strings.
	AllowExtraFields bool

	// OnlyPerVariantFields drops every column that is not a per-variant
	// field, as used when building the site catalogue.
	OnlyPerVariantFields bool

	// RoundSigFigs rounds float columns to their declared significant
	// figures.
	RoundSigFigs bool

	// MinMAF, when positive, skips records whose minor allele frequency is
	// known and not above this cutoff. Records without a frequency are kept.
	MinMAF float64
}

// Reader enumerates the records of one sorted stream in file order.
//
// Read returns nil at the end of the stream or at the first error; Error
// reports which.
type Reader struct {
	Name        string
	RecordsSeen int
	Skipped     int

	schema  *Schema
	opts    ReaderOptions
	br      *bufio.Reader
	closer  io.Closer
	header  []string
	columns []*Field
	keep    []int
	fields  []string
	line    int
	err     error

	// Cached values
	raw []string
}

// NewReader parses the header of r. The first four header columns must be
// chrom, pos, ref and alt; a leading '#' on the header is ignored.
func NewReader(r io.Reader, name string, schema *Schema, opts ReaderOptions) (*Reader, error) {
	rd := &Reader{
		Name:   name,
		schema: schema,
		opts:   opts,
		br:     bufio.NewReaderSize(r, 1<<16),
	}

	line, err := rd.readLine()
	if err == io.EOF {
		return nil, &SchemaError{File: name, Err: errors.New("missing header line")}
	} else if err != nil {
		return nil, pfx.Err(err)
	}
	line = strings.TrimPrefix(line, "#")

	header := splitLine(line, nil)
	if len(header) < len(KeyFields) {
		return nil, &SchemaError{File: name, Line: rd.line, Raw: line, Err: fmt.Errorf("header has %d columns, need at least %d", len(header), len(KeyFields))}
	}
	for i, k := range KeyFields {
		if header[i] != k {
			return nil, &SchemaError{File: name, Line: rd.line, Raw: line, Err: fmt.Errorf("header column %d is %q, expected %q", i+1, header[i], k)}
		}
	}

	seen := make(map[string]bool)
	for i, h := range header[len(KeyFields):] {
		if seen[h] {
			return nil, &SchemaError{File: name, Line: rd.line, Raw: line, Err: fmt.Errorf("column %q appears twice", h)}
		}
		seen[h] = true

		f, ok := schema.Field(h)
		if !ok {
			if !opts.AllowExtraFields {
				return nil, &SchemaError{File: name, Line: rd.line, Raw: line, Err: fmt.Errorf("unexpected field %q; declared fields are %v", h, schema.Fields())}
			}
			f = schema.extraField(h)
		}
		rd.header = append(rd.header, h)
		rd.columns = append(rd.columns, f)

		if opts.OnlyPerVariantFields && !f.PerVariant {
			continue
		}
		rd.keep = append(rd.keep, i)
		rd.fields = append(rd.fields, h)
	}

	return rd, nil
}

// Fields returns the non-key columns of the records this Reader yields, in
// stream order.
func (rd *Reader) Fields() []string {
	return rd.fields
}

// Line returns the number of the line most recently read, counting the
// header as line 1.
func (rd *Reader) Line() int {
	return rd.line
}

func (rd *Reader) Error() error {
	return rd.err
}

// Close closes the underlying file, if the Reader owns one.
func (rd *Reader) Close() error {
	if rd.closer == nil {
		return nil
	}
	err := rd.closer.Close()
	rd.closer = nil
	return err
}

// Read returns the next record, or nil once the stream is exhausted or an
// error has occurred.
func (rd *Reader) Read() *Record {
	if rd.err != nil {
		return nil
	}

	for {
		line, err := rd.readLine()
		if err == io.EOF {
			return nil
		} else if err != nil {
			rd.err = pfx.Err(err)
			return nil
		}

		rec, err := rd.parse(line)
		if err != nil {
			rd.err = &SchemaError{File: rd.Name, Line: rd.line, Raw: line, Err: err}
			return nil
		}
		rd.RecordsSeen++

		if rd.opts.MinMAF > 0 {
			if maf, ok := rec.MAF(); ok && maf <= rd.opts.MinMAF {
				rd.Skipped++
				continue
			}
		}
		if rd.opts.OnlyPerVariantFields {
			rd.project(rec)
		}
		return rec
	}
}

func (rd *Reader) parse(line string) (*Record, error) {
	rd.raw = splitLine(line, rd.raw)
	if want := len(KeyFields) + len(rd.columns); len(rd.raw) != want {
		return nil, fmt.Errorf("found %d columns, expected %d", len(rd.raw), want)
	}

	rec := &Record{}
	chrom, err := unescapeField(rd.raw[0])
	if err != nil {
		return nil, err
	}
	var ok bool
	if rec.Key.Chrom, ok = ChromosomeRank(chrom); !ok {
		return nil, fmt.Errorf("unknown chromosome %q", chrom)
	}
	if rec.Key.Pos, err = strconv.ParseInt(rd.raw[1], 10, 64); err != nil {
		return nil, fmt.Errorf("position: %w", err)
	}
	if rec.Key.Pos < 0 {
		return nil, fmt.Errorf("negative position %d", rec.Key.Pos)
	}
	if rec.Key.Ref, err = unescapeField(rd.raw[2]); err != nil {
		return nil, err
	}
	if rec.Key.Alt, err = unescapeField(rd.raw[3]); err != nil {
		return nil, err
	}

	rec.Fields = rd.header
	rec.Values = make([]Value, len(rd.columns))
	for i, f := range rd.columns {
		raw, err := unescapeField(rd.raw[len(KeyFields)+i])
		if err != nil {
			return nil, err
		}
		if rec.Values[i], err = f.Parse(raw, rd.opts.RoundSigFigs); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// project reduces rec to the kept columns. MAF filtering needs the full
// record, so projection happens after it.
func (rd *Reader) project(rec *Record) {
	values := make([]Value, len(rd.keep))
	for i, k := range rd.keep {
		values[i] = rec.Values[k]
	}
	rec.Fields = rd.fields
	rec.Values = values
}

func (rd *Reader) readLine() (string, error) {
	line, err := rd.br.ReadString('\n')
	if err == io.EOF && line == "" {
		return "", io.EOF
	} else if err != nil && err != io.EOF {
		return "", err
	}
	rd.line++
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}
