package cpra

import (
	"fmt"
	"strconv"

	"github.com/carbocation/pfx"
)

// WriterOptions control the columns a Writer accepts.
type WriterOptions struct {
	// AllowExtraFields lets the header include columns the schema does not
	// declare. Once the header is written it never changes.
	AllowExtraFields bool

	// Fields pre-declares the header. When empty, the header is taken from
	// the first record written.
	Fields []string
}

// Writer emits one sorted stream. Output appears under Path only after a
// successful Commit; a Writer that is aborted, or whose process dies, leaves
// nothing behind under Path.
type Writer struct {
	Path           string
	RecordsWritten int

	schema        *Schema
	opts          WriterOptions
	af            *atomicFile
	fields        []string
	index         map[string]int
	headerWritten bool

	// Cached values
	cols []string
	buf  []byte
}

// CreateWriter opens a part file next to path.
func CreateWriter(path string, schema *Schema, opts WriterOptions) (*Writer, error) {
	af, err := createAtomic(path)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		Path:   path,
		schema: schema,
		opts:   opts,
		af:     af,
	}
	if len(opts.Fields) > 0 {
		if err := w.establish(opts.Fields); err != nil {
			af.Abort()
			return nil, err
		}
	}
	return w, nil
}

// Fields returns the established non-key columns, or nil if no header has
// been established yet.
func (w *Writer) Fields() []string {
	return w.fields
}

func (w *Writer) establish(names []string) error {
	ordered, extra := w.schema.orderFields(names)
	if len(extra) > 0 && !w.opts.AllowExtraFields {
		return &SchemaError{File: w.Path, Err: fmt.Errorf("found unexpected fields %v among the expected fields %v", extra, w.schema.Fields())}
	}

	w.fields = ordered
	w.index = make(map[string]int, len(ordered))
	for i, f := range ordered {
		if _, dup := w.index[f]; dup {
			return &SchemaError{File: w.Path, Err: fmt.Errorf("field %q given twice", f)}
		}
		w.index[f] = i
	}
	w.cols = make([]string, len(KeyFields)+len(ordered))
	return nil
}

func (w *Writer) writeHeader() error {
	if w.headerWritten {
		return nil
	}
	if w.index == nil {
		if err := w.establish(nil); err != nil {
			return err
		}
	}
	w.headerWritten = true

	header := append(append([]string{}, KeyFields[:]...), w.fields...)
	w.buf = appendLine(w.buf[:0], header)
	if _, err := w.af.Write(w.buf); err != nil {
		return pfx.Err(err)
	}
	return nil
}

// Write appends rec. Its columns must be a subset of the established header;
// header columns it lacks are written empty.
func (w *Writer) Write(rec *Record) error {
	if w.index == nil {
		if err := w.establish(rec.Fields); err != nil {
			return err
		}
	}
	if err := w.writeHeader(); err != nil {
		return err
	}

	w.cols[0] = Chromosome(rec.Key.Chrom)
	w.cols[1] = strconv.FormatInt(rec.Key.Pos, 10)
	w.cols[2] = rec.Key.Ref
	w.cols[3] = rec.Key.Alt
	for i := len(KeyFields); i < len(w.cols); i++ {
		w.cols[i] = ""
	}
	for i, f := range rec.Fields {
		j, ok := w.index[f]
		if !ok {
			return &SchemaError{File: w.Path, Line: w.RecordsWritten + 2, Raw: rec.Key.String(), Err: fmt.Errorf("field %q is not among the established fields %v", f, w.fields)}
		}
		w.cols[len(KeyFields)+j] = rec.Values[i].Format()
	}

	w.buf = appendLine(w.buf[:0], w.cols)
	if _, err := w.af.Write(w.buf); err != nil {
		return pfx.Err(err)
	}
	w.RecordsWritten++
	return nil
}

// Commit writes the header if no record did, then makes the stream visible
// under Path.
func (w *Writer) Commit() error {
	if err := w.writeHeader(); err != nil {
		w.af.Abort()
		return err
	}
	return w.af.Commit()
}

// Abort discards the stream.
func (w *Writer) Abort() error {
	return w.af.Abort()
}
