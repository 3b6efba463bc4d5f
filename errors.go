package cpra

import (
	"errors"
	"fmt"
	"strings"
)

// SchemaError reports a record that does not conform to the run's field
// schema: wrong arity, an unknown or missing field, or an unparseable value.
type SchemaError struct {
	File string
	Line int
	Raw  string
	Err  error
}

func (e *SchemaError) Error() string {
	raw := e.Raw
	if len(raw) > 200 {
		raw = raw[:200] + "..."
	}
	if e.Line > 0 {
		return fmt.Sprintf("schema error in %s at line %d (%q): %v", e.File, e.Line, raw, e.Err)
	}
	return fmt.Sprintf("schema error in %s: %v", e.File, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// OrderingError reports a source whose keys are not strictly increasing.
type OrderingError struct {
	File     string
	Line     int
	Previous Key
	Current  Key
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("ordering violation in %s at line %d: %s does not sort after %s", e.File, e.Line, e.Current, e.Previous)
}

// DuplicateKeyError reports two sources that carry the same key with
// different payloads.
type DuplicateKeyError struct {
	Key          Key
	FirstSource  string
	First        string
	SecondSource string
	Second       string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("conflicting records for %s: %s has %q but %s has %q", e.Key, e.FirstSource, e.First, e.SecondSource, e.Second)
}

// TaskError captures the failure of one merge or binning task together with
// the inputs it was working on.
type TaskError struct {
	Inputs []string
	Output string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s <- [%s] failed: %v", e.Output, strings.Join(e.Inputs, ", "), e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// IsFatal reports whether err belongs to the correctness taxonomy (schema,
// ordering, duplicate or task failure). Resource errors are surfaced as-is
// and are not classified here.
func IsFatal(err error) bool {
	var (
		se *SchemaError
		oe *OrderingError
		de *DuplicateKeyError
		te *TaskError
	)
	return errors.As(err, &se) || errors.As(err, &oe) || errors.As(err, &de) || errors.As(err, &te)
}
