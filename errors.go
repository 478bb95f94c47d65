package nidus

import (
	"errors"

	"github.com/nidusdb/nidus/document"
	"github.com/nidusdb/nidus/internal/index"
	"github.com/nidusdb/nidus/internal/persist"
)

// Error types surfaced by the inner layers.
type (
	// ConstraintError reports a unique-index collision. The operation that
	// caused it was rolled back completely.
	ConstraintError = index.ConstraintError

	// CorruptionError is returned by LoadDatabase when too much of the
	// datafile fails to deserialize.
	CorruptionError = persist.CorruptionError

	// FieldError reports a reserved field name in an inserted document: a
	// key starting with $ or containing a dot.
	FieldError = document.FieldError
)

var (
	// ErrMissingFieldName is returned by EnsureIndex when no field name
	// was given.
	ErrMissingFieldName = errors.New("cannot create an index without a fieldName")

	// ErrReservedFieldName is returned by RemoveIndex for the implicit
	// _id index, which cannot be removed.
	ErrReservedFieldName = errors.New("the _id index is implicit and cannot be removed")

	// ErrNotFound is returned by Cursor.One when no document matches.
	ErrNotFound = errors.New("no document matches the query")
)
