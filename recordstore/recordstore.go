// Package recordstore is a small transactional document store abstraction:
// named collections of records keyed by a string primary key, with
// secondary indices that support point and range lookups.
//
// Backends live in subpackages (badgerstore, firestorestore).
package recordstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/RaphaLefth/pillquest/errs"
)

// Record is anything that can be stored in a collection.
type Record interface {
	RecordKey() string
	SetRecordKey(key string)
}

// Validator is implemented by records that can check their own fields.
// Backends call Validate before writing, so a record that could not be read
// back is never stored.
type Validator interface {
	Validate() error
}

// CheckRecord runs r's Validate method, if it has one.
func CheckRecord(c *Collection, r Record) error {
	v, ok := r.(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("while validating %s/%s: %w", c.Name, r.RecordKey(), err)
	}
	return nil
}

// Index describes a secondary index over a collection.
//
// Value extracts the indexed value from a record.  Returning false leaves the
// record out of the index (a sparse index).  Values must not contain NUL
// bytes.
type Index struct {
	Name   string
	Unique bool
	Value  func(Record) (string, bool)
}

type Collection struct {
	Name    string
	New     func() Record
	Indexes []Index
}

func (c *Collection) Index(name string) (*Index, error) {
	for i := range c.Indexes {
		if c.Indexes[i].Name == name {
			return &c.Indexes[i], nil
		}
	}
	return nil, errs.Newf(errs.KindValidation, "collection %q has no index %q", c.Name, name)
}

// Txn is a single transaction against a Store.
//
// Lookups that find nothing return an error of kind NotFound (Get) or an empty
// slice (index lookups).
type Txn interface {
	Get(ctx context.Context, c *Collection, key string) (Record, error)

	// Add inserts a new record.  If the record has no key, a fresh one is
	// generated and set on the record.  Fails with ConstraintViolation if the
	// key exists or a unique index value is already taken.
	Add(ctx context.Context, c *Collection, r Record) (string, error)

	// Put upserts a record by its key.
	Put(ctx context.Context, c *Collection, r Record) error

	Delete(ctx context.Context, c *Collection, key string) error

	GetAll(ctx context.Context, c *Collection) ([]Record, error)
	GetByIndex(ctx context.Context, c *Collection, index, value string) ([]Record, error)

	// GetByIndexRange returns records whose index value v satisfies
	// lo <= v <= hi, ordered by v.
	GetByIndexRange(ctx context.Context, c *Collection, index, lo, hi string) ([]Record, error)
}

type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(ctx context.Context, txn Txn) error) error

	// Update runs fn in a read-write transaction.  fn may be invoked more than
	// once if the transaction has to be retried, so it must not have side
	// effects outside of txn.
	Update(ctx context.Context, fn func(ctx context.Context, txn Txn) error) error

	Ping(ctx context.Context) error

	// DropAll deletes every record in every collection.
	DropAll(ctx context.Context) error

	Close() error
}

// Get loads a record and asserts its concrete type.
func Get[T Record](ctx context.Context, txn Txn, c *Collection, key string) (T, error) {
	var zero T
	r, err := txn.Get(ctx, c, key)
	if err != nil {
		return zero, err
	}
	t, ok := r.(T)
	if !ok {
		return zero, fmt.Errorf("record %s/%s has type %T, want %T", c.Name, key, r, zero)
	}
	return t, nil
}

// As converts a slice of records to their concrete type, dropping any record
// of a different type.
func As[T Record](records []Record) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		if t, ok := r.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

const instantLayout = "2006-01-02T15:04:05Z"

// FormatInstant renders t as an index value.  Values compare lexically in the
// same order as the instants, at one second resolution.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(instantLayout)
}

// ParseInstant inverts FormatInstant.
func ParseInstant(s string) (time.Time, error) {
	return time.Parse(instantLayout, s)
}

// JoinIndex joins the parts of a composite index value.
func JoinIndex(parts ...string) string {
	return strings.Join(parts, "|")
}

// CheckIndexValue rejects values that cannot be stored in an index.
func CheckIndexValue(c *Collection, idx *Index, value string) error {
	if strings.ContainsRune(value, 0) {
		return errs.Newf(errs.KindValidation, "index %s/%s value %q contains NUL", c.Name, idx.Name, value)
	}
	return nil
}
