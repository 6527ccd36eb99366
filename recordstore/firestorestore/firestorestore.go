// Package firestorestore implements recordstore.Store on Cloud Firestore.
//
// Each record collection maps to a Firestore collection of the same name.
// Documents hold the record's JSON fields plus one "_idx_<index>" string field
// per index entry, which is what index lookups query.  Unique indices are
// enforced with guard documents in a "<collection>__<index>" collection, whose
// IDs encode the indexed value.  A guard is created with Create, so a taken
// value fails the commit with AlreadyExists.
package firestorestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/RaphaLefth/pillquest/errs"
	"github.com/RaphaLefth/pillquest/recordstore"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	indexFieldPrefix = "_idx_"
	deleteBatchSize  = 400
)

type Store struct {
	client      *firestore.Client
	collections []*recordstore.Collection
}

var _ recordstore.Store = (*Store)(nil)

// New wraps client.  collections lists every collection the store will hold;
// DropAll only clears those.
func New(client *firestore.Client, collections ...*recordstore.Collection) *Store {
	return &Store{
		client:      client,
		collections: collections,
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.Collection("pillquest-ping").Doc("ping").Get(ctx)
	if err != nil && status.Code(err) != grpccodes.NotFound {
		return mapError("while pinging firestore", err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, txn recordstore.Txn) error) error {
	return s.run(ctx, "Store.View", fn, firestore.ReadOnly)
}

func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, txn recordstore.Txn) error) error {
	return s.run(ctx, "Store.Update", fn)
}

func (s *Store) run(ctx context.Context, spanName string, fn func(ctx context.Context, txn recordstore.Txn) error, opts ...firestore.TransactionOption) error {
	tracer := otel.Tracer("pillquest/recordstore/firestorestore")
	var span trace.Span
	ctx, span = tracer.Start(ctx, spanName)
	defer span.End()

	var fnErr error
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// The function may be retried; every attempt starts from a fresh read
		// cache.
		fnErr = fn(ctx, &txn{client: s.client, tx: tx, seen: map[string]*seenDoc{}})
		return fnErr
	}, opts...)
	if err != nil && fnErr == nil {
		err = mapError("while committing transaction", err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *Store) DropAll(ctx context.Context) error {
	for _, c := range s.collections {
		names := []string{c.Name}
		for _, idx := range c.Indexes {
			if idx.Unique {
				names = append(names, guardCollection(c, &idx))
			}
		}
		for _, name := range names {
			if err := s.dropCollection(ctx, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) dropCollection(ctx context.Context, name string) error {
	for {
		it := s.client.Collection(name).Limit(deleteBatchSize).Documents(ctx)
		batch := s.client.Batch()
		n := 0
		for {
			snap, err := it.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return mapError(fmt.Sprintf("while listing %s", name), err)
			}
			batch.Delete(snap.Ref)
			n++
		}
		if n == 0 {
			return nil
		}
		if _, err := batch.Commit(ctx); err != nil {
			return mapError(fmt.Sprintf("while deleting from %s", name), err)
		}
	}
}

func mapError(message string, err error) error {
	switch status.Code(err) {
	case grpccodes.NotFound:
		return errs.New(errs.KindNotFound, message, err)
	case grpccodes.AlreadyExists:
		return errs.New(errs.KindConstraintViolation, message, err)
	case grpccodes.InvalidArgument, grpccodes.FailedPrecondition:
		return errs.New(errs.KindValidation, message, err)
	default:
		return errs.New(errs.KindStorageUnavailable, message, err)
	}
}

func guardCollection(c *recordstore.Collection, idx *recordstore.Index) string {
	return c.Name + "__" + idx.Name
}

func guardID(value string) string {
	return "v" + base64.RawURLEncoding.EncodeToString([]byte(value))
}

// txn adapts a Firestore transaction.  Firestore requires every read of a
// transaction to happen before its first write; seen remembers the unique
// index values of documents already read or written, so that Put and Delete
// of a previously loaded record don't read again.
type txn struct {
	client *firestore.Client
	tx     *firestore.Transaction
	seen   map[string]*seenDoc
}

type seenDoc struct {
	exists bool
	unique map[string]string
}

func (t *txn) doc(c *recordstore.Collection, key string) *firestore.DocumentRef {
	return t.client.Collection(c.Name).Doc(key)
}

func (t *txn) Get(ctx context.Context, c *recordstore.Collection, key string) (recordstore.Record, error) {
	r, err := t.load(c, key)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errs.Newf(errs.KindNotFound, "no record %s/%s", c.Name, key)
	}
	return r, nil
}

// load returns nil, nil when the record doesn't exist.
func (t *txn) load(c *recordstore.Collection, key string) (recordstore.Record, error) {
	ref := t.doc(c, key)

	snap, err := t.tx.Get(ref)
	if status.Code(err) == grpccodes.NotFound || (err == nil && !snap.Exists()) {
		t.seen[ref.Path] = &seenDoc{}
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Sprintf("while reading %s/%s", c.Name, key), err)
	}

	r, err := decode(c, snap)
	if err != nil {
		return nil, err
	}
	t.remember(c, r)
	return r, nil
}

func (t *txn) remember(c *recordstore.Collection, r recordstore.Record) {
	t.seen[t.doc(c, r.RecordKey()).Path] = &seenDoc{exists: true, unique: uniqueValues(c, r)}
}

// previous returns what the transaction knows about the stored version of a
// record, reading it only if it hasn't been seen yet.
func (t *txn) previous(c *recordstore.Collection, key string) (*seenDoc, error) {
	if sd, ok := t.seen[t.doc(c, key).Path]; ok {
		return sd, nil
	}
	if _, err := t.load(c, key); err != nil {
		return nil, err
	}
	return t.seen[t.doc(c, key).Path], nil
}

func decode(c *recordstore.Collection, snap *firestore.DocumentSnapshot) (recordstore.Record, error) {
	data := snap.Data()
	for k := range data {
		if strings.HasPrefix(k, indexFieldPrefix) {
			delete(data, k)
		}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("while re-encoding %s/%s: %w", c.Name, snap.Ref.ID, err)
	}

	r := c.New()
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("while decoding %s/%s: %w", c.Name, snap.Ref.ID, err)
	}
	r.SetRecordKey(snap.Ref.ID)
	return r, nil
}

// encode flattens r into a Firestore document, adding index fields.
func encode(c *recordstore.Collection, r recordstore.Record) (map[string]interface{}, map[string]string, error) {
	if err := recordstore.CheckRecord(c, r); err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, nil, fmt.Errorf("while encoding %s/%s: %w", c.Name, r.RecordKey(), err)
	}
	data := map[string]interface{}{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, nil, fmt.Errorf("while flattening %s/%s: %w", c.Name, r.RecordKey(), err)
	}

	unique := map[string]string{}
	for i := range c.Indexes {
		idx := &c.Indexes[i]
		value, ok := idx.Value(r)
		if !ok {
			continue
		}
		if err := recordstore.CheckIndexValue(c, idx, value); err != nil {
			return nil, nil, err
		}
		data[indexFieldPrefix+idx.Name] = value
		if idx.Unique {
			unique[idx.Name] = value
		}
	}
	return data, unique, nil
}

func uniqueValues(c *recordstore.Collection, r recordstore.Record) map[string]string {
	out := map[string]string{}
	if r == nil {
		return out
	}
	for i := range c.Indexes {
		idx := &c.Indexes[i]
		if !idx.Unique {
			continue
		}
		if value, ok := idx.Value(r); ok {
			out[idx.Name] = value
		}
	}
	return out
}

func (t *txn) guard(c *recordstore.Collection, index, value string) *firestore.DocumentRef {
	idx, _ := c.Index(index)
	return t.client.Collection(guardCollection(c, idx)).Doc(guardID(value))
}

func (t *txn) Add(ctx context.Context, c *recordstore.Collection, r recordstore.Record) (string, error) {
	key := r.RecordKey()
	if key == "" {
		key = uuid.New().String()
		r.SetRecordKey(key)
	}

	data, unique, err := encode(c, r)
	if err != nil {
		return "", err
	}

	// Create fails the commit with AlreadyExists for a taken key or a taken
	// unique value; run maps that to a constraint violation.
	ref := t.doc(c, key)
	if err := t.tx.Create(ref, data); err != nil {
		return "", mapError(fmt.Sprintf("while adding %s/%s", c.Name, key), err)
	}
	for index, value := range unique {
		if err := t.tx.Create(t.guard(c, index, value), map[string]interface{}{"key": key, "value": value}); err != nil {
			return "", mapError("while claiming unique value", err)
		}
	}
	t.remember(c, r)
	return key, nil
}

func (t *txn) Put(ctx context.Context, c *recordstore.Collection, r recordstore.Record) error {
	key := r.RecordKey()
	if key == "" {
		return errs.Newf(errs.KindValidation, "put into %s requires a key", c.Name)
	}

	oldUnique := map[string]string{}
	if len(uniqueValues(c, r)) > 0 {
		prev, err := t.previous(c, key)
		if err != nil {
			return err
		}
		if prev.exists {
			oldUnique = prev.unique
		}
	}

	data, unique, err := encode(c, r)
	if err != nil {
		return err
	}

	for index, value := range oldUnique {
		if unique[index] == value {
			continue
		}
		if err := t.tx.Delete(t.guard(c, index, value)); err != nil {
			return mapError("while releasing unique value", err)
		}
	}
	for index, value := range unique {
		if oldUnique[index] == value {
			continue
		}
		if err := t.tx.Create(t.guard(c, index, value), map[string]interface{}{"key": key, "value": value}); err != nil {
			return mapError("while claiming unique value", err)
		}
	}

	if err := t.tx.Set(t.doc(c, key), data); err != nil {
		return mapError(fmt.Sprintf("while writing %s/%s", c.Name, key), err)
	}
	t.remember(c, r)
	return nil
}

// Delete removes a record and releases its unique values.  Deleting a missing
// record is not an error.
func (t *txn) Delete(ctx context.Context, c *recordstore.Collection, key string) error {
	prev, err := t.previous(c, key)
	if err != nil {
		return err
	}
	if !prev.exists {
		return nil
	}

	for index, value := range prev.unique {
		if err := t.tx.Delete(t.guard(c, index, value)); err != nil {
			return mapError("while releasing unique value", err)
		}
	}
	ref := t.doc(c, key)
	if err := t.tx.Delete(ref); err != nil {
		return mapError(fmt.Sprintf("while deleting %s/%s", c.Name, key), err)
	}
	t.seen[ref.Path] = &seenDoc{}
	return nil
}

func (t *txn) GetAll(ctx context.Context, c *recordstore.Collection) ([]recordstore.Record, error) {
	return t.query(c, t.client.Collection(c.Name).Query)
}

func (t *txn) GetByIndex(ctx context.Context, c *recordstore.Collection, index, value string) ([]recordstore.Record, error) {
	if _, err := c.Index(index); err != nil {
		return nil, err
	}
	q := t.client.Collection(c.Name).Where(indexFieldPrefix+index, "==", value)
	return t.query(c, q)
}

func (t *txn) GetByIndexRange(ctx context.Context, c *recordstore.Collection, index, lo, hi string) ([]recordstore.Record, error) {
	if _, err := c.Index(index); err != nil {
		return nil, err
	}
	field := indexFieldPrefix + index
	q := t.client.Collection(c.Name).
		Where(field, ">=", lo).
		Where(field, "<=", hi).
		OrderBy(field, firestore.Asc)
	return t.query(c, q)
}

func (t *txn) query(c *recordstore.Collection, q firestore.Query) ([]recordstore.Record, error) {
	it := t.tx.Documents(q)
	defer it.Stop()

	var out []recordstore.Record
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, mapError(fmt.Sprintf("while querying %s", c.Name), err)
		}
		r, err := decode(c, snap)
		if err != nil {
			return nil, err
		}
		t.remember(c, r)
		out = append(out, r)
	}
	return out, nil
}
