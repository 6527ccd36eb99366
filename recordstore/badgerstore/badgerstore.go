// Package badgerstore implements recordstore.Store on an embedded badger
// database.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/RaphaLefth/pillquest/errs"
	"github.com/RaphaLefth/pillquest/recordstore"

	"github.com/dgraph-io/badger"
	"github.com/golang/glog"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxUpdateAttempts = 3

type Config struct {
	// Dir holds both the LSM tree and the value log.
	Dir string

	SyncWrites bool
}

type Store struct {
	db *badger.DB
}

var _ recordstore.Store = (*Store)(nil)

func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errs.Newf(errs.KindValidation, "badger directory must be set")
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithLogger(glogLogger{}).
		WithSyncWrites(cfg.SyncWrites)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.New(errs.KindStorageUnavailable, fmt.Sprintf("while opening badger at %s", cfg.Dir), err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.New(errs.KindStorageUnavailable, "while closing badger", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		return nil
	})
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, txn recordstore.Txn) error) error {
	tracer := otel.Tracer("pillquest/recordstore/badgerstore")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Store.View")
	defer span.End()

	var fnErr error
	err := s.db.View(func(btxn *badger.Txn) error {
		fnErr = fn(ctx, &txn{btxn: btxn})
		return fnErr
	})
	if err != nil && fnErr == nil {
		err = errs.New(errs.KindStorageUnavailable, "while running read transaction", err)
	}
	return endSpan(span, err)
}

func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, txn recordstore.Txn) error) error {
	tracer := otel.Tracer("pillquest/recordstore/badgerstore")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Store.Update")
	defer span.End()

	for attempt := 1; ; attempt++ {
		var fnErr error
		err := s.db.Update(func(btxn *badger.Txn) error {
			fnErr = fn(ctx, &txn{btxn: btxn})
			return fnErr
		})
		if err == nil || fnErr != nil {
			return endSpan(span, err)
		}

		if errors.Is(err, badger.ErrConflict) && attempt < maxUpdateAttempts {
			glog.V(1).Infof("Retrying badger transaction after conflict (attempt %d)", attempt)
			continue
		}

		span.SetAttributes(attribute.Int("attempts", attempt))
		return endSpan(span, errs.New(errs.KindStorageUnavailable, "while committing transaction", err))
	}
}

func (s *Store) DropAll(ctx context.Context) error {
	if err := s.db.DropAll(); err != nil {
		return errs.New(errs.KindStorageUnavailable, "while dropping all keys", err)
	}
	return nil
}

// RunGC periodically garbage collects the value log until ctx is done.
func (s *Store) RunGC(ctx context.Context, interval time.Duration, discardRatio float64) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		rewrites := 0
		for {
			err := s.db.RunValueLogGC(discardRatio)
			if errors.Is(err, badger.ErrNoRewrite) {
				break
			}
			if err != nil {
				glog.Errorf("Error during value log GC: %v", err)
				break
			}
			rewrites++
		}
		glog.V(1).Infof("Value log GC pass done, rewrites=%d", rewrites)
	}
}

// Backup streams a full snapshot of the database to w.
func (s *Store) Backup(w io.Writer) error {
	if _, err := s.db.Backup(w, 0); err != nil {
		return errs.New(errs.KindStorageUnavailable, "while writing backup", err)
	}
	return nil
}

// Restore loads a snapshot written by Backup.
func (s *Store) Restore(r io.Reader) error {
	if err := s.db.Load(r, 256); err != nil {
		return errs.New(errs.KindStorageUnavailable, "while loading backup", err)
	}
	return nil
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

type txn struct {
	btxn *badger.Txn
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
	item, err := t.btxn.Get(recordKey(c.Name, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.KindStorageUnavailable, fmt.Sprintf("while reading %s/%s", c.Name, key), err)
	}

	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, errs.New(errs.KindStorageUnavailable, fmt.Sprintf("while copying value of %s/%s", c.Name, key), err)
	}

	return decode(c, key, data)
}

func decode(c *recordstore.Collection, key string, data []byte) (recordstore.Record, error) {
	r := c.New()
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("while decoding %s/%s: %w", c.Name, key, err)
	}
	r.SetRecordKey(key)
	return r, nil
}

func (t *txn) Add(ctx context.Context, c *recordstore.Collection, r recordstore.Record) (string, error) {
	key := r.RecordKey()
	if key == "" {
		key = uuid.New().String()
		r.SetRecordKey(key)
	}

	old, err := t.load(c, key)
	if err != nil {
		return "", err
	}
	if old != nil {
		return "", errs.Newf(errs.KindConstraintViolation, "record %s/%s already exists", c.Name, key)
	}

	if err := t.write(c, key, nil, r); err != nil {
		return "", err
	}
	return key, nil
}

func (t *txn) Put(ctx context.Context, c *recordstore.Collection, r recordstore.Record) error {
	key := r.RecordKey()
	if key == "" {
		return errs.Newf(errs.KindValidation, "put into %s requires a key", c.Name)
	}

	old, err := t.load(c, key)
	if err != nil {
		return err
	}

	return t.write(c, key, old, r)
}

// write stores r under key, replacing old (which may be nil) and its index
// entries.
func (t *txn) write(c *recordstore.Collection, key string, old, r recordstore.Record) error {
	if err := recordstore.CheckRecord(c, r); err != nil {
		return err
	}

	if old != nil {
		if err := t.unindex(c, key, old); err != nil {
			return err
		}
	}

	for i := range c.Indexes {
		idx := &c.Indexes[i]
		value, ok := idx.Value(r)
		if !ok {
			continue
		}
		if err := recordstore.CheckIndexValue(c, idx, value); err != nil {
			return err
		}

		if !idx.Unique {
			if err := t.set(indexKey(c.Name, idx.Name, value, key), nil); err != nil {
				return err
			}
			continue
		}

		uk := uniqueKey(c.Name, idx.Name, value)
		item, err := t.btxn.Get(uk)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return errs.New(errs.KindStorageUnavailable, "while checking unique index", err)
		default:
			owner, err := item.ValueCopy(nil)
			if err != nil {
				return errs.New(errs.KindStorageUnavailable, "while reading unique index owner", err)
			}
			if string(owner) != key {
				return errs.Newf(errs.KindConstraintViolation, "%s.%s value %q is already taken", c.Name, idx.Name, value)
			}
		}
		if err := t.set(uk, []byte(key)); err != nil {
			return err
		}
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("while encoding %s/%s: %w", c.Name, key, err)
	}
	return t.set(recordKey(c.Name, key), data)
}

func (t *txn) unindex(c *recordstore.Collection, key string, old recordstore.Record) error {
	for i := range c.Indexes {
		idx := &c.Indexes[i]
		value, ok := idx.Value(old)
		if !ok {
			continue
		}
		var k []byte
		if idx.Unique {
			k = uniqueKey(c.Name, idx.Name, value)
		} else {
			k = indexKey(c.Name, idx.Name, value, key)
		}
		if err := t.btxn.Delete(k); err != nil {
			return errs.New(errs.KindStorageUnavailable, "while removing index entry", err)
		}
	}
	return nil
}

func (t *txn) set(k, v []byte) error {
	if err := t.btxn.Set(k, v); err != nil {
		if errors.Is(err, badger.ErrReadOnlyTxn) {
			return errs.New(errs.KindValidation, "write in read-only transaction", err)
		}
		return errs.New(errs.KindStorageUnavailable, "while writing", err)
	}
	return nil
}

// Delete removes a record and its index entries.  Deleting a missing record
// is not an error.
func (t *txn) Delete(ctx context.Context, c *recordstore.Collection, key string) error {
	old, err := t.load(c, key)
	if err != nil {
		return err
	}
	if old == nil {
		return nil
	}

	if err := t.unindex(c, key, old); err != nil {
		return err
	}
	if err := t.btxn.Delete(recordKey(c.Name, key)); err != nil {
		return errs.New(errs.KindStorageUnavailable, fmt.Sprintf("while deleting %s/%s", c.Name, key), err)
	}
	return nil
}

func (t *txn) GetAll(ctx context.Context, c *recordstore.Collection) ([]recordstore.Record, error) {
	prefix := recordPrefix(c.Name)

	it := t.btxn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []recordstore.Record
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := string(item.Key()[len(prefix):])
		data, err := item.ValueCopy(nil)
		if err != nil {
			return nil, errs.New(errs.KindStorageUnavailable, fmt.Sprintf("while reading %s/%s", c.Name, key), err)
		}
		r, err := decode(c, key, data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (t *txn) GetByIndex(ctx context.Context, c *recordstore.Collection, index, value string) ([]recordstore.Record, error) {
	return t.GetByIndexRange(ctx, c, index, value, value)
}

func (t *txn) GetByIndexRange(ctx context.Context, c *recordstore.Collection, index, lo, hi string) ([]recordstore.Record, error) {
	idx, err := c.Index(index)
	if err != nil {
		return nil, err
	}

	keys, err := t.scanIndex(c, idx, lo, hi)
	if err != nil {
		return nil, err
	}

	out := make([]recordstore.Record, 0, len(keys))
	for _, key := range keys {
		r, err := t.load(c, key)
		if err != nil {
			return nil, err
		}
		if r == nil {
			glog.Warningf("Index %s.%s points at missing record %q", c.Name, idx.Name, key)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// scanIndex returns the primary keys whose index value lies in [lo, hi].
func (t *txn) scanIndex(c *recordstore.Collection, idx *recordstore.Index, lo, hi string) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = idx.Unique

	it := t.btxn.NewIterator(opts)
	defer it.Close()

	var prefix []byte
	if idx.Unique {
		prefix = uniquePrefix(c.Name, idx.Name)
	} else {
		prefix = indexPrefix(c.Name, idx.Name)
	}

	var keys []string
	for it.Seek(append(append([]byte{}, prefix...), lo...)); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		suffix := item.Key()[len(prefix):]

		var value, pk string
		if idx.Unique {
			value = string(suffix)
			owner, err := item.ValueCopy(nil)
			if err != nil {
				return nil, errs.New(errs.KindStorageUnavailable, "while reading unique index owner", err)
			}
			pk = string(owner)
		} else {
			var ok bool
			value, pk, ok = splitIndexSuffix(suffix)
			if !ok {
				return nil, fmt.Errorf("malformed index key %q", item.Key())
			}
		}

		if value > hi {
			break
		}
		if value < lo {
			continue
		}
		keys = append(keys, pk)
	}
	return keys, nil
}
