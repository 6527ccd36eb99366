package badgerstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/RaphaLefth/pillquest/recordstore"
	"github.com/RaphaLefth/pillquest/recordstore/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) recordstore.Store {
		return openTestStore(t)
	})
}

func TestBackupRestore(t *testing.T) {
	src := openTestStore(t)
	var key string
	err := src.Update(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		var err error
		key, err = txn.Add(ctx, storetest.Widgets, &storetest.Widget{Owner: "alice", Serial: "s-1"})
		return err
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	buf := &bytes.Buffer{}
	if err := src.Backup(buf); err != nil {
		t.Fatalf("Unexpected error during backup: %v", err)
	}

	dst := openTestStore(t)
	if err := dst.Restore(buf); err != nil {
		t.Fatalf("Unexpected error during restore: %v", err)
	}

	err = dst.View(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		w, err := recordstore.Get[*storetest.Widget](ctx, txn, storetest.Widgets, key)
		if err != nil {
			return err
		}
		if w.Serial != "s-1" {
			t.Errorf("Restored serial = %q, want %q", w.Serial, "s-1")
		}
		rs, err := txn.GetByIndex(ctx, storetest.Widgets, "serial", "s-1")
		if err != nil {
			return err
		}
		if len(rs) != 1 {
			t.Errorf("Restored unique index has %d entries, want 1", len(rs))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestSplitIndexSuffix(t *testing.T) {
	prefix := indexPrefix("doses", "status")
	key := indexKey("doses", "status", "scheduled", "abc")
	value, pk, ok := splitIndexSuffix(key[len(prefix):])
	if !ok || value != "scheduled" || pk != "abc" {
		t.Errorf("splitIndexSuffix = (%q, %q, %v), want (%q, %q, true)", value, pk, ok, "scheduled", "abc")
	}
}
