package backup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/recordstore"
	"github.com/RaphaLefth/pillquest/recordstore/badgerstore"
)

func TestObjectName(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	got := ObjectName(time.Date(2024, 1, 10, 3, 4, 5, 0, loc))
	if want := "backups/20240110T080405Z.badger"; got != want {
		t.Errorf("ObjectName = %q, want %q", got, want)
	}
}

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, err := badgerstore.Open(badgerstore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer src.Close()

	err = src.Update(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		_, err := txn.Add(ctx, dbtypes.Users, &dbtypes.User{Name: "Alice", Username: "alice"})
		return err
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	filename := filepath.Join(t.TempDir(), "snap.badger")
	if err := ToFile(src, filename); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	dst, err := badgerstore.Open(badgerstore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer dst.Close()
	if err := FromFile(dst, filename); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	err = dst.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		users, err := txn.GetByIndex(ctx, dbtypes.Users, dbtypes.IndexUsername, "alice")
		if err != nil {
			return err
		}
		if len(users) != 1 {
			t.Errorf("Got %d users named alice after restore, want 1", len(users))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}
