// Package storetest is a conformance suite for recordstore.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/RaphaLefth/pillquest/errs"
	"github.com/RaphaLefth/pillquest/recordstore"

	"github.com/google/go-cmp/cmp"
)

type Widget struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`
	Serial string `json:"serial"`
	Color  string `json:"color,omitempty"`
	Size   int    `json:"size"`
}

func (w *Widget) RecordKey() string       { return w.ID }
func (w *Widget) SetRecordKey(key string) { w.ID = key }

var Widgets = &recordstore.Collection{
	Name: "widgets",
	New:  func() recordstore.Record { return &Widget{} },
	Indexes: []recordstore.Index{
		{
			Name:  "owner",
			Value: func(r recordstore.Record) (string, bool) { return r.(*Widget).Owner, true },
		},
		{
			Name:   "serial",
			Unique: true,
			Value:  func(r recordstore.Record) (string, bool) { return r.(*Widget).Serial, true },
		},
		{
			Name: "color",
			Value: func(r recordstore.Record) (string, bool) {
				c := r.(*Widget).Color
				return c, c != ""
			},
		},
	},
}

// Run exercises every operation of the store returned by open.  open is
// called once per subtest and must return an empty store.
func Run(t *testing.T, open func(t *testing.T) recordstore.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s recordstore.Store)
	}{
		{"AddThenGet", testAddThenGet},
		{"GetMissing", testGetMissing},
		{"AddDuplicateKey", testAddDuplicateKey},
		{"AddDuplicateUnique", testAddDuplicateUnique},
		{"PutReindexes", testPutReindexes},
		{"PutUniqueCollision", testPutUniqueCollision},
		{"Delete", testDelete},
		{"IndexRange", testIndexRange},
		{"SparseIndex", testSparseIndex},
		{"UnknownIndex", testUnknownIndex},
		{"FailedUpdateRollsBack", testFailedUpdateRollsBack},
		{"DropAll", testDropAll},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func add(t *testing.T, s recordstore.Store, w *Widget) string {
	t.Helper()
	var key string
	err := s.Update(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		var err error
		key, err = txn.Add(ctx, Widgets, w)
		return err
	})
	if err != nil {
		t.Fatalf("Unexpected error adding %+v: %v", w, err)
	}
	return key
}

func byIndex(t *testing.T, s recordstore.Store, index, lo, hi string) []*Widget {
	t.Helper()
	var got []*Widget
	err := s.View(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		rs, err := txn.GetByIndexRange(ctx, Widgets, index, lo, hi)
		if err != nil {
			return err
		}
		got = recordstore.As[*Widget](rs)
		return nil
	})
	if err != nil {
		t.Fatalf("Unexpected error reading index %s: %v", index, err)
	}
	return got
}

func get(ctx context.Context, s recordstore.Store, key string) (*Widget, error) {
	var w *Widget
	err := s.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		var err error
		w, err = recordstore.Get[*Widget](ctx, txn, Widgets, key)
		return err
	})
	return w, err
}

func testAddThenGet(t *testing.T, s recordstore.Store) {
	w := &Widget{Owner: "alice", Serial: "s-1", Color: "red", Size: 3}
	key := add(t, s, w)
	if key == "" {
		t.Fatalf("Add returned empty key")
	}
	if w.ID != key {
		t.Errorf("Add did not set key on record: got %q, want %q", w.ID, key)
	}

	got, err := get(context.Background(), s, key)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(got, w); diff != "" {
		t.Errorf("Bad record; diff (-got +want)\n%s", diff)
	}

	var all []*Widget
	err = s.View(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		rs, err := txn.GetAll(ctx, Widgets)
		all = recordstore.As[*Widget](rs)
		return err
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(all, []*Widget{w}); diff != "" {
		t.Errorf("Bad GetAll result; diff (-got +want)\n%s", diff)
	}
}

func testGetMissing(t *testing.T, s recordstore.Store) {
	_, err := get(context.Background(), s, "nope")
	if !errors.Is(err, errs.NotFound) {
		t.Errorf("Get(missing) error = %v, want not found", err)
	}
}

func testAddDuplicateKey(t *testing.T, s recordstore.Store) {
	add(t, s, &Widget{ID: "w1", Owner: "alice", Serial: "s-1"})

	err := s.Update(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		_, err := txn.Add(ctx, Widgets, &Widget{ID: "w1", Owner: "bob", Serial: "s-2"})
		return err
	})
	if !errors.Is(err, errs.ConstraintViolation) {
		t.Errorf("Add(duplicate key) error = %v, want constraint violation", err)
	}
}

func testAddDuplicateUnique(t *testing.T, s recordstore.Store) {
	add(t, s, &Widget{Owner: "alice", Serial: "s-1"})

	err := s.Update(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		_, err := txn.Add(ctx, Widgets, &Widget{Owner: "bob", Serial: "s-1"})
		return err
	})
	if !errors.Is(err, errs.ConstraintViolation) {
		t.Fatalf("Add(duplicate serial) error = %v, want constraint violation", err)
	}

	if got := byIndex(t, s, "owner", "bob", "bob"); len(got) != 0 {
		t.Errorf("Rejected record is visible through index: %+v", got)
	}
}

func testPutReindexes(t *testing.T, s recordstore.Store) {
	w := &Widget{Owner: "alice", Serial: "s-1", Color: "red"}
	add(t, s, w)

	w.Owner = "bob"
	w.Serial = "s-2"
	err := s.Update(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		return txn.Put(ctx, Widgets, w)
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got := byIndex(t, s, "owner", "alice", "alice"); len(got) != 0 {
		t.Errorf("Stale owner index entry: %+v", got)
	}
	if diff := cmp.Diff(byIndex(t, s, "owner", "bob", "bob"), []*Widget{w}); diff != "" {
		t.Errorf("Bad owner lookup; diff (-got +want)\n%s", diff)
	}

	// The old serial is free again.
	add(t, s, &Widget{Owner: "carol", Serial: "s-1"})
}

func testPutUniqueCollision(t *testing.T, s recordstore.Store) {
	add(t, s, &Widget{Owner: "alice", Serial: "s-1"})
	w := &Widget{Owner: "bob", Serial: "s-2"}
	add(t, s, w)

	// Re-putting a record with its own unique value is fine.
	err := s.Update(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		w.Size = 9
		return txn.Put(ctx, Widgets, w)
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	err = s.Update(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		return txn.Put(ctx, Widgets, &Widget{ID: w.ID, Owner: "bob", Serial: "s-1"})
	})
	if !errors.Is(err, errs.ConstraintViolation) {
		t.Errorf("Put(taken serial) error = %v, want constraint violation", err)
	}
}

func testDelete(t *testing.T, s recordstore.Store) {
	key := add(t, s, &Widget{Owner: "alice", Serial: "s-1"})

	err := s.Update(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		return txn.Delete(ctx, Widgets, key)
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if _, err := get(context.Background(), s, key); !errors.Is(err, errs.NotFound) {
		t.Errorf("Get after delete error = %v, want not found", err)
	}
	if got := byIndex(t, s, "owner", "alice", "alice"); len(got) != 0 {
		t.Errorf("Stale index entry after delete: %+v", got)
	}

	err = s.Update(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		return txn.Delete(ctx, Widgets, key)
	})
	if err != nil {
		t.Errorf("Delete(missing) error = %v, want nil", err)
	}

	// The serial was released with the record.
	add(t, s, &Widget{Owner: "bob", Serial: "s-1"})
}

func testIndexRange(t *testing.T, s recordstore.Store) {
	for _, serial := range []string{"b", "d", "a", "c", "e"} {
		add(t, s, &Widget{Owner: "alice", Serial: serial})
	}

	var gotSerials []string
	for _, w := range byIndex(t, s, "serial", "b", "d") {
		gotSerials = append(gotSerials, w.Serial)
	}
	if diff := cmp.Diff(gotSerials, []string{"b", "c", "d"}); diff != "" {
		t.Errorf("Bad range result; diff (-got +want)\n%s", diff)
	}

	if got := byIndex(t, s, "serial", "f", "z"); len(got) != 0 {
		t.Errorf("Expected empty range, got %+v", got)
	}

	if got := byIndex(t, s, "owner", "alice", "alice"); len(got) != 5 {
		t.Errorf("GetByIndex(owner=alice) returned %d records, want 5", len(got))
	}
}

func testSparseIndex(t *testing.T, s recordstore.Store) {
	add(t, s, &Widget{Owner: "alice", Serial: "s-1", Color: "red"})
	add(t, s, &Widget{Owner: "alice", Serial: "s-2"})

	got := byIndex(t, s, "color", "", "\uffff")
	if len(got) != 1 || got[0].Serial != "s-1" {
		t.Errorf("Sparse index returned %+v, want only s-1", got)
	}
}

func testUnknownIndex(t *testing.T, s recordstore.Store) {
	err := s.View(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		_, err := txn.GetByIndex(ctx, Widgets, "shape", "round")
		return err
	})
	if !errors.Is(err, errs.Validation) {
		t.Errorf("GetByIndex(unknown) error = %v, want validation error", err)
	}
}

func testFailedUpdateRollsBack(t *testing.T, s recordstore.Store) {
	boom := errors.New("boom")
	var key string
	err := s.Update(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		var err error
		key, err = txn.Add(ctx, Widgets, &Widget{Owner: "alice", Serial: "s-1"})
		if err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want %v", err, boom)
	}

	if _, err := get(context.Background(), s, key); !errors.Is(err, errs.NotFound) {
		t.Errorf("Get after rolled back add error = %v, want not found", err)
	}
}

func testDropAll(t *testing.T, s recordstore.Store) {
	add(t, s, &Widget{Owner: "alice", Serial: "s-1"})
	add(t, s, &Widget{Owner: "bob", Serial: "s-2"})

	if err := s.DropAll(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var n int
	err := s.View(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		rs, err := txn.GetAll(ctx, Widgets)
		n = len(rs)
		return err
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("Store has %d records after DropAll, want 0", n)
	}

	// Unique values are released too.
	add(t, s, &Widget{Owner: "carol", Serial: "s-1"})
}
