package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/recordstore"
	"github.com/RaphaLefth/pillquest/recordstore/badgerstore"
	"github.com/RaphaLefth/pillquest/tracker"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

type fakeSender struct {
	mu   sync.Mutex
	fail error
	got  map[string][]string
}

func (s *fakeSender) Send(ctx context.Context, r *Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if s.got == nil {
		s.got = map[string][]string{}
	}
	for _, d := range r.Doses {
		s.got[r.User.Username] = append(s.got[r.User.Username], d.ScheduledAt.Format("15:04"))
	}
	return nil
}

func setup(t *testing.T, now time.Time) (recordstore.Store, *tracker.Tracker) {
	t.Helper()
	store, err := badgerstore.Open(badgerstore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tr := tracker.New(store, tracker.WithLocation(time.UTC), tracker.WithClock(func() time.Time { return now }))
	return store, tr
}

func register(t *testing.T, tr *tracker.Tracker, username, email string, reminders bool) *dbtypes.User {
	t.Helper()
	user, _, err := tr.Register(context.Background(), &tracker.RegisterRequest{
		Name:             username,
		Username:         username,
		Email:            email,
		RemindersEnabled: reminders,
		Treatment: tracker.TreatmentRequest{
			MedicationName: "Metformin",
			Dosage:         "850mg",
			Frequency:      2,
			Schedule:       []string{"08:00", "20:00"},
			DurationDays:   3,
		},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return user
}

func TestPollRemindsOncePerDose(t *testing.T) {
	now := time.Date(2024, 1, 10, 8, 10, 0, 0, time.UTC)
	store, tr := setup(t, now)
	register(t, tr, "alice", "alice@example.com", true)
	register(t, tr, "bob", "bob@example.com", false)
	register(t, tr, "carol", "", true)

	sender := &fakeSender{}
	p := New(store, sender, time.Minute, WithClock(func() time.Time { return now }), WithSendRate(1000, 10))

	n, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("First pass reminded about %d doses, want 1", n)
	}
	if diff := cmp.Diff(sender.got, map[string][]string{"alice": {"08:00"}}); diff != "" {
		t.Errorf("Bad reminders; diff (-got +want)\n%s", diff)
	}

	n, err = p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("Second pass reminded about %d doses, want 0", n)
	}
}

func TestPollSkipsTakenDoses(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 10, 8, 10, 0, 0, time.UTC)
	store, tr := setup(t, now)
	user := register(t, tr, "alice", "alice@example.com", true)

	pending, err := tr.PendingDoses(ctx, user.ID)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Got pending %v err %v, want one dose", pending, err)
	}
	if _, err := tr.TakeDose(ctx, user.ID, pending[0].Dose.ID, tracker.TakeOptions{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	sender := &fakeSender{}
	p := New(store, sender, time.Minute, WithClock(func() time.Time { return now }))
	n, err := p.Poll(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if n != 0 || len(sender.got) != 0 {
		t.Errorf("Reminded about a taken dose: n=%d got=%v", n, sender.got)
	}
}

func TestPollRetriesAfterSendFailure(t *testing.T) {
	now := time.Date(2024, 1, 10, 20, 30, 0, 0, time.UTC)
	store, tr := setup(t, now)
	register(t, tr, "alice", "alice@example.com", true)

	sender := &fakeSender{fail: errors.New("mail provider down")}
	p := New(store, sender, time.Minute, WithClock(func() time.Time { return now }))

	if _, err := p.Poll(context.Background()); err == nil {
		t.Fatalf("Expected an error from a failing sender")
	}

	sender.fail = nil
	n, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("Retry pass reminded about %d doses, want 1", n)
	}
}

func TestPollReleasesClaimsWhenRateLimiterFails(t *testing.T) {
	now := time.Date(2024, 1, 10, 8, 10, 0, 0, time.UTC)
	store, tr := setup(t, now)
	register(t, tr, "alice", "alice@example.com", true)

	// A zero burst makes every Wait fail after the claims are taken.
	sender := &fakeSender{}
	broken := New(store, sender, time.Minute, WithClock(func() time.Time { return now }), WithSendRate(1000, 0))
	if _, err := broken.Poll(context.Background()); err == nil {
		t.Fatalf("Expected an error from a limiter that can never admit a send")
	}
	if len(sender.got) != 0 {
		t.Fatalf("Sent %v through a failing limiter", sender.got)
	}

	p := New(store, sender, time.Minute, WithClock(func() time.Time { return now }), WithSendRate(1000, 10))
	n, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("Retry pass reminded about %d doses, want 1", n)
	}
	if diff := cmp.Diff(sender.got, map[string][]string{"alice": {"08:00"}}); diff != "" {
		t.Errorf("Bad reminders; diff (-got +want)\n%s", diff)
	}
}

func TestPollReleasesClaimsOnCancelledContext(t *testing.T) {
	now := time.Date(2024, 1, 10, 8, 10, 0, 0, time.UTC)
	store, tr := setup(t, now)
	register(t, tr, "alice", "alice@example.com", true)

	p := New(store, &fakeSender{}, time.Minute, WithClock(func() time.Time { return now }), WithSendRate(1000, 10))
	due, err := p.dueReminders(context.Background())
	if err != nil || len(due) != 1 {
		t.Fatalf("Got due %v err %v, want one reminder", due, err)
	}

	// The claims go through, then the limiter sees the cancelled context.
	p.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	p.limiter.Allow()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.remind(ctx, due[0]); err == nil {
		t.Fatalf("Expected an error once the context ends while waiting to send")
	}

	if n := reminderClaims(t, store); n != 0 {
		t.Errorf("Got %d reminder claims left behind, want 0", n)
	}
}

func TestPollWaitsForWorkersWhenCancelled(t *testing.T) {
	now := time.Date(2024, 1, 10, 8, 10, 0, 0, time.UTC)
	store, tr := setup(t, now)
	register(t, tr, "alice", "alice@example.com", true)
	register(t, tr, "dave", "dave@example.com", true)

	sender := &fakeSender{}
	p := New(store, sender, time.Minute, WithClock(func() time.Time { return now }), WithConcurrency(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Poll(ctx); err == nil {
		t.Fatalf("Expected an error from a cancelled pass")
	}

	// Poll has returned, so no worker may still hold a claim.
	if n := reminderClaims(t, store); n != 0 {
		t.Errorf("Got %d reminder claims left behind, want 0", n)
	}
	if len(sender.got) != 0 {
		t.Errorf("Sent %v during a cancelled pass", sender.got)
	}
}

func reminderClaims(t *testing.T, store recordstore.Store) int {
	t.Helper()
	var reminders []recordstore.Record
	err := store.View(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		var err error
		reminders, err = txn.GetAll(ctx, dbtypes.Reminders)
		return err
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return len(reminders)
}

func TestRenderPlain(t *testing.T) {
	r := &Reminder{
		User: &dbtypes.User{Name: "Alice"},
		Doses: []*dbtypes.Dose{
			{MedicationName: "Metformin", Dosage: "850mg", ScheduledAt: time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)},
		},
		TakeLink: "/",
	}
	got, err := RenderPlain("https://pillquest.example", r)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for _, want := range []string{"Hi Alice,", "* Metformin 850mg, scheduled at 08:00.", "https://pillquest.example/"} {
		if !strings.Contains(got, want) {
			t.Errorf("Rendered email %q does not contain %q", got, want)
		}
	}
}
