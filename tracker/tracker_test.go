package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RaphaLefth/pillquest/achievement"
	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/errs"
	"github.com/RaphaLefth/pillquest/recordstore"
	"github.com/RaphaLefth/pillquest/recordstore/badgerstore"

	"cloud.google.com/go/civil"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestTracker(t *testing.T, start time.Time) (*Tracker, *fakeClock, recordstore.Store) {
	t.Helper()
	store, err := badgerstore.Open(badgerstore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: start}
	return New(store, WithLocation(time.UTC), WithClock(clock.Now)), clock, store
}

func twiceDaily() TreatmentRequest {
	return TreatmentRequest{
		MedicationName: "Amoxicillin",
		Dosage:         "500mg",
		Frequency:      2,
		Schedule:       []string{"08:00", "20:00"},
	}
}

func registerAlice(t *testing.T, tr *Tracker) (*dbtypes.User, *dbtypes.Treatment) {
	t.Helper()
	user, treatment, err := tr.Register(context.Background(), &RegisterRequest{
		Name:      "Alice",
		Username:  "alice",
		Treatment: twiceDaily(),
	})
	if err != nil {
		t.Fatalf("Unexpected error registering: %v", err)
	}
	return user, treatment
}

func countDoses(t *testing.T, store recordstore.Store, treatmentID string) (scheduled, taken int) {
	t.Helper()
	err := store.View(context.Background(), func(ctx context.Context, txn recordstore.Txn) error {
		records, err := txn.GetByIndex(ctx, dbtypes.Doses, dbtypes.IndexTreatmentID, treatmentID)
		for _, d := range recordstore.As[*dbtypes.Dose](records) {
			if d.Status == dbtypes.DoseTaken {
				taken++
			} else {
				scheduled++
			}
		}
		return err
	})
	if err != nil {
		t.Fatalf("Unexpected error counting doses: %v", err)
	}
	return scheduled, taken
}

func TestRegisterAndTakeFirstDose(t *testing.T) {
	ctx := context.Background()
	tr, clock, store := newTestTracker(t, time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC))

	user, treatment := registerAlice(t, tr)

	if got, _ := countDoses(t, store, treatment.ID); got != 60 {
		t.Fatalf("Registration generated %d doses, want 60", got)
	}
	if diff := cmp.Diff(treatment.StartDate, civil.Date{Year: 2024, Month: 1, Day: 10}); diff != "" {
		t.Errorf("Bad start date; diff (-got +want)\n%s", diff)
	}

	stats, err := tr.Stats(ctx, user.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if stats.TotalPoints != 0 || stats.TotalDoses != 0 {
		t.Errorf("Fresh stats = %+v, want zeroes", stats)
	}

	clock.Set(time.Date(2024, 1, 10, 8, 15, 0, 0, time.UTC))
	pending, err := tr.PendingDoses(ctx, user.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Got %d pending doses, want 1", len(pending))
	}
	dose := pending[0].Dose
	if want := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC); !dose.ScheduledAt.Equal(want) {
		t.Errorf("Pending dose scheduled at %v, want %v", dose.ScheduledAt, want)
	}

	res, err := tr.TakeDose(ctx, user.ID, dose.ID, TakeOptions{})
	if err != nil {
		t.Fatalf("Unexpected error taking dose: %v", err)
	}

	wantStats := &dbtypes.Stats{
		UserID:        user.ID,
		TotalPoints:   10,
		TotalCoins:    5,
		CurrentStreak: 1,
		LongestStreak: 1,
		TotalDoses:    1,
		LastDoseDate:  &civil.Date{Year: 2024, Month: 1, Day: 10},
	}
	if diff := cmp.Diff(res.Stats, wantStats, cmpopts.IgnoreFields(dbtypes.Stats{}, "CreatedAt", "UpdatedAt")); diff != "" {
		t.Errorf("Bad stats after first take; diff (-got +want)\n%s", diff)
	}
	if res.Dose.Status != dbtypes.DoseTaken || res.Dose.TakenAt == nil {
		t.Errorf("Dose not marked taken: %+v", res.Dose)
	}

	var unlocked []string
	for _, u := range res.Unlocked {
		unlocked = append(unlocked, u.AchievementID)
	}
	if diff := cmp.Diff(unlocked, []string{achievement.FirstDose}); diff != "" {
		t.Errorf("Bad unlocks; diff (-got +want)\n%s", diff)
	}

	pending, err = tr.PendingDoses(ctx, user.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Taken dose still pending: %+v", pending)
	}
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	tr, _, _ := newTestTracker(t, time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC))
	registerAlice(t, tr)

	_, _, err := tr.Register(context.Background(), &RegisterRequest{
		Name:      "Other Alice",
		Username:  "alice",
		Treatment: twiceDaily(),
	})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("Got error %v, want ErrUsernameTaken", err)
	}
	if !errors.Is(err, errs.ConstraintViolation) {
		t.Errorf("Got error %v, want a constraint violation", err)
	}

	users, err := tr.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("Got %d users, want 1", len(users))
	}
}

func TestRegisterValidatesBeforeWriting(t *testing.T) {
	tr, _, _ := newTestTracker(t, time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC))

	bad := twiceDaily()
	bad.Schedule = []string{"08:00"}
	_, _, err := tr.Register(context.Background(), &RegisterRequest{Name: "Alice", Username: "alice", Treatment: bad})
	if !errors.Is(err, errs.Validation) {
		t.Fatalf("Got error %v, want a validation error", err)
	}

	if _, err := tr.FirstUser(context.Background()); !errors.Is(err, ErrNoUsers) {
		t.Errorf("Got error %v, want ErrNoUsers", err)
	}
}

func TestRegisterFromFirstDoseTime(t *testing.T) {
	tr, _, _ := newTestTracker(t, time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC))

	_, treatment, err := tr.Register(context.Background(), &RegisterRequest{
		Name:     "Alice",
		Username: "alice",
		Treatment: TreatmentRequest{
			MedicationName: "Ibuprofen",
			Dosage:         "200mg",
			Frequency:      3,
			FirstDose:      "06:00",
			DurationDays:   5,
		},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(treatment.Schedule, []string{"06:00", "14:00", "22:00"}); diff != "" {
		t.Errorf("Bad schedule; diff (-got +want)\n%s", diff)
	}
}

func TestTakeDoseOutsideWindow(t *testing.T) {
	ctx := context.Background()
	tr, clock, _ := newTestTracker(t, time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC))
	user, _ := registerAlice(t, tr)

	doses, err := tr.DosesForDay(ctx, user.ID, civil.Date{Year: 2024, Month: 1, Day: 10})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(doses) != 2 {
		t.Fatalf("Got %d doses for the day, want 2", len(doses))
	}
	evening := doses[1].Dose

	clock.Set(time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC))
	_, err = tr.TakeDose(ctx, user.ID, evening.ID, TakeOptions{})
	if !errors.Is(err, ErrNotActionable) {
		t.Fatalf("Got error %v, want ErrNotActionable", err)
	}

	stats, err := tr.Stats(ctx, user.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if stats.TotalDoses != 0 {
		t.Errorf("Rejected take still credited stats: %+v", stats)
	}

	res, err := tr.TakeDose(ctx, user.ID, evening.ID, TakeOptions{Manual: true})
	if err != nil {
		t.Fatalf("Unexpected error on manual take: %v", err)
	}
	if res.Stats.TotalDoses != 1 {
		t.Errorf("Manual take credited %d doses, want 1", res.Stats.TotalDoses)
	}

	_, err = tr.TakeDose(ctx, user.ID, evening.ID, TakeOptions{Manual: true})
	if !errors.Is(err, ErrAlreadyTaken) {
		t.Errorf("Got error %v, want ErrAlreadyTaken", err)
	}
}

func TestTakeDoseOfAnotherUser(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t, time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC))
	alice, _ := registerAlice(t, tr)
	bob, _, err := tr.Register(ctx, &RegisterRequest{Name: "Bob", Username: "bob", Treatment: twiceDaily()})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	pending, err := tr.PendingDoses(ctx, alice.ID)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Got pending %v err %v, want one dose", pending, err)
	}

	_, err = tr.TakeDose(ctx, bob.ID, pending[0].Dose.ID, TakeOptions{})
	if !errors.Is(err, errs.NotFound) {
		t.Errorf("Got error %v, want NotFound", err)
	}
}

func TestConcurrentTakesCreditOnce(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t, time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC))
	user, _ := registerAlice(t, tr)

	pending, err := tr.PendingDoses(ctx, user.ID)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Got pending %v err %v, want one dose", pending, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.TakeDose(ctx, user.ID, pending[0].Dose.ID, TakeOptions{}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("Got %d successful takes, want 1", successes)
	}
	stats, err := tr.Stats(ctx, user.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if stats.TotalDoses != 1 || stats.TotalPoints != 10 {
		t.Errorf("Stats after concurrent takes = %+v, want one credited dose", stats)
	}
}

func TestStreakAcrossDays(t *testing.T) {
	ctx := context.Background()
	tr, clock, _ := newTestTracker(t, time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC))
	user, _ := registerAlice(t, tr)

	take := func(at time.Time) *TakeResult {
		t.Helper()
		clock.Set(at)
		pending, err := tr.PendingDoses(ctx, user.ID)
		if err != nil || len(pending) != 1 {
			t.Fatalf("At %v: got pending %v err %v, want one dose", at, pending, err)
		}
		res, err := tr.TakeDose(ctx, user.ID, pending[0].Dose.ID, TakeOptions{})
		if err != nil {
			t.Fatalf("At %v: unexpected error: %v", at, err)
		}
		return res
	}

	take(time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC))
	take(time.Date(2024, 1, 10, 20, 0, 0, 0, time.UTC))
	res := take(time.Date(2024, 1, 11, 8, 30, 0, 0, time.UTC))
	if res.Stats.CurrentStreak != 2 || res.Stats.TotalDoses != 3 {
		t.Errorf("After consecutive day: %+v, want streak 2 doses 3", res.Stats)
	}

	res = take(time.Date(2024, 1, 13, 7, 30, 0, 0, time.UTC))
	if res.Stats.CurrentStreak != 1 || res.Stats.LongestStreak != 2 {
		t.Errorf("After a gap: %+v, want streak 1 longest 2", res.Stats)
	}

	var ids []string
	for _, u := range res.Unlocked {
		ids = append(ids, u.AchievementID)
	}
	if diff := cmp.Diff(ids, []string{achievement.EarlyBird}); diff != "" {
		t.Errorf("Bad unlocks for an early take; diff (-got +want)\n%s", diff)
	}

	_, counts, err := tr.History(ctx, user.ID, civil.Date{Year: 2024, Month: 1, Day: 10}, civil.Date{Year: 2024, Month: 1, Day: 13})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// Jan 11 evening and both Jan 12 doses are past; Jan 13 evening is ahead.
	if diff := cmp.Diff(counts, DoseCounts{Taken: 4, Missed: 3, Scheduled: 1}); diff != "" {
		t.Errorf("Bad history counts; diff (-got +want)\n%s", diff)
	}
}

func TestHistoryListsOnlyTheUsersDosesWithDerivedStatus(t *testing.T) {
	ctx := context.Background()
	tr, clock, _ := newTestTracker(t, time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC))
	alice, _ := registerAlice(t, tr)
	if _, _, err := tr.Register(ctx, &RegisterRequest{Name: "Bob", Username: "bob", Treatment: twiceDaily()}); err != nil {
		t.Fatalf("Unexpected error registering: %v", err)
	}

	clock.Set(time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC))
	pending, err := tr.PendingDoses(ctx, alice.ID)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Got pending %v err %v, want one dose", pending, err)
	}
	if _, err := tr.TakeDose(ctx, alice.ID, pending[0].Dose.ID, TakeOptions{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	clock.Set(time.Date(2024, 1, 11, 12, 0, 0, 0, time.UTC))
	doses, counts, err := tr.History(ctx, alice.ID, civil.Date{Year: 2024, Month: 1, Day: 10}, civil.Date{Year: 2024, Month: 1, Day: 11})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	type row struct {
		At     string
		Status dbtypes.DoseStatus
	}
	var got []row
	for _, d := range doses {
		if d.UserID != alice.ID {
			t.Errorf("History of alice includes dose %s of user %s", d.ID, d.UserID)
		}
		got = append(got, row{d.ScheduledAt.Format("01-02 15:04"), d.Status})
	}
	want := []row{
		{"01-10 08:00", dbtypes.DoseTaken},
		{"01-10 20:00", dbtypes.DoseMissed},
		{"01-11 08:00", dbtypes.DoseMissed},
		{"01-11 20:00", dbtypes.DoseScheduled},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad history; diff (-got +want)\n%s", diff)
	}
	if diff := cmp.Diff(counts, DoseCounts{Taken: 1, Missed: 2, Scheduled: 1}); diff != "" {
		t.Errorf("Bad history counts; diff (-got +want)\n%s", diff)
	}
}

func TestEditTreatmentRegeneratesFutureDoses(t *testing.T) {
	ctx := context.Background()
	tr, clock, store := newTestTracker(t, time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC))
	user, treatment := registerAlice(t, tr)

	clock.Set(time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC))
	pending, err := tr.PendingDoses(ctx, user.ID)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Got pending %v err %v, want one dose", pending, err)
	}
	if _, err := tr.TakeDose(ctx, user.ID, pending[0].Dose.ID, TakeOptions{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	clock.Set(time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC))
	req := TreatmentRequest{
		MedicationName: "Amoxicillin",
		Dosage:         "250mg",
		Frequency:      3,
		Schedule:       []string{"07:00", "15:00", "23:00"},
		DurationDays:   30,
	}
	edited, err := tr.EditTreatment(ctx, user.ID, treatment.ID, &req)
	if err != nil {
		t.Fatalf("Unexpected error editing: %v", err)
	}
	if edited.Dosage != "250mg" || edited.Frequency != 3 {
		t.Errorf("Edit not applied: %+v", edited)
	}

	scheduled, taken := countDoses(t, store, treatment.ID)
	if taken != 1 {
		t.Errorf("Got %d taken doses after edit, want 1", taken)
	}
	// Today keeps 15:00 and 23:00; 29 more days of three.
	if want := 2 + 29*3; scheduled != want {
		t.Errorf("Got %d scheduled doses after edit, want %d", scheduled, want)
	}

	doses, err := tr.DosesForDay(ctx, user.ID, civil.Date{Year: 2024, Month: 1, Day: 10})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var times []string
	for _, d := range doses {
		times = append(times, d.Dose.ScheduledAt.Format("15:04"))
	}
	if diff := cmp.Diff(times, []string{"08:00", "15:00", "23:00"}); diff != "" {
		t.Errorf("Bad doses for edited day; diff (-got +want)\n%s", diff)
	}
}

func TestEditTreatmentHonorsTotalCap(t *testing.T) {
	ctx := context.Background()
	tr, clock, store := newTestTracker(t, time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC))
	user, treatment := registerAlice(t, tr)

	clock.Set(time.Date(2024, 1, 11, 12, 0, 0, 0, time.UTC))
	req := twiceDaily()
	req.TotalDoses = 5
	if _, err := tr.EditTreatment(ctx, user.ID, treatment.ID, &req); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Three past doses are kept, leaving room for two more.
	scheduled, _ := countDoses(t, store, treatment.ID)
	if scheduled != 5 {
		t.Errorf("Got %d doses after capping, want 5", scheduled)
	}
}

func TestDeactivateHidesPendingDoses(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t, time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC))
	user, treatment := registerAlice(t, tr)

	if err := tr.DeactivateTreatment(ctx, user.ID, treatment.ID); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	pending, err := tr.PendingDoses(ctx, user.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Deactivated treatment still has pending doses: %+v", pending)
	}

	active, err := tr.ListTreatments(ctx, user.ID, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	all, err := tr.ListTreatments(ctx, user.ID, true)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(active) != 0 || len(all) != 1 {
		t.Errorf("Got %d active and %d total treatments, want 0 and 1", len(active), len(all))
	}
}

func TestAddTreatmentForUnknownUser(t *testing.T) {
	tr, _, _ := newTestTracker(t, time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC))
	req := twiceDaily()
	_, err := tr.AddTreatment(context.Background(), "nobody", &req)
	if !errors.Is(err, errs.NotFound) {
		t.Errorf("Got error %v, want NotFound", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t, time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC))
	user, _ := registerAlice(t, tr)

	_, err := tr.UpdateProfile(ctx, user.ID, &ProfileUpdate{Name: "Alice A.", Email: "alice@example.com", RemindersEnabled: true})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got, err := tr.UserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.Name != "Alice A." || got.Email != "alice@example.com" || !got.RemindersEnabled {
		t.Errorf("Profile not updated: %+v", got)
	}

	if _, err := tr.UpdateProfile(ctx, user.ID, &ProfileUpdate{Name: "  "}); !errors.Is(err, errs.Validation) {
		t.Errorf("Got error %v, want a validation error", err)
	}
}

func TestMissedDoses(t *testing.T) {
	ctx := context.Background()
	tr, clock, _ := newTestTracker(t, time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC))
	registerAlice(t, tr)

	clock.Set(time.Date(2024, 1, 11, 10, 0, 0, 0, time.UTC))
	missed, err := tr.MissedDoses(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(missed) != 3 {
		t.Errorf("Got %d missed doses, want 3", len(missed))
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t, time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC))
	registerAlice(t, tr)

	if err := tr.Reset(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	users, err := tr.ListUsers(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("Got %d users after reset, want 0", len(users))
	}
}
