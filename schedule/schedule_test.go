package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/errs"
	"github.com/RaphaLefth/pillquest/recordstore"
	"github.com/RaphaLefth/pillquest/recordstore/badgerstore"

	"cloud.google.com/go/civil"
	"github.com/google/go-cmp/cmp"
)

func treatment(frequency int, schedule ...string) *dbtypes.Treatment {
	return &dbtypes.Treatment{
		ID:             "t1",
		UserID:         "u1",
		MedicationName: "Amoxicillin",
		Dosage:         "500mg",
		Frequency:      frequency,
		Schedule:       schedule,
		DurationDays:   30,
		StartDate:      civil.Date{Year: 2024, Month: time.January, Day: 10},
		Active:         true,
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{in: "08:00", want: TimeOfDay{8, 0}},
		{in: "23:59", want: TimeOfDay{23, 59}},
		{in: "7:30", want: TimeOfDay{7, 30}},
		{in: "00:00", want: TimeOfDay{0, 0}},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "1230", wantErr: true},
		{in: "ab:cd", wantErr: true},
		{in: "12:5", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseTimeOfDay(tc.in)
		if tc.wantErr {
			if !errors.Is(err, errs.Validation) {
				t.Errorf("ParseTimeOfDay(%q) error = %v, want validation error", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeOfDay(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestEvenlySpaced(t *testing.T) {
	got, err := EvenlySpaced(TimeOfDay{Hour: 20, Minute: 30}, 3)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []string{"20:30", "04:30", "12:30"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad schedule; diff (-got +want)\n%s", diff)
	}

	if _, err := EvenlySpaced(TimeOfDay{}, 25); !errors.Is(err, errs.Validation) {
		t.Errorf("EvenlySpaced(f=25) error = %v, want validation error", err)
	}
}

func TestGenerateDosesTwiceDaily(t *testing.T) {
	tr := treatment(2, "08:00", "20:00")
	start := civil.Date{Year: 2024, Month: time.January, Day: 10}

	drafts, err := GenerateDoses(tr, start, 3, time.UTC)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var got []time.Time
	for _, d := range drafts {
		got = append(got, d.ScheduledAt)
		if d.TreatmentID != "t1" || d.UserID != "u1" || d.MedicationName != "Amoxicillin" || d.Dosage != "500mg" {
			t.Errorf("Draft has wrong snapshot fields: %+v", d)
		}
	}
	want := []time.Time{
		time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 10, 20, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 11, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 11, 20, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 12, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 12, 20, 0, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad dose times; diff (-got +want)\n%s", diff)
	}
}

func TestGenerateDosesCountAndUniqueness(t *testing.T) {
	for _, f := range []int{1, 2, 3, 4, 6} {
		schedule, err := EvenlySpaced(TimeOfDay{Hour: 6}, f)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		tr := treatment(f, schedule...)
		start := civil.Date{Year: 2024, Month: time.February, Day: 27}

		drafts, err := GenerateDoses(tr, start, 30, time.UTC)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(drafts) != 30*f {
			t.Errorf("f=%d: got %d drafts, want %d", f, len(drafts), 30*f)
		}

		seen := map[string]bool{}
		for _, d := range drafts {
			k := dbtypes.TreatmentScheduledAtKey(d.TreatmentID, d.ScheduledAt)
			if seen[k] {
				t.Errorf("f=%d: duplicate draft %s", f, k)
			}
			seen[k] = true
		}
	}
}

func TestGenerateDosesTotalCapStopsMidDay(t *testing.T) {
	tr := treatment(3, "08:00", "14:00", "20:00")
	tr.TotalDoses = 5

	drafts, err := GenerateDoses(tr, civil.Date{Year: 2024, Month: time.March, Day: 1}, 30, time.UTC)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(drafts) != 5 {
		t.Fatalf("Got %d drafts, want 5", len(drafts))
	}
	if got, want := drafts[4].ScheduledAt, time.Date(2024, 3, 2, 14, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Last draft at %v, want %v", got, want)
	}
}

func TestGenerateDosesDayLimitBeatsCap(t *testing.T) {
	tr := treatment(1, "09:00")
	tr.TotalDoses = 100

	drafts, err := GenerateDoses(tr, civil.Date{Year: 2024, Month: time.March, Day: 1}, 3, time.UTC)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(drafts) != 3 {
		t.Errorf("Got %d drafts, want 3", len(drafts))
	}
}

func TestGenerateDosesValidation(t *testing.T) {
	start := civil.Date{Year: 2024, Month: time.January, Day: 1}
	tests := []struct {
		name string
		tr   *dbtypes.Treatment
	}{
		{"length mismatch", treatment(2, "08:00")},
		{"duplicate times", treatment(2, "08:00", "08:00")},
		{"bad time", treatment(1, "25:00")},
		{"zero frequency", treatment(0)},
		{"no medication", func() *dbtypes.Treatment { tr := treatment(1, "08:00"); tr.MedicationName = ""; return tr }()},
		{"zero start date", func() *dbtypes.Treatment { tr := treatment(1, "08:00"); tr.StartDate = civil.Date{}; return tr }()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			drafts, err := GenerateDoses(tc.tr, start, 30, time.UTC)
			if !errors.Is(err, errs.Validation) {
				t.Errorf("GenerateDoses error = %v, want validation error", err)
			}
			if len(drafts) != 0 {
				t.Errorf("GenerateDoses produced %d drafts on invalid input", len(drafts))
			}
		})
	}
}

func TestPersistIsIdempotent(t *testing.T) {
	store, err := badgerstore.Open(badgerstore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	drafts, err := GenerateDoses(treatment(2, "08:00", "20:00"), civil.DateOf(now), 30, time.UTC)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	created, skipped, err := Persist(ctx, store, drafts, now)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if created != 60 || skipped != 0 {
		t.Errorf("First pass created=%d skipped=%d, want 60, 0", created, skipped)
	}

	created, skipped, err = Persist(ctx, store, drafts, now)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if created != 0 || skipped != 60 {
		t.Errorf("Second pass created=%d skipped=%d, want 0, 60", created, skipped)
	}

	var n int
	err = store.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		doses, err := txn.GetByIndex(ctx, dbtypes.Doses, dbtypes.IndexTreatmentID, "t1")
		n = len(doses)
		return err
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if n != 60 {
		t.Errorf("Store holds %d doses, want 60", n)
	}
}
