// Package schedule turns a treatment's daily schedule into concrete dose
// instances.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/errs"
	"github.com/RaphaLefth/pillquest/recordstore"

	"cloud.google.com/go/civil"
	"github.com/golang/glog"
)

// MaxFrequency is the largest number of doses per day a treatment may have.
const MaxFrequency = 24

// DoseDraft is a dose that has been computed but not stored.
type DoseDraft struct {
	TreatmentID    string
	UserID         string
	ScheduledAt    time.Time
	MedicationName string
	Dosage         string
}

// Dose converts the draft into a scheduled dose record.
func (d DoseDraft) Dose(createdAt time.Time) *dbtypes.Dose {
	return &dbtypes.Dose{
		TreatmentID:    d.TreatmentID,
		UserID:         d.UserID,
		ScheduledAt:    d.ScheduledAt,
		MedicationName: d.MedicationName,
		Dosage:         d.Dosage,
		Status:         dbtypes.DoseScheduled,
		CreatedAt:      createdAt,
	}
}

// ParseSchedule validates frequency and schedule together and returns the
// parsed times in schedule order.
func ParseSchedule(frequency int, schedule []string) ([]TimeOfDay, error) {
	if frequency < 1 || frequency > MaxFrequency {
		return nil, errs.Newf(errs.KindValidation, "frequency %d out of range [1, %d]", frequency, MaxFrequency)
	}
	if len(schedule) != frequency {
		return nil, errs.Newf(errs.KindValidation, "schedule has %d times, want %d (the frequency)", len(schedule), frequency)
	}

	times := make([]TimeOfDay, 0, len(schedule))
	seen := map[TimeOfDay]bool{}
	for _, s := range schedule {
		t, err := ParseTimeOfDay(s)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			return nil, errs.Newf(errs.KindValidation, "schedule lists %s twice", t)
		}
		seen[t] = true
		times = append(times, t)
	}
	return times, nil
}

// ValidateTreatment checks the fields of a treatment that dose generation
// depends on.
func ValidateTreatment(t *dbtypes.Treatment) error {
	if t.MedicationName == "" {
		return errs.Newf(errs.KindValidation, "medication name must not be empty")
	}
	if !t.StartDate.IsValid() {
		return errs.Newf(errs.KindValidation, "start date %s is not a valid date", t.StartDate)
	}
	if t.DurationDays < 0 {
		return errs.Newf(errs.KindValidation, "duration %d days is negative", t.DurationDays)
	}
	if t.TotalDoses < 0 {
		return errs.Newf(errs.KindValidation, "total doses %d is negative", t.TotalDoses)
	}
	if _, err := ParseSchedule(t.Frequency, t.Schedule); err != nil {
		return err
	}
	return nil
}

// GenerateDoses computes the doses of t for days consecutive calendar days
// starting at start, in loc.
//
// Doses come out day by day, and within a day in schedule order.  If the
// treatment caps the total number of doses, generation stops as soon as the
// cap is reached, even partway through a day.
func GenerateDoses(t *dbtypes.Treatment, start civil.Date, days int, loc *time.Location) ([]DoseDraft, error) {
	if err := ValidateTreatment(t); err != nil {
		return nil, err
	}
	if days < 0 {
		return nil, errs.Newf(errs.KindValidation, "day count %d is negative", days)
	}
	if !start.IsValid() {
		return nil, errs.Newf(errs.KindValidation, "start date %v is invalid", start)
	}

	times, err := ParseSchedule(t.Frequency, t.Schedule)
	if err != nil {
		return nil, err
	}

	var drafts []DoseDraft
	for d := 0; d < days; d++ {
		day := start.AddDays(d)
		for _, tod := range times {
			if t.TotalDoses > 0 && len(drafts) >= t.TotalDoses {
				return drafts, nil
			}
			drafts = append(drafts, DoseDraft{
				TreatmentID:    t.ID,
				UserID:         t.UserID,
				ScheduledAt:    time.Date(day.Year, day.Month, day.Day, tod.Hour, tod.Minute, 0, 0, loc),
				MedicationName: t.MedicationName,
				Dosage:         t.Dosage,
			})
		}
	}
	return drafts, nil
}

// Persist inserts each draft in its own transaction.  A draft that collides
// with an existing dose of the same treatment and instant is skipped; any
// other failure stops the insertion and is returned.
func Persist(ctx context.Context, store recordstore.Store, drafts []DoseDraft, now time.Time) (created, skipped int, err error) {
	for _, draft := range drafts {
		err := store.Update(ctx, func(ctx context.Context, txn recordstore.Txn) error {
			_, err := txn.Add(ctx, dbtypes.Doses, draft.Dose(now))
			return err
		})
		if errors.Is(err, errs.ConstraintViolation) {
			glog.V(1).Infof("Skipping duplicate dose treatment=%s at=%v", draft.TreatmentID, draft.ScheduledAt)
			skipped++
			continue
		}
		if err != nil {
			return created, skipped, fmt.Errorf("while storing dose for treatment %s at %v: %w", draft.TreatmentID, draft.ScheduledAt, err)
		}
		created++
	}
	return created, skipped, nil
}
