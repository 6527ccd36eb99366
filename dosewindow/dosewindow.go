// Package dosewindow decides which doses a user can take right now.
package dosewindow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/recordstore"

	"cloud.google.com/go/civil"
)

// DefaultTolerance is how far on either side of its scheduled time a dose may
// be taken.
const DefaultTolerance = 60 * time.Minute

// IsActionable reports whether dose is scheduled and now lies within
// tolerance of its scheduled time.  Both window edges are inclusive.
func IsActionable(dose *dbtypes.Dose, now time.Time, tolerance time.Duration) bool {
	if dose.Status != dbtypes.DoseScheduled {
		return false
	}
	return !now.Before(dose.ScheduledAt.Add(-tolerance)) && !now.After(dose.ScheduledAt.Add(tolerance))
}

type Phase string

const (
	PhaseUpcoming   Phase = "upcoming"
	PhaseActionable Phase = "actionable"
	PhaseMissed     Phase = "missed"
	PhaseTaken      Phase = "taken"
)

// Classify places a dose relative to its window at now.
func Classify(dose *dbtypes.Dose, now time.Time, tolerance time.Duration) Phase {
	switch {
	case dose.Status == dbtypes.DoseTaken:
		return PhaseTaken
	case IsActionable(dose, now, tolerance):
		return PhaseActionable
	case now.Before(dose.ScheduledAt):
		return PhaseUpcoming
	default:
		return PhaseMissed
	}
}

// PendingDose is an actionable dose along with its treatment.
type PendingDose struct {
	Dose      *dbtypes.Dose
	Treatment *dbtypes.Treatment
}

// PendingDosesForUser lists the actionable doses of the user's active
// treatments, ordered by scheduled time and then treatment ID.
func PendingDosesForUser(ctx context.Context, txn recordstore.Txn, userID string, now time.Time, tolerance time.Duration) ([]PendingDose, error) {
	treatments, err := ActiveTreatments(ctx, txn, userID)
	if err != nil {
		return nil, err
	}

	lo := now.Add(-tolerance)
	hi := now.Add(tolerance)

	var pending []PendingDose
	for _, t := range treatments {
		records, err := txn.GetByIndexRange(ctx, dbtypes.Doses, dbtypes.IndexTreatmentScheduledAt,
			dbtypes.TreatmentScheduledAtKey(t.ID, lo),
			dbtypes.TreatmentScheduledAtKey(t.ID, hi))
		if err != nil {
			return nil, fmt.Errorf("while reading doses of treatment %s: %w", t.ID, err)
		}
		for _, d := range recordstore.As[*dbtypes.Dose](records) {
			if IsActionable(d, now, tolerance) {
				pending = append(pending, PendingDose{Dose: d, Treatment: t})
			}
		}
	}

	sortDoses(pending)
	return pending, nil
}

// ActiveTreatments lists the user's treatments that haven't been deactivated.
func ActiveTreatments(ctx context.Context, txn recordstore.Txn, userID string) ([]*dbtypes.Treatment, error) {
	records, err := txn.GetByIndex(ctx, dbtypes.Treatments, dbtypes.IndexUserID, userID)
	if err != nil {
		return nil, fmt.Errorf("while reading treatments of user %s: %w", userID, err)
	}

	var out []*dbtypes.Treatment
	for _, t := range recordstore.As[*dbtypes.Treatment](records) {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

// DosesForDay lists every dose of the user's active treatments scheduled on
// the given calendar day in loc, in the same order as PendingDosesForUser.
func DosesForDay(ctx context.Context, txn recordstore.Txn, userID string, day civil.Date, loc *time.Location) ([]PendingDose, error) {
	treatments, err := ActiveTreatments(ctx, txn, userID)
	if err != nil {
		return nil, err
	}

	start := day.In(loc)
	end := day.AddDays(1).In(loc).Add(-time.Second)

	var out []PendingDose
	for _, t := range treatments {
		records, err := txn.GetByIndexRange(ctx, dbtypes.Doses, dbtypes.IndexTreatmentScheduledAt,
			dbtypes.TreatmentScheduledAtKey(t.ID, start),
			dbtypes.TreatmentScheduledAtKey(t.ID, end))
		if err != nil {
			return nil, fmt.Errorf("while reading doses of treatment %s: %w", t.ID, err)
		}
		for _, d := range recordstore.As[*dbtypes.Dose](records) {
			out = append(out, PendingDose{Dose: d, Treatment: t})
		}
	}

	sortDoses(out)
	return out, nil
}

func sortDoses(doses []PendingDose) {
	sort.SliceStable(doses, func(i, j int) bool {
		a, b := doses[i].Dose, doses[j].Dose
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.TreatmentID < b.TreatmentID
	})
}
