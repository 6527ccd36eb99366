package tracker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/errs"
	"github.com/RaphaLefth/pillquest/recordstore"
	"github.com/RaphaLefth/pillquest/schedule"

	"cloud.google.com/go/civil"
	"github.com/golang/glog"
	"go.opentelemetry.io/otel/attribute"
)

func loadOwnedTreatment(ctx context.Context, txn recordstore.Txn, userID, treatmentID string) (*dbtypes.Treatment, error) {
	tr, err := recordstore.Get[*dbtypes.Treatment](ctx, txn, dbtypes.Treatments, treatmentID)
	if err != nil {
		return nil, fmt.Errorf("while loading treatment %s: %w", treatmentID, err)
	}
	if tr.UserID != userID {
		return nil, errs.Newf(errs.KindNotFound, "user %s has no treatment %s", userID, treatmentID)
	}
	return tr, nil
}

// AddTreatment adds a treatment for an existing user and generates its doses.
func (t *Tracker) AddTreatment(ctx context.Context, userID string, req *TreatmentRequest) (*dbtypes.Treatment, error) {
	ctx, span := startSpan(ctx, "Tracker.AddTreatment")
	defer span.End()

	tr, err := t.addTreatment(ctx, userID, req)
	endSpan(span, err)
	return tr, err
}

func (t *Tracker) addTreatment(ctx context.Context, userID string, req *TreatmentRequest) (*dbtypes.Treatment, error) {
	now := t.Now()
	tr, err := t.buildTreatment(userID, req, now)
	if err != nil {
		return nil, err
	}

	unlock := t.locks.lock(userID)
	defer unlock()

	err = t.store.Update(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		tr.ID = ""
		if _, err := recordstore.Get[*dbtypes.User](ctx, txn, dbtypes.Users, userID); err != nil {
			return fmt.Errorf("while loading user %s: %w", userID, err)
		}
		if _, err := txn.Add(ctx, dbtypes.Treatments, tr); err != nil {
			return fmt.Errorf("while adding treatment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	glog.Infof("User %s added treatment %s (%s)", userID, tr.ID, tr.MedicationName)

	if err := t.generate(ctx, tr, now); err != nil {
		return tr, err
	}
	return tr, nil
}

// EditTreatment replaces a treatment's fields.  Scheduled doses after now are
// discarded and regenerated from the new schedule; taken and past doses are
// kept.
func (t *Tracker) EditTreatment(ctx context.Context, userID, treatmentID string, req *TreatmentRequest) (*dbtypes.Treatment, error) {
	ctx, span := startSpan(ctx, "Tracker.EditTreatment")
	defer span.End()
	span.SetAttributes(attribute.String("treatment", treatmentID))

	tr, err := t.editTreatment(ctx, userID, treatmentID, req)
	endSpan(span, err)
	return tr, err
}

func (t *Tracker) editTreatment(ctx context.Context, userID, treatmentID string, req *TreatmentRequest) (*dbtypes.Treatment, error) {
	now := t.Now()
	edited, err := t.buildTreatment(userID, req, now)
	if err != nil {
		return nil, err
	}

	unlock := t.locks.lock(userID)
	defer unlock()

	var tr *dbtypes.Treatment
	var kept int
	err = t.store.Update(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		var err error
		tr, err = loadOwnedTreatment(ctx, txn, userID, treatmentID)
		if err != nil {
			return err
		}

		all, err := txn.GetByIndex(ctx, dbtypes.Doses, dbtypes.IndexTreatmentID, treatmentID)
		if err != nil {
			return fmt.Errorf("while reading doses of treatment %s: %w", treatmentID, err)
		}

		var stale []string
		kept = 0
		for _, d := range recordstore.As[*dbtypes.Dose](all) {
			if d.Status == dbtypes.DoseScheduled && d.ScheduledAt.After(now) {
				stale = append(stale, d.ID)
				continue
			}
			kept++
		}

		tr.MedicationName = edited.MedicationName
		tr.Dosage = edited.Dosage
		tr.Frequency = edited.Frequency
		tr.Schedule = edited.Schedule
		tr.DurationDays = edited.DurationDays
		tr.TotalDoses = edited.TotalDoses
		if req.StartDate != nil {
			tr.StartDate = edited.StartDate
		}
		tr.UpdatedAt = now

		if err := txn.Put(ctx, dbtypes.Treatments, tr); err != nil {
			return fmt.Errorf("while updating treatment %s: %w", treatmentID, err)
		}
		for _, id := range stale {
			if err := txn.Delete(ctx, dbtypes.Doses, id); err != nil {
				return fmt.Errorf("while deleting dose %s: %w", id, err)
			}
		}
		glog.Infof("Treatment %s edited; discarded %d future doses", treatmentID, len(stale))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := t.regenerate(ctx, tr, kept, now); err != nil {
		return tr, err
	}
	return tr, nil
}

// regenerate creates the doses of tr that fall after now and before the end of
// the treatment, honoring the total-dose cap given that kept doses already
// count against it.
func (t *Tracker) regenerate(ctx context.Context, tr *dbtypes.Treatment, kept int, now time.Time) error {
	today := civil.DateOf(now)
	start := tr.StartDate
	days := tr.DurationDays
	if start.Before(today) {
		days -= today.DaysSince(start)
		start = today
	}
	if days <= 0 {
		return nil
	}

	uncapped := *tr
	uncapped.TotalDoses = 0
	drafts, err := schedule.GenerateDoses(&uncapped, start, days, t.loc)
	if err != nil {
		return fmt.Errorf("while regenerating doses for treatment %s: %w", tr.ID, err)
	}

	future := drafts[:0]
	for _, d := range drafts {
		if d.ScheduledAt.After(now) {
			future = append(future, d)
		}
	}
	if tr.TotalDoses > 0 {
		room := tr.TotalDoses - kept
		if room < 0 {
			room = 0
		}
		if len(future) > room {
			future = future[:room]
		}
	}

	created, _, err := schedule.Persist(ctx, t.store, future, now)
	if err != nil {
		return err
	}
	glog.Infof("Regenerated %d doses for treatment %s", created, tr.ID)
	return nil
}

// DeactivateTreatment stops a treatment.  Its doses are kept for history but
// no longer show up as pending.
func (t *Tracker) DeactivateTreatment(ctx context.Context, userID, treatmentID string) error {
	unlock := t.locks.lock(userID)
	defer unlock()

	return t.store.Update(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		tr, err := loadOwnedTreatment(ctx, txn, userID, treatmentID)
		if err != nil {
			return err
		}
		if !tr.Active {
			return nil
		}
		tr.Active = false
		tr.UpdatedAt = t.Now()
		if err := txn.Put(ctx, dbtypes.Treatments, tr); err != nil {
			return fmt.Errorf("while deactivating treatment %s: %w", treatmentID, err)
		}
		glog.Infof("User %s deactivated treatment %s", userID, treatmentID)
		return nil
	})
}

func (t *Tracker) GetTreatment(ctx context.Context, userID, treatmentID string) (*dbtypes.Treatment, error) {
	var tr *dbtypes.Treatment
	err := t.store.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		var err error
		tr, err = loadOwnedTreatment(ctx, txn, userID, treatmentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// ListTreatments returns the user's treatments, oldest first.
func (t *Tracker) ListTreatments(ctx context.Context, userID string, includeInactive bool) ([]*dbtypes.Treatment, error) {
	var out []*dbtypes.Treatment
	err := t.store.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		records, err := txn.GetByIndex(ctx, dbtypes.Treatments, dbtypes.IndexUserID, userID)
		if err != nil {
			return fmt.Errorf("while reading treatments of user %s: %w", userID, err)
		}
		for _, tr := range recordstore.As[*dbtypes.Treatment](records) {
			if tr.Active || includeInactive {
				out = append(out, tr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DoseCounts tallies a set of doses by effective status.
type DoseCounts struct {
	Taken     int
	Missed    int
	Scheduled int
}

// History returns the user's doses scheduled between from and to inclusive,
// across all of their treatments, in time order, along with their tallies.
// Scheduled doses whose window has closed come back with status DoseMissed.
func (t *Tracker) History(ctx context.Context, userID string, from, to civil.Date) ([]*dbtypes.Dose, DoseCounts, error) {
	var doses []*dbtypes.Dose
	var counts DoseCounts
	if to.Before(from) {
		return nil, counts, errs.Newf(errs.KindValidation, "history range %v..%v is reversed", from, to)
	}

	lo := from.In(t.loc)
	hi := to.AddDays(1).In(t.loc).Add(-time.Second)
	now := t.Now()

	err := t.store.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		records, err := txn.GetByIndexRange(ctx, dbtypes.Doses, dbtypes.IndexUserScheduledAt,
			dbtypes.UserScheduledAtKey(userID, lo), dbtypes.UserScheduledAtKey(userID, hi))
		if err != nil {
			return fmt.Errorf("while reading dose history: %w", err)
		}
		doses = recordstore.As[*dbtypes.Dose](records)
		return nil
	})
	if err != nil {
		return nil, counts, err
	}

	sort.SliceStable(doses, func(i, j int) bool {
		if !doses[i].ScheduledAt.Equal(doses[j].ScheduledAt) {
			return doses[i].ScheduledAt.Before(doses[j].ScheduledAt)
		}
		return doses[i].TreatmentID < doses[j].TreatmentID
	})

	for _, d := range doses {
		switch {
		case d.Status == dbtypes.DoseTaken:
			counts.Taken++
		case d.ScheduledAt.Add(t.tolerance).Before(now):
			d.Status = dbtypes.DoseMissed
			counts.Missed++
		default:
			counts.Scheduled++
		}
	}
	return doses, counts, nil
}

// MissedDoses lists every scheduled dose, across all users, whose window
// closed before now.  The result is ordered by scheduled time.
func (t *Tracker) MissedDoses(ctx context.Context) ([]*dbtypes.Dose, error) {
	now := t.Now()
	var out []*dbtypes.Dose
	err := t.store.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		records, err := txn.GetByIndex(ctx, dbtypes.Doses, dbtypes.IndexStatus, string(dbtypes.DoseScheduled))
		if err != nil {
			return fmt.Errorf("while reading scheduled doses: %w", err)
		}
		for _, d := range recordstore.As[*dbtypes.Dose](records) {
			if d.ScheduledAt.Add(t.tolerance).Before(now) {
				out = append(out, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out, nil
}
