// Package achievement unlocks achievements when a user's stats satisfy their
// rules.
package achievement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/errs"
	"github.com/RaphaLefth/pillquest/recordstore"
	"github.com/RaphaLefth/pillquest/streak"

	"cloud.google.com/go/civil"
	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"
)

// Engine evaluates the rule table against stored stats.
type Engine struct {
	store recordstore.Store
	loc   *time.Location

	// Collapses concurrent evaluations for the same user.
	inflight singleflight.Group
}

func NewEngine(store recordstore.Store, loc *time.Location) *Engine {
	return &Engine{
		store: store,
		loc:   loc,
	}
}

// CheckAndUnlock evaluates every rule for the user and stores an unlock for
// each newly satisfied one.  It returns only the unlocks created by this call.
// Calling it again without new activity creates nothing.
func (e *Engine) CheckAndUnlock(ctx context.Context, userID string, now time.Time) ([]*dbtypes.AchievementUnlock, error) {
	v, err, _ := e.inflight.Do(userID, func() (interface{}, error) {
		created, err := e.checkAndUnlock(ctx, userID, now)
		if errors.Is(err, errs.ConstraintViolation) {
			// Another process unlocked one of the same achievements first.
			// The second pass sees its unlock and skips it.
			created, err = e.checkAndUnlock(ctx, userID, now)
		}
		return created, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]*dbtypes.AchievementUnlock), nil
}

func (e *Engine) checkAndUnlock(ctx context.Context, userID string, now time.Time) ([]*dbtypes.AchievementUnlock, error) {
	var created []*dbtypes.AchievementUnlock
	err := e.store.Update(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		created = nil

		stats, err := streak.GetOrCreate(ctx, txn, userID, now)
		if err != nil {
			return err
		}

		unlocked, err := unlockedIDs(ctx, txn, userID)
		if err != nil {
			return err
		}

		facts := &Facts{Stats: stats}
		if !unlocked[EarlyBird] {
			facts.EarlyDoseToday, err = e.earlyDoseOn(ctx, txn, userID, civil.DateOf(now.In(e.loc)))
			if err != nil {
				return err
			}
		}

		for _, rule := range Rules {
			if unlocked[rule.ID] || !rule.Met(facts) {
				continue
			}
			u := &dbtypes.AchievementUnlock{
				UserID:        userID,
				AchievementID: rule.ID,
				UnlockedAt:    now,
			}
			if _, err := txn.Add(ctx, dbtypes.AchievementUnlocks, u); err != nil {
				return fmt.Errorf("while unlocking %s for user %s: %w", rule.ID, userID, err)
			}
			created = append(created, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, u := range created {
		glog.Infof("Unlocked achievement %s for user %s", u.AchievementID, userID)
	}
	return created, nil
}

func unlockedIDs(ctx context.Context, txn recordstore.Txn, userID string) (map[string]bool, error) {
	records, err := txn.GetByIndex(ctx, dbtypes.AchievementUnlocks, dbtypes.IndexUserID, userID)
	if err != nil {
		return nil, fmt.Errorf("while reading unlocks of user %s: %w", userID, err)
	}
	out := map[string]bool{}
	for _, u := range recordstore.As[*dbtypes.AchievementUnlock](records) {
		out[u.AchievementID] = true
	}
	return out, nil
}

// earlyDoseOn reports whether the user took a dose before earlyBirdHour on day.
func (e *Engine) earlyDoseOn(ctx context.Context, txn recordstore.Txn, userID string, day civil.Date) (bool, error) {
	start := day.In(e.loc)
	end := day.AddDays(1).In(e.loc).Add(-time.Second)

	records, err := txn.GetByIndexRange(ctx, dbtypes.Doses, dbtypes.IndexUserTakenAt,
		dbtypes.UserTakenAtKey(userID, start),
		dbtypes.UserTakenAtKey(userID, end))
	if err != nil {
		return false, fmt.Errorf("while reading doses taken by user %s on %v: %w", userID, day, err)
	}

	for _, d := range recordstore.As[*dbtypes.Dose](records) {
		if d.TakenAt != nil && d.TakenAt.In(e.loc).Hour() < earlyBirdHour {
			return true, nil
		}
	}
	return false, nil
}

// Status is a catalog entry with the user's unlock state.
type Status struct {
	Achievement
	Unlocked   bool
	UnlockedAt time.Time
}

// List returns the whole catalog, in rule order, marked with the user's
// unlocks.
func (e *Engine) List(ctx context.Context, userID string) ([]Status, error) {
	unlockedAt := map[string]time.Time{}
	err := e.store.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		records, err := txn.GetByIndex(ctx, dbtypes.AchievementUnlocks, dbtypes.IndexUserID, userID)
		if err != nil {
			return fmt.Errorf("while reading unlocks of user %s: %w", userID, err)
		}
		for _, u := range recordstore.As[*dbtypes.AchievementUnlock](records) {
			unlockedAt[u.AchievementID] = u.UnlockedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(Rules))
	for _, r := range Rules {
		at, ok := unlockedAt[r.ID]
		out = append(out, Status{Achievement: r.Achievement, Unlocked: ok, UnlockedAt: at})
	}
	return out, nil
}
