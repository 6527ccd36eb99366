// Package streak maintains a user's adherence counters: points, coins, the
// day streak and the lifetime dose count.
package streak

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/errs"
	"github.com/RaphaLefth/pillquest/recordstore"

	"cloud.google.com/go/civil"
)

// Rewards are the amounts credited for every dose taken.
type Rewards struct {
	PointsPerDose int
	CoinsPerDose  int
}

var DefaultRewards = Rewards{
	PointsPerDose: 10,
	CoinsPerDose:  5,
}

// Apply returns the stats that result from taking a dose at takenAt.  The
// streak is counted in calendar days of loc.  stats is not modified.
//
// Points and coins are credited on every call, even for a second dose on the
// same day.
func Apply(stats *dbtypes.Stats, takenAt time.Time, loc *time.Location, rewards Rewards) *dbtypes.Stats {
	next := *stats

	today := civil.DateOf(takenAt.In(loc))
	yesterday := today.AddDays(-1)

	switch {
	case next.LastDoseDate == nil:
		next.CurrentStreak = 1
		next.LongestStreak = max(next.LongestStreak, 1)
		next.LastDoseDate = &today
	case *next.LastDoseDate == today:
	case *next.LastDoseDate == yesterday:
		next.CurrentStreak++
		next.LongestStreak = max(next.LongestStreak, next.CurrentStreak)
		next.LastDoseDate = &today
	default:
		next.CurrentStreak = 1
		next.LastDoseDate = &today
	}

	next.TotalDoses++
	next.TotalPoints += rewards.PointsPerDose
	next.TotalCoins += rewards.CoinsPerDose
	next.UpdatedAt = takenAt
	return &next
}

// NewStats returns zeroed stats for a user.
func NewStats(userID string, now time.Time) *dbtypes.Stats {
	return &dbtypes.Stats{
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GetOrCreate loads the user's stats, or returns fresh ones if none are stored
// yet.  Fresh stats are not written.
func GetOrCreate(ctx context.Context, txn recordstore.Txn, userID string, now time.Time) (*dbtypes.Stats, error) {
	stats, err := recordstore.Get[*dbtypes.Stats](ctx, txn, dbtypes.StatsCollection, userID)
	if errors.Is(err, errs.NotFound) {
		return NewStats(userID, now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("while loading stats of user %s: %w", userID, err)
	}
	return stats, nil
}

// RecordDoseTaken applies a dose taken at takenAt to the user's stats inside
// txn and returns the stored result.
func RecordDoseTaken(ctx context.Context, txn recordstore.Txn, userID string, takenAt time.Time, loc *time.Location, rewards Rewards) (*dbtypes.Stats, error) {
	stats, err := GetOrCreate(ctx, txn, userID, takenAt)
	if err != nil {
		return nil, err
	}

	next := Apply(stats, takenAt, loc, rewards)
	if err := txn.Put(ctx, dbtypes.StatsCollection, next); err != nil {
		return nil, fmt.Errorf("while storing stats of user %s: %w", userID, err)
	}
	return next, nil
}
