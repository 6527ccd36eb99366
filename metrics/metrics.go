// Package metrics defines the opencensus measures recorded by the tracker and
// the reminder poller.
package metrics

import (
	"context"
	"strconv"

	"github.com/golang/glog"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	KeyManual      = tag.MustNewKey("manual")
	KeyAchievement = tag.MustNewKey("achievement")
	KeyResult      = tag.MustNewKey("result")
)

var (
	DosesTaken           = stats.Int64("pillquest/doses_taken", "Doses marked as taken", stats.UnitDimensionless)
	DosesGenerated       = stats.Int64("pillquest/doses_generated", "Dose records created by schedule generation", stats.UnitDimensionless)
	AchievementsUnlocked = stats.Int64("pillquest/achievements_unlocked", "Achievements unlocked", stats.UnitDimensionless)
	RemindersSent        = stats.Int64("pillquest/reminders_sent", "Dose reminders attempted", stats.UnitDimensionless)
)

var Views = []*view.View{
	{
		Name:        "pillquest/doses_taken",
		Description: "Counter of doses marked as taken",
		TagKeys:     []tag.Key{KeyManual},
		Measure:     DosesTaken,
		Aggregation: view.Count(),
	},
	{
		Name:        "pillquest/doses_generated",
		Description: "Sum of dose records created by schedule generation",
		Measure:     DosesGenerated,
		Aggregation: view.Sum(),
	},
	{
		Name:        "pillquest/achievements_unlocked",
		Description: "Counter of achievements unlocked",
		TagKeys:     []tag.Key{KeyAchievement},
		Measure:     AchievementsUnlocked,
		Aggregation: view.Count(),
	},
	{
		Name:        "pillquest/reminders_sent",
		Description: "Counter of dose reminders, by result",
		TagKeys:     []tag.Key{KeyResult},
		Measure:     RemindersSent,
		Aggregation: view.Count(),
	},
}

func RegisterViews() error {
	return view.Register(Views...)
}

func record(ctx context.Context, m stats.Measurement, mutators ...tag.Mutator) {
	if err := stats.RecordWithOptions(ctx, stats.WithTags(mutators...), stats.WithMeasurements(m)); err != nil {
		glog.Warningf("Failed to record metric: %v", err)
	}
}

func RecordDoseTaken(ctx context.Context, manual bool) {
	record(ctx, DosesTaken.M(1), tag.Upsert(KeyManual, strconv.FormatBool(manual)))
}

func RecordDosesGenerated(ctx context.Context, n int) {
	record(ctx, DosesGenerated.M(int64(n)))
}

func RecordAchievementUnlocked(ctx context.Context, id string) {
	record(ctx, AchievementsUnlocked.M(1), tag.Upsert(KeyAchievement, id))
}

func RecordReminder(ctx context.Context, result string) {
	record(ctx, RemindersSent.M(1), tag.Upsert(KeyResult, result))
}
