package achievement

import (
	"github.com/RaphaLefth/pillquest/dbtypes"
)

const (
	FirstDose      = "first_dose"
	WeekPerfect    = "week_perfect"
	MonthMaster    = "month_master"
	Consistent     = "consistent"
	HundredDoses   = "hundred_doses"
	NeverMiss      = "never_miss"
	PointCollector = "point_collector"
	EarlyBird      = "early_bird"
)

// earlyBirdHour is the hour of day before which a dose counts for EarlyBird.
const earlyBirdHour = 8

type Achievement struct {
	ID          string
	Name        string
	Description string
	Icon        string
}

// Facts are the inputs the rules are evaluated against.
type Facts struct {
	Stats *dbtypes.Stats

	// Whether a dose was taken before earlyBirdHour on the current day.
	EarlyDoseToday bool
}

type Rule struct {
	Achievement
	Met func(f *Facts) bool
}

// Rules is evaluated in order; unlocks are created in this order too.
var Rules = []Rule{
	{
		Achievement: Achievement{FirstDose, "First Dose", "Take your first dose", "🎯"},
		Met:         func(f *Facts) bool { return f.Stats.TotalDoses >= 1 },
	},
	{
		Achievement: Achievement{WeekPerfect, "Perfect Week", "Take your medication 7 days in a row", "⭐"},
		Met:         func(f *Facts) bool { return f.Stats.CurrentStreak >= 7 },
	},
	{
		Achievement: Achievement{MonthMaster, "Month Master", "Take your medication 30 days in a row", "👑"},
		Met:         func(f *Facts) bool { return f.Stats.CurrentStreak >= 30 },
	},
	{
		Achievement: Achievement{Consistent, "Consistent", "Take your medication 5 days in a row", "💪"},
		Met:         func(f *Facts) bool { return f.Stats.CurrentStreak >= 5 },
	},
	{
		Achievement: Achievement{HundredDoses, "Centurion", "Take 100 doses", "🏆"},
		Met:         func(f *Facts) bool { return f.Stats.TotalDoses >= 100 },
	},
	{
		Achievement: Achievement{NeverMiss, "Unbreakable", "14 days without missing a day", "🔥"},
		Met:         func(f *Facts) bool { return f.Stats.CurrentStreak >= 14 },
	},
	{
		Achievement: Achievement{PointCollector, "Collector", "Reach 500 points", "💎"},
		Met:         func(f *Facts) bool { return f.Stats.TotalPoints >= 500 },
	},
	{
		Achievement: Achievement{EarlyBird, "Early Bird", "Take a dose before 8 AM", "🌅"},
		Met:         func(f *Facts) bool { return f.EarlyDoseToday },
	},
}

// Lookup finds an achievement by ID.
func Lookup(id string) (Achievement, bool) {
	for _, r := range Rules {
		if r.ID == id {
			return r.Achievement, true
		}
	}
	return Achievement{}, false
}
