package dbtypes

import (
	"time"

	"github.com/RaphaLefth/pillquest/recordstore"
)

// Index names.
const (
	IndexUsername             = "username"
	IndexUserID               = "userId"
	IndexTreatmentID          = "treatmentId"
	IndexScheduledAt          = "scheduledAt"
	IndexStatus               = "status"
	IndexTreatmentScheduledAt = "treatmentScheduledAt"
	IndexUserTakenAt          = "userTakenAt"
	IndexUserScheduledAt      = "userScheduledAt"
	IndexUserAchievement      = "userAchievement"
)

var Users = &recordstore.Collection{
	Name: "users",
	New:  func() recordstore.Record { return &User{} },
	Indexes: []recordstore.Index{
		{
			Name:   IndexUsername,
			Unique: true,
			Value:  func(r recordstore.Record) (string, bool) { return r.(*User).Username, true },
		},
	},
}

var Treatments = &recordstore.Collection{
	Name: "treatments",
	New:  func() recordstore.Record { return &Treatment{} },
	Indexes: []recordstore.Index{
		{
			Name:  IndexUserID,
			Value: func(r recordstore.Record) (string, bool) { return r.(*Treatment).UserID, true },
		},
	},
}

var Doses = &recordstore.Collection{
	Name: "doses",
	New:  func() recordstore.Record { return &Dose{} },
	Indexes: []recordstore.Index{
		{
			Name:  IndexTreatmentID,
			Value: func(r recordstore.Record) (string, bool) { return r.(*Dose).TreatmentID, true },
		},
		{
			Name: IndexScheduledAt,
			Value: func(r recordstore.Record) (string, bool) {
				return recordstore.FormatInstant(r.(*Dose).ScheduledAt), true
			},
		},
		{
			Name:  IndexStatus,
			Value: func(r recordstore.Record) (string, bool) { return string(r.(*Dose).Status), true },
		},
		{
			// At most one dose per treatment per instant.  Also serves range
			// reads of one treatment's doses over a time window.
			Name:   IndexTreatmentScheduledAt,
			Unique: true,
			Value: func(r recordstore.Record) (string, bool) {
				d := r.(*Dose)
				return TreatmentScheduledAtKey(d.TreatmentID, d.ScheduledAt), true
			},
		},
		{
			Name: IndexUserScheduledAt,
			Value: func(r recordstore.Record) (string, bool) {
				d := r.(*Dose)
				return UserScheduledAtKey(d.UserID, d.ScheduledAt), true
			},
		},
		{
			Name: IndexUserTakenAt,
			Value: func(r recordstore.Record) (string, bool) {
				d := r.(*Dose)
				if d.TakenAt == nil {
					return "", false
				}
				return UserTakenAtKey(d.UserID, *d.TakenAt), true
			},
		},
	},
}

var StatsCollection = &recordstore.Collection{
	Name: "stats",
	New:  func() recordstore.Record { return &Stats{} },
}

var AchievementUnlocks = &recordstore.Collection{
	Name: "achievement_unlocks",
	New:  func() recordstore.Record { return &AchievementUnlock{} },
	Indexes: []recordstore.Index{
		{
			Name:  IndexUserID,
			Value: func(r recordstore.Record) (string, bool) { return r.(*AchievementUnlock).UserID, true },
		},
		{
			// Each achievement unlocks once per user.
			Name:   IndexUserAchievement,
			Unique: true,
			Value: func(r recordstore.Record) (string, bool) {
				a := r.(*AchievementUnlock)
				return recordstore.JoinIndex(a.UserID, a.AchievementID), true
			},
		},
	},
}

var Reminders = &recordstore.Collection{
	Name: "reminders",
	New:  func() recordstore.Record { return &Reminder{} },
}

// All lists every collection, for store-wide operations.
var All = []*recordstore.Collection{Users, Treatments, Doses, StatsCollection, AchievementUnlocks, Reminders}

// TreatmentScheduledAtKey is the IndexTreatmentScheduledAt value of a dose.
func TreatmentScheduledAtKey(treatmentID string, scheduledAt time.Time) string {
	return recordstore.JoinIndex(treatmentID, recordstore.FormatInstant(scheduledAt))
}

// UserScheduledAtKey is the IndexUserScheduledAt value of a dose.
func UserScheduledAtKey(userID string, scheduledAt time.Time) string {
	return recordstore.JoinIndex(userID, recordstore.FormatInstant(scheduledAt))
}

// UserTakenAtKey is the IndexUserTakenAt value of a dose taken at takenAt.
func UserTakenAtKey(userID string, takenAt time.Time) string {
	return recordstore.JoinIndex(userID, recordstore.FormatInstant(takenAt))
}
