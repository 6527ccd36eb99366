package dbtypes

import (
	"time"

	"github.com/RaphaLefth/pillquest/errs"

	"cloud.google.com/go/civil"
)

// User represents a person registered and interacting with the application.
//
// Installations are usually single-user; the username is still unique so that
// the CLI and the web UI can address users by it.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Timezone string `json:"timezone,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Email    string `json:"email,omitempty"`

	// Whether the reminder poller should email this user about due doses.
	RemindersEnabled bool `json:"remindersEnabled"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (u *User) RecordKey() string       { return u.ID }
func (u *User) SetRecordKey(key string) { u.ID = key }

// Treatment is one medication regimen for a user.  Treatments are never
// deleted, only deactivated.
type Treatment struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`

	MedicationName string `json:"medicationName"`
	Dosage         string `json:"dosage"`

	// Doses per day.
	Frequency int `json:"frequency"`

	// Times of day ("HH:MM") at which doses are due.  Has exactly Frequency
	// distinct entries.
	Schedule []string `json:"schedule"`

	DurationDays int `json:"durationDays"`

	// If non-zero, no more than this many doses are ever generated.
	TotalDoses int `json:"totalDoses,omitempty"`

	StartDate civil.Date `json:"startDate"`
	Active    bool       `json:"active"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (t *Treatment) RecordKey() string       { return t.ID }
func (t *Treatment) SetRecordKey(key string) { t.ID = key }

// Validate rejects treatments whose start date would not decode again.
func (t *Treatment) Validate() error {
	if !t.StartDate.IsValid() {
		return errs.Newf(errs.KindValidation, "treatment %s has invalid start date %s", t.ID, t.StartDate)
	}
	return nil
}

type DoseStatus string

const (
	DoseScheduled DoseStatus = "scheduled"
	DoseTaken     DoseStatus = "taken"

	// DoseMissed is reported for scheduled doses whose window has passed.  It
	// is never written to the store.
	DoseMissed DoseStatus = "missed"
)

// Dose is one concrete scheduled intake of a treatment.
type Dose struct {
	ID          string `json:"id"`
	TreatmentID string `json:"treatmentId"`
	UserID      string `json:"userId"`

	ScheduledAt time.Time `json:"scheduledAt"`

	// Snapshots of the treatment at generation time.
	MedicationName string `json:"medicationName"`
	Dosage         string `json:"dosage"`

	Status  DoseStatus `json:"status"`
	TakenAt *time.Time `json:"takenAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

func (d *Dose) RecordKey() string       { return d.ID }
func (d *Dose) SetRecordKey(key string) { d.ID = key }

// Stats are the per-user gamification counters.  Keyed by user ID.
type Stats struct {
	UserID string `json:"userId"`

	TotalPoints   int `json:"totalPoints"`
	TotalCoins    int `json:"totalCoins"`
	CurrentStreak int `json:"currentStreak"`
	LongestStreak int `json:"longestStreak"`
	TotalDoses    int `json:"totalDoses"`

	// Calendar day of the most recent dose taken.  Nil until the first one.
	LastDoseDate *civil.Date `json:"lastDoseDate,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Stats) RecordKey() string       { return s.UserID }
func (s *Stats) SetRecordKey(key string) { s.UserID = key }

type AchievementUnlock struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	AchievementID string    `json:"achievementId"`
	UnlockedAt    time.Time `json:"unlockedAt"`
}

func (a *AchievementUnlock) RecordKey() string       { return a.ID }
func (a *AchievementUnlock) SetRecordKey(key string) { a.ID = key }

// Reminder records that a reminder was sent for a dose.  Keyed by dose ID, so
// adding a second reminder for the same dose is a constraint violation.
type Reminder struct {
	DoseID string    `json:"doseId"`
	UserID string    `json:"userId"`
	SentAt time.Time `json:"sentAt"`
}

func (r *Reminder) RecordKey() string       { return r.DoseID }
func (r *Reminder) SetRecordKey(key string) { r.DoseID = key }
