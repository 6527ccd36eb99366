// Package tracker is the application layer: it strings the scheduling,
// dose-window, streak and achievement engines together over a record store.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RaphaLefth/pillquest/achievement"
	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/dosewindow"
	"github.com/RaphaLefth/pillquest/errs"
	"github.com/RaphaLefth/pillquest/metrics"
	"github.com/RaphaLefth/pillquest/recordstore"
	"github.com/RaphaLefth/pillquest/schedule"
	"github.com/RaphaLefth/pillquest/streak"

	"cloud.google.com/go/civil"
	"github.com/golang/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultDurationDays = 30

var (
	ErrUsernameTaken = errors.New("username is already taken")
	ErrAlreadyTaken  = errors.New("dose has already been taken")
	ErrNotActionable = errors.New("dose is not within its window")
	ErrInactive      = errors.New("treatment is no longer active")
	ErrNoUsers       = errors.New("no user has registered yet")
)

type Tracker struct {
	store        recordstore.Store
	achievements *achievement.Engine

	loc         *time.Location
	now         func() time.Time
	tolerance   time.Duration
	rewards     streak.Rewards
	defaultDays int

	locks userLocks
}

type Option func(*Tracker)

// WithLocation sets the zone whose calendar days bound streaks and in which
// schedule times are interpreted.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) { t.loc = loc }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithTolerance(d time.Duration) Option {
	return func(t *Tracker) { t.tolerance = d }
}

func WithRewards(r streak.Rewards) Option {
	return func(t *Tracker) { t.rewards = r }
}

// WithDefaultDurationDays sets the treatment length used when a request
// leaves it unset.
func WithDefaultDurationDays(days int) Option {
	return func(t *Tracker) { t.defaultDays = days }
}

func New(store recordstore.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:       store,
		loc:         time.Local,
		now:         time.Now,
		tolerance:   dosewindow.DefaultTolerance,
		rewards:     streak.DefaultRewards,
		defaultDays: DefaultDurationDays,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.achievements = achievement.NewEngine(store, t.loc)
	return t
}

func (t *Tracker) Location() *time.Location { return t.loc }
func (t *Tracker) Tolerance() time.Duration { return t.tolerance }
func (t *Tracker) Now() time.Time           { return t.now().In(t.loc) }
func (t *Tracker) Rewards() streak.Rewards  { return t.rewards }

// Today is the current calendar day in the tracker's location.
func (t *Tracker) Today() civil.Date {
	return civil.DateOf(t.Now())
}

// userLocks hands out one mutex per user ID.
type userLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = map[string]*sync.Mutex{}
	}
	m, ok := l.m[userID]
	if !ok {
		m = &sync.Mutex{}
		l.m[userID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	tracer := otel.Tracer("pillquest/tracker")
	return tracer.Start(ctx, name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// TreatmentRequest carries the user-editable fields of a treatment.
type TreatmentRequest struct {
	MedicationName string
	Dosage         string
	Frequency      int

	// Schedule lists the daily times.  If empty, FirstDose is spread evenly
	// over the day.
	Schedule  []string
	FirstDose string

	DurationDays int
	TotalDoses   int

	// StartDate defaults to today.
	StartDate *civil.Date
}

func (t *Tracker) buildTreatment(userID string, req *TreatmentRequest, now time.Time) (*dbtypes.Treatment, error) {
	sched := req.Schedule
	if len(sched) == 0 {
		if req.FirstDose == "" {
			return nil, errs.Newf(errs.KindValidation, "either a schedule or a first dose time is required")
		}
		first, err := schedule.ParseTimeOfDay(req.FirstDose)
		if err != nil {
			return nil, err
		}
		sched, err = schedule.EvenlySpaced(first, req.Frequency)
		if err != nil {
			return nil, err
		}
	}

	days := req.DurationDays
	if days == 0 {
		days = t.defaultDays
	}

	start := civil.DateOf(now)
	if req.StartDate != nil {
		start = *req.StartDate
	}

	tr := &dbtypes.Treatment{
		UserID:         userID,
		MedicationName: strings.TrimSpace(req.MedicationName),
		Dosage:         strings.TrimSpace(req.Dosage),
		Frequency:      req.Frequency,
		Schedule:       sched,
		DurationDays:   days,
		TotalDoses:     req.TotalDoses,
		StartDate:      start,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := schedule.ValidateTreatment(tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// generate materializes the doses of tr, skipping ones that already exist.
func (t *Tracker) generate(ctx context.Context, tr *dbtypes.Treatment, now time.Time) error {
	drafts, err := schedule.GenerateDoses(tr, tr.StartDate, tr.DurationDays, t.loc)
	if err != nil {
		return fmt.Errorf("while generating doses for treatment %s: %w", tr.ID, err)
	}

	created, skipped, err := schedule.Persist(ctx, t.store, drafts, now)
	metrics.RecordDosesGenerated(ctx, created)
	if err != nil {
		return err
	}

	glog.Infof("Generated doses for treatment %s: created=%d skipped=%d", tr.ID, created, skipped)
	return nil
}

// RegisterRequest is the input of the registration flow.
type RegisterRequest struct {
	Name             string
	Username         string
	Email            string
	Timezone         string
	Avatar           string
	RemindersEnabled bool

	Treatment TreatmentRequest
}

// Register creates a user, their stats and their first treatment, then
// generates the treatment's doses.
func (t *Tracker) Register(ctx context.Context, req *RegisterRequest) (*dbtypes.User, *dbtypes.Treatment, error) {
	ctx, span := startSpan(ctx, "Tracker.Register")
	defer span.End()

	user, tr, err := t.register(ctx, req)
	endSpan(span, err)
	return user, tr, err
}

func (t *Tracker) register(ctx context.Context, req *RegisterRequest) (*dbtypes.User, *dbtypes.Treatment, error) {
	now := t.Now()

	name := strings.TrimSpace(req.Name)
	username := strings.TrimSpace(req.Username)
	if name == "" {
		return nil, nil, errs.Newf(errs.KindValidation, "name must not be empty")
	}
	if username == "" {
		return nil, nil, errs.Newf(errs.KindValidation, "username must not be empty")
	}

	// Validate the treatment before anything is written.
	tr, err := t.buildTreatment("", &req.Treatment, now)
	if err != nil {
		return nil, nil, err
	}

	user := &dbtypes.User{
		Name:             name,
		Username:         username,
		Email:            strings.TrimSpace(req.Email),
		Timezone:         req.Timezone,
		Avatar:           req.Avatar,
		RemindersEnabled: req.RemindersEnabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = t.store.Update(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		user.ID = ""
		tr.ID = ""

		userID, err := txn.Add(ctx, dbtypes.Users, user)
		if err != nil {
			return fmt.Errorf("while adding user: %w", err)
		}
		if err := txn.Put(ctx, dbtypes.StatsCollection, streak.NewStats(userID, now)); err != nil {
			return fmt.Errorf("while creating stats: %w", err)
		}
		tr.UserID = userID
		if _, err := txn.Add(ctx, dbtypes.Treatments, tr); err != nil {
			return fmt.Errorf("while adding treatment: %w", err)
		}
		return nil
	})
	if errors.Is(err, errs.ConstraintViolation) {
		return nil, nil, errs.New(errs.KindConstraintViolation, fmt.Sprintf("username %q", username), ErrUsernameTaken)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("while registering user %q: %w", username, err)
	}

	glog.Infof("Registered user %s (%s)", user.ID, user.Username)

	unlock := t.locks.lock(user.ID)
	defer unlock()
	if err := t.generate(ctx, tr, now); err != nil {
		return user, tr, err
	}
	return user, tr, nil
}

// ProfileUpdate carries the user-editable profile fields.
type ProfileUpdate struct {
	Name             string
	Email            string
	Timezone         string
	Avatar           string
	RemindersEnabled bool
}

func (t *Tracker) UpdateProfile(ctx context.Context, userID string, upd *ProfileUpdate) (*dbtypes.User, error) {
	name := strings.TrimSpace(upd.Name)
	if name == "" {
		return nil, errs.Newf(errs.KindValidation, "name must not be empty")
	}

	var user *dbtypes.User
	err := t.store.Update(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		var err error
		user, err = recordstore.Get[*dbtypes.User](ctx, txn, dbtypes.Users, userID)
		if err != nil {
			return fmt.Errorf("while loading user %s: %w", userID, err)
		}
		user.Name = name
		user.Email = strings.TrimSpace(upd.Email)
		user.Timezone = upd.Timezone
		user.Avatar = upd.Avatar
		user.RemindersEnabled = upd.RemindersEnabled
		user.UpdatedAt = t.Now()
		return txn.Put(ctx, dbtypes.Users, user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (t *Tracker) GetUser(ctx context.Context, userID string) (*dbtypes.User, error) {
	var user *dbtypes.User
	err := t.store.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		var err error
		user, err = recordstore.Get[*dbtypes.User](ctx, txn, dbtypes.Users, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("while loading user %s: %w", userID, err)
	}
	return user, nil
}

func (t *Tracker) UserByUsername(ctx context.Context, username string) (*dbtypes.User, error) {
	var users []*dbtypes.User
	err := t.store.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		records, err := txn.GetByIndex(ctx, dbtypes.Users, dbtypes.IndexUsername, username)
		users = recordstore.As[*dbtypes.User](records)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("while looking up username %q: %w", username, err)
	}
	if len(users) == 0 {
		return nil, errs.Newf(errs.KindNotFound, "no user named %q", username)
	}
	return users[0], nil
}

// ListUsers returns every user, oldest registration first.
func (t *Tracker) ListUsers(ctx context.Context) ([]*dbtypes.User, error) {
	var users []*dbtypes.User
	err := t.store.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		records, err := txn.GetAll(ctx, dbtypes.Users)
		users = recordstore.As[*dbtypes.User](records)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("while listing users: %w", err)
	}
	sort.SliceStable(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// FirstUser returns the earliest registered user.  Most installations have
// exactly one.
func (t *Tracker) FirstUser(ctx context.Context) (*dbtypes.User, error) {
	users, err := t.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, errs.New(errs.KindNotFound, "first user", ErrNoUsers)
	}
	return users[0], nil
}

// Reset deletes all data.
func (t *Tracker) Reset(ctx context.Context) error {
	if err := t.store.DropAll(ctx); err != nil {
		return fmt.Errorf("while resetting store: %w", err)
	}
	glog.Warningf("All data has been reset")
	return nil
}

func (t *Tracker) Stats(ctx context.Context, userID string) (*dbtypes.Stats, error) {
	var stats *dbtypes.Stats
	err := t.store.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		var err error
		stats, err = streak.GetOrCreate(ctx, txn, userID, t.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (t *Tracker) Achievements(ctx context.Context, userID string) ([]achievement.Status, error) {
	return t.achievements.List(ctx, userID)
}

// PendingDoses lists the doses the user can take right now.
func (t *Tracker) PendingDoses(ctx context.Context, userID string) ([]dosewindow.PendingDose, error) {
	var pending []dosewindow.PendingDose
	err := t.store.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		var err error
		pending, err = dosewindow.PendingDosesForUser(ctx, txn, userID, t.Now(), t.tolerance)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// DosesForDay lists the doses of the user's active treatments on day.
func (t *Tracker) DosesForDay(ctx context.Context, userID string, day civil.Date) ([]dosewindow.PendingDose, error) {
	var doses []dosewindow.PendingDose
	err := t.store.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		var err error
		doses, err = dosewindow.DosesForDay(ctx, txn, userID, day, t.loc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doses, nil
}

// TakeOptions modify the take-dose flow.
type TakeOptions struct {
	// Manual takes skip the window and active-treatment checks.
	Manual bool
}

type TakeResult struct {
	Dose     *dbtypes.Dose
	Stats    *dbtypes.Stats
	Unlocked []*dbtypes.AchievementUnlock
}

// TakeDose marks a dose taken, credits the user's stats and then checks for
// new achievements.
//
// The dose transition and the stats update commit together.  Achievements are
// checked afterwards against the committed stats; if that step fails, the take
// stands and the error is returned alongside the partial result.
//
// Only one TakeDose runs at a time per user.
func (t *Tracker) TakeDose(ctx context.Context, userID, doseID string, opts TakeOptions) (*TakeResult, error) {
	ctx, span := startSpan(ctx, "Tracker.TakeDose")
	defer span.End()
	span.SetAttributes(
		attribute.String("dose", doseID),
		attribute.Bool("manual", opts.Manual),
	)

	unlock := t.locks.lock(userID)
	defer unlock()

	res, err := t.takeDose(ctx, userID, doseID, opts)
	endSpan(span, err)
	return res, err
}

func (t *Tracker) takeDose(ctx context.Context, userID, doseID string, opts TakeOptions) (*TakeResult, error) {
	now := t.Now()
	res := &TakeResult{}

	err := t.store.Update(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		dose, err := recordstore.Get[*dbtypes.Dose](ctx, txn, dbtypes.Doses, doseID)
		if err != nil {
			return fmt.Errorf("while loading dose %s: %w", doseID, err)
		}
		tr, err := recordstore.Get[*dbtypes.Treatment](ctx, txn, dbtypes.Treatments, dose.TreatmentID)
		if err != nil {
			return fmt.Errorf("while loading treatment %s: %w", dose.TreatmentID, err)
		}
		if tr.UserID != userID {
			return errs.Newf(errs.KindNotFound, "user %s has no dose %s", userID, doseID)
		}

		if dose.Status != dbtypes.DoseScheduled {
			return errs.New(errs.KindValidation, fmt.Sprintf("dose %s", doseID), ErrAlreadyTaken)
		}
		if !opts.Manual {
			if !tr.Active {
				return errs.New(errs.KindValidation, fmt.Sprintf("treatment %s", tr.ID), ErrInactive)
			}
			if !dosewindow.IsActionable(dose, now, t.tolerance) {
				return errs.New(errs.KindValidation, fmt.Sprintf("dose %s scheduled at %v, now %v", doseID, dose.ScheduledAt, now), ErrNotActionable)
			}
		}

		stats, err := streak.RecordDoseTaken(ctx, txn, userID, now, t.loc, t.rewards)
		if err != nil {
			return err
		}

		takenAt := now
		dose.Status = dbtypes.DoseTaken
		dose.TakenAt = &takenAt
		if err := txn.Put(ctx, dbtypes.Doses, dose); err != nil {
			return fmt.Errorf("while marking dose %s taken: %w", doseID, err)
		}

		res.Dose = dose
		res.Stats = stats
		return nil
	})
	if err != nil {
		return nil, err
	}

	glog.Infof("User %s took dose %s (%s) manual=%v; points=%d streak=%d", userID, doseID, res.Dose.MedicationName, opts.Manual, res.Stats.TotalPoints, res.Stats.CurrentStreak)
	metrics.RecordDoseTaken(ctx, opts.Manual)

	unlocked, err := t.achievements.CheckAndUnlock(ctx, userID, now)
	if err != nil {
		return res, fmt.Errorf("dose %s was taken, but checking achievements failed: %w", doseID, err)
	}
	for _, u := range unlocked {
		metrics.RecordAchievementUnlocked(ctx, u.AchievementID)
	}
	res.Unlocked = unlocked
	return res, nil
}
