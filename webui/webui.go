// Package webui serves the PillQuest pages.
package webui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/RaphaLefth/pillquest/achievement"
	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/dosewindow"
	"github.com/RaphaLefth/pillquest/errs"
	"github.com/RaphaLefth/pillquest/tracker"
	"github.com/RaphaLefth/pillquest/webui/uitemplates"

	"cloud.google.com/go/civil"
	"github.com/golang/glog"
)

const userCookie = "PillQuest-User"

// Avatars offered on the registration and profile forms.
var Avatars = []string{"🙂", "🦊", "🐢", "🦉", "🐙", "🌻", "🚀", "⭐"}

type WebUI struct {
	tracker *tracker.Tracker
}

func New(t *tracker.Tracker) *WebUI {
	return &WebUI{
		tracker: t,
	}
}

func (u *WebUI) Register(m *http.ServeMux) {
	m.HandleFunc("/", u.homeHandler)
	m.HandleFunc("/register", u.registerHandler)
	m.HandleFunc("/add-treatment", u.addTreatmentHandler)
	m.HandleFunc("/edit-treatment", u.editTreatmentHandler)
	m.HandleFunc("/deactivate-treatment", u.deactivateTreatmentHandler)
	m.HandleFunc("/take-dose", u.takeDoseHandler)
	m.HandleFunc("/rewards", u.rewardsHandler)
	m.HandleFunc("/history", u.historyHandler)
	m.HandleFunc("/profile", u.profileHandler)
	m.HandleFunc("/reset", u.resetHandler)
}

// getActiveUser loads the user named by the user cookie, falling back to the
// first registered user.  It returns nil if nobody has registered.
func (u *WebUI) getActiveUser(ctx context.Context, r *http.Request) (*dbtypes.User, error) {
	if cookie, err := r.Cookie(userCookie); err == nil && cookie.Value != "" {
		user, err := u.tracker.GetUser(ctx, cookie.Value)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, errs.NotFound) {
			return nil, err
		}
		glog.Infof("User cookie names unknown user %q; falling back to the first user", cookie.Value)
	}

	user, err := u.tracker.FirstUser(ctx)
	if errors.Is(err, tracker.ErrNoUsers) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// requireUser is getActiveUser for pages that need a user.  If it returns nil,
// the response has already been written.
func (u *WebUI) requireUser(w http.ResponseWriter, r *http.Request) *dbtypes.User {
	user, err := u.getActiveUser(r.Context(), r)
	if err != nil {
		glog.Errorf("Error while getting active user: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return nil
	}
	if user == nil {
		http.Redirect(w, r, "/register", http.StatusFound)
		return nil
	}
	return user
}

func render(w http.ResponseWriter, tmpl *template.Template, params interface{}) {
	content := bytes.Buffer{}
	if err := tmpl.Execute(&content, params); err != nil {
		glog.Errorf("Error while executing template: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	if _, err := io.Copy(w, &content); err != nil {
		// It's too late to write an error to the HTTP response.
		glog.Errorf("Error while writing output: %v", err)
		return
	}
}

// userMessage turns errors the user can act on into a sentence.  The second
// return is false for internal errors.
func userMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, tracker.ErrUsernameTaken):
		return "That username is already taken", true
	case errors.Is(err, tracker.ErrAlreadyTaken):
		return "That dose has already been taken", true
	case errors.Is(err, tracker.ErrNotActionable):
		return "That dose can only be taken within an hour of its scheduled time", true
	case errors.Is(err, tracker.ErrInactive):
		return "That treatment has been stopped", true
	case errors.Is(err, errs.NotFound):
		return "Not found", true
	case errors.Is(err, errs.Validation):
		var e *errs.Error
		if errors.As(err, &e) {
			return e.Message, true
		}
		return err.Error(), true
	}
	return "", false
}

func pageLink(path string, q url.Values) string {
	link := &url.URL{
		Path:     path,
		RawQuery: q.Encode(),
	}
	return link.String()
}

// flashLink links to path carrying a message or a user error.
func flashLink(path, message, userError string) string {
	q := url.Values{}
	if message != "" {
		q.Add("message", message)
	}
	if userError != "" {
		q.Add("user-error", userError)
	}
	return pageLink(path, q)
}

func EditTreatmentLink(id string) string {
	q := url.Values{}
	q.Add("id", id)
	return pageLink("/edit-treatment", q)
}

func flashFrom(r *http.Request) uitemplates.Flash {
	return uitemplates.Flash{
		Message:   r.Form.Get("message"),
		UserError: r.Form.Get("user-error"),
	}
}

func statsStrip(s *dbtypes.Stats) uitemplates.StatsStrip {
	return uitemplates.StatsStrip{
		Points:        s.TotalPoints,
		Coins:         s.TotalCoins,
		CurrentStreak: s.CurrentStreak,
		LongestStreak: s.LongestStreak,
		TotalDoses:    s.TotalDoses,
	}
}

func (u *WebUI) homeHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	ctx := r.Context()

	user := u.requireUser(w, r)
	if user == nil {
		return
	}

	if err := r.ParseForm(); err != nil {
		glog.Errorf("Error while parsing form: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	params, err := u.homeParams(ctx, user)
	if err != nil {
		glog.Errorf("Error while loading home page for user %s: %v", user.ID, err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}
	params.Flash = flashFrom(r)

	render(w, uitemplates.HomeTemplate, params)
}

func (u *WebUI) homeParams(ctx context.Context, user *dbtypes.User) (*uitemplates.HomeParams, error) {
	loc := u.tracker.Location()
	now := u.tracker.Now()

	stats, err := u.tracker.Stats(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("while loading stats: %w", err)
	}

	params := &uitemplates.HomeParams{
		UserName: user.Name,
		Avatar:   user.Avatar,
		Stats:    statsStrip(stats),
	}

	pending, err := u.tracker.PendingDoses(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("while loading pending doses: %w", err)
	}
	for _, p := range pending {
		params.Pending = append(params.Pending, uitemplates.DoseRow{
			ID:         p.Dose.ID,
			Medication: p.Dose.MedicationName,
			Dosage:     p.Dose.Dosage,
			Time:       p.Dose.ScheduledAt.In(loc).Format("15:04"),
			Phase:      string(dosewindow.PhaseActionable),
			Actionable: true,
		})
	}

	today, err := u.tracker.DosesForDay(ctx, user.ID, u.tracker.Today())
	if err != nil {
		return nil, fmt.Errorf("while loading today's doses: %w", err)
	}
	for _, p := range today {
		phase := dosewindow.Classify(p.Dose, now, u.tracker.Tolerance())
		params.Today = append(params.Today, uitemplates.DoseRow{
			ID:         p.Dose.ID,
			Medication: p.Dose.MedicationName,
			Dosage:     p.Dose.Dosage,
			Time:       p.Dose.ScheduledAt.In(loc).Format("15:04"),
			Phase:      string(phase),
			Actionable: phase == dosewindow.PhaseActionable,
		})
	}

	treatments, err := u.tracker.ListTreatments(ctx, user.ID, false)
	if err != nil {
		return nil, fmt.Errorf("while loading treatments: %w", err)
	}
	for _, t := range treatments {
		params.Treatments = append(params.Treatments, uitemplates.TreatmentRow{
			ID:         t.ID,
			Medication: t.MedicationName,
			Dosage:     t.Dosage,
			Schedule:   strings.Join(t.Schedule, ", "),
			Period:     fmt.Sprintf("%s to %s", t.StartDate, t.StartDate.AddDays(t.DurationDays-1)),
			EditLink:   EditTreatmentLink(t.ID),
		})
	}

	return params, nil
}

func (u *WebUI) takeDoseHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/take-dose" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	user := u.requireUser(w, r)
	if user == nil {
		return
	}

	if err := r.ParseForm(); err != nil {
		glog.Errorf("Error while parsing form: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	opts := tracker.TakeOptions{Manual: r.PostForm.Get("manual") == "true"}
	res, err := u.tracker.TakeDose(ctx, user.ID, r.PostForm.Get("dose-id"), opts)
	if err != nil && res == nil {
		if msg, ok := userMessage(err); ok {
			http.Redirect(w, r, flashLink("/", "", msg), http.StatusFound)
			return
		}
		glog.Errorf("Error while taking dose: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}
	if err != nil {
		// The dose was recorded; only the achievement check failed.
		glog.Errorf("Error after taking dose: %v", err)
	}

	rw := u.tracker.Rewards()
	msg := fmt.Sprintf("Took %s. +%d points, +%d coins.", res.Dose.MedicationName, rw.PointsPerDose, rw.CoinsPerDose)
	for _, unlock := range res.Unlocked {
		if a, ok := achievement.Lookup(unlock.AchievementID); ok {
			msg += fmt.Sprintf(" Unlocked %s %s!", a.Icon, a.Name)
		}
	}
	http.Redirect(w, r, flashLink("/", msg, ""), http.StatusFound)
}

func (u *WebUI) rewardsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/rewards" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	ctx := r.Context()

	user := u.requireUser(w, r)
	if user == nil {
		return
	}

	stats, err := u.tracker.Stats(ctx, user.ID)
	if err != nil {
		glog.Errorf("Error while loading stats: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	statuses, err := u.tracker.Achievements(ctx, user.ID)
	if err != nil {
		glog.Errorf("Error while loading achievements: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	params := &uitemplates.RewardsParams{Stats: statsStrip(stats)}
	for _, s := range statuses {
		card := uitemplates.AchievementCard{
			Icon:        s.Icon,
			Name:        s.Name,
			Description: s.Description,
			Unlocked:    s.Unlocked,
		}
		if s.Unlocked {
			card.UnlockedOn = s.UnlockedAt.In(u.tracker.Location()).Format("2006-01-02")
		}
		params.Achievements = append(params.Achievements, card)
	}

	render(w, uitemplates.RewardsTemplate, params)
}

func (u *WebUI) historyHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/history" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	ctx := r.Context()

	user := u.requireUser(w, r)
	if user == nil {
		return
	}

	if err := r.ParseForm(); err != nil {
		glog.Errorf("Error while parsing form: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	days := 7
	if d, err := strconv.Atoi(r.Form.Get("days")); err == nil && d > 0 && d <= 366 {
		days = d
	}

	to := u.tracker.Today()
	from := to.AddDays(-(days - 1))
	doses, counts, err := u.tracker.History(ctx, user.ID, from, to)
	if err != nil {
		glog.Errorf("Error while loading history: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	loc := u.tracker.Location()
	now := u.tracker.Now()
	params := &uitemplates.HistoryParams{
		Flash:     flashFrom(r),
		Days:      days,
		Taken:     counts.Taken,
		Missed:    counts.Missed,
		Scheduled: counts.Scheduled,
	}
	// Newest first.
	for i := len(doses) - 1; i >= 0; i-- {
		d := doses[i]
		row := uitemplates.HistoryRow{
			Day:        civil.DateOf(d.ScheduledAt.In(loc)).String(),
			Time:       d.ScheduledAt.In(loc).Format("15:04"),
			Medication: d.MedicationName,
			Dosage:     d.Dosage,
			Status:     string(dosewindow.Classify(d, now, u.tracker.Tolerance())),
		}
		if d.TakenAt != nil {
			row.TakenAt = d.TakenAt.In(loc).Format("2006-01-02 15:04")
		}
		params.Rows = append(params.Rows, row)
	}

	render(w, uitemplates.HistoryTemplate, params)
}

func (u *WebUI) resetHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/reset" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := u.tracker.Reset(r.Context()); err != nil {
		glog.Errorf("Error while resetting: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: userCookie, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/register", http.StatusFound)
}

func userCookieFor(userID string) *http.Cookie {
	return &http.Cookie{
		Name:     userCookie,
		Value:    userID,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(365 * 24 * time.Hour),
	}
}
