package webui

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/tracker"
	"github.com/RaphaLefth/pillquest/webui/uitemplates"

	"cloud.google.com/go/civil"
	"github.com/golang/glog"
)

func treatmentFieldsFrom(r *http.Request) uitemplates.TreatmentFields {
	return uitemplates.TreatmentFields{
		MedicationName: r.Form.Get("medication-name"),
		Dosage:         r.Form.Get("dosage"),
		Frequency:      r.Form.Get("frequency"),
		Schedule:       r.Form.Get("schedule"),
		FirstDose:      r.Form.Get("first-dose"),
		DurationDays:   r.Form.Get("duration-days"),
		TotalDoses:     r.Form.Get("total-doses"),
		StartDate:      r.Form.Get("start-date"),
	}
}

func treatmentFieldsOf(t *dbtypes.Treatment) uitemplates.TreatmentFields {
	f := uitemplates.TreatmentFields{
		MedicationName: t.MedicationName,
		Dosage:         t.Dosage,
		Frequency:      strconv.Itoa(t.Frequency),
		Schedule:       strings.Join(t.Schedule, ", "),
		DurationDays:   strconv.Itoa(t.DurationDays),
		StartDate:      t.StartDate.String(),
	}
	if t.TotalDoses > 0 {
		f.TotalDoses = strconv.Itoa(t.TotalDoses)
	}
	return f
}

// parseTreatment converts form fields into a request.  A non-empty string
// return describes a problem the user must fix.
func parseTreatment(f uitemplates.TreatmentFields) (*tracker.TreatmentRequest, string) {
	req := &tracker.TreatmentRequest{
		MedicationName: f.MedicationName,
		Dosage:         f.Dosage,
		FirstDose:      strings.TrimSpace(f.FirstDose),
	}

	var err error
	if req.Frequency, err = strconv.Atoi(strings.TrimSpace(f.Frequency)); err != nil {
		return nil, "Doses per day must be a number"
	}

	for _, s := range strings.Split(f.Schedule, ",") {
		if s = strings.TrimSpace(s); s != "" {
			req.Schedule = append(req.Schedule, s)
		}
	}

	if s := strings.TrimSpace(f.DurationDays); s != "" {
		if req.DurationDays, err = strconv.Atoi(s); err != nil || req.DurationDays < 1 {
			return nil, "Duration must be a positive number of days"
		}
	}

	if s := strings.TrimSpace(f.TotalDoses); s != "" {
		if req.TotalDoses, err = strconv.Atoi(s); err != nil || req.TotalDoses < 0 {
			return nil, "Total doses must be a number"
		}
	}

	if s := strings.TrimSpace(f.StartDate); s != "" {
		d, err := civil.ParseDate(s)
		if err != nil {
			return nil, "Start date must look like 2024-01-31"
		}
		req.StartDate = &d
	}

	return req, ""
}

func (u *WebUI) registerHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/register" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if err := r.ParseForm(); err != nil {
		glog.Errorf("Error while parsing form: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	params := &uitemplates.RegisterParams{
		Flash:     flashFrom(r),
		Name:      r.Form.Get("name"),
		Username:  r.Form.Get("username"),
		Email:     r.Form.Get("email"),
		Avatar:    r.Form.Get("avatar"),
		Avatars:   Avatars,
		Treatment: treatmentFieldsFrom(r),
	}
	if params.Avatar == "" {
		params.Avatar = Avatars[0]
	}

	switch r.Method {
	case http.MethodGet:
		if params.Treatment.Frequency == "" {
			params.Treatment.Frequency = "1"
			params.Treatment.DurationDays = strconv.Itoa(tracker.DefaultDurationDays)
		}
		render(w, uitemplates.RegisterTemplate, params)
		return
	case http.MethodPost:
	default:
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// User errors re-render the filled-in form.
	req, userErr := parseTreatment(params.Treatment)
	if userErr != "" {
		params.Flash = uitemplates.Flash{UserError: userErr}
		render(w, uitemplates.RegisterTemplate, params)
		return
	}

	user, _, err := u.tracker.Register(r.Context(), &tracker.RegisterRequest{
		Name:             params.Name,
		Username:         params.Username,
		Email:            params.Email,
		Avatar:           params.Avatar,
		RemindersEnabled: r.PostForm.Get("reminders") == "true",
		Treatment:        *req,
	})
	if err != nil && user == nil {
		if msg, ok := userMessage(err); ok {
			params.Flash = uitemplates.Flash{UserError: msg}
			render(w, uitemplates.RegisterTemplate, params)
			return
		}
		glog.Errorf("Error while registering: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}
	if err != nil {
		glog.Errorf("User %s registered, but dose generation failed: %v", user.ID, err)
	}

	http.SetCookie(w, userCookieFor(user.ID))
	http.Redirect(w, r, flashLink("/", "Welcome, "+user.Name+"!", ""), http.StatusFound)
}

func (u *WebUI) addTreatmentHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/add-treatment" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	user := u.requireUser(w, r)
	if user == nil {
		return
	}

	if err := r.ParseForm(); err != nil {
		glog.Errorf("Error while parsing form: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	params := &uitemplates.TreatmentFormParams{
		Flash:    flashFrom(r),
		Title:    "Add Treatment",
		SelfLink: "/add-treatment",
		Submit:   "Add",
		Fields:   treatmentFieldsFrom(r),
	}

	switch r.Method {
	case http.MethodGet:
		if params.Fields.Frequency == "" {
			params.Fields.Frequency = "1"
			params.Fields.DurationDays = strconv.Itoa(tracker.DefaultDurationDays)
		}
		render(w, uitemplates.TreatmentFormTemplate, params)
		return
	case http.MethodPost:
	default:
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	req, userErr := parseTreatment(params.Fields)
	if userErr == "" {
		_, err := u.tracker.AddTreatment(r.Context(), user.ID, req)
		if err != nil {
			msg, ok := userMessage(err)
			if !ok {
				glog.Errorf("Error while adding treatment: %v", err)
				http.Error(w, "Internal Error", http.StatusInternalServerError)
				return
			}
			userErr = msg
		}
	}
	if userErr != "" {
		params.Flash = uitemplates.Flash{UserError: userErr}
		render(w, uitemplates.TreatmentFormTemplate, params)
		return
	}

	http.Redirect(w, r, flashLink("/", "Added "+req.MedicationName, ""), http.StatusFound)
}

func (u *WebUI) editTreatmentHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/edit-treatment" {
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

	id := r.Form.Get("id")
	params := &uitemplates.TreatmentFormParams{
		Flash:    flashFrom(r),
		Title:    "Edit Treatment",
		SelfLink: EditTreatmentLink(id),
		Submit:   "Save",
	}

	switch r.Method {
	case http.MethodGet:
		t, err := u.tracker.GetTreatment(ctx, user.ID, id)
		if err != nil {
			if _, ok := userMessage(err); ok {
				http.Error(w, "Not Found", http.StatusNotFound)
				return
			}
			glog.Errorf("Error while loading treatment %s: %v", id, err)
			http.Error(w, "Internal Error", http.StatusInternalServerError)
			return
		}
		params.Fields = treatmentFieldsOf(t)
		render(w, uitemplates.TreatmentFormTemplate, params)
		return
	case http.MethodPost:
	default:
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	params.Fields = treatmentFieldsFrom(r)
	req, userErr := parseTreatment(params.Fields)
	if userErr == "" {
		_, err := u.tracker.EditTreatment(ctx, user.ID, id, req)
		if err != nil {
			msg, ok := userMessage(err)
			if !ok {
				glog.Errorf("Error while editing treatment %s: %v", id, err)
				http.Error(w, "Internal Error", http.StatusInternalServerError)
				return
			}
			userErr = msg
		}
	}
	if userErr != "" {
		params.Flash = uitemplates.Flash{UserError: userErr}
		render(w, uitemplates.TreatmentFormTemplate, params)
		return
	}

	http.Redirect(w, r, flashLink("/", "Updated "+req.MedicationName, ""), http.StatusFound)
}

func (u *WebUI) deactivateTreatmentHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/deactivate-treatment" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	user := u.requireUser(w, r)
	if user == nil {
		return
	}

	if err := r.ParseForm(); err != nil {
		glog.Errorf("Error while parsing form: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	if err := u.tracker.DeactivateTreatment(r.Context(), user.ID, r.PostForm.Get("id")); err != nil {
		if msg, ok := userMessage(err); ok {
			http.Redirect(w, r, flashLink("/", "", msg), http.StatusFound)
			return
		}
		glog.Errorf("Error while deactivating treatment: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, flashLink("/", "Treatment stopped", ""), http.StatusFound)
}

func (u *WebUI) profileHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/profile" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	user := u.requireUser(w, r)
	if user == nil {
		return
	}

	if err := r.ParseForm(); err != nil {
		glog.Errorf("Error while parsing form: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	switch r.Method {
	case http.MethodGet:
		render(w, uitemplates.ProfileTemplate, &uitemplates.ProfileParams{
			Flash:            flashFrom(r),
			Username:         user.Username,
			Name:             user.Name,
			Email:            user.Email,
			Timezone:         user.Timezone,
			Avatar:           user.Avatar,
			Avatars:          Avatars,
			RemindersEnabled: user.RemindersEnabled,
		})
		return
	case http.MethodPost:
	default:
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	_, err := u.tracker.UpdateProfile(r.Context(), user.ID, &tracker.ProfileUpdate{
		Name:             r.PostForm.Get("name"),
		Email:            r.PostForm.Get("email"),
		Timezone:         r.PostForm.Get("timezone"),
		Avatar:           r.PostForm.Get("avatar"),
		RemindersEnabled: r.PostForm.Get("reminders") == "true",
	})
	var msg string
	if err != nil {
		var ok bool
		if msg, ok = userMessage(err); !ok {
			glog.Errorf("Error while updating profile: %v", err)
			http.Error(w, "Internal Error", http.StatusInternalServerError)
			return
		}
	}
	if msg != "" {
		http.Redirect(w, r, flashLink("/profile", "", msg), http.StatusFound)
		return
	}

	http.Redirect(w, r, flashLink("/profile", "Profile saved", ""), http.StatusFound)
}
