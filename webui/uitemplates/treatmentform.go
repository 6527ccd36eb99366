package uitemplates

import "html/template"

// TreatmentFields are the values of the treatment form inputs.
type TreatmentFields struct {
	MedicationName string
	Dosage         string
	Frequency      string
	Schedule       string
	FirstDose      string
	DurationDays   string
	TotalDoses     string
	StartDate      string
}

type TreatmentFormParams struct {
	Flash Flash

	Title    string
	SelfLink string
	Submit   string
	Fields   TreatmentFields
}

// treatmentFieldsText renders the treatment inputs; the registration form
// embeds it too.
var treatmentFieldsText = `
{{define "treatment-fields"}}
  <div class="mb-3">
    <label for="medication-name" class="form-label">Medication Name</label>
    <input id="medication-name" type="text" name="medication-name" value="{{.MedicationName}}" class="form-control" required>
  </div>

  <div class="mb-3">
    <label for="dosage" class="form-label">Dosage</label>
    <input id="dosage" type="text" name="dosage" value="{{.Dosage}}" class="form-control" required>
  </div>

  <div class="mb-3">
    <label for="frequency" class="form-label">Doses per Day</label>
    <input id="frequency" type="number" min="1" max="24" name="frequency" value="{{.Frequency}}" class="form-control" required>
  </div>

  <div class="mb-3">
    <label for="schedule" class="form-label">Times (comma separated, e.g. 08:00, 20:00)</label>
    <input id="schedule" type="text" name="schedule" value="{{.Schedule}}" class="form-control">
  </div>

  <div class="mb-3">
    <label for="first-dose" class="form-label">Or first dose time, spread evenly</label>
    <input id="first-dose" type="time" name="first-dose" value="{{.FirstDose}}" class="form-control">
  </div>

  <div class="mb-3">
    <label for="duration-days" class="form-label">Duration (days)</label>
    <input id="duration-days" type="number" min="1" name="duration-days" value="{{.DurationDays}}" class="form-control">
  </div>

  <div class="mb-3">
    <label for="total-doses" class="form-label">Total doses (optional)</label>
    <input id="total-doses" type="number" min="0" name="total-doses" value="{{.TotalDoses}}" class="form-control">
  </div>

  <div class="mb-3">
    <label for="start-date" class="form-label">Start date</label>
    <input id="start-date" type="date" name="start-date" value="{{.StartDate}}" class="form-control">
  </div>
{{end}}
`

var treatmentFormText = `
{{define "title"}}{{.Title}}{{end}}

{{define "breadcrumbs" -}}
  <li class="breadcrumb-item"><a href="/">Home</a></li>
  <li class="breadcrumb-item active" aria-current="page"><a href="{{.SelfLink}}">{{.Title}}</a></li>
{{- end}}

{{define "content"}}
<h1>{{.Title}}</h1>

<form method="POST">
  {{template "treatment-fields" .Fields}}
  <button type="submit" class="btn btn-primary">{{.Submit}}</button>
</form>
{{end}}
`

var TreatmentFormTemplate = template.Must(template.Must(template.Must(template.New("base").Parse(baseText)).Parse(treatmentFieldsText)).Parse(treatmentFormText))
