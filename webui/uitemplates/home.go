package uitemplates

import "html/template"

type HomeParams struct {
	Flash Flash

	UserName string
	Avatar   string
	Stats    StatsStrip

	Pending    []DoseRow
	Today      []DoseRow
	Treatments []TreatmentRow
}

type StatsStrip struct {
	Points        int
	Coins         int
	CurrentStreak int
	LongestStreak int
	TotalDoses    int
}

type DoseRow struct {
	ID         string
	Medication string
	Dosage     string
	Time       string
	Phase      string
	Actionable bool
}

type TreatmentRow struct {
	ID         string
	Medication string
	Dosage     string
	Schedule   string
	Period     string
	EditLink   string
}

var homeText = `
{{define "title"}}Today{{end}}

{{define "content"}}
<h1>{{.Avatar}} Hi, {{.UserName}}</h1>

<div class="row text-center my-3">
  <div class="col"><div class="fs-3">{{.Stats.Points}}</div>points</div>
  <div class="col"><div class="fs-3">{{.Stats.Coins}}</div>coins</div>
  <div class="col"><div class="fs-3">🔥 {{.Stats.CurrentStreak}}</div>day streak</div>
  <div class="col"><div class="fs-3">{{.Stats.LongestStreak}}</div>best streak</div>
</div>

<h2>Take now</h2>
{{if .Pending}}
<ul class="list-group mb-3">
  {{range .Pending}}
  <li class="list-group-item d-flex justify-content-between align-items-center">
    <span>{{.Time}} {{.Medication}} {{.Dosage}}</span>
    <form method="POST" action="/take-dose">
      <input type="hidden" name="dose-id" value="{{.ID}}">
      <button type="submit" class="btn btn-success">Take</button>
    </form>
  </li>
  {{end}}
</ul>
{{else}}
<p>Nothing to take right now.</p>
{{end}}

<h2>Today</h2>
<table class="table">
  <thead>
    <tr><th>Time</th><th>Medication</th><th>Dosage</th><th>Status</th><th></th></tr>
  </thead>
  <tbody>
    {{range .Today}}
    <tr>
      <td>{{.Time}}</td>
      <td>{{.Medication}}</td>
      <td>{{.Dosage}}</td>
      <td>{{.Phase}}</td>
      <td>
        {{if eq .Phase "missed"}}
        <form method="POST" action="/take-dose">
          <input type="hidden" name="dose-id" value="{{.ID}}">
          <input type="hidden" name="manual" value="true">
          <button type="submit" class="btn btn-sm btn-outline-secondary">Mark taken</button>
        </form>
        {{end}}
      </td>
    </tr>
    {{end}}
  </tbody>
</table>

<h2>Treatments</h2>
<table class="table">
  <thead>
    <tr><th>Medication</th><th>Dosage</th><th>Schedule</th><th>Period</th><th></th></tr>
  </thead>
  <tbody>
    {{range .Treatments}}
    <tr>
      <td>{{.Medication}}</td>
      <td>{{.Dosage}}</td>
      <td>{{.Schedule}}</td>
      <td>{{.Period}}</td>
      <td>
        <a href="{{.EditLink}}">Edit</a>
        <form method="POST" action="/deactivate-treatment" class="d-inline">
          <input type="hidden" name="id" value="{{.ID}}">
          <button type="submit" class="btn btn-sm btn-link text-danger">Stop</button>
        </form>
      </td>
    </tr>
    {{end}}
  </tbody>
</table>

<a href="/add-treatment" class="btn btn-primary">Add Treatment</a>
{{end}}
`

var HomeTemplate = template.Must(template.Must(template.New("base").Parse(baseText)).Parse(homeText))
