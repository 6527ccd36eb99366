package uitemplates

import "html/template"

type HistoryParams struct {
	Flash Flash

	Days      int
	Taken     int
	Missed    int
	Scheduled int
	Rows      []HistoryRow
}

type HistoryRow struct {
	Day        string
	Time       string
	Medication string
	Dosage     string
	Status     string
	TakenAt    string
}

var historyText = `
{{define "title"}}History{{end}}

{{define "breadcrumbs" -}}
  <li class="breadcrumb-item"><a href="/">Home</a></li>
  <li class="breadcrumb-item active" aria-current="page"><a href="/history">History</a></li>
{{- end}}

{{define "content"}}
<h1>Last {{.Days}} days</h1>
<p>{{.Taken}} taken, {{.Missed}} missed, {{.Scheduled}} still to come.</p>

<table class="table">
  <thead>
    <tr><th>Day</th><th>Time</th><th>Medication</th><th>Dosage</th><th>Status</th><th>Taken at</th></tr>
  </thead>
  <tbody>
    {{range .Rows}}
    <tr>
      <td>{{.Day}}</td>
      <td>{{.Time}}</td>
      <td>{{.Medication}}</td>
      <td>{{.Dosage}}</td>
      <td>{{.Status}}</td>
      <td>{{.TakenAt}}</td>
    </tr>
    {{end}}
  </tbody>
</table>
{{end}}
`

var HistoryTemplate = template.Must(template.Must(template.New("base").Parse(baseText)).Parse(historyText))
