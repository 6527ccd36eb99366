package uitemplates

import "html/template"

type RegisterParams struct {
	Flash Flash

	Name     string
	Username string
	Email    string
	Avatar   string
	Avatars  []string

	Treatment TreatmentFields
}

var registerText = `
{{define "title"}}Welcome{{end}}

{{define "breadcrumbs" -}}
  <li class="breadcrumb-item active" aria-current="page"><a href="/register">Register</a></li>
{{- end}}

{{define "content"}}
<h1>Welcome to PillQuest</h1>
<p>Tell us who you are and what you're taking.</p>

<form method="POST">
  <div class="mb-3">
    <label for="name" class="form-label">Name</label>
    <input id="name" type="text" name="name" value="{{.Name}}" class="form-control" required>
  </div>

  <div class="mb-3">
    <label for="username" class="form-label">Username</label>
    <input id="username" type="text" name="username" value="{{.Username}}" class="form-control" required>
  </div>

  <div class="mb-3">
    <label for="email" class="form-label">Email (for reminders)</label>
    <input id="email" type="email" name="email" value="{{.Email}}" class="form-control">
  </div>

  <div class="mb-3">
    <label class="form-label">Avatar</label>
    <div>
    {{$current := .Avatar}}
    {{range .Avatars}}
      <input type="radio" class="btn-check" name="avatar" id="avatar-{{.}}" value="{{.}}" {{if eq . $current}}checked{{end}}>
      <label class="btn btn-outline-secondary" for="avatar-{{.}}">{{.}}</label>
    {{end}}
    </div>
  </div>

  <div class="form-check mb-3">
    <input id="reminders" type="checkbox" name="reminders" value="true" class="form-check-input">
    <label for="reminders" class="form-check-label">Email me when a dose is due</label>
  </div>

  <h2>Your first treatment</h2>
  {{template "treatment-fields" .Treatment}}

  <button type="submit" class="btn btn-primary">Start</button>
</form>
{{end}}
`

var RegisterTemplate = template.Must(template.Must(template.Must(template.New("base").Parse(baseText)).Parse(treatmentFieldsText)).Parse(registerText))
