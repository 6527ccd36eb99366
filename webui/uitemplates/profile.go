package uitemplates

import "html/template"

type ProfileParams struct {
	Flash Flash

	Username         string
	Name             string
	Email            string
	Timezone         string
	Avatar           string
	Avatars          []string
	RemindersEnabled bool
}

var profileText = `
{{define "title"}}Profile{{end}}

{{define "breadcrumbs" -}}
  <li class="breadcrumb-item"><a href="/">Home</a></li>
  <li class="breadcrumb-item active" aria-current="page"><a href="/profile">Profile</a></li>
{{- end}}

{{define "content"}}
<h1>Profile: {{.Username}}</h1>

<form method="POST">
  <div class="mb-3">
    <label for="name" class="form-label">Name</label>
    <input id="name" type="text" name="name" value="{{.Name}}" class="form-control" required>
  </div>

  <div class="mb-3">
    <label for="email" class="form-label">Email</label>
    <input id="email" type="email" name="email" value="{{.Email}}" class="form-control">
  </div>

  <div class="mb-3">
    <label for="timezone" class="form-label">Timezone</label>
    <input id="timezone" type="text" name="timezone" value="{{.Timezone}}" class="form-control">
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
    <input id="reminders" type="checkbox" name="reminders" value="true" class="form-check-input" {{if .RemindersEnabled}}checked{{end}}>
    <label for="reminders" class="form-check-label">Email me when a dose is due</label>
  </div>

  <button type="submit" class="btn btn-primary">Save</button>
</form>

<hr>
<form method="POST" action="/reset" onsubmit="return confirm('Delete all PillQuest data?');">
  <button type="submit" class="btn btn-outline-danger">Reset all data</button>
</form>
{{end}}
`

var ProfileTemplate = template.Must(template.Must(template.New("base").Parse(baseText)).Parse(profileText))
