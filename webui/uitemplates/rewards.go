package uitemplates

import "html/template"

type RewardsParams struct {
	Flash Flash

	Stats        StatsStrip
	Achievements []AchievementCard
}

type AchievementCard struct {
	Icon        string
	Name        string
	Description string
	Unlocked    bool
	UnlockedOn  string
}

var rewardsText = `
{{define "title"}}Rewards{{end}}

{{define "breadcrumbs" -}}
  <li class="breadcrumb-item"><a href="/">Home</a></li>
  <li class="breadcrumb-item active" aria-current="page"><a href="/rewards">Rewards</a></li>
{{- end}}

{{define "content"}}
<h1>Rewards</h1>
<p>{{.Stats.Points}} points, {{.Stats.Coins}} coins, {{.Stats.TotalDoses}} doses taken.
Current streak {{.Stats.CurrentStreak}} days, best {{.Stats.LongestStreak}}.</p>

<div class="row row-cols-2 row-cols-md-4 g-3">
  {{range .Achievements}}
  <div class="col">
    <div class="card h-100 {{if not .Unlocked}}opacity-50{{end}}">
      <div class="card-body text-center">
        <div class="fs-1">{{if .Unlocked}}{{.Icon}}{{else}}🔒{{end}}</div>
        <h5 class="card-title">{{.Name}}</h5>
        <p class="card-text">{{.Description}}</p>
        {{if .Unlocked}}<small class="text-muted">Unlocked {{.UnlockedOn}}</small>{{end}}
      </div>
    </div>
  </div>
  {{end}}
</div>
{{end}}
`

var RewardsTemplate = template.Must(template.Must(template.New("base").Parse(baseText)).Parse(rewardsText))
