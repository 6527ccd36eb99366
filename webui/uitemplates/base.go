package uitemplates

var baseText = `
<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{block "title" .}}Title{{end}} - PillQuest</title>
    <link href="https://cdn.jsdelivr.net/npm/bootstrap@5.3.0-alpha1/dist/css/bootstrap.min.css" rel="stylesheet" integrity="sha384-GLhlTQ8iRABdZLl6O3oVMWSktQOp6b7In1Zl3/Jr59b6EGGoI1aFkw7cmDA6j6gD" crossorigin="anonymous">
  </head>
  <body>
    <div class="container">
      <nav class="navbar navbar-expand bg-body-tertiary">
        <div class="container-fluid">
          <a class="navbar-brand" href="/">💊 PillQuest</a>
          <div class="navbar-nav">
            <a class="nav-link" href="/rewards">Rewards</a>
            <a class="nav-link" href="/history">History</a>
            <a class="nav-link" href="/profile">Profile</a>
          </div>
        </div>
      </nav>

      <nav aria-label="breadcrumb" class="border-bottom mt-3 mb-3">
        <ol class="breadcrumb">
          {{block "breadcrumbs" .}}<li class="breadcrumb-item active" aria-current="page">Home</li>{{end}}
        </ol>
      </nav>

      {{with .Flash}}
        {{if .Message}}<div class="alert alert-success" role="alert">{{.Message}}</div>{{end}}
        {{if .UserError}}<div class="alert alert-danger" role="alert">Error: {{.UserError}}</div>{{end}}
      {{end}}

      <main>
        {{block "content" .}}{{end}}
      </main>
    </div>
  </body>
</html>
`

// Flash carries the one-shot messages passed between a form post and the page
// it redirects to.
type Flash struct {
	Message   string
	UserError string
}
