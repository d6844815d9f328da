package webclient

import (
	"html/template"
	"net/http"
	"slices"
)

var pageTemplates = template.Must(template.New("layout").Parse(`
{{define "head"}}<!doctype html>
<html lang="en"><head><meta charset="utf-8"><title>{{.Title}} - Image Gallery</title>
<style>body{font-family:sans-serif;max-width:48rem;margin:2rem auto}nav{display:flex;gap:1rem;align-items:center}nav form{margin-left:auto}.error{color:#b00}li{margin:.25rem 0}</style>
</head><body>
<nav><a href="/">Gallery</a>
{{if .User}}{{if .CanAdd}}<a href="/images/add">Add an image</a>{{end}}<a href="/order-frame">Order a frame</a>
<form method="post" action="/logout"><span>{{.User}}</span> <button type="submit">Sign out</button></form>{{end}}
</nav>
<h1>{{.Title}}</h1>{{end}}
{{define "foot"}}</body></html>{{end}}

{{define "index"}}{{template "head" .}}
{{if .Images}}<ul>{{range .Images}}
<li><a href="/images/{{.ID}}">{{.Title}}</a> <small>{{.FileName}}</small>
<form method="post" action="/images/{{.ID}}/delete" style="display:inline"><button type="submit">Delete</button></form></li>
{{end}}</ul>{{else}}<p>You have no images yet.</p>{{end}}
{{template "foot" .}}{{end}}

{{define "image"}}{{template "head" .}}
<dl><dt>File</dt><dd>{{.Image.FileName}}</dd><dt>Added</dt><dd>{{.Image.CreatedAt.Format "2006-01-02 15:04"}}</dd></dl>
<form method="post" action="/images/{{.Image.ID}}/delete"><button type="submit">Delete</button></form>
{{template "foot" .}}{{end}}

{{define "add"}}{{template "head" .}}
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/images/add">
<label>Title <input name="title" maxlength="150" required autofocus></label>
<button type="submit">Add</button>
</form>
{{template "foot" .}}{{end}}

{{define "orderframe"}}{{template "head" .}}
{{if .Address}}<p>Your frame will be shipped to:</p><address>{{.Address}}</address>
{{else}}<p class="error">No address is on file with your identity provider.</p>{{end}}
{{template "foot" .}}{{end}}

{{define "denied"}}{{template "head" .}}
<p>You are not allowed to do that.</p>
{{template "foot" .}}{{end}}

{{define "error"}}{{template "head" .}}
<p class="error">{{.Error}}</p>
<p><a href="/">Back to the gallery</a></p>
{{template "foot" .}}{{end}}
`))

// page is embedded by every page model and drives the navigation bar.
type page struct {
	Title  string
	User   string
	CanAdd bool
}

type indexPage struct {
	page
	Images []Image
}

type imagePage struct {
	page
	Image Image
}

type addPage struct {
	page
	Error string
}

type orderFramePage struct {
	page
	Address string
}

type errorPage struct {
	page
	Error string
}

func (a *App) pageFor(sess *Session, title string) page {
	p := page{Title: title}
	if sess != nil {
		p.User = sess.DisplayName()
		p.CanAdd = slices.Contains(principalOf(sess).Values("role"), "PayingUser")
	}
	return p
}

func (a *App) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		a.Logger.Error("render page", "page", name, "error", err)
	}
}

func (a *App) renderError(w http.ResponseWriter, status int, msg string) {
	a.render(w, status, "error", errorPage{page: page{Title: "Error"}, Error: msg})
}
