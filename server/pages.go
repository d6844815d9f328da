package server

import (
	"html/template"
	"net/http"
)

var pageTemplates = template.Must(template.New("layout").Parse(`
{{define "head"}}<!doctype html>
<html lang="en"><head><meta charset="utf-8"><title>{{.Title}}</title>
<style>body{font-family:sans-serif;max-width:32rem;margin:3rem auto}label{display:block;margin:.5rem 0}.error{color:#b00}</style>
</head><body><h1>{{.Title}}</h1>{{end}}
{{define "foot"}}</body></html>{{end}}

{{define "login"}}{{template "head" .}}
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/login">
<input type="hidden" name="request" value="{{.RequestID}}">
<label>Username <input name="username" value="{{.Username}}" autocomplete="username" autofocus></label>
<label>Password <input name="password" type="password" autocomplete="current-password"></label>
<button type="submit">Sign in</button>
</form>
{{if .Providers}}<p>Or sign in with</p><ul>
{{range .Providers}}<li><a href="/login/external/{{.Name}}?request={{$.RequestID}}">{{.DisplayName}}</a></li>{{end}}
</ul>{{end}}
{{template "foot" .}}{{end}}

{{define "consent"}}{{template "head" .}}
<p><strong>{{.ClientID}}</strong> is requesting your permission to access:</p>
<form method="post" action="/consent">
<input type="hidden" name="request" value="{{.RequestID}}">
<ul>{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>
<label><input type="checkbox" name="remember" value="true" checked> Remember my decision</label>
<button type="submit" name="decision" value="allow">Yes, allow</button>
<button type="submit" name="decision" value="deny">No, do not allow</button>
</form>
{{template "foot" .}}{{end}}

{{define "loggedout"}}{{template "head" .}}
<p>You are now signed out.</p>
{{template "foot" .}}{{end}}

{{define "error"}}{{template "head" .}}
<p class="error">{{.Error}}</p>
{{template "foot" .}}{{end}}
`))

type providerLink struct {
	Name        string
	DisplayName string
}

type loginPage struct {
	Title     string
	RequestID string
	Username  string
	Error     string
	Providers []providerLink
}

type consentPage struct {
	Title     string
	RequestID string
	ClientID  string
	Scopes    []string
}

type messagePage struct {
	Title string
	Error string
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
	a.render(w, status, "error", messagePage{Title: "Error", Error: msg})
}
