// Package templates renders the proxy's interstitial HTML pages.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"os"
)

//go:embed html/error.html html/warn.html
var builtin embed.FS

// Refresh hints baked into the pages, in seconds. A browser parked on an
// interstitial retries on its own once the condition may have cleared.
const (
	unavailableRefresh = 60
	forbiddenRefresh   = 86400
	browserRefresh     = 30
)

type errorData struct {
	Title   string
	Message string
	Refresh int
}

type warnData struct {
	Browser string
	Version string
	Refresh int
}

// Renderer renders the error and warning pages. Both templates can be
// overridden with files from the configuration.
type Renderer struct {
	errorTmpl *template.Template
	warnTmpl  *template.Template
}

// NewRenderer loads the page templates. Empty override paths select the
// embedded defaults.
func NewRenderer(errorPage, warnPage string) (*Renderer, error) {
	errorTmpl, err := load("error.html", errorPage)
	if err != nil {
		return nil, err
	}
	warnTmpl, err := load("warn.html", warnPage)
	if err != nil {
		return nil, err
	}
	return &Renderer{errorTmpl: errorTmpl, warnTmpl: warnTmpl}, nil
}

func load(name, override string) (*template.Template, error) {
	if override != "" {
		raw, err := os.ReadFile(override)
		if err != nil {
			return nil, fmt.Errorf("failed to read template override %s: %w", override, err)
		}
		tmpl, err := template.New(name).Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template override %s: %w", override, err)
		}
		return tmpl, nil
	}

	tmpl, err := template.ParseFS(builtin, "html/"+name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse builtin template %s: %w", name, err)
	}
	return tmpl, nil
}

func (r *Renderer) render(tmpl *template.Template, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", tmpl.Name(), err)
	}
	return buf.Bytes(), nil
}

// ServiceUnavailable renders the page shown when the managed server is not
// answering. Refreshes after a minute.
func (r *Renderer) ServiceUnavailable() ([]byte, error) {
	return r.render(r.errorTmpl, errorData{
		Title:   "Service Unavailable",
		Message: "The file server is starting up or briefly offline.",
		Refresh: unavailableRefresh,
	})
}

// Forbidden renders the page shown to requests arriving through a host the
// origin firewall does not recognize.
func (r *Renderer) Forbidden(origin string) ([]byte, error) {
	return r.render(r.errorTmpl, errorData{
		Title:   "Forbidden",
		Message: fmt.Sprintf("Access through %q is not permitted.", origin),
		Refresh: forbiddenRefresh,
	})
}

// UnsupportedBrowser renders the warning shown on first contact from a
// browser family the configuration rejects.
func (r *Renderer) UnsupportedBrowser(browser, version string) ([]byte, error) {
	return r.render(r.warnTmpl, warnData{
		Browser: browser,
		Version: version,
		Refresh: browserRefresh,
	})
}
