// Package bootstrap renders the markup injected into proxied pages: the head
// block that restyles the upstream chrome and the body script that keeps the
// address bar on slug URLs while the single-page application navigates.
//
// The script is a small state machine. It starts unpatched and observes the
// application root until the navigation chrome has rendered, then replaces
// the page-id URL with its slug and wraps window.onpopstate exactly once.
// Independently of that transition it wraps history.replaceState,
// history.pushState and XMLHttpRequest.prototype.open when it loads.
package bootstrap

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"

	"slug-proxy-go/internal/slug"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

const fontsURL = "https://fonts.googleapis.com/css?family="

// Site holds the per-deployment values baked into the injected markup.
type Site struct {
	Domain       string
	UpstreamHost string
	Fonts        []string
	Slugs        *slug.Table
}

// Markup is the rendered injection content. It is computed once and shared
// read-only by every request.
type Markup struct {
	Head []byte
	Body []byte
}

type headData struct {
	Fonts      []string
	FontFamily template.CSS
}

type bodyData struct {
	Domain       string
	UpstreamHost string
	Entries      [][2]string
	PageIDLength int
}

// Render executes the head and body templates for site.
func Render(site Site) (*Markup, error) {
	head, err := execute("head.html.tmpl", newHeadData(site.Fonts))
	if err != nil {
		return nil, err
	}

	entries := site.Slugs.Entries()
	data := bodyData{
		Domain:       site.Domain,
		UpstreamHost: site.UpstreamHost,
		Entries:      make([][2]string, 0, len(entries)),
		PageIDLength: slug.PageIDLength,
	}
	for _, e := range entries {
		data.Entries = append(data.Entries, [2]string{e.Slug, e.Page})
	}

	body, err := execute("body.html.tmpl", data)
	if err != nil {
		return nil, err
	}

	return &Markup{Head: head, Body: body}, nil
}

// newHeadData builds stylesheet links and the font-family rule. Font names
// are validated by config to letters, digits, spaces and hyphens, which is
// what makes the CSS value safe to emit unescaped.
func newHeadData(fonts []string) headData {
	var d headData
	families := make([]string, 0, len(fonts))
	for _, f := range fonts {
		d.Fonts = append(d.Fonts, fontsURL+strings.ReplaceAll(f, " ", "+")+":Regular,Bold,Italic&display=swap")
		families = append(families, `"`+f+`"`)
	}
	d.FontFamily = template.CSS(strings.Join(families, ","))
	return d
}

func execute(name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
