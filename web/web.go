// Package web renders the embedded HTML status page.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/artpar/geogate/app"
)

//go:embed templates/*
var assets embed.FS

var statusTmpl = template.Must(template.ParseFS(assets, "templates/status.html"))

// RenderStatus writes the status page for the given snapshot.
func RenderStatus(w io.Writer, st app.Status) error {
	if err := statusTmpl.Execute(w, st); err != nil {
		return fmt.Errorf("render status: %w", err)
	}
	return nil
}
