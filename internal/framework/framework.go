// Package framework embeds the shared entrypoint that every applet bundle is
// rooted at, and renders the per-applet routes file.
package framework

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"text/template"
)

const (
	// EntryFile is the framework entrypoint relative to the framework base URL.
	EntryFile = "main.ts"
	// RoutesFile is synthesized per build instead of being served verbatim.
	RoutesFile = "generated/routes.gen.ts"
)

var (
	//go:embed files
	files embed.FS
	//go:embed templates/routes.gen.ts.tmpl
	routesSource string

	routesTemplate = template.Must(template.New("routes").Parse(routesSource))
)

// Route maps a tenant file name to the specifier the bundle imports it from.
type Route struct {
	Name      string
	Specifier string
}

// FS returns the framework file set rooted at its base directory.
func FS() fs.FS {
	sub, err := fs.Sub(files, "files")
	if err != nil {
		panic(err)
	}
	return sub
}

// RenderRoutes produces the routes module for one applet version. Routes are
// emitted in name order.
func RenderRoutes(appletID, version string, routes []Route) (string, error) {
	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	err := routesTemplate.Execute(&buf, struct {
		AppletID string
		Version  string
		Routes   []Route
	}{appletID, version, sorted})
	if err != nil {
		return "", fmt.Errorf("render routes: %w", err)
	}
	return buf.String(), nil
}
