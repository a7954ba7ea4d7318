package resolver

import (
	"strings"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/domain"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/framework"
)

// RouteTable lists the tenant files a bundle routes to.
type RouteTable []framework.Route

// BuildContext carries everything one build needs to resolve specifiers.
// It is read-only once constructed.
type BuildContext struct {
	AppletID     string
	Version      string
	AppletBase   string
	FrameworkURL string
	Files        map[string]domain.File
	Routes       RouteTable
}

// NewBuildContext indexes an applet's files by name and builds its route
// table. appletBaseURL and frameworkBaseURL are the deployment-wide bases.
func NewBuildContext(applet domain.Applet, version, appletBaseURL, frameworkBaseURL string) *BuildContext {
	bc := &BuildContext{
		AppletID:     applet.ID,
		Version:      version,
		AppletBase:   strings.TrimRight(appletBaseURL, "/") + "/" + applet.ID,
		FrameworkURL: strings.TrimRight(frameworkBaseURL, "/") + "/",
		Files:        make(map[string]domain.File, len(applet.Files)),
	}
	for _, f := range applet.Files {
		bc.Files[f.Name] = f
	}
	for _, name := range applet.FileNames() {
		bc.Routes = append(bc.Routes, framework.Route{Name: name, Specifier: bc.FileSpecifier(name)})
	}
	return bc
}

// FileBaseURL is the prefix every tenant file specifier starts with.
func (bc *BuildContext) FileBaseURL() string {
	return bc.AppletBase + "/src/"
}

// FileSpecifier returns the specifier of a tenant file.
func (bc *BuildContext) FileSpecifier(name string) string {
	return bc.FileBaseURL() + strings.TrimLeft(name, "/")
}

// EntrySpecifier returns the specifier of the framework entrypoint.
func (bc *BuildContext) EntrySpecifier() string {
	return bc.FrameworkURL + framework.EntryFile
}

// Roots returns the framework entry followed by every tenant file in name
// order.
func (bc *BuildContext) Roots() []string {
	roots := make([]string, 0, len(bc.Routes)+1)
	roots = append(roots, bc.EntrySpecifier())
	for _, r := range bc.Routes {
		roots = append(roots, r.Specifier)
	}
	return roots
}
