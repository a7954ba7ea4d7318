package domain

import (
	"slices"
	"time"
)

// Applet is a tenant-owned unit of deployable code. File names are unique
// within an applet.
type Applet struct {
	ID        string
	Slug      string
	Name      string
	Files     []File
	CreatedAt time.Time
	UpdatedAt time.Time
}

// File is one named script belonging to an applet. Hash is recomputed by the
// editing layer whenever Content changes.
type File struct {
	ID        int64
	AppletID  string
	Name      string
	Content   string
	Hash      string
	UpdatedAt time.Time
}

// FileNames returns the applet's file names sorted and without duplicates.
func (a Applet) FileNames() []string {
	names := make([]string, 0, len(a.Files))
	for _, f := range a.Files {
		names = append(names, f.Name)
	}
	slices.Sort(names)
	return slices.Compact(names)
}
