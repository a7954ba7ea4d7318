package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/domain"
)

const defaultManifest = "applet.yaml"

// manifest describes an applet checked out on disk. Files are listed
// relative to the manifest and keep their list position as file id.
type manifest struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Slug  string   `yaml:"slug"`
	Files []string `yaml:"files"`
}

func loadManifest(path string) (manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return manifest{}, errors.New("manifest: id is required")
	}
	if len(m.Files) == 0 {
		return manifest{}, errors.New("manifest: at least one file is required")
	}
	seen := make(map[string]struct{}, len(m.Files))
	for _, name := range m.Files {
		clean := filepath.ToSlash(filepath.Clean(name))
		if clean != name || strings.HasPrefix(clean, "../") || filepath.IsAbs(name) {
			return manifest{}, fmt.Errorf("manifest: invalid file name %q", name)
		}
		if _, dup := seen[name]; dup {
			return manifest{}, fmt.Errorf("manifest: duplicate file %q", name)
		}
		seen[name] = struct{}{}
	}
	return m, nil
}

// applet reads the listed files from dir.
func (m manifest) applet(dir string) (domain.Applet, error) {
	applet := domain.Applet{ID: m.ID, Slug: m.Slug, Name: m.Name}
	for i, name := range m.Files {
		content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			return domain.Applet{}, fmt.Errorf("read %s: %w", name, err)
		}
		applet.Files = append(applet.Files, domain.File{
			ID:       int64(i + 1),
			AppletID: m.ID,
			Name:     name,
			Content:  string(content),
		})
	}
	return applet, nil
}

func loadApplet(path string) (domain.Applet, error) {
	m, err := loadManifest(path)
	if err != nil {
		return domain.Applet{}, err
	}
	return m.applet(filepath.Dir(path))
}
