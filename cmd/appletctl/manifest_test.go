package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/version"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadApplet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "applet.yaml", "id: app-1\nname: Hello\nslug: hello\nfiles:\n  - main.ts\n  - lib/hello.ts\n")
	writeFile(t, dir, "main.ts", `import { hello } from "./lib/hello.ts";`)
	writeFile(t, dir, "lib/hello.ts", `export const hello = "hi";`)

	applet, err := loadApplet(filepath.Join(dir, "applet.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if applet.ID != "app-1" || applet.Slug != "hello" || len(applet.Files) != 2 {
		t.Fatalf("unexpected applet %+v", applet)
	}
	if applet.Files[1].ID != 2 || applet.Files[1].Name != "lib/hello.ts" {
		t.Fatalf("unexpected second file %+v", applet.Files[1])
	}

	again, err := loadApplet(filepath.Join(dir, "applet.yaml"))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	first, _ := version.ForApplet(applet)
	second, _ := version.ForApplet(again)
	if first != second {
		t.Fatal("version changed between identical loads")
	}

	writeFile(t, dir, "lib/hello.ts", `export const hello = "hey";`)
	changed, err := loadApplet(filepath.Join(dir, "applet.yaml"))
	if err != nil {
		t.Fatalf("reload after edit: %v", err)
	}
	if third, _ := version.ForApplet(changed); third == first {
		t.Fatal("version did not change after edit")
	}
}

func TestLoadManifestRejects(t *testing.T) {
	cases := map[string]string{
		"missing id":    "files: [main.ts]\n",
		"no files":      "id: app-1\n",
		"parent escape": "id: app-1\nfiles: [../secret.ts]\n",
		"duplicate":     "id: app-1\nfiles: [main.ts, main.ts]\n",
		"unclean":       "id: app-1\nfiles: [./main.ts]\n",
	}
	for name, content := range cases {
		dir := t.TempDir()
		writeFile(t, dir, "applet.yaml", content)
		if _, err := loadManifest(filepath.Join(dir, "applet.yaml")); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestReadBody(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "body.json", `{"key":"a"}`)
	got, err := readBody("@" + filepath.Join(dir, "body.json"))
	if err != nil || string(got) != `{"key":"a"}` {
		t.Fatalf("readBody file = %q, %v", got, err)
	}
	got, err = readBody(`{"inline":true}`)
	if err != nil || string(got) != `{"inline":true}` {
		t.Fatalf("readBody inline = %q, %v", got, err)
	}
}
