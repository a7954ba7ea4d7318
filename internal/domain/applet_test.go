package domain

import (
	"slices"
	"testing"
)

func TestAppletFileNamesSortedAndUnique(t *testing.T) {
	applet := Applet{Files: []File{{Name: "b.ts"}, {Name: "a.ts"}, {Name: "b.ts"}}}
	if got := applet.FileNames(); !slices.Equal(got, []string{"a.ts", "b.ts"}) {
		t.Fatalf("unexpected names %v", got)
	}
	if got := (Applet{}).FileNames(); len(got) != 0 {
		t.Fatalf("expected no names, got %v", got)
	}
}
