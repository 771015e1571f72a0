package naming

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/mschirtzinger/docshelf/internal/docerr"
)

func set(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func TestUniqueFileNameForDisplayName(t *testing.T) {
	tests := []struct {
		name    string
		display string
		ext     string
		used    map[string]struct{}
		want    string
	}{
		{"free", "Untitled", ".ext", set(), "Untitled.ext"},
		{"first collision", "Untitled", ".ext", set("Untitled.ext"), "Untitled 2.ext"},
		{"second collision", "Untitled", ".ext", set("Untitled.ext", "Untitled 2.ext"), "Untitled 3.ext"},
		{"gap is reused", "Untitled", ".ext", set("Untitled.ext", "Untitled 3.ext"), "Untitled 2.ext"},
		{"case insensitive", "notes", ".ext", set("Notes.EXT"), "notes 2.ext"},
		{"extension without dot", "Plan", "ext", set(), "Plan.ext"},
		{"separators", "a/b:c", ".ext", set(), "a-b-c.ext"},
		{"empty name", "   ", ".ext", set(), "Untitled.ext"},
		{"hidden name", "..secret", ".ext", set(), "secret.ext"},
		{"other extension does not collide", "Plan", ".ext", set("Plan.txt"), "Plan.ext"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UniqueFileNameForDisplayName(tt.display, tt.ext, tt.used)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUniqueFileNameForDisplayName_Deterministic(t *testing.T) {
	used := set("Report.ext", "Report 2.ext", "Report 4.ext")
	first, _ := UniqueFileNameForDisplayName("Report", ".ext", used)
	for i := 0; i < 10; i++ {
		again, _ := UniqueFileNameForDisplayName("Report", ".ext", used)
		if again != first {
			t.Fatalf("resolution not deterministic: %q vs %q", first, again)
		}
	}
}

func TestUniqueFileNameForDisplayName_Exhausted(t *testing.T) {
	used := set("X.ext")
	for n := 2; n <= MaxDisambiguator; n++ {
		used["X "+strconv.Itoa(n)+".ext"] = struct{}{}
	}

	_, err := UniqueFileNameForDisplayName("X", ".ext", used)
	if !errors.Is(err, docerr.ErrNameCollision) {
		t.Fatalf("expected ErrNameCollision, got %v", err)
	}
}

func TestSanitize_Truncates(t *testing.T) {
	long := strings.Repeat("a", MaxNameLength+50)
	if got := Sanitize(long); len([]rune(got)) != MaxNameLength {
		t.Errorf("expected %d runes, got %d", MaxNameLength, len([]rune(got)))
	}
}

func TestUniqueFileNameInDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"Draft.shelf", "Draft 2.shelf"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}

	got, err := UniqueFileNameInDirectory("Draft", ".shelf", dir)
	if err != nil {
		t.Fatalf("UniqueFileNameInDirectory failed: %v", err)
	}
	if got != "Draft 3.shelf" {
		t.Errorf("got %q, want %q", got, "Draft 3.shelf")
	}

	got, err = UniqueFileNameInDirectory("Draft", ".shelf", filepath.Join(dir, "missing"))
	if err != nil {
		t.Fatalf("missing directory should not fail: %v", err)
	}
	if got != "Draft.shelf" {
		t.Errorf("got %q, want %q", got, "Draft.shelf")
	}
}

func TestDisplayName(t *testing.T) {
	if got := DisplayName("/docs/My Plan 2.shelf"); got != "My Plan 2" {
		t.Errorf("DisplayName() = %q", got)
	}
}
