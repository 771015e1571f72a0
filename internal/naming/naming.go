// Package naming turns display names into collision-free file names.
//
// Resolution is deterministic: the same display name, extension and set of
// used names always produce the same file name. When the sanitized name is
// taken, a numeric disambiguator (" 2", " 3", ...) is appended, picking the
// smallest integer >= 2 that is not already used.
package naming

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mschirtzinger/docshelf/internal/docerr"
)

const (
	// DefaultDisplayName is used when a display name sanitizes to nothing.
	DefaultDisplayName = "Untitled"

	// MaxNameLength caps the sanitized base name, in runes.
	MaxNameLength = 200

	// MaxDisambiguator bounds the search for a free numeric suffix.
	MaxDisambiguator = 10000
)

// Sanitize converts a display name into something usable as a file name
// base: path separators become dashes, control characters are dropped,
// leading dots and surrounding whitespace are trimmed.
func Sanitize(displayName string) string {
	var b strings.Builder
	b.Grow(len(displayName))
	for _, r := range displayName {
		switch {
		case r == '/' || r == '\\' || r == ':':
			b.WriteRune('-')
		case r == utf8.RuneError, unicode.IsControl(r):
			continue
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}

	name := strings.TrimSpace(b.String())
	name = strings.TrimLeft(name, ".")
	name = strings.TrimSpace(name)

	if utf8.RuneCountInString(name) > MaxNameLength {
		runes := []rune(name)
		name = strings.TrimSpace(string(runes[:MaxNameLength]))
	}
	if name == "" {
		return DefaultDisplayName
	}
	return name
}

// NormalizeExtension returns ext with exactly one leading dot, or "" for an
// empty extension.
func NormalizeExtension(ext string) string {
	ext = strings.TrimSpace(ext)
	ext = strings.TrimLeft(ext, ".")
	if ext == "" {
		return ""
	}
	return "." + ext
}

// UniqueFileNameForDisplayName resolves displayName into a file name with the
// given extension that does not collide with usedNames. Comparison is
// case-insensitive because the storage locations may be case-insensitive.
//
// Returns docerr.ErrNameCollision if no free name exists within
// MaxDisambiguator attempts.
func UniqueFileNameForDisplayName(displayName, ext string, usedNames map[string]struct{}) (string, error) {
	base := Sanitize(displayName)
	ext = NormalizeExtension(ext)

	folded := make(map[string]struct{}, len(usedNames))
	for n := range usedNames {
		folded[strings.ToLower(n)] = struct{}{}
	}
	taken := func(name string) bool {
		_, ok := folded[strings.ToLower(name)]
		return ok
	}

	candidate := base + ext
	if !taken(candidate) {
		return candidate, nil
	}
	for n := 2; n <= MaxDisambiguator; n++ {
		candidate = base + " " + strconv.Itoa(n) + ext
		if !taken(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name for %q after %d attempts: %w", base, MaxDisambiguator, docerr.ErrNameCollision)
}

// UniqueFileNameInDirectory resolves displayName against the entries that
// currently exist in dir. A missing directory has no used names.
func UniqueFileNameInDirectory(displayName, ext, dir string) (string, error) {
	used, err := UsedNames(dir)
	if err != nil {
		return "", err
	}
	return UniqueFileNameForDisplayName(displayName, ext, used)
}

// UsedNames lists the entry names of dir as a set.
func UsedNames(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	used := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		used[e.Name()] = struct{}{}
	}
	return used, nil
}

// DisplayName derives the display name of a document from its path: the
// base name without extension.
func DisplayName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SameName reports whether two file names collide.
func SameName(a, b string) bool {
	return strings.EqualFold(a, b)
}
