package ubiquity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrObjectNotFound is returned by a Mirror for missing objects.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes one object in a Mirror.
type ObjectInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
	// Version changes whenever the object's content is replaced.
	Version string
}

// Mirror is the remote byte store behind a Container. Object names are flat
// file names.
type Mirror interface {
	List(ctx context.Context) ([]ObjectInfo, error)
	Stat(ctx context.Context, name string) (ObjectInfo, error)
	Get(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error)
	Put(ctx context.Context, name string, r io.Reader, size int64) (ObjectInfo, error)
	Rename(ctx context.Context, oldName, newName string) error
	Remove(ctx context.Context, name string) error
}

// DirMirror is a Mirror backed by a plain directory, e.g. a network share
// or a folder kept in sync by another tool.
type DirMirror struct {
	dir string
}

// NewDirMirror creates the directory if needed and returns a mirror on it.
func NewDirMirror(dir string) (*DirMirror, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}
	return &DirMirror{dir: dir}, nil
}

func dirVersion(fi os.FileInfo) string {
	return strconv.FormatInt(fi.ModTime().UnixNano(), 36) + "-" + strconv.FormatInt(fi.Size(), 36)
}

func (m *DirMirror) info(name string, fi os.FileInfo) ObjectInfo {
	return ObjectInfo{Name: name, Size: fi.Size(), ModTime: fi.ModTime(), Version: dirVersion(fi)}
}

func (m *DirMirror) object(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(m.dir, name), nil
}

// List returns all objects sorted by name.
func (m *DirMirror) List(ctx context.Context) ([]ObjectInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirror: %w", err)
	}
	var out []ObjectInfo
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, m.info(e.Name(), fi))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat returns the object's info.
func (m *DirMirror) Stat(ctx context.Context, name string) (ObjectInfo, error) {
	p, err := m.object(name)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return ObjectInfo{}, ErrObjectNotFound
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	return m.info(name, fi), nil
}

// Get opens the object for reading.
func (m *DirMirror) Get(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error) {
	p, err := m.object(name)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ObjectInfo{}, ErrObjectNotFound
	}
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("failed to open %s: %w", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, ObjectInfo{}, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	return f, m.info(name, fi), nil
}

// Put replaces the object atomically.
func (m *DirMirror) Put(ctx context.Context, name string, r io.Reader, size int64) (ObjectInfo, error) {
	p, err := m.object(name)
	if err != nil {
		return ObjectInfo{}, err
	}
	tmp, err := os.CreateTemp(m.dir, "."+name+".*.tmp")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to create temp object: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return ObjectInfo{}, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to commit %s: %w", name, err)
	}
	return m.Stat(ctx, name)
}

// Rename moves an object.
func (m *DirMirror) Rename(ctx context.Context, oldName, newName string) error {
	src, err := m.object(oldName)
	if err != nil {
		return err
	}
	dst, err := m.object(newName)
	if err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("failed to rename %s: %w", oldName, err)
	}
	return nil
}

// Remove deletes an object. Missing objects are not an error.
func (m *DirMirror) Remove(ctx context.Context, name string) error {
	p, err := m.object(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}
