package weights

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Source fetches raw weight bytes by name. Implementations: a local
// directory and an Arrow Flight endpoint serving the same namespace.
type Source interface {
	// Fetch returns the full contents of the named weight.
	Fetch(ctx context.Context, name string) ([]byte, error)

	// Exists reports whether the named weight is present.
	Exists(ctx context.Context, name string) (bool, error)

	// List returns all weight names starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// DirSource serves weights from a flat directory, one file per tensor. The
// file listing is read once at construction; models do not grow files while
// a loader runs over them.
type DirSource struct {
	dir   string
	names []string
}

func NewDirSource(dir string) (*DirSource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("weight dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("weight dir %s is not a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("weight dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return &DirSource{dir: dir, names: names}, nil
}

func (s *DirSource) Fetch(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("weight %s: %w", name, err)
	}
	return data, nil
}

func (s *DirSource) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.dir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("weight %s: %w", name, err)
}

func (s *DirSource) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	for _, n := range s.names {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	return names, nil
}
