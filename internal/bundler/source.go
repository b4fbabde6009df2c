// Package bundler plays the bundler's part for the runtime: it knows the
// module sources, derives the import graph from them and reports edits.
package bundler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/zot/hotmonkey/internal/graph"
)

// ModuleExt is the extension of module source files.
const ModuleExt = ".lua"

// Event is one change notification: the modules an edit invalidated and the
// dependency graph as of that edit.
type Event struct {
	Updated []string
	Graph   *graph.Graph
}

// Fetcher returns the current executable code of a module.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (string, error)
}

// Source is a Fetcher that can also describe the whole bundle.
type Source interface {
	Fetcher
	Graph() (*graph.Graph, error)
}

// NotFoundError means a module has no source.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("module %q not found", e.ID)
}

// Normalize turns a require argument into a module identifier: slash
// separated, cleaned, relative, with the module extension.
func Normalize(name string) string {
	id := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	id = strings.TrimPrefix(id, "/")
	if !strings.HasSuffix(id, ModuleExt) {
		id += ModuleExt
	}
	return id
}

var requirePattern = regexp.MustCompile(`require\s*\(?\s*["']([^"']+)["']`)

// Requires returns the modules a source statically requires.
func Requires(code string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range requirePattern.FindAllStringSubmatch(code, -1) {
		id := Normalize(m[1])
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// DirSource serves modules from a directory; identifiers are slash paths
// relative to it.
type DirSource struct {
	Dir string
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir}
}

// Path returns the file of a module, refusing identifiers outside the directory.
func (s *DirSource) Path(id string) (string, error) {
	clean := path.Clean(id)
	if clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return "", fmt.Errorf("module %q escapes %s", id, s.Dir)
	}
	return filepath.Join(s.Dir, filepath.FromSlash(clean)), nil
}

// ID returns the module identifier of a file inside the directory.
func (s *DirSource) ID(file string) (string, error) {
	rel, err := filepath.Rel(s.Dir, file)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Fetch reads a module's code.
func (s *DirSource) Fetch(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := s.Path(id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return "", &NotFoundError{ID: id}
	}
	if err != nil {
		return "", fmt.Errorf("read module %s: %w", id, err)
	}
	return string(data), nil
}

// Graph scans every module file and builds the import graph.
func (s *DirSource) Graph() (*graph.Graph, error) {
	g := graph.New()
	err := filepath.WalkDir(s.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != s.Dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(p, ModuleExt) {
			return nil
		}
		id, err := s.ID(p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		g.AddNode(id)
		for _, dep := range Requires(string(data)) {
			g.AddEdge(id, dep)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.Dir, err)
	}
	return g, nil
}

// MapSource is an in-memory source.
type MapSource struct {
	modules map[string]string
	mu      sync.RWMutex
}

// NewMapSource creates a source from identifier → code pairs.
func NewMapSource(modules map[string]string) *MapSource {
	s := &MapSource{modules: make(map[string]string, len(modules))}
	for id, code := range modules {
		s.modules[id] = code
	}
	return s
}

// Set replaces a module's code.
func (s *MapSource) Set(id, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[id] = code
}

// Delete removes a module.
func (s *MapSource) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.modules, id)
}

// Fetch returns a module's code.
func (s *MapSource) Fetch(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.modules[id]
	if !ok {
		return "", &NotFoundError{ID: id}
	}
	return code, nil
}

// Graph builds the import graph of the stored modules.
func (s *MapSource) Graph() (*graph.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := graph.New()
	for id, code := range s.modules {
		g.AddNode(id)
		for _, dep := range Requires(code) {
			g.AddEdge(id, dep)
		}
	}
	return g, nil
}

// Edit sets modules and returns the matching change event.
func (s *MapSource) Edit(changes map[string]string) (Event, error) {
	ids := make([]string, 0, len(changes))
	for id, code := range changes {
		s.Set(id, code)
		ids = append(ids, id)
	}
	g, err := s.Graph()
	if err != nil {
		return Event{}, err
	}
	return Event{Updated: ids, Graph: g}, nil
}
