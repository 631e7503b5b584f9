package files

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ccheshirecat/wasmharness/internal/harness/config"
	"github.com/ccheshirecat/wasmharness/internal/harness/errdefs"
)

const (
	BasePrefix     = "/base/"
	AbsolutePrefix = "/absolute"
)

// File is a declared asset resolved to a concrete path on disk.
type File struct {
	Pattern  string
	Path     string
	URLPath  string
	Included bool
	Watched  bool
	Served   bool
}

// Set holds every resolved file in declaration order.
type Set struct {
	basePath string
	files    []*File
	byURL    map[string]*File
	byPath   map[string]*File

	mu    sync.RWMutex
	cache map[string][]byte
}

// Resolve expands each entry against basePath. A pattern that matches no
// regular file fails with errdefs.FileNotFoundError. A file matched by more
// than one pattern keeps the flags of the first.
func Resolve(basePath string, entries []config.FileEntry) (*Set, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("files: resolve base path: %w", err)
	}

	s := &Set{
		basePath: absBase,
		byURL:    make(map[string]*File),
		byPath:   make(map[string]*File),
		cache:    make(map[string][]byte),
	}

	for _, entry := range entries {
		matches, err := expand(absBase, entry.Pattern)
		if err != nil {
			return nil, errdefs.FileNotFoundError{Pattern: entry.Pattern, BasePath: absBase, Err: err}
		}
		if len(matches) == 0 {
			return nil, errdefs.FileNotFoundError{Pattern: entry.Pattern, BasePath: absBase}
		}
		for _, p := range matches {
			if _, dup := s.byPath[p]; dup {
				continue
			}
			f := &File{
				Pattern:  entry.Pattern,
				Path:     p,
				URLPath:  urlPathFor(absBase, p),
				Included: entry.Included,
				Watched:  entry.Watched,
				Served:   entry.Served,
			}
			s.files = append(s.files, f)
			s.byPath[p] = f
			s.byURL[f.URLPath] = f
		}
	}
	return s, nil
}

func expand(base, pattern string) ([]string, error) {
	full := pattern
	if !filepath.IsAbs(full) {
		full = filepath.Join(base, pattern)
	}
	full = filepath.Clean(full)

	var candidates []string
	if hasMeta(pattern) {
		matches, err := doublestar.FilepathGlob(full)
		if err != nil {
			return nil, err
		}
		candidates = matches
	} else {
		candidates = []string{full}
	}

	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil {
			if hasMeta(pattern) || os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func urlPathFor(base, p string) string {
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return AbsolutePrefix + filepath.ToSlash(p)
	}
	return BasePrefix + filepath.ToSlash(rel)
}

// BasePath returns the absolute base directory.
func (s *Set) BasePath() string { return s.basePath }

// All returns the resolved files in declaration order.
func (s *Set) All() []*File {
	return append([]*File(nil), s.files...)
}

// Included returns files injected into the test page, in declaration order.
func (s *Set) Included() []*File {
	var out []*File
	for _, f := range s.files {
		if f.Included {
			out = append(out, f)
		}
	}
	return out
}

// Lookup finds a served file by its URL path.
func (s *Set) Lookup(urlPath string) (*File, bool) {
	f, ok := s.byURL[path.Clean(urlPath)]
	if !ok || !f.Served {
		return nil, false
	}
	return f, true
}

// Content returns the file body, reading it on first use. Watched files are
// re-read after Invalidate.
func (s *Set) Content(f *File) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.cache[f.Path]
	s.mu.RUnlock()
	if ok {
		return data, nil
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.FileNotFoundError{Pattern: f.Pattern, BasePath: s.basePath, Err: err}
		}
		return nil, fmt.Errorf("files: read %s: %w", f.Path, err)
	}

	s.mu.Lock()
	s.cache[f.Path] = data
	s.mu.Unlock()
	return data, nil
}

// Open opens the file for streaming. Large binary assets go through here
// rather than the cache.
func (s *Set) Open(f *File) (*os.File, fs.FileInfo, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return file, info, nil
}

// Invalidate drops the cached body of the file at path, if it is watched.
func (s *Set) Invalidate(p string) bool {
	f, ok := s.byPath[filepath.Clean(p)]
	if !ok || !f.Watched {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, cached := s.cache[f.Path]; !cached {
		return false
	}
	delete(s.cache, f.Path)
	return true
}
