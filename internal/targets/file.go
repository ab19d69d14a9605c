// Package targets reads and edits the YAML target list.
package targets

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/harvester/internal/crawler"
)

var (
	// ErrDuplicate is returned when adding a URL that is already listed.
	ErrDuplicate = errors.New("target url already exists")
	// ErrNotFound is returned when removing a URL that is not listed.
	ErrNotFound = errors.New("target not found")
)

// DefaultType is assigned to targets added without a type.
const DefaultType = "website"

type document struct {
	Targets []crawler.Target `yaml:"targets"`
}

// File is the target list stored at a path.
type File struct {
	path string
}

// Open returns the File at path. The file does not need to exist yet.
func Open(path string) *File {
	return &File{path: path}
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

// List returns the targets in file order. A missing file is an empty list.
func (f *File) List() ([]crawler.Target, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read targets: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse targets %s: %w", f.path, err)
	}
	return doc.Targets, nil
}

// Add appends a target, rejecting duplicate URLs.
func (f *File) Add(target crawler.Target) error {
	if err := Validate(target); err != nil {
		return err
	}
	if target.Type == "" {
		target.Type = DefaultType
	}
	list, err := f.List()
	if err != nil {
		return err
	}
	for _, t := range list {
		if sameURL(t.URL, target.URL) {
			return fmt.Errorf("add %s: %w", target.URL, ErrDuplicate)
		}
	}
	return f.write(append(list, target))
}

// Remove drops every target with rawURL and returns the removed entries.
func (f *File) Remove(rawURL string) ([]crawler.Target, error) {
	list, err := f.List()
	if err != nil {
		return nil, err
	}
	kept := make([]crawler.Target, 0, len(list))
	var removed []crawler.Target
	for _, t := range list {
		if sameURL(t.URL, rawURL) {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	if len(removed) == 0 {
		return nil, fmt.Errorf("remove %s: %w", rawURL, ErrNotFound)
	}
	return removed, f.write(kept)
}

// Validate checks a target has a name and an http(s) URL.
func Validate(target crawler.Target) error {
	if strings.TrimSpace(target.Name) == "" {
		return fmt.Errorf("target name is required")
	}
	u, err := url.Parse(strings.TrimSpace(target.URL))
	if err != nil || !crawler.IsHTTP(u) || u.Host == "" {
		return fmt.Errorf("target url %q must be an absolute http(s) url", target.URL)
	}
	return nil
}

// LoadMerged reads every path in order and returns the targets deduplicated
// by URL, keeping the first occurrence. Missing files are skipped.
func LoadMerged(paths ...string) ([]crawler.Target, error) {
	seen := make(map[string]struct{})
	var out []crawler.Target
	for _, p := range paths {
		if p == "" {
			continue
		}
		list, err := Open(p).List()
		if err != nil {
			return nil, err
		}
		for _, t := range list {
			key := crawler.NormalizeURL(t.URL)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *File) write(list []crawler.Target) error {
	if list == nil {
		list = []crawler.Target{}
	}
	raw, err := yaml.Marshal(document{Targets: list})
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create targets dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".targets-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp targets: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write targets: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close targets: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace targets: %w", err)
	}
	return nil
}

func sameURL(a, b string) bool {
	return crawler.NormalizeURL(a) == crawler.NormalizeURL(b)
}
