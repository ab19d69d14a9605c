// Package state owns the durable crawl state: processed and failed URL sets,
// document hashes, byte counters and per-target progress. All mutation goes
// through Store methods so the processed/failed exclusivity holds in one place.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// TargetProgress is the persisted progress of one target.
type TargetProgress struct {
	Scraped        int                     `json:"scraped"`
	Failed         int                     `json:"failed"`
	Completed      bool                    `json:"completed"`
	Timestamp      string                  `json:"timestamp"`
	PaginationUsed int                     `json:"pagination_used,omitempty"`
	DocsSaved      int                     `json:"docs_saved,omitempty"`
	Frontier       []crawler.FrontierEntry `json:"frontier,omitempty"`
}

// Summary is a read-only view of the state for status reporting.
type Summary struct {
	Processed          int                       `json:"processed_urls"`
	Failed             int                       `json:"failed_urls"`
	DocHashes          int                       `json:"downloaded_doc_hashes"`
	TotalDataSize      int64                     `json:"total_data_size"`
	CurrentRunDataSize int64                     `json:"current_run_data_size"`
	Targets            map[string]TargetProgress `json:"targets_progress"`
	RunID              string                    `json:"run_id,omitempty"`
	Timestamp          string                    `json:"timestamp"`
}

type record struct {
	ProcessedURLs      []string                  `json:"processed_urls"`
	FailedURLs         []string                  `json:"failed_urls"`
	DocHashes          []string                  `json:"downloaded_doc_hashes"`
	TotalDataSize      int64                     `json:"total_data_size"`
	CurrentRunDataSize int64                     `json:"current_run_data_size"`
	Targets            map[string]TargetProgress `json:"targets_progress"`
	RunID              string                    `json:"run_id,omitempty"`
	Timestamp          string                    `json:"timestamp"`
}

// Store is the lock-guarded crawl state backed by a single JSON file.
type Store struct {
	path  string
	clock crawler.Clock

	mu        sync.Mutex
	processed map[string]struct{}
	failed    map[string]struct{}
	docHashes map[string]struct{}
	total     int64
	current   int64
	targets   map[string]TargetProgress
	runID     string
	updated   string

	saveMu sync.Mutex
}

// Open loads the state at path, or starts empty when the file does not exist.
func Open(path string, clock crawler.Clock) (*Store, error) {
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	s := &Store{
		path:      path,
		clock:     clock,
		processed: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
		docHashes: make(map[string]struct{}),
		targets:   make(map[string]TargetProgress),
	}

	// #nosec G304 -- the state path comes from operator configuration.
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", path, err)
	}
	for _, u := range rec.ProcessedURLs {
		s.processed[u] = struct{}{}
	}
	for _, u := range rec.FailedURLs {
		if _, ok := s.processed[u]; !ok {
			s.failed[u] = struct{}{}
		}
	}
	for _, h := range rec.DocHashes {
		s.docHashes[h] = struct{}{}
	}
	for name, tp := range rec.Targets {
		s.targets[name] = tp
	}
	s.total = rec.TotalDataSize
	s.current = rec.CurrentRunDataSize
	s.runID = rec.RunID
	s.updated = rec.Timestamp
	return s, nil
}

// Reset deletes the persisted state at path. A missing file is not an error.
func Reset(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// IsKnown reports whether url was already processed or failed.
func (s *Store) IsKnown(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, processed := s.processed[url]
	_, failed := s.failed[url]
	return processed || failed
}

// IsProcessed reports whether url was fetched successfully.
func (s *Store) IsProcessed(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[url]
	return ok
}

// IsFailed reports whether url exhausted its retries.
func (s *Store) IsFailed(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[url]
	return ok
}

// MarkProcessed records a successful fetch, clearing any earlier failure.
func (s *Store) MarkProcessed(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, url)
	s.processed[url] = struct{}{}
}

// MarkFailed records an exhausted fetch. It is a no-op for processed URLs.
func (s *Store) MarkFailed(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[url]; ok {
		return
	}
	s.failed[url] = struct{}{}
}

// HasDocHash reports whether a document URL or content hash is known.
func (s *Store) HasDocHash(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docHashes[hash]
	return ok
}

// AddDocHashes records document URL or content hashes.
func (s *Store) AddDocHashes(hashes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		if h != "" {
			s.docHashes[h] = struct{}{}
		}
	}
}

// ClaimDocHash records hash and reports whether it was new. Concurrent
// callers racing on the same hash see exactly one true.
func (s *Store) ClaimDocHash(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docHashes[hash]; ok {
		return false
	}
	s.docHashes[hash] = struct{}{}
	return true
}

// AddBytes adds n to both byte counters and returns the current-run total.
func (s *Store) AddBytes(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.total += n
		s.current += n
	}
	return s.current
}

// CurrentRunBytes returns the bytes written in the active run.
func (s *Store) CurrentRunBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// StartRun tags the state with a new run and zeroes the current-run counter.
func (s *Store) StartRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
	s.current = 0
}

// Target returns a copy of the progress recorded for name.
func (s *Store) Target(name string) (TargetProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tp, ok := s.targets[name]
	if !ok {
		return TargetProgress{}, false
	}
	tp.Frontier = append([]crawler.FrontierEntry(nil), tp.Frontier...)
	return tp, true
}

// IsCompleted reports whether name finished in an earlier run.
func (s *Store) IsCompleted(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets[name].Completed
}

// UpdateTarget applies fn to the progress of name under the state lock and
// stamps it. Completion is terminal: fn cannot clear it.
func (s *Store) UpdateTarget(name string, fn func(*TargetProgress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tp := s.targets[name]
	wasCompleted := tp.Completed
	fn(&tp)
	if wasCompleted {
		tp.Completed = true
	}
	tp.Timestamp = s.clock.Now().Format(time.RFC3339)
	s.targets[name] = tp
}

// ForgetTarget drops the progress entry of name. URL sets are untouched.
func (s *Store) ForgetTarget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.targets, name)
}

// Summary returns counts and a copy of the per-target progress.
func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	targets := make(map[string]TargetProgress, len(s.targets))
	for name, tp := range s.targets {
		tp.Frontier = nil
		targets[name] = tp
	}
	return Summary{
		Processed:          len(s.processed),
		Failed:             len(s.failed),
		DocHashes:          len(s.docHashes),
		TotalDataSize:      s.total,
		CurrentRunDataSize: s.current,
		Targets:            targets,
		RunID:              s.runID,
		Timestamp:          s.updated,
	}
}

// Save writes the full state atomically: a temp file in the same directory
// is synced and renamed over the previous state.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	data, err := json.MarshalIndent(s.snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func (s *Store) snapshot() record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = s.clock.Now().Format(time.RFC3339)
	targets := make(map[string]TargetProgress, len(s.targets))
	for name, tp := range s.targets {
		tp.Frontier = append([]crawler.FrontierEntry(nil), tp.Frontier...)
		targets[name] = tp
	}
	return record{
		ProcessedURLs:      sortedKeys(s.processed),
		FailedURLs:         sortedKeys(s.failed),
		DocHashes:          sortedKeys(s.docHashes),
		TotalDataSize:      s.total,
		CurrentRunDataSize: s.current,
		Targets:            targets,
		RunID:              s.runID,
		Timestamp:          s.updated,
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
