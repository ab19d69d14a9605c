package expander

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Progress is the resumable position of one shard.
type Progress struct {
	RequestCount    int      `json:"request_count"`
	ProcessedURLs   []string `json:"processed_urls"`
	FailedURLs      []string `json:"failed_urls"`
	LastTargetIndex int      `json:"last_target_index"`
	Timestamp       string   `json:"timestamp"`
}

// ProgressPath returns the shard-tagged progress file under dir.
func ProgressPath(dir string, shardID int) string {
	return filepath.Join(dir, fmt.Sprintf("expand_progress_shard_%d.json", shardID))
}

// LoadProgress reads a progress file; a missing file is empty progress.
func LoadProgress(path string) (Progress, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Progress{}, nil
		}
		return Progress{}, fmt.Errorf("read expand progress: %w", err)
	}
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return Progress{}, fmt.Errorf("decode expand progress %s: %w", path, err)
	}
	return p, nil
}

// SaveProgress writes p atomically.
func SaveProgress(path string, p Progress) error {
	sort.Strings(p.ProcessedURLs)
	sort.Strings(p.FailedURLs)
	if p.ProcessedURLs == nil {
		p.ProcessedURLs = []string{}
	}
	if p.FailedURLs == nil {
		p.FailedURLs = []string{}
	}
	if p.Timestamp == "" {
		p.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode expand progress: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".expand-progress-*.json")
	if err != nil {
		return fmt.Errorf("create temp progress: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close progress: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace progress: %w", err)
	}
	return nil
}
