package supervisor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileCount is the number of records in one output file.
type FileCount struct {
	Path    string
	Records int
}

// CountRecords walks dir and counts records in every .json and .jsonl file.
// A missing directory yields no counts.
func CountRecords(dir string) ([]FileCount, error) {
	var counts []FileCount
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		var n int
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			n, err = countJSON(path)
		case ".jsonl":
			n, err = countJSONL(path)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		counts = append(counts, FileCount{Path: rel, Records: n})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count records in %s: %w", dir, err)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Path < counts[j].Path })
	return counts, nil
}

func countJSON(path string) (int, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- walking our own output dir.
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return 0, fmt.Errorf("decode %s: %w", path, err)
		}
		return len(items), nil
	}
	var doc struct {
		TrainingSamples []json.RawMessage `json:"training_samples"`
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}
	if doc.TrainingSamples != nil {
		return len(doc.TrainingSamples), nil
	}
	return 1, nil
}

func countJSONL(path string) (int, error) {
	f, err := os.Open(path) // #nosec G304 -- walking our own output dir.
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			n++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan %s: %w", path, err)
	}
	return n, nil
}
