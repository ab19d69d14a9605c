package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := map[string]string{
		"samples.json":      `{"training_samples":[{"a":1},{"a":2},{"a":3}]}`,
		"list.json":         `[1,2]`,
		"single.json":       `{"name":"x"}`,
		"lines.jsonl":       "{\"a\":1}\n\n{\"a\":2}\n   \n{\"a\":3}\n",
		"notes.txt":         "ignored",
		"nested/more.jsonl": "{}\n",
	}
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}

	counts, err := CountRecords(dir)
	require.NoError(t, err)
	assert.Equal(t, []FileCount{
		{Path: "lines.jsonl", Records: 3},
		{Path: "list.json", Records: 2},
		{Path: filepath.Join("nested", "more.jsonl"), Records: 1},
		{Path: "samples.json", Records: 3},
		{Path: "single.json", Records: 1},
	}, counts)
}

func TestCountRecordsMissingDir(t *testing.T) {
	t.Parallel()

	counts, err := CountRecords(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestCountRecordsBadJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o600))
	_, err := CountRecords(dir)
	require.Error(t, err)
}

func TestOrganize(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, Organize(context.Background(), nil, time.Second, nil), ErrNoOrganizeCommand)
	require.NoError(t, Organize(context.Background(), []string{"sh", "-c", "exit 0"}, time.Second, nil))
	require.Error(t, Organize(context.Background(), []string{"sh", "-c", "exit 3"}, time.Second, nil))

	err := Organize(context.Background(), []string{"sleep", "5"}, 50*time.Millisecond, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
