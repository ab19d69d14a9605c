package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/state"
	"github.com/JakeFAU/harvester/internal/supervisor"
	"github.com/JakeFAU/harvester/internal/targets"
)

type testEnv struct {
	dir     string
	cfgFile string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "harvester.yaml")
	body := fmt.Sprintf(`paths:
  targets_file: %[1]s/targets.yaml
  state_file: %[1]s/state.json
  output_dir: %[1]s/scraped
  pid_file: %[1]s/harvester.pid
organize:
  output_dir: %[1]s/training
expand:
  progress_dir: %[1]s
`, dir)
	require.NoError(t, os.WriteFile(cfgFile, []byte(body), 0o600))
	return testEnv{dir: dir, cfgFile: cfgFile}
}

func (e testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.cfgFile}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTargetCommands(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	out, err := env.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no targets")

	_, err = env.run(t, "add", "--name", "Alpha", "--url", "https://alpha.example/")
	require.NoError(t, err)
	_, err = env.run(t, "add", "--name", "Beta", "--url", "https://beta.example/news", "--type", "news")
	require.NoError(t, err)

	out, err = env.run(t, "list")
	require.NoError(t, err)
	assert.Equal(t, "01. Alpha -> https://alpha.example/\n02. Beta -> https://beta.example/news\n", out)

	_, err = env.run(t, "add", "--name", "Again", "--url", "https://alpha.example")
	require.ErrorIs(t, err, targets.ErrDuplicate)

	out, err = env.run(t, "remove", "--url", "https://alpha.example/")
	require.NoError(t, err)
	assert.Contains(t, out, "removed Alpha")

	_, err = env.run(t, "remove", "--url", "https://missing.example/")
	require.ErrorIs(t, err, targets.ErrNotFound)

	list, err := targets.Open(filepath.Join(env.dir, "targets.yaml")).List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "news", list[0].Type)
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.run(t, "add", "--name", "alpha", "--url", "https://alpha.example/")
	require.NoError(t, err)
	_, err = env.run(t, "add", "--name", "beta", "--url", "https://beta.example/")
	require.NoError(t, err)

	store, err := state.Open(filepath.Join(env.dir, "state.json"), nil)
	require.NoError(t, err)
	store.AddBytes(3 * bytesPerGB / 2)
	store.MarkProcessed("https://alpha.example/")
	store.UpdateTarget("alpha", func(tp *state.TargetProgress) { tp.Completed = true })
	require.NoError(t, store.Save())

	training := filepath.Join(env.dir, "training")
	require.NoError(t, os.MkdirAll(training, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(training, "samples.jsonl"), []byte("{}\n{}\n"), 0o600))

	out, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Crawler: STOPPED")
	assert.Contains(t, out, "Total Data Collected: 1.50 GB")
	assert.Contains(t, out, "Current Run Data: 1.50 GB")
	assert.Contains(t, out, "Processed URLs: 1 (failed: 0)")
	assert.Contains(t, out, "Targets Completed: 1/2")
	assert.Contains(t, out, "Training Data Files: 1")
	assert.Contains(t, out, "samples.jsonl: 2 records")
	assert.NotContains(t, out, "Last Update: never")
}

func TestStopWhenNotRunning(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	out, err := env.run(t, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "not running")
}

func TestOrganizeWithoutCommand(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.run(t, "organize")
	require.ErrorIs(t, err, supervisor.ErrNoOrganizeCommand)
}

func TestCrawlWithoutTargetsIsNoop(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.run(t, "crawl", "--fresh")
	require.NoError(t, err)
}

func TestCrawlWithoutCredentialsFailsFast(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.run(t, "add", "--name", "alpha", "--url", "https://alpha.example/")
	require.NoError(t, err)

	_, err = env.run(t, "crawl")
	require.ErrorIs(t, err, crawler.ErrMissingCredentials)
	_, statErr := os.Stat(filepath.Join(env.dir, "state.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExpandEstimate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.run(t, "add", "--name", "alpha", "--url", "https://alpha.example/")
	require.NoError(t, err)
	_, err = env.run(t, "add", "--name", "beta", "--url", "https://beta.example/")
	require.NoError(t, err)

	out, err := env.run(t, "expand", "--estimate", "--max-urls-per-target", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "Shard 0/1: 2 targets, 20 URLs")

	out, err = env.run(t, "expand", "--estimate", "--max-urls-per-target", "10", "--num-shards", "2", "--shard-id", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Shard 1/2: 1 targets, 10 URLs")

	_, err = env.run(t, "expand", "--num-shards", "2", "--shard-id", "2")
	require.Error(t, err)
}

func TestCrawlOptions(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)

	opts := crawlOptions{fresh: true, fast: true, concurrency: 8, targetsConcurrency: 2}
	got := opts.apply(cfg)
	assert.True(t, got.Crawler.Fast)
	assert.Equal(t, 8, got.Crawler.Workers())
	assert.Equal(t, 2, got.Crawler.TargetsConcurrency)

	assert.Equal(t,
		[]string{"crawl", "--config", "h.yaml", "--fast", "--concurrency", "8", "--targets-concurrency", "2"},
		opts.childArgs("h.yaml"),
	)
	assert.Equal(t, []string{"crawl"}, crawlOptions{fresh: true}.childArgs(""))

	plain := crawlOptions{}.apply(cfg)
	assert.Equal(t, 1, plain.Crawler.Workers())
}

func TestShardStatePath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, filepath.Join("data", "crawl_state_shard_3.json"), shardStatePath(filepath.Join("data", "crawl_state.json"), 3))
	assert.Equal(t, "state_shard_0", shardStatePath("state", 0))
}
