package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/convoy/pkg/runboard"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `version: "1.0"
trigger:
  owner: maidsafe
platforms:
  - {os: linux, arch: x86_64, linkage: musl, triple: x86_64-unknown-linux-musl}
products:
  - name: safe
build:
  driver: local
  command: ["make"]
registry:
  versions_command: ["release-tool", "versions"]
  plan_command: ["release-tool", "plan"]
  publish_command: ["release-tool", "publish", "{product}"]
release_host:
  repository: maidsafe/safe_network
storage:
  endpoint: localhost:9000
  bucket: releases
`

// execute runs the root command with fresh flag state and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	gateEvent = eventFlags{kind: "push"}
	gateOutput = "default"
	runsInstance, runsOutput, runsSince, runsUntil, runsBranch, runsStatus = "", "default", "", "", "", ""
	runsLimit = 50
	upInstance, downInstance = "", ""
	initForce = false
	runVerbose = false

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	return buf.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	out, err := execute(t)
	assert.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "convoy")
	for _, sub := range []string{"init", "run", "gate", "runs", "watch", "up", "down", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	testRoot := &cobra.Command{
		Use:                "convoy",
		RunE:               func(cmd *cobra.Command, args []string) error { return cmd.Help() },
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
	}
	testRoot.SetArgs([]string{"--unknown-flag", "value"})
	testRoot.SetOut(new(bytes.Buffer))
	testRoot.SetErr(new(bytes.Buffer))

	err := testRoot.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "abc", "today")
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "convoy 1.2.3 (commit: abc, built: today)\n", out)
}

func TestGate_PushPayload(t *testing.T) {
	cfg := writeFile(t, "convoy.yml", testConfig)
	event := writeFile(t, "push.json", `{
	  "ref": "refs/heads/stable-1",
	  "repository": {"owner": {"login": "maidsafe"}},
	  "head_commit": {"id": "abc", "message": "chore(release): safe v0.83.1"}
	}`)

	out, err := execute(t, "gate", "--config", cfg, "--event", event, "-o", "json")
	require.NoError(t, err)

	var res gateResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Proceed)
	assert.Equal(t, "stable", res.Class)
	assert.True(t, res.Public)
	assert.False(t, res.Draft)
}

func TestGate_ManualDispatch(t *testing.T) {
	cfg := writeFile(t, "convoy.yml", testConfig)

	out, err := execute(t, "gate", "--config", cfg, "--ref", "alpha-2", "--mode", "restricted-mode-X", "-o", "json")
	require.NoError(t, err)

	var res gateResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Proceed)
	assert.Equal(t, "manual", res.Kind)
	assert.Equal(t, "refs/heads/alpha-2", res.Ref)
	assert.Equal(t, "restricted-mode-X", res.Mode)
	assert.False(t, res.Public)
	assert.True(t, res.Draft)
}

func TestGate_ForeignOwnerSkipped(t *testing.T) {
	cfg := writeFile(t, "convoy.yml", testConfig)

	out, err := execute(t, "gate", "--config", cfg, "--ref", "stable-1", "--owner", "fork", "-o", "json")
	require.NoError(t, err)

	var res gateResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Proceed)
	assert.NotEmpty(t, res.Reason)
}

func TestGate_PushFromCheckout(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	cfg := writeFile(t, "convoy.yml", testConfig)
	repo := t.TempDir()
	gitCmd := func(args ...string) {
		c := exec.Command("git", args...)
		c.Dir = repo
		c.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := c.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	gitCmd("init", "-q")
	gitCmd("checkout", "-q", "-b", "stable-1")
	gitCmd("commit", "-q", "--allow-empty", "-m", "chore(release): safe-v0.83.1")
	t.Chdir(repo)

	out, err := execute(t, "gate", "--config", cfg, "--push", "-o", "json")
	require.NoError(t, err)

	var res gateResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Proceed)
	assert.Equal(t, "push", res.Kind)
	assert.Equal(t, "refs/heads/stable-1", res.Ref)

	gitCmd("commit", "-q", "--allow-empty", "-m", "fix: typo")
	out, err = execute(t, "gate", "--config", cfg, "--push", "-o", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Proceed)
}

func TestGate_MissingConfig(t *testing.T) {
	_, err := execute(t, "gate", "--config", filepath.Join(t.TempDir(), "missing.yml"), "--ref", "stable-1")
	require.Error(t, err)
	assert.Equal(t, "convoy.yml not found", err.Error())
}

func TestRuns_ListsFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("CONVOY_INSTANCE_NAME", "ci")

	client, err := runboard.NewClient(&redis.Options{Addr: mr.Addr()}, "ci")
	require.NoError(t, err)
	defer client.Close()

	run := &runboard.Run{
		ID:          uuid.New().String(),
		Ref:         "refs/heads/stable-1",
		Trigger:     "push",
		Class:       "stable",
		Status:      runboard.StatusPending,
		Stage:       runboard.StageSerialize,
		StartedAtMs: time.Now().UnixMilli(),
	}
	require.NoError(t, client.CreateRun(context.Background(), run))

	out, err := execute(t, "runs", "-o", "jsonl")
	require.NoError(t, err)
	assert.Contains(t, out, run.ID)

	out, err = execute(t, "runs", run.ID[:8])
	require.NoError(t, err)
	assert.Contains(t, out, `"ref": "refs/heads/stable-1"`)

	_, err = execute(t, "runs", "--status", "exploded")
	assert.Error(t, err)
}

func TestRuns_RequiresRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	_, err := execute(t, "runs")
	require.Error(t, err)
	assert.Equal(t, "REDIS_URL is not set", err.Error())
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	out, err := execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "convoy.yml")
	assert.FileExists(t, filepath.Join(dir, "convoy.yml"))

	_, err = execute(t, "init")
	assert.ErrorContains(t, err, "project already initialized")

	_, err = execute(t, "init", "--force")
	assert.NoError(t, err)
}
