package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shippedScenarios = "../harness/testdata/scenarios"

// copyScenario copies a shipped scenario into dir and returns its path.
func copyScenario(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(shippedScenarios, name+".yaml"))
	require.NoError(t, err)
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runCommand(t, NewTestCommand, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestTestCommandNonExistentPath(t *testing.T) {
	_, err := runCommand(t, NewTestCommand, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenario path not found")
}

func TestTestCommandEmptyDir(t *testing.T) {
	out, err := runCommand(t, NewTestCommand, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")

	out, err = runCommand(t, NewTestCommand, "json", t.TempDir())
	require.NoError(t, err)
	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.Data.Total)
}

func TestTestCommandShippedScenarios(t *testing.T) {
	out, err := runCommand(t, NewTestCommand, "text", shippedScenarios)
	require.NoError(t, err, "output: %s", out)
	assert.Contains(t, out, "\u2713 scenario_a")
	assert.Contains(t, out, "\u2713 scenario_d")
	assert.Contains(t, out, "0 failed")
}

func TestTestCommandFilter(t *testing.T) {
	out, err := runCommand(t, NewTestCommand, "json", shippedScenarios, "--filter", "scenario_*")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 4, resp.Data.Total)
	assert.Equal(t, 4, resp.Data.Passed)
}

func TestTestCommandSingleFile(t *testing.T) {
	out, err := runCommand(t, NewTestCommand, "text", filepath.Join(shippedScenarios, "offline_queue.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandGoldenUpdateAndCompare(t *testing.T) {
	dir := t.TempDir()
	path := copyScenario(t, dir, "scenario_a")
	goldenPath := filepath.Join(dir, "golden", "scenario_a.golden")

	out, err := runCommand(t, NewTestCommand, "text", dir, "--update")
	require.NoError(t, err, "output: %s", out)
	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"name":"scenario_a"`)

	// golden/ is skipped when walking
	out, err = runCommand(t, NewTestCommand, "text", dir)
	require.NoError(t, err, "output: %s", out)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")

	require.NoError(t, os.WriteFile(goldenPath, []byte(`{"messages":[],"name":"scenario_a"}`), 0o644))
	out, err = runCommand(t, NewTestCommand, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "\u2717 scenario_a")
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(`
name: wrong
description: "Expects a confirmation that never happens"
owner: alice
steps:
  - create: { key: m1, content: "hello" }
assertions:
  - record: { key: m1, status: confirmed }
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [\n"), 0o644))

	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 2, resp.Data.Failed)
	require.Len(t, resp.Data.Scenarios, 2)

	byName := map[string]ScenarioResult{}
	for _, s := range resp.Data.Scenarios {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "broken.yaml")
	assert.Contains(t, byName["broken.yaml"].Errors[0], "failed to load scenario")
	require.Contains(t, byName, "wrong")
	assert.Contains(t, byName["wrong"].Errors[0], "status pending, want confirmed")
}

func TestExecute_FailingTestIsQuiet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(`
name: wrong
description: "Count mismatch"
owner: alice
steps:
  - create: { content: "hello" }
assertions:
  - count: 2
`), 0o644))

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	code := Execute([]string{"--format", "json", "test", dir}, stdout, stderr)
	assert.Equal(t, ExitFailure, code)

	// exactly one JSON document: the test report
	dec := json.NewDecoder(stdout)
	var first CLIResponse
	require.NoError(t, dec.Decode(&first))
	assert.Equal(t, "error", first.Status)
	assert.False(t, dec.More())
}
