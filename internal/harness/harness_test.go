package harness

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/carrier/internal/model"
)

func intPtr(n int) *int { return &n }

// safeBuffer is written by engine goroutines and read by the test.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(w *safeBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRun_ShippedScenarios(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := Run(context.Background(), scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRunWithGolden_ScenarioA(t *testing.T) {
	result, err := RunWithGolden(t, loadTestScenario(t, "scenario_a"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunWithGolden_ScenarioD(t *testing.T) {
	result, err := RunWithGolden(t, loadTestScenario(t, "scenario_d"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_FailingAssertionsAreReported(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_expectations",
		Description: "Assertions that do not hold",
		Owner:       "alice",
		Steps: []Step{
			{Kind: StepCreate, Create: &CreateStep{Key: "m1", Content: "hello"}},
		},
		Assertions: []Assertion{
			{Count: intPtr(2)},
			{Record: &RecordAssertion{Key: "m1", Status: "confirmed"}},
			{RemoteCount: intPtr(0)},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "assertions[0]")
	assert.Contains(t, result.Errors[1], "status pending, want confirmed")

	// Offline, so the draft stays local
	require.Len(t, result.Messages, 1)
	assert.Equal(t, model.DraftID("m1"), result.Messages[0].ID)
	assert.Empty(t, result.RemoteRecords)
}

func TestRun_StepErrorsAreReported(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_steps",
		Description: "Steps that fail",
		Owner:       "alice",
		Steps: []Step{
			{Kind: StepCatchUp},
			{Kind: StepRetry, Key: "missing"},
		},
		Assertions: []Assertion{{Count: intPtr(0)}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "steps[0] (catch_up)")
	assert.Contains(t, result.Errors[1], "steps[1] (retry)")
}

func TestRun_ForeignWithoutTimeUsesClock(t *testing.T) {
	scenario := &Scenario{
		Name:           "foreign_clock",
		Description:    "Foreign records written with the scenario clock",
		Owner:          "alice",
		StartReachable: true,
		Steps: []Step{
			{Kind: StepCreate, Create: &CreateStep{Content: "local"}},
			{Kind: StepForeign, Foreign: &ForeignStep{Key: "f1", Content: "remote"}},
			{Kind: StepCatchUp},
		},
		Assertions: []Assertion{
			{Order: []string{"m1", "f1"}},
			{RemoteCount: intPtr(2)},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Messages, 2)
	assert.True(t, result.Messages[0].ClientCreatedAt.Before(result.Messages[1].ClientCreatedAt))
}

func TestRun_WithLogger(t *testing.T) {
	var buf safeBuffer
	scenario := loadTestScenario(t, "scenario_a")

	result, err := Run(context.Background(), scenario, WithLogger(newTestLogger(&buf)))
	require.NoError(t, err)
	assert.True(t, result.Pass)
	assert.Contains(t, buf.String(), "scenario=scenario_a")
	assert.Contains(t, buf.String(), "draft confirmed")
}

func TestGoldenFiles(t *testing.T) {
	dir := t.TempDir()
	scenarioFile := filepath.Join(dir, "flow.yaml")
	path := GoldenPath(scenarioFile)
	assert.Equal(t, filepath.Join(dir, "golden", "flow.golden"), path)

	scenario := loadTestScenario(t, "scenario_a")
	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	_, err = CompareGolden(path, scenario, result)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, UpdateGolden(path, scenario, result))
	match, err := CompareGolden(path, scenario, result)
	require.NoError(t, err)
	assert.True(t, match)

	// Trailing newline from an editor is tolerated
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, '\n'), 0o644))
	match, err = CompareGolden(path, scenario, result)
	require.NoError(t, err)
	assert.True(t, match)

	require.NoError(t, os.WriteFile(path, []byte(`{"messages":[],"name":"scenario_a"}`), 0o644))
	match, err = CompareGolden(path, scenario, result)
	require.NoError(t, err)
	assert.False(t, match)
}
