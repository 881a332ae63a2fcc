package output

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/flock"
	"github.com/wesleyorama2/mobu/internal/metrics"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{" yaml ", FormatYAML, false},
		{"junit", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func testSummaries() []flock.Summary {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []flock.Summary{
		{Name: "lab", Business: "JupyterPythonLoop", StartTime: &start, MonkeyCount: 10, SuccessCount: 42, FailureCount: 3},
		{Name: "idle", Business: "Empty", MonkeyCount: 2},
	}
}

func TestFormatSummariesText(t *testing.T) {
	out, err := NewFormatter(FormatText, true).FormatSummaries(testSummaries())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "FLOCK"))
	assert.Contains(t, lines[1], "JupyterPythonLoop")
	assert.Contains(t, lines[1], "2026-03-01T12:00:00Z")
	assert.True(t, strings.HasSuffix(lines[2], "-"))

	// Columns line up on the plain text.
	if idx := strings.Index(lines[0], "BUSINESS"); idx != strings.Index(lines[1], "JupyterPythonLoop") {
		t.Errorf("BUSINESS column at %d, value at %d", idx, strings.Index(lines[1], "JupyterPythonLoop"))
	}
}

func TestFormatSummariesEmpty(t *testing.T) {
	out, err := NewFormatter(FormatText, true).FormatSummaries(nil)
	require.NoError(t, err)
	assert.Equal(t, "ℹ No flocks running\n", out)

	out, err = NewFormatter(FormatJSON, true).FormatSummaries(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestFormatSummariesStructured(t *testing.T) {
	out, err := NewFormatter(FormatJSON, false).FormatSummaries(testSummaries())
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "lab", decoded[0]["name"])
	assert.EqualValues(t, 42, decoded[0]["success_count"])
	assert.Nil(t, decoded[1]["start_time"])

	out, err = NewFormatter(FormatYAML, false).FormatSummaries(testSummaries())
	require.NoError(t, err)
	var fromYAML []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &fromYAML))
	assert.Equal(t, 3, fromYAML[0]["failure_count"])
}

func TestFormatSolitary(t *testing.T) {
	f := NewFormatter(FormatText, true)

	out, err := f.FormatSolitary(&flock.SolitaryResult{Success: true, Log: "2026-03-01 12:00:00 INF executed code"})
	require.NoError(t, err)
	assert.Equal(t, "✓ Solitary run succeeded\n\nLog\n2026-03-01 12:00:00 INF executed code\n", out)

	out, err = f.FormatSolitary(&flock.SolitaryResult{Error: "spawn failed"})
	require.NoError(t, err)
	assert.Equal(t, "✗ Solitary run failed\nError: spawn failed\n", out)

	out, err = NewFormatter(FormatJSON, true).FormatSolitary(&flock.SolitaryResult{Success: true, Log: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success": true, "log": "x"}`, out)
}

func TestFormatEventStats(t *testing.T) {
	engine := metrics.NewEngine()
	engine.RecordDuration("execute_code", 120*time.Millisecond, true)
	engine.RecordDuration("execute_code", 80*time.Millisecond, false)
	engine.RecordDuration("create_session", 2*time.Second, true)
	snap := engine.GetSnapshot()

	out, err := NewFormatter(FormatText, true).FormatEventStats("lab", snap)
	require.NoError(t, err)
	assert.Contains(t, out, "Events for flock lab\n")
	assert.Contains(t, out, "Total: 3 events, 1 failed")

	lines := strings.Split(out, "\n")
	var rows []string
	for _, l := range lines {
		if strings.HasPrefix(l, "create_session") || strings.HasPrefix(l, "execute_code") {
			rows = append(rows, l)
		}
	}
	require.Len(t, rows, 2)
	assert.True(t, strings.HasPrefix(rows[0], "create_session"), "rows sorted by event name")

	report := NewEventReport("lab", snap)
	require.Len(t, report.Events, 2)
	assert.Equal(t, "execute_code", report.Events[1].Event)
	assert.EqualValues(t, 2, report.Events[1].Count)
	assert.EqualValues(t, 1, report.Events[1].Failures)
}

func TestFormatEventStatsEmpty(t *testing.T) {
	out, err := NewFormatter(FormatText, true).FormatEventStats("lab", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "No events recorded")

	out, err = NewFormatter(FormatYAML, true).FormatEventStats("lab", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "events: []")
}

func TestFormatValidation(t *testing.T) {
	f := NewFormatter(FormatText, true)
	assert.Equal(t, "✓ flock.yaml is valid\n", f.FormatValidation("flock.yaml", nil))

	verrs := &config.ValidationErrors{}
	verrs.Add("count", "must be positive")
	verrs.Add("", "users and user_spec are exclusive")
	out := f.FormatValidation("flock.yaml", verrs)
	assert.Equal(t, "✗ flock.yaml is invalid\n  count: must be positive\n  users and user_spec are exclusive\n", out)

	out = f.FormatValidation("flock.yaml", errors.New("boom"))
	assert.Equal(t, "✗ flock.yaml is invalid\n  boom\n", out)
}

func TestColorSchemes(t *testing.T) {
	for name, scheme := range map[string]*ColorScheme{
		"default": DefaultColorScheme(),
		"none":    NoColorScheme(),
	} {
		if scheme.Heading == nil || scheme.Label == nil || scheme.Success == nil || scheme.Error == nil {
			t.Errorf("%s scheme has nil colors", name)
		}
	}
	if got := NoColorScheme().Error.Sprint("x"); got != "x" {
		t.Errorf("NoColorScheme().Error.Sprint() = %q, want %q", got, "x")
	}
}

func TestIcons(t *testing.T) {
	if got := SuccessIcon(true); got != "✓" {
		t.Errorf("SuccessIcon(true) = %q, want %q", got, "✓")
	}
	if got := ErrorIcon(true); got != "✗" {
		t.Errorf("ErrorIcon(true) = %q, want %q", got, "✗")
	}
	if got := WarningIcon(true); got != "⚠" {
		t.Errorf("WarningIcon(true) = %q, want %q", got, "⚠")
	}
}

func TestUseColor(t *testing.T) {
	if UseColor(nil, false) {
		t.Error("UseColor(nil) = true, want false")
	}
	t.Setenv("NO_COLOR", "1")
	if UseColor(nil, false) {
		t.Error("UseColor with NO_COLOR = true, want false")
	}
}
