package cli

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/mobu/internal/alert"
	"github.com/wesleyorama2/mobu/internal/api"
	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/flock"
	"github.com/wesleyorama2/mobu/internal/jupyter/jupytertest"
	"github.com/wesleyorama2/mobu/internal/users"
)

const validFlock = `
name: lab
count: 3
user_spec:
  username_prefix: bot-mobu-cli
scopes: ["exec:notebook"]
business:
  type: Empty
  options:
    idle_time: 5ms
`

const invalidFlock = `
name: lab
count: 0
scopes: ["exec:notebook"]
business:
  type: Empty
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// run executes the command tree with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	good := writeFile(t, "good.yaml", validFlock)
	bad := writeFile(t, "bad.yaml", invalidFlock)

	out, err := run(t, "validate", good)
	require.NoError(t, err)
	assert.Equal(t, "✓ "+good+" is valid\n", out)

	out, err = run(t, "validate", good, bad)
	require.Error(t, err)
	assert.Equal(t, "1 of 2 files invalid", err.Error())
	assert.Contains(t, out, "✗ "+bad+" is invalid")
	assert.Contains(t, out, "count")
}

func TestValidateAutostartAndSolitary(t *testing.T) {
	list := writeFile(t, "autostart.yaml", "- "+strings.ReplaceAll(strings.TrimPrefix(validFlock, "\n"), "\n", "\n  "))
	out, err := run(t, "validate", "--autostart", list)
	require.NoError(t, err, out)

	solitary := writeFile(t, "run.yaml", `
user:
  username: bot-mobu-solitary
scopes: ["exec:notebook"]
business:
  type: Empty
`)
	_, err = run(t, "validate", "--solitary", solitary)
	require.NoError(t, err)

	_, err = run(t, "validate", "--solitary", "--autostart", solitary)
	assert.Error(t, err)
}

func TestFormatFlag(t *testing.T) {
	good := writeFile(t, "good.yaml", validFlock)
	_, err := run(t, "validate", "--format", "junit", good)
	assert.ErrorContains(t, err, "unknown output format")
}

func TestSolitaryCommand(t *testing.T) {
	hub := jupytertest.New()
	defer hub.Close()

	t.Setenv("MOBU_ENVIRONMENT_URL", hub.URL())
	t.Setenv("MOBU_STATIC_TOKEN", jupytertest.TokenPrefix+"bot-mobu-solitary")

	doc := writeFile(t, "run.yaml", `
user:
  username: bot-mobu-solitary
scopes: ["exec:notebook"]
business:
  type: JupyterPythonLoop
  options:
    spawn_settle_time: 0
    execution_idle_time: 0
    max_executions: 1
`)

	out, err := run(t, "solitary", "--format", "json", doc)
	require.NoError(t, err)
	assert.Contains(t, out, `"success": true`)
	assert.Contains(t, out, "executed code")

	hub.FailSpawn = true
	out, err = run(t, "solitary", doc)
	assert.ErrorIs(t, err, errRunFailed)
	assert.Contains(t, out, "✗ Solitary run failed")
}

func TestSolitaryRequiresSettings(t *testing.T) {
	t.Setenv("MOBU_ENVIRONMENT_URL", "")
	doc := writeFile(t, "run.yaml", "user: {username: x}\nscopes: [a]\nbusiness: {type: Empty}\n")
	_, err := run(t, "solitary", doc)
	var verrs *config.ValidationErrors
	require.ErrorAs(t, err, &verrs)
}

func TestLoadSettings(t *testing.T) {
	path := writeFile(t, "settings.yaml", `
environment_url: https://data.example.com
admin_token: admin
concurrency_limit: 5
`)
	t.Setenv("MOBU_CONCURRENCY_LIMIT", "7")

	settings, err := loadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "https://data.example.com", settings.EnvironmentURL)
	assert.Equal(t, 7, settings.ConcurrencyLimit)
	assert.Equal(t, config.DefaultListenAddress, settings.ListenAddress)

	opts := flockOptions(settings)
	assert.IsType(t, &users.TokenIssuer{}, opts.Issuer)
	assert.IsType(t, alert.Discard{}, opts.Alerts)
	assert.Equal(t, config.DefaultErrorPause, opts.ErrorPause)

	settings.StaticToken = "static"
	settings.AlertHook = "https://hooks.example.com/x"
	opts = flockOptions(settings)
	assert.Equal(t, users.StaticIssuer{Token: "static"}, opts.Issuer)
	assert.IsType(t, &alert.Slack{}, opts.Alerts)

	_, err = loadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestServeAutostartAndShutdown(t *testing.T) {
	autostart := writeFile(t, "autostart.yaml", "- "+strings.ReplaceAll(strings.TrimPrefix(validFlock, "\n"), "\n", "\n  "))
	manager := flock.NewManager(flock.Options{
		Issuer: users.StaticIssuer{Token: "token"},
		Output: io.Discard,
	}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, manager, autostart, "127.0.0.1:0")
	}()

	require.Eventually(t, func() bool {
		return len(manager.ListFlocks()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	f, err := manager.GetFlock("lab")
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
	assert.Empty(t, manager.ListFlocks())
	for _, m := range f.Dump().Monkeys {
		assert.Equal(t, "STOPPED", string(m.State))
	}
}

func TestServeBadAutostart(t *testing.T) {
	manager := flock.NewManager(flock.Options{Issuer: users.StaticIssuer{Token: "t"}, Output: io.Discard}, 0)
	err := serve(context.Background(), manager, filepath.Join(t.TempDir(), "missing.yaml"), "127.0.0.1:0")
	assert.ErrorContains(t, err, "autostart")
}

func TestStatusCommand(t *testing.T) {
	manager := flock.NewManager(flock.Options{Issuer: users.StaticIssuer{Token: "t"}, Output: io.Discard}, 0)
	defer manager.Close(context.Background())
	srv := httptest.NewServer(api.New(manager).Handler())
	defer srv.Close()

	out, err := run(t, "status", "--server", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ℹ No flocks running\n", out)

	cfg, err := config.ParseFlock([]byte(validFlock), "flock.yaml")
	require.NoError(t, err)
	_, err = manager.StartFlock(context.Background(), *cfg)
	require.NoError(t, err)

	out, err = run(t, "status", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "FLOCK")
	assert.Contains(t, out, "lab")

	require.Eventually(t, func() bool {
		out, err := run(t, "status", "--server", srv.URL, "--flock", "lab")
		return err == nil && strings.Contains(out, "idle")
	}, 5*time.Second, 20*time.Millisecond)

	_, err = run(t, "status", "--server", srv.URL, "--flock", "missing")
	assert.ErrorContains(t, err, "status 404")
}
