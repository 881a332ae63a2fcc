package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wesleyorama2/mobu/internal/users"
)

func TestParseDurationString(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"30s", 30 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"30", 30 * time.Second, false},
		{"1.5", 1500 * time.Millisecond, false},
		{"soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDurationString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDurationString(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDurationString(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestDurationJSON(t *testing.T) {
	var v struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a": "2m", "b": 15}`), &v); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if v.A.D() != 2*time.Minute || v.B.D() != 15*time.Second {
		t.Errorf("got a=%v b=%v", v.A, v.B)
	}
	out, _ := json.Marshal(v.A)
	if string(out) != `"2m0s"` {
		t.Errorf("Marshal() = %s", out)
	}
}

const yamlFlock = `
name: basic
count: 12
user_spec:
  username_prefix: bot-mobu-user
  uid_start: 60000
scopes: ["exec:notebook"]
restart: true
business:
  type: JupyterPythonLoop
  options:
    max_executions: 3
    idle_time: 5
    spawn_settle_time: 2s
    image:
      class: latest-weekly
`

func TestParseFlockYAMLAppliesDefaults(t *testing.T) {
	c, err := ParseFlock([]byte(yamlFlock), "flock.yaml")
	if err != nil {
		t.Fatalf("ParseFlock() error = %v", err)
	}

	o := c.Business.Options
	if o.MaxExecutions != 3 {
		t.Errorf("MaxExecutions = %d, want 3", o.MaxExecutions)
	}
	if o.IdleTime.D() != 5*time.Second {
		t.Errorf("IdleTime = %v, want 5s", o.IdleTime)
	}
	if o.SpawnSettleTime.D() != 2*time.Second {
		t.Errorf("SpawnSettleTime = %v, want 2s", o.SpawnSettleTime)
	}
	if o.SpawnTimeout.D() != 610*time.Second {
		t.Errorf("SpawnTimeout = %v, want default 610s", o.SpawnTimeout)
	}
	if !o.DeleteLab || !o.GetNode {
		t.Errorf("DeleteLab/GetNode defaults lost: %v/%v", o.DeleteLab, o.GetNode)
	}
	if o.Code != "print(2+2)" || o.KernelName != "LSST" || o.URLPrefix != "/nb/" {
		t.Errorf("string defaults lost: %+v", o)
	}
	if o.Image.Class != ImageClassLatestWeekly || o.Image.Size != "Large" {
		t.Errorf("Image = %+v", o.Image)
	}

	population := c.Population()
	if len(population) != 12 {
		t.Fatalf("len(Population()) = %d, want 12", len(population))
	}
	if population[0].Username != "bot-mobu-user01" || *population[11].UID != 60011 {
		t.Errorf("Population() first=%s last uid=%d", population[0].Username, *population[11].UID)
	}
}

func TestParseFlockJSON(t *testing.T) {
	doc := `{
		"name": "explicit",
		"count": 2,
		"users": [{"username": "a", "uidnumber": 1000}, {"username": "b"}],
		"scopes": ["exec:notebook"],
		"business": {"type": "Empty", "options": {"idle_time": "1s"}}
	}`
	c, err := ParseFlock([]byte(doc), "flock.json")
	if err != nil {
		t.Fatalf("ParseFlock() error = %v", err)
	}
	if c.Business.Options.IdleTime.D() != time.Second {
		t.Errorf("IdleTime = %v", c.Business.Options.IdleTime)
	}
	if got := c.Population(); len(got) != 2 || got[1].Username != "b" {
		t.Errorf("Population() = %+v", got)
	}
}

func TestParseFlockSchemaErrors(t *testing.T) {
	doc := `
name: bad
count: 0
user_spec:
  username_prefix: u
scopes: []
business:
  type: Nonexistent
  options:
    bogus: 1
`
	_, err := ParseFlock([]byte(doc), "bad.yaml")
	if err == nil {
		t.Fatal("ParseFlock() error = nil, want schema errors")
	}
	var verrs *ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("error type = %T, want *ValidationErrors", err)
	}
	joined := err.Error()
	for _, want := range []string{"/count", "/business/type"} {
		if !strings.Contains(joined, want) {
			t.Errorf("error %q does not mention %s", joined, want)
		}
	}
}

func TestFlockValidate(t *testing.T) {
	valid := func() FlockConfig {
		return FlockConfig{
			Name:     "test",
			Count:    1,
			Scopes:   []string{"exec:notebook"},
			Business: BusinessConfig{Type: BusinessJupyterPythonLoop, Options: DefaultBusinessOptions()},
		}
	}

	tests := []struct {
		name   string
		mutate func(*FlockConfig)
		field  string
	}{
		{"no users", func(c *FlockConfig) {}, "users"},
		{"count mismatch", func(c *FlockConfig) {
			c.Count = 2
			c.Users = []users.User{{Username: "alpha"}}
		}, "users"},
		{"unknown business", func(c *FlockConfig) { c.Business.Type = "Query" }, "business.type"},
		{"settle exceeds timeout", func(c *FlockConfig) {
			c.Business.Options.SpawnSettleTime = Duration(time.Hour)
		}, "business.options.spawn_settle_time"},
		{"notebook runner needs repo", func(c *FlockConfig) {
			c.Business.Type = BusinessNotebookRunner
		}, "business.options.repo_path"},
		{"bad url prefix", func(c *FlockConfig) { c.Business.Options.URLPrefix = "nb" }, "business.options.url_prefix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("Validate() error = nil, want error")
			}
			if !strings.Contains(err.Error(), "'"+tt.field+"'") {
				t.Errorf("Validate() error = %v, want field %s", err, tt.field)
			}
		})
	}
}

func TestLoadFlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autostart.yaml")
	content := `
- name: one
  count: 1
  users: [{username: alpha}]
  scopes: ["exec:notebook"]
  business: {type: Empty}
- name: two
  count: 2
  user_spec: {username_prefix: beta}
  scopes: ["exec:notebook"]
  business: {type: Empty}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	flocks, err := LoadFlocks(path)
	if err != nil {
		t.Fatalf("LoadFlocks() error = %v", err)
	}
	if len(flocks) != 2 || flocks[1].Name != "two" {
		t.Fatalf("LoadFlocks() = %+v", flocks)
	}
	if flocks[0].Business.Options.IdleTime.D() != 60*time.Second {
		t.Errorf("default idle_time not applied: %v", flocks[0].Business.Options.IdleTime)
	}
}

func TestLoadFlocksDuplicateName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autostart.yaml")
	content := `
- {name: one, count: 1, users: [{username: a}], scopes: [x], business: {type: Empty}}
- {name: one, count: 1, users: [{username: b}], scopes: [x], business: {type: Empty}}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFlocks(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("LoadFlocks() error = %v, want duplicate", err)
	}
}

func TestSettings(t *testing.T) {
	t.Setenv("MOBU_ENVIRONMENT_URL", "https://data.example.com")
	t.Setenv("MOBU_STATIC_TOKEN", "gt-static")
	t.Setenv("MOBU_CONCURRENCY_LIMIT", "50")
	t.Setenv("MOBU_ERROR_PAUSE", "5s")

	var s Settings
	s.ApplyEnv()
	s.ApplyDefaults()

	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if s.ConcurrencyLimit != 50 {
		t.Errorf("ConcurrencyLimit = %d, want 50", s.ConcurrencyLimit)
	}
	if s.ErrorPause.D() != 5*time.Second {
		t.Errorf("ErrorPause = %v, want 5s", s.ErrorPause)
	}
	if s.StopTimeout.D() != DefaultStopTimeout {
		t.Errorf("StopTimeout = %v, want default", s.StopTimeout)
	}
	if s.ListenAddress != DefaultListenAddress {
		t.Errorf("ListenAddress = %q", s.ListenAddress)
	}
}

func TestSettingsValidate(t *testing.T) {
	s := Settings{EnvironmentURL: "not a url"}
	s.ApplyDefaults()
	err := s.Validate()
	var verrs *ValidationErrors
	if !errors.As(err, &verrs) || len(verrs.Errors) != 2 {
		t.Errorf("Validate() = %v, want 2 errors", err)
	}
}

func TestSpawnForm(t *testing.T) {
	byClass := ImageSpec{Class: ImageClassLatestDaily}.SpawnForm()
	if byClass["image_class"] != "latest-daily" || byClass["size"] != "Large" {
		t.Errorf("SpawnForm() = %v", byClass)
	}
	byRef := ImageSpec{Class: ImageClassRecommended, Reference: "registry/sciplat-lab:w_2024_10", Size: "Small"}.SpawnForm()
	if byRef["image_list"] != "registry/sciplat-lab:w_2024_10" || byRef["size"] != "Small" {
		t.Errorf("SpawnForm() = %v", byRef)
	}
	if _, ok := byRef["image_class"]; ok {
		t.Error("reference form should not carry image_class")
	}
}

func TestSolitary(t *testing.T) {
	doc := `
user: {username: solo}
scopes: ["exec:notebook"]
business:
  type: JupyterPythonLoop
  options: {code: "print(1)"}
`
	c, err := ParseSolitary([]byte(doc), "solitary.yaml")
	if err != nil {
		t.Fatalf("ParseSolitary() error = %v", err)
	}
	if c.Business.Options.Code != "print(1)" || c.Business.Options.MaxExecutions != 25 {
		t.Errorf("options = %+v", c.Business.Options)
	}
}
