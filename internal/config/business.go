package config

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

// Business type names accepted in flock and solitary documents.
const (
	BusinessEmpty             = "Empty"
	BusinessJupyterPythonLoop = "JupyterPythonLoop"
	BusinessNotebookRunner    = "NotebookRunner"
)

// Image classes understood by the spawner form.
const (
	ImageClassRecommended   = "recommended"
	ImageClassLatestWeekly  = "latest-weekly"
	ImageClassLatestDaily   = "latest-daily"
	ImageClassLatestRelease = "latest-release"
)

// ImageSpec selects the image to spawn. A non-empty Reference wins over Class.
type ImageSpec struct {
	Class     string `json:"class,omitempty" yaml:"class,omitempty"`
	Reference string `json:"reference,omitempty" yaml:"reference,omitempty"`
	Size      string `json:"size,omitempty" yaml:"size,omitempty"`
	Debug     bool   `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// SpawnForm returns the form fields posted to the spawner.
func (i ImageSpec) SpawnForm() map[string]string {
	size := i.Size
	if size == "" {
		size = "Large"
	}
	form := map[string]string{"size": size}
	if i.Reference != "" {
		form["image_list"] = i.Reference
	} else {
		class := i.Class
		if class == "" {
			class = ImageClassRecommended
		}
		form["image_class"] = class
	}
	if i.Debug {
		form["enable_debug"] = "true"
	}
	return form
}

// BusinessOptions is the union of the options of every business type. Each
// business only reads the fields relevant to it.
type BusinessOptions struct {
	// Shared by every business.
	IdleTime Duration `json:"idle_time" yaml:"idle_time"`

	// Nublado.
	Jitter                  Duration  `json:"jitter" yaml:"jitter"`
	SpawnTimeout            Duration  `json:"spawn_timeout" yaml:"spawn_timeout"`
	SpawnSettleTime         Duration  `json:"spawn_settle_time" yaml:"spawn_settle_time"`
	DeleteLab               bool      `json:"delete_lab" yaml:"delete_lab"`
	DeleteTimeout           Duration  `json:"delete_timeout" yaml:"delete_timeout"`
	ExecutionIdleTime       Duration  `json:"execution_idle_time" yaml:"execution_idle_time"`
	ExecutionTimeout        Duration  `json:"execution_timeout" yaml:"execution_timeout"`
	GetNode                 bool      `json:"get_node" yaml:"get_node"`
	WorkingDirectory        string    `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	Image                   ImageSpec `json:"image" yaml:"image"`
	URLPrefix               string    `json:"url_prefix" yaml:"url_prefix"`
	JupyterTimeout          Duration  `json:"jupyter_timeout" yaml:"jupyter_timeout"`
	MaxWebSocketMessageSize int64     `json:"max_websocket_message_size" yaml:"max_websocket_message_size"`
	KernelName              string    `json:"kernel_name" yaml:"kernel_name"`

	// JupyterPythonLoop.
	Code          string `json:"code" yaml:"code"`
	MaxExecutions int    `json:"max_executions" yaml:"max_executions"`

	// NotebookRunner.
	RepoPath           string `json:"repo_path,omitempty" yaml:"repo_path,omitempty"`
	NotebookIterations int    `json:"notebook_iterations" yaml:"notebook_iterations"`
}

// DefaultBusinessOptions returns the options used for any field a document
// leaves out.
func DefaultBusinessOptions() BusinessOptions {
	return BusinessOptions{
		IdleTime:                Duration(60 * time.Second),
		SpawnTimeout:            Duration(610 * time.Second),
		SpawnSettleTime:         Duration(10 * time.Second),
		DeleteLab:               true,
		DeleteTimeout:           Duration(60 * time.Second),
		ExecutionIdleTime:       Duration(time.Second),
		ExecutionTimeout:        Duration(5 * time.Minute),
		GetNode:                 true,
		Image:                   ImageSpec{Class: ImageClassRecommended, Size: "Large"},
		URLPrefix:               "/nb/",
		JupyterTimeout:          Duration(60 * time.Second),
		MaxWebSocketMessageSize: 10 * 1024 * 1024,
		KernelName:              "LSST",
		Code:                    "print(2+2)",
		MaxExecutions:           25,
		NotebookIterations:      1,
	}
}

// BusinessConfig selects a business type and its options.
type BusinessConfig struct {
	Type    string          `json:"type" yaml:"type"`
	Options BusinessOptions `json:"options" yaml:"options"`
}

// UnmarshalJSON fills options absent from the document with defaults.
func (b *BusinessConfig) UnmarshalJSON(data []byte) error {
	type plain BusinessConfig
	p := plain{Options: DefaultBusinessOptions()}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*b = BusinessConfig(p)
	return nil
}

// UnmarshalYAML fills options absent from the document with defaults.
func (b *BusinessConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain BusinessConfig
	p := plain{Options: DefaultBusinessOptions()}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*b = BusinessConfig(p)
	return nil
}
