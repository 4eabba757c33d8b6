// Package config loads static run parameters and patch cycle
// definitions from YAML files in a configuration directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v2"
)

const (
	WorkflowFile     = "workflow_config.yaml"
	CyclesFile       = "patch_cycles.yaml"
	ApplicationsFile = "applications.yaml"
	DefinitionsFile  = "patch_definitions.json"

	// DefaultCycleName is used when no cycle is named and none are configured.
	DefaultCycleName = "default"

	DefaultNamingPattern = "{name}-{version}.{ext}"
)

var ErrCycleNotFound = errors.New("patch cycle not found")

// Workflow holds the static run parameters.
type Workflow struct {
	Cache struct {
		Dir        string `yaml:"cache_dir"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"cache"`

	Execution struct {
		MaxParallelWorkers int `yaml:"max_parallel_workers"`
		RetryAttempts      int `yaml:"retry_attempts"`
		RetryDelaySeconds  int `yaml:"retry_delay"`
		TimeoutSeconds     int `yaml:"timeout"`
	} `yaml:"execution"`

	Processing struct {
		WorkDir       string `yaml:"working_dir"`
		NamingPattern string `yaml:"naming_pattern"`
		Rename        *bool  `yaml:"rename"`
	} `yaml:"processing"`

	State struct {
		Dir string `yaml:"state_dir"`
	} `yaml:"state"`
}

func (w *Workflow) setDefaults() {
	if w.Cache.Dir == "" {
		w.Cache.Dir = "cache"
	}
	if w.Cache.MaxAgeDays <= 0 {
		w.Cache.MaxAgeDays = 30
	}
	if w.Execution.MaxParallelWorkers <= 0 {
		w.Execution.MaxParallelWorkers = 5
	}
	if w.Execution.RetryAttempts <= 0 {
		w.Execution.RetryAttempts = 3
	}
	if w.Execution.RetryDelaySeconds <= 0 {
		w.Execution.RetryDelaySeconds = 1
	}
	if w.Execution.TimeoutSeconds <= 0 {
		w.Execution.TimeoutSeconds = 300
	}
	if w.Processing.WorkDir == "" {
		w.Processing.WorkDir = filepath.Join(os.TempDir(), "nanopatch")
	}
	if w.Processing.NamingPattern == "" {
		w.Processing.NamingPattern = DefaultNamingPattern
	}
	if w.State.Dir == "" {
		w.State.Dir = "state"
	}
}

// RenameEnabled reports whether processed packages are renamed.
// Renaming is on unless explicitly disabled.
func (w *Workflow) RenameEnabled() bool {
	return w.Processing.Rename == nil || *w.Processing.Rename
}

func (w *Workflow) RetryDelay() time.Duration {
	return time.Duration(w.Execution.RetryDelaySeconds) * time.Second
}

func (w *Workflow) Timeout() time.Duration {
	return time.Duration(w.Execution.TimeoutSeconds) * time.Second
}

func (w *Workflow) CacheMaxAge() time.Duration {
	return time.Duration(w.Cache.MaxAgeDays) * 24 * time.Hour
}

// UserInteraction is the end-user messaging and deferral settings of
// a patch policy.
type UserInteraction struct {
	MessageStart    string `yaml:"message_start" json:"messageStart"`
	MessageFinish   string `yaml:"message_finish" json:"messageFinish"`
	AllowDeferral   *bool  `yaml:"allow_deferral" json:"allowDeferral"`
	DeferralPeriod  int    `yaml:"deferral_period" json:"deferralPeriod"`
	DeadlineEnabled *bool  `yaml:"deadline_enabled" json:"deadlineEnabled"`
	DeadlinePeriod  int    `yaml:"deadline_period" json:"deadlinePeriod"`
}

func boolPtr(b bool) *bool { return &b }

func (u *UserInteraction) setDefaults() {
	if u.MessageStart == "" {
		u.MessageStart = "An update is available for this application."
	}
	if u.MessageFinish == "" {
		u.MessageFinish = "Update complete."
	}
	if u.AllowDeferral == nil {
		u.AllowDeferral = boolPtr(true)
	}
	if u.DeferralPeriod <= 0 {
		u.DeferralPeriod = 7
	}
	if u.DeadlineEnabled == nil {
		u.DeadlineEnabled = boolPtr(true)
	}
	if u.DeadlinePeriod <= 0 {
		u.DeadlinePeriod = 7
	}
}

// Cycle is a named deployment policy template.
type Cycle struct {
	Name            string          `yaml:"name"`
	Description     string          `yaml:"description"`
	SmartGroup      string          `yaml:"smart_group"`
	UserInteraction UserInteraction `yaml:"user_interaction"`
}

// Cycles is the ordered list of configured patch cycles.
type Cycles struct {
	Cycles []Cycle `yaml:"cycles"`
}

// DefaultName returns the name of the first configured cycle or
// DefaultCycleName if there are none.
func (c *Cycles) DefaultName() string {
	if c == nil || len(c.Cycles) < 1 {
		return DefaultCycleName
	}
	return c.Cycles[0].Name
}

// Cycle returns the cycle named name.
func (c *Cycles) Cycle(name string) (*Cycle, error) {
	if c != nil {
		for i := range c.Cycles {
			if c.Cycles[i].Name == name {
				return &c.Cycles[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: '%s'", ErrCycleNotFound, name)
}

// Config is the complete configuration loaded from a directory.
type Config struct {
	Dir      string
	Workflow *Workflow
	Cycles   *Cycles
}

// ApplicationsPath returns the path of the application catalog file.
func (c *Config) ApplicationsPath() string {
	return filepath.Join(c.Dir, ApplicationsFile)
}

// DefinitionsPath returns the path of the local patch definitions file.
func (c *Config) DefinitionsPath() string {
	return filepath.Join(c.Dir, DefinitionsFile)
}

// readYAML decodes the YAML file at path into v.
// A missing file leaves v untouched and is not an error.
func readYAML(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	if err = yaml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Load reads the workflow and cycle configuration files from dir.
// Missing files yield defaults.
func Load(dir string) (*Config, error) {
	c := &Config{Dir: dir, Workflow: new(Workflow), Cycles: new(Cycles)}
	if err := readYAML(filepath.Join(dir, WorkflowFile), c.Workflow); err != nil {
		return nil, err
	}
	c.Workflow.setDefaults()
	if err := readYAML(filepath.Join(dir, CyclesFile), c.Cycles); err != nil {
		return nil, err
	}
	for i := range c.Cycles.Cycles {
		c.Cycles.Cycles[i].UserInteraction.setDefaults()
	}
	return c, nil
}
