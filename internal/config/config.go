// Package config loads the pipeline configuration: built-in defaults, then
// a YAML or JSONC file, then GATECI_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"gateci/internal/analysis"
	"gateci/internal/core"
	"gateci/internal/format"
	"gateci/internal/logging"
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the whole configuration surface.
type Config struct {
	Project   Project           `koanf:"project" yaml:"project"`
	Toolchain Toolchain         `koanf:"toolchain" yaml:"toolchain"`
	Compile   Compile           `koanf:"compile" yaml:"compile"`
	Analyzers []analysis.Config `koanf:"analyzers" yaml:"analyzers"`
	Format    Format            `koanf:"format" yaml:"format"`
	Test      Test              `koanf:"test" yaml:"test"`
	Coverage  Coverage          `koanf:"coverage" yaml:"coverage"`
	Package   Package           `koanf:"package" yaml:"package"`
	Publish   Publish           `koanf:"publish" yaml:"publish"`
	Scheduler Scheduler         `koanf:"scheduler" yaml:"scheduler"`
	Reports   Reports           `koanf:"reports" yaml:"reports"`
	Ledger    Ledger            `koanf:"ledger" yaml:"ledger"`
	Logging   logging.Config    `koanf:"logging" yaml:"logging"`
	Server    Server            `koanf:"server" yaml:"server"`
}

// Project identifies the verified module and its release coordinates.
type Project struct {
	// Root is the module directory. Every other relative path is resolved
	// against it.
	Root    string `koanf:"root" yaml:"root"`
	Name    string `koanf:"name" yaml:"name"`
	Group   string `koanf:"group" yaml:"group"`
	Version string `koanf:"version" yaml:"version"`
}

// Toolchain selects the Go SDK.
type Toolchain struct {
	// Version is a semver constraint such as "1.22.3", "~1.22" or ">=1.21".
	Version string   `koanf:"version" yaml:"version"`
	Paths   []string `koanf:"paths" yaml:"paths,omitempty"`
}

type Compile struct {
	Packages []string `koanf:"packages" yaml:"packages"`
	Output   string   `koanf:"output" yaml:"output"`
}

type Format struct {
	Formatters  []string `koanf:"formatters" yaml:"formatters"`
	Mode        string   `koanf:"mode" yaml:"mode"`
	MiscTargets []string `koanf:"misc_targets" yaml:"misc_targets"`
	Exclude     []string `koanf:"exclude" yaml:"exclude,omitempty"`
}

type Test struct {
	Packages []string `koanf:"packages" yaml:"packages"`
	Flags    []string `koanf:"flags" yaml:"flags,omitempty"`
	Timeout  Duration `koanf:"timeout" yaml:"timeout"`
}

type Coverage struct {
	MinimumRatio float64 `koanf:"minimum_ratio" yaml:"minimum_ratio"`
	ReportDir    string  `koanf:"report_dir" yaml:"report_dir"`
}

type Package struct {
	Output   string            `koanf:"output" yaml:"output"`
	Manifest map[string]string `koanf:"manifest" yaml:"manifest"`
}

type Publish struct {
	// Destination is file:///path or http(s)://host of a gateci server.
	Destination string   `koanf:"destination" yaml:"destination"`
	Timeout     Duration `koanf:"timeout" yaml:"timeout"`
}

type Scheduler struct {
	// Workers bounds concurrently running stages; 0 means one per CPU.
	Workers  int  `koanf:"workers" yaml:"workers"`
	FailFast bool `koanf:"fail_fast" yaml:"fail_fast"`
}

type Reports struct {
	Dir string `koanf:"dir" yaml:"dir"`
}

// Ledger configures the signed, hash-chained record of stage results.
type Ledger struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Path    string `koanf:"path" yaml:"path"`
	KeysDir string `koanf:"keys_dir" yaml:"keys_dir"`
}

// Server configures gateci-server.
type Server struct {
	Addr         string   `koanf:"addr" yaml:"addr"`
	Repository   string   `koanf:"repository" yaml:"repository"`
	// RunRetention is how long a finished submitted run stays queryable.
	RunRetention Duration `koanf:"run_retention" yaml:"run_retention"`
}

// Path resolves p against the project root.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Project.Root, p)
}

// Validate checks the configuration for errors. Every problem is a
// *core.ConfigurationError.
func (c *Config) Validate() error {
	invalid := func(reason string, err error) error {
		return &core.ConfigurationError{Reason: reason, Err: err}
	}
	if c.Project.Root == "" {
		return invalid("project.root is empty", nil)
	}
	if c.Coverage.MinimumRatio < 0 || c.Coverage.MinimumRatio > 1 {
		return invalid(fmt.Sprintf("coverage.minimum_ratio %v is outside [0, 1]", c.Coverage.MinimumRatio), nil)
	}
	if _, err := format.ParseMode(c.Format.Mode); err != nil {
		return invalid("format.mode", err)
	}
	if c.Scheduler.Workers < 0 {
		return invalid("scheduler.workers must not be negative", nil)
	}
	seen := map[string]bool{}
	for i, a := range c.Analyzers {
		if a.ID == "" {
			return invalid(fmt.Sprintf("analyzers[%d] has no id", i), nil)
		}
		if seen[a.ID] {
			return invalid(fmt.Sprintf("analyzer %q is configured twice", a.ID), nil)
		}
		seen[a.ID] = true
	}
	if c.Ledger.Enabled && (c.Ledger.Path == "" || c.Ledger.KeysDir == "") {
		return invalid("ledger.path and ledger.keys_dir are required when the ledger is enabled", nil)
	}
	if err := c.Logging.Validate(); err != nil {
		return invalid("logging", err)
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
