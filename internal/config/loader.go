package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/tidwall/jsonc"

	"gateci/internal/core"
)

const (
	// EnvPrefix marks the variables that override the file.
	EnvPrefix = "GATECI_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// defaults is loaded first; the file and the environment override it.
const defaults = `
project:
  root: .
  group: ""
  name: ""
  version: ""
toolchain:
  version: ""
compile:
  packages: ["./..."]
  output: build/classes
analyzers:
  - id: vet
    failure_threshold: error
  - id: nolint-prefix
    failure_threshold: error
    flags: [require-prefix, warn-unneeded]
format:
  formatters:
    - imports
    - directives
    - gofmt
    - trim-trailing-whitespace
    - indent-with-spaces
    - end-with-newline
  mode: check
  misc_targets: [.gitattributes, .gitignore, "*.toml"]
test:
  packages: ["./..."]
  timeout: 10m
coverage:
  minimum_ratio: 1.0
  report_dir: build/reports/coverage
package:
  output: build/dist
  manifest: {}
publish:
  destination: ""
  timeout: 2m
scheduler:
  workers: 0
  fail_fast: false
reports:
  dir: build/reports
ledger:
  enabled: false
  path: build/ledger.jsonl
  keys_dir: .gateci/keys
logging:
  level: info
  format: console
server:
  addr: ":8080"
  repository: build/repository
  run_retention: 1h
`

// Default returns the built-in configuration.
func Default() (*Config, error) {
	return Parse(nil, "")
}

// Load reads the configuration file at path (optional when it does not
// exist) and applies environment overrides. A relative project root is
// resolved against the file's directory.
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		data, err := readConfigFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, &core.ConfigurationError{Reason: "read " + path, Err: err}
		default:
			content = data
		}
	}
	cfg, err := Parse(content, path)
	if err != nil {
		return nil, err
	}
	if path != "" && !filepath.IsAbs(cfg.Project.Root) {
		cfg.Project.Root = filepath.Join(filepath.Dir(path), cfg.Project.Root)
	}
	return cfg, nil
}

// Parse builds a configuration from file content. name selects the parser
// by extension: .json and .jsonc go through the JSONC normaliser, anything
// else is YAML.
func Parse(content []byte, name string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if len(content) > 0 {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".json", ".jsonc":
			// JSON is YAML once comments and trailing commas are gone
			content = jsonc.ToJSON(content)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, &core.ConfigurationError{Reason: "parse " + name, Err: err}
		}
	}

	// GATECI_COVERAGE_MINIMUM_RATIO -> coverage.minimum_ratio
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, &core.ConfigurationError{Reason: "decode configuration", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey splits on the first underscore only, keeping underscores in the
// field name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return io.ReadAll(f)
}
