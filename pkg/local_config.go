package depot

// local_config.go handles the config.yml persisted at the root of every
// local location.  The file is the authoritative record of the algorithm
// the tree was created with; a process opening an existing root adopts it
// and refuses to proceed if the caller asked for a different one.
//
// © 2025 depot authors. MIT License.

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"github.com/Voskan/depot/pkg/digest"
)

// Duration is a time.Duration that round-trips through YAML in the human
// form ("30s", "1h") instead of raw nanoseconds.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// LocalConfig is the persisted shape of a local root.
type LocalConfig struct {
	// Hash is the algorithm the tree is keyed by.  Required.
	Hash digest.Algorithm `yaml:"hash"`

	// MaxSize caps payload bytes stored under the root.  Zero means
	// unbounded; eviction only runs when a cap is set.
	MaxSize int64 `yaml:"max_size,omitempty"`

	// FreeDiskSize reserves free space on the filesystem: writes that
	// would leave less than this many bytes free are rejected as full.
	FreeDiskSize int64 `yaml:"free_disk_size,omitempty"`

	// GraceWindow protects recently accessed entries from eviction.
	GraceWindow Duration `yaml:"grace_window,omitempty"`
}

const defaultGraceWindow = Duration(time.Minute)

func (c LocalConfig) validate() error {
	if err := c.Hash.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if c.MaxSize < 0 || c.FreeDiskSize < 0 {
		return fmt.Errorf("%w: negative size budget", ErrConfig)
	}
	return nil
}

func (c LocalConfig) withDefaults() LocalConfig {
	if c.GraceWindow == 0 {
		c.GraceWindow = defaultGraceWindow
	}
	return c
}

func loadLocalConfig(path string) (LocalConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return LocalConfig{}, err
	}
	var cfg LocalConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return LocalConfig{}, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
	}
	return cfg.withDefaults(), nil
}

func saveLocalConfig(path string, cfg LocalConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(raw))
}
