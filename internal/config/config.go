// Package config loads and validates the dispatcher configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dispatchd/dispatchd/internal/detector"
)

// DefaultPath is where the dispatcher looks for its configuration when no
// --config flag is given.
const DefaultPath = "dispatchd.toml"

// Env vars holding the database passwords. URIs in the config file carry a
// %s placeholder in place of the password so secrets never live on disk.
const (
	EnvControlPassword = "MONGO_PASSWORD"
	EnvRunsPassword    = "RUNS_MONGO_PASSWORD"
)

// Config is the full dispatcher configuration.
type Config struct {
	Commands  Commands         `toml:"commands"`
	Control   Control          `toml:"control"`
	Detectors map[string]Nodes `toml:"detectors"`
	Mongo     Mongo            `toml:"mongo"`
	Daemon    Daemon           `toml:"daemon"`
}

// Commands holds the per-command timing knobs, in seconds on disk, plus the
// stop retry budget (a count).
type Commands struct {
	ArmTimeout    int `toml:"arm_timeout"`
	StartTimeout  int `toml:"start_timeout"`
	StopTimeout   int `toml:"stop_timeout"`
	RetryReset    int `toml:"retry_reset"`
	TimeBetween   int `toml:"time_between"`
	ClientTimeout int `toml:"client_timeout"`
}

// Control lists the goal-state keys the dispatcher materialises per detector.
type Control struct {
	Keys []string `toml:"keys"`
}

// Nodes is the static node membership of one detector.
type Nodes struct {
	Readers    []string `toml:"readers"`
	Controller []string `toml:"controller"`
}

// Mongo holds database connection settings. URIs contain a %s placeholder
// for the password, filled from the environment at connect time.
type Mongo struct {
	ControlURI     string `toml:"control_uri"`
	ControlDB      string `toml:"control_db"`
	RunsURI        string `toml:"runs_uri"`
	RunsDB         string `toml:"runs_db"`
	RunsCollection string `toml:"runs_collection"`
}

// Daemon holds process-level settings.
type Daemon struct {
	StateDir     string `toml:"state_dir"`
	TickInterval int    `toml:"tick_interval"` // seconds
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Daemon.TickInterval == 0 {
		c.Daemon.TickInterval = 3
	}
	if c.Daemon.StateDir == "" {
		c.Daemon.StateDir = "~/.dispatchd"
	}
	if c.Mongo.RunsCollection == "" {
		c.Mongo.RunsCollection = "run"
	}
}

func (c *Config) validate() error {
	for _, pair := range []struct {
		name  string
		value int
	}{
		{"commands.arm_timeout", c.Commands.ArmTimeout},
		{"commands.start_timeout", c.Commands.StartTimeout},
		{"commands.stop_timeout", c.Commands.StopTimeout},
		{"commands.time_between", c.Commands.TimeBetween},
		{"commands.client_timeout", c.Commands.ClientTimeout},
	} {
		if pair.value <= 0 {
			return fmt.Errorf("config: %s must be positive", pair.name)
		}
	}
	if c.Commands.RetryReset < 0 {
		return fmt.Errorf("config: commands.retry_reset must not be negative")
	}
	if len(c.Control.Keys) == 0 {
		return fmt.Errorf("config: control.keys must not be empty")
	}
	if len(c.Detectors) == 0 {
		return fmt.Errorf("config: no detectors configured")
	}
	for name := range c.Detectors {
		if !detector.Valid(detector.ID(name)) {
			return fmt.Errorf("config: unknown detector %q", name)
		}
	}
	for _, det := range detector.All() {
		if _, ok := c.Detectors[string(det)]; !ok {
			return fmt.Errorf("config: detector %q missing", det)
		}
	}
	return nil
}

// Topology returns the static per-detector node membership keyed by
// detector ID. Empty controller entries are dropped.
func (c *Config) Topology() map[detector.ID]Nodes {
	topo := make(map[detector.ID]Nodes, len(c.Detectors))
	for name, nodes := range c.Detectors {
		clean := Nodes{Readers: append([]string(nil), nodes.Readers...)}
		for _, cc := range nodes.Controller {
			if cc != "" {
				clean.Controller = append(clean.Controller, cc)
			}
		}
		topo[detector.ID(name)] = clean
	}
	return topo
}

// ArmTimeoutD and friends expose the command knobs as durations.
func (c *Commands) ArmTimeoutD() time.Duration    { return time.Duration(c.ArmTimeout) * time.Second }
func (c *Commands) StartTimeoutD() time.Duration  { return time.Duration(c.StartTimeout) * time.Second }
func (c *Commands) StopTimeoutD() time.Duration   { return time.Duration(c.StopTimeout) * time.Second }
func (c *Commands) TimeBetweenD() time.Duration   { return time.Duration(c.TimeBetween) * time.Second }
func (c *Commands) ClientTimeoutD() time.Duration { return time.Duration(c.ClientTimeout) * time.Second }

// TickIntervalD returns the control tick cadence.
func (d *Daemon) TickIntervalD() time.Duration {
	return time.Duration(d.TickInterval) * time.Second
}

// ExpandStateDir resolves a leading ~ in the state directory.
func (d *Daemon) ExpandStateDir() (string, error) {
	dir := d.StateDir
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return dir, nil
}

// ControlURIWithPassword fills the control database URI from the environment.
func (m *Mongo) ControlURIWithPassword() (string, error) {
	return fillPassword(m.ControlURI, EnvControlPassword)
}

// RunsURIWithPassword fills the runs database URI from the environment.
func (m *Mongo) RunsURIWithPassword() (string, error) {
	return fillPassword(m.RunsURI, EnvRunsPassword)
}

func fillPassword(uri, env string) (string, error) {
	if !strings.Contains(uri, "%s") {
		return uri, nil
	}
	pw := os.Getenv(env)
	if pw == "" {
		return "", fmt.Errorf("config: URI needs a password but %s is not set", env)
	}
	return fmt.Sprintf(uri, pw), nil
}
