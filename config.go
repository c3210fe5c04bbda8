package prefork

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/prefork/internal/proto"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// DefaultReloadGrace is how long a master lets a new worker generation start
// before asking the previous one to shut down.
const DefaultReloadGrace = 100 * time.Millisecond

// Duration is a time.Duration written as a string ("250ms") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type LogConfig struct {
	Level string `toml:"level"`
	// Format is one of "logfmt", "json" or "terminal".
	Format string `toml:"format"`
	// File is the log file. Empty means stderr.
	File string `toml:"file"`
}

type MetricsConfig struct {
	// Listen is the address of the prometheus endpoint, e.g.
	// "tcp://127.0.0.1:9100". Empty disables it.
	Listen string `toml:"listen"`
}

// Config is the process topology and runtime settings of an application.
type Config struct {
	// MasterProcess selects the master/worker topology. When false the
	// application runs in a single process.
	MasterProcess bool     `toml:"master_process"`
	Daemon        bool     `toml:"daemon"`
	Workers       int      `toml:"workers"`
	Helper        bool     `toml:"helper"`
	Custom        []string `toml:"custom"`
	PidFile       string   `toml:"pid_file"`
	// Listen holds addresses like "tcp://127.0.0.1:8080" or
	// "unix:///run/app.sock".
	Listen      []string `toml:"listen"`
	InheritEnv  string   `toml:"inherit_env"`
	ReloadGrace Duration `toml:"reload_grace"`
	WatchConfig bool     `toml:"watch_config"`

	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
}

func DefaultConfig() *Config {
	return &Config{
		MasterProcess: true,
		Workers:       1,
		PidFile:       "/run/preforkd.pid",
		InheritEnv:    proto.DefaultInheritEnv,
		ReloadGrace:   Duration{DefaultReloadGrace},
		Log: LogConfig{
			Level:  "info",
			Format: "logfmt",
		},
	}
}

// ParseConfig decodes a TOML document over the defaults. Unknown keys are
// an error.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, errors.Errorf("config: %s at line %d, column %d", derr.Error(), row, col)
		}
		return nil, errors.Wrap(err, "config")
	}
	return cfg, nil
}

// LoadConfig reads the file at path, applies PREFORK_* environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "can't read config")
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return cfg, nil
}

// ResolveConfig returns the configuration a process should run with. A
// child gets the exact configuration of its parent from the environment;
// anything else loads path.
func ResolveConfig(path string) (*Config, error) {
	if data := os.Getenv(proto.ConfigDataEnv); data != "" {
		cfg, err := ParseConfig([]byte(data))
		if err != nil {
			return nil, errors.Wrap(err, "inherited config")
		}
		return cfg, nil
	}
	return LoadConfig(path)
}

// ConfigPath returns the absolute configuration path. A daemonized process
// runs from "/", so the path set by the launcher wins over a relative flag.
func ConfigPath(flag string) string {
	if p := os.Getenv(proto.ConfigEnv); p != "" {
		return p
	}
	if abs, err := filepath.Abs(flag); err == nil {
		return abs
	}
	return flag
}

// Encode writes cfg as TOML.
func (c *Config) Encode() (string, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "can't encode config")
	}
	return string(data), nil
}

type envOverride struct {
	key   string
	apply func(c *Config, v string) error
}

var envOverrides = []envOverride{
	{"PREFORK_MASTER_PROCESS", func(c *Config, v string) (err error) {
		c.MasterProcess, err = strconv.ParseBool(v)
		return
	}},
	{"PREFORK_DAEMON", func(c *Config, v string) (err error) {
		c.Daemon, err = strconv.ParseBool(v)
		return
	}},
	{"PREFORK_WORKERS", func(c *Config, v string) (err error) {
		c.Workers, err = strconv.Atoi(v)
		return
	}},
	{"PREFORK_HELPER", func(c *Config, v string) (err error) {
		c.Helper, err = strconv.ParseBool(v)
		return
	}},
	{"PREFORK_PID_FILE", func(c *Config, v string) error {
		c.PidFile = v
		return nil
	}},
	{"PREFORK_LISTEN", func(c *Config, v string) error {
		c.Listen = splitList(v)
		return nil
	}},
	{"PREFORK_LOG_LEVEL", func(c *Config, v string) error {
		c.Log.Level = v
		return nil
	}},
	{"PREFORK_LOG_FILE", func(c *Config, v string) error {
		c.Log.File = v
		return nil
	}},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(o.key)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(c, v); err != nil {
			return errors.Wrapf(err, "invalid %s", o.key)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.MasterProcess && c.Workers < 1 {
		return errors.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.PidFile == "" {
		return errors.New("pid_file must be set")
	}
	if c.InheritEnv == "" {
		return errors.New("inherit_env must be set")
	}
	if c.ReloadGrace.Duration < 0 {
		return errors.Errorf("reload_grace must not be negative, got %s", c.ReloadGrace)
	}
	for _, addr := range c.Listen {
		if _, _, err := ParseListenAddr(addr); err != nil {
			return err
		}
	}
	if c.Metrics.Listen != "" {
		if _, _, err := ParseListenAddr(c.Metrics.Listen); err != nil {
			return errors.Wrap(err, "metrics")
		}
	}
	if _, err := log15.LvlFromString(c.Log.Level); err != nil {
		return errors.Wrapf(err, "log level")
	}
	switch c.Log.Format {
	case "logfmt", "json", "terminal":
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}
	seen := map[string]bool{}
	for _, name := range c.Custom {
		if name == "" || seen[name] {
			return errors.Errorf("custom role names must be unique and non-empty: %q", c.Custom)
		}
		seen[name] = true
	}
	return nil
}

// ParseListenAddr splits "tcp://host:port" or "unix:///path" into a network
// and an address. A bare "host:port" is tcp.
func ParseListenAddr(s string) (network, addr string, err error) {
	network, addr = "tcp", s
	if i := strings.Index(s, "://"); i >= 0 {
		network, addr = s[:i], s[i+3:]
	}
	switch network {
	case "tcp", "tcp4", "tcp6":
		if addr == "" || !strings.Contains(addr, ":") {
			return "", "", errors.Errorf("invalid listen address %q", s)
		}
	case "unix":
		if addr == "" {
			return "", "", errors.Errorf("invalid listen address %q", s)
		}
	default:
		return "", "", errors.Errorf("unsupported network %q in listen address %q", network, s)
	}
	return network, addr, nil
}
