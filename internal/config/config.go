// Package config provides configuration file support for rtrack.
package config

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jefgrailet/rtrack/internal/engine"
)

// Config represents the rtrack configuration file structure.
type Config struct {
	// Defaults are applied when flags are not specified.
	Defaults Defaults `yaml:"defaults"`

	// Aliases for common targets/target lists.
	Aliases map[string]string `yaml:"aliases,omitempty"`
}

// Defaults holds default values for every run parameter in the
// configuration surface.
type Defaults struct {
	// Probing method: icmp, udp, tcp.
	ProbingMethod string `yaml:"probing_method"`

	Timeout          time.Duration `yaml:"timeout"`
	RegulatingPeriod time.Duration `yaml:"regulating_period"`
	ThreadDelay      time.Duration `yaml:"thread_delay"`

	MaxAnonHops int `yaml:"max_anon_hops"`
	MaxCycles   int `yaml:"max_cycles"`
	MaxThreads  int `yaml:"threads"`
	BisTraces   int `yaml:"bis_traces"`

	RLExperimentsPerRound     int           `yaml:"rl_experiments_per_round"`
	RLDelayBetweenExperiments time.Duration `yaml:"rl_delay_between_experiments"`
	RLMinResponseRatio        float64       `yaml:"rl_min_response_ratio"`

	Verbosity int `yaml:"verbosity"`

	ExternalLogging bool   `yaml:"external_logging"`
	OutputDir       string `yaml:"output_dir"`

	NoColor bool `yaml:"no_color"`
}

// DefaultConfig returns a Config whose Defaults mirror
// engine.DefaultConfig.
func DefaultConfig() *Config {
	e := engine.DefaultConfig()
	return &Config{
		Defaults: Defaults{
			ProbingMethod:             "icmp",
			Timeout:                   e.Timeout,
			RegulatingPeriod:          e.RegulatingPeriod,
			ThreadDelay:               e.ThreadDelay,
			MaxAnonHops:               e.MaxAnonHops,
			MaxCycles:                 e.MaxCycles,
			MaxThreads:                e.MaxThreads,
			BisTraces:                 e.BisTraces,
			RLExperimentsPerRound:     e.RLExperimentsPerRound,
			RLDelayBetweenExperiments: e.RLDelayBetweenExperiments,
			RLMinResponseRatio:        e.RLMinResponseRatio,
			Verbosity:                 e.Verbosity,
			OutputDir:                 e.OutputDir,
		},
		Aliases: make(map[string]string),
	}
}

// aliasOrSelf resolves target against the configured aliases, returning
// target unchanged if it isn't one.
func (c *Config) aliasOrSelf(target string) string {
	if resolved, ok := c.Aliases[target]; ok {
		return resolved
	}
	return target
}

// ResolveTargets expands every comma-separated element of targetListStr
// through the alias table before it reaches internal/targets.Parser.
func (c *Config) ResolveTargets(targetListStr string) string {
	return resolveCommaList(targetListStr, c.aliasOrSelf)
}

func resolveCommaList(s string, resolve func(string) string) string {
	if s == "" {
		return s
	}
	out := ""
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if out != "" {
				out += ","
			}
			out += resolve(s[start:i])
			start = i + 1
		}
	}
	return out
}

// Load reads configuration from the default config file locations. It
// searches, in order: ./rtrack.yaml, ~/.config/rtrack/config.yaml
// (Linux/macOS), %APPDATA%\rtrack\config.yaml (Windows). If no config
// file is found, returns default configuration.
func Load() (*Config, error) {
	for _, path := range getConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			return LoadFrom(path)
		}
	}
	return DefaultConfig(), nil
}

// LoadFrom reads configuration from a specific file path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the default user config path.
func (c *Config) Save() error {
	return c.SaveTo(getUserConfigPath())
}

// SaveTo writes the configuration to a specific file path.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func getConfigPaths() []string {
	paths := []string{"rtrack.yaml", "rtrack.yml", ".rtrack.yaml", ".rtrack.yml"}
	if userPath := getUserConfigPath(); userPath != "" {
		paths = append(paths, userPath)
	}
	return paths
}

func getUserConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "rtrack", "config.yaml")
		}
	default:
		home, err := os.UserHomeDir()
		if err == nil {
			if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
				return filepath.Join(xdgConfig, "rtrack", "config.yaml")
			}
			return filepath.Join(home, ".config", "rtrack", "config.yaml")
		}
	}
	return ""
}

// GetConfigPath returns the path where the user config would be saved.
func GetConfigPath() string {
	return getUserConfigPath()
}

// ParseLAN parses a CIDR string into the net.IPNet the engine expects for
// LAN exclusion; an empty string means "exclude nothing".
func ParseLAN(cidr string) (*net.IPNet, error) {
	if cidr == "" {
		return nil, nil
	}
	_, block, err := net.ParseCIDR(cidr)
	return block, err
}

// GenerateExample generates an example configuration file content.
func GenerateExample() string {
	return `# rtrack configuration file
# Location: ~/.config/rtrack/config.yaml (Linux/macOS)
#           %APPDATA%\rtrack\config.yaml (Windows)
#           ./rtrack.yaml (current directory)

defaults:
  probing_method: icmp        # icmp, udp, tcp

  timeout: 2500000000               # probe timeout, nanoseconds (2500000000 = 2.5s)
  regulating_period: 50000000       # minimum delay between any two probes sent
  thread_delay: 250000000           # stagger between launching concurrent workers

  max_anon_hops: 3             # consecutive anonymous hops before giving up
  max_cycles: 4                # in-trace repeats before giving up
  threads: 256                 # concurrency ceiling
  bis_traces: 2                # re-traces per target beyond the first (0 disables)

  rl_experiments_per_round: 15       # 0 disables rate-limit profiling
  rl_delay_between_experiments: 2000000000
  rl_min_response_ratio: 5.0         # percent

  verbosity: 0                 # 0 laconic, 1 per-route, 2 debug
  external_logging: false
  output_dir: "."
  no_color: false

# Target list aliases (optional)
aliases:
  lab: 10.0.0.0/24
  resolvers: 8.8.8.8,1.1.1.1
`
}
