package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/loykin/pavr/internal/logger"
	"github.com/loykin/pavr/internal/process"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. PAVR_WORKING_DIR.
	EnvPrefix = "PAVR"
	// EnvConfigPath names the environment variable holding the config file path.
	EnvConfigPath = "PAVR_CONFIG"

	DefaultNamespace = "main"
	DefaultScheduler = "raw"
	DefaultListen    = ":8080"

	// DefaultPollInterval is how often waits recheck completion markers.
	DefaultPollInterval = 5 * time.Second
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrUnknownTest is returned when a test name is not defined in the configuration.
var ErrUnknownTest = errors.New("unknown test")

// Config is the harness configuration.
type Config struct {
	WorkingDir string   `toml:"working_dir" mapstructure:"working_dir"`
	Namespace  string   `toml:"namespace" mapstructure:"namespace"`
	Env        []string `toml:"env" mapstructure:"env"`
	EnvFiles   []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv   bool     `toml:"use_os_env" mapstructure:"use_os_env"`
	TestsDir   string   `toml:"tests_dir" mapstructure:"tests_dir"`
	// PollInterval is the period of every completion poll: wait, series
	// stage progression and wait status reports.
	PollInterval time.Duration           `toml:"poll_interval" mapstructure:"poll_interval"`
	Log          LogConfig               `toml:"log" mapstructure:"log"`
	History      HistoryConfig           `toml:"history" mapstructure:"history"`
	Metrics      MetricsConfig           `toml:"metrics" mapstructure:"metrics"`
	Server       ServerConfig            `toml:"server" mapstructure:"server"`
	Tests        map[string]TestConfig   `toml:"tests" mapstructure:"tests"`
	Series       map[string]SeriesConfig `toml:"series" mapstructure:"series"`

	// ConfigFile is the file the configuration was read from, if any.
	ConfigFile string `toml:"-" mapstructure:"-"`
}

// LogConfig configures the harness log and the rotating output files of tests.
type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// HistoryConfig lists external sinks receiving every status transition.
type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	Sinks   []string `toml:"sinks" mapstructure:"sinks"` // DSNs, see history/factory
}

// MetricsConfig controls metric export. Textfile is written by CLI processes
// for a node exporter textfile collector.
type MetricsConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Textfile string `toml:"textfile" mapstructure:"textfile"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig enables HTTPS for the API. Explicit cert and key files win over
// Dir, where tls.crt and tls.key are generated when AutoGenerate is set.
type TLSConfig struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"`
}

// ScheduleConfig is the scheduler-specific resource request of a test.
type ScheduleConfig struct {
	Nodes      int           `toml:"nodes" mapstructure:"nodes" json:"nodes"`
	Concurrent int           `toml:"concurrent" mapstructure:"concurrent" json:"concurrent"`
	Timeout    time.Duration `toml:"timeout" mapstructure:"timeout" json:"timeout"`
	Extra      []string      `toml:"extra" mapstructure:"extra" json:"extra,omitempty"`
}

// TestConfig defines one runnable test.
type TestConfig struct {
	Name         string         `toml:"name" mapstructure:"name" json:"name"`
	Summary      string         `toml:"summary" mapstructure:"summary" json:"summary,omitempty"`
	Command      string         `toml:"command" mapstructure:"command" json:"command"`
	WorkDir      string         `toml:"workdir" mapstructure:"workdir" json:"workdir,omitempty"`
	Env          []string       `toml:"env" mapstructure:"env" json:"env,omitempty"`
	Build        []process.Step `toml:"build" mapstructure:"build" json:"build,omitempty"`
	BuildTimeout time.Duration  `toml:"build_timeout" mapstructure:"build_timeout" json:"build_timeout,omitempty"`
	RunTimeout   time.Duration  `toml:"run_timeout" mapstructure:"run_timeout" json:"run_timeout,omitempty"`
	Scheduler    string         `toml:"scheduler" mapstructure:"scheduler" json:"scheduler"`
	Schedule     ScheduleConfig `toml:"schedule" mapstructure:"schedule" json:"schedule"`
}

// StageConfig is one ordered stage of a staged series.
type StageConfig struct {
	Name  string   `toml:"name" mapstructure:"name"`
	Tests []string `toml:"tests" mapstructure:"tests"`
	// DependsPass skips the stage unless every test of the previous stage passed.
	DependsPass bool `toml:"depends_pass" mapstructure:"depends_pass"`
}

// SeriesConfig is the staged definition of a named series.
type SeriesConfig struct {
	Stages       []StageConfig `toml:"stages" mapstructure:"stages"`
	Simultaneous int           `toml:"simultaneous" mapstructure:"simultaneous"`
	// Repeat runs all stages this many times; 0 repeats until canceled.
	// Unset means once.
	Repeat *int `toml:"repeat" mapstructure:"repeat"`
}

// Repetitions returns the configured pass count and whether it is unbounded.
func (sc SeriesConfig) Repetitions() (int, bool) {
	if sc.Repeat == nil {
		return 1, false
	}
	if *sc.Repeat == 0 {
		return 0, true
	}
	return *sc.Repeat, false
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// FindConfigFile returns the first configuration file that exists, searching
// $PAVR_CONFIG, ./pavr.toml and ~/.pavr/pavr.toml. It returns "" when none does.
func FindConfigFile() string {
	candidates := []string{os.Getenv(EnvConfigPath), "pavr.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".pavr", "pavr.toml"))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return c
		}
	}
	return ""
}

// Load reads and validates the configuration at path. An empty path searches
// the default locations and falls back to defaults when nothing is found.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindConfigFile()
	}
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.ConfigFile = path
	if err := c.loadTestsDir(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only applies to keys viper knows about.
	v.SetDefault("working_dir", "")
	v.SetDefault("namespace", DefaultNamespace)
	v.SetDefault("tests_dir", "")
	v.SetDefault("log.level", logger.LevelInfo)
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.color", false)
	v.SetDefault("history.enabled", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("poll_interval", DefaultPollInterval)
	return v
}

// loadTestsDir merges every *.toml file of TestsDir as one test definition
// named after the file. Definitions in the main file win.
func (c *Config) loadTestsDir() error {
	if c.TestsDir == "" {
		return nil
	}
	dir := c.TestsDir
	if !filepath.IsAbs(dir) && c.ConfigFile != "" {
		dir = filepath.Join(filepath.Dir(c.ConfigFile), dir)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return fmt.Errorf("tests_dir: %w", err)
	}
	sort.Strings(matches)
	if c.Tests == nil {
		c.Tests = make(map[string]TestConfig, len(matches))
	}
	for _, p := range matches {
		name := strings.TrimSuffix(filepath.Base(p), ".toml")
		if _, exists := c.Tests[name]; exists {
			continue
		}
		v := viper.New()
		v.SetConfigFile(p)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read test file %s: %w", p, err)
		}
		var tc TestConfig
		if err := v.Unmarshal(&tc); err != nil {
			return fmt.Errorf("decode test file %s: %w", p, err)
		}
		c.Tests[name] = tc
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.WorkingDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.WorkingDir = filepath.Join(home, ".pavr", "working_dir")
		} else {
			c.WorkingDir = filepath.Join(os.TempDir(), "pavr_working_dir")
		}
	}
	c.WorkingDir = expandHome(c.WorkingDir)
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	c.Server.TLS.CertFile = expandHome(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = expandHome(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = expandHome(c.Server.TLS.Dir)
	for name, tc := range c.Tests {
		tc.Name = name
		if tc.Scheduler == "" {
			tc.Scheduler = DefaultScheduler
		}
		c.Tests[name] = tc
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.WorkingDir) == "" {
		return errors.New("working_dir is required")
	}
	if !namePattern.MatchString(c.Namespace) {
		return fmt.Errorf("invalid namespace %q: use letters, digits, '_' or '-'", c.Namespace)
	}
	if err := validateEnv("env", c.Env); err != nil {
		return err
	}
	for _, name := range c.TestNames() {
		tc := c.Tests[name]
		if err := tc.Validate(); err != nil {
			return fmt.Errorf("test %s: %w", name, err)
		}
	}
	names := make([]string, 0, len(c.Series))
	for n := range c.Series {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.validateSeries(name, c.Series[name]); err != nil {
			return fmt.Errorf("series %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks a single test definition.
func (tc *TestConfig) Validate() error {
	if !namePattern.MatchString(tc.Name) {
		return fmt.Errorf("invalid test name %q", tc.Name)
	}
	if strings.TrimSpace(tc.Command) == "" {
		return errors.New("command is required")
	}
	if tc.BuildTimeout < 0 || tc.RunTimeout < 0 || tc.Schedule.Timeout < 0 {
		return errors.New("timeouts cannot be negative")
	}
	if tc.Schedule.Nodes < 0 || tc.Schedule.Concurrent < 0 {
		return errors.New("schedule values cannot be negative")
	}
	if err := validateEnv("env", tc.Env); err != nil {
		return err
	}
	return process.ValidateSteps(tc.Build)
}

func (c *Config) validateSeries(name string, sc SeriesConfig) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid series name %q", name)
	}
	if len(sc.Stages) == 0 {
		return errors.New("at least one stage is required")
	}
	if sc.Simultaneous < 0 {
		return errors.New("simultaneous cannot be negative")
	}
	if sc.Repeat != nil && *sc.Repeat < 0 {
		return errors.New("repeat cannot be negative")
	}
	for i, st := range sc.Stages {
		if len(st.Tests) == 0 {
			return fmt.Errorf("stage %d has no tests", i)
		}
		for _, tn := range st.Tests {
			if _, ok := c.Tests[tn]; !ok {
				return fmt.Errorf("stage %d: %w %q", i, ErrUnknownTest, tn)
			}
		}
	}
	return nil
}

func validateEnv(field string, env []string) error {
	for i, kv := range env {
		k, _, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("%s[%d] %q must be in KEY=VALUE format", field, i, kv)
		}
	}
	return nil
}

// TestNames returns the defined test names in sorted order.
func (c *Config) TestNames() []string {
	out := make([]string, 0, len(c.Tests))
	for n := range c.Tests {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Test looks up a test definition by name.
func (c *Config) Test(name string) (TestConfig, error) {
	tc, ok := c.Tests[name]
	if !ok {
		return TestConfig{}, fmt.Errorf("%w %q", ErrUnknownTest, name)
	}
	return tc, nil
}

// Logger converts the log section into a logger configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      c.Log.Level,
			Format:     c.Log.Format,
			Color:      c.Log.Color,
			TimeStamps: c.Log.TimeStamps,
		},
		File: logger.FileConfig{
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// Path joins elements under the working directory.
func (c *Config) Path(elem ...string) string {
	return filepath.Join(append([]string{c.WorkingDir}, elem...)...)
}

// GlobalEnv merges env from config: OS env when UseOSEnv is set, then
// env_files contents, then the top-level env list, which overrides last.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				m[k] = v
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}
