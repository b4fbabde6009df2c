// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultConfigFile is read from the working directory when --config is not given.
const DefaultConfigFile = "hotmonkey.toml"

// Config holds all configuration settings for hotmonkey.
type Config struct {
	Server  ServerConfig   `toml:"server"`
	Watch   WatchConfig    `toml:"watch"`
	Runtime RuntimeConfig  `toml:"runtime"`
	Journal JournalConfig  `toml:"journal"`
	MCP     MCPConfig      `toml:"mcp"`
	Logging LoggingConfig  `toml:"logging"`
	Scripts []ScriptConfig `toml:"script"`
}

// ServerConfig holds the developer HTTP surface settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// WatchConfig holds source watching settings.
type WatchConfig struct {
	Dir      string   `toml:"dir"`
	Debounce Duration `toml:"debounce"`
	Enabled  bool     `toml:"enabled"`
}

// RuntimeConfig holds page runtime settings.
type RuntimeConfig struct {
	URL    string   `toml:"url"`    // Current page location
	Queue  string   `toml:"queue"`  // "fifo" or "coalesce"
	Ignore []string `toml:"ignore"` // Module identifier matchers excluded from reloads
}

// JournalConfig holds cycle journal settings.
type JournalConfig struct {
	Type string `toml:"type"` // "memory", "sqlite", "postgresql"
	Path string `toml:"path"` // SQLite file path
	URL  string `toml:"url"`  // PostgreSQL connection URL
}

// MCPConfig holds MCP tool server settings.
type MCPConfig struct {
	Enabled bool `toml:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Verbosity int `toml:"verbosity"` // 0=errors, 1=cycles, 2=modules, 3=watcher, 4=payloads
}

// ScriptConfig is the meta data of one userscript instance.
type ScriptConfig struct {
	Name    string   `toml:"name"`
	Entry   string   `toml:"entry"`
	Include []string `toml:"include"`
	Match   []string `toml:"match"`
	Exclude []string `toml:"exclude"`
	Assets  []string `toml:"assets"`
}

// Queue policies for change events arriving while a cycle is running.
const (
	QueueFIFO     = "fifo"
	QueueCoalesce = "coalesce"
)

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' && strings.Trim(arg[1:], "v") == "" {
			for range arg[1:] {
				result = append(result, "-v")
			}
			continue
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7420,
		},
		Watch: WatchConfig{
			Dir:      "src",
			Debounce: Duration(100 * time.Millisecond),
			Enabled:  true,
		},
		Runtime: RuntimeConfig{
			URL:   "about:blank",
			Queue: QueueFIFO,
		},
		Journal: JournalConfig{
			Type: "memory",
			Path: "hotmonkey.db",
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, []string, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("hotmonkey", flag.ContinueOnError)
	configPath := fs.String("config", "", "Configuration file (default: "+DefaultConfigFile+")")

	host := fs.String("host", "", "HTTP listen address")
	port := fs.Int("port", 0, "HTTP listen port")

	dir := fs.String("dir", "", "Userscript source directory")
	debounce := fs.Duration("debounce", 0, "Change batching window")
	noWatch := fs.Bool("no-watch", false, "Disable source watching")

	url := fs.String("url", "", "Page URL the runtime is attached to")
	queue := fs.String("queue", "", "Queue policy: fifo, coalesce")
	var ignore stringList
	fs.Var(&ignore, "ignore", "Ignore modules matching this pattern (repeatable)")

	journal := fs.String("journal", "", "Journal type: memory, sqlite, postgresql")
	journalPath := fs.String("journal-path", "", "SQLite journal path")
	journalURL := fs.String("journal-url", "", "PostgreSQL journal URL")

	mcp := fs.Bool("mcp", false, "Serve MCP tools on stdio")

	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	path := *configPath
	if path == "" {
		path = DefaultConfigFile
	}
	if err := cfg.loadTOML(path); err != nil && !(os.IsNotExist(err) && *configPath == "") {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}

	cfg.applyEnv()

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dir != "" {
		cfg.Watch.Dir = *dir
	}
	if *debounce != 0 {
		cfg.Watch.Debounce = Duration(*debounce)
	}
	if *noWatch {
		cfg.Watch.Enabled = false
	}
	if *url != "" {
		cfg.Runtime.URL = *url
	}
	if *queue != "" {
		cfg.Runtime.Queue = *queue
	}
	if len(ignore) > 0 {
		cfg.Runtime.Ignore = append(cfg.Runtime.Ignore, ignore...)
	}
	if *journal != "" {
		cfg.Journal.Type = *journal
	}
	if *journalPath != "" {
		cfg.Journal.Path = *journalPath
	}
	if *journalURL != "" {
		cfg.Journal.URL = *journalURL
	}
	if *mcp {
		cfg.MCP.Enabled = true
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

// Validate checks settings that cannot be corrected silently.
func (c *Config) Validate() error {
	switch c.Runtime.Queue {
	case QueueFIFO, QueueCoalesce:
	default:
		return fmt.Errorf("unknown queue policy %q", c.Runtime.Queue)
	}
	seen := make(map[string]bool, len(c.Scripts))
	for i, s := range c.Scripts {
		if s.Name == "" {
			return fmt.Errorf("script %d: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("script %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
		if s.Entry == "" {
			return fmt.Errorf("script %q: entry is required", s.Name)
		}
	}
	return nil
}

// Script returns the script with the given name.
func (c *Config) Script(name string) (ScriptConfig, bool) {
	for _, s := range c.Scripts {
		if s.Name == name {
			return s, true
		}
	}
	return ScriptConfig{}, false
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("HOTMONKEY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("HOTMONKEY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("HOTMONKEY_DIR"); v != "" {
		c.Watch.Dir = v
	}
	if v := os.Getenv("HOTMONKEY_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Watch.Debounce = Duration(d)
		}
	}
	if v := os.Getenv("HOTMONKEY_URL"); v != "" {
		c.Runtime.URL = v
	}
	if v := os.Getenv("HOTMONKEY_QUEUE"); v != "" {
		c.Runtime.Queue = v
	}
	if v := os.Getenv("HOTMONKEY_JOURNAL"); v != "" {
		c.Journal.Type = v
	}
	if v := os.Getenv("HOTMONKEY_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("HOTMONKEY_JOURNAL_URL"); v != "" {
		c.Journal.URL = v
	}
	if v := os.Getenv("HOTMONKEY_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// Log writes a message if level is within the configured verbosity.
// Level 0 messages are always written.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if c == nil || level > c.Logging.Verbosity {
		return
	}
	log.Printf(format, args...)
}

// stringList implements flag.Value for repeatable string flags.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
