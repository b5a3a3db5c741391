// Package config holds the driver configuration: defaults, registered server
// and database aliases, and logging settings. It is read from a YAML file with
// FBDRIVER_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// DriverSection holds the defaults applied to every connection.
type DriverSection struct {
	StreamBlobThreshold int    `yaml:"stream_blob_threshold"`
	DefaultCharset      string `yaml:"default_charset"`
	DefaultSQLDialect   int    `yaml:"default_sql_dialect"`
	DefaultUser         string `yaml:"default_user"`
	DefaultPassword     string `yaml:"default_password"`
	// DefaultIsolation names the isolation of the main transaction, for
	// example SNAPSHOT or READ_COMMITTED_RECORD_VERSION.
	DefaultIsolation   string `yaml:"default_isolation"`
	DefaultLockTimeout int    `yaml:"default_lock_timeout"`
}

// ServerConfig is a named server.
type ServerConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// DatabaseConfig is a named database. Zero values fall back to the driver defaults.
type DatabaseConfig struct {
	Name     string `yaml:"name"`
	Server   string `yaml:"server"`
	Database string `yaml:"database"`
	Protocol string `yaml:"protocol"`

	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Role            string `yaml:"role"`
	Charset         string `yaml:"charset"`
	SQLDialect      int    `yaml:"sql_dialect"`
	Timeout         int    `yaml:"timeout"`
	CacheSize       int    `yaml:"cache_size"`
	NoGC            bool   `yaml:"no_gc"`
	NoDBTriggers    bool   `yaml:"no_db_triggers"`
	NoLinger        bool   `yaml:"no_linger"`
	UTF8Filename    bool   `yaml:"utf8filename"`
	SessionTimeZone string `yaml:"session_time_zone"`

	// Used by CreateDatabase only.
	PageSize      int    `yaml:"page_size"`
	DBCharset     string `yaml:"db_charset"`
	DBSQLDialect  int    `yaml:"db_sql_dialect"`
	ForcedWrites  *bool  `yaml:"forced_writes"`
	ReserveSpace  *bool  `yaml:"reserve_space"`
	SweepInterval *int   `yaml:"sweep_interval"`
}

// Logging configures the log handler installed by the CLI.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json or tint
}

// DriverConfig is the root of the configuration file.
type DriverConfig struct {
	Driver    DriverSection    `yaml:"driver"`
	Servers   []ServerConfig   `yaml:"servers"`
	Databases []DatabaseConfig `yaml:"databases"`
	Logging   Logging          `yaml:"logging"`
}

// Default returns the built-in defaults.
func Default() *DriverConfig {
	return &DriverConfig{
		Driver: DriverSection{
			StreamBlobThreshold: 65536,
			DefaultCharset:      "UTF8",
			DefaultSQLDialect:   3,
			DefaultIsolation:    "SNAPSHOT",
			DefaultLockTimeout:  -1,
		},
		Logging: Logging{
			Level:  "info",
			Format: "tint",
		},
	}
}

// Parse reads YAML on top of the defaults.
func Parse(data []byte) (*DriverConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a configuration file and applies environment overrides. An empty
// path yields the defaults with overrides.
func Load(path string) (*DriverConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies FBDRIVER_* overrides.
func LoadFromEnv(cfg *DriverConfig, getenv func(string) string) error {
	if v := getenv("FBDRIVER_STREAM_BLOB_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: FBDRIVER_STREAM_BLOB_THRESHOLD: %w", err)
		}
		cfg.Driver.StreamBlobThreshold = n
	}
	if v := getenv("FBDRIVER_CHARSET"); v != "" {
		cfg.Driver.DefaultCharset = v
	}
	if v := getenv("FBDRIVER_SQL_DIALECT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: FBDRIVER_SQL_DIALECT: %w", err)
		}
		cfg.Driver.DefaultSQLDialect = n
	}
	if v := getenv("FBDRIVER_USER"); v != "" {
		cfg.Driver.DefaultUser = v
	}
	if v := getenv("FBDRIVER_PASSWORD"); v != "" {
		cfg.Driver.DefaultPassword = v
	}
	if v := getenv("FBDRIVER_ISOLATION"); v != "" {
		cfg.Driver.DefaultIsolation = v
	}
	if v := getenv("FBDRIVER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := getenv("FBDRIVER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

// Validate rejects duplicate aliases and references to unknown servers.
func (c *DriverConfig) Validate() error {
	servers := map[string]bool{}
	for _, s := range c.Servers {
		key := strings.ToLower(s.Name)
		if key == "" {
			return fmt.Errorf("config: server without a name")
		}
		if servers[key] {
			return fmt.Errorf("config: duplicate server %q", s.Name)
		}
		servers[key] = true
	}
	databases := map[string]bool{}
	for _, d := range c.Databases {
		key := strings.ToLower(d.Name)
		if key == "" {
			return fmt.Errorf("config: database without a name")
		}
		if databases[key] {
			return fmt.Errorf("config: duplicate database %q", d.Name)
		}
		databases[key] = true
		if d.Server != "" && !servers[strings.ToLower(d.Server)] {
			return fmt.Errorf("config: database %q refers to unknown server %q", d.Name, d.Server)
		}
	}
	return nil
}

// Server looks up a server alias, ignoring case.
func (c *DriverConfig) Server(name string) (*ServerConfig, bool) {
	for i := range c.Servers {
		if strings.EqualFold(c.Servers[i].Name, name) {
			return &c.Servers[i], true
		}
	}
	return nil, false
}

// Database looks up a database alias, ignoring case.
func (c *DriverConfig) Database(name string) (*DatabaseConfig, bool) {
	for i := range c.Databases {
		if strings.EqualFold(c.Databases[i].Name, name) {
			return &c.Databases[i], true
		}
	}
	return nil, false
}

// RegisterServer adds or replaces a server alias.
func (c *DriverConfig) RegisterServer(s ServerConfig) {
	if cur, ok := c.Server(s.Name); ok {
		*cur = s
		return
	}
	c.Servers = append(c.Servers, s)
}

// RegisterDatabase adds or replaces a database alias.
func (c *DriverConfig) RegisterDatabase(d DatabaseConfig) {
	if cur, ok := c.Database(d.Name); ok {
		*cur = d
		return
	}
	c.Databases = append(c.Databases, d)
}

// Marshal renders the configuration as YAML.
func (c *DriverConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

var current atomic.Pointer[DriverConfig]

func init() {
	current.Store(Default())
}

// Current returns the process-wide configuration used by the driver.
func Current() *DriverConfig {
	return current.Load()
}

// Set replaces the process-wide configuration.
func Set(cfg *DriverConfig) {
	current.Store(cfg)
}
