package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"TestEngine-Core/internal/bundle"
	"TestEngine-Core/internal/catalog"
	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/internal/events"
	"TestEngine-Core/internal/fetch"
	"TestEngine-Core/internal/manager"
	"TestEngine-Core/pkg/logger"
	"TestEngine-Core/pkg/plugin"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "TESTENGINE_CONFIG"

// DefaultPath is used when neither a flag nor EnvPath is set.
var DefaultPath = filepath.Join("configs", "testengine.json")

// CodeInvalid marks a config file that cannot be used.
const CodeInvalid xerrors.Code = "CONFIG_INVALID"

func init() {
	xerrors.Register(CodeInvalid, xerrors.Attributes{
		Message:  "invalid configuration",
		Category: xerrors.CategorySystem,
		Severity: xerrors.SeverityFatal,
	})
}

// Config is everything the engine reads at start-up.
type Config struct {
	Plugins   PluginsConfig   `json:"plugins"`
	Workspace WorkspaceConfig `json:"workspace"`
	Catalog   CatalogConfig   `json:"catalog"`
	Timeouts  TimeoutsConfig  `json:"timeouts"`
	Download  DownloadConfig  `json:"download"`
	Data      DataConfig      `json:"data"`
	Events    EventsConfig    `json:"events"`
	Lock      LockConfig      `json:"lock"`
	Logging   logger.Config   `json:"logging"`
}

// PluginsConfig lists the plugin roots scanned at start-up.
type PluginsConfig struct {
	// StockDir holds descriptor plugins shipped with the engine.
	StockDir string `json:"stock_dir"`
	// UserDir holds descriptor plugins added by the operator.
	UserDir string `json:"user_dir"`
	// CoreModulesDir is an extra root passed per run, usually empty.
	CoreModulesDir string `json:"core_modules_dir"`
	// InstallDir is where installed bundles live.
	InstallDir string                 `json:"install_dir"`
	Isolation  plugin.IsolationPolicy `json:"isolation"`
}

// WorkspaceConfig controls scratch space and the error file.
type WorkspaceConfig struct {
	TempDir   string `json:"temp_dir"`
	ErrorFile string `json:"error_file"`
	// MetricsFile, when set, receives task metrics after every run.
	MetricsFile string `json:"metrics_file"`
}

// CatalogConfig selects the bundle catalog backend.
type CatalogConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// TimeoutsConfig holds per-step limits in seconds.
type TimeoutsConfig struct {
	SerializerSeconds int `json:"serializer_seconds"`
	DownloadSeconds   int `json:"download_seconds"`
	ExtractSeconds    int `json:"extract_seconds"`
	PluginCallSeconds int `json:"plugin_call_seconds"`
	LockSeconds       int `json:"lock_seconds"`
}

// DownloadConfig controls URL inputs.
type DownloadConfig struct {
	Retries         int   `json:"retries"`
	BackoffMillis   int   `json:"backoff_millis"`
	MaxBytes        int64 `json:"max_bytes"`
	MaxExtractBytes int64 `json:"max_extract_bytes"`
}

// DataConfig controls dataset reading.
type DataConfig struct {
	MixedPolicy       string `json:"mixed_policy"`
	ConversionAdapter string `json:"conversion_adapter"`
}

// EventsConfig selects where progress and results are published.
type EventsConfig struct {
	Driver   string              `json:"driver"`
	Buffer   int                 `json:"buffer"`
	Redis    RedisEventsConfig   `json:"redis"`
	RabbitMQ RabbitMQEventConfig `json:"rabbitmq"`
}

// RedisEventsConfig configures the redis sink.
type RedisEventsConfig struct {
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	List       string `json:"list"`
	Channel    string `json:"channel"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// RabbitMQEventConfig configures the rabbitmq sink.
type RabbitMQEventConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LockConfig selects the bundle install lock.
type LockConfig struct {
	Driver string          `json:"driver"`
	Redis  RedisLockConfig `json:"redis"`
}

// RedisLockConfig configures the redis lock.
type RedisLockConfig struct {
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Prefix     string `json:"prefix"`
	TTLSeconds int    `json:"ttl_seconds"`
	PollMillis int    `json:"poll_millis"`
}

// Path returns flag when set, then $TESTENGINE_CONFIG, then DefaultPath.
func Path(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load parses the JSON config file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(CodeInvalid, "config path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalid, err, "open config file")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalid, err, "read config file")
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(CodeInvalid, err, fmt.Sprintf("parse config %s", path))
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalid, err, "resolve config directory")
	}
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads path. A missing file at the default location yields the
// defaults rooted at the working directory; an explicit path must exist.
func LoadOrDefault(path string) (*Config, error) {
	resolved := Path(path)
	if _, err := os.Stat(resolved); errors.Is(err, os.ErrNotExist) && resolved == DefaultPath {
		wd, err := os.Getwd()
		if err != nil {
			return nil, xerrors.Wrap(CodeInvalid, err, "resolve working directory")
		}
		return Default(wd), nil
	}
	return Load(resolved)
}

// Default returns the configuration used when no file exists.
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	return cfg
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv("TESTENGINE_CATALOG_DSN"); dsn != "" {
		c.Catalog.DSN = dsn
	}
	if driver := os.Getenv("TESTENGINE_CATALOG_DRIVER"); driver != "" {
		c.Catalog.Driver = driver
	}
	if level := os.Getenv("TESTENGINE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// applyDefaults fills every field the file left empty.
func (c *Config) applyDefaults(baseDir string) {
	resolve := func(p *string, def string) {
		if *p == "" {
			*p = def
		}
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}

	resolve(&c.Plugins.StockDir, "plugins/stock")
	resolve(&c.Plugins.UserDir, "plugins/user")
	resolve(&c.Plugins.CoreModulesDir, "")
	resolve(&c.Plugins.InstallDir, "data/bundles")
	resolve(&c.Workspace.TempDir, "")
	if c.Workspace.TempDir == "" {
		c.Workspace.TempDir = os.TempDir()
	}
	resolve(&c.Workspace.ErrorFile, "data/errors.json")
	resolve(&c.Workspace.MetricsFile, "")

	if c.Catalog.Driver == "" {
		c.Catalog.Driver = string(catalog.DialectSQLite)
	}
	if c.Catalog.Driver == string(catalog.DialectSQLite) {
		resolve(&c.Catalog.DSN, "data/catalog.db")
	}

	if c.Timeouts.SerializerSeconds == 0 {
		c.Timeouts.SerializerSeconds = 120
	}
	if c.Timeouts.DownloadSeconds == 0 {
		c.Timeouts.DownloadSeconds = 300
	}
	if c.Timeouts.ExtractSeconds == 0 {
		c.Timeouts.ExtractSeconds = 600
	}
	if c.Timeouts.PluginCallSeconds == 0 {
		c.Timeouts.PluginCallSeconds = 3600
	}
	if c.Timeouts.LockSeconds == 0 {
		c.Timeouts.LockSeconds = 60
	}

	if c.Download.Retries == 0 {
		c.Download.Retries = 3
	}
	if c.Download.BackoffMillis == 0 {
		c.Download.BackoffMillis = 500
	}

	if c.Data.MixedPolicy == "" {
		c.Data.MixedPolicy = string(manager.MixedLenient)
	}

	if c.Events.Driver == "" {
		c.Events.Driver = events.DriverNone
	}
	if c.Lock.Driver == "" {
		c.Lock.Driver = "local"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Audit.Enabled {
		resolve(&c.Logging.Audit.Path, "data/audit.log")
	}
}

// Validate reports every unusable setting at once.
func (c *Config) Validate() error {
	var problems []error
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch catalog.Dialect(c.Catalog.Driver) {
	case catalog.DialectMemory, catalog.DialectSQLite, catalog.DialectMySQL, catalog.DialectPostgres:
	default:
		bad("catalog.driver %q is not one of memory, sqlite, mysql, postgres", c.Catalog.Driver)
	}
	if c.Catalog.Driver != string(catalog.DialectMemory) && strings.TrimSpace(c.Catalog.DSN) == "" {
		bad("catalog.dsn is required for driver %s", c.Catalog.Driver)
	}
	switch manager.MixedPolicy(c.Data.MixedPolicy) {
	case manager.MixedLenient, manager.MixedStrict:
	default:
		bad("data.mixed_policy %q is not one of lenient, strict", c.Data.MixedPolicy)
	}
	switch c.Events.Driver {
	case events.DriverNone, events.DriverMemory:
	case events.DriverRedis:
		if c.Events.Redis.Address == "" {
			bad("events.redis.address is required for the redis driver")
		}
	case events.DriverRabbitMQ:
		if c.Events.RabbitMQ.URL == "" {
			bad("events.rabbitmq.url is required for the rabbitmq driver")
		}
	default:
		bad("events.driver %q is not one of none, memory, redis, rabbitmq", c.Events.Driver)
	}
	switch c.Lock.Driver {
	case "local":
	case "redis":
		if c.Lock.Redis.Address == "" {
			bad("lock.redis.address is required for the redis driver")
		}
	default:
		bad("lock.driver %q is not one of local, redis", c.Lock.Driver)
	}
	if c.Download.Retries < 0 {
		bad("download.retries cannot be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	return xerrors.Wrap(CodeInvalid, errors.Join(problems...), fmt.Sprintf("configuration has %d problems", len(problems)))
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// CatalogOptions converts the catalog section.
func (c *Config) CatalogOptions() catalog.Config {
	return catalog.Config{
		Dialect:         catalog.Dialect(c.Catalog.Driver),
		DSN:             c.Catalog.DSN,
		MaxOpenConns:    c.Catalog.MaxOpenConns,
		MaxIdleConns:    c.Catalog.MaxIdleConns,
		ConnMaxLifetime: seconds(c.Catalog.ConnMaxLifetimeSeconds),
	}
}

// EventsOptions converts the events section.
func (c *Config) EventsOptions() events.Config {
	return events.Config{
		Driver: c.Events.Driver,
		Buffer: c.Events.Buffer,
		Redis: events.RedisConfig{
			Address:  c.Events.Redis.Address,
			Password: c.Events.Redis.Password,
			DB:       c.Events.Redis.DB,
			List:     c.Events.Redis.List,
			Channel:  c.Events.Redis.Channel,
			TTL:      seconds(c.Events.Redis.TTLSeconds),
		},
		RabbitMQ: events.RabbitMQConfig{
			URL:        c.Events.RabbitMQ.URL,
			Exchange:   c.Events.RabbitMQ.Exchange,
			Queue:      c.Events.RabbitMQ.Queue,
			Durable:    c.Events.RabbitMQ.Durable,
			AutoDelete: c.Events.RabbitMQ.AutoDelete,
		},
	}
}

// ManagerOptions converts the timeouts, download and data sections. The
// caller supplies the fetcher, loaders, collector and logger.
func (c *Config) ManagerOptions() manager.Options {
	return manager.Options{
		TempDir:           c.Workspace.TempDir,
		SerializerTimeout: seconds(c.Timeouts.SerializerSeconds),
		ExtractTimeout:    seconds(c.Timeouts.ExtractSeconds),
		MaxExtractBytes:   c.Download.MaxExtractBytes,
		MixedPolicy:       manager.MixedPolicy(c.Data.MixedPolicy),
		ConversionAdapter: c.Data.ConversionAdapter,
	}
}

// PluginCallTimeout bounds one exec or wasm plugin call.
func (c *Config) PluginCallTimeout() time.Duration { return seconds(c.Timeouts.PluginCallSeconds) }

// LockTimeout bounds waiting for the bundle install lock.
func (c *Config) LockTimeout() time.Duration { return seconds(c.Timeouts.LockSeconds) }

// FetchOptions converts the download section. Retries counts attempts.
func (c *Config) FetchOptions() fetch.Config {
	return fetch.Config{
		Dir:      c.Workspace.TempDir,
		Attempts: c.Download.Retries,
		Backoff:  time.Duration(c.Download.BackoffMillis) * time.Millisecond,
		Timeout:  seconds(c.Timeouts.DownloadSeconds),
		MaxBytes: c.Download.MaxBytes,
	}
}

// RedisLockOptions converts the redis lock section.
func (c *Config) RedisLockOptions() bundle.RedisLockerConfig {
	return bundle.RedisLockerConfig{
		Address:  c.Lock.Redis.Address,
		Password: c.Lock.Redis.Password,
		DB:       c.Lock.Redis.DB,
		Prefix:   c.Lock.Redis.Prefix,
		TTL:      seconds(c.Lock.Redis.TTLSeconds),
		Poll:     time.Duration(c.Lock.Redis.PollMillis) * time.Millisecond,
	}
}

// PluginRoots lists the descriptor roots in load order. Later roots override
// earlier ones.
func (c *Config) PluginRoots() []string {
	var roots []string
	for _, r := range []string{c.Plugins.StockDir, c.Plugins.UserDir, c.Plugins.CoreModulesDir} {
		if r != "" {
			roots = append(roots, r)
		}
	}
	return roots
}
