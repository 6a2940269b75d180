package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/helpers"
)

// Storage backends accepted by [spool] and [[repository]].
const (
	BackendMemory   = "memory"
	BackendDisk     = "disk"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output    string `toml:"output"`     // Log output: "stderr", "stdout", "syslog", or file path
	Format    string `toml:"format"`     // Log format: "json" or "console"
	Level     string `toml:"level"`      // Log level: "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"` // Tag used when output is "syslog" (default: "mailspool")
}

// DiskConfig configures the file-per-record backend.
type DiskConfig struct {
	Path string `toml:"path"` // Directory holding <key>.json and <key>.msg files
}

// SQLiteConfig configures the single-file database backend.
type SQLiteConfig struct {
	Path        string `toml:"path"`         // Database file
	BusyTimeout string `toml:"busy_timeout"` // How long a writer waits for the database lock (default: "5s")
}

// GetBusyTimeout parses the busy timeout duration
func (s *SQLiteConfig) GetBusyTimeout() (time.Duration, error) {
	if s.BusyTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(s.BusyTimeout)
}

// PostgresConfig holds the connection settings of the shared database backend.
type PostgresConfig struct {
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`
	MinConns        int         `toml:"min_conns"`
	MaxConnLifetime string      `toml:"max_conn_lifetime"`
	MaxConnIdleTime string      `toml:"max_conn_idle_time"`
	QueryTimeout    string      `toml:"query_timeout"`
	AutoMigrate     *bool       `toml:"auto_migrate"` // Apply pending migrations at startup (default: true)
	LogQueries      bool        `toml:"log_queries"`
}

// GetPort returns the configured port as a string.
func (p *PostgresConfig) GetPort() string {
	switch v := p.Port.(type) {
	case nil:
		return "5432"
	case string:
		if v == "" {
			return "5432"
		}
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}

// ConnString builds a postgres:// URL for the first host.
func (p *PostgresConfig) ConnString() string {
	sslMode := "disable"
	if p.TLSMode {
		sslMode = "require"
	}
	host := "localhost"
	if len(p.Hosts) > 0 {
		host = p.Hosts[0]
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, host, p.GetPort(), p.Name, sslMode)
}

// GetMaxConnLifetime parses the max connection lifetime duration
func (p *PostgresConfig) GetMaxConnLifetime() (time.Duration, error) {
	if p.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(p.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration
func (p *PostgresConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if p.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(p.MaxConnIdleTime)
}

// GetQueryTimeout parses the per-query timeout duration
func (p *PostgresConfig) GetQueryTimeout() (time.Duration, error) {
	if p.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(p.QueryTimeout)
}

// GetAutoMigrate reports whether migrations run at startup.
func (p *PostgresConfig) GetAutoMigrate() bool {
	return p.AutoMigrate == nil || *p.AutoMigrate
}

// S3Config holds S3 configuration.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Prefix        string `toml:"prefix"` // Object key prefix (default: the repository name)
	Debug         bool   `toml:"debug"`  // Enable detailed S3 request/response tracing
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"`
}

// RetryConfig controls retries of transient backend failures.
type RetryConfig struct {
	InitialInterval string  `toml:"initial_interval"` // default: "200ms"
	MaxInterval     string  `toml:"max_interval"`     // default: "5s"
	Multiplier      float64 `toml:"multiplier"`       // default: 2.0
	MaxRetries      int     `toml:"max_retries"`      // default: 3
}

// GetInitialInterval parses the first retry delay
func (r *RetryConfig) GetInitialInterval() (time.Duration, error) {
	if r.InitialInterval == "" {
		return 200 * time.Millisecond, nil
	}
	return helpers.ParseDuration(r.InitialInterval)
}

// GetMaxInterval parses the retry delay cap
func (r *RetryConfig) GetMaxInterval() (time.Duration, error) {
	if r.MaxInterval == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(r.MaxInterval)
}

func (r *RetryConfig) GetMultiplier() float64 {
	if r.Multiplier <= 0 {
		return 2.0
	}
	return r.Multiplier
}

func (r *RetryConfig) GetMaxRetries() int {
	if r.MaxRetries < 0 {
		return 0
	}
	if r.MaxRetries == 0 {
		return 3
	}
	return r.MaxRetries
}

// BreakerConfig controls the circuit breaker in front of remote backends
// (postgres and s3).
type BreakerConfig struct {
	Disabled  bool   `toml:"disabled"`
	Threshold int    `toml:"threshold"` // Consecutive failures before the breaker opens (default: 5)
	Timeout   string `toml:"timeout"`   // How long an open breaker rejects calls (default: "30s")
}

func (b *BreakerConfig) GetThreshold() int {
	if b.Threshold <= 0 {
		return 5
	}
	return b.Threshold
}

func (b *BreakerConfig) GetTimeout() (time.Duration, error) {
	if b.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(b.Timeout)
}

// StorageConfig selects and configures a storage backend. It is shared by
// the spool and by every secondary repository.
type StorageConfig struct {
	Backend  string         `toml:"backend"` // memory, disk, sqlite, postgres, s3
	Disk     DiskConfig     `toml:"disk"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Retry    RetryConfig    `toml:"retry"`
	Breaker  BreakerConfig  `toml:"circuit_breaker"`
}

// SpoolConfig holds the spool store configuration.
type SpoolConfig struct {
	StorageConfig

	ScanLimit  int    `toml:"scan_limit"`  // Keys examined per accept cycle (default: 1000)
	MaxWait    string `toml:"max_wait"`    // Longest single accept sleep (default: "60s")
	ErrorDelay string `toml:"error_delay"` // Minimum age of an error-state item before it is retried (default: "5m")
}

func (s *SpoolConfig) GetScanLimit() int {
	if s.ScanLimit <= 0 {
		return consts.DefaultScanLimit
	}
	return s.ScanLimit
}

// GetMaxWait parses the accept sleep bound
func (s *SpoolConfig) GetMaxWait() (time.Duration, error) {
	if s.MaxWait == "" {
		return consts.DefaultMaxWait, nil
	}
	return helpers.ParseDuration(s.MaxWait)
}

// GetErrorDelay parses the error retry delay
func (s *SpoolConfig) GetErrorDelay() (time.Duration, error) {
	if s.ErrorDelay == "" {
		return consts.DefaultErrorDelay, nil
	}
	return helpers.ParseDuration(s.ErrorDelay)
}

// RepositoryConfig declares a named secondary repository (see the
// to_repository action).
type RepositoryConfig struct {
	Name string `toml:"name"`
	StorageConfig
}

// CoordinatorConfig holds the worker pool settings.
type CoordinatorConfig struct {
	Workers         int    `toml:"workers"`          // Number of worker goroutines (default: 4)
	Handoff         string `toml:"handoff"`          // "inline" (default) or "requeue"
	EntryPipeline   string `toml:"entry_pipeline"`   // State assigned to newly submitted items (default: "root")
	ShutdownTimeout string `toml:"shutdown_timeout"` // How long Stop waits for busy workers (default: "30s")
}

func (c *CoordinatorConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return consts.DefaultWorkers
	}
	return c.Workers
}

func (c *CoordinatorConfig) GetHandoff() string {
	if c.Handoff == "" {
		return consts.HandoffInline
	}
	return c.Handoff
}

func (c *CoordinatorConfig) GetEntryPipeline() string {
	if c.EntryPipeline == "" {
		return "root"
	}
	return c.EntryPipeline
}

// GetShutdownTimeout parses the worker shutdown timeout
func (c *CoordinatorConfig) GetShutdownTimeout() (time.Duration, error) {
	if c.ShutdownTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.ShutdownTimeout)
}

// StageConfig binds a condition and an action under a stage name.
type StageConfig struct {
	Name           string            `toml:"name"`
	Condition      string            `toml:"condition"`       // Registered condition name (default: "all")
	ConditionParam string            `toml:"condition_param"` // Free-form condition argument
	Action         string            `toml:"action"`          // Registered action name
	Params         map[string]string `toml:"params"`          // Action arguments
}

// PipelineConfig declares one named routing pipeline.
type PipelineConfig struct {
	Name   string        `toml:"name"`
	Stages []StageConfig `toml:"stage"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled         bool   `toml:"enabled"`
	Addr            string `toml:"addr"`
	Path            string `toml:"path"`
	CollectInterval string `toml:"collect_interval"` // How often spool depth gauges are refreshed (default: "30s")
}

// GetCollectInterval parses the spool stats collection interval
func (m *MetricsConfig) GetCollectInterval() (time.Duration, error) {
	if m.CollectInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(m.CollectInterval)
}

// AdminAPIConfig holds HTTP admin API server configuration
type AdminAPIConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`       // Plain key or a bcrypt hash ("$2a$...")
	AllowedHosts []string `toml:"allowed_hosts"` // IPs or CIDRs; if empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`

	HealthCheckInterval string `toml:"health_check_interval"` // How often repositories are probed for /health (default: "30s")
}

// GetHealthCheckInterval parses the repository probe interval
func (a *AdminAPIConfig) GetHealthCheckInterval() (time.Duration, error) {
	if a.HealthCheckInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(a.HealthCheckInterval)
}

// AdminCLIConfig holds configuration for the mailspool-admin CLI tool
type AdminCLIConfig struct {
	Addr               string `toml:"addr"`                 // HTTP Admin API endpoint address
	APIKey             string `toml:"api_key"`              // API key for authentication
	InsecureSkipVerify *bool  `toml:"insecure_skip_verify"` // Skip TLS verification (default: true)
}

// Config holds all configuration for the application.
type Config struct {
	Logging      LoggingConfig      `toml:"logging"`
	Spool        SpoolConfig        `toml:"spool"`
	Repositories []RepositoryConfig `toml:"repository"`
	Coordinator  CoordinatorConfig  `toml:"coordinator"`
	Pipelines    []PipelineConfig   `toml:"pipeline"`
	Metrics      MetricsConfig      `toml:"metrics"`
	AdminAPI     AdminAPIConfig     `toml:"admin_api"`
	AdminCLI     AdminCLIConfig     `toml:"admin_cli"`
}

// NewDefaultConfig creates a Config struct with default values. The default
// routing logs and discards everything; real deployments replace the
// pipelines.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output:    "stderr",
			Format:    "console",
			Level:     "info",
			SyslogTag: "mailspool",
		},
		Spool: SpoolConfig{
			StorageConfig: StorageConfig{
				Backend: BackendDisk,
				Disk:    DiskConfig{Path: "/var/spool/mailspool"},
				SQLite:  SQLiteConfig{Path: "/var/spool/mailspool/spool.db", BusyTimeout: "5s"},
				Postgres: PostgresConfig{
					Hosts:           []string{"localhost"},
					Port:            "5432",
					User:            "postgres",
					Name:            "mailspool",
					MaxConns:        20,
					MinConns:        2,
					MaxConnLifetime: "1h",
					MaxConnIdleTime: "30m",
					QueryTimeout:    "30s",
				},
			},
			ScanLimit:  consts.DefaultScanLimit,
			MaxWait:    "60s",
			ErrorDelay: "5m",
		},
		Coordinator: CoordinatorConfig{
			Workers:         consts.DefaultWorkers,
			Handoff:         consts.HandoffInline,
			EntryPipeline:   "root",
			ShutdownTimeout: "30s",
		},
		Pipelines: []PipelineConfig{
			{
				Name: "root",
				Stages: []StageConfig{
					{Name: "log", Condition: "all", Action: "log", Params: map[string]string{"message": "accepted"}},
					{Name: "discard", Condition: "all", Action: "ghost"},
				},
			},
			{
				Name: "error",
				Stages: []StageConfig{
					{Name: "log", Condition: "all", Action: "log", Params: map[string]string{"level": "error", "message": "routing failed"}},
					{Name: "discard", Condition: "all", Action: "ghost"},
				},
			},
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Addr:            ":9090",
			Path:            "/metrics",
			CollectInterval: "30s",
		},
		AdminAPI: AdminAPIConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8025",
		},
		AdminCLI: AdminCLIConfig{
			Addr: "http://127.0.0.1:8025",
		},
	}
}

// Pipeline returns the pipeline declared under name.
func (c *Config) Pipeline(name string) (*PipelineConfig, bool) {
	for i := range c.Pipelines {
		if c.Pipelines[i].Name == name {
			return &c.Pipelines[i], true
		}
	}
	return nil, false
}

// Repository returns the secondary repository declared under name.
func (c *Config) Repository(name string) (*RepositoryConfig, bool) {
	for i := range c.Repositories {
		if c.Repositories[i].Name == name {
			return &c.Repositories[i], true
		}
	}
	return nil, false
}
