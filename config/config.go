// Package config loads the tenantflow server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nomis52/tenantflow/events"
	"github.com/nomis52/tenantflow/logging"
	"github.com/nomis52/tenantflow/metrics"
	"github.com/nomis52/tenantflow/retry"
	"github.com/nomis52/tenantflow/store"
	"github.com/nomis52/tenantflow/tenant"
)

const (
	// Default listener settings
	defaultListenAddr      = ":8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second

	// Default storage settings
	defaultMaxFinished = 1000

	// Default engine settings
	defaultConcurrency     = 32
	defaultActivityTimeout = 5 * time.Minute
	defaultLogEntries      = 500
	defaultLogExecutions   = 1000

	// Default notification settings
	defaultEventBuffer = 1024

	// Default redis settings
	defaultRedisPrefix = "tenantflow:idem:"

	defaultMetricsPrefix = "tenantflow"
	defaultJobName       = "tenantflow"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageDisk     = "disk"
	StoragePostgres = "postgres"
)

// Config is the complete server configuration.
type Config struct {
	Listener   ListenerConfig            `yaml:"listener"`
	Storage    StorageConfig             `yaml:"storage"`
	Engine     EngineConfig              `yaml:"engine"`
	Tenants    TenantsConfig             `yaml:"tenants"`
	Auth       AuthConfig                `yaml:"auth"`
	Policies   map[string]retry.Policy   `yaml:"policies"`
	Activities map[string]ActivityConfig `yaml:"activities"`
	Workflows  WorkflowsConfig           `yaml:"workflows"`
	Cron       []CronJob                 `yaml:"cron"`
	Logging    logging.Config            `yaml:"logging"`
	Monitoring MonitoringConfig          `yaml:"monitoring"`
	Events     EventsConfig              `yaml:"events"`
	Redis      RedisConfig               `yaml:"redis"`
}

// ListenerConfig holds HTTP listener settings.
type ListenerConfig struct {
	// The listen address, defaults to :8080
	Addr string `yaml:"addr"`
	// TLS is enabled when both files are set. Renewed certificates are picked
	// up without a restart.
	TLSCert         string        `yaml:"tls_cert"`
	TLSKey          string        `yaml:"tls_key"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects where execution histories are kept.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// Dir is the history directory of the disk driver.
	Dir string `yaml:"dir"`
	// MaxFinished bounds how many finished executions the disk driver keeps.
	MaxFinished int                  `yaml:"max_finished"`
	Postgres    store.PostgresConfig `yaml:"postgres"`
}

// EngineConfig holds engine limits and defaults.
type EngineConfig struct {
	// DefaultPolicy names an entry of policies. Empty uses the built-in
	// default policy.
	DefaultPolicy string `yaml:"default_policy"`
	// ActivityTimeout applies to activities without their own timeout.
	ActivityTimeout time.Duration `yaml:"activity_timeout"`
	// Concurrency bounds how many activity attempts run at once.
	Concurrency int `yaml:"concurrency"`
	// LogEntries and LogExecutions bound the captured per-execution logs.
	LogEntries    int `yaml:"log_entries"`
	LogExecutions int `yaml:"log_executions"`
}

// TenantsConfig configures tenant resolution and the tenant directory.
type TenantsConfig struct {
	tenant.ResolverConfig `yaml:",inline"`
	Directory             []tenant.Entry `yaml:"directory"`
}

// AuthConfig configures bearer token verification. Authentication is off when
// Issuer is empty and tenants are then taken from the tenant header.
type AuthConfig struct {
	Issuer   string `yaml:"issuer"`
	ClientID string `yaml:"client_id"`
}

// Enabled reports whether bearer tokens are verified.
func (a AuthConfig) Enabled() bool {
	return a.Issuer != ""
}

// ActivityConfig overrides the settings of one activity.
type ActivityConfig struct {
	// Policy names an entry of policies.
	Policy  string        `yaml:"policy"`
	Timeout time.Duration `yaml:"timeout"`
}

// WorkflowsConfig tunes the built-in workflow definitions.
type WorkflowsConfig struct {
	// Active pins the version new executions of a type start on.
	Active map[string]int `yaml:"active"`
	// StepPolicies names the policy of individual steps, by step name.
	StepPolicies map[string]string `yaml:"step_policies"`
	// Timeouts overrides the execution timeout, by workflow type.
	Timeouts map[string]time.Duration `yaml:"timeouts"`
}

// CronJob starts a workflow on a schedule.
type CronJob struct {
	Name string `yaml:"name"`
	// Schedule is a standard 5 field cron expression.
	Schedule string         `yaml:"schedule"`
	Workflow string         `yaml:"workflow"`
	Version  int            `yaml:"version"`
	Tenant   string         `yaml:"tenant"`
	Input    map[string]any `yaml:"input"`
}

// MonitoringConfig holds metrics settings. Metrics are scraped from /metrics
// unless Push is set, in which case they are pushed with remote write.
type MonitoringConfig struct {
	Push *metrics.PushConfig `yaml:"push"`
}

// EventsConfig configures lifecycle notifications. They are discarded unless
// NATS is set.
type EventsConfig struct {
	NATS   *events.NATSConfig `yaml:"nats"`
	Buffer int                `yaml:"buffer"`
}

// RedisConfig configures the shared idempotency guard. An in-process guard is
// used when Addr is empty.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Policy returns the named retry policy.
func (c *Config) Policy(name string) (retry.Policy, error) {
	p, ok := c.Policies[name]
	if !ok {
		return retry.Policy{}, fmt.Errorf("unknown retry policy %q", name)
	}
	return p, nil
}

// StepPolicies resolves the per-step policy names.
func (c *Config) StepPolicies() (map[string]retry.Policy, error) {
	out := make(map[string]retry.Policy, len(c.Workflows.StepPolicies))
	for step, name := range c.Workflows.StepPolicies {
		p, err := c.Policy(name)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", step, err)
		}
		out[step] = p
	}
	return out, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageDisk:
		if c.Storage.Dir == "" {
			return errors.New("storage dir is required for the disk driver")
		}
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			return errors.New("storage postgres dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if (c.Listener.TLSCert == "") != (c.Listener.TLSKey == "") {
		return errors.New("listener tls_cert and tls_key must be set together")
	}
	if c.Engine.Concurrency <= 0 {
		return errors.New("engine concurrency must be positive")
	}
	if c.Engine.ActivityTimeout <= 0 {
		return errors.New("engine activity timeout must be positive")
	}

	for name, p := range c.Policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy %s: %w", name, err)
		}
	}
	if c.Engine.DefaultPolicy != "" {
		if _, err := c.Policy(c.Engine.DefaultPolicy); err != nil {
			return fmt.Errorf("engine default policy: %w", err)
		}
	}
	for name, a := range c.Activities {
		if a.Policy != "" {
			if _, err := c.Policy(a.Policy); err != nil {
				return fmt.Errorf("activity %s: %w", name, err)
			}
		}
		if a.Timeout < 0 {
			return fmt.Errorf("activity %s: timeout must not be negative", name)
		}
	}
	if _, err := c.StepPolicies(); err != nil {
		return err
	}
	for wf, d := range c.Workflows.Timeouts {
		if d <= 0 {
			return fmt.Errorf("workflow %s: timeout must be positive", wf)
		}
	}
	for wf, v := range c.Workflows.Active {
		if v <= 0 {
			return fmt.Errorf("workflow %s: active version must be positive", wf)
		}
	}

	for i, job := range c.Cron {
		if job.Schedule == "" || job.Workflow == "" || job.Tenant == "" {
			return fmt.Errorf("cron job %d (%s): schedule, workflow and tenant are required", i, job.Name)
		}
	}
	if c.Monitoring.Push != nil && c.Monitoring.Push.URL == "" {
		return errors.New("monitoring push url is required")
	}
	if c.Events.NATS != nil && c.Events.NATS.URL == "" {
		return errors.New("events nats url is required")
	}
	return nil
}

// SetDefaults sets reasonable default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Listener.Addr == "" {
		c.Listener.Addr = defaultListenAddr
	}
	if c.Listener.ReadTimeout == 0 {
		c.Listener.ReadTimeout = defaultReadTimeout
	}
	if c.Listener.WriteTimeout == 0 {
		c.Listener.WriteTimeout = defaultWriteTimeout
	}
	if c.Listener.ShutdownTimeout == 0 {
		c.Listener.ShutdownTimeout = defaultShutdownTimeout
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	if c.Storage.MaxFinished == 0 {
		c.Storage.MaxFinished = defaultMaxFinished
	}

	if c.Engine.Concurrency == 0 {
		c.Engine.Concurrency = defaultConcurrency
	}
	if c.Engine.ActivityTimeout == 0 {
		c.Engine.ActivityTimeout = defaultActivityTimeout
	}
	if c.Engine.LogEntries == 0 {
		c.Engine.LogEntries = defaultLogEntries
	}
	if c.Engine.LogExecutions == 0 {
		c.Engine.LogExecutions = defaultLogExecutions
	}

	for name, p := range c.Policies {
		p.SetDefaults()
		c.Policies[name] = p
	}

	if c.Monitoring.Push != nil {
		if c.Monitoring.Push.Prefix == "" {
			c.Monitoring.Push.Prefix = defaultMetricsPrefix
		}
		if c.Monitoring.Push.Job == "" {
			c.Monitoring.Push.Job = defaultJobName
		}
	}
	if c.Events.NATS != nil {
		c.Events.NATS.SetDefaults()
	}
	if c.Events.Buffer == 0 {
		c.Events.Buffer = defaultEventBuffer
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = defaultRedisPrefix
	}
	// logging.New applies its own defaults.
}

// LoadConfig reads the YAML config file at the given path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode YAML config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}
