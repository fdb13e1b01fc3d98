package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/harvest"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/limiter"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/sushi"
)

const EnvPrefix = "HARVESTER"

// CronParser reads schedule expressions. The seconds field is optional.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	CredentialsStatic   = "static"
	CredentialsPostgres = "postgres"

	ReportsMemory = "memory"
	ReportsMongo  = "mongo"

	EventsNone  = "none"
	EventsKafka = "kafka"

	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveS3    = "s3"
)

type Logger struct {
	Level       string `yaml:"level" mapstructure:"level"`
	Development bool   `yaml:"development" mapstructure:"development"`
}

type Global struct {
	Logger Logger `yaml:"logger" mapstructure:"logger"`
}

type Server struct {
	// Addr of the control API. Empty disables it.
	Addr string `yaml:"addr" mapstructure:"addr"`
}

type Harvest struct {
	Workers           int                   `yaml:"workers" mapstructure:"workers"`
	JobTimeout        time.Duration         `yaml:"job_timeout" mapstructure:"job_timeout"`
	RequestTimeout    time.Duration         `yaml:"request_timeout" mapstructure:"request_timeout"`
	MinTickInterval   time.Duration         `yaml:"min_tick_interval" mapstructure:"min_tick_interval"`
	MaxRetries        int                   `yaml:"max_retries" mapstructure:"max_retries"`
	Backoff           harvest.BackoffConfig `yaml:"backoff" mapstructure:"backoff"`
	Timezone          string                `yaml:"timezone" mapstructure:"timezone"`
	MonthsPerRequest  int                   `yaml:"months_per_request" mapstructure:"months_per_request"`
	RequestsPerSecond float64               `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	UserAgent         string                `yaml:"user_agent" mapstructure:"user_agent"`
	Versions          []string              `yaml:"versions" mapstructure:"versions"`
	Limits            limiter.Config        `yaml:"limits" mapstructure:"limits"`
}

type Postgres struct {
	ConnectionString string        `yaml:"connection_string" mapstructure:"connection_string"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Migrate          bool          `yaml:"migrate" mapstructure:"migrate"`
}

type Store struct {
	Type     string   `yaml:"type" mapstructure:"type"`
	Postgres Postgres `yaml:"postgres" mapstructure:"postgres"`
}

type Credentials struct {
	Type   string             `yaml:"type" mapstructure:"type"`
	Static []sushi.Credential `yaml:"static" mapstructure:"static"`
}

type Mongo struct {
	// URI like mongodb://host:27017/ezmesure?collection=usage&batch_size=500.
	URI string `yaml:"uri" mapstructure:"uri"`
}

type Reports struct {
	Type  string `yaml:"type" mapstructure:"type"`
	Mongo Mongo  `yaml:"mongo" mapstructure:"mongo"`
}

type Kafka struct {
	// URI like kafka://broker1:9092,broker2:9092/topic?acks=all.
	URI string `yaml:"uri" mapstructure:"uri"`
}

type Events struct {
	Type  string `yaml:"type" mapstructure:"type"`
	Kafka Kafka  `yaml:"kafka" mapstructure:"kafka"`
}

type LocalConfig struct {
	Path   string `yaml:"path" mapstructure:"path"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

type S3Config struct {
	Bucket         string `yaml:"bucket" mapstructure:"bucket"`
	Region         string `yaml:"region" mapstructure:"region"`
	Prefix         string `yaml:"prefix" mapstructure:"prefix"`
	Endpoint       string `yaml:"endpoint" mapstructure:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

type Archive struct {
	Type    string      `yaml:"type" mapstructure:"type"`
	Local   LocalConfig `yaml:"local" mapstructure:"local"`
	S3      S3Config    `yaml:"s3" mapstructure:"s3"`
	Parquet bool        `yaml:"parquet" mapstructure:"parquet"`
}

type Config struct {
	Global      Global             `yaml:"global" mapstructure:"global"`
	Server      Server             `yaml:"server" mapstructure:"server"`
	Harvest     Harvest            `yaml:"harvest" mapstructure:"harvest"`
	Schedules   []harvest.Schedule `yaml:"schedules" mapstructure:"schedules"`
	Credentials Credentials        `yaml:"credentials" mapstructure:"credentials"`
	Store       Store              `yaml:"store" mapstructure:"store"`
	Reports     Reports            `yaml:"reports" mapstructure:"reports"`
	Events      Events             `yaml:"events" mapstructure:"events"`
	Archive     Archive            `yaml:"archive" mapstructure:"archive"`

	settings map[string]any
}

// SetDefaults registers every scalar key so that HARVESTER_<SECTION>_<KEY>
// environment variables are picked up even when the file omits the key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("global.logger.level", "info")
	v.SetDefault("global.logger.development", false)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("harvest.workers", harvest.DefaultWorkers)
	v.SetDefault("harvest.job_timeout", harvest.DefaultJobTimeout.String())
	v.SetDefault("harvest.request_timeout", sushi.DefaultTimeout.String())
	v.SetDefault("harvest.min_tick_interval", harvest.DefaultMinTickInterval.String())
	v.SetDefault("harvest.max_retries", harvest.DefaultMaxRetries)
	v.SetDefault("harvest.backoff.initial_interval", harvest.DefaultInitialInterval.String())
	v.SetDefault("harvest.backoff.max_interval", harvest.DefaultMaxInterval.String())
	v.SetDefault("harvest.backoff.multiplier", harvest.DefaultMultiplier)
	v.SetDefault("harvest.backoff.randomization_factor", 0.0)
	v.SetDefault("harvest.timezone", "UTC")
	v.SetDefault("harvest.months_per_request", 0)
	v.SetDefault("harvest.requests_per_second", 0)
	v.SetDefault("harvest.user_agent", "ezmesure-harvester")
	v.SetDefault("harvest.limits.per_credential", limiter.DefaultPerCredential)
	v.SetDefault("harvest.limits.global", limiter.DefaultGlobal)

	v.SetDefault("credentials.type", CredentialsStatic)

	v.SetDefault("store.type", StoreMemory)
	v.SetDefault("store.postgres.connection_string", "")
	v.SetDefault("store.postgres.timeout", "10s")
	v.SetDefault("store.postgres.migrate", true)

	v.SetDefault("reports.type", ReportsMemory)
	v.SetDefault("reports.mongo.uri", "")

	v.SetDefault("events.type", EventsNone)
	v.SetDefault("events.kafka.uri", "")

	v.SetDefault("archive.type", ArchiveNone)
	v.SetDefault("archive.local.path", "")
	v.SetDefault("archive.local.prefix", "")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.prefix", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.force_path_style", false)
	v.SetDefault("archive.parquet", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

// Parse is Load for an in-memory document.
func Parse(doc string) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.settings = v.AllSettings()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported value %q (want one of %s)", field, value, strings.Join(allowed, ", "))
}

func (c *Config) Validate() error {
	checks := []error{
		oneOf("global.logger.level", c.Global.Logger.Level, "debug", "info", "warn", "error"),
		oneOf("store.type", c.Store.Type, StoreMemory, StorePostgres),
		oneOf("credentials.type", c.Credentials.Type, CredentialsStatic, CredentialsPostgres),
		oneOf("reports.type", c.Reports.Type, ReportsMemory, ReportsMongo),
		oneOf("events.type", c.Events.Type, EventsNone, EventsKafka),
		oneOf("archive.type", c.Archive.Type, ArchiveNone, ArchiveLocal, ArchiveS3),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("harvest.timezone: %w", err)
	}
	if c.Harvest.Workers <= 0 {
		return fmt.Errorf("harvest.workers must be positive")
	}
	if c.Harvest.MaxRetries <= 0 {
		return fmt.Errorf("harvest.max_retries must be positive")
	}

	needsPostgres := c.Store.Type == StorePostgres || c.Credentials.Type == CredentialsPostgres
	if needsPostgres && c.Store.Postgres.ConnectionString == "" {
		return fmt.Errorf("store.postgres.connection_string is required")
	}
	if c.Reports.Type == ReportsMongo && c.Reports.Mongo.URI == "" {
		return fmt.Errorf("reports.mongo.uri is required")
	}
	if c.Events.Type == EventsKafka && c.Events.Kafka.URI == "" {
		return fmt.Errorf("events.kafka.uri is required")
	}
	switch c.Archive.Type {
	case ArchiveLocal:
		if c.Archive.Local.Path == "" {
			return fmt.Errorf("archive.local.path is required")
		}
	case ArchiveS3:
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required")
		}
	case ArchiveNone:
		if c.Archive.Parquet {
			return fmt.Errorf("archive.parquet needs an archive")
		}
	}

	// a schedule without cron only runs on demand
	for _, s := range c.Schedules {
		if s.Cron == "" {
			continue
		}
		if _, err := CronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("schedules: %q: invalid cron %q: %w", s.Name, s.Cron, err)
		}
	}

	seen := make(map[string]struct{}, len(c.Credentials.Static))
	for _, cred := range c.Credentials.Static {
		if cred.ID == "" {
			return fmt.Errorf("credentials.static: credential without id")
		}
		if _, dup := seen[cred.ID]; dup {
			return fmt.Errorf("credentials.static: duplicate credential %q", cred.ID)
		}
		seen[cred.ID] = struct{}{}
	}
	return nil
}

func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Harvest.Timezone)
}

var secretKeys = map[string]struct{}{
	"api_key":      {},
	"requestor_id": {},
}

// Effective returns the settings in use, file and environment merged, with
// secrets and connection passwords masked.
func (c *Config) Effective() map[string]any {
	out, _ := redact("", c.settings).(map[string]any)
	return out
}

func redact(key string, v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = redact(k, inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redact(key, inner)
		}
		return out
	case string:
		if _, secret := secretKeys[key]; secret && val != "" {
			return "********"
		}
		if key == "uri" || key == "connection_string" {
			if u, err := url.Parse(val); err == nil && u.User != nil {
				return u.Redacted()
			}
		}
		return val
	case time.Duration:
		return val.String()
	}
	return v
}
