// Package config assembles blockscan's runtime configuration from flags,
// BLOCKSCAN_* environment variables and an optional YAML file, in that order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/blockscan/internal/domain/scan"
)

const defaultSQLitePath = "blockscan.db"

// EnvPrefix namespaces environment overrides, e.g. BLOCKSCAN_RECORDS_DSN.
const EnvPrefix = "BLOCKSCAN"

// Supported drivers and sinks.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"

	SinkConsole = "console"
	SinkKafka   = "kafka"
	SinkBoth    = "both"
)

// Config is the fully resolved configuration of one invocation.
type Config struct {
	Job        string        `mapstructure:"job" yaml:"job" validate:"required"`
	Marker     string        `mapstructure:"marker" yaml:"marker"`
	DateBefore string        `mapstructure:"date_before" yaml:"date_before"`
	DateAfter  string        `mapstructure:"date_after" yaml:"date_after"`
	Batch      int           `mapstructure:"batch" yaml:"batch"`
	Dev        bool          `mapstructure:"dev" yaml:"dev"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`

	Retry      RetryConfig      `mapstructure:"retry" yaml:"retry"`
	Records    RecordsConfig    `mapstructure:"records" yaml:"records"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint"`
	Sink       string           `mapstructure:"sink" yaml:"sink" validate:"oneof=console kafka both"`
	Kafka      KafkaConfig      `mapstructure:"kafka" yaml:"kafka"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`

	// PrintConfig dumps the resolved configuration instead of scanning.
	PrintConfig bool `mapstructure:"print_config" yaml:"-"`
}

// RetryConfig overrides the page fetch retry policy.
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0,lte=30"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay" validate:"gt=0"`
}

// RecordsConfig selects and scopes the record store.
type RecordsConfig struct {
	Driver    string  `mapstructure:"driver" yaml:"driver" validate:"oneof=memory sqlite postgres"`
	DSN       string  `mapstructure:"dsn" yaml:"dsn"`
	PostType  string  `mapstructure:"post_type" yaml:"post_type" validate:"required"`
	Status    string  `mapstructure:"status" yaml:"status" validate:"required"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
}

// CheckpointConfig selects the settings store holding resume points.
type CheckpointConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" validate:"oneof=memory sqlite postgres badger"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// KafkaConfig locates the results topic.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers" yaml:"brokers"`
	Topic    string   `mapstructure:"topic" yaml:"topic"`
	ClientID string   `mapstructure:"client_id" yaml:"client_id"`
}

// TelemetryConfig points traces and metrics at an OTLP collector. An empty
// endpoint disables export.
type TelemetryConfig struct {
	Endpoint      string  `mapstructure:"endpoint" yaml:"endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio" yaml:"sampling_ratio" validate:"gte=0,lte=1"`
}

// LogConfig controls the stderr logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
}

// flagBinding ties a viper key to its command line flag.
type flagBinding struct{ key, flag string }

var bindings = []flagBinding{
	{"job", "job"},
	{"marker", "marker"},
	{"date_before", "date-before"},
	{"date_after", "date-after"},
	{"batch", "batch"},
	{"dev", "dev"},
	{"timeout", "timeout"},
	{"retry.max_retries", "max-retries"},
	{"retry.initial_delay", "initial-delay"},
	{"records.driver", "records-driver"},
	{"records.dsn", "records-dsn"},
	{"records.post_type", "post-type"},
	{"records.status", "post-status"},
	{"records.rate_limit", "rate-limit"},
	{"records.burst", "burst"},
	{"checkpoint.driver", "checkpoint-driver"},
	{"checkpoint.dsn", "checkpoint-dsn"},
	{"checkpoint.path", "checkpoint-path"},
	{"sink", "sink"},
	{"kafka.brokers", "kafka-brokers"},
	{"kafka.topic", "kafka-topic"},
	{"kafka.client_id", "kafka-client-id"},
	{"telemetry.endpoint", "otel-endpoint"},
	{"telemetry.sampling_ratio", "otel-sampling-ratio"},
	{"log.level", "log-level"},
	{"log.format", "log-format"},
	{"print_config", "print-config"},
}

// NewFlagSet declares every blockscan flag. Date defaults are relative to
// today.
func NewFlagSet(name string, today time.Time) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false

	fs.String("config", "", "path to a YAML config file")
	fs.String("job", scan.DefaultJobName, "job name scoping the checkpoint key")
	fs.String("marker", scan.DefaultMarker, "literal text a record must contain")
	fs.String("date-before", today.Format(scan.DateLayout), "last publish date to scan, inclusive (YYYY-MM-DD)")
	fs.String("date-after", today.Add(-scan.DefaultLookback).Format(scan.DateLayout), "first publish date to scan, inclusive (YYYY-MM-DD)")
	fs.Int("batch", scan.DefaultBatchSize, "number of records per page")
	fs.Bool("dev", false, "print post count, execution time and memory usage")
	fs.Duration("timeout", 0, "overall run deadline, 0 for none")

	fs.Int("max-retries", scan.DefaultMaxRetries, "retries per page before the run is abandoned")
	fs.Duration("initial-delay", scan.DefaultInitialDelay, "first retry delay, doubled on every retry")

	fs.String("records-driver", DriverSQLite, "record store: memory, sqlite or postgres")
	fs.String("records-dsn", defaultSQLitePath, "record store DSN or SQLite path")
	fs.String("post-type", scan.DefaultPostType, "post type to scan")
	fs.String("post-status", scan.DefaultPostStatus, "post status to scan")
	fs.Float64("rate-limit", 0, "maximum page queries per second, 0 for unlimited")
	fs.Int("burst", 1, "page query burst allowance")

	fs.String("checkpoint-driver", DriverSQLite, "checkpoint store: memory, sqlite, postgres or badger")
	fs.String("checkpoint-dsn", "", "checkpoint store DSN, defaults to the records DSN when drivers match")
	fs.String("checkpoint-path", "blockscan-checkpoints", "badger data directory")

	fs.String("sink", SinkConsole, "result sink: console, kafka or both")
	fs.StringSlice("kafka-brokers", nil, "Kafka bootstrap brokers")
	fs.String("kafka-topic", "blockscan.results", "Kafka topic for results")
	fs.String("kafka-client-id", "blockscan", "Kafka client id")

	fs.String("otel-endpoint", "", "OTLP gRPC collector endpoint")
	fs.Float64("otel-sampling-ratio", 1, "trace sampling ratio between 0 and 1")

	fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.String("log-format", "json", "log format: json or text")
	fs.Bool("print-config", false, "print the resolved configuration as YAML and exit")
	return fs
}

// Load parses args and resolves the configuration. A help request returns
// pflag.ErrHelp.
func Load(args []string, today time.Time) (*Config, error) {
	fs := NewFlagSet("blockscan", today)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	for _, b := range bindings {
		if err := v.BindPFlag(b.key, fs.Lookup(b.flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", b.flag, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Checkpoint.DSN == "" {
		switch {
		case cfg.Checkpoint.Driver == cfg.Records.Driver:
			cfg.Checkpoint.DSN = cfg.Records.DSN
		case cfg.Checkpoint.Driver == DriverSQLite:
			cfg.Checkpoint.DSN = defaultSQLitePath
		}
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the infrastructure settings. Scan arguments are validated
// by scan.NewRequest so that they surface as scan.ErrInvalidArgument.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Sink != SinkConsole && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("invalid config: sink %q needs kafka brokers and topic", c.Sink)
	}
	if c.Records.Driver != DriverMemory && c.Records.DSN == "" {
		return fmt.Errorf("invalid config: records driver %q needs a dsn", c.Records.Driver)
	}
	switch c.Checkpoint.Driver {
	case DriverBadger:
		if c.Checkpoint.Path == "" {
			return errors.New("invalid config: badger checkpoint store needs a path")
		}
	case DriverSQLite, DriverPostgres:
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("invalid config: checkpoint driver %q needs a dsn", c.Checkpoint.Driver)
		}
	}
	return nil
}

// Policy returns the retry policy described by the configuration.
func (c *Config) Policy() scan.Policy {
	return scan.Policy{InitialDelay: c.Retry.InitialDelay, MaxRetries: c.Retry.MaxRetries}
}

// Request validates the scan arguments and builds the scan request.
func (c *Config) Request() (scan.Request, error) {
	req, err := scan.NewRequest(c.DateAfter, c.DateBefore, c.Batch, c.Marker)
	if err != nil {
		return scan.Request{}, err
	}
	return req.WithPostScope(c.Records.PostType, c.Records.Status), nil
}

// WriteYAML writes the resolved configuration to w.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
