// Package config holds the settings of the keelson-record process.
//
// Settings come from an optional YAML file named by --config, with
// command-line flags overriding file values:
//
//	keys:
//	  - rise/@v0/**/pubsub/**
//	output_folder: /data/recordings
//	rotate_when: MIDNIGHT
//	rotate_size: 500MB
//	transport: nats
//	connect: nats://localhost:4222
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"github.com/rbaliyan/recorder/ingest"
	"github.com/rbaliyan/recorder/rotation"
	"github.com/rbaliyan/recorder/writer"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// PIDFileEnv names the environment variable consulted when no PID file
// flag is given.
const PIDFileEnv = "KEELSON_RECORD_PID_FILE"

// Transports
const (
	TransportNATS  = "nats"
	TransportRedis = "redis"
	TransportKafka = "kafka"
)

// Config errors
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidSize   = errors.New("invalid size")
)

// Config is the full process configuration.
type Config struct {
	// ConfigFile is the YAML file the rest was loaded from.
	ConfigFile string `yaml:"-"`

	// Keys are the key expressions to record.
	Keys []string `yaml:"keys"`

	OutputFolder   string `yaml:"output_folder"`
	FileName       string `yaml:"file_name"`
	RotateWhen     string `yaml:"rotate_when"`
	RotateInterval int    `yaml:"rotate_interval"`
	RotateSize     string `yaml:"rotate_size"`

	PIDFile string `yaml:"pid_file"`

	// Query fetches the latest value of each key before subscribing.
	Query bool `yaml:"query"`

	// ShowFrequencies logs per-key message rates every second.
	ShowFrequencies bool `yaml:"show_frequencies"`

	// ExtraSubjectsTypes is "subjects.yaml,types.bin".
	ExtraSubjectsTypes string `yaml:"extra_subjects_types"`

	Transport  string `yaml:"transport"`
	Connect    string `yaml:"connect"`
	KafkaTopic string `yaml:"kafka_topic"`

	QueueWarn  int `yaml:"queue_warn"`
	QueueError int `yaml:"queue_error"`

	MetricsAddr string `yaml:"metrics_addr"`
	ControlAddr string `yaml:"control_addr"`

	// Manifest is "memory", a redis:// URL or a mongodb:// URI. Empty
	// disables the manifest.
	Manifest string `yaml:"manifest"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		FileName:       writer.DefaultPattern,
		RotateInterval: 1,
		Transport:      TransportNATS,
		Connect:        "nats://127.0.0.1:4222",
		KafkaTopic:     "keelson",
		QueueWarn:      ingest.DefaultWarnDepth,
		QueueError:     ingest.DefaultErrorDepth,
		LogLevel:       "info",
	}
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	c.ConfigFile = path
	return nil
}

// FlagSet binds command-line flags to c, using the current values of c as
// flag defaults.
func (c *Config) FlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "YAML configuration file")
	fs.StringArrayVarP(&c.Keys, "key", "k", c.Keys, "key expression to record (repeatable)")
	fs.StringVar(&c.OutputFolder, "output-folder", c.OutputFolder, "directory for recordings")
	fs.StringVar(&c.FileName, "file-name", c.FileName, "strftime file name pattern, %f is microseconds")
	fs.StringVar(&c.RotateWhen, "rotate-when", c.RotateWhen, "time rotation unit: S, M, H, D, MIDNIGHT or W0-W6")
	fs.IntVar(&c.RotateInterval, "rotate-interval", c.RotateInterval, "number of rotation units per file")
	fs.StringVar(&c.RotateSize, "rotate-size", c.RotateSize, "size rotation threshold, e.g. 500MB")
	fs.StringVar(&c.PIDFile, "pid-file", c.PIDFile, "write the process id to this file (env "+PIDFileEnv+")")
	fs.BoolVar(&c.Query, "query", c.Query, "record the latest value of each key before subscribing")
	fs.BoolVar(&c.ShowFrequencies, "show-frequencies", c.ShowFrequencies, "log per-key message rates")
	fs.StringVar(&c.ExtraSubjectsTypes, "extra-subjects-types", c.ExtraSubjectsTypes, "extra well-known subjects as subjects.yaml,types.bin")
	fs.StringVar(&c.Transport, "transport", c.Transport, "bus transport: nats, redis or kafka")
	fs.StringVar(&c.Connect, "connect", c.Connect, "bus endpoint")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", c.KafkaTopic, "Kafka topic carrying the bus")
	fs.IntVar(&c.QueueWarn, "queue-warn", c.QueueWarn, "queue depth that triggers a warning")
	fs.IntVar(&c.QueueError, "queue-error", c.QueueError, "queue depth that stops the recorder")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address")
	fs.StringVar(&c.ControlAddr, "control-addr", c.ControlAddr, "serve the gRPC control plane on this address")
	fs.StringVar(&c.Manifest, "manifest", c.Manifest, "manifest store: memory, redis://... or mongodb://...")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	return fs
}

// Parse builds the configuration from args. When --config is given the
// file is loaded first and the flags are applied on top of it.
func Parse(name string, args []string) (*Config, error) {
	cfg := Default()
	if err := cfg.FlagSet(name).Parse(args); err != nil {
		return nil, err
	}
	if path := cfg.ConfigFile; path != "" {
		cfg = Default()
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
		if err := cfg.FlagSet(name).Parse(args); err != nil {
			return nil, err
		}
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = os.Getenv(PIDFileEnv)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Keys) == 0 {
		errs = append(errs, errors.New("at least one key is required"))
	}
	if c.OutputFolder == "" {
		errs = append(errs, errors.New("output folder is required"))
	}
	if _, err := c.Rotation(); err != nil {
		errs = append(errs, err)
	}
	switch c.Transport {
	case TransportNATS, TransportRedis, TransportKafka:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.QueueWarn <= 0 || c.QueueError <= c.QueueWarn {
		errs = append(errs, fmt.Errorf("queue thresholds must satisfy 0 < warn < error, got %d and %d", c.QueueWarn, c.QueueError))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ManifestKind(c.Manifest); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Rotation returns the rotation settings.
func (c *Config) Rotation() (rotation.Config, error) {
	when, err := rotation.ParseWhen(c.RotateWhen)
	if err != nil {
		return rotation.Config{}, err
	}
	if c.RotateInterval < 1 {
		return rotation.Config{}, fmt.Errorf("rotate interval must be at least 1, got %d", c.RotateInterval)
	}
	size, err := ParseSize(c.RotateSize)
	if err != nil {
		return rotation.Config{}, err
	}
	return rotation.Config{When: when, Interval: c.RotateInterval, MaxBytes: size}, nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.LogLevel)
	}
	return level, nil
}

// ParseSize parses sizes such as "500MB", "1G" or "4096". Units are powers
// of 1024; a bare number is a byte count. The empty string is zero.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	return n, nil
}

// Manifest store kinds
const (
	ManifestNone   = ""
	ManifestMemory = "memory"
	ManifestRedis  = "redis"
	ManifestMongo  = "mongodb"
)

// ManifestKind classifies a manifest setting.
func ManifestKind(s string) (string, error) {
	switch {
	case s == "":
		return ManifestNone, nil
	case s == ManifestMemory:
		return ManifestMemory, nil
	case strings.HasPrefix(s, "redis://"), strings.HasPrefix(s, "rediss://"):
		return ManifestRedis, nil
	case strings.HasPrefix(s, "mongodb://"), strings.HasPrefix(s, "mongodb+srv://"):
		return ManifestMongo, nil
	default:
		return "", fmt.Errorf("%w: unknown manifest %q", ErrInvalidConfig, s)
	}
}
