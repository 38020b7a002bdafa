package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// BackendConfiguration selects the resource and its connection pool
type BackendConfiguration struct {
	Driver                 string `toml:"driver"` // "postgres" or "mysql"
	DSN                    string `toml:"dsn"`
	MaxOpenConns           int    `toml:"max_open_conns"`
	MaxIdleConns           int    `toml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `toml:"conn_max_lifetime_seconds"`
}

// RecoveryConfiguration controls the stale prepared transaction janitor
type RecoveryConfiguration struct {
	JanitorEnabled  bool   `toml:"janitor_enabled"`
	IntervalSeconds int    `toml:"interval_seconds"`
	MaxAgeSeconds   int    `toml:"max_age_seconds"`
	XIDPattern      string `toml:"xid_pattern"` // glob, empty matches all
}

// AdminConfiguration for the HTTP admin API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// SinkConfiguration describes one resolution event sink
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "kafka" or "nats"
	Format          string   `toml:"format"` // "json" or "msgpack"
	Topic           string   `toml:"topic"` // prefix, the outcome is appended
	FilterXIDs      []string `toml:"filter_xids"`
	FilterResources []string `toml:"filter_resources"`
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	BatchSize       int      `toml:"batch_size"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// PublisherConfiguration lists sinks that receive resolution events
type PublisherConfiguration struct {
	Enabled bool                `toml:"enabled"`
	Sinks   []SinkConfiguration `toml:"sinks"`
}

// Configuration is the main configuration structure
type Configuration struct {
	ParticipantID string `toml:"participant_id"`

	Backend    BackendConfiguration    `toml:"backend"`
	Recovery   RecoveryConfiguration   `toml:"recovery"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
}

// Command line flags
var (
	ConfigPathFlag    = flag.String("config", "config.toml", "Path to configuration file")
	ParticipantIDFlag = flag.String("participant-id", "", "Participant ID (overrides config)")
	DriverFlag        = flag.String("driver", "", "Backend driver (overrides config)")
	DSNFlag           = flag.String("dsn", "", "Backend DSN (overrides config)")
	AdminPortFlag     = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	ParticipantID: "", // Auto-generate

	Backend: BackendConfiguration{
		Driver:                 "postgres",
		MaxOpenConns:           16,
		MaxIdleConns:           4,
		ConnMaxLifetimeSeconds: 300,
	},

	Recovery: RecoveryConfiguration{
		JanitorEnabled:  false,
		IntervalSeconds: 60,
		MaxAgeSeconds:   3600,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "127.0.0.1",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *ParticipantIDFlag != "" {
		Config.ParticipantID = *ParticipantIDFlag
	}
	if *DriverFlag != "" {
		Config.Backend.Driver = *DriverFlag
	}
	if *DSNFlag != "" {
		Config.Backend.DSN = *DSNFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.ParticipantID == "" {
		id, err := generateParticipantID()
		if err != nil {
			return fmt.Errorf("failed to generate participant ID: %w", err)
		}
		Config.ParticipantID = id
		log.Info().Str("participant_id", id).Msg("Auto-generated participant ID")
	}

	return nil
}

// generateParticipantID derives a stable ID from the machine ID
func generateParticipantID() (string, error) {
	id, err := machineid.ProtectedID("tpc")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return "tpc-" + strconv.FormatUint(h.Sum64(), 16), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Backend.Driver {
	case "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported backend driver: %q", Config.Backend.Driver)
	}

	if Config.Backend.DSN == "" {
		return fmt.Errorf("backend dsn is required")
	}

	if Config.Backend.MaxOpenConns < 0 {
		return fmt.Errorf("backend max open conns must be >= 0")
	}

	if Config.Backend.MaxIdleConns < 0 {
		return fmt.Errorf("backend max idle conns must be >= 0")
	}

	if Config.Backend.ConnMaxLifetimeSeconds < 0 {
		return fmt.Errorf("backend conn max lifetime must be >= 0")
	}

	if Config.Recovery.JanitorEnabled && Config.Recovery.IntervalSeconds < 1 {
		return fmt.Errorf("recovery interval must be >= 1 second")
	}

	if Config.Recovery.MaxAgeSeconds < 0 {
		return fmt.Errorf("recovery max age must be >= 0")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "" && Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	seen := make(map[string]bool, len(Config.Publisher.Sinks))
	for _, sink := range Config.Publisher.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("publisher sink name is required")
		}
		if seen[sink.Name] {
			return fmt.Errorf("duplicate publisher sink name: %s", sink.Name)
		}
		seen[sink.Name] = true
		if sink.Topic == "" {
			return fmt.Errorf("publisher sink %s: topic is required", sink.Name)
		}
	}

	return nil
}

// ConnMaxLifetime returns the pool lifetime as a duration
func (b BackendConfiguration) ConnMaxLifetime() time.Duration {
	return time.Duration(b.ConnMaxLifetimeSeconds) * time.Second
}

// Interval returns the janitor period as a duration
func (r RecoveryConfiguration) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// MaxAge returns the stale threshold as a duration
func (r RecoveryConfiguration) MaxAge() time.Duration {
	return time.Duration(r.MaxAgeSeconds) * time.Second
}
