package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// DefaultFile is read when no path is given and TESTSTAND_CONFIG is unset.
const DefaultFile = "teststand.yaml"

// Load merges Default() + the YAML file at path + TESTSTAND_* env overrides,
// then validates the result. An empty path falls back to TESTSTAND_CONFIG and
// then to DefaultFile when it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("TESTSTAND_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load %s: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML document at filename onto cfg. Keys absent
// from the file keep their current value.
func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// applyEnvOverrides applies TESTSTAND_* environment variables to cfg.
func applyEnvOverrides(cfg *Config) error {
	t := &cfg.Timing
	t.PollInterval = GetEnvDuration("TESTSTAND_TIMING_POLL_INTERVAL", t.PollInterval)
	t.SettlePerNotch = GetEnvDuration("TESTSTAND_TIMING_SETTLE_PER_NOTCH", t.SettlePerNotch)
	t.SettleCancellable = GetEnvBool("TESTSTAND_TIMING_SETTLE_CANCELLABLE", t.SettleCancellable)
	t.LeadIn = GetEnvDuration("TESTSTAND_TIMING_LEAD_IN", t.LeadIn)
	t.ReferenceTimeout = GetEnvDuration("TESTSTAND_TIMING_REFERENCE_TIMEOUT", t.ReferenceTimeout)
	t.StopTimeout = GetEnvDuration("TESTSTAND_TIMING_STOP_TIMEOUT", t.StopTimeout)
	t.HeartbeatInterval = GetEnvDuration("TESTSTAND_TIMING_HEARTBEAT_INTERVAL", t.HeartbeatInterval)
	t.HeartbeatJitter = GetEnvDuration("TESTSTAND_TIMING_HEARTBEAT_JITTER", t.HeartbeatJitter)
	t.EventBufferSize = GetEnvInt("TESTSTAND_TIMING_EVENT_BUFFER_SIZE", t.EventBufferSize)

	s := &cfg.Station
	s.Transport = GetEnvVar("TESTSTAND_STATION_TRANSPORT", s.Transport)
	s.Device = GetEnvVar("TESTSTAND_STATION_DEVICE", s.Device)
	s.Baud = GetEnvInt("TESTSTAND_STATION_BAUD", s.Baud)
	s.Address = GetEnvVar("TESTSTAND_STATION_ADDRESS", s.Address)
	s.AutoConnect = GetEnvBool("TESTSTAND_STATION_AUTOCONNECT", s.AutoConnect)

	cfg.Stand.Source = GetEnvVar("TESTSTAND_STAND_SOURCE", cfg.Stand.Source)
	cfg.Stand.Device = GetEnvVar("TESTSTAND_STAND_DEVICE", cfg.Stand.Device)

	cfg.API.Addr = GetEnvVar("TESTSTAND_API_ADDR", cfg.API.Addr)

	cfg.Auth.Algorithm = GetEnvVar("TESTSTAND_AUTH_ALGORITHM", cfg.Auth.Algorithm)
	cfg.Auth.HMACSecret = GetEnvVar("TESTSTAND_AUTH_HMAC_SECRET", cfg.Auth.HMACSecret)
	cfg.Auth.PublicKeyFile = GetEnvVar("TESTSTAND_AUTH_PUBLIC_KEY_FILE", cfg.Auth.PublicKeyFile)
	cfg.Auth.JWKSURL = GetEnvVar("TESTSTAND_AUTH_JWKS_URL", cfg.Auth.JWKSURL)

	cfg.Log.Level = GetEnvVar("TESTSTAND_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = GetEnvVar("TESTSTAND_LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = GetEnvVar("TESTSTAND_LOG_FILE", cfg.Log.File)

	cfg.Audit.File = GetEnvVar("TESTSTAND_AUDIT_FILE", cfg.Audit.File)

	cfg.Metrics.Enabled = GetEnvBool("TESTSTAND_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Tracing.Enabled = GetEnvBool("TESTSTAND_TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.SampleRatio = GetEnvFloat("TESTSTAND_TRACING_SAMPLE_RATIO", cfg.Tracing.SampleRatio)

	cfg.Samples.Sink = GetEnvVar("TESTSTAND_SAMPLES_SINK", cfg.Samples.Sink)
	cfg.Samples.RedisAddr = GetEnvVar("TESTSTAND_SAMPLES_REDIS_ADDR", cfg.Samples.RedisAddr)

	if val := os.Getenv("TESTSTAND_LOCOMOTIVES"); val != "" {
		locos, err := parseLocomotiveList(val)
		if err != nil {
			return fmt.Errorf("TESTSTAND_LOCOMOTIVES: %w", err)
		}
		cfg.Locomotives = locos
	}

	return nil
}

// parseLocomotiveList parses "name:address:maxNotch" entries separated by ';'.
func parseLocomotiveList(val string) ([]LocomotiveConfig, error) {
	var locos []LocomotiveConfig
	for _, entry := range strings.Split(val, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("entry %q: want name:address:maxNotch", entry)
		}
		addr, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("entry %q: address: %w", entry, err)
		}
		maxNotch, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("entry %q: maxNotch: %w", entry, err)
		}
		locos = append(locos, LocomotiveConfig{Name: parts[0], Address: addr, MaxNotch: maxNotch})
	}
	return locos, nil
}

// GetEnvVar returns the value of an environment variable with a default.
func GetEnvVar(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvDuration returns the value of an environment variable as a duration with a default.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvFloat returns the value of an environment variable as a float64 with a default.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// GetEnvInt returns the value of an environment variable as an int with a default.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GetEnvBool returns the value of an environment variable as a bool with a default.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
