package config

import "time"

// Config is the complete service configuration.
type Config struct {
	Timing      TimingConfig       `yaml:"timing"`
	Station     StationConfig      `yaml:"station"`
	Stand       StandConfig        `yaml:"stand"`
	API         APIConfig          `yaml:"api"`
	Auth        AuthConfig         `yaml:"auth"`
	Log         LogConfig          `yaml:"log"`
	Audit       AuditConfig        `yaml:"audit"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Tracing     TracingConfig      `yaml:"tracing"`
	Samples     SamplesConfig      `yaml:"samples"`
	Locomotives []LocomotiveConfig `yaml:"locomotives"`
}

// StationConfig describes the link to the command station.
type StationConfig struct {
	Transport   string        `yaml:"transport"` // serial | tcp | sim
	Device      string        `yaml:"device"`
	Baud        int           `yaml:"baud"`
	Address     string        `yaml:"address"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	ReadTimeout time.Duration `yaml:"readTimeout"`
	AutoConnect bool          `yaml:"autoConnect"`
}

// StandConfig describes the measuring wheel and its pulse counter.
type StandConfig struct {
	Source             string  `yaml:"source"` // serial | sim
	Device             string  `yaml:"device"`
	Baud               int     `yaml:"baud"`
	WheelCircumference float64 `yaml:"wheelCircumference"` // metres
	Markers            int     `yaml:"markers"`            // marker pulses per revolution
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
}

// AuthConfig selects how bearer tokens are verified. An empty Algorithm
// disables verification and every request acts as the local operator.
type AuthConfig struct {
	Algorithm     string `yaml:"algorithm"` // HS256 | RS256
	HMACSecret    string `yaml:"hmacSecret"`
	PublicKeyFile string `yaml:"publicKeyFile"`
	JWKSURL       string `yaml:"jwksUrl"`
}

// LogConfig controls the service logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"serviceName"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// SamplesConfig selects where acquisition samples are written.
type SamplesConfig struct {
	Sink         string `yaml:"sink"` // memory | redis
	RedisAddr    string `yaml:"redisAddr"`
	StreamPrefix string `yaml:"streamPrefix"`
	MaxLen       int64  `yaml:"maxLen"`
}

// LocomotiveConfig is one registry entry.
type LocomotiveConfig struct {
	Name     string `yaml:"name"`
	Address  int    `yaml:"address"`
	MaxNotch int    `yaml:"maxNotch"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Timing: DefaultTiming(),
		Station: StationConfig{
			Transport:   "sim",
			Baud:        57600,
			DialTimeout: 3 * time.Second,
			ReadTimeout: 500 * time.Millisecond,
			AutoConnect: true,
		},
		Stand: StandConfig{
			Source:             "sim",
			Baud:               9600,
			WheelCircumference: 1.96,
			Markers:            1,
		},
		API: APIConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Audit: AuditConfig{
			File:       "audit/audit.jsonl",
			MaxSizeMB:  20,
			MaxBackups: 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			ServiceName: "teststand",
			SampleRatio: 1.0,
		},
		Samples: SamplesConfig{
			Sink:         "memory",
			StreamPrefix: "teststand:run:",
			MaxLen:       100000,
		},
	}
}
