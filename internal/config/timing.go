package config

import "time"

// TimingConfig groups every duration that shapes a measurement run.
type TimingConfig struct {
	// Motion loops
	PollInterval      time.Duration `yaml:"pollInterval"`
	SettlePerNotch    time.Duration `yaml:"settlePerNotch"`
	SettleCancellable bool          `yaml:"settleCancellable"`

	// Measurement run
	LeadIn           time.Duration `yaml:"leadIn"`
	ReferenceTimeout time.Duration `yaml:"referenceTimeout"`
	StopTimeout      time.Duration `yaml:"stopTimeout"`
	CommandTimeout   time.Duration `yaml:"commandTimeout"`

	// Telemetry stream
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatJitter   time.Duration `yaml:"heartbeatJitter"`
	EventBufferSize   int           `yaml:"eventBufferSize"`
}

// Poll interval bounds accepted by Validate.
const (
	MinPollInterval = time.Millisecond
	MaxPollInterval = 10 * time.Millisecond
)

// DefaultTiming returns the baseline timing values.
func DefaultTiming() TimingConfig {
	return TimingConfig{
		PollInterval:      5 * time.Millisecond,
		SettlePerNotch:    0,
		SettleCancellable: false,

		LeadIn:           0,
		ReferenceTimeout: 10 * time.Second,
		StopTimeout:      5 * time.Second,
		CommandTimeout:   2 * time.Second,

		HeartbeatInterval: 15 * time.Second,
		HeartbeatJitter:   2 * time.Second,
		EventBufferSize:   50,
	}
}
