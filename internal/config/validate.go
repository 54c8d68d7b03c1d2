package config

import (
	"fmt"
	"strings"
)

// Validate checks the merged configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := ValidateTiming(&cfg.Timing); err != nil {
		return fmt.Errorf("timing validation failed: %w", err)
	}

	if err := validateStation(&cfg.Station); err != nil {
		return fmt.Errorf("station validation failed: %w", err)
	}

	if err := validateStand(&cfg.Stand); err != nil {
		return fmt.Errorf("stand validation failed: %w", err)
	}

	if err := validateAuth(&cfg.Auth); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}

	if err := validateSamples(&cfg.Samples); err != nil {
		return fmt.Errorf("samples validation failed: %w", err)
	}

	if err := validateLocomotives(cfg.Locomotives); err != nil {
		return fmt.Errorf("locomotive validation failed: %w", err)
	}

	return nil
}

// ValidateTiming validates the timing section on its own.
func ValidateTiming(t *TimingConfig) error {
	if t == nil {
		return fmt.Errorf("timing config cannot be nil")
	}

	if t.PollInterval < MinPollInterval || t.PollInterval > MaxPollInterval {
		return fmt.Errorf("poll interval %v outside [%v, %v]", t.PollInterval, MinPollInterval, MaxPollInterval)
	}
	if t.SettlePerNotch < 0 {
		return fmt.Errorf("settle per notch must be non-negative, got %v", t.SettlePerNotch)
	}
	if t.LeadIn < 0 {
		return fmt.Errorf("lead-in must be non-negative, got %v", t.LeadIn)
	}
	if t.ReferenceTimeout <= 0 {
		return fmt.Errorf("reference timeout must be positive, got %v", t.ReferenceTimeout)
	}
	if t.StopTimeout <= 0 {
		return fmt.Errorf("stop timeout must be positive, got %v", t.StopTimeout)
	}
	if t.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive, got %v", t.CommandTimeout)
	}

	if t.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", t.HeartbeatInterval)
	}
	if t.HeartbeatJitter < 0 || t.HeartbeatJitter > t.HeartbeatInterval/2 {
		return fmt.Errorf("heartbeat jitter %v must be within 50%% of interval %v", t.HeartbeatJitter, t.HeartbeatInterval)
	}
	if t.EventBufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", t.EventBufferSize)
	}

	return nil
}

func validateStation(s *StationConfig) error {
	switch strings.ToLower(s.Transport) {
	case "sim":
	case "serial":
		if s.Device == "" {
			return fmt.Errorf("serial transport requires a device")
		}
		if s.Baud <= 0 {
			return fmt.Errorf("baud must be positive, got %d", s.Baud)
		}
	case "tcp":
		if s.Address == "" {
			return fmt.Errorf("tcp transport requires an address")
		}
	default:
		return fmt.Errorf("unknown transport %q", s.Transport)
	}
	return nil
}

func validateStand(s *StandConfig) error {
	switch strings.ToLower(s.Source) {
	case "sim":
	case "serial":
		if s.Device == "" {
			return fmt.Errorf("serial pulse source requires a device")
		}
	default:
		return fmt.Errorf("unknown pulse source %q", s.Source)
	}
	if s.WheelCircumference <= 0 {
		return fmt.Errorf("wheel circumference must be positive, got %v", s.WheelCircumference)
	}
	if s.Markers <= 0 {
		return fmt.Errorf("markers must be positive, got %d", s.Markers)
	}
	return nil
}

func validateAuth(a *AuthConfig) error {
	switch strings.ToUpper(a.Algorithm) {
	case "":
	case "HS256":
		if a.HMACSecret == "" {
			return fmt.Errorf("HS256 requires hmacSecret")
		}
	case "RS256":
		if a.PublicKeyFile == "" && a.JWKSURL == "" {
			return fmt.Errorf("RS256 requires publicKeyFile or jwksUrl")
		}
	default:
		return fmt.Errorf("unsupported algorithm %q", a.Algorithm)
	}
	return nil
}

func validateSamples(s *SamplesConfig) error {
	switch strings.ToLower(s.Sink) {
	case "memory":
	case "redis":
		if s.RedisAddr == "" {
			return fmt.Errorf("redis sink requires redisAddr")
		}
	default:
		return fmt.Errorf("unknown sample sink %q", s.Sink)
	}
	return nil
}

func validateLocomotives(locos []LocomotiveConfig) error {
	seen := make(map[string]bool, len(locos))
	for _, l := range locos {
		if l.Name == "" {
			return fmt.Errorf("locomotive name cannot be empty")
		}
		if seen[l.Name] {
			return fmt.Errorf("duplicate locomotive %q", l.Name)
		}
		seen[l.Name] = true
		if l.MaxNotch <= 0 {
			return fmt.Errorf("locomotive %q: maxNotch must be positive, got %d", l.Name, l.MaxNotch)
		}
		if l.Address < 0 {
			return fmt.Errorf("locomotive %q: address must be non-negative, got %d", l.Name, l.Address)
		}
	}
	return nil
}
