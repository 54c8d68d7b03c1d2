package motion

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidProfile is returned by Start for a profile that cannot be run.
var ErrInvalidProfile = errors.New("INVALID_PROFILE")

// Policy selects how the controller moves from StartNotch to EndNotch.
type Policy int

const (
	// Abrupt holds StartNotch for half the duration, then jumps to EndNotch.
	Abrupt Policy = iota
	// Uniform steps one notch at a time, spreading the steps evenly over
	// the duration.
	Uniform
)

func (p Policy) String() string {
	switch p {
	case Abrupt:
		return "abrupt"
	case Uniform:
		return "uniform"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts "abrupt" or "uniform", case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "abrupt":
		return Abrupt, nil
	case "uniform":
		return Uniform, nil
	default:
		return 0, fmt.Errorf("%w: unknown policy %q", ErrInvalidProfile, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Profile is one speed trajectory. Notches are signed: negative means reverse.
type Profile struct {
	StartNotch    int           `json:"startNotch"`
	EndNotch      int           `json:"endNotch"`
	TotalDuration time.Duration `json:"totalDuration"`
	Policy        Policy        `json:"policy"`

	// DurationPerNotch, when TotalDuration is zero, derives the duration as
	// DurationPerNotch × (|EndNotch − StartNotch| + 1).
	DurationPerNotch time.Duration `json:"durationPerNotch,omitempty"`
}

// Steps returns the number of notch changes between start and end.
func (p Profile) Steps() int {
	d := p.EndNotch - p.StartNotch
	if d < 0 {
		return -d
	}
	return d
}

// Resolved fills TotalDuration from DurationPerNotch when needed.
func (p Profile) Resolved() Profile {
	if p.TotalDuration == 0 && p.DurationPerNotch > 0 {
		p.TotalDuration = p.DurationPerNotch * time.Duration(p.Steps()+1)
	}
	return p
}

// Validate checks the profile against a locomotive's notch limit.
func (p Profile) Validate(maxNotch int) error {
	if p.TotalDuration < 0 {
		return fmt.Errorf("%w: negative duration %v", ErrInvalidProfile, p.TotalDuration)
	}
	if p.DurationPerNotch < 0 {
		return fmt.Errorf("%w: negative duration per notch %v", ErrInvalidProfile, p.DurationPerNotch)
	}
	if p.Policy != Abrupt && p.Policy != Uniform {
		return fmt.Errorf("%w: unknown policy %d", ErrInvalidProfile, int(p.Policy))
	}
	if abs(p.StartNotch) > maxNotch {
		return fmt.Errorf("%w: start notch %d exceeds max %d", ErrInvalidProfile, p.StartNotch, maxNotch)
	}
	if abs(p.EndNotch) > maxNotch {
		return fmt.Errorf("%w: end notch %d exceeds max %d", ErrInvalidProfile, p.EndNotch, maxNotch)
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
