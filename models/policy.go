package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/upb/paygate/internal/policy"
)

// Policy actions as written in policy documents
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// PolicyDocument is the on-disk representation of a policy set (YAML or JSON)
type PolicyDocument struct {
	Version  uint64           `yaml:"version" json:"version"`
	Policies []PolicyResource `yaml:"policies" json:"policies" validate:"dive"`
}

// PolicyResource is one policy entry in a document
type PolicyResource struct {
	ID               string             `yaml:"id" json:"id" validate:"required,max=128"`
	Priority         int                `yaml:"priority" json:"priority"`
	Action           string             `yaml:"action" json:"action" validate:"required,oneof=allow deny"`
	DenyReason       string             `yaml:"deny_reason,omitempty" json:"deny_reason,omitempty" validate:"max=512"`
	SubjectPatterns  []string           `yaml:"subject_patterns,omitempty" json:"subject_patterns,omitempty"`
	ResourcePatterns []string           `yaml:"resource_patterns,omitempty" json:"resource_patterns,omitempty"`
	RateLimit        *RateLimitConfig   `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	SpendingCap      *SpendingCapConfig `yaml:"spending_cap,omitempty" json:"spending_cap,omitempty"`
}

// RateLimitConfig represents a sliding-window request limit
type RateLimitConfig struct {
	MaxCount int      `yaml:"max_count" json:"max_count"`
	Window   Duration `yaml:"window" json:"window"`
}

// SpendingCapConfig represents a sliding-window cumulative amount limit
type SpendingCapConfig struct {
	MaxAmount Amount   `yaml:"max_amount" json:"max_amount" validate:"required"`
	Window    Duration `yaml:"window" json:"window"`
}

// ToDefinitions converts the document into engine definitions. Amounts that
// do not parse are reported as *policy.ConfigError, joined.
func (d *PolicyDocument) ToDefinitions() ([]policy.Definition, error) {
	defs := make([]policy.Definition, 0, len(d.Policies))
	var errs []error

	for i, p := range d.Policies {
		def := policy.Definition{
			ID:        p.ID,
			Priority:  p.Priority,
			Subjects:  p.SubjectPatterns,
			Resources: p.ResourcePatterns,
		}

		switch p.Action {
		case ActionAllow:
			def.Action = policy.Allow()
		case ActionDeny:
			def.Action = policy.Deny(p.DenyReason)
		}

		if p.RateLimit != nil {
			def.RateLimit = &policy.RateLimit{
				MaxCount: p.RateLimit.MaxCount,
				Window:   p.RateLimit.Window.Duration(),
			}
		}
		if p.SpendingCap != nil {
			amount, err := p.SpendingCap.MaxAmount.Decimal()
			if err != nil {
				errs = append(errs, &policy.ConfigError{
					PolicyID: p.ID,
					Index:    i,
					Field:    "spending_cap.max_amount",
					Reason:   err.Error(),
				})
			}
			def.SpendingCap = &policy.SpendingCap{
				MaxAmount: amount,
				Window:    p.SpendingCap.Window.Duration(),
			}
		}
		defs = append(defs, def)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return defs, nil
}

// Duration is a time.Duration that supports YAML and JSON parsing.
//
// Supports formats like "60s", "5m", "1h30m", or a bare integer number of
// seconds.
type Duration time.Duration

const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("duration must be a string (e.g. '60s') or integer seconds")
	}
	return d.parse(s)
}

// UnmarshalJSON implements json.Unmarshaler for Duration.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string (e.g. '60s') or integer seconds")
		}
		s = n.String()
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs > maxDurationSeconds || secs < -maxDurationSeconds {
			return fmt.Errorf("invalid duration %q: out of range", s)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// MarshalJSON implements json.Marshaler for Duration.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the string representation.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Amount is a decimal monetary amount kept as text until conversion, so
// values like 0.1 never pass through a float.
type Amount string

// UnmarshalYAML implements yaml.Unmarshaler for Amount.
func (a *Amount) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("amount must be a number or numeric string")
	}
	*a = Amount(strings.TrimSpace(s))
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for Amount.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount must be a number or numeric string")
	}
	*a = Amount(n.String())
	return nil
}

// Decimal parses the amount.
func (a Amount) Decimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(string(a))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", string(a))
	}
	return d, nil
}
