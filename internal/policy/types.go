package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ActionKind is what a matched policy does with a request.
type ActionKind uint8

const (
	ActionAllow ActionKind = iota + 1
	ActionDeny
)

// String returns the action name.
func (k ActionKind) String() string {
	switch k {
	case ActionAllow:
		return "allow"
	case ActionDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// Action is a policy's verdict. Reason is only meaningful for ActionDeny.
type Action struct {
	Kind   ActionKind
	Reason string
}

// Allow returns an allow action.
func Allow() Action { return Action{Kind: ActionAllow} }

// Deny returns a deny action with an operator-facing reason.
func Deny(reason string) Action { return Action{Kind: ActionDeny, Reason: reason} }

// RateLimit caps the number of admitted requests in a trailing window.
type RateLimit struct {
	MaxCount int
	Window   time.Duration
}

// SpendingCap caps the cumulative admitted amount in a trailing window.
type SpendingCap struct {
	MaxAmount decimal.Decimal
	Window    time.Duration
}

// Definition is the validated input for one policy. Empty pattern lists
// match everything.
type Definition struct {
	ID          string
	Priority    int
	Action      Action
	Subjects    []string
	Resources   []string
	RateLimit   *RateLimit
	SpendingCap *SpendingCap
}

// Request is one inbound call to be admitted or rejected.
type Request struct {
	SubjectID    string
	ResourcePath string
	Amount       decimal.Decimal
	// ObservedAt is when the gateway saw the request. It is only checked
	// for clock skew; windows are always evaluated at the engine clock.
	ObservedAt time.Time
}

// Outcome is the top-level verdict of a decision.
type Outcome uint8

const (
	OutcomeAllow Outcome = iota + 1
	OutcomeDeny
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Reason explains a denial.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonExplicitDeny
	ReasonRateLimitExceeded
	ReasonSpendingCapExceeded
	ReasonNoPolicyMatched
	// ReasonStateUnavailable is returned when the subject's window state
	// could not be used safely.
	ReasonStateUnavailable
	// ReasonInvalidRequest is returned for requests carrying a negative amount.
	ReasonInvalidRequest
)

var reasonNames = map[Reason]string{
	ReasonNone:                "none",
	ReasonExplicitDeny:        "explicit_deny",
	ReasonRateLimitExceeded:   "rate_limit_exceeded",
	ReasonSpendingCapExceeded: "spending_cap_exceeded",
	ReasonNoPolicyMatched:     "no_policy_matched",
	ReasonStateUnavailable:    "state_unavailable",
	ReasonInvalidRequest:      "invalid_request",
}

// String returns the snake_case reason name.
func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (r Reason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Decision is the result of evaluating one request. PolicyID is empty when
// no policy matched.
type Decision struct {
	Outcome  Outcome
	Reason   Reason
	PolicyID string
	// Message carries the deny reason configured on an explicit deny policy.
	Message string
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

// String formats the decision for logs.
func (d Decision) String() string {
	if d.Allowed() {
		return fmt.Sprintf("allow(%s)", d.PolicyID)
	}
	return fmt.Sprintf("deny(%s, %s)", d.Reason, d.PolicyID)
}

func allowed(policyID string) Decision {
	return Decision{Outcome: OutcomeAllow, PolicyID: policyID}
}

func denied(reason Reason, policyID string) Decision {
	return Decision{Outcome: OutcomeDeny, Reason: reason, PolicyID: policyID}
}

// EvaluationMode selects how matching policies are combined.
type EvaluationMode uint8

const (
	// FirstMatchWins: the first policy in priority order that matches
	// decides the outcome outright.
	FirstMatchWins EvaluationMode = iota
	// DenyOverrides: any matching deny policy wins; otherwise the first
	// matching allow policy applies its limits.
	DenyOverrides
)

// String returns the mode name.
func (m EvaluationMode) String() string {
	switch m {
	case FirstMatchWins:
		return "first_match_wins"
	case DenyOverrides:
		return "deny_overrides"
	default:
		return "unknown"
	}
}

// ParseEvaluationMode parses a mode name.
func ParseEvaluationMode(s string) (EvaluationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first_match_wins":
		return FirstMatchWins, nil
	case "deny_overrides":
		return DenyOverrides, nil
	default:
		return 0, fmt.Errorf("unknown evaluation mode %q", s)
	}
}

// NoMatchBehavior is the decision returned when no policy matches.
type NoMatchBehavior uint8

const (
	NoMatchDeny NoMatchBehavior = iota
	NoMatchAllow
)

// String returns the behavior name.
func (b NoMatchBehavior) String() string {
	switch b {
	case NoMatchDeny:
		return "deny"
	case NoMatchAllow:
		return "allow"
	default:
		return "unknown"
	}
}

// ParseNoMatchBehavior parses "deny" or "allow".
func ParseNoMatchBehavior(s string) (NoMatchBehavior, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "deny":
		return NoMatchDeny, nil
	case "allow":
		return NoMatchAllow, nil
	default:
		return 0, fmt.Errorf("unknown no-match behavior %q", s)
	}
}
