package policy

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/upb/paygate/internal/pattern"
)

// ConfigError describes one invalid field in a policy definition.
type ConfigError struct {
	PolicyID string
	Index    int
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.PolicyID == "" {
		return fmt.Sprintf("policy at index %d: %s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("policy %q (index %d): %s: %s", e.PolicyID, e.Index, e.Field, e.Reason)
}

// Policy is a compiled, immutable policy inside a Set.
type Policy struct {
	ID          string
	Priority    int
	Index       int
	Action      Action
	Subjects    pattern.Set
	Resources   pattern.Set
	RateLimit   *RateLimit
	SpendingCap *SpendingCap

	retention time.Duration
}

// Matches reports whether both pattern dimensions accept the request.
func (p *Policy) Matches(subjectID, resourcePath string) bool {
	return p.Subjects.Match(subjectID) && p.Resources.Match(resourcePath)
}

// Limited reports whether the policy carries a rate limit or spending cap.
func (p *Policy) Limited() bool {
	return p.RateLimit != nil || p.SpendingCap != nil
}

// Retention returns the longest window the policy needs history for.
func (p *Policy) Retention() time.Duration {
	return p.retention
}

// Set is an immutable, ordered snapshot of policies. Evaluation order is
// priority descending, then declaration order ascending.
type Set struct {
	policies []*Policy
	byID     map[string]*Policy
	version  uint64
	buildID  string
	builtAt  time.Time
	warnings []Warning
}

// SetOption configures NewSet.
type SetOption func(*Set)

// WithVersion stamps the set with a caller-assigned version.
func WithVersion(v uint64) SetOption {
	return func(s *Set) {
		s.version = v
	}
}

// NewSet validates and compiles defs into a Set. Every malformed field is
// reported; the returned error joins one *ConfigError per problem.
func NewSet(defs []Definition, opts ...SetOption) (*Set, error) {
	var errs []error
	fail := func(i int, id, field, format string, args ...any) {
		errs = append(errs, &ConfigError{
			PolicyID: id,
			Index:    i,
			Field:    field,
			Reason:   fmt.Sprintf(format, args...),
		})
	}

	s := &Set{
		policies: make([]*Policy, 0, len(defs)),
		byID:     make(map[string]*Policy, len(defs)),
		buildID:  uuid.NewString(),
		builtAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for i, def := range defs {
		if def.ID == "" {
			fail(i, def.ID, "id", "must not be empty")
		} else if prev, dup := s.byID[def.ID]; dup {
			fail(i, def.ID, "id", "duplicates policy at index %d", prev.Index)
			continue
		}

		p := &Policy{
			ID:       def.ID,
			Priority: def.Priority,
			Index:    i,
			Action:   def.Action,
		}

		switch def.Action.Kind {
		case ActionAllow, ActionDeny:
		default:
			fail(i, def.ID, "action", "must be allow or deny")
		}

		subjects, err := pattern.Compile(def.Subjects)
		if err != nil {
			fail(i, def.ID, "subject_patterns", "%v", err)
		}
		p.Subjects = subjects

		resources, err := pattern.Compile(def.Resources)
		if err != nil {
			fail(i, def.ID, "resource_patterns", "%v", err)
		}
		p.Resources = resources

		if rl := def.RateLimit; rl != nil {
			if rl.MaxCount < 0 {
				fail(i, def.ID, "rate_limit.max_count", "must not be negative, got %d", rl.MaxCount)
			}
			if rl.Window <= 0 {
				fail(i, def.ID, "rate_limit.window", "must be positive, got %s", rl.Window)
			}
			copied := *rl
			p.RateLimit = &copied
			p.retention = max(p.retention, rl.Window)
		}
		if sc := def.SpendingCap; sc != nil {
			if sc.MaxAmount.IsNegative() {
				fail(i, def.ID, "spending_cap.max_amount", "must not be negative, got %s", sc.MaxAmount)
			}
			if sc.Window <= 0 {
				fail(i, def.ID, "spending_cap.window", "must be positive, got %s", sc.Window)
			}
			copied := *sc
			p.SpendingCap = &copied
			p.retention = max(p.retention, sc.Window)
		}
		if def.Action.Kind == ActionDeny && p.Limited() {
			fail(i, def.ID, "action", "deny policies cannot carry rate limits or spending caps")
		}

		s.policies = append(s.policies, p)
		if def.ID != "" {
			s.byID[def.ID] = p
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(s.policies, func(i, j int) bool {
		return s.policies[i].Priority > s.policies[j].Priority
	})
	s.warnings = Validate(s)
	return s, nil
}

// MustNewSet is like NewSet but panics on error.
func MustNewSet(defs []Definition, opts ...SetOption) *Set {
	s, err := NewSet(defs, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Policies returns the policies in evaluation order. The slice is a copy;
// the policies themselves must not be modified.
func (s *Set) Policies() []*Policy {
	if s == nil {
		return nil
	}
	out := make([]*Policy, len(s.policies))
	copy(out, s.policies)
	return out
}

// Lookup returns the policy with the given id.
func (s *Set) Lookup(id string) (*Policy, bool) {
	if s == nil {
		return nil, false
	}
	p, ok := s.byID[id]
	return p, ok
}

// Len returns the number of policies.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.policies)
}

// Version returns the caller-assigned version.
func (s *Set) Version() uint64 { return s.version }

// BuildID uniquely identifies this snapshot.
func (s *Set) BuildID() string { return s.buildID }

// BuiltAt returns when the set was constructed.
func (s *Set) BuiltAt() time.Time { return s.builtAt }

// Warnings returns the conflict warnings computed at construction.
func (s *Set) Warnings() []Warning {
	if s == nil {
		return nil
	}
	out := make([]Warning, len(s.warnings))
	copy(out, s.warnings)
	return out
}
