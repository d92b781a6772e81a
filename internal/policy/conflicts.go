package policy

import "fmt"

// WarningKind classifies a conflict warning.
type WarningKind uint8

const (
	// WarningOverlap: two policies can match the same request and the
	// higher-ranked one hides the other for that request.
	WarningOverlap WarningKind = iota + 1
	// WarningShadowed: a policy is fully covered by a higher-ranked one and
	// can never decide a request under first-match-wins.
	WarningShadowed
)

// String returns the kind name.
func (k WarningKind) String() string {
	switch k {
	case WarningOverlap:
		return "overlap"
	case WarningShadowed:
		return "shadowed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k WarningKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Warning is advisory. It never blocks set construction.
type Warning struct {
	Kind      WarningKind `json:"kind"`
	PolicyIDs []string    `json:"policy_ids"`
	Message   string      `json:"message"`
}

// Validate reports pairs of policies whose subject and resource patterns can
// both match the same request. The earlier policy in evaluation order is
// listed first.
func Validate(s *Set) []Warning {
	if s == nil {
		return nil
	}

	var warnings []Warning
	for i, hi := range s.policies {
		for _, lo := range s.policies[i+1:] {
			if !hi.Subjects.Overlaps(lo.Subjects) || !hi.Resources.Overlaps(lo.Resources) {
				continue
			}

			ids := []string{hi.ID, lo.ID}
			if hi.Subjects.Covers(lo.Subjects) && hi.Resources.Covers(lo.Resources) {
				warnings = append(warnings, Warning{
					Kind:      WarningShadowed,
					PolicyIDs: ids,
					Message: fmt.Sprintf("policy %q (priority %d) matches every request policy %q (priority %d) matches; %q never applies under first-match-wins",
						hi.ID, hi.Priority, lo.ID, lo.Priority, lo.ID),
				})
				continue
			}
			warnings = append(warnings, Warning{
				Kind:      WarningOverlap,
				PolicyIDs: ids,
				Message: fmt.Sprintf("policies %q and %q can match the same request; %q is evaluated first (priority %d vs %d)",
					hi.ID, lo.ID, hi.ID, hi.Priority, lo.Priority),
			})
		}
	}
	return warnings
}
