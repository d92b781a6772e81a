// Package policy provides the admission-control engine for paygate.
//
// This package implements:
//   - Policy sets: immutable, priority-ordered rule snapshots (set.go)
//   - The evaluation engine: first-match-wins admission decisions (engine.go)
//   - Sliding-window rate limits and spending caps, backed by internal/window
//   - Conflict validation: advisory warnings for overlapping rules (conflicts.go)
//
// The engine is consulted on every request before any payment or business
// logic runs. Evaluate never fails: every call resolves to a Decision.
package policy
