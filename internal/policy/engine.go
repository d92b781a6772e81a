package policy

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/upb/paygate/internal/window"
)

// Recorder receives engine telemetry. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveDecision(d Decision, elapsed time.Duration)
	StateFault(policyID string)
	ClockAnomaly()
}

type nopRecorder struct{}

func (nopRecorder) ObserveDecision(Decision, time.Duration) {}
func (nopRecorder) StateFault(string)                       {}
func (nopRecorder) ClockAnomaly()                           {}

// Engine evaluates requests against the current policy set. It is safe for
// concurrent use; Reload swaps the set atomically while evaluations run.
type Engine struct {
	current  atomic.Pointer[Set]
	store    *window.Store
	mode     EvaluationMode
	noMatch  NoMatchBehavior
	clock    func() time.Time
	recorder Recorder
	logger   *zap.Logger

	faultLog   rate.Sometimes
	anomalyLog rate.Sometimes
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the engine's time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithMode sets how matching policies are combined.
func WithMode(mode EvaluationMode) Option {
	return func(e *Engine) {
		e.mode = mode
	}
}

// WithNoMatch sets the decision returned when no policy matches.
func WithNoMatch(b NoMatchBehavior) Option {
	return func(e *Engine) {
		e.noMatch = b
	}
}

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithStore sets the window store. Useful for sharing a store with a janitor.
func WithStore(s *window.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an engine evaluating set. A nil set behaves as an empty
// one.
func NewEngine(set *Set, opts ...Option) *Engine {
	e := &Engine{
		store:      window.NewStore(),
		mode:       FirstMatchWins,
		noMatch:    NoMatchDeny,
		clock:      time.Now,
		recorder:   nopRecorder{},
		logger:     zap.NewNop(),
		faultLog:   rate.Sometimes{Interval: 10 * time.Second},
		anomalyLog: rate.Sometimes{Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(e)
	}
	if set == nil {
		set = MustNewSet(nil)
	}
	e.current.Store(set)
	return e
}

// Current returns the set in effect.
func (e *Engine) Current() *Set {
	return e.current.Load()
}

// Reload replaces the policy set and returns the previous one. Evaluations
// already in flight finish against the set they loaded. Window history is
// keyed by policy id, so a policy that survives a reload keeps its history.
func (e *Engine) Reload(set *Set) *Set {
	if set == nil {
		set = MustNewSet(nil)
	}
	prev := e.current.Swap(set)
	e.logger.Info("policy set reloaded",
		zap.String("build_id", set.BuildID()),
		zap.Uint64("version", set.Version()),
		zap.Int("policies", set.Len()))
	return prev
}

// Store returns the engine's window store.
func (e *Engine) Store() *window.Store {
	return e.store
}

// Mode returns the evaluation mode.
func (e *Engine) Mode() EvaluationMode { return e.mode }

// Evaluate decides whether req may proceed. For an allowed request that
// matched a limited policy, the request is recorded against the limits in
// the same critical section as the check.
func (e *Engine) Evaluate(req Request) Decision {
	start := time.Now()
	d := e.evaluate(req)
	e.recorder.ObserveDecision(d, time.Since(start))

	if ce := e.logger.Check(zap.DebugLevel, "evaluated request"); ce != nil {
		ce.Write(
			zap.String("subject_id", req.SubjectID),
			zap.String("resource_path", req.ResourcePath),
			zap.String("amount", req.Amount.String()),
			zap.Stringer("outcome", d.Outcome),
			zap.Stringer("reason", d.Reason),
			zap.String("policy_id", d.PolicyID),
		)
	}
	return d
}

func (e *Engine) evaluate(req Request) Decision {
	if req.Amount.IsNegative() {
		return denied(ReasonInvalidRequest, "")
	}

	e.checkSkew(req)
	p := e.match(e.current.Load(), req)
	if p == nil {
		if e.noMatch == NoMatchAllow {
			return allowed("")
		}
		return denied(ReasonNoPolicyMatched, "")
	}

	if p.Action.Kind == ActionDeny {
		d := denied(ReasonExplicitDeny, p.ID)
		d.Message = p.Action.Reason
		return d
	}
	if !p.Limited() {
		return allowed(p.ID)
	}
	return e.admit(p, req)
}

// match returns the policy that decides req, or nil.
func (e *Engine) match(set *Set, req Request) *Policy {
	var first *Policy
	for _, p := range set.policies {
		if !p.Matches(req.SubjectID, req.ResourcePath) {
			continue
		}
		if e.mode == FirstMatchWins {
			return p
		}
		if p.Action.Kind == ActionDeny {
			return p
		}
		if first == nil {
			first = p
		}
	}
	return first
}

// admit checks and records req against p's limits in one cell transaction.
// The evaluation instant is read under the cell lock and never precedes the
// cell's newest entry, so concurrent or out-of-order callers always see each
// other's admissions.
func (e *Engine) admit(p *Policy, req Request) Decision {
	var d Decision
	key := window.Key{PolicyID: p.ID, SubjectID: req.SubjectID}

	err := e.store.With(key, p.retention, func(c *window.Cell) error {
		now := e.clock()
		if newest := c.Newest(); newest.After(now) {
			now = newest
		}

		rl, sc := p.RateLimit, p.SpendingCap
		if rl != nil && c.CountInWindow(rl.Window, now) >= rl.MaxCount {
			d = denied(ReasonRateLimitExceeded, p.ID)
			return nil
		}
		if sc != nil && c.SumInWindow(sc.Window, now).Add(req.Amount).GreaterThan(sc.MaxAmount) {
			d = denied(ReasonSpendingCapExceeded, p.ID)
			return nil
		}

		if rl != nil {
			c.Record(now)
		}
		if sc != nil {
			c.RecordAmount(now, req.Amount)
		}
		d = allowed(p.ID)
		return nil
	})
	if err != nil {
		e.recorder.StateFault(p.ID)
		e.faultLog.Do(func() {
			e.logger.Error("window state unavailable, denying subject",
				zap.String("policy_id", p.ID),
				zap.String("subject_id", req.SubjectID),
				zap.Error(err))
		})
		return denied(ReasonStateUnavailable, p.ID)
	}
	return d
}

// checkSkew counts requests observed after the engine clock. ObservedAt is
// advisory: window arithmetic always runs on the engine clock.
func (e *Engine) checkSkew(req Request) {
	if req.ObservedAt.IsZero() {
		return
	}
	now := e.clock()
	if !req.ObservedAt.After(now) {
		return
	}
	e.recorder.ClockAnomaly()
	e.anomalyLog.Do(func() {
		e.logger.Warn("request observed after engine clock",
			zap.Time("observed_at", req.ObservedAt),
			zap.Time("engine_now", now),
			zap.Duration("skew", req.ObservedAt.Sub(now)))
	})
}

// Usage is the current window state of one (policy, subject) pair.
type Usage struct {
	PolicyID      string          `json:"policy_id"`
	SubjectID     string          `json:"subject_id"`
	Requests      int             `json:"requests"`
	RequestLimit  int             `json:"request_limit,omitempty"`
	RequestWindow time.Duration   `json:"request_window,omitempty"`
	Spend         decimal.Decimal `json:"spend"`
	SpendLimit    decimal.Decimal `json:"spend_limit"`
	SpendWindow   time.Duration   `json:"spend_window,omitempty"`
	// Orphaned is set when the policy is no longer in the current set.
	Orphaned bool `json:"orphaned,omitempty"`
}

// Usage returns a snapshot of every live cell, sorted by policy then subject.
// Each cell is read under its own lock; the snapshot as a whole is not
// atomic across subjects.
func (e *Engine) Usage() []Usage {
	now := e.clock()
	set := e.current.Load()

	var out []Usage
	e.store.Each(func(key window.Key, c *window.Cell) {
		u := Usage{PolicyID: key.PolicyID, SubjectID: key.SubjectID}
		p, ok := set.Lookup(key.PolicyID)
		if !ok {
			u.Orphaned = true
			u.Requests = c.CountInWindow(c.Retention(), now)
			u.Spend = c.SumInWindow(c.Retention(), now)
			out = append(out, u)
			return
		}
		if rl := p.RateLimit; rl != nil {
			u.Requests = c.CountInWindow(rl.Window, now)
			u.RequestLimit = rl.MaxCount
			u.RequestWindow = rl.Window
		}
		if sc := p.SpendingCap; sc != nil {
			u.Spend = c.SumInWindow(sc.Window, now)
			u.SpendLimit = sc.MaxAmount
			u.SpendWindow = sc.Window
		}
		out = append(out, u)
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].PolicyID != out[j].PolicyID {
			return out[i].PolicyID < out[j].PolicyID
		}
		return out[i].SubjectID < out[j].SubjectID
	})
	return out
}
