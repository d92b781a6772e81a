package policy

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	engine "github.com/upb/paygate/internal/policy"
	"github.com/upb/paygate/services"
	"github.com/upb/paygate/utils"
)

// Publisher receives freshly built policy sets. *engine.Engine implements it.
type Publisher interface {
	Reload(set *engine.Set) *engine.Set
	Current() *engine.Set
}

// ReloadResult describes one successful reload.
type ReloadResult struct {
	Version         uint64           `json:"version"`
	BuildID         string           `json:"build_id"`
	DocumentVersion uint64           `json:"document_version"`
	Policies        int              `json:"policies"`
	Warnings        []engine.Warning `json:"warnings"`
	LoadedAt        time.Time        `json:"loaded_at"`
}

// Status is the state of the most recent reload attempts.
type Status struct {
	Current   *ReloadResult `json:"current,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	LastTry   time.Time     `json:"last_try"`
}

// ReloadHook is called after every reload attempt. result is nil on error.
type ReloadHook func(result *ReloadResult, err error)

// PolicyService loads policy documents from a source and publishes them to
// the engine. A document that fails to load or validate never replaces the
// live set.
type PolicyService struct {
	source    Source
	publisher Publisher
	hooks     []ReloadHook
	logger    *zap.Logger

	mu      sync.Mutex
	version uint64
	status  Status
}

// NewPolicyService creates a new PolicyService instance
func NewPolicyService(source Source, publisher Publisher, logger *zap.Logger, hooks ...ReloadHook) *PolicyService {
	return &PolicyService{
		source:    source,
		publisher: publisher,
		hooks:     hooks,
		logger:    logger,
	}
}

// Reload loads, validates and publishes the current document.
func (s *PolicyService) Reload(ctx context.Context) (*ReloadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.reload(ctx)
	s.status.LastTry = time.Now().UTC()
	if err != nil {
		s.status.LastError = err.Error()
		s.logger.Error("policy reload failed, keeping current policies",
			zap.String("source", s.source.Name()),
			zap.Error(err))
	} else {
		s.status.LastError = ""
		s.status.Current = result
	}

	for _, hook := range s.hooks {
		hook(result, err)
	}
	return result, err
}

func (s *PolicyService) reload(ctx context.Context) (*ReloadResult, error) {
	data, format, err := s.source.Load(ctx)
	if err != nil {
		return nil, services.WrapError(services.ErrorTypeUnavailable, services.ErrSourceUnavailable.Message, err)
	}

	doc, err := Decode(data, format)
	if err != nil {
		return nil, services.WrapValidation(services.ErrInvalidPolicyDocument.Message, err)
	}
	if err := utils.ValidateStruct(doc); err != nil {
		domainErr := services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidPolicyDocument.Message, err)
		for field, msg := range utils.GetValidationFields(err) {
			domainErr.WithDetail(field, msg)
		}
		return nil, domainErr
	}

	defs, err := doc.ToDefinitions()
	if err != nil {
		return nil, configError(err)
	}
	set, err := engine.NewSet(defs, engine.WithVersion(s.version+1))
	if err != nil {
		return nil, configError(err)
	}
	s.version++

	warnings := set.Warnings()
	for _, w := range warnings {
		s.logger.Warn("policy conflict",
			zap.Stringer("kind", w.Kind),
			zap.Strings("policy_ids", w.PolicyIDs),
			zap.String("message", w.Message))
	}

	s.publisher.Reload(set)
	s.logger.Info("policies published",
		zap.String("source", s.source.Name()),
		zap.Uint64("version", set.Version()),
		zap.String("build_id", set.BuildID()),
		zap.Int("policies", set.Len()),
		zap.Int("warnings", len(warnings)))

	return &ReloadResult{
		Version:         set.Version(),
		BuildID:         set.BuildID(),
		DocumentVersion: doc.Version,
		Policies:        set.Len(),
		Warnings:        warnings,
		LoadedAt:        set.BuiltAt().UTC(),
	}, nil
}

// Run reloads on every signal from changes until ctx is cancelled or the
// channel closes. Failed reloads are logged and do not stop the loop.
func (s *PolicyService) Run(ctx context.Context, changes <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			_, _ = s.Reload(ctx)
		}
	}
}

// Status returns the outcome of the most recent reloads.
func (s *PolicyService) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Warnings returns the conflict warnings of the live set.
func (s *PolicyService) Warnings() []engine.Warning {
	return s.publisher.Current().Warnings()
}

// Ready reports whether a policy set has been published.
func (s *PolicyService) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Current != nil
}

// configError wraps policy construction errors as a validation domain error
// listing every offending policy and field.
func configError(err error) error {
	domainErr := services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidPolicyDocument.Message, err)

	var problems []map[string]interface{}
	for _, e := range flatten(err) {
		var ce *engine.ConfigError
		if errors.As(e, &ce) {
			problems = append(problems, map[string]interface{}{
				"policy_id": ce.PolicyID,
				"index":     ce.Index,
				"field":     ce.Field,
				"reason":    ce.Reason,
			})
		}
	}
	if len(problems) > 0 {
		domainErr.WithDetail("problems", problems)
	}
	return domainErr
}

func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
