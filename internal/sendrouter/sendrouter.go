// Package sendrouter implements the outbound send pipeline (spec.md §4.4):
// candidate ordering, template-capability promotion, health-based
// reordering, and a bounded per-candidate retry budget before falling
// over to the next provider. Grounded in the teacher's multi-provider
// routing (llm/router_multi_provider.go) and its fallback chain
// (llm/tools/fallback.go), generalized from LLM completion providers to
// message-transport providers.
package sendrouter

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/config"
	"github.com/relaymesh/gateway/internal/provider"
	"github.com/relaymesh/gateway/internal/types"
)

var errNoProvider = errors.New("sendrouter: no eligible provider for tenant")

// defaultMaxAttemptsPerCandidate and defaultRetryDelay apply when the
// router is built without a FallbackConfig (e.g. in tests), matching
// config.Default()'s Fallback values.
const (
	defaultMaxAttemptsPerCandidate = 3
	defaultRetryDelay              = 1000 * time.Millisecond
)

// SessionSource is the subset of session.Supervisor the router needs,
// kept as a small interface so this package doesn't depend on the
// concrete Supervisor type (grounded in the teacher's own preference for
// narrow provider-facing interfaces over its concrete manager types).
type SessionSource interface {
	RoutingOrder(tenantID string) []types.ProviderID
	Provider(tenantID string, id types.ProviderID) (provider.Provider, bool)
}

// Router is the Send Router described in spec.md §4.4.
type Router struct {
	sessions SessionSource
	logger   *zap.Logger
	fallback config.FallbackConfig
}

// New builds a Router over the given session source. fallback governs the
// per-candidate retry budget, inter-retry delay, and which error classes
// trigger failover to the next candidate (spec.md §4.4/§6); a nil
// fallback falls back to config.Default().Fallback's values.
func New(sessions SessionSource, logger *zap.Logger, fallback *config.FallbackConfig) *Router {
	l := logger
	if l == nil {
		l = zap.NewNop()
	}
	fb := config.Default().Fallback
	if fallback != nil {
		fb = *fallback
	}
	return &Router{sessions: sessions, logger: l, fallback: fb}
}

// maxAttemptsPerCandidate is the retry budget against a single provider
// before the router moves on to the next candidate: fallback.max_retries
// when fallback is enabled, otherwise a single attempt (no retry).
func (r *Router) maxAttemptsPerCandidate() int {
	if !r.fallback.Enabled {
		return 1
	}
	if r.fallback.MaxRetries > 0 {
		return r.fallback.MaxRetries
	}
	return defaultMaxAttemptsPerCandidate
}

// retryDelay is the pause before retry number retry+1 against the same
// candidate (retry counts from 0), scaling linearly: RetryDelayMs·(retry+1).
func (r *Router) retryDelay(retry int) time.Duration {
	ms := r.fallback.RetryDelayMs
	if ms <= 0 {
		ms = int(defaultRetryDelay / time.Millisecond)
	}
	return time.Duration(ms) * time.Millisecond * time.Duration(retry+1)
}

// triggersFallback reports whether ce's class should cause the router to
// move on to the next candidate, per fallback.triggers (spec.md §6). This
// overrides types.Classify's default TriggersFallback flag, which a
// provider sets without any knowledge of operator configuration.
func (r *Router) triggersFallback(ce *types.ClassifiedError) bool {
	switch ce.Class {
	case types.ErrClassTimeout:
		return r.fallback.Triggers.Timeout
	case types.ErrClassRateLimit:
		return r.fallback.Triggers.RateLimit
	case types.ErrClassTemplateError:
		return r.fallback.Triggers.TemplateError
	case types.ErrClassServerError:
		return r.fallback.Triggers.ServerError
	default:
		return ce.TriggersFallback
	}
}

// candidates resolves the ordered list of providers this send should be
// attempted against. When opts carries a template name, providers that
// don't support templates are removed entirely rather than demoted —
// sending templated content through a non-template-capable transport
// isn't a fallback, it's a different (unsupported) request.
func (r *Router) candidates(tenantID string, opts *types.SendOptions) ([]provider.Provider, error) {
	order := r.sessions.RoutingOrder(tenantID)

	var list []provider.Provider
	for _, id := range order {
		p, ok := r.sessions.Provider(tenantID, id)
		if !ok {
			continue
		}
		if opts != nil && opts.TemplateName != "" && !p.Capabilities().SupportsTemplates {
			continue
		}
		list = append(list, p)
	}

	if len(list) == 0 {
		if opts != nil && opts.TemplateName != "" {
			return nil, types.Classify(types.ErrClassTemplateNotSupported, nil)
		}
		return nil, types.Classify(types.ErrClassOther, errNoProvider)
	}

	// Stable partition: healthy candidates first, unhealthy ones kept as
	// a last resort rather than excluded outright (spec.md §4.4 — an
	// unhealthy provider still beats no provider at all).
	healthy := make([]provider.Provider, 0, len(list))
	unhealthy := make([]provider.Provider, 0, len(list))
	for _, p := range list {
		if p.IsHealthy() {
			healthy = append(healthy, p)
		} else {
			unhealthy = append(unhealthy, p)
		}
	}
	return append(healthy, unhealthy...), nil
}

// sendFn performs one attempt against a single resolved provider.
type sendFn func(ctx context.Context, p provider.Provider) (types.SendResult, error)

// dispatch runs send against the candidate list, applying the retry
// budget per candidate and stopping immediately (without trying the next
// candidate) on a non-fallback-eligible classified error.
func (r *Router) dispatch(ctx context.Context, tenantID string, opts *types.SendOptions, send sendFn) (types.SendResult, error) {
	list, err := r.candidates(tenantID, opts)
	if err != nil {
		return types.SendResult{}, err
	}

	maxAttempts := r.maxAttemptsPerCandidate()

	var lastErr error
	for _, p := range list {
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			start := time.Now()
			res, err := send(ctx, p)
			if err == nil {
				p.RecordSuccess(time.Since(start))
				return res, nil
			}

			ce := classify(err)
			p.RecordFailure(ce)
			lastErr = ce
			r.logger.Warn("send attempt failed",
				zap.String("tenant", tenantID), zap.String("provider", string(p.ID())),
				zap.Int("attempt", attempt), zap.String("class", string(ce.Class)))

			if !ce.Retryable {
				break
			}
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return types.SendResult{}, ctx.Err()
				case <-time.After(r.retryDelay(attempt - 1)):
				}
			}
		}

		if ce, ok := lastErr.(*types.ClassifiedError); ok && !r.triggersFallback(ce) {
			return types.SendResult{}, lastErr
		}
	}

	return types.SendResult{}, lastErr
}

// classify normalizes an error returned by a Provider send method into a
// ClassifiedError. Concrete providers already classify at their own
// boundary (spec.md §7); this is a defensive fallback for anything that
// slips through unclassified.
func classify(err error) *types.ClassifiedError {
	if ce, ok := err.(*types.ClassifiedError); ok {
		return ce
	}
	return types.Classify(types.ErrClassOther, err)
}

// SendText routes a plain-text send through the candidate chain.
func (r *Router) SendText(ctx context.Context, tenantID, to, text string) (types.SendResult, error) {
	return r.dispatch(ctx, tenantID, nil, func(ctx context.Context, p provider.Provider) (types.SendResult, error) {
		sctx, cancel := context.WithTimeout(ctx, provider.SendTimeout)
		defer cancel()
		return p.SendText(sctx, to, text)
	})
}

// SendTemplate routes a template send through only template-capable
// candidates.
func (r *Router) SendTemplate(ctx context.Context, tenantID, to string, opts types.SendOptions) (types.SendResult, error) {
	return r.dispatch(ctx, tenantID, &opts, func(ctx context.Context, p provider.Provider) (types.SendResult, error) {
		sctx, cancel := context.WithTimeout(ctx, provider.SendTimeout)
		defer cancel()
		return p.SendTemplate(sctx, to, opts.TemplateName, opts.TemplateParams, opts.TemplateLanguage)
	})
}

// SendMedia routes a media send through the candidate chain.
func (r *Router) SendMedia(ctx context.Context, tenantID, to string, media types.MediaPayload) (types.SendResult, error) {
	return r.dispatch(ctx, tenantID, nil, func(ctx context.Context, p provider.Provider) (types.SendResult, error) {
		sctx, cancel := context.WithTimeout(ctx, provider.SendTimeout)
		defer cancel()
		return p.SendMedia(sctx, to, media)
	})
}
