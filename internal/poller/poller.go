// Package poller implements the Outbound Poller (spec.md §4.6): for each
// connected tenant, it periodically pulls pending sends from the
// application backend and dispatches them through the Send Router.
// Grounded in the teacher's background-loop shapes (internal/server/manager.go's
// periodic maintenance goroutines), generalized to one loop per tenant
// with an overlap guard and a shared rate limiter.
package poller

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaymesh/gateway/internal/backend"
	"github.com/relaymesh/gateway/internal/types"
)

// jitterFraction is the additive jitter applied to each tenant's ticker
// interval, so many tenants polling on the same base interval don't all
// hit the backend in lockstep.
const jitterFraction = 0.20

// Router is the subset of sendrouter.Router the poller needs.
type Router interface {
	SendText(ctx context.Context, tenantID, to, text string) (types.SendResult, error)
	SendTemplate(ctx context.Context, tenantID, to string, opts types.SendOptions) (types.SendResult, error)
	SendMedia(ctx context.Context, tenantID, to string, media types.MediaPayload) (types.SendResult, error)
}

type tenantLoop struct {
	cancel    context.CancelFunc
	isPolling atomic.Bool
}

// Poller runs one polling loop per tenant it has been told to watch.
type Poller struct {
	backend  *backend.Client
	router   Router
	logger   *zap.Logger
	interval time.Duration
	limiter  *rate.Limiter

	mu     sync.Mutex
	active map[string]*tenantLoop
}

// New builds a Poller. interval is the nominal per-tenant poll period;
// limit/burst bound the aggregate rate of PullOutbound calls across every
// tenant so a burst of simultaneous ticks can't hammer the backend.
func New(backendClient *backend.Client, router Router, logger *zap.Logger, interval time.Duration, limit rate.Limit, burst int) *Poller {
	l := logger
	if l == nil {
		l = zap.NewNop()
	}
	return &Poller{
		backend:  backendClient,
		router:   router,
		logger:   l,
		interval: interval,
		limiter:  rate.NewLimiter(limit, burst),
		active:   make(map[string]*tenantLoop),
	}
}

// Start begins polling tenantID. Idempotent: a tenant already being
// polled is left alone (spec.md §4.6, triggered once a session reaches
// connected).
func (p *Poller) Start(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[tenantID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	tl := &tenantLoop{cancel: cancel}
	p.active[tenantID] = tl

	go p.run(ctx, tenantID, tl)
}

// Stop halts polling for tenantID (spec.md §4.6, triggered on
// disconnect). A no-op if the tenant isn't being polled.
func (p *Poller) Stop(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tl, ok := p.active[tenantID]
	if !ok {
		return
	}
	tl.cancel()
	delete(p.active, tenantID)
}

func jitteredInterval(base time.Duration) time.Duration {
	jitter := time.Duration(rand.Float64() * jitterFraction * float64(base))
	return base + jitter
}

func (p *Poller) run(ctx context.Context, tenantID string, tl *tenantLoop) {
	ticker := time.NewTicker(jitteredInterval(p.interval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !tl.isPolling.CompareAndSwap(false, true) {
				// previous poll still in flight; skip this tick rather
				// than pile up overlapping pulls for one tenant.
				continue
			}
			p.pollOnce(ctx, tenantID)
			tl.isPolling.Store(false)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, tenantID string) {
	if err := p.limiter.Wait(ctx); err != nil {
		return
	}

	messages, err := p.backend.PullOutbound(ctx, tenantID)
	if err != nil {
		p.logger.Warn("poll outbound failed", zap.String("tenant", tenantID), zap.Error(err))
		return
	}

	for _, msg := range messages {
		p.dispatch(ctx, tenantID, msg)
	}
}

// dispatch sends one backend-pulled message through the Send Router.
// The pending-messages wire shape (spec.md §6) carries only an address
// and text content — no kind/template/media hint — so every outbound
// poll dispatch is a plain text send; template and media sends remain
// reachable only through the Send Router's own API (spec.md §4.1's
// capability contract is about what a Provider can do, not what the
// backend's pull queue carries).
func (p *Poller) dispatch(ctx context.Context, tenantID string, msg backend.OutboundMessage) {
	to := msg.PhoneNumber
	if msg.IsLid && msg.LidID != nil {
		to = *msg.LidID
	}

	res, err := p.router.SendText(ctx, tenantID, to, msg.Content)
	if err != nil {
		p.logger.Warn("dispatch outbound message failed",
			zap.String("tenant", tenantID), zap.String("messageId", msg.ID), zap.Error(err))
		if ackErr := p.backend.AckOutbound(ctx, tenantID, msg.ID, false, "", err.Error()); ackErr != nil {
			p.logger.Warn("ack (failure) outbound message failed", zap.String("tenant", tenantID), zap.Error(ackErr))
		}
		return
	}

	if ackErr := p.backend.AckOutbound(ctx, tenantID, msg.ID, true, res.MessageID, ""); ackErr != nil {
		p.logger.Warn("ack (success) outbound message failed", zap.String("tenant", tenantID), zap.Error(ackErr))
	}
}
