// Package webhook implements the Webhook Forwarder (spec.md §4.7): it
// delivers normalized inbound messages to the application's webhook
// endpoint, queuing anything that doesn't come back with a definitive
// 2xx/400 so a later drain can retry it. Grounded in the teacher's HTTP
// client shape (providers/*/provider.go) plus its rate-limited retry
// loops, paced here with golang.org/x/time/rate instead of a bare
// time.Sleep for the same reason as the Outbound Poller.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaymesh/gateway/internal/queue"
	"github.com/relaymesh/gateway/internal/types"
)

// Timeout bounds every forward attempt (spec.md §5).
const Timeout = 15 * time.Second

// applicationPayload is the exact wire shape the application webhook
// expects (spec.md §6), distinct from NormalizedInboundMessage's own
// field names — this is the one place that translation happens.
type applicationPayload struct {
	Type                 string  `json:"type"`
	TenantID             string  `json:"tenantId"`
	Phone                *string `json:"phone"`
	Message              string  `json:"message"`
	CustomerName         *string `json:"customerName"`
	WhatsappMessageID    string  `json:"whatsappMessageId"`
	IsLid                bool    `json:"isLid"`
	LidID                *string `json:"lidId"`
	IsVoiceMessage       bool    `json:"isVoiceMessage"`
	VoiceTranscription   string  `json:"voiceTranscription"`
	VoiceDurationSeconds int     `json:"voiceDurationSeconds"`
	Provider             string  `json:"provider"`
}

func toApplicationPayload(msg types.NormalizedInboundMessage) applicationPayload {
	return applicationPayload{
		Type:                 "message",
		TenantID:             msg.TenantID,
		Phone:                msg.ResolvedPhone,
		Message:              msg.Content,
		CustomerName:         msg.PushName,
		WhatsappMessageID:    msg.MessageID,
		IsLid:                msg.IsOpaqueAddress,
		LidID:                msg.OpaqueAddressID,
		IsVoiceMessage:       msg.IsVoice,
		VoiceTranscription:   msg.VoiceTranscript,
		VoiceDurationSeconds: msg.VoiceDurationSeconds,
		Provider:             string(msg.Provider),
	}
}

// drainRateLimit paces processQueue's retries: one attempt per 500ms,
// matching the Outbound Poller's pacing philosophy rather than hammering
// a backend that's already shown it's struggling.
const drainRateLimit = rate.Limit(2) // 1 per 500ms

// URLResolver maps a tenant to the webhook endpoint the application
// configured for it.
type URLResolver func(tenantID string) (string, bool)

// Forwarder is the Webhook Forwarder described in spec.md §4.7.
type Forwarder struct {
	httpClient *http.Client
	resolveURL URLResolver
	store      queue.Store
	logger     *zap.Logger
	limiter    *rate.Limiter
}

// New builds a Forwarder backed by store for anything that needs retry.
func New(resolveURL URLResolver, store queue.Store, logger *zap.Logger) *Forwarder {
	l := logger
	if l == nil {
		l = zap.NewNop()
	}
	return &Forwarder{
		httpClient: &http.Client{Timeout: Timeout},
		resolveURL: resolveURL,
		store:      store,
		logger:     l,
		limiter:    rate.NewLimiter(drainRateLimit, 1),
	}
}

// Forward delivers msg immediately. It is meant to be called from the
// owning session actor's goroutine so attempts happen in provider-emit
// order (spec.md §8). Per §4.7: a 2xx response is success, a 400 is a
// permanent rejection (dropped, not retried), and anything else queues
// the message for a later drain.
func (f *Forwarder) Forward(ctx context.Context, msg types.NormalizedInboundMessage) {
	url, ok := f.resolveURL(msg.TenantID)
	if !ok {
		f.logger.Warn("no webhook configured for tenant", zap.String("tenant", msg.TenantID))
		return
	}

	status, err := f.post(ctx, url, msg)
	switch {
	case err == nil && status/100 == 2:
		return
	case err == nil && status == http.StatusBadRequest:
		f.logger.Warn("webhook rejected message permanently",
			zap.String("tenant", msg.TenantID), zap.String("messageId", msg.MessageID), zap.Int("status", status))
		return
	default:
		f.logger.Warn("webhook forward failed, queueing for retry",
			zap.String("tenant", msg.TenantID), zap.String("messageId", msg.MessageID), zap.Error(err))
		f.enqueue(ctx, msg)
	}
}

func (f *Forwarder) enqueue(ctx context.Context, msg types.NormalizedInboundMessage) {
	delivery := types.QueuedDelivery{
		MessageID: msg.MessageID,
		TenantID:  msg.TenantID,
		Payload:   msg,
		QueuedAt:  time.Now().UnixMilli(),
		Attempts:  0,
	}
	if err := f.store.Enqueue(ctx, delivery); err != nil {
		f.logger.Error("failed to queue undelivered message",
			zap.String("tenant", msg.TenantID), zap.String("messageId", msg.MessageID), zap.Error(err))
	}
}

func (f *Forwarder) post(ctx context.Context, url string, msg types.NormalizedInboundMessage) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	body, err := json.Marshal(toApplicationPayload(msg))
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// DrainTenant implements processQueue for one tenant: every pending entry
// is retried, paced by the shared rate limiter. A 2xx or 400 dequeues the
// entry; anything else bumps its attempt counter and leaves it queued
// for the next drain (the eviction sweep eventually drops it once it
// exceeds MaxAttempts or QueueTTL).
func (f *Forwarder) DrainTenant(ctx context.Context, tenantID string) error {
	url, ok := f.resolveURL(tenantID)
	if !ok {
		return nil
	}

	pending, err := f.store.ListPending(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("webhook: list pending for drain: %w", err)
	}

	for _, entry := range pending {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}

		status, err := f.post(ctx, url, entry.Payload)
		switch {
		case err == nil && (status/100 == 2 || status == http.StatusBadRequest):
			if derr := f.store.Dequeue(ctx, tenantID, entry.MessageID); derr != nil && derr != queue.ErrNotFound {
				f.logger.Warn("dequeue after drain failed", zap.String("tenant", tenantID), zap.Error(derr))
			}
		default:
			if _, ierr := f.store.IncrementAttempts(ctx, tenantID, entry.MessageID); ierr != nil && ierr != queue.ErrNotFound {
				f.logger.Warn("increment attempts after drain failure failed", zap.String("tenant", tenantID), zap.Error(ierr))
			}
		}
	}
	return nil
}

// ScheduleDrain runs DrainTenant once, after the given delay. Used as the
// session Hooks.ScheduleQueueDrain implementation, so a freshly connected
// (or reconnected) session gets a chance to flush anything queued while
// it was down before the next regular drain sweep.
func (f *Forwarder) ScheduleDrain(tenantID string, after time.Duration) {
	time.AfterFunc(after, func() {
		ctx, cancel := context.WithTimeout(context.Background(), Timeout)
		defer cancel()
		if err := f.DrainTenant(ctx, tenantID); err != nil {
			f.logger.Warn("scheduled drain failed", zap.String("tenant", tenantID), zap.Error(err))
		}
	})
}

// RunEvictionSweep blocks, evicting expired queue entries every interval
// until ctx is cancelled (spec.md §3's TTL/attempt-cap invariant).
func (f *Forwarder) RunEvictionSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := f.store.Evict(ctx, time.Now())
			if err != nil {
				f.logger.Warn("eviction sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				f.logger.Info("evicted expired queue entries", zap.Int("count", removed))
			}
		}
	}
}

// RunDrainSweep periodically drains every tenant with pending entries,
// as a backstop alongside the per-connect ScheduleDrain calls.
func (f *Forwarder) RunDrainSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tenants, err := f.store.ListAllTenants(ctx)
			if err != nil {
				f.logger.Warn("drain sweep list tenants failed", zap.Error(err))
				continue
			}
			for _, tenantID := range tenants {
				if err := f.DrainTenant(ctx, tenantID); err != nil {
					f.logger.Warn("drain sweep failed", zap.String("tenant", tenantID), zap.Error(err))
				}
			}
		}
	}
}
