// Package httpapi is the thin admin HTTP surface and platform webhook-in
// endpoint spec.md §1 calls "interfaced but not specified": health,
// session lifecycle, send, queue drain, and the P1 verification/inbound
// routes (spec.md §6). Handlers exist only so the core (session
// Supervisor, Send Router, Webhook Forwarder) is reachable and testable
// end-to-end — there is no business logic here beyond decode/route/encode.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/provider/httpprovider"
	"github.com/relaymesh/gateway/internal/session"
	"github.com/relaymesh/gateway/internal/types"
)

// SendRouter is the subset of sendrouter.Router the admin send endpoint needs.
type SendRouter interface {
	SendText(ctx context.Context, tenantID, to, text string) (types.SendResult, error)
	SendTemplate(ctx context.Context, tenantID, to string, opts types.SendOptions) (types.SendResult, error)
	SendMedia(ctx context.Context, tenantID, to string, media types.MediaPayload) (types.SendResult, error)
}

// QueueDrainer is the subset of webhook.Forwarder the drain endpoint needs.
type QueueDrainer interface {
	DrainTenant(ctx context.Context, tenantID string) error
}

// API holds the handler set's dependencies. It takes the concrete
// *session.Supervisor (rather than a narrow interface, as SendRouter and
// QueueDrainer do) because several handlers need its full method set:
// CreateSession, Snapshot, DisconnectSession, Provider, and
// FindTenantByPhoneIdentity.
type API struct {
	supervisor *session.Supervisor
	router     SendRouter
	drainer    QueueDrainer
	verifyToken string
	logger     *zap.Logger
}

// New builds the handler set. verifyToken authenticates the platform's
// own webhook verification handshake (spec.md §6), independent of the
// admin surface's JWT bearer auth.
func New(supervisor *session.Supervisor, router SendRouter, drainer QueueDrainer, verifyToken string, logger *zap.Logger) *API {
	l := logger
	if l == nil {
		l = zap.NewNop()
	}
	return &API{supervisor: supervisor, router: router, drainer: drainer, verifyToken: verifyToken, logger: l}
}

// Routes registers every handler on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("POST /sessions/{tenantId}", a.handleCreateSession)
	mux.HandleFunc("GET /sessions/{tenantId}", a.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{tenantId}", a.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{tenantId}/send", a.handleSend)
	mux.HandleFunc("POST /webhook/queue/drain", a.handleQueueDrain)
	mux.HandleFunc("GET /webhook/p1", a.handleP1Verify)
	mux.HandleFunc("POST /webhook/p1", a.handleP1Inbound)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantId")
	if tenantID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing tenantId")
		return
	}
	snap := a.supervisor.CreateSession(r.Context(), tenantID)
	writeJSON(w, http.StatusOK, snapshotView(snap))
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantId")
	snap := a.supervisor.Snapshot(tenantID)
	if !snap.Exists() {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snapshotView(snap))
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantId")
	if err := a.supervisor.DisconnectSession(r.Context(), tenantID); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sendRequest is the admin send endpoint's body. Exactly one of the
// template/media fields should be set; an empty TemplateName and nil
// Media means a plain text send.
type sendRequest struct {
	To               string            `json:"to"`
	Text             string            `json:"text,omitempty"`
	TemplateName     string            `json:"templateName,omitempty"`
	TemplateParams   map[string]string `json:"templateParams,omitempty"`
	TemplateLanguage string            `json:"templateLanguage,omitempty"`
	Media            *types.MediaPayload `json:"media,omitempty"`
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantId")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To == "" {
		writeJSONError(w, http.StatusBadRequest, "missing to")
		return
	}

	var (
		res types.SendResult
		err error
	)
	switch {
	case req.TemplateName != "":
		res, err = a.router.SendTemplate(r.Context(), tenantID, req.To, types.SendOptions{
			TemplateName:     req.TemplateName,
			TemplateParams:   req.TemplateParams,
			TemplateLanguage: req.TemplateLanguage,
		})
	case req.Media != nil:
		res, err = a.router.SendMedia(r.Context(), tenantID, req.To, *req.Media)
	default:
		res, err = a.router.SendText(r.Context(), tenantID, req.To, req.Text)
	}

	if err != nil {
		if ce, ok := err.(*types.ClassifiedError); ok {
			writeJSONError(w, http.StatusBadGateway, ce.Error())
			return
		}
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type drainRequest struct {
	TenantID string `json:"tenantId"`
}

func (a *API) handleQueueDrain(w http.ResponseWriter, r *http.Request) {
	var req drainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing tenantId")
		return
	}
	if err := a.drainer.DrainTenant(r.Context(), req.TenantID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleP1Verify implements the platform's webhook subscription
// handshake (spec.md §6): a matching verify_token echoes the challenge,
// a mismatch is rejected with 403.
func (a *API) handleP1Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != a.verifyToken {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(q.Get("hub.challenge")))
}

// handleP1Inbound always responds 200 immediately and processes the
// payload asynchronously (spec.md §6), routing it to the session whose
// P1 provider currently reports the matching phone identity.
func (a *API) handleP1Inbound(w http.ResponseWriter, r *http.Request) {
	var payload httpprovider.InboundWebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	w.WriteHeader(http.StatusOK)

	go func() {
		tenantID, ok := a.supervisor.FindTenantByPhoneIdentity(types.ProviderP1, payload.ToPhoneIdentity)
		if !ok {
			a.logger.Warn("p1 inbound: no session for phone identity", zap.String("phoneIdentity", payload.ToPhoneIdentity))
			return
		}
		prov, ok := a.supervisor.Provider(tenantID, types.ProviderP1)
		if !ok {
			a.logger.Warn("p1 inbound: no p1 provider installed", zap.String("tenant", tenantID))
			return
		}
		p1, ok := prov.(*httpprovider.Provider)
		if !ok {
			a.logger.Warn("p1 inbound: provider is not httpprovider.Provider", zap.String("tenant", tenantID))
			return
		}
		p1.HandleInboundWebhook(tenantID, payload)
	}()
}

func snapshotView(s session.Snapshot) map[string]any {
	return map[string]any{
		"tenantId":           s.TenantID,
		"status":             string(s.Status),
		"activeProvider":     string(s.ActiveProvider),
		"phoneIdentity":      s.PhoneIdentity,
		"qrPayload":          s.QRPayload,
		"reconnectAttempts":  s.ReconnectAttempts,
		"installedProviders": s.InstalledProviders,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
