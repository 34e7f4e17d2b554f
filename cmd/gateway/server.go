package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaymesh/gateway/config"
	"github.com/relaymesh/gateway/internal/audit"
	"github.com/relaymesh/gateway/internal/backend"
	"github.com/relaymesh/gateway/internal/httpapi"
	"github.com/relaymesh/gateway/internal/metrics"
	"github.com/relaymesh/gateway/internal/poller"
	"github.com/relaymesh/gateway/internal/queue"
	"github.com/relaymesh/gateway/internal/registry"
	"github.com/relaymesh/gateway/internal/sendrouter"
	"github.com/relaymesh/gateway/internal/server"
	"github.com/relaymesh/gateway/internal/session"
	"github.com/relaymesh/gateway/internal/telemetry"
	"github.com/relaymesh/gateway/internal/types"
	"github.com/relaymesh/gateway/internal/webhook"
)

// backgroundSweepInterval bounds how often the process-wide queue
// maintenance goroutines (queue eviction, queue drain sweep) run; they are
// independent of the per-tenant polling interval. The session janitor
// runs on its own fixed interval inside the session package.
const backgroundSweepInterval = 1 * time.Minute

// Server owns every long-lived component this process runs and the two
// goroutine groups (background sweeps, HTTP listener) that keep them
// alive. Grounded in the teacher's cmd/agentflow Server, trimmed of the
// hot-reload/metrics-split-server machinery this gateway doesn't need —
// metrics are served off the same mux as the admin API instead of a
// second listener.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetryProviders *telemetry.Providers
	metricsCollector   *metrics.Collector
	auditLog           *audit.Log
	queueStore         queue.Store
	supervisor         *session.Supervisor
	router             *sendrouter.Router
	forwarder          *webhook.Forwarder
	backendClient      *backend.Client
	outboundPoller     *poller.Poller

	httpManager *server.Manager

	sweepCancel context.CancelFunc
	wg          sync.WaitGroup
}

// NewServer wires every component together but starts nothing.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	var err error
	s.telemetryProviders, err = telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	s.metricsCollector = metrics.NewCollector("gateway", logger)

	if cfg.Audit.Enabled {
		s.auditLog, err = audit.Open(cfg.Audit.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
	}

	s.queueStore, err = newQueueStore(cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	s.backendClient = backend.New(cfg.Backend.URL, cfg.Backend.Key, logger)

	s.forwarder = webhook.New(singleURLResolver(cfg.Webhook.URL), s.queueStore, logger)

	factory := &providerFactory{cfg: cfg, logger: logger}
	regOpts := func(tenantID string) registry.Options {
		return registry.Options{
			PrimaryProvider: cfg.PrimaryProvider,
			P1Enabled:       cfg.P1Enabled,
			P2Enabled:       cfg.P2Enabled,
			P1Credentials:   cfg.P1Credentials,
		}
	}

	// StartPolling/StopPolling close over s.outboundPoller by field
	// reference rather than by method value, since the poller itself
	// isn't constructed until after the router it needs exists below.
	hooks := session.Hooks{
		StartPolling: func(tenantID string) { s.outboundPoller.Start(tenantID) },
		StopPolling:  func(tenantID string) { s.outboundPoller.Stop(tenantID) },
		ScheduleQueueDrain: func(tenantID string, after time.Duration) {
			s.forwarder.ScheduleDrain(tenantID, after)
		},
		PurgeCredentials: func(tenantID string) {
			dir := filepath.Join(cfg.AuthRoot, tenantID)
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn("purge credentials failed", zap.String("tenant", tenantID), zap.Error(err))
			}
		},
		Deliver: func(msg types.NormalizedInboundMessage) {
			s.forwarder.Forward(context.Background(), msg)
		},
		RecordTransition: func(tenantID, fromStatus, toStatus, providerID, reason string) {
			s.metricsCollector.RecordSessionTransition(fromStatus, toStatus)
			if s.auditLog != nil {
				s.auditLog.Record(context.Background(), tenantID, fromStatus, toStatus, providerID, reason)
			}
		},
	}

	s.supervisor = session.NewSupervisor(regOpts, factory, logger, hooks)
	s.router = sendrouter.New(s.supervisor, logger, &cfg.Fallback)
	s.outboundPoller = poller.New(s.backendClient, s.router, logger, cfg.Polling.Interval, rate.Limit(5), 10)

	return s, nil
}

func newQueueStore(cfg config.QueueConfig) (queue.Store, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return queue.NewRedisStore(client, cfg.RedisPrefix), nil
	default:
		return queue.NewFileStore(cfg.FilePath)
	}
}

func singleURLResolver(url string) webhook.URLResolver {
	return func(tenantID string) (string, bool) {
		if url == "" {
			return "", false
		}
		return url, true
	}
}

// Start begins background sweeps and the HTTP listener. Non-blocking.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervisor.RunJanitor(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.forwarder.RunEvictionSweep(ctx, backgroundSweepInterval)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.forwarder.RunDrainSweep(ctx, backgroundSweepInterval)
	}()

	if entries, err := os.ReadDir(s.cfg.AuthRoot); err == nil {
		var tenantIDs []string
		for _, e := range entries {
			if e.IsDir() {
				tenantIDs = append(tenantIDs, e.Name())
			}
		}
		s.supervisor.ReconnectExistingSessions(ctx, tenantIDs)
	}

	mux := http.NewServeMux()
	api := httpapi.New(s.supervisor, s.router, s.forwarder, s.cfg.Admin.VerifyToken, s.logger)
	api.Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	skipAuth := []string{"/health", "/metrics", "/webhook/p1"}
	handler := httpapi.Chain(mux,
		httpapi.Recovery(s.logger),
		httpapi.RequestID(),
		httpapi.RequestLogger(s.logger),
		httpapi.JWTAuth(s.cfg.Admin.JWTSecret, skipAuth, s.logger),
	)

	srvCfg := server.DefaultConfig(s.cfg.Admin.Addr)
	s.httpManager = server.NewManager(handler, srvCfg, s.logger)
	return s.httpManager.Start()
}

// WaitForShutdown blocks for SIGINT/SIGTERM (or an async server error),
// then tears everything down within a 30s hard bound — the process exits
// regardless of whether shutdown finished cleanly.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.Shutdown()
}

func (s *Server) Shutdown() {
	s.logger.Info("shutting down")

	done := make(chan struct{})
	go func() {
		if s.sweepCancel != nil {
			s.sweepCancel()
		}
		s.wg.Wait()
		s.supervisor.Shutdown(context.Background())
		if s.auditLog != nil {
			_ = s.auditLog.Close()
		}
		_ = s.queueStore.Close()
		if err := s.telemetryProviders.Shutdown(context.Background()); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("graceful shutdown complete")
	case <-time.After(30 * time.Second):
		s.logger.Error("shutdown exceeded 30s hard timeout, exiting")
		os.Exit(1)
	}
}
