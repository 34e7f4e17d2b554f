package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/config"
	"github.com/relaymesh/gateway/internal/provider"
	"github.com/relaymesh/gateway/internal/provider/httpprovider"
	"github.com/relaymesh/gateway/internal/provider/socketprovider"
	"github.com/relaymesh/gateway/internal/types"
)

// providerFactory implements session.ProviderFactory, translating the
// process-wide config into the per-tenant Config each concrete provider
// package expects. It is the one place that knows both provider packages
// exist — the session package itself only ever sees the provider.Provider
// interface (spec.md §4.1/§4.2).
type providerFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

func (f *providerFactory) Create(_ context.Context, id types.ProviderID, tenantID string, sink provider.EventSink) (provider.Provider, error) {
	logger := f.logger.With(zap.String("tenant", tenantID))

	switch id {
	case types.ProviderP1:
		return httpprovider.New(httpprovider.Config{
			BaseURL:     f.cfg.P1BaseURL,
			Credentials: f.cfg.P1Credentials,
		}, sink, logger), nil
	case types.ProviderP2:
		return socketprovider.New(socketprovider.Config{
			WSURL: f.cfg.P2WSURL,
		}, sink, logger), nil
	default:
		return nil, fmt.Errorf("factory: unknown provider id %q", id)
	}
}
