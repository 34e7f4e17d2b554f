// Package registry resolves which providers are available for a tenant
// and in what priority order (spec.md §4.2).
package registry

import "github.com/relaymesh/gateway/internal/types"

// Options is the subset of config.Config the registry needs, kept as its
// own small interface so this package doesn't import the config package
// directly (it only ever needs a handful of fields).
type Options struct {
	PrimaryProvider string
	P1Enabled       bool
	P2Enabled       bool
	P1Credentials   string
}

// Available returns P1 only if credentials are present and not disabled;
// returns P2 unless disabled. Order is not meaningful here — Priority
// determines dispatch order.
func Available(opts Options) []types.ProviderID {
	var ids []types.ProviderID
	if opts.P1Enabled && opts.P1Credentials != "" {
		ids = append(ids, types.ProviderP1)
	}
	if opts.P2Enabled {
		ids = append(ids, types.ProviderP2)
	}
	return ids
}

// Priority returns [primary, fallback] where primary is the configured
// provider and fallback is the other provider iff available. Entries
// pointing at unavailable providers are filtered, and the result is
// deterministic for a given Options value.
func Priority(opts Options) []types.ProviderID {
	avail := make(map[types.ProviderID]bool)
	for _, id := range Available(opts) {
		avail[id] = true
	}

	primary := types.ProviderID(opts.PrimaryProvider)
	var other types.ProviderID
	if primary == types.ProviderP1 {
		other = types.ProviderP2
	} else {
		other = types.ProviderP1
	}

	var order []types.ProviderID
	if avail[primary] {
		order = append(order, primary)
	}
	if avail[other] {
		order = append(order, other)
	}
	return order
}
