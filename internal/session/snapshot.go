package session

import (
	"time"

	"github.com/relaymesh/gateway/internal/types"
)

// Snapshot is an immutable, race-free read model of a Session (spec.md §3).
// It is published by the owning actor after every mutation; readers never
// see a torn value.
type Snapshot struct {
	TenantID          string
	Status            types.SessionStatus
	ActiveProvider    types.ProviderID // "" when none
	PhoneIdentity     string
	ConnectedAt       time.Time
	QRPayload         string // "" unless Status == qr_ready
	ReconnectAttempts int
	CreatedAt         time.Time
	InstalledProviders []types.ProviderID
}

// Exists reports whether the snapshot represents a real session (versus
// the zero value returned for an unknown tenant).
func (s Snapshot) Exists() bool { return s.TenantID != "" }

// checkInvariants is exercised by tests (and can be called defensively)
// to confirm the §3/§8 structural invariants hold for a given snapshot.
func (s Snapshot) checkInvariants() bool {
	if (s.Status == types.StatusConnected) != (s.ActiveProvider != "") {
		return false
	}
	if (s.Status == types.StatusQRReady) != (s.QRPayload != "") {
		return false
	}
	return true
}
