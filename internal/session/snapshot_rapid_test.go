package session

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/relaymesh/gateway/internal/types"
)

// TestCheckInvariantsAgreesWithConnectedAndQRReadyRules fuzzes arbitrary
// Snapshot field combinations and checks checkInvariants against the two
// structural rules from spec.md §3/§8 directly, rather than only the
// combinations a live actor happens to produce.
func TestCheckInvariantsAgreesWithConnectedAndQRReadyRules(t *testing.T) {
	statuses := []types.SessionStatus{
		types.StatusInitializing, types.StatusQRReady, types.StatusConnected,
		types.StatusReconnecting, types.StatusLoggedOut, types.StatusFailed, types.StatusDisconnected,
	}

	rapid.Check(t, func(rt *rapid.T) {
		status := statuses[rapid.IntRange(0, len(statuses)-1).Draw(rt, "status")]
		hasActiveProvider := rapid.Bool().Draw(rt, "hasActiveProvider")
		hasQRPayload := rapid.Bool().Draw(rt, "hasQRPayload")

		snap := Snapshot{Status: status}
		if hasActiveProvider {
			snap.ActiveProvider = types.ProviderP1
		}
		if hasQRPayload {
			snap.QRPayload = "qr"
		}

		want := (status == types.StatusConnected) == hasActiveProvider &&
			(status == types.StatusQRReady) == hasQRPayload
		if got := snap.checkInvariants(); got != want {
			t.Fatalf("checkInvariants mismatch: status=%s activeProvider=%v qrPayload=%v want=%v got=%v",
				status, hasActiveProvider, hasQRPayload, want, got)
		}
	})
}
