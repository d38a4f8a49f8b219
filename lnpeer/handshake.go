package lnpeer

import (
	"github.com/breez/lnworker/lnwire"
	"github.com/go-errors/errors"
)

// ErrMissingDataLossProtect is returned by RequireDataLossProtect when a
// remote peer's BOLT-1 init message does not advertise DATA_LOSS_PROTECT,
// per spec.md §8 scenario S4: "A peer whose init message advertises empty
// feature bits causes the handshake to terminate ... the pubkey does not
// appear in the peer map."
var ErrMissingDataLossProtect = errors.New("remote peer does not support data-loss-protect")

// RequireDataLossProtect is the feature-bit gate a concrete Handshake
// implementation calls once it has decoded the remote's init message,
// before registering the Peer. DATA_LOSS_PROTECT lets a peer that has lost
// commitment state recover its settled channel balance, so the worker
// refuses to hold a channel open with a peer that doesn't support it.
func RequireDataLossProtect(remoteFeatures *lnwire.FeatureVector) error {
	if remoteFeatures == nil {
		return ErrMissingDataLossProtect
	}
	if !remoteFeatures.HasFeature(lnwire.DataLossProtectRequired) &&
		!remoteFeatures.HasFeature(lnwire.DataLossProtectOptional) {
		return ErrMissingDataLossProtect
	}
	return nil
}
