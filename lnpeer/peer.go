// Package lnpeer defines the Peer contract the worker depends on but does
// not implement. Per spec.md §1, the BOLT wire-level framing/handshake and
// per-peer message handling live in an external collaborator; this
// interface is the boundary the Peer Manager (C1), Payment Engine (C4),
// and Channel Lifecycle Driver (C3) call through.
package lnpeer

import (
	"context"
	"net"

	"github.com/breez/lnworker/lnwire"
	"github.com/breez/lnworker/routing"
	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/wire"
)

// Peer is an interface which represents the remote lightning node inside
// our system. A concrete implementation owns the encrypted transport and
// the per-peer message loop; everything in spec.md §1's "explicitly out of
// scope" list that is peer-shaped is reached through this interface.
type Peer interface {
	// Handshake performs the BOLT-8 noise handshake and BOLT-1 init
	// exchange over the given connection. Once it has decoded the
	// remote's init message, it must run the result through
	// RequireDataLossProtect and fail the connection (returning a non-nil
	// error and never registering the peer) if that check fails, per
	// spec.md §8 scenario S4.
	Handshake(ctx context.Context, conn net.Conn) error

	// MainLoop runs the peer's message-read loop until ctx is cancelled
	// or the connection is lost. It returns when the peer should be torn
	// down.
	MainLoop(ctx context.Context) error

	// Pay hands a constructed route to the peer for execution against the
	// given channel, expecting chanPoint's remote side to be the first
	// hop of route. The htlc id is returned so the caller can register a
	// PendingPayments future before awaiting settlement.
	Pay(route *routing.Route, chanPoint wire.OutPoint,
		amtMsat lnwire.MilliSatoshi, paymentHash [32]byte,
		minFinalCLTVExpiry uint32) (htlcID uint64, err error)

	// ChannelEstablishmentFlow drives the (out-of-scope) funding protocol
	// for a new channel of the given capacity, returning the funding
	// outpoint once the funding transaction has been constructed and
	// signed.
	ChannelEstablishmentFlow(ctx context.Context,
		fundingAmt int64, pushAmt lnwire.MilliSatoshi) (wire.OutPoint, error)

	// ReestablishChannel re-synchronizes per-commitment state for the
	// given channel after a reconnect, per BOLT-2 channel_reestablish.
	ReestablishChannel(chanID [32]byte) error

	// SendFundingLocked sends the funding_locked message once the
	// channel's short_channel_id has been assigned (spec.md §4.3 item 3).
	SendFundingLocked(chanID [32]byte) error

	// OnNetworkUpdate informs the peer of a new confirmation count for the
	// given channel (spec.md §4.3 item 4), so it can update
	// CSV/CLTV-sensitive state and, on a fee tick, propose a new feerate.
	OnNetworkUpdate(chanID [32]byte, conf uint32) error

	// CloseChannel requests a cooperative close of the given channel.
	CloseChannel(chanID [32]byte) error

	// SendMessage sends a variadic number of messages to the remote
	// peer. The first argument denotes if the method should block until
	// the message has been sent.
	SendMessage(sync bool, msgs ...interface{}) error

	// PubKey returns the serialized compressed public key of the remote
	// peer.
	PubKey() [33]byte

	// IdentityKey returns the public key of the remote peer.
	IdentityKey() *btcec.PublicKey

	// Address returns the network address of the remote peer.
	Address() net.Addr

	// QuitSignal returns a channel that is closed once the backing peer
	// exits, letting callers cancel in-flight work tied to this peer.
	QuitSignal() <-chan struct{}
}
