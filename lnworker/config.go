// Package lnworker implements the LNWorker/LNWallet core: the peer
// connection manager, channel persistence and lifecycle engine, payment
// dispatcher with routing, invoice/preimage store, and on-chain reaction
// loop described in spec.md. It is the one package in this module where
// those pieces are wired together into a running worker; everything it
// depends on outside its own concerns (wire framing, commitment
// construction, the channel graph, on-chain watching, BOLT-11 codec) is an
// injected collaborator.
package lnworker

import (
	"time"

	"github.com/breez/lnworker/lnwire"
)

// Config holds the external configuration options of spec.md §6, read once
// at worker construction.
type Config struct {
	// LightningListen is the "[ipv6]:port" or "ipv4:port" address to
	// accept inbound BOLT connections on. Empty disables listening.
	LightningListen string

	// LightningPeers is the seed list of peers to dial at start-up.
	LightningPeers []PeerSeed

	// WatchtowerURL is the HTTP JSON-RPC endpoint of a remote
	// watchtower. Empty disables remote watchtower sync.
	WatchtowerURL string

	// Net selects which fallback node list and BOLT-11 human-readable
	// prefix this worker uses.
	Net lnwire.ChainNet
}

// PeerSeed is one entry of the lightning_peers configuration list.
type PeerSeed struct {
	Host   string
	Port   int
	PubKey [33]byte
}

// Tunables from spec.md §4.1 and §4.7.
const (
	// NumPeersTarget is the number of live peer connections the Peer
	// Manager tries to maintain.
	NumPeersTarget = 4

	// PeerRetryInterval is the minimum time between connection attempts
	// to a peer we don't own a channel with.
	PeerRetryInterval = 600 * time.Second

	// PeerRetryIntervalForChannels is the (shorter) minimum time between
	// reconnection attempts to a peer we own a channel with.
	PeerRetryIntervalForChannels = 30 * time.Second

	// PeerManagerTick is how often the Peer Manager background loop
	// wakes up to evaluate whether to dial new peers.
	PeerManagerTick = 1 * time.Second

	// WatchtowerSyncTick is how often both watchtower sync loops run.
	WatchtowerSyncTick = 5 * time.Second

	// GossipMaintenanceTick is how often the Gossip Worker prunes the
	// graph database.
	GossipMaintenanceTick = 120 * time.Second

	// GossipPolicyMaxAge is the age beyond which a stored routing policy
	// is eligible for pruning by the Gossip Worker.
	GossipPolicyMaxAge = 14 * 24 * time.Hour

	// UnknownChannelIDBatchSize is how many unknown channel ids
	// GetIDsToQuery drains at a time.
	UnknownChannelIDBatchSize = 500

	// OpenChannelTimeout bounds a foreign-thread call to OpenChannel.
	OpenChannelTimeout = 20 * time.Second

	// AddRequestTimeout bounds a foreign-thread call to AddRequest.
	AddRequestTimeout = 5 * time.Second

	// MaxMinFinalCLTVExpiry rejects invoices demanding an unreasonably
	// distant final CLTV delta: 60 days of blocks (spec.md §4.4).
	MaxMinFinalCLTVExpiry = 60 * 144

	// ReceivedHTLCClaimGrace (DR in spec.md §4.3) is the grace window
	// before a received HTLC whose preimage we've released must be
	// claimed on-chain.
	ReceivedHTLCClaimGrace = 144

	// OfferedHTLCTimeoutGrace (DO in spec.md §4.3) is the grace window
	// after an offered HTLC's expiry before we time it out on-chain.
	OfferedHTLCTimeoutGrace = 144
)
