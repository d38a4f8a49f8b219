// Package routing defines the route-construction contract the Payment
// Engine (C4) and Invoice Store (C5) consume from the out-of-scope
// ChannelDB / LNPathFinder collaborators named in spec.md §1. The channel
// graph, gossip ingestion, and pathfinding search itself live outside this
// module; this package only names the types that cross that boundary and
// implements the pure route-sanity check spec.md §4.4/§8 requires.
package routing

import (
	"time"

	"github.com/breez/lnworker/lnwire"
	"github.com/btcsuite/btcutil"
	sphinx "github.com/lightningnetwork/lightning-onion"
)

// NumMaxEdgesInPaymentPath bounds how many hops a private routing hint may
// contribute to a constructed route (spec.md §4.4 item 1).
const NumMaxEdgesInPaymentPath = 20

// RouteHop is one edge of a constructed route: the node the HTLC is
// forwarded to, over the given channel, with the fee/expiry terms that
// apply to that hop.
type RouteHop struct {
	// PubKeyBytes is the destination node of this hop.
	PubKeyBytes [33]byte

	// ShortChannelID identifies the channel this hop forwards over.
	ShortChannelID uint64

	// AmtToForward is the amount, in millisatoshi, this hop forwards
	// onward (i.e. after its own fee has been deducted by the prior hop).
	AmtToForward lnwire.MilliSatoshi

	// FeeBaseMsat and FeeProportionalMillionths are this hop's advertised
	// (or hint-provided) fee policy, expressed as in BOLT-07.
	FeeBaseMsat              lnwire.MilliSatoshi
	FeeProportionalMillionths uint32

	// OutgoingTimeLock is the CLTV delta, in blocks, this hop adds to the
	// HTLC's expiry.
	OutgoingTimeLock uint32
}

// Route is an ordered list of edges from us to a payee, as spec.md's
// GLOSSARY defines it.
type Route struct {
	Hops []RouteHop

	// TotalAmount is the amount, in millisatoshi, the first hop must be
	// sent (i.e. including every hop's accumulated fee).
	TotalAmount lnwire.MilliSatoshi

	// TotalTimeLock is the sum of every hop's OutgoingTimeLock delta.
	TotalTimeLock uint32

	// OnionCircuit carries the per-hop shared-secret material a Peer needs
	// to wrap the HTLC in an onion packet before forwarding it. Building
	// and peeling the actual onion packet is explicitly out of scope (per
	// spec.md §1's "onion routing construction" Non-goal); this field only
	// carries the opaque session key / payment path sphinx.Circuit needs,
	// so the route-to-Peer handoff doesn't have to re-derive it.
	OnionCircuit *sphinx.Circuit
}

// FirstHopChannelID returns the short_channel_id of the route's first edge,
// which must resolve to one of our own live channels (spec.md §4.4 "require
// that the route's first hop's SCID resolves to one of our live channels").
func (r *Route) FirstHopChannelID() (uint64, bool) {
	if len(r.Hops) == 0 {
		return 0, false
	}
	return r.Hops[0].ShortChannelID, true
}

// ChannelEdgePolicy is a stored routing policy for one direction of a
// channel, as recorded in the channel graph from gossip or failure
// feedback. Invoice routing hints and hint-derived routes are overridden by
// a stored policy when one exists, per spec.md §4.4 item 1 and §4.5 item 1.
type ChannelEdgePolicy struct {
	FeeBaseMsat               lnwire.MilliSatoshi
	FeeProportionalMillionths uint32
	TimeLockDelta             uint16
}

// GraphNode is a node known to the channel graph, together with its
// advertised addresses.
type GraphNode struct {
	PubKey    [33]byte
	Addresses []TimestampedAddress
}

// TimestampedAddress mirrors lncfg.TimestampedAddress to avoid this package
// importing lncfg just for one struct; PeerManager converts between the two
// at its boundary.
type TimestampedAddress struct {
	Host      string
	Port      int
	Timestamp int64
}

// ChannelGraph abstracts the out-of-scope ChannelDB collaborator: peer
// discovery (recent peers, random unconnected nodes) and routing-policy
// lookups. It is supplied by the host; this module never implements it.
type ChannelGraph interface {
	// RecentPeer returns the first recently-seen peer address that is
	// neither already connected nor in the exclude set, or false if none
	// remain.
	RecentPeer(exclude map[[33]byte]struct{}) (GraphNode, bool)

	// RandomUnconnectedNodes samples up to n nodes from the graph that
	// are not currently connected.
	RandomUnconnectedNodes(n int, exclude map[[33]byte]struct{}) ([]GraphNode, error)

	// Policy looks up the stored routing policy for the edge
	// (prevNode, scid), if the graph has observed one.
	Policy(prevNode [33]byte, scid uint64) (*ChannelEdgePolicy, bool)

	// PruneStalePolicies drops routing policies older than maxAge and any
	// channel entry left with no policy and no live owning peer
	// ("orphaned channels"), per spec.md §4.8's maintain_db.
	PruneStalePolicies(maxAge time.Duration) error
}

// PathFinder abstracts the out-of-scope LNPathFinder collaborator: search
// for a path across the public graph using only currently live channels.
type PathFinder interface {
	// FindPath searches for a path from source to target carrying amt,
	// returning the hops of that path (not yet converted to a Route).
	FindPath(source, target [33]byte, amt lnwire.MilliSatoshi) ([]RouteHop, error)
}

// IsRouteSaneToUse checks a constructed route's fees and total expiry
// against the amount being sent and the invoice's minimum final CLTV delta,
// per spec.md §4.4/§8 item 5. A route is sane when its total fee does not
// exceed the greater of a flat minimum and a proportional ceiling, and its
// total time lock does not exceed a maximum number of blocks.
func IsRouteSaneToUse(route *Route, amtMsat lnwire.MilliSatoshi, minFinalCLTVExpiry uint32) bool {
	if route == nil || len(route.Hops) == 0 {
		return false
	}

	if route.TotalAmount < amtMsat {
		return false
	}
	fee := route.TotalAmount - amtMsat

	// Never pay more in fees than the larger of a flat 5000 msat floor
	// or 5% of the amount sent, matching the fee sanity ceiling used
	// across the lnd-family payment senders this module is grounded on.
	maxFee := lnwire.MilliSatoshi(5000)
	proportional := lnwire.MilliSatoshi(uint64(amtMsat) * 5 / 100)
	if proportional > maxFee {
		maxFee = proportional
	}
	if fee > maxFee {
		return false
	}

	if route.TotalTimeLock < minFinalCLTVExpiry {
		return false
	}

	// Bound the total expiry so we never lock funds behind an
	// unreasonably distant height (2016 blocks, roughly two weeks).
	const maxTotalTimeLock = 2016
	if route.TotalTimeLock > minFinalCLTVExpiry+maxTotalTimeLock {
		return false
	}

	return true
}

// RouteHopFee computes the millisatoshi fee a hop charges for amt.
func RouteHopFee(hop RouteHop, amt lnwire.MilliSatoshi) lnwire.MilliSatoshi {
	prop := lnwire.MilliSatoshi(uint64(amt) * uint64(hop.FeeProportionalMillionths) / 1e6)
	return hop.FeeBaseMsat + prop
}

// dustLimit is used by callers needing a default dust boundary for route
// amount sanity checks.
const dustLimit = btcutil.Amount(546)
