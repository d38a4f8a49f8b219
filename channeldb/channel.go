// Package channeldb implements the Channel Store (C2) and the Channel
// entity of spec.md §3. The commitment-transaction construction, signing,
// and actual sweep/force-close transaction assembly are delegated to a
// ChannelBackend supplied by the host wallet (the "opaque domain object"
// spec.md §1 describes); this package owns everything the worker itself
// must persist and reason about: identity, state, HTLC bookkeeping, and the
// short_channel_id-once invariant.
package channeldb

import (
	"fmt"

	"github.com/breez/lnworker/lnwire"
	"github.com/breez/lnworker/sweep"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/go-errors/errors"
)

// State is the lifecycle state of a Channel, per spec.md §3.
type State uint8

const (
	// StateOpening is the state from channel creation until the funding
	// transaction reaches its minimum confirmation depth.
	StateOpening State = iota

	// StateOpen is the state once short_channel_id has been assigned and
	// funding_locked has been exchanged.
	StateOpen

	// StateDisconnected is set when the owning Peer disconnects; it may
	// regress back to StateOpen on reestablish.
	StateDisconnected

	// StateClosed is terminal: no further HTLCs may be attempted.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Direction is the direction of an HTLC relative to the channel owner (our
// worker), per spec.md §3/§4.3.
type Direction uint8

const (
	// Received is an HTLC we are the final or intermediate recipient of.
	Received Direction = iota

	// Sent is an HTLC we offered to the remote party.
	Sent
)

// Subject names which side's commitment transaction an HTLC's presence is
// being evaluated against, per spec.md §4.3's expiring-HTLC predicate.
type Subject uint8

const (
	// Local is our own latest commitment transaction.
	Local Subject = iota

	// Remote is the counterparty's commitment transaction.
	Remote
)

// HTLC is one entry of a Channel's HTLC map.
type HTLC struct {
	// HTLCID uniquely identifies this HTLC within the channel.
	HTLCID uint64

	Direction Direction

	// AmountMsat is the HTLC's value.
	AmountMsat lnwire.MilliSatoshi

	// CltvExpiry is the absolute block height at which the HTLC expires.
	CltvExpiry uint32

	// PreimageReleasedByRemote is set once the remote party has revealed
	// the preimage for an HTLC we received, meaning we may now claim it
	// on-chain if the channel force-closes.
	PreimageReleasedByRemote bool

	// LocalCtn is the local commitment counter this HTLC appears on, or 0
	// if it is not (yet, or no longer) on our local commitment.
	LocalCtn uint64

	// RemoteCtn is the remote commitment counter this HTLC appears on, or
	// 0 if it does not appear on the remote commitment.
	RemoteCtn uint64
}

// ChannelConstraints mirrors the subset of BOLT-2 channel_reserve /
// funding constraints the worker needs to reason about.
type ChannelConstraints struct {
	// FundingTxnMinimumDepth is the number of confirmations the funding
	// transaction must reach before short_channel_id is assigned.
	FundingTxnMinimumDepth uint32

	// RemoteDustLimit is the remote party's dust limit, used by the
	// expiring-HTLC force-close threshold in spec.md §4.3.
	RemoteDustLimit btcutil.Amount
}

// ChannelBackend is the opaque domain object spec.md §1 describes: the
// concrete commitment-transaction machinery (construction, signing, sweep
// output enumeration) that lives outside the core. The worker calls
// through this interface; it never constructs a commitment or sweep
// transaction itself.
type ChannelBackend interface {
	// SweepCtx returns, for the given observed closing transaction, the
	// set of outputs we may claim and how (spec.md §4.6 item 3).
	SweepCtx(closingTx *wire.MsgTx) (map[wire.OutPoint]*sweep.Info, error)

	// ForceCloseTx returns our latest local commitment transaction,
	// ready for broadcast.
	ForceCloseTx() (*wire.MsgTx, error)

	// SweepHTLC reports whether spenderTx is an HTLC-success or
	// HTLC-timeout transaction spending one of our sweep outputs, and if
	// so returns the second-stage SweepInfo for its own output (spec.md
	// §4.6 item 4: "ask the channel if the spender is an HTLC-success/
	// timeout that can be further swept").
	SweepHTLC(spenderTx *wire.MsgTx) (*sweep.Info, bool)

	// JusticeTx builds the penalty transaction that claims the entire
	// channel balance given the counterparty broadcasts their revoked
	// commitment transaction at commitment counter ctn (spec.md §4.7).
	JusticeTx(ctn uint64) (*wire.MsgTx, error)
}

// Channel is the persisted LN channel entity of spec.md §3.
type Channel struct {
	// ChannelID is the 32-byte channel identifier (normally the funding
	// outpoint's txid XORed with its output index, per BOLT-2).
	ChannelID [32]byte

	// NodeID is the remote peer's pubkey.
	NodeID [33]byte

	// FundingOutpoint is the on-chain output that funds this channel.
	FundingOutpoint wire.OutPoint

	// shortChannelID is nil until on-chain depth reaches
	// Constraints.FundingTxnMinimumDepth; see AssignShortChannelID.
	shortChannelID *uint64

	State State

	ForceClosed bool

	Constraints ChannelConstraints

	// SweepAddress is the address swept outputs are paid to.
	SweepAddress string

	// RemoteBalanceMsat is the remote party's current commitment balance:
	// the amount they could route to us through this channel, i.e. our
	// receive capacity. Sourced from the latest commitment state the
	// ChannelBackend reports; the Invoice Store's routing-hint calculation
	// (spec.md §4.5 item 1) filters on this.
	RemoteBalanceMsat lnwire.MilliSatoshi

	// LocalFeeratePerKw is our latest proposed on-chain feerate for this
	// channel's commitment transaction.
	LocalFeeratePerKw uint32

	// LocalCommitCtn is our latest local commitment counter.
	LocalCommitCtn uint64

	// RemoteCommitCtn is the latest commitment counter we have extended
	// to the remote party (whether or not it has been revoked yet).
	RemoteCommitCtn uint64

	// RemoteOldestUnrevokedCtn is the oldest remote commitment counter
	// that has not yet been revoked by the remote party.
	RemoteOldestUnrevokedCtn uint64

	// NextPerCommitmentPoint and CurrentPerCommitmentPoint are the
	// remote party's per-commitment points. They must never be equal in
	// a persisted Channel (spec.md §3 invariant); a non-nil value for
	// both that compares equal is a programmer error.
	NextPerCommitmentPoint    [33]byte
	CurrentPerCommitmentPoint [33]byte

	// HTLCs is the channel's HTLC map, keyed by HTLC id.
	HTLCs map[uint64]*HTLC

	// Backend is supplied by the host at load time; it is not persisted.
	Backend ChannelBackend `json:"-"`
}

// ShortChannelID returns the assigned SCID, or false if one has not yet been
// assigned (spec.md §3 invariant: non-null exactly once).
func (c *Channel) ShortChannelID() (uint64, bool) {
	if c.shortChannelID == nil {
		return 0, false
	}
	return *c.shortChannelID, true
}

// AssignShortChannelID sets the channel's short_channel_id. It is a
// programmer error to call this more than once; spec.md §8 testable
// property 3 requires SCID monotonicity.
func (c *Channel) AssignShortChannelID(scid uint64) error {
	if c.shortChannelID != nil {
		return errors.New("short_channel_id already assigned; " +
			"SCID must be set exactly once")
	}
	c.shortChannelID = &scid
	return nil
}

// ClearShortChannelID drops the assigned SCID, called once a channel
// transitions to CLOSED (spec.md §4.6 item 2: "remove SCID from the channel
// DB"). This is the one place SCID monotonicity is deliberately broken,
// since a closed channel's SCID can never be routed through again.
func (c *Channel) ClearShortChannelID() {
	c.shortChannelID = nil
}

// IsClosed reports whether no further HTLCs may be attempted through this
// channel (spec.md §3 invariant).
func (c *Channel) IsClosed() bool {
	return c.State == StateClosed
}

// ValidatePersistable enforces the spec.md §3 invariant that a persisted
// Channel must never have NextPerCommitmentPoint == CurrentPerCommitmentPoint
// on the remote side. Violating this is a programmer error and must fail
// loudly, per spec.md §7.
func (c *Channel) ValidatePersistable() error {
	if c.NextPerCommitmentPoint == c.CurrentPerCommitmentPoint {
		return errors.New("programmer error: channel " +
			fmt.Sprintf("%x", c.ChannelID) +
			" has next_per_commitment_point == " +
			"current_per_commitment_point; refusing to persist")
	}
	return nil
}

// htlcsOnCommitment returns the HTLCs present on the given subject's
// commitment transaction at commitment counter ctn.
func (c *Channel) htlcsOnCommitment(subject Subject, ctn uint64) []*HTLC {
	var out []*HTLC
	for _, h := range c.HTLCs {
		switch subject {
		case Local:
			if h.LocalCtn != 0 && h.LocalCtn == ctn {
				out = append(out, h)
			}
		case Remote:
			if h.RemoteCtn != 0 && h.RemoteCtn == ctn {
				out = append(out, h)
			}
		}
	}
	return out
}

// ExpiringHTLCSatoshis implements the expiring-HTLC safety predicate of
// spec.md §4.3 verbatim: it sums, in satoshis, every HTLC across the six
// named (subject, direction, ctn) slots that is past its safety deadline
// given the local chain height H, the received-HTLC claim grace DR, and the
// offered-HTLC timeout grace DO. It also returns the total HTLC count
// considered, needed for the num_htlcs*10*dust_limit threshold.
func (c *Channel) ExpiringHTLCSatoshis(localHeight uint32, receivedGrace,
	offeredGrace uint32) (btcutil.Amount, int) {

	type slot struct {
		subject   Subject
		direction Direction
		ctn       uint64
	}

	receivedSlots := []slot{
		{Local, Received, c.LocalCommitCtn},
		{Remote, Sent, c.RemoteOldestUnrevokedCtn},
		{Remote, Sent, c.RemoteCommitCtn},
	}
	offeredSlots := []slot{
		{Local, Sent, c.LocalCommitCtn},
		{Remote, Received, c.RemoteOldestUnrevokedCtn},
		{Remote, Received, c.RemoteCommitCtn},
	}

	seen := make(map[uint64]struct{})
	var total btcutil.Amount
	var count int

	for _, s := range receivedSlots {
		for _, h := range c.htlcsOnCommitment(s.subject, s.ctn) {
			if h.Direction != s.direction || !h.PreimageReleasedByRemote {
				continue
			}
			if int64(h.CltvExpiry)-int64(receivedGrace) > int64(localHeight) {
				continue
			}
			if _, dup := seen[h.HTLCID]; dup {
				continue
			}
			seen[h.HTLCID] = struct{}{}
			total += h.AmountMsat.ToSatoshis()
			count++
		}
	}

	for _, s := range offeredSlots {
		for _, h := range c.htlcsOnCommitment(s.subject, s.ctn) {
			if h.Direction != s.direction {
				continue
			}
			if uint64(h.CltvExpiry)+uint64(offeredGrace) > uint64(localHeight) {
				continue
			}
			if _, dup := seen[h.HTLCID]; dup {
				continue
			}
			seen[h.HTLCID] = struct{}{}
			total += h.AmountMsat.ToSatoshis()
			count++
		}
	}

	return total, count
}

// ShouldForceCloseForExpiringHTLCs applies the threshold from spec.md §4.3:
// close iff the total expiring value exceeds the greater of
// num_htlcs*10*remote_dust_limit or 500,000 satoshis.
func (c *Channel) ShouldForceCloseForExpiringHTLCs(localHeight uint32,
	receivedGrace, offeredGrace uint32) bool {

	total, count := c.ExpiringHTLCSatoshis(localHeight, receivedGrace, offeredGrace)
	if total == 0 {
		return false
	}

	threshold := btcutil.Amount(count) * 10 * c.Constraints.RemoteDustLimit
	if threshold < 500_000 {
		threshold = 500_000
	}
	return total > threshold
}
