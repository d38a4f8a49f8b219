package channeldb

import (
	"testing"

	"github.com/breez/lnworker/lnwire"
	"github.com/btcsuite/btcutil"
)

func TestShortChannelIDOnceInvariant(t *testing.T) {
	c := &Channel{}

	if _, ok := c.ShortChannelID(); ok {
		t.Fatalf("expected no short_channel_id on a fresh channel")
	}

	if err := c.AssignShortChannelID(1234); err != nil {
		t.Fatalf("first assignment should succeed: %v", err)
	}
	scid, ok := c.ShortChannelID()
	if !ok || scid != 1234 {
		t.Fatalf("got (%d, %v), want (1234, true)", scid, ok)
	}

	if err := c.AssignShortChannelID(5678); err == nil {
		t.Fatalf("expected an error re-assigning an already-set short_channel_id")
	}
	if scid, _ := c.ShortChannelID(); scid != 1234 {
		t.Fatalf("a failed re-assignment must not mutate the existing scid")
	}
}

func TestClearShortChannelIDBreaksMonotonicityOnClose(t *testing.T) {
	c := &Channel{}
	if err := c.AssignShortChannelID(42); err != nil {
		t.Fatalf("assign: %v", err)
	}

	c.ClearShortChannelID()
	if _, ok := c.ShortChannelID(); ok {
		t.Fatalf("ClearShortChannelID should leave no assigned scid")
	}

	// The once-invariant is back in force after a clear: a fresh
	// assignment is allowed again (a closed channel's old scid can never
	// be routed through, so this is not a re-assignment of the same id).
	if err := c.AssignShortChannelID(99); err != nil {
		t.Fatalf("re-assignment after clear should succeed: %v", err)
	}
}

func TestValidatePersistableRejectsEqualPerCommitmentPoints(t *testing.T) {
	var pt [33]byte
	pt[0] = 0x02
	pt[1] = 7

	c := &Channel{
		NextPerCommitmentPoint:    pt,
		CurrentPerCommitmentPoint: pt,
	}
	if err := c.ValidatePersistable(); err == nil {
		t.Fatalf("expected an error when next == current per-commitment point")
	}

	c.CurrentPerCommitmentPoint[32] ^= 0xff
	if err := c.ValidatePersistable(); err != nil {
		t.Fatalf("distinct per-commitment points should validate: %v", err)
	}
}

func TestIsClosed(t *testing.T) {
	c := &Channel{State: StateOpen}
	if c.IsClosed() {
		t.Fatalf("an OPEN channel must not report closed")
	}
	c.State = StateClosed
	if !c.IsClosed() {
		t.Fatalf("a CLOSED channel must report closed")
	}
}

func mkHTLC(id uint64, dir Direction, sat btcutil.Amount, expiry uint32, localCtn, remoteCtn uint64, released bool) *HTLC {
	return &HTLC{
		HTLCID:                   id,
		Direction:                dir,
		AmountMsat:               lnwire.NewMSatFromSatoshis(sat),
		CltvExpiry:               expiry,
		PreimageReleasedByRemote: released,
		LocalCtn:                 localCtn,
		RemoteCtn:                remoteCtn,
	}
}

func TestShouldForceCloseForExpiringHTLCs(t *testing.T) {
	const (
		localHeight   = 600_000
		receivedGrace = 10
		offeredGrace  = 10
	)

	c := &Channel{
		LocalCommitCtn:           1,
		RemoteOldestUnrevokedCtn: 1,
		RemoteCommitCtn:          1,
		Constraints: ChannelConstraints{
			RemoteDustLimit: 330,
		},
		HTLCs: map[uint64]*HTLC{},
	}

	if c.ShouldForceCloseForExpiringHTLCs(localHeight, receivedGrace, offeredGrace) {
		t.Fatalf("an empty channel must never force-close")
	}

	// A received HTLC whose preimage we hold, expiring in the past once
	// the grace period is subtracted, and large enough to cross the
	// 500,000 sat floor, must trigger a force-close.
	c.HTLCs[1] = mkHTLC(1, Received, 600_000, localHeight-receivedGrace-1, 1, 0, true)

	if !c.ShouldForceCloseForExpiringHTLCs(localHeight, receivedGrace, offeredGrace) {
		t.Fatalf("expected a force-close once an expiring received HTLC crosses the threshold")
	}
}

func TestShouldForceCloseForExpiringHTLCsIgnoresUnreleasedPreimage(t *testing.T) {
	const (
		localHeight   = 600_000
		receivedGrace = 10
		offeredGrace  = 10
	)

	c := &Channel{
		LocalCommitCtn: 1,
		Constraints:    ChannelConstraints{RemoteDustLimit: 330},
		HTLCs: map[uint64]*HTLC{
			1: mkHTLC(1, Received, 600_000, localHeight-receivedGrace-1, 1, 0, false),
		},
	}

	if c.ShouldForceCloseForExpiringHTLCs(localHeight, receivedGrace, offeredGrace) {
		t.Fatalf("an HTLC whose preimage we have not yet been handed must not count as expiring")
	}
}

func TestShouldForceCloseForExpiringOfferedHTLC(t *testing.T) {
	const (
		localHeight   = 600_000
		receivedGrace = 10
		offeredGrace  = 10
	)

	c := &Channel{
		LocalCommitCtn: 1,
		Constraints:    ChannelConstraints{RemoteDustLimit: 330},
		HTLCs: map[uint64]*HTLC{
			1: mkHTLC(1, Sent, 600_000, localHeight-offeredGrace-1, 1, 0, false),
		},
	}

	if !c.ShouldForceCloseForExpiringHTLCs(localHeight, receivedGrace, offeredGrace) {
		t.Fatalf("an offered HTLC past its timeout grace must force-close regardless of preimage state")
	}
}

func TestShouldForceCloseForExpiringHTLCsBelowFloor(t *testing.T) {
	const (
		localHeight   = 600_000
		receivedGrace = 10
		offeredGrace  = 10
	)

	c := &Channel{
		LocalCommitCtn: 1,
		Constraints:    ChannelConstraints{RemoteDustLimit: 330},
		HTLCs: map[uint64]*HTLC{
			1: mkHTLC(1, Received, 1_000, localHeight-receivedGrace-1, 1, 0, true),
		},
	}

	if c.ShouldForceCloseForExpiringHTLCs(localHeight, receivedGrace, offeredGrace) {
		t.Fatalf("a single tiny expiring HTLC below both thresholds must not force-close")
	}
}
