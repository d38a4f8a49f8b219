package lnworker

import (
	"testing"

	"github.com/breez/lnworker/chainntnfs"
	"github.com/breez/lnworker/channeldb"
	"github.com/btcsuite/btcd/wire"
)

func newOpeningChannel(id byte, pk [33]byte) *channeldb.Channel {
	var chanID [32]byte
	chanID[0] = id

	c := &channeldb.Channel{
		ChannelID:       chanID,
		NodeID:          pk,
		FundingOutpoint: wire.OutPoint{Index: 0},
		State:           channeldb.StateOpening,
		Constraints: channeldb.ChannelConstraints{
			FundingTxnMinimumDepth: 3,
			RemoteDustLimit:        546,
		},
		HTLCs: map[uint64]*channeldb.HTLC{},
	}
	c.CurrentPerCommitmentPoint[0], c.NextPerCommitmentPoint[0] = 1, 2
	return c
}

// TestReconcileShortChannelIDAssignsOnceSufficientlyDeep exercises spec.md
// §4.3 item 2: a funding tx buried at or past FundingTxnMinimumDepth gets a
// short_channel_id; one buried less deeply does not.
func TestReconcileShortChannelIDAssignsOnceSufficientlyDeep(t *testing.T) {
	w, cleanup := newTestWorker(t)
	defer cleanup()

	var pk [33]byte
	pk[0] = 1
	c := newOpeningChannel(1, pk)
	if err := w.channels.SaveChannel(c); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}

	w.notifier = &mockNotifier{
		height: 600_000,
		depth:  3,
		confirmInfo: &chainntnfs.TxConfirmation{
			BlockHeight: 599_998,
			TxIndex:     7,
		},
	}

	ld := &LifecycleDriver{w: w}
	ld.walk(eventVerified)

	got, _ := w.channels.ChannelByID(c.ChannelID)
	scid, ok := got.ShortChannelID()
	if !ok {
		t.Fatalf("expected short_channel_id to be assigned at sufficient depth")
	}
	if scid == 0 {
		t.Fatalf("expected a non-zero encoded short_channel_id")
	}
}

// TestReconcileShortChannelIDWithholdsBelowMinimumDepth ensures a funding
// tx that has confirmed, but not yet to FundingTxnMinimumDepth, is left
// without a short_channel_id (spec.md §4.3 item 2: "if depth >=
// funding_txn_minimum_depth > 0, commit the SCID").
func TestReconcileShortChannelIDWithholdsBelowMinimumDepth(t *testing.T) {
	w, cleanup := newTestWorker(t)
	defer cleanup()

	var pk [33]byte
	pk[0] = 2
	c := newOpeningChannel(2, pk)
	if err := w.channels.SaveChannel(c); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}

	w.notifier = &mockNotifier{
		height: 600_000,
		depth:  1,
		confirmInfo: &chainntnfs.TxConfirmation{
			BlockHeight: 600_000,
			TxIndex:     0,
		},
	}

	ld := &LifecycleDriver{w: w}
	ld.walk(eventVerified)

	got, _ := w.channels.ChannelByID(c.ChannelID)
	if _, ok := got.ShortChannelID(); ok {
		t.Fatalf("expected no short_channel_id to be assigned below minimum depth")
	}
	if got.State != channeldb.StateOpening {
		t.Fatalf("expected channel to remain OPENING, got %v", got.State)
	}
}

// TestSendFundingLockedTransitionsToOpen exercises spec.md §4.3 item 3: once
// an OPENING channel has a short_channel_id, the driver sends
// funding_locked and transitions the channel to OPEN.
func TestSendFundingLockedTransitionsToOpen(t *testing.T) {
	w, cleanup := newTestWorker(t)
	defer cleanup()

	var pk [33]byte
	pk[0] = 3
	c := newOpeningChannel(3, pk)
	if err := c.AssignShortChannelID(12345); err != nil {
		t.Fatalf("AssignShortChannelID: %v", err)
	}
	if err := w.channels.SaveChannel(c); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}

	p := newMockPeer(pk)
	w.registerPeer(p)

	ld := &LifecycleDriver{w: w}
	ld.reactToChannel(c, eventNetworkUpdated)

	got, _ := w.channels.ChannelByID(c.ChannelID)
	if got.State != channeldb.StateOpen {
		t.Fatalf("expected channel to transition to OPEN, got %v", got.State)
	}
}

// TestShouldForceCloseTriggersOnUnsafeExpiringHTLC exercises spec.md §4.3
// item 1 / §8 scenario S5: a received HTLC whose preimage has already been
// released by the remote, expiring within the claim grace window, forces
// the channel closed on the next tick.
func TestShouldForceCloseTriggersOnUnsafeExpiringHTLC(t *testing.T) {
	w, cleanup := newTestWorker(t)
	defer cleanup()

	var pk [33]byte
	pk[0] = 4
	c := newOpeningChannel(4, pk)
	c.State = channeldb.StateOpen
	c.LocalCommitCtn = 1
	c.Backend = &mockBackend{}
	c.HTLCs[1] = &channeldb.HTLC{
		HTLCID:                   1,
		Direction:                channeldb.Received,
		AmountMsat:               600_000_000,
		CltvExpiry:               600_000 + ReceivedHTLCClaimGrace - 1,
		PreimageReleasedByRemote: true,
		LocalCtn:                 c.LocalCommitCtn,
	}
	if err := w.channels.SaveChannel(c); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}

	w.notifier = &mockNotifier{height: 600_000}

	ld := &LifecycleDriver{w: w}
	ld.walk(eventVerified)

	got, _ := w.channels.ChannelByID(c.ChannelID)
	if !got.ForceClosed {
		t.Fatalf("expected the channel to be force-closed for an unsafe expiring HTLC")
	}
}

// TestShouldForceCloseLeavesSafeChannelAlone is the negative counterpart:
// an OPEN channel with no expiring HTLCs is left untouched by a tick.
func TestShouldForceCloseLeavesSafeChannelAlone(t *testing.T) {
	w, cleanup := newTestWorker(t)
	defer cleanup()

	var pk [33]byte
	pk[0] = 5
	c := newOpeningChannel(5, pk)
	c.State = channeldb.StateOpen
	if err := c.AssignShortChannelID(1); err != nil {
		t.Fatalf("AssignShortChannelID: %v", err)
	}
	if err := w.channels.SaveChannel(c); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}

	w.notifier = &mockNotifier{height: 600_000}

	ld := &LifecycleDriver{w: w}
	ld.walk(eventVerified)

	got, _ := w.channels.ChannelByID(c.ChannelID)
	if got.ForceClosed {
		t.Fatalf("expected a channel with no expiring HTLCs to remain open")
	}
}
