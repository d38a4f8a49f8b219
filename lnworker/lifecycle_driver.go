package lnworker

import (
	"context"
	"time"

	"github.com/breez/lnworker/channeldb"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// lifecycleEventKind names the callback kinds spec.md §4.3 says the driver
// subscribes to: wallet_updated, network_updated, verified, fee,
// channel_open, channel_closed.
type lifecycleEventKind uint8

const (
	eventWalletUpdated lifecycleEventKind = iota
	eventNetworkUpdated
	eventVerified
	eventFee
	eventChannelOpen
	eventChannelClosed
)

// LifecycleDriver is C3: it reacts to on-chain confirmation events and
// network ticks by walking every non-closed channel, assigning
// short_channel_ids once buried deep enough, triggering funding_locked, and
// force-closing channels whose HTLCs are about to expire unsafely.
type LifecycleDriver struct {
	w *Worker

	notify chan lifecycleEventKind
}

func (ld *LifecycleDriver) notifyCh() chan lifecycleEventKind {
	if ld.notify == nil {
		ld.notify = make(chan lifecycleEventKind, 16)
	}
	return ld.notify
}

// Notify lets the host push one of the named callback events. Nothing
// inside this module calls it.
func (ld *LifecycleDriver) Notify(kind lifecycleEventKind) {
	select {
	case ld.notifyCh() <- kind:
	default:
	}
}

// run walks every non-closed channel once per PeerManagerTick as a network
// heartbeat, and additionally whenever an explicit callback event arrives,
// matching spec.md §4.3's "on each tick it walks all non-closed channels".
func (ld *LifecycleDriver) run(ctx context.Context) error {
	ticker := time.NewTicker(PeerManagerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ld.walk(eventNetworkUpdated)
		case kind := <-ld.notifyCh():
			ld.walk(kind)
		}
	}
}

func (ld *LifecycleDriver) walk(event lifecycleEventKind) {
	ld.w.mu.Lock()
	channels := ld.w.channels.Channels()
	ld.w.mu.Unlock()

	for _, c := range channels {
		if c.IsClosed() {
			continue
		}
		ld.reactToChannel(c, event)
	}
}

// reactToChannel implements spec.md §4.3's per-channel tick steps 1-5.
func (ld *LifecycleDriver) reactToChannel(c *channeldb.Channel, event lifecycleEventKind) {
	if ld.shouldForceClose(c) {
		ld.forceClose(c)
		return
	}

	if _, ok := c.ShortChannelID(); !ok {
		ld.reconcileShortChannelID(c)
	}

	if c.State == channeldb.StateOpening {
		if _, ok := c.ShortChannelID(); ok {
			ld.sendFundingLocked(c)
		}
	}

	if c.State == channeldb.StateOpen {
		if peer, ok := ld.w.peerByPubKey(c.NodeID); ok {
			// On a fee tick the confirmation count is unchanged; the peer
			// still recomputes its feerate proposal against the same
			// depth, per spec.md §4.3 item 4 ("ask Peer to update
			// on-chain feerate").
			depth, err := ld.w.notifier.TxConfDepth(fundingTxid(c))
			if err != nil {
				lfclLog.Debugf("confirmation depth lookup for channel %s failed: %v", c, err)
			} else if err := peer.OnNetworkUpdate(c.ChannelID, depth); err != nil {
				lfclLog.Warnf("network update to peer for channel %s failed: %v", c, err)
			}
		}
	}

	// Step 5: a previously force-closed channel that has not yet been
	// observed CLOSED on-chain is rebroadcast, in case the close tx's
	// earlier broadcast never propagated.
	if c.ForceClosed && c.State != channeldb.StateClosed {
		ld.broadcastForceClose(c)
	}
}

// shouldForceClose evaluates spec.md §4.3's expiring-HTLC safety predicate.
func (ld *LifecycleDriver) shouldForceClose(c *channeldb.Channel) bool {
	height, err := ld.w.notifier.BestHeight()
	if err != nil {
		return false
	}
	return c.ShouldForceCloseForExpiringHTLCs(uint32(height),
		ReceivedHTLCClaimGrace, OfferedHTLCTimeoutGrace)
}

// reconcileShortChannelID implements `save_short_chan_id`: read the funding
// tx's confirmation depth; once it reaches
// Constraints.FundingTxnMinimumDepth, compute the SCID from (block_height,
// tx_pos, output_index), commit it and persist.
//
// It is only called for a channel that has no SCID yet. If
// AssignShortChannelID still refuses because a SCID was set by the time the
// worker mutex is taken, the channel is marked force-closed instead of
// re-pinning the SCID. No funding block-hash comparison is made, so a reorg
// that moves the funding tx after the SCID is set is not detected here.
func (ld *LifecycleDriver) reconcileShortChannelID(c *channeldb.Channel) {
	txid := fundingTxid(c)

	depth, err := ld.w.notifier.TxConfDepth(txid)
	if err != nil || depth == 0 {
		return
	}

	conf, err := ld.w.notifier.RegisterConfirmationsNtfn(txid, nil, 1, 0)
	if err != nil {
		lfclLog.Warnf("confirmation lookup for channel %s failed: %v", c, err)
		return
	}

	// RegisterConfirmationsNtfn with numConfs=1 is expected to deliver
	// immediately (possibly synchronously) when the funding tx already has
	// at least one confirmation, since depth > 0 was just observed above;
	// a short deadline guards against a notifier implementation that
	// defers delivery to its own poll loop.
	deadline := time.NewTimer(2 * time.Second)
	defer deadline.Stop()

	select {
	case info := <-conf.Confirmed:
		if depth < c.Constraints.FundingTxnMinimumDepth {
			return
		}
		scid := encodeShortChannelID(info.BlockHeight, info.TxIndex, c.FundingOutpoint.Index)

		ld.w.mu.Lock()
		defer ld.w.mu.Unlock()

		if err := c.AssignShortChannelID(scid); err != nil {
			// A SCID was already committed by the time the mutex was
			// taken: force-close rather than re-pin it, so the SCID stays
			// set exactly once.
			lfclLog.Errorf("refusing to reassign short_channel_id for "+
				"channel %s after apparent reorg: %v", c, err)
			c.ForceClosed = true
			_ = ld.w.channels.SaveChannels()
			return
		}
		_ = ld.w.channels.SaveChannel(c)
	case <-deadline.C:
		// Not yet confirmed at the requested depth; try again next tick.
	}
}

// encodeShortChannelID packs (block_height, tx_index, output_index) into a
// BOLT-7 short_channel_id.
func encodeShortChannelID(blockHeight, txIndex uint32, outputIndex uint32) uint64 {
	return uint64(blockHeight&0xffffff)<<40 |
		uint64(txIndex&0xffffff)<<16 |
		uint64(outputIndex&0xffff)
}

func (ld *LifecycleDriver) sendFundingLocked(c *channeldb.Channel) {
	peer, ok := ld.w.peerByPubKey(c.NodeID)
	if !ok {
		return
	}
	if err := peer.SendFundingLocked(c.ChannelID); err != nil {
		lfclLog.Warnf("send funding_locked for channel %s failed: %v", c, err)
		return
	}

	ld.w.mu.Lock()
	c.State = channeldb.StateOpen
	_ = ld.w.channels.SaveChannel(c)
	ld.w.mu.Unlock()

	ld.w.bus.Dispatch(EventChannel, c)
}

func (ld *LifecycleDriver) forceClose(c *channeldb.Channel) {
	ld.w.mu.Lock()
	c.ForceClosed = true
	_ = ld.w.channels.SaveChannels()
	ld.w.mu.Unlock()

	ld.broadcastForceClose(c)
	lfclLog.Infof("channel %s force-closed: expiring HTLCs exceeded safety threshold", c)
}

func (ld *LifecycleDriver) broadcastForceClose(c *channeldb.Channel) {
	if c.Backend == nil {
		return
	}
	tx, err := c.Backend.ForceCloseTx()
	if err != nil {
		lfclLog.Errorf("force close tx for channel %s unavailable: %v", c, err)
		return
	}
	// Actual broadcast is a wallet-layer concern outside this module; the
	// commitment tx is handed to the host's broadcaster over the bus.
	ld.w.bus.Dispatch(EventSweepBroadcast, "force_close", tx)
}

func fundingTxid(c *channeldb.Channel) *chainhash.Hash {
	h := c.FundingOutpoint.Hash
	return &h
}
