package lnworker

import (
	"context"
	"time"

	"github.com/breez/lnworker/channeldb"
	"github.com/breez/lnworker/sweep"
	"github.com/btcsuite/btcd/wire"
)

// OnChainReactor is C6: invoked once per observed channel closure, it
// records closing metadata, transitions the channel to CLOSED, and walks
// every claimable output the channel backend names, broadcasting or
// deferring each sweep according to its CLTV/CSV lock.
type OnChainReactor struct {
	w *Worker
}

// OnChannelClosed implements `on_channel_closed` (spec.md §4.6). spenders
// maps any closing-transaction output that has already been spent by a
// third party (e.g. the counterparty claiming an HTLC) to the spending
// transaction, letting step 4 detect an HTLC second-stage spend rather than
// treating every output as immediately ours to sweep.
func (r *OnChainReactor) OnChannelClosed(ctx context.Context,
	fundingOutpoint wire.OutPoint, closingTx *wire.MsgTx,
	closingHeight uint32, closingTs int64,
	spenders map[wire.OutPoint]*wire.MsgTx) error {

	r.w.mu.Lock()
	channel, ok := r.w.channels.ChannelByTxo(fundingOutpoint)
	if !ok {
		r.w.mu.Unlock()
		return ErrUnknownChannel
	}

	rec, ok := r.w.timestamps.get(channel.ChannelID)
	if !ok {
		rec = &ChannelTimestamps{}
	}
	rec.SetClosing(closingTx.TxHash().String(), closingHeight, closingTs)
	_ = r.w.timestamps.save(channel.ChannelID, rec)

	channel.State = channeldb.StateClosed
	channel.ClearShortChannelID()
	_ = r.w.channels.SaveChannel(channel)
	r.w.mu.Unlock()

	r.w.bus.Dispatch(EventChannel, channel)

	if channel.Backend == nil {
		return nil
	}

	sweeps, err := channel.Backend.SweepCtx(closingTx)
	if err != nil {
		swepLog.Errorf("sweep context for channel %s unavailable: %v", channel, err)
		return err
	}

	for prevout, info := range sweeps {
		spenderTx, spent := spenders[prevout]
		if !spent {
			r.tryRedeem(prevout, *info)
			continue
		}

		htlcInfo, ok := channel.Backend.SweepHTLC(spenderTx)
		if !ok {
			continue
		}
		spenderOut := wire.OutPoint{Hash: spenderTx.TxHash(), Index: 0}
		if _, alreadySpent := spenders[spenderOut]; alreadySpent {
			continue
		}
		r.tryRedeem(spenderOut, *htlcInfo)
	}

	return nil
}

// tryRedeem implements spec.md §4.6's `try_redeem`: a CLTV output waits for
// the chain to reach its expiry height; a CSV output waits for its own
// prevout to accumulate the required confirmations; a below-dust output is
// dropped outright; anything else is broadcast immediately via the bus, for
// the host's wallet layer to actually relay.
func (r *OnChainReactor) tryRedeem(prevout wire.OutPoint, info sweep.Info) {
	if info.CltvExpiry != nil {
		height, err := r.w.notifier.BestHeight()
		if err != nil {
			swepLog.Warnf("best height lookup failed, deferring sweep %s: %v", info.Name, err)
			r.w.sweeps.Defer(prevout, info, 1)
			return
		}
		if wait := int64(*info.CltvExpiry) - int64(height); wait > 0 {
			r.w.sweeps.Defer(prevout, info, uint32(wait))
			return
		}
	}

	if info.CSVDelay != nil {
		depth, err := r.w.notifier.TxConfDepth(&prevout.Hash)
		if err != nil {
			depth = 0
		}
		if wait := int64(*info.CSVDelay) - int64(depth); wait > 0 {
			r.w.sweeps.Defer(prevout, info, uint32(wait))
			return
		}
	}

	if sweep.IsDust(info.Value) {
		return
	}

	tx, err := info.GenTx()
	if err != nil {
		swepLog.Errorf("sweep tx %s generation failed: %v", info.Name, err)
		return
	}

	r.w.bus.Dispatch(EventSweepBroadcast, info.Name, tx)
}

// retryPendingSweeps implements the retry side of `try_redeem`'s "register
// as a future tx bound to the remaining wait": once per tick, re-evaluate
// every deferred sweep's lock and re-drive it through tryRedeem, which will
// either broadcast it now or defer it again with an updated remaining wait.
func (r *OnChainReactor) retryPendingSweeps(ctx context.Context) error {
	ticker := time.NewTicker(PeerManagerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			height, err := r.w.notifier.BestHeight()
			if err != nil {
				continue
			}
			ready := r.w.sweeps.Ready(func(p sweep.PendingSweep) bool {
				if p.Info.CltvExpiry != nil {
					return int64(*p.Info.CltvExpiry) <= int64(height)
				}
				if p.Info.CSVDelay != nil {
					depth, err := r.w.notifier.TxConfDepth(&p.Prevout.Hash)
					if err != nil {
						return false
					}
					return int64(*p.Info.CSVDelay) <= int64(depth)
				}
				return true
			})
			for _, p := range ready {
				r.tryRedeem(p.Prevout, p.Info)
			}
		}
	}
}
