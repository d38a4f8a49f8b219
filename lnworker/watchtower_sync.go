package lnworker

import (
	"context"
	"time"

	"github.com/breez/lnworker/channeldb"
	"github.com/breez/lnworker/watchtower/wtclient"
	"golang.org/x/time/rate"
)

// WatchtowerSync is C7: it periodically compares each channel's latest
// unrevoked remote commitment counter against what a watchtower already has
// a penalty transaction for, and pushes the missing range. Both the local
// and remote tower paths share the same TowerClient interface; only the
// remote path is additionally rate-limited, since a network call can stall
// in a way a local call cannot.
type WatchtowerSync struct {
	w *Worker

	remoteLimiter *rate.Limiter
}

func (wts *WatchtowerSync) limiter() *rate.Limiter {
	if wts.remoteLimiter == nil {
		wts.remoteLimiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	return wts.remoteLimiter
}

// run drives both the local and remote sync loops off one shared ticker,
// per spec.md §4.7's "every 5s" cadence for each.
func (wts *WatchtowerSync) run(ctx context.Context) error {
	ticker := time.NewTicker(WatchtowerSyncTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			wts.syncAll(ctx)
		}
	}
}

func (wts *WatchtowerSync) syncAll(ctx context.Context) {
	if wts.w.tower == nil {
		return
	}

	wts.w.mu.Lock()
	channels := wts.w.channels.Channels()
	wts.w.mu.Unlock()

	for _, c := range channels {
		if c.IsClosed() {
			continue
		}
		if wts.w.cfg.WatchtowerURL != "" {
			if !wts.limiter().Allow() {
				continue
			}
		}
		wts.syncChannel(ctx, c)
	}
}

// syncChannel implements the per-channel body shared by both the local and
// remote loops of spec.md §4.7: fetch the tower's stored commitment
// counter, then push a justice transaction for every ctn in
// (wt_ctn+1, current_oldest_unrevoked_remote_ctn) — exclusive of the upper
// bound, matching the Open Question decision in spec.md §9 to preserve that
// boundary verbatim rather than guess it was an off-by-one.
func (wts *WatchtowerSync) syncChannel(ctx context.Context, c *channeldb.Channel) {
	wtCtn, err := wts.w.tower.StoredCommitmentCounter(ctx, c.FundingOutpoint, c.SweepAddress)
	if err != nil {
		wtclLog.Debugf("watchtower lookup for channel %s failed: %v", c, err)
		return
	}

	current := c.RemoteOldestUnrevokedCtn
	if current == 0 || wtCtn+1 >= current {
		return
	}

	if c.Backend == nil {
		return
	}

	for ctn := wtCtn + 1; ctn < current; ctn++ {
		tx, err := c.Backend.JusticeTx(ctn)
		if err != nil {
			wtclLog.Errorf("justice tx for channel %s ctn %d unavailable: %v", c, ctn, err)
			continue
		}

		j := wtclient.Justice{
			FundingOutpoint: c.FundingOutpoint,
			CommitmentCtn:   ctn,
			Tx:              tx,
		}
		if err := wts.w.tower.Push(ctx, j, c.SweepAddress); err != nil {
			wtclLog.Errorf("push justice tx for channel %s ctn %d failed: %v", c, ctn, err)
		}
	}
}
