package lnworker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// GossipWorker is C8: a second worker personality, run under a throwaway
// identity, that exists purely to keep the channel graph fed and pruned. It
// runs the same Peer Manager every other worker runs, plus its own
// maintain_db loop; it never touches channels, invoices, or payments. The
// outstanding unknown-channel-id backlog lives on the wrapped Worker itself
// (Worker.unknownChanIDs), guarded by the same worker mutex as every other
// worker-owned map.
type GossipWorker struct {
	w *Worker
}

// NewGossipWorker wraps an already-constructed Worker — one built with a
// throwaway identity and no channels — as a gossip-only personality.
func NewGossipWorker(w *Worker) *GossipWorker {
	return &GossipWorker{w: w}
}

// Start spawns the shared Peer Manager plus this personality's own
// maintain_db loop onto the worker's errgroup.
func (g *GossipWorker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.w.cancel = cancel

	eg, egCtx := errgroup.WithContext(ctx)
	g.w.eg = eg

	pm := &PeerManager{w: g.w}
	eg.Go(func() error { return pm.run(egCtx) })
	if g.w.cfg.LightningListen != "" {
		eg.Go(func() error { return pm.listen(egCtx) })
	}

	eg.Go(func() error { return g.maintainDBLoop(egCtx) })

	return nil
}

func (g *GossipWorker) maintainDBLoop(ctx context.Context) error {
	ticker := time.NewTicker(GossipMaintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.maintainDB()
		}
	}
}

// maintainDB implements spec.md §4.8's maintain_db: prune stale policies
// and orphaned channels from the graph, but only while there is no pending
// unknown-channel-id backlog — querying peers for those ids takes priority
// over pruning data that might still resolve them.
func (g *GossipWorker) maintainDB() {
	g.w.mu.Lock()
	pending := len(g.w.unknownChanIDs)
	g.w.mu.Unlock()
	if pending > 0 {
		return
	}
	if g.w.graph == nil {
		return
	}
	if err := g.w.graph.PruneStalePolicies(GossipPolicyMaxAge); err != nil {
		gospLog.Warnf("graph maintenance failed: %v", err)
	}
}

// NoteUnknownChannelID records a short_channel_id referenced by a peer's
// gossip that our graph does not yet carry, to be resolved by a later
// channel-announcement query.
func (g *GossipWorker) NoteUnknownChannelID(scid uint64) {
	g.w.mu.Lock()
	defer g.w.mu.Unlock()
	g.w.unknownChanIDs[scid] = struct{}{}
}

// GetIDsToQuery drains up to UnknownChannelIDBatchSize ids from the
// backlog, per spec.md §4.8.
func (g *GossipWorker) GetIDsToQuery() []uint64 {
	g.w.mu.Lock()
	defer g.w.mu.Unlock()

	out := make([]uint64, 0, UnknownChannelIDBatchSize)
	for scid := range g.w.unknownChanIDs {
		if len(out) >= UnknownChannelIDBatchSize {
			break
		}
		out = append(out, scid)
		delete(g.w.unknownChanIDs, scid)
	}
	return out
}
