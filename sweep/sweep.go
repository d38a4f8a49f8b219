// Package sweep implements the output-reclamation support types the
// On-Chain Reaction Loop (C6) needs: the SweepInfo contract spec.md §4.6
// describes, dust filtering, and scheduling of sweeps that cannot be
// broadcast immediately because they are still behind a CLTV/CSV lock.
package sweep

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// DustLimit is the minimum non-dust output value this worker will ever
// broadcast a sweep for, matching the standard relay dust threshold used
// across the btcsuite/lnd family for a P2WPKH-class output.
const DustLimit = btcutil.Amount(294)

// Info describes one output we may claim after a channel closes, and how:
// spec.md §4.6's `SweepInfo{name, cltv_expiry?, csv_delay?, gen_tx()}`.
type Info struct {
	// Name labels the sweep for wallet transaction-label purposes (e.g.
	// "to_local", "htlc_success", "htlc_timeout").
	Name string

	// CltvExpiry is set when this output is only spendable once the
	// chain reaches this absolute height (e.g. an offered HTLC timeout
	// path).
	CltvExpiry *uint32

	// CSVDelay is set when this output is only spendable this many
	// blocks after its own confirmation (e.g. our to_local output, or an
	// HTLC second-stage output).
	CSVDelay *uint32

	// GenTx constructs the spending transaction for this output. It is
	// supplied by the (out-of-scope) Channel backend, since it requires
	// signing with channel-specific keys.
	GenTx func() (*wire.MsgTx, error)

	// Value is the output's value, used for dust filtering.
	Value btcutil.Amount
}

// IsDust reports whether amt falls below the relay dust threshold and
// should be dropped rather than broadcast, per spec.md §4.6 ("If it is
// below dust, drop it").
func IsDust(amt btcutil.Amount) bool {
	return amt < DustLimit
}

// PendingSweep is a sweep that could not be broadcast immediately because
// its CLTV/CSV lock has not yet matured, scheduled for retry once it does.
type PendingSweep struct {
	Prevout    wire.OutPoint
	Info       Info
	ReadyAt    time.Time
	WaitBlocks uint32
}

// Scheduler tracks sweeps deferred because their time lock has not matured,
// mirroring the original's "register as a future tx bound to the remaining
// wait" behavior (spec.md §4.6's try_redeem).
type Scheduler struct {
	mu      sync.Mutex
	pending map[wire.OutPoint]PendingSweep
}

// NewScheduler returns an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(map[wire.OutPoint]PendingSweep)}
}

// Defer registers prevout as not yet broadcastable, to be retried once its
// remaining wait elapses.
func (s *Scheduler) Defer(prevout wire.OutPoint, info Info, waitBlocks uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[prevout] = PendingSweep{
		Prevout:    prevout,
		Info:       info,
		WaitBlocks: waitBlocks,
	}
}

// Ready removes and returns every deferred sweep for which isReady reports
// true; callers pass a predicate since the lock semantics differ between
// CLTV (absolute) and CSV (relative-to-confirmation).
func (s *Scheduler) Ready(isReady func(PendingSweep) bool) []PendingSweep {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []PendingSweep
	for k, p := range s.pending {
		if isReady(p) {
			ready = append(ready, p)
			delete(s.pending, k)
		}
	}
	return ready
}

// Remove drops a pending sweep, e.g. once it has been superseded or its
// output was spent by another party.
func (s *Scheduler) Remove(prevout wire.OutPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, prevout)
}
