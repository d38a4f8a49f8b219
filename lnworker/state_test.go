package lnworker

import (
	"testing"
	"time"

	"github.com/breez/lnworker/lncfg"
)

func TestPendingPaymentsResolveBeforeAwait(t *testing.T) {
	p := newPendingPayments()
	key := pendingKey{ShortChannelID: 1, HTLCID: 2}

	p.resolve(key, true)

	select {
	case success := <-p.await(key):
		if !success {
			t.Fatalf("expected a buffered success signal")
		}
	default:
		t.Fatalf("expected resolve-before-await to leave a buffered result")
	}
}

func TestPendingPaymentsAwaitBeforeResolve(t *testing.T) {
	p := newPendingPayments()
	key := pendingKey{ShortChannelID: 3, HTLCID: 4}

	ch := p.await(key)

	done := make(chan bool, 1)
	go func() {
		select {
		case success := <-ch:
			done <- success
		case <-time.After(time.Second):
			done <- false
		}
	}()

	p.resolve(key, false)

	if success := <-done; success {
		t.Fatalf("expected the awaiter to observe the resolved failure outcome")
	}
}

func TestLastTriedPeerRetryWindow(t *testing.T) {
	l := newLastTriedPeer()
	addr := lncfg.PeerAddress{Host: "10.0.0.1", Port: 9735}
	now := time.Unix(1_700_000_000, 0)

	if !l.readyToRetry(addr, now, time.Minute) {
		t.Fatalf("an address never tried must be ready to retry immediately")
	}

	l.stamp(addr, now)
	if l.readyToRetry(addr, now.Add(30*time.Second), time.Minute) {
		t.Fatalf("an address tried 30s ago must not be ready within a 1m window")
	}
	if !l.readyToRetry(addr, now.Add(2*time.Minute), time.Minute) {
		t.Fatalf("an address tried 2m ago must be ready again past a 1m window")
	}
}

func TestLastTriedPeerPrune(t *testing.T) {
	l := newLastTriedPeer()
	addr := lncfg.PeerAddress{Host: "10.0.0.2", Port: 9735}
	now := time.Unix(1_700_000_000, 0)

	l.stamp(addr, now)
	l.prune(now.Add(2*time.Minute), time.Minute)

	if _, ok := l.m[addr]; ok {
		t.Fatalf("expected prune to drop an entry older than the interval")
	}
}
