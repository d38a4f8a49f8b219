package lnworker

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/breez/lnworker/chainntnfs"
	"github.com/breez/lnworker/channeldb"
	"github.com/breez/lnworker/invoices"
	"github.com/breez/lnworker/keychain"
	"github.com/breez/lnworker/lncfg"
	"github.com/breez/lnworker/lnpeer"
	"github.com/breez/lnworker/lnwire"
	"github.com/breez/lnworker/routing"
	"github.com/breez/lnworker/sweep"
	"github.com/breez/lnworker/watchtower/wtclient"
	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/wire"
	"github.com/coreos/bbolt"
	"github.com/go-errors/errors"
	"golang.org/x/sync/errgroup"
)

// PeerFactory constructs the out-of-scope transport/handshake collaborator
// (LNTransport/Peer in spec.md §1) for both directions of connection
// establishment. The worker never builds a Peer itself; it only dials or
// accepts a net.Conn and asks the factory to hand back a live lnpeer.Peer.
type PeerFactory interface {
	// NewOutbound dials addr and performs the initiator handshake.
	NewOutbound(ctx context.Context, addr lncfg.PeerAddress) (lnpeer.Peer, error)

	// NewInbound performs the responder handshake over an already-accepted
	// connection.
	NewInbound(ctx context.Context, conn net.Conn) (lnpeer.Peer, error)
}

// Worker is the LNWorker/LNWallet core of spec.md §1: it owns the peer
// table, the channel and invoice stores, the event bus, and the six
// background components (C1, C3, C4, C6, C7, C8) that react to on-chain and
// network events. Field-per-concern layout with a comment documenting which
// fields the worker mutex guards follows the teacher's `daemon/server.go`
// convention.
type Worker struct {
	cfg Config

	db *bbolt.DB

	// mu is the single worker-level mutex spec.md §5 describes as guarding
	// channels, invoices, preimages, channelTimestamps, lastTriedPeer, and
	// pendingPayments. Go has no reentrant mutex, so call sites that would
	// otherwise re-enter restructure into a `<name>Locked` helper called
	// with mu already held; see e.g. liveOpenChannelsLocked.
	mu sync.Mutex

	channels     *channeldb.ChannelStore
	invoiceStore *invoices.Registry
	timestamps   *timestampStore
	lastTried    *lastTriedPeer
	pending      *pendingPayments

	peers map[[33]byte]lnpeer.Peer

	// unknownChanIDs is the Gossip Worker's (C8) outstanding short channel
	// id backlog, per spec.md §4.8.
	unknownChanIDs map[uint64]struct{}

	graph      routing.ChannelGraph
	pathFinder routing.PathFinder
	notifier   chainntnfs.ChainNotifier
	tower      wtclient.TowerClient
	encoder    invoices.Encoder
	peerFactory PeerFactory

	keyRing     keychain.SecretKeyRing
	nodeKeyDesc keychain.KeyDescriptor
	identityKey *btcec.PublicKey

	sweeps  *sweep.Scheduler
	reactor *OnChainReactor
	bus     *Bus

	// rand is a seam for deterministic tests of candidate selection; it
	// defaults to math/rand's global source.
	rand func(n int) int

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// NewWorker constructs a Worker over an already-open bbolt database and the
// out-of-scope collaborators spec.md §1 names. The caller supplies the
// ChannelBackend-bearing channels at the storage layer separately (channels
// loaded by channeldb.NewChannelStore do not carry a Backend; the host must
// attach one per channel before the worker starts driving it).
func NewWorker(cfg Config, db *bbolt.DB, keyRing keychain.SecretKeyRing,
	graph routing.ChannelGraph, pathFinder routing.PathFinder,
	notifier chainntnfs.ChainNotifier, tower wtclient.TowerClient,
	encoder invoices.Encoder, peerFactory PeerFactory) (*Worker, error) {

	channels, err := channeldb.NewChannelStore(db)
	if err != nil {
		return nil, errors.New(err)
	}

	invoiceStore, err := invoices.NewRegistry(db, encoder)
	if err != nil {
		return nil, errors.New(err)
	}

	timestamps, err := newTimestampStore(db)
	if err != nil {
		return nil, errors.New(err)
	}

	nodeKeyDesc := keychain.KeyDescriptor{
		KeyLocator: keychain.KeyLocator{Family: keychain.KeyFamilyNodeKey, Index: 0},
	}
	nodePriv, err := keyRing.DerivePrivKey(nodeKeyDesc)
	if err != nil {
		return nil, errors.New(err)
	}
	nodeKeyDesc.PubKey = nodePriv.PubKey()

	w := &Worker{
		cfg:            cfg,
		db:             db,
		channels:       channels,
		invoiceStore:   invoiceStore,
		timestamps:     timestamps,
		lastTried:      newLastTriedPeer(),
		pending:        newPendingPayments(),
		peers:          make(map[[33]byte]lnpeer.Peer),
		unknownChanIDs: make(map[uint64]struct{}),
		graph:          graph,
		pathFinder:     pathFinder,
		notifier:       notifier,
		tower:          tower,
		encoder:        encoder,
		peerFactory:    peerFactory,
		keyRing:        keyRing,
		nodeKeyDesc:    nodeKeyDesc,
		identityKey:    nodeKeyDesc.PubKey,
		sweeps:         sweep.NewScheduler(),
		bus:            NewBus(),
		rand:           rand.Intn,
	}
	return w, nil
}

// Bus returns the worker's event bus, for callers that want to subscribe
// before Start.
func (w *Worker) Bus() *Bus { return w.bus }

// IdentityKey returns the worker's long-term node public key (spec.md §3
// NodeKeypair).
func (w *Worker) IdentityKey() *btcec.PublicKey { return w.identityKey }

// OnChannelClosed delegates to the On-Chain Reaction Loop (C6); the host's
// on-chain watcher calls this once it observes a channel's funding outpoint
// spent. It is a no-op error (ErrUnknownChannel) if Start has not yet run,
// since the reactor is constructed there.
func (w *Worker) OnChannelClosed(ctx context.Context, fundingOutpoint wire.OutPoint,
	closingTx *wire.MsgTx, closingHeight uint32, closingTs int64,
	spenders map[wire.OutPoint]*wire.MsgTx) error {

	if w.reactor == nil {
		return ErrUnknownChannel
	}
	return w.reactor.OnChannelClosed(ctx, fundingOutpoint, closingTx,
		closingHeight, closingTs, spenders)
}

// Start spawns the loops of C1, C3 and C7 and the deferred-sweep retry loop
// of C6 onto a shared errgroup (C4 and C6's close handling are invoked on
// demand; C8 is started separately through GossipWorker.Start), replacing
// the original's single-threaded cooperative event loop per spec.md §9
// Design Notes. Start returns immediately; call Stop to cancel every
// spawned loop and Wait to block until they have all unwound.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	eg, egCtx := errgroup.WithContext(ctx)
	w.eg = eg

	pm := &PeerManager{w: w}
	eg.Go(func() error { return pm.run(egCtx) })
	if w.cfg.LightningListen != "" {
		eg.Go(func() error { return pm.listen(egCtx) })
	}

	ld := &LifecycleDriver{w: w}
	eg.Go(func() error { return ld.run(egCtx) })

	reactor := &OnChainReactor{w: w}
	w.reactor = reactor
	eg.Go(func() error { return reactor.retryPendingSweeps(egCtx) })

	if w.cfg.WatchtowerURL != "" || w.tower != nil {
		wts := &WatchtowerSync{w: w}
		eg.Go(func() error { return wts.run(egCtx) })
	}

	return nil
}

// Stop cancels every loop spawned by Start. It does not block; call Wait
// for that.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Wait blocks until every loop spawned by Start has returned, and returns
// the first non-nil, non-context-cancellation error among them.
func (w *Worker) Wait() error {
	if w.eg == nil {
		return nil
	}
	err := w.eg.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// registerPeer inserts p into the peer table under the worker mutex,
// enforcing spec.md §3's Peer uniqueness invariant (at most one entry per
// pubkey). It is a no-op, returning false, if the pubkey is already
// present — matching `_add_peer`'s "no-op if pubkey already present".
func (w *Worker) registerPeer(p lnpeer.Peer) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	pk := p.PubKey()
	if _, exists := w.peers[pk]; exists {
		return false
	}
	w.peers[pk] = p
	return true
}

// peerClosed removes a disconnected peer from the table and marks every
// channel it owned as DISCONNECTED, per spec.md §3: "On disconnect the Peer
// is removed from the map and any channels it owned have their state set to
// DISCONNECTED."
func (w *Worker) peerClosed(pubkey [33]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.peers, pubkey)

	for _, c := range w.channels.ChannelsForPeer(pubkey) {
		if c.IsClosed() {
			continue
		}
		c.State = channeldb.StateDisconnected
		_ = w.channels.SaveChannels()
	}
}

// connectedPeers returns a snapshot of every live peer pubkey, safe to range
// over after mu is released (spec.md §5's "readers that iterate take a
// snapshot under the lock" convention).
func (w *Worker) connectedPeers() map[[33]byte]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[[33]byte]struct{}, len(w.peers))
	for pk := range w.peers {
		out[pk] = struct{}{}
	}
	return out
}

func (w *Worker) peerByPubKey(pk [33]byte) (lnpeer.Peer, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.peers[pk]
	return p, ok
}

// liveOpenChannelsLocked snapshots every OPEN channel's routing-hint-facing
// identity, for AddRequest's routing-hint calculation. Caller holds mu.
func (w *Worker) liveOpenChannelsLocked() []invoices.LiveOpenChannel {
	var out []invoices.LiveOpenChannel
	for _, c := range w.channels.Channels() {
		if c.State != channeldb.StateOpen {
			continue
		}
		scid, ok := c.ShortChannelID()
		if !ok {
			continue
		}
		out = append(out, invoices.LiveOpenChannel{
			RemoteNodeID:      c.NodeID,
			ShortChannelID:    scid,
			RemoteBalanceMsat: uint64(c.RemoteBalanceMsat),
		})
	}
	return out
}

// callWithTimeout is the foreign-thread call boundary of spec.md §5:
// pay(), open_channel(), and add_request() "marshal a coroutine onto the
// event loop and block on its result with a timeout ... Timeout raises a
// failure; the underlying task is not cancelled automatically." fn keeps
// running to completion even after callWithTimeout returns ErrTimeout.
func callWithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// AddRequest implements the public entry point for spec.md §4.5's
// add_request: a fresh BOLT-11 invoice for amountSat (nil for any-amount),
// hinted by every live OPEN channel. Bounded by AddRequestTimeout per
// spec.md §5.
func (w *Worker) AddRequest(amountSat *int64, message string, expiry time.Duration) (string, error) {
	var invoice string
	err := callWithTimeout(AddRequestTimeout, func() error {
		w.mu.Lock()
		defer w.mu.Unlock()

		channels := w.liveOpenChannelsLocked()
		var err error
		invoice, err = w.invoiceStore.AddRequest(channels, w.graph, amountSat, message, expiry)
		return err
	})
	return invoice, err
}

// Invoice looks up a stored InvoiceInfo by payment hash, returning
// ErrUnknownPaymentHash on a miss (spec.md §7: "often a benign 'not for us'
// signal in forwarding contexts", surfaced here as an error for callers
// outside that forwarding path, e.g. a UI invoice-status query).
func (w *Worker) Invoice(hash [32]byte) (invoices.InvoiceInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, ok := w.invoiceStore.Invoice(hash)
	if !ok {
		return invoices.InvoiceInfo{}, ErrUnknownPaymentHash
	}
	return info, nil
}

// OpenChannel implements spec.md §5/§7's open_channel() foreign-thread
// entry point: parse connString as "<pubkey-hex>@host:port", connect to the
// peer if not already connected, and drive ChannelEstablishmentFlow over
// it. Bounded by OpenChannelTimeout.
func (w *Worker) OpenChannel(ctx context.Context, connString string,
	fundingAmt int64, pushAmt lnwire.MilliSatoshi) (wire.OutPoint, error) {

	var result wire.OutPoint
	err := callWithTimeout(OpenChannelTimeout, func() error {
		var err error
		result, err = w.openChannel(ctx, connString, fundingAmt, pushAmt)
		return err
	})
	return result, err
}

// openChannel does the actual work of OpenChannel, undeferred by the
// timeout wrapper so a goroutine left running past ErrTimeout still
// completes registerPeer/MainLoop bookkeeping.
func (w *Worker) openChannel(ctx context.Context, connString string,
	fundingAmt int64, pushAmt lnwire.MilliSatoshi) (wire.OutPoint, error) {

	addr, err := lncfg.ParsePeerAddressString(connString, "9735", net.ResolveTCPAddr)
	if err != nil {
		return wire.OutPoint{}, ErrConnStringFormat
	}

	peer, ok := w.peerByPubKey(addr.PubKey)
	if !ok {
		p, err := w.peerFactory.NewOutbound(ctx, *addr)
		if err != nil {
			return wire.OutPoint{}, ErrPeerNotConnected
		}
		if !w.registerPeer(p) {
			// Raced with another connection attempt to the same pubkey;
			// use whichever one won the race.
			p, ok = w.peerByPubKey(addr.PubKey)
			if !ok {
				return wire.OutPoint{}, ErrPeerNotConnected
			}
		}
		peer = p
		if w.eg != nil {
			w.eg.Go(func() error {
				err := peer.MainLoop(ctx)
				w.peerClosed(peer.PubKey())
				return err
			})
		}
	}

	return peer.ChannelEstablishmentFlow(ctx, fundingAmt, pushAmt)
}

// OnHTLCSettled is called by a Peer once it settles an incoming HTLC; it
// marks the invoice PAID and fires EventPaymentReceived exactly when
// spec.md §4.5 requires (invoice existed, was RECEIVED, newly became PAID).
func (w *Worker) OnHTLCSettled(hash [32]byte) error {
	w.mu.Lock()
	notify, err := w.invoiceStore.OnHTLCSettled(hash)
	w.mu.Unlock()
	if err != nil {
		return err
	}
	if notify {
		w.bus.Dispatch(EventPaymentReceived, hash)
	}
	return nil
}

// OnHTLCResolved is the Peer's settle/fail callback for an outgoing HTLC,
// per spec.md §3: "Resolved by the Peer when an HTLC settles (true) or
// fails (false)." The Peer lives in a different package and never touches
// the worker's pendingPayments map directly; this is its only entry point
// back into C4's Pay loop, which is blocked awaiting exactly this
// (shortChannelID, htlcID) key via pendingPayments.await.
func (w *Worker) OnHTLCResolved(shortChannelID, htlcID uint64, success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending.resolve(pendingKey{ShortChannelID: shortChannelID, HTLCID: htlcID}, success)
}

// PaymentEngine returns a bound C4 handle for the caller to invoke Pay
// through; it is cheap to construct and carries no state of its own.
func (w *Worker) PaymentEngine() *PaymentEngine { return &PaymentEngine{w: w} }

func (w *Worker) numPeers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.peers)
}
