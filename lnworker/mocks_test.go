package lnworker

import (
	"context"
	"net"
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
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// mockPeer is a bare-bones lnpeer.Peer stand-in: every method needed to
// satisfy the interface is implemented, but only Pay/PubKey carry behavior
// a test actually exercises.
type mockPeer struct {
	pubKey [33]byte
	quit   chan struct{}

	payHTLCID uint64
	payErr    error
	payCalls  int
}

func newMockPeer(pubKey [33]byte) *mockPeer {
	return &mockPeer{pubKey: pubKey, quit: make(chan struct{})}
}

func (m *mockPeer) Handshake(ctx context.Context, conn net.Conn) error { return nil }
func (m *mockPeer) MainLoop(ctx context.Context) error                { return nil }

func (m *mockPeer) Pay(route *routing.Route, chanPoint wire.OutPoint,
	amtMsat lnwire.MilliSatoshi, paymentHash [32]byte,
	minFinalCLTVExpiry uint32) (uint64, error) {

	m.payCalls++
	return m.payHTLCID, m.payErr
}

func (m *mockPeer) ChannelEstablishmentFlow(ctx context.Context,
	fundingAmt int64, pushAmt lnwire.MilliSatoshi) (wire.OutPoint, error) {
	return wire.OutPoint{}, nil
}
func (m *mockPeer) ReestablishChannel(chanID [32]byte) error           { return nil }
func (m *mockPeer) SendFundingLocked(chanID [32]byte) error            { return nil }
func (m *mockPeer) OnNetworkUpdate(chanID [32]byte, conf uint32) error { return nil }
func (m *mockPeer) CloseChannel(chanID [32]byte) error                 { return nil }
func (m *mockPeer) SendMessage(sync bool, msgs ...interface{}) error   { return nil }
func (m *mockPeer) PubKey() [33]byte                                   { return m.pubKey }
func (m *mockPeer) IdentityKey() *btcec.PublicKey                      { return nil }
func (m *mockPeer) Address() net.Addr                                  { return nil }
func (m *mockPeer) QuitSignal() <-chan struct{}                        { return m.quit }

// mockGraph is a no-op routing.ChannelGraph, overridable per test.
type mockGraph struct {
	policy      *routing.ChannelEdgePolicy
	pruneCalled bool
}

func (g *mockGraph) RecentPeer(exclude map[[33]byte]struct{}) (routing.GraphNode, bool) {
	return routing.GraphNode{}, false
}
func (g *mockGraph) RandomUnconnectedNodes(n int, exclude map[[33]byte]struct{}) ([]routing.GraphNode, error) {
	return nil, nil
}
func (g *mockGraph) Policy(prevNode [33]byte, scid uint64) (*routing.ChannelEdgePolicy, bool) {
	if g.policy == nil {
		return nil, false
	}
	return g.policy, true
}
func (g *mockGraph) PruneStalePolicies(maxAge time.Duration) error {
	g.pruneCalled = true
	return nil
}

// testDirectHopSCID is the short_channel_id mockPathFinder's single direct
// hop always reports, so tests that register a channel under this id get a
// route whose first hop resolves to it.
const testDirectHopSCID = 100

// mockPathFinder always returns a single direct hop to the target.
type mockPathFinder struct{}

func (mockPathFinder) FindPath(source, target [33]byte, amt lnwire.MilliSatoshi) ([]routing.RouteHop, error) {
	return []routing.RouteHop{{
		PubKeyBytes:      target,
		ShortChannelID:   testDirectHopSCID,
		OutgoingTimeLock: 40,
	}}, nil
}

// mockNotifier is a no-op chainntnfs.ChainNotifier with a fixed height and
// confirmation depth, both overridable per test.
type mockNotifier struct {
	height int32
	depth  uint32

	// confirmInfo, if set, is delivered synchronously on the Confirmed
	// channel RegisterConfirmationsNtfn returns, so tests don't need a
	// real chain-following goroutine to exercise a confirmed-depth path.
	confirmInfo *chainntnfs.TxConfirmation
}

func (n *mockNotifier) RegisterConfirmationsNtfn(txid *chainhash.Hash, pkScript []byte,
	numConfs, heightHint uint32) (*chainntnfs.ConfirmationEvent, error) {

	confirmed := make(chan *chainntnfs.TxConfirmation, 1)
	if n.confirmInfo != nil {
		confirmed <- n.confirmInfo
	}
	return &chainntnfs.ConfirmationEvent{
		Confirmed: confirmed,
		Updates:   make(chan uint32, 1),
	}, nil
}

func (n *mockNotifier) RegisterSpendNtfn(outpoint *wire.OutPoint, pkScript []byte,
	heightHint uint32) (*chainntnfs.SpendEvent, error) {
	return &chainntnfs.SpendEvent{Spend: make(chan *chainntnfs.SpendDetail, 1)}, nil
}

func (n *mockNotifier) TxConfDepth(txid *chainhash.Hash) (uint32, error) {
	return n.depth, nil
}

func (n *mockNotifier) BestHeight() (int32, error) {
	return n.height, nil
}

// mockTower is a no-op wtclient.TowerClient recording every pushed Justice.
type mockTower struct {
	storedCtn uint64
	pushed    []wtclient.Justice
}

func (t *mockTower) StoredCommitmentCounter(ctx context.Context,
	fundingOutpoint wire.OutPoint, sweepAddress string) (uint64, error) {
	return t.storedCtn, nil
}

func (t *mockTower) Push(ctx context.Context, j wtclient.Justice, sweepAddress string) error {
	t.pushed = append(t.pushed, j)
	return nil
}

// mockEncoder is a stand-in invoices.Encoder; see invoices package tests
// for a dedicated exercise of the routing-hint plumbing it would be handed.
type mockEncoder struct{}

func (mockEncoder) Encode(paymentHash [32]byte, amountSat *int64, description string,
	expiry time.Duration, minFinalCLTVExpiry uint32, hints []invoices.RoutingHint) (string, error) {
	return "lnbc-test", nil
}

func (mockEncoder) DecodeFinalCLTVExpiry(invoice string) (uint32, error) {
	return invoices.MinFinalCLTVExpiryForInvoice, nil
}

// mockKeyRing derives a fixed, deterministic private key regardless of the
// requested locator, which is all a unit test needs from the host wallet's
// HD derivation.
type mockKeyRing struct {
	priv *btcec.PrivateKey
}

func newMockKeyRing() *mockKeyRing {
	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), bytes32(7))
	return &mockKeyRing{priv: priv}
}

func (k *mockKeyRing) DerivePrivKey(desc keychain.KeyDescriptor) (*btcec.PrivateKey, error) {
	return k.priv, nil
}

func bytes32(b byte) []byte {
	out := make([]byte, 32)
	out[31] = b
	return out
}

// mockPeerFactory is a no-op PeerFactory by default; tests that need
// OpenChannel/connect to produce a live peer set outboundPeer/outboundErr.
type mockPeerFactory struct {
	outboundPeer lnpeer.Peer
	outboundErr  error
}

func (f mockPeerFactory) NewOutbound(ctx context.Context, addr lncfg.PeerAddress) (lnpeer.Peer, error) {
	return f.outboundPeer, f.outboundErr
}
func (mockPeerFactory) NewInbound(ctx context.Context, conn net.Conn) (lnpeer.Peer, error) {
	return nil, nil
}

// mockBackend is a channeldb.ChannelBackend stand-in whose sweep/justice
// behavior is configured per test.
type mockBackend struct {
	sweeps     map[wire.OutPoint]*sweep.Info
	sweepsErr  error
	htlcInfo   *sweep.Info
	htlcIsHTLC bool
	justiceErr error
}

func (b *mockBackend) SweepCtx(closingTx *wire.MsgTx) (map[wire.OutPoint]*sweep.Info, error) {
	return b.sweeps, b.sweepsErr
}
func (b *mockBackend) ForceCloseTx() (*wire.MsgTx, error) { return wire.NewMsgTx(2), nil }
func (b *mockBackend) SweepHTLC(spenderTx *wire.MsgTx) (*sweep.Info, bool) {
	return b.htlcInfo, b.htlcIsHTLC
}
func (b *mockBackend) JusticeTx(ctn uint64) (*wire.MsgTx, error) {
	if b.justiceErr != nil {
		return nil, b.justiceErr
	}
	return wire.NewMsgTx(2), nil
}

var _ channeldb.ChannelBackend = (*mockBackend)(nil)
