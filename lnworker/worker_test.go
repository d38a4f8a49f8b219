package lnworker

import (
	"context"
	"encoding/hex"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/breez/lnworker/channeldb"
	"github.com/breez/lnworker/invoices"
	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/wire"
	"github.com/coreos/bbolt"
	goerrors "github.com/go-errors/errors"
)

func newTestWorker(t *testing.T) (*Worker, func()) {
	t.Helper()
	return newTestWorkerWithFactory(t, mockPeerFactory{})
}

func newTestWorkerWithFactory(t *testing.T, factory PeerFactory) (*Worker, func()) {
	t.Helper()

	dir, err := ioutil.TempDir("", "lnworker")
	if err != nil {
		t.Fatalf("unable to create temp dir: %v", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "worker.db"), 0600, nil)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("unable to open bbolt db: %v", err)
	}

	w, err := NewWorker(Config{}, db, newMockKeyRing(), &mockGraph{}, mockPathFinder{},
		&mockNotifier{height: 600_000}, &mockTower{}, mockEncoder{}, factory)
	if err != nil {
		db.Close()
		os.RemoveAll(dir)
		t.Fatalf("unable to construct worker: %v", err)
	}

	return w, func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

func TestRegisterPeerUniqueness(t *testing.T) {
	w, cleanup := newTestWorker(t)
	defer cleanup()

	var pk [33]byte
	pk[0] = 1
	p1 := newMockPeer(pk)
	p2 := newMockPeer(pk)

	if !w.registerPeer(p1) {
		t.Fatalf("expected the first registration for a pubkey to succeed")
	}
	if w.registerPeer(p2) {
		t.Fatalf("expected a second registration for the same pubkey to be a no-op")
	}
	if w.numPeers() != 1 {
		t.Fatalf("expected exactly 1 peer registered, got %d", w.numPeers())
	}

	got, ok := w.peerByPubKey(pk)
	if !ok || got != p1 {
		t.Fatalf("expected peerByPubKey to return the first-registered peer")
	}
}

func TestPeerClosedMarksOwnedChannelsDisconnected(t *testing.T) {
	w, cleanup := newTestWorker(t)
	defer cleanup()

	var pk [33]byte
	pk[0] = 2
	p := newMockPeer(pk)
	w.registerPeer(p)

	var id [32]byte
	id[0] = 9
	c := &channeldb.Channel{
		ChannelID: id,
		NodeID:    pk,
		State:     channeldb.StateOpen,
		HTLCs:     map[uint64]*channeldb.HTLC{},
	}
	c.CurrentPerCommitmentPoint[0], c.NextPerCommitmentPoint[0] = 1, 2
	if err := w.channels.SaveChannel(c); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}

	w.peerClosed(pk)

	if _, ok := w.peerByPubKey(pk); ok {
		t.Fatalf("expected the peer to be removed from the peer table")
	}
	got, ok := w.channels.ChannelByID(id)
	if !ok {
		t.Fatalf("channel should still exist after its peer disconnects")
	}
	if got.State != channeldb.StateDisconnected {
		t.Fatalf("expected state DISCONNECTED, got %v", got.State)
	}
}

func TestPeerClosedIgnoresClosedChannels(t *testing.T) {
	w, cleanup := newTestWorker(t)
	defer cleanup()

	var pk [33]byte
	pk[0] = 3
	w.registerPeer(newMockPeer(pk))

	var id [32]byte
	id[0] = 10
	c := &channeldb.Channel{
		ChannelID: id,
		NodeID:    pk,
		State:     channeldb.StateClosed,
		HTLCs:     map[uint64]*channeldb.HTLC{},
	}
	c.CurrentPerCommitmentPoint[0], c.NextPerCommitmentPoint[0] = 1, 2
	if err := w.channels.SaveChannel(c); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}

	w.peerClosed(pk)

	got, _ := w.channels.ChannelByID(id)
	if got.State != channeldb.StateClosed {
		t.Fatalf("a CLOSED channel must never regress to DISCONNECTED")
	}
}

func TestOnHTLCResolvedUnblocksPendingPayment(t *testing.T) {
	w, cleanup := newTestWorker(t)
	defer cleanup()

	key := pendingKey{ShortChannelID: 42, HTLCID: 7}
	w.mu.Lock()
	ch := w.pending.await(key)
	w.mu.Unlock()

	w.OnHTLCResolved(42, 7, true)

	select {
	case success := <-ch:
		if !success {
			t.Fatalf("expected OnHTLCResolved(true) to resolve the future successfully")
		}
	default:
		t.Fatalf("expected OnHTLCResolved to deliver a buffered result")
	}
}

func TestOnChannelClosedBeforeStartIsUnknownChannel(t *testing.T) {
	w, cleanup := newTestWorker(t)
	defer cleanup()

	err := w.OnChannelClosed(nil, wire.OutPoint{}, nil, 0, 0, nil)
	if err != ErrUnknownChannel {
		t.Fatalf("expected ErrUnknownChannel before Start wires the reactor, got %v", err)
	}
}

func TestInvoiceUnknownPaymentHash(t *testing.T) {
	w, cleanup := newTestWorker(t)
	defer cleanup()

	var hash [32]byte
	hash[0] = 0xee
	if _, err := w.Invoice(hash); err != ErrUnknownPaymentHash {
		t.Fatalf("expected ErrUnknownPaymentHash, got %v", err)
	}
}

func TestInvoiceFound(t *testing.T) {
	w, cleanup := newTestWorker(t)
	defer cleanup()

	var hash [32]byte
	hash[0] = 0x11
	amount := int64(500)
	if err := w.invoiceStore.SaveInvoice(invoices.InvoiceInfo{
		PaymentHash: hash,
		AmountSat:   &amount,
		Direction:   invoices.Received,
		Status:      invoices.Unpaid,
	}); err != nil {
		t.Fatalf("SaveInvoice: %v", err)
	}

	info, err := w.Invoice(hash)
	if err != nil {
		t.Fatalf("Invoice: %v", err)
	}
	if info.PaymentHash != hash {
		t.Fatalf("expected the stored invoice back, got %+v", info)
	}
}

// testPeerAddrHex returns a valid "<pubkey-hex>@host:port" connection
// string's pubkey half, derived from a fixed deterministic key so tests
// don't depend on crypto/rand.
func testPeerAddrHex(t *testing.T) string {
	t.Helper()
	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), bytes32(9))
	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

func TestOpenChannelMalformedConnString(t *testing.T) {
	w, cleanup := newTestWorker(t)
	defer cleanup()

	_, err := w.OpenChannel(context.Background(), "not-a-valid-connstring", 100000, 0)
	if err != ErrConnStringFormat {
		t.Fatalf("expected ErrConnStringFormat, got %v", err)
	}
}

func TestOpenChannelDialFailureIsPeerNotConnected(t *testing.T) {
	factory := mockPeerFactory{outboundErr: goerrors.New("dial refused")}
	w, cleanup := newTestWorkerWithFactory(t, factory)
	defer cleanup()

	connString := testPeerAddrHex(t) + "@127.0.0.1:9735"
	_, err := w.OpenChannel(context.Background(), connString, 100000, 0)
	if err != ErrPeerNotConnected {
		t.Fatalf("expected ErrPeerNotConnected, got %v", err)
	}
}

func TestOpenChannelDialsAndEstablishes(t *testing.T) {
	var pk [33]byte
	pk[0] = 0x02
	peer := newMockPeer(pk)
	factory := mockPeerFactory{outboundPeer: peer}
	w, cleanup := newTestWorkerWithFactory(t, factory)
	defer cleanup()

	connString := testPeerAddrHex(t) + "@127.0.0.1:9735"
	_, err := w.OpenChannel(context.Background(), connString, 100000, 0)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if _, ok := w.peerByPubKey(pk); !ok {
		t.Fatalf("expected the dialed peer to be registered")
	}
}

func TestOpenChannelReusesAlreadyConnectedPeer(t *testing.T) {
	factory := mockPeerFactory{outboundErr: goerrors.New("should not be dialed")}
	w, cleanup := newTestWorkerWithFactory(t, factory)
	defer cleanup()

	connHex := testPeerAddrHex(t)
	pubKeyBytes, err := hex.DecodeString(connHex)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	var pk [33]byte
	copy(pk[:], pubKeyBytes)

	peer := newMockPeer(pk)
	w.registerPeer(peer)

	_, err = w.OpenChannel(context.Background(), connHex+"@127.0.0.1:9735", 100000, 0)
	if err != nil {
		t.Fatalf("expected an already-connected peer to skip dialing, got %v", err)
	}
}
