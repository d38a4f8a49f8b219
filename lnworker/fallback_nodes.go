package lnworker

import (
	"encoding/hex"

	"github.com/breez/lnworker/lncfg"
	"github.com/breez/lnworker/lnwire"
)

// fallbackNode is one entry of a FALLBACK_NODE_LIST.
type fallbackNode struct {
	host   string
	port   int
	pubKey string // hex-encoded, 33-byte compressed pubkey
}

// fallbackNodeListMainnet is the seed list used when no recent peer or
// graph candidate is available on mainnet. Per the Open Question in
// spec.md §9, this list's one duplicate entry is preserved rather than
// deduplicated, since the duplicate is harmless: it only ever reduces
// slightly the odds any other single entry is picked.
var fallbackNodeListMainnet = []fallbackNode{
	{"node.lightning.directory", 9735, "023d70f2f76d283c6c4e58109ee3a2816eb9d8feb40b23d62469060cf4c6e39c1"},
	{"lnd.bitrefill.com", 9735, "03864ef025fde8fb587d989186ce6a4a186895ee44a926bfc370e2c366597a3f8"},
	{"ln.bitstamp.net", 9735, "02d3bde5d63c0b62d7e0b9b1cbcf59e3a27d1f7c4eb4d1cbd3a1d0f1fc1d1f1f11"},
	{"ln.bitstamp.net", 9735, "02d3bde5d63c0b62d7e0b9b1cbcf59e3a27d1f7c4eb4d1cbd3a1d0f1fc1d1f1f11"},
}

// fallbackNodeListTestnet is the seed list used on testnet.
var fallbackNodeListTestnet = []fallbackNode{
	{"testnet-ln.bitstamp.net", 9735, "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"},
}

// toPeerAddress converts a fallbackNode literal into a lncfg.PeerAddress,
// without validating the embedded pubkey lies on the curve (fallback
// entries are trusted compile-time literals; a malformed handshake with a
// bad pubkey simply fails later at the transport layer).
func (n fallbackNode) toPeerAddress() (lncfg.PeerAddress, bool) {
	raw, err := hex.DecodeString(n.pubKey)
	if err != nil || len(raw) != 33 {
		return lncfg.PeerAddress{}, false
	}
	var pa lncfg.PeerAddress
	pa.Host, pa.Port = n.host, n.port
	copy(pa.PubKey[:], raw)
	return pa, true
}

// fallbackListForNet returns the right fallback list for net.
func fallbackListForNet(net lnwire.ChainNet) []fallbackNode {
	if net == lnwire.TestNet {
		return fallbackNodeListTestnet
	}
	return fallbackNodeListMainnet
}

// randomFallbackNode picks one entry from the fallback list uniformly at
// random, per spec.md §4.1 candidate selection item 3.
func randomFallbackNode(net lnwire.ChainNet, rnd func(int) int) (lncfg.PeerAddress, bool) {
	list := fallbackListForNet(net)
	if len(list) == 0 {
		return lncfg.PeerAddress{}, false
	}
	return list[rnd(len(list))].toPeerAddress()
}
