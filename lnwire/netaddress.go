package lnwire

import (
	"net"

	"github.com/btcsuite/btcd/btcec"
)

// NetAddress represents a network address pointing to a lightning node. It
// couples the identity public key of the node with an IP address (and port)
// at which the node can be reached over the wire. This is the minimal
// addressing unit that the connection manager and watchtower client need to
// dial a remote peer; the framing/handshake performed once the TCP
// connection is up is out of scope for this module.
type NetAddress struct {
	// IdentityKey is the long-term static public key of the remote node.
	IdentityKey *btcec.PublicKey

	// Address is the reachable network address of the remote node.
	Address net.Addr

	// ChainNet records which network (mainnet/testnet/etc) this address
	// was validated against, used to pick the correct fallback node list.
	ChainNet ChainNet
}

// ChainNet enumerates the networks a worker may be configured for.
type ChainNet uint8

const (
	// MainNet is the production Bitcoin/Litecoin network.
	MainNet ChainNet = iota

	// TestNet is the public test network.
	TestNet
)

// String returns the address in host:port form.
func (n *NetAddress) String() string {
	if n.Address == nil {
		return ""
	}
	return n.Address.String()
}
