// Package keychain provides the minimal key-derivation abstraction the
// worker needs to derive its long-term node identity and per-channel keys
// from a wallet's master seed. The actual HD derivation and signing backend
// is supplied by the host wallet; this package only names the contract.
package keychain

import "github.com/btcsuite/btcd/btcec"

// KeyFamily is a logical grouping of related keys, defining the derivation
// sub-tree they're drawn from.
type KeyFamily uint32

const (
	// KeyFamilyNodeKey is the key family used to derive the worker's
	// long-term secp256k1 node identity, per spec.md §3 NodeKeypair: key
	// family NODE_KEY, index 0.
	KeyFamilyNodeKey KeyFamily = 6

	// KeyFamilyChannelKey is the key family used to derive a per-channel
	// funding/commitment key, incremented via the persisted
	// lightning_channel_key_der_ctr counter (spec.md §6).
	KeyFamilyChannelKey KeyFamily = 7
)

// KeyLocator locates a particular key within the key family's derivation
// sub-tree by its index.
type KeyLocator struct {
	Family KeyFamily
	Index  uint32
}

// KeyDescriptor fully identifies a derived key: its locator, and its public
// key once derived.
type KeyDescriptor struct {
	KeyLocator
	PubKey *btcec.PublicKey
}

// SecretKeyRing abstracts the ability to derive HD private keys given a
// description of the derivation path. The host wallet supplies the
// concrete implementation; the worker never holds raw seed material beyond
// what it requests through this interface.
type SecretKeyRing interface {
	// DerivePrivKey derives the private key described by the given key
	// descriptor.
	DerivePrivKey(desc KeyDescriptor) (*btcec.PrivateKey, error)
}
