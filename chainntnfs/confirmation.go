// Package chainntnfs defines the confirmation and spend notification
// contract the worker consumes from the out-of-scope on-chain watcher
// (LNWatcher in spec.md §1). The watcher's SPV/full-node internals are not
// part of this module; only the callback shape it presents to the Channel
// Lifecycle Driver (C3) and On-Chain Reaction Loop (C6) lives here.
package chainntnfs

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TxConfirmation carries the block a watched transaction confirmed in.
type TxConfirmation struct {
	BlockHash   *chainhash.Hash
	BlockHeight uint32
	TxIndex     uint32
	Tx          *wire.MsgTx
}

// ConfirmationEvent is delivered to a confirmation subscriber once, when the
// transaction reaches the requested depth.
type ConfirmationEvent struct {
	Confirmed chan *TxConfirmation
	Updates   chan uint32
}

// SpendDetail describes the transaction that spent a watched outpoint.
type SpendDetail struct {
	SpendingTx        *wire.MsgTx
	SpenderTxHash     *chainhash.Hash
	SpenderInputIndex uint32
	SpendingHeight    int32
}

// SpendEvent is delivered to a spend subscriber once, when the watched
// outpoint is spent on-chain.
type SpendEvent struct {
	Spend chan *SpendDetail
}

// ChainNotifier is the interface the worker's Channel Lifecycle Driver and
// On-Chain Reaction Loop use to learn about confirmations and spends. It is
// implemented by the host's on-chain watcher (LNWatcher); this module never
// implements it.
type ChainNotifier interface {
	// RegisterConfirmationsNtfn asks to be notified once txid reaches
	// numConfs confirmations.
	RegisterConfirmationsNtfn(txid *chainhash.Hash, pkScript []byte,
		numConfs, heightHint uint32) (*ConfirmationEvent, error)

	// RegisterSpendNtfn asks to be notified once the given outpoint is
	// spent on-chain.
	RegisterSpendNtfn(outpoint *wire.OutPoint, pkScript []byte,
		heightHint uint32) (*SpendEvent, error)

	// TxConfDepth returns the current confirmation depth of txid, or 0 if
	// it has not confirmed. Used by the Lifecycle Driver's
	// save_short_chan_id polling (spec.md §4.3 item 2).
	TxConfDepth(txid *chainhash.Hash) (uint32, error)

	// BestHeight returns the current best known chain height.
	BestHeight() (int32, error)
}
