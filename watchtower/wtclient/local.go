package wtclient

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/wire"
)

// LocalClient implements TowerClient against an in-process tower, used
// when no watchtower_url is configured but a local tower (e.g. run by the
// same wallet process) is available.
type LocalClient struct {
	mu    sync.Mutex
	store map[wire.OutPoint]map[string]uint64 // outpoint -> sweep addr -> highest ctn
	txs   map[wire.OutPoint]map[uint64]*wire.MsgTx
}

// NewLocalClient returns an empty in-memory local tower client.
func NewLocalClient() *LocalClient {
	return &LocalClient{
		store: make(map[wire.OutPoint]map[string]uint64),
		txs:   make(map[wire.OutPoint]map[uint64]*wire.MsgTx),
	}
}

// StoredCommitmentCounter returns the highest ctn this tower already holds
// a penalty transaction for, or 0 if none.
func (l *LocalClient) StoredCommitmentCounter(_ context.Context,
	fundingOutpoint wire.OutPoint, sweepAddress string) (uint64, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	byAddr, ok := l.store[fundingOutpoint]
	if !ok {
		return 0, nil
	}
	return byAddr[sweepAddress], nil
}

// Push records a penalty transaction for later broadcast should the
// counterparty ever publish the revoked state it punishes.
func (l *LocalClient) Push(_ context.Context, j Justice, sweepAddress string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	byAddr, ok := l.store[j.FundingOutpoint]
	if !ok {
		byAddr = make(map[string]uint64)
		l.store[j.FundingOutpoint] = byAddr
	}
	if j.CommitmentCtn > byAddr[sweepAddress] {
		byAddr[sweepAddress] = j.CommitmentCtn
	}

	byCtn, ok := l.txs[j.FundingOutpoint]
	if !ok {
		byCtn = make(map[uint64]*wire.MsgTx)
		l.txs[j.FundingOutpoint] = byCtn
	}
	byCtn[j.CommitmentCtn] = j.Tx

	return nil
}
