package channeldb

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/breez/lnworker/lnwire"
	"github.com/btcsuite/btcd/wire"
	"github.com/coreos/bbolt"
	"github.com/go-errors/errors"
)

var channelBucket = []byte("channels")

// ErrChannelNotFound is returned when a lookup by id/outpoint/scid misses.
var ErrChannelNotFound = errors.New("channel not found")

// ErrChannelNotClosed is returned by RemoveChannel when the channel is not
// yet closed, per spec.md §4.2 ("remove_channel(id) requires is_closed()").
var ErrChannelNotClosed = errors.New("cannot remove a channel that is not closed")

// channelSnapshot is the on-disk shape of a Channel: every field except the
// injected, non-persisted ChannelBackend.
type channelSnapshot struct {
	ChannelID                 [32]byte
	NodeID                    [33]byte
	FundingOutpoint           wire.OutPoint
	ShortChannelID            *uint64
	State                     State
	ForceClosed               bool
	Constraints               ChannelConstraints
	SweepAddress              string
	RemoteBalanceMsat         lnwire.MilliSatoshi
	LocalFeeratePerKw         uint32
	LocalCommitCtn            uint64
	RemoteCommitCtn           uint64
	RemoteOldestUnrevokedCtn  uint64
	NextPerCommitmentPoint    [33]byte
	CurrentPerCommitmentPoint [33]byte
	HTLCs                     map[uint64]*HTLC
}

func toSnapshot(c *Channel) *channelSnapshot {
	return &channelSnapshot{
		ChannelID:                 c.ChannelID,
		NodeID:                    c.NodeID,
		FundingOutpoint:           c.FundingOutpoint,
		ShortChannelID:            c.shortChannelID,
		State:                     c.State,
		ForceClosed:               c.ForceClosed,
		Constraints:               c.Constraints,
		SweepAddress:              c.SweepAddress,
		RemoteBalanceMsat:         c.RemoteBalanceMsat,
		LocalFeeratePerKw:         c.LocalFeeratePerKw,
		LocalCommitCtn:            c.LocalCommitCtn,
		RemoteCommitCtn:           c.RemoteCommitCtn,
		RemoteOldestUnrevokedCtn:  c.RemoteOldestUnrevokedCtn,
		NextPerCommitmentPoint:    c.NextPerCommitmentPoint,
		CurrentPerCommitmentPoint: c.CurrentPerCommitmentPoint,
		HTLCs:                     c.HTLCs,
	}
}

func fromSnapshot(s *channelSnapshot, backend ChannelBackend) *Channel {
	return &Channel{
		ChannelID:                 s.ChannelID,
		NodeID:                    s.NodeID,
		FundingOutpoint:           s.FundingOutpoint,
		shortChannelID:            s.ShortChannelID,
		State:                     s.State,
		ForceClosed:               s.ForceClosed,
		Constraints:               s.Constraints,
		SweepAddress:              s.SweepAddress,
		RemoteBalanceMsat:         s.RemoteBalanceMsat,
		LocalFeeratePerKw:         s.LocalFeeratePerKw,
		LocalCommitCtn:            s.LocalCommitCtn,
		RemoteCommitCtn:           s.RemoteCommitCtn,
		RemoteOldestUnrevokedCtn:  s.RemoteOldestUnrevokedCtn,
		NextPerCommitmentPoint:    s.NextPerCommitmentPoint,
		CurrentPerCommitmentPoint: s.CurrentPerCommitmentPoint,
		HTLCs:                     s.HTLCs,
		Backend:                   backend,
	}
}

// ChannelStore is the Channel Store (C2): a bbolt-backed set
// of channels keyed by 32-byte channel_id, with secondary lookups by
// short_channel_id, funding outpoint, and peer node-id.
//
// ChannelStore does not take its own lock; per spec.md §5, all of its
// mutators are called with the worker's mutex already held by the caller.
type ChannelStore struct {
	db       *bbolt.DB
	channels map[[32]byte]*Channel
}

// NewChannelStore opens (creating if needed) the channels bucket in db and
// loads every persisted channel into memory.
func NewChannelStore(db *bbolt.DB) (*ChannelStore, error) {
	cs := &ChannelStore{db: db, channels: make(map[[32]byte]*Channel)}

	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(channelBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var snap channelSnapshot
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&snap); err != nil {
				return err
			}
			cs.channels[snap.ChannelID] = fromSnapshot(&snap, nil)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// SaveChannel validates the next_per_commitment_point != current invariant,
// inserts or replaces chan in the in-memory map, then persists the full
// channel set atomically, per spec.md §4.2.
func (cs *ChannelStore) SaveChannel(c *Channel) error {
	if err := c.ValidatePersistable(); err != nil {
		return err
	}
	cs.channels[c.ChannelID] = c
	return cs.persist()
}

// SaveChannels persists the full channel set without re-checking the
// per-commitment-point invariant (spec.md §4.2: "save_channels() without
// state check"), used when a caller has already validated every channel it
// mutated in a batch.
func (cs *ChannelStore) SaveChannels() error {
	return cs.persist()
}

func (cs *ChannelStore) persist() error {
	return cs.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(channelBucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(channelBucket)
		if err != nil {
			return err
		}
		for id, c := range cs.channels {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(toSnapshot(c)); err != nil {
				return err
			}
			key := make([]byte, 32)
			copy(key, id[:])
			if err := b.Put(key, buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Channels returns a snapshot slice of every channel, safe to range over
// after the caller releases the worker mutex (spec.md §5: "readers that
// iterate take a snapshot under the lock").
func (cs *ChannelStore) Channels() []*Channel {
	out := make([]*Channel, 0, len(cs.channels))
	for _, c := range cs.channels {
		out = append(out, c)
	}
	return out
}

// ChannelByID returns the channel with the given channel_id.
func (cs *ChannelStore) ChannelByID(id [32]byte) (*Channel, bool) {
	c, ok := cs.channels[id]
	return c, ok
}

// ChannelsForPeer filters the live map down to channels owned by pubkey.
func (cs *ChannelStore) ChannelsForPeer(pubkey [33]byte) []*Channel {
	var out []*Channel
	for _, c := range cs.channels {
		if c.NodeID == pubkey {
			out = append(out, c)
		}
	}
	return out
}

// ChannelByTxo does a linear scan for the channel funded by the given
// outpoint.
func (cs *ChannelStore) ChannelByTxo(outpoint wire.OutPoint) (*Channel, bool) {
	for _, c := range cs.channels {
		if c.FundingOutpoint == outpoint {
			return c, true
		}
	}
	return nil, false
}

// GetChannelByShortID does a linear scan for the channel assigned scid.
func (cs *ChannelStore) GetChannelByShortID(scid uint64) (*Channel, bool) {
	for _, c := range cs.channels {
		id, ok := c.ShortChannelID()
		if ok && id == scid {
			return c, true
		}
	}
	return nil, false
}

// RemoveChannel deletes a closed channel from the store. It is a usage
// error to call this on a channel that is not yet closed (spec.md §4.2).
func (cs *ChannelStore) RemoveChannel(id [32]byte) error {
	c, ok := cs.channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	if !c.IsClosed() {
		return ErrChannelNotClosed
	}
	delete(cs.channels, id)
	return cs.persist()
}

// String is a convenience Stringer for log lines identifying a channel by
// its short hex id.
func (c *Channel) String() string {
	return fmt.Sprintf("%x", c.ChannelID[:8])
}
