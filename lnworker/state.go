package lnworker

import (
	"bytes"
	"encoding/gob"
	"encoding/hex"
	"time"

	"github.com/breez/lnworker/lncfg"
	"github.com/coreos/bbolt"
)

var timestampsBucket = []byte("lightning_channel_timestamps")

// ChannelTimestamps records when a channel's funding and (if applicable)
// closing transactions were first observed, per spec.md §3.
type ChannelTimestamps struct {
	FundingTxid  string
	FundingHeight uint32
	FundingTs    int64

	ClosingTxid   string
	ClosingHeight uint32
	ClosingTs     int64
	hasClosing    bool
}

// SetClosing records the closing leg, extending a timestamps entry that was
// opened when funding was first observed.
func (t *ChannelTimestamps) SetClosing(txid string, height uint32, ts int64) {
	t.ClosingTxid = txid
	t.ClosingHeight = height
	t.ClosingTs = ts
	t.hasClosing = true
}

// timestampStore persists the lightning_channel_timestamps map keyed by hex
// channel id, following the same full-rewrite-on-mutation pattern as
// channeldb.ChannelStore.
type timestampStore struct {
	db  *bbolt.DB
	all map[[32]byte]*ChannelTimestamps
}

func newTimestampStore(db *bbolt.DB) (*timestampStore, error) {
	ts := &timestampStore{db: db, all: make(map[[32]byte]*ChannelTimestamps)}

	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(timestampsBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var rec ChannelTimestamps
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return err
			}
			var id [32]byte
			raw, err := hex.DecodeString(string(k))
			if err != nil {
				return err
			}
			copy(id[:], raw)
			ts.all[id] = &rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ts, nil
}

func (ts *timestampStore) save(id [32]byte, rec *ChannelTimestamps) error {
	ts.all[id] = rec
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return err
	}
	return ts.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(timestampsBucket)
		return b.Put([]byte(hex.EncodeToString(id[:])), buf.Bytes())
	})
}

func (ts *timestampStore) get(id [32]byte) (*ChannelTimestamps, bool) {
	rec, ok := ts.all[id]
	return rec, ok
}

// pendingKey identifies one in-flight HTLC's completion future, per spec.md
// §3's PendingPayments: a transient mapping (short_channel_id, htlc_id) →
// future<bool>.
type pendingKey struct {
	ShortChannelID uint64
	HTLCID         uint64
}

// pendingPayments is the insert-on-read map of one-shot completion signals
// spec.md §9 Design Notes calls for: "the awaiter and the resolver can
// arrive in either order."
type pendingPayments struct {
	m map[pendingKey]chan bool
}

func newPendingPayments() *pendingPayments {
	return &pendingPayments{m: make(map[pendingKey]chan bool)}
}

// await returns the channel for key, creating it if this is the first
// arrival (whichever of the awaiter or the resolver gets here first).
func (p *pendingPayments) await(key pendingKey) chan bool {
	if ch, ok := p.m[key]; ok {
		return ch
	}
	ch := make(chan bool, 1)
	p.m[key] = ch
	return ch
}

// resolve signals the outcome for key. If an awaiter has already registered,
// the entry is removed from the map. If not, resolve creates the channel
// (buffered) and leaves it in the map so a late awaiter observes the
// outcome immediately.
func (p *pendingPayments) resolve(key pendingKey, success bool) {
	ch, awaited := p.m[key]
	if !awaited {
		ch = make(chan bool, 1)
		p.m[key] = ch
	}
	ch <- success
	if awaited {
		delete(p.m, key)
	}
}

// lastTriedPeer is the PeerAddress → last-attempt-time map of spec.md §3,
// pruned lazily once an entry ages out of the retry window.
type lastTriedPeer struct {
	m map[lncfg.PeerAddress]time.Time
}

func newLastTriedPeer() *lastTriedPeer {
	return &lastTriedPeer{m: make(map[lncfg.PeerAddress]time.Time)}
}

func (l *lastTriedPeer) stamp(addr lncfg.PeerAddress, now time.Time) {
	l.m[addr] = now
}

// readyToRetry reports whether addr has never been tried, or was last tried
// longer ago than interval.
func (l *lastTriedPeer) readyToRetry(addr lncfg.PeerAddress, now time.Time, interval time.Duration) bool {
	last, ok := l.m[addr]
	if !ok {
		return true
	}
	return now.Sub(last) > interval
}

// prune drops entries older than interval. Called once per Peer Manager
// tick rather than on its own timer.
func (l *lastTriedPeer) prune(now time.Time, interval time.Duration) {
	for addr, last := range l.m {
		if now.Sub(last) > interval {
			delete(l.m, addr)
		}
	}
}
