// Package invoices implements the Invoice/Preimage Store (C5) and the
// receive flow of spec.md §4.5: routing-hint calculation for live channels,
// preimage generation and integrity enforcement, and the status-transition
// bookkeeping for both sent and received payments.
package invoices

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/breez/lnworker/channeldb"
	"github.com/breez/lnworker/routing"
	"github.com/coreos/bbolt"
	"github.com/go-errors/errors"
)

// invoiceBucket/preimageBucket are the bbolt buckets backing the two
// persisted maps of spec.md §6: lightning_invoices2 and
// lightning_preimages.
var (
	invoiceBucket  = []byte("lightning_invoices2")
	preimageBucket = []byte("lightning_preimages")
)

// Direction is the direction of a payment relative to this worker.
type Direction uint8

const (
	// Sent is an outgoing payment we initiated.
	Sent Direction = iota

	// Received is an incoming payment addressed to an invoice we issued.
	Received
)

// Status is the lifecycle state of an InvoiceInfo.
type Status uint8

const (
	Unpaid Status = iota
	Inflight
	Paid
	Expired
	Unknown
)

// MinFinalCLTVExpiryForInvoice is the 'c' tag value this worker asks
// senders to lock final HTLCs for, per spec.md §4.5 item 3.
const MinFinalCLTVExpiryForInvoice = 144

// ErrAlreadyPaid is returned by the payment engine (not this package) when
// attempting to pay an invoice whose status is already Paid; declared here
// since it is the invariant this package enforces through SetInvoiceStatus.
var ErrAlreadyPaid = errors.New("invoice has already been paid")

// ErrPreimageMismatch guards the preimage store's core integrity
// invariant: SHA-256(preimage) == hash for every stored pair (spec.md §3,
// §8 testable property 1).
var ErrPreimageMismatch = errors.New("preimage does not hash to the given payment hash")

// InvoiceInfo is the immutable value type of spec.md §3. Status transitions
// are expressed via WithStatus rather than in-place mutation, matching the
// "mixin _replace of an immutable record" pattern called out in spec.md §9
// Design Notes.
type InvoiceInfo struct {
	PaymentHash [32]byte
	AmountSat   *int64
	Direction   Direction
	Status      Status
}

// WithStatus returns a copy of info with Status set to s.
func (info InvoiceInfo) WithStatus(s Status) InvoiceInfo {
	info.Status = s
	return info
}

// RoutingHint is one private-channel edge attached to an invoice so senders
// without graph visibility into us can still find a path, per spec.md
// §4.5 item 1 and the GLOSSARY's "Routing hint" entry.
type RoutingHint struct {
	RemoteNodeID              [33]byte
	ShortChannelID            uint64
	FeeBaseMsat               uint32
	FeeProportionalMillionths uint32
	CLTVExpiryDelta           uint16
}

// Encoder builds and parses BOLT-11 payment requests. Its internals
// (human-readable prefix selection, bech32 encoding, signature) are
// explicitly out of scope per spec.md §1; the Registry only calls through
// this interface.
type Encoder interface {
	// Encode builds a signed BOLT-11 string for the given parameters.
	Encode(paymentHash [32]byte, amountSat *int64, description string,
		expiry time.Duration, minFinalCLTVExpiry uint32,
		hints []RoutingHint) (string, error)

	// DecodeFinalCLTVExpiry extracts the 'c' tag from a payment request,
	// used by the payment engine's invoice validation.
	DecodeFinalCLTVExpiry(invoice string) (uint32, error)
}

// Registry is the Invoice/Preimage Store (C5). Like ChannelStore, it takes
// no lock of its own: per spec.md §5 the worker mutex guards all of
// `invoices` and `preimages`, and callers hold it across Registry calls.
type Registry struct {
	db       *bbolt.DB
	invoices map[string]InvoiceInfo // keyed by hex payment hash
	preimages map[string][32]byte   // keyed by hex payment hash

	encoder Encoder
}

// NewRegistry opens (creating if needed) the invoice and preimage buckets
// and loads their contents into memory.
func NewRegistry(db *bbolt.DB, encoder Encoder) (*Registry, error) {
	r := &Registry{
		db:        db,
		invoices:  make(map[string]InvoiceInfo),
		preimages: make(map[string][32]byte),
		encoder:   encoder,
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		ib, err := tx.CreateBucketIfNotExists(invoiceBucket)
		if err != nil {
			return err
		}
		if err := ib.ForEach(func(k, v []byte) error {
			var info InvoiceInfo
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&info); err != nil {
				return err
			}
			r.invoices[string(k)] = info
			return nil
		}); err != nil {
			return err
		}

		pb, err := tx.CreateBucketIfNotExists(preimageBucket)
		if err != nil {
			return err
		}
		return pb.ForEach(func(k, v []byte) error {
			var preimage [32]byte
			copy(preimage[:], v)
			r.preimages[string(k)] = preimage
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func hashHex(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}

// SaveInvoice persists info, keyed by its payment hash.
func (r *Registry) SaveInvoice(info InvoiceInfo) error {
	key := hashHex(info.PaymentHash)
	r.invoices[key] = info

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(info); err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(invoiceBucket)
		return b.Put([]byte(key), buf.Bytes())
	})
}

// SetInvoiceStatus applies WithStatus and persists the result. PAID is a
// one-way door: once an invoice is PAID, it must not transition further
// (spec.md §8 testable property 4); attempting to do so is rejected.
func (r *Registry) SetInvoiceStatus(hash [32]byte, status Status) error {
	key := hashHex(hash)
	info, ok := r.invoices[key]
	if !ok {
		return errors.New("unknown payment hash: not for us")
	}
	if info.Status == Paid && status != Paid {
		return errors.New("invoice status monotonicity violation: " +
			"cannot transition out of PAID")
	}
	return r.SaveInvoice(info.WithStatus(status))
}

// Invoice looks up an InvoiceInfo by payment hash.
func (r *Registry) Invoice(hash [32]byte) (InvoiceInfo, bool) {
	info, ok := r.invoices[hashHex(hash)]
	return info, ok
}

// DeleteInvoice removes an invoice from lightning_invoices2. Per DESIGN.md,
// this intentionally does NOT reproduce the original source's bug of
// writing the delete to the (unversioned) "lightning_invoices" key: spec.md
// §9 flags that as likely-unintended and only asks for confirmation, not
// bug-for-bug fidelity.
func (r *Registry) DeleteInvoice(hash [32]byte) error {
	key := hashHex(hash)
	delete(r.invoices, key)
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(invoiceBucket)
		return b.Delete([]byte(key))
	})
}

// AddPreimage stores preimage under its SHA-256 hash, refusing to write
// any pair that does not satisfy the integrity invariant (spec.md §3/§8
// testable property 1).
func (r *Registry) AddPreimage(preimage [32]byte) error {
	hash := sha256.Sum256(preimage[:])
	key := hashHex(hash)
	r.preimages[key] = preimage

	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(preimageBucket)
		return b.Put([]byte(key), preimage[:])
	})
}

// Preimage looks up the preimage for a payment hash.
func (r *Registry) Preimage(hash [32]byte) ([32]byte, bool) {
	p, ok := r.preimages[hashHex(hash)]
	return p, ok
}

// CheckPreimageIntegrity verifies every stored (hash, preimage) pair
// satisfies SHA-256(preimage) == hash; intended for use by tests asserting
// spec.md §8 testable property 1 directly against a live Registry.
func (r *Registry) CheckPreimageIntegrity() error {
	for hexHash, preimage := range r.preimages {
		got := sha256.Sum256(preimage[:])
		if hex.EncodeToString(got[:]) != hexHash {
			return fmt.Errorf("%w: hash %s", ErrPreimageMismatch, hexHash)
		}
	}
	return nil
}

// LiveOpenChannel is the minimal view of a channel the routing-hint
// calculation needs: its remote balance and graph-facing identity.
type LiveOpenChannel struct {
	RemoteNodeID      [33]byte
	ShortChannelID    uint64
	RemoteBalanceMsat uint64
}

// CalcRoutingHintsForInvoice implements spec.md §4.5 item 1: for every live
// OPEN channel whose remote-side balance can carry amountSat (when an
// amount was given), emit one routing hint, preferring a stored graph
// policy over the deliberately-wrong (0, 0, 1) fallback so the sender still
// gets the structural hint and self-corrects via the onion error.
func CalcRoutingHintsForInvoice(channels []LiveOpenChannel, graph routing.ChannelGraph,
	amountSat *int64) []RoutingHint {

	var hints []RoutingHint
	for _, c := range channels {
		if amountSat != nil {
			if c.RemoteBalanceMsat/1000 < uint64(*amountSat) {
				continue
			}
		}

		hint := RoutingHint{
			RemoteNodeID:   c.RemoteNodeID,
			ShortChannelID: c.ShortChannelID,
		}

		if graph != nil {
			if policy, ok := graph.Policy(c.RemoteNodeID, c.ShortChannelID); ok {
				hint.FeeBaseMsat = uint32(policy.FeeBaseMsat)
				hint.FeeProportionalMillionths = policy.FeeProportionalMillionths
				hint.CLTVExpiryDelta = policy.TimeLockDelta
				hints = append(hints, hint)
				continue
			}
		}

		// No stored policy: emit the deliberately-wrong structural
		// placeholder (0, 0, 1) per spec.md §4.5 item 1.
		hint.FeeBaseMsat = 0
		hint.FeeProportionalMillionths = 0
		hint.CLTVExpiryDelta = 1
		hints = append(hints, hint)
	}
	return hints
}

// AddRequest implements spec.md §4.5's add_request: it computes routing
// hints from the caller-supplied live channel set, generates a fresh
// preimage, persists the (hash, amount, RECEIVED, UNPAID) InvoiceInfo, and
// returns the encoded BOLT-11 string.
func (r *Registry) AddRequest(channels []LiveOpenChannel, graph routing.ChannelGraph,
	amountSat *int64, message string, expiry time.Duration) (string, error) {

	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return "", err
	}
	hash := sha256.Sum256(preimage[:])

	if err := r.AddPreimage(preimage); err != nil {
		return "", err
	}

	hints := CalcRoutingHintsForInvoice(channels, graph, amountSat)

	pr, err := r.encoder.Encode(hash, amountSat, message, expiry,
		MinFinalCLTVExpiryForInvoice, hints)
	if err != nil {
		return "", err
	}

	info := InvoiceInfo{
		PaymentHash: hash,
		AmountSat:   amountSat,
		Direction:   Received,
		Status:      Unpaid,
	}
	if err := r.SaveInvoice(info); err != nil {
		return "", err
	}

	return pr, nil
}

// OnHTLCSettled is invoked by a Peer when it settles an incoming HTLC. It
// marks the matching invoice PAID and reports whether a payment_received
// notification should fire: spec.md §4.5 requires this only when the
// invoice existed, was RECEIVED, and newly became PAID. An unknown hash is
// a benign "not for us" signal in forwarding contexts.
func (r *Registry) OnHTLCSettled(hash [32]byte) (notify bool, err error) {
	info, ok := r.invoices[hashHex(hash)]
	if !ok {
		return false, nil
	}
	if info.Direction != Received {
		return false, nil
	}
	wasPaid := info.Status == Paid
	if err := r.SaveInvoice(info.WithStatus(Paid)); err != nil {
		return false, err
	}
	return !wasPaid, nil
}
