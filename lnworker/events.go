package lnworker

import "sync"

// EventKind enumerates the callback events spec.md §6 lists. Event names
// are preserved verbatim (as the Go constant's doc comment quotes them) for
// compatibility with any UI layer built against the original naming.
type EventKind uint8

const (
	// EventLNStatus: "ln_status(num_peers, num_nodes,
	// num_channels_known, num_channels_unknown)"
	EventLNStatus EventKind = iota

	// EventChannel: "channel(chan)"
	EventChannel

	// EventChannels: "channels(wallet?)"
	EventChannels

	// EventPaymentCompleted: "ln_payment_completed(ts, direction, htlc,
	// preimage, chan_id)". PaymentEngine.Pay dispatches it with (ts,
	// direction, htlc id, payment hash, channel id): the payment hash takes
	// the preimage's place, and no preimage is carried.
	EventPaymentCompleted

	// EventHTLCAdded: "htlc_added(htlc, addr, direction)"
	EventHTLCAdded

	// EventPaymentStatus: "payment_status(key, state, detail?)" with
	// state in {progress, success, failure, error}
	EventPaymentStatus

	// EventPaymentReceived: "payment_received(wallet, hex_hash, PR_PAID)".
	// Worker.OnHTLCSettled dispatches it with the [32]byte payment hash as
	// its only argument; no wallet or status argument is carried.
	EventPaymentReceived

	// EventSweepBroadcast carries a transaction (args: name string,
	// tx *wire.MsgTx) to the host's broadcaster: a generated sweep once the
	// On-Chain Reaction Loop (C6) has cleared an output's time lock, or,
	// named "force_close", our commitment transaction whenever the
	// Lifecycle Driver (C3) force-closes or rebroadcasts a channel.
	// This has no counterpart in spec.md §6's named callback list; actual
	// broadcasting is a wallet-layer concern this module delegates rather
	// than implements.
	EventSweepBroadcast
)

// PaymentState is the `state` argument of an EventPaymentStatus event.
type PaymentState uint8

const (
	PaymentProgress PaymentState = iota
	PaymentSuccess
	PaymentFailure
	PaymentError
)

// Event is a single dispatched occurrence, with the EventKind's
// documented argument list carried in Args in the same order.
type Event struct {
	Kind EventKind
	Args []interface{}
}

// Subscriber receives dispatched events. It must not block; slow
// subscribers should buffer internally.
type Subscriber func(Event)

// Bus is a typed pub-sub dispatcher, replacing the original's
// dynamically-typed `trigger_callback(name, *args)` per spec.md §9 Design
// Notes: "Dynamic callback bus ... Reimplement as a typed event enum with
// one variant per event name; subscribers register per variant; the bus
// dispatches by variant."
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventKind][]Subscriber
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[EventKind][]Subscriber)}
}

// Subscribe registers fn to be called whenever an event of kind is
// dispatched.
func (b *Bus) Subscribe(kind EventKind, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], fn)
}

// Dispatch delivers an event to every subscriber of its kind.
func (b *Bus) Dispatch(kind EventKind, args ...interface{}) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subscribers[kind]...)
	b.mu.RUnlock()

	evt := Event{Kind: kind, Args: args}
	for _, fn := range subs {
		fn(evt)
	}
}
