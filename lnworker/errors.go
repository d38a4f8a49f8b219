package lnworker

import "github.com/go-errors/errors"

// Error taxonomy, per spec.md §7.
var (
	// ErrConnStringFormat signals a malformed "node@host:port", a peer
	// with no known addresses and none supplied, or a DNS resolution
	// failure.
	ErrConnStringFormat = errors.New("malformed peer connection string")

	// ErrInvoiceExpired is returned by invoice validation for an expired
	// invoice.
	ErrInvoiceExpired = errors.New("invoice has expired")

	// ErrInvoiceMissingAmount is returned when an invoice carries no
	// amount and the caller did not supply one.
	ErrInvoiceMissingAmount = errors.New("invoice has no amount and " +
		"none was supplied")

	// ErrInvoiceCLTVTooLarge is returned when an invoice's
	// min_final_cltv_expiry exceeds MaxMinFinalCLTVExpiry.
	ErrInvoiceCLTVTooLarge = errors.New("invoice min_final_cltv_expiry " +
		"exceeds the maximum allowed")

	// ErrWrongNetwork is returned when an invoice's network prefix does
	// not match the worker's configured network.
	ErrWrongNetwork = errors.New("invoice is for the wrong network")

	// ErrNoPathFound is returned when no route (hinted or direct) could
	// be constructed to the payee.
	ErrNoPathFound = errors.New("no path found")

	// ErrRouteNotSane is returned when a constructed route fails
	// IsRouteSaneToUse.
	ErrRouteNotSane = errors.New("route is not sane to use")

	// ErrAlreadyPaid is returned by Pay when the invoice's status is
	// already PAID: "This invoice has been paid already" (spec.md §8 S2).
	ErrAlreadyPaid = errors.New("this invoice has been paid already")

	// ErrFirstHopNotOurChannel is returned when a route's first hop does
	// not resolve to one of our own live channels.
	ErrFirstHopNotOurChannel = errors.New("route's first hop is not a " +
		"channel we own")

	// ErrUnknownPaymentHash signals a lookup miss in the invoice store;
	// often benign in forwarding contexts (spec.md §7).
	ErrUnknownPaymentHash = errors.New("unknown payment hash")

	// ErrTimeout is returned when a foreign-thread call exceeds its
	// budget.
	ErrTimeout = errors.New("operation timed out")

	// ErrPeerNotConnected is returned when an operation requires a live
	// Peer that is not currently connected.
	ErrPeerNotConnected = errors.New("peer is not connected")

	// ErrChannelClosed is returned when an operation requires a channel
	// that is not closed (spec.md §3: "is_closed() => no further HTLCs
	// may be attempted through this channel").
	ErrChannelClosed = errors.New("channel is closed")

	// ErrUnknownChannel is returned when on_channel_closed names a
	// funding outpoint that does not match any channel we have open.
	ErrUnknownChannel = errors.New("no channel for the given funding outpoint")
)
