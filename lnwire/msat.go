package lnwire

import "github.com/btcsuite/btcutil"

// MilliSatoshi represents a thousandth of a satoshi, the unit the BOLT wire
// protocol uses for HTLC and fee amounts so that sub-satoshi fee
// accumulation can be represented exactly.
type MilliSatoshi uint64

// ToSatoshis converts the amount to a rounded-down whole-satoshi amount.
func (m MilliSatoshi) ToSatoshis() btcutil.Amount {
	return btcutil.Amount(m / 1000)
}

// NewMSatFromSatoshis creates a MilliSatoshi amount from a whole-satoshi
// amount.
func NewMSatFromSatoshis(sat btcutil.Amount) MilliSatoshi {
	return MilliSatoshi(sat * 1000)
}
