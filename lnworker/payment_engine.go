package lnworker

import (
	"context"
	"time"

	"github.com/breez/lnworker/invoices"
	"github.com/breez/lnworker/lnwire"
	"github.com/breez/lnworker/routing"
	"github.com/btcsuite/btcutil"
)

// PaymentEngine is C4: it validates an invoice, builds a route (private
// hints first, then a direct path), drives up to Attempts tries through the
// owning Peer, and updates the invoice's status as the attempt resolves.
type PaymentEngine struct {
	w *Worker
}

// checkInvoice implements `_check_invoice` (spec.md §4.4): reject an
// expired invoice, substitute a caller-supplied amount override, reject a
// missing amount, reject an excessive min_final_cltv_expiry, and reject an
// invoice for the wrong network.
func (pe *PaymentEngine) checkInvoice(parsed parsedInvoice, amountOverrideSat *int64) (int64, error) {
	if parsed.Expired {
		return 0, ErrInvoiceExpired
	}
	if parsed.Net != pe.w.cfg.Net {
		return 0, ErrWrongNetwork
	}

	amount := parsed.AmountSat
	if amountOverrideSat != nil {
		amount = amountOverrideSat
	}
	if amount == nil {
		return 0, ErrInvoiceMissingAmount
	}
	if parsed.MinFinalCLTVExpiry > MaxMinFinalCLTVExpiry {
		return 0, ErrInvoiceCLTVTooLarge
	}
	return *amount, nil
}

// parsedInvoice is the subset of a decoded BOLT-11 payment request the
// engine needs. Decoding the bech32 string itself is out of scope (per
// spec.md §1); the host is expected to have already run it through its own
// BOLT-11 codec and hand the engine this struct directly.
type parsedInvoice struct {
	PaymentHash        [32]byte
	AmountSat          *int64
	Expired            bool
	MinFinalCLTVExpiry uint32
	Net                lnwire.ChainNet
	Payee              [33]byte
	Hints              [][]invoices.RoutingHint
}

// createRouteFromInvoice implements `_create_route_from_invoice` (spec.md
// §4.4 item 1): try each private route hint (shuffled), building a route to
// the hint's border node and appending the hinted hops with stored-policy
// overrides; fall back to a direct route to the payee if no hint produces a
// sane route.
func (pe *PaymentEngine) createRouteFromInvoice(parsed parsedInvoice, amtMsat lnwire.MilliSatoshi) (*routing.Route, error) {
	hints := append([][]invoices.RoutingHint(nil), parsed.Hints...)
	shuffleHints(hints, pe.w.rand)

	for _, hint := range hints {
		if len(hint) < 1 || len(hint) > routing.NumMaxEdgesInPaymentPath {
			continue
		}

		borderNode := hint[0].RemoteNodeID
		hops, err := pe.w.pathFinder.FindPath(pe.identity(), borderNode, amtMsat)
		if err != nil {
			continue
		}

		route := pe.appendHintedHops(hops, hint, parsed.Payee, amtMsat)
		if routing.IsRouteSaneToUse(route, amtMsat, parsed.MinFinalCLTVExpiry) {
			return route, nil
		}
	}

	hops, err := pe.w.pathFinder.FindPath(pe.identity(), parsed.Payee, amtMsat)
	if err != nil {
		return nil, ErrNoPathFound
	}
	route := &routing.Route{Hops: hops, TotalAmount: amtMsat, TotalTimeLock: routeTimeLock(hops)}
	if !routing.IsRouteSaneToUse(route, amtMsat, parsed.MinFinalCLTVExpiry) {
		return nil, ErrRouteNotSane
	}
	return route, nil
}

func (pe *PaymentEngine) identity() [33]byte {
	var id [33]byte
	if pe.w.identityKey != nil {
		copy(id[:], pe.w.identityKey.SerializeCompressed())
	}
	return id
}

// appendHintedHops converts a public path to the hint's border node into a
// Route, then appends the private hint hops, shifting node identities by
// one so each edge's destination is the next hop — the last destination
// being the invoice payee — and letting a stored channel-graph policy
// override a hint's published fee/expiry terms when one is known, per
// spec.md §4.4 item 1.
func (pe *PaymentEngine) appendHintedHops(publicHops []routing.RouteHop,
	hint []invoices.RoutingHint, payee [33]byte, amtMsat lnwire.MilliSatoshi) *routing.Route {

	hops := append([]routing.RouteHop(nil), publicHops...)

	for i, h := range hint {
		dest := payee
		if i+1 < len(hint) {
			dest = hint[i+1].RemoteNodeID
		}
		hop := routing.RouteHop{
			PubKeyBytes:               dest,
			ShortChannelID:            h.ShortChannelID,
			FeeBaseMsat:               lnwire.MilliSatoshi(h.FeeBaseMsat),
			FeeProportionalMillionths: h.FeeProportionalMillionths,
			OutgoingTimeLock:          uint32(h.CLTVExpiryDelta),
		}

		prevNode := h.RemoteNodeID
		if pe.w.graph != nil {
			if policy, ok := pe.w.graph.Policy(prevNode, h.ShortChannelID); ok {
				hop.FeeBaseMsat = policy.FeeBaseMsat
				hop.FeeProportionalMillionths = policy.FeeProportionalMillionths
				hop.OutgoingTimeLock = uint32(policy.TimeLockDelta)
			}
		}

		hops = append(hops, hop)
	}

	for i := range hops {
		hops[i].AmtToForward = amtMsat
	}

	return &routing.Route{
		Hops:          hops,
		TotalAmount:   amtMsat,
		TotalTimeLock: routeTimeLock(hops),
	}
}

func routeTimeLock(hops []routing.RouteHop) uint32 {
	var total uint32
	for _, h := range hops {
		total += h.OutgoingTimeLock
	}
	return total
}

// shuffleHints Fisher-Yates shuffles hint in place using the worker's
// candidate-selection randomness seam, so route selection among equally
// plausible hints isn't biased toward whichever the invoice listed first.
func shuffleHints(hints [][]invoices.RoutingHint, rnd func(int) int) {
	for i := len(hints) - 1; i > 0; i-- {
		j := rnd(i + 1)
		hints[i], hints[j] = hints[j], hints[i]
	}
}

// Pay implements `_pay` (spec.md §4.4): reject an already-PAID invoice,
// persist an UNPAID/SENT InvoiceInfo, then drive up to `attempts` fresh
// route+send cycles, awaiting the PendingPayments future for each.
func (pe *PaymentEngine) Pay(ctx context.Context, parsed parsedInvoice,
	amountOverrideSat *int64, attempts int) (bool, error) {

	pe.w.mu.Lock()
	existing, ok := pe.w.invoiceStore.Invoice(parsed.PaymentHash)
	pe.w.mu.Unlock()
	if ok && existing.Status == invoices.Paid {
		return false, ErrAlreadyPaid
	}

	amountSat, err := pe.checkInvoice(parsed, amountOverrideSat)
	if err != nil {
		return false, err
	}
	amtMsat := lnwire.NewMSatFromSatoshis(btcutil.Amount(amountSat))

	pe.w.mu.Lock()
	_ = pe.w.invoiceStore.SaveInvoice(invoices.InvoiceInfo{
		PaymentHash: parsed.PaymentHash,
		AmountSat:   &amountSat,
		Direction:   invoices.Sent,
		Status:      invoices.Unpaid,
	})
	pe.w.mu.Unlock()

	for i := 0; i < attempts; i++ {
		route, err := pe.createRouteFromInvoice(parsed, amtMsat)
		if err != nil {
			pymtLog.Debugf("attempt %d: route construction failed: %v", i, err)
			continue
		}

		scid, ok := route.FirstHopChannelID()
		if !ok {
			continue
		}
		channel, ok := pe.w.channels.GetChannelByShortID(scid)
		if !ok {
			return false, ErrFirstHopNotOurChannel
		}
		if channel.IsClosed() {
			return false, ErrChannelClosed
		}
		peer, ok := pe.w.peerByPubKey(channel.NodeID)
		if !ok {
			continue
		}

		pe.w.mu.Lock()
		_ = pe.w.invoiceStore.SetInvoiceStatus(parsed.PaymentHash, invoices.Inflight)
		pe.w.mu.Unlock()
		pe.w.bus.Dispatch(EventPaymentStatus, parsed.PaymentHash, PaymentProgress)

		htlcID, err := peer.Pay(route, channel.FundingOutpoint, amtMsat,
			parsed.PaymentHash, parsed.MinFinalCLTVExpiry)
		if err != nil {
			pymtLog.Debugf("attempt %d: peer rejected htlc: %v", i, err)
			continue
		}

		key := pendingKey{ShortChannelID: scid, HTLCID: htlcID}
		pe.w.mu.Lock()
		ch := pe.w.pending.await(key)
		pe.w.mu.Unlock()

		select {
		case success := <-ch:
			if success {
				pe.w.mu.Lock()
				_ = pe.w.invoiceStore.SetInvoiceStatus(parsed.PaymentHash, invoices.Paid)
				pe.w.mu.Unlock()
				pe.w.bus.Dispatch(EventPaymentStatus, parsed.PaymentHash, PaymentSuccess)
				pe.w.bus.Dispatch(EventPaymentCompleted, time.Now().Unix(),
					invoices.Sent, htlcID, parsed.PaymentHash, channel.ChannelID)
				return true, nil
			}
			pe.w.mu.Lock()
			_ = pe.w.invoiceStore.SetInvoiceStatus(parsed.PaymentHash, invoices.Unpaid)
			pe.w.mu.Unlock()
			pe.w.bus.Dispatch(EventPaymentStatus, parsed.PaymentHash, PaymentFailure)
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	return false, nil
}
