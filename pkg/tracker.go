package gate

/*
The invoice tracker is the state machine behind every invoice. It is a
set of pure functions: the scanner owns the working copies and calls
these once per cycle, then persists whatever changed.

Totals are always recomputed from the invoice's transfer set, which is
keyed by (txid, output index), so re-scanning a block or replacing a
reorged one can never count the same output twice.
*/

// ApplyTransfer adds a transfer to the invoice, or updates the existing
// one with the same (txid, output index), e.g. when a txpool transfer is
// mined. Reports whether anything changed.
func ApplyTransfer(inv *Invoice, t Transfer) bool {
	for n, have := range inv.Transfers {
		if have.TxID == t.TxID && have.OutputIndex == t.OutputIndex {
			if have == t {
				return false
			}
			if have.Height != 0 && t.Height == 0 {
				// already mined; the pool view is stale.
				return false
			}
			inv.Transfers[n] = t
			return true
		}
	}
	inv.Transfers = append(inv.Transfers, t)
	return true
}

// DropTransfersFrom removes mined transfers at or above height, used when
// those blocks have been reorganised away.
func DropTransfersFrom(inv *Invoice, height uint64) bool {
	kept := inv.Transfers[:0]
	dropped := false
	for _, t := range inv.Transfers {
		if t.Height != 0 && t.Height >= height {
			dropped = true
			continue
		}
		kept = append(kept, t)
	}
	inv.Transfers = kept
	return dropped
}

// ReplacePoolTransfers swaps the invoice's txpool transfers for the
// current txpool view. Mined transfers are untouched.
func ReplacePoolTransfers(inv *Invoice, pool []Transfer) bool {
	changed := false
	kept := make([]Transfer, 0, len(inv.Transfers)+len(pool))
	for _, t := range inv.Transfers {
		if t.Height == 0 && !containsTransfer(pool, t) {
			changed = true
			continue
		}
		kept = append(kept, t)
	}
	inv.Transfers = kept
	for _, t := range pool {
		if ApplyTransfer(inv, t) {
			changed = true
		}
	}
	return changed
}

func containsTransfer(list []Transfer, t Transfer) bool {
	for _, x := range list {
		if x.TxID == t.TxID && x.OutputIndex == t.OutputIndex {
			return true
		}
	}
	return false
}

// Track re-evaluates an invoice at the given daemon height (last scanned
// block + 1). Confirmed and Expired invoices are returned unchanged.
func Track(inv Invoice, currentHeight uint64) Invoice {
	if inv.State.IsTerminal() {
		return inv
	}
	var pending, confirmed uint64
	for _, t := range inv.Transfers {
		if t.Confirmations(currentHeight) >= inv.ConfirmationsRequired {
			confirmed = addSaturating(confirmed, t.Amount)
		} else {
			pending = addSaturating(pending, t.Amount)
		}
	}
	inv.AmountPaidPending = pending
	inv.AmountPaidConfirmed = confirmed
	inv.CurrentHeight = currentHeight
	inv.State = nextState(inv)
	return inv
}

func nextState(inv Invoice) InvoiceState {
	total := addSaturating(inv.AmountPaidPending, inv.AmountPaidConfirmed)
	switch {
	case inv.AmountPaidConfirmed >= inv.AmountRequested:
		// transfers confirm in chain order, so this means every transfer
		// needed to reach the amount has enough confirmations.
		return Confirmed
	case inv.CurrentHeight > inv.ExpirationHeight:
		return Expired
	case total >= inv.AmountRequested:
		return Paid
	case total > 0:
		return PartiallyPaid
	}
	return Pending
}

// NeedsNotify reports whether subscribers should hear about the change
// from old to updated: state, amounts or payment confirmations moved.
func NeedsNotify(old, updated Invoice) bool {
	if old.State != updated.State ||
		old.AmountPaidPending != updated.AmountPaidPending ||
		old.AmountPaidConfirmed != updated.AmountPaidConfirmed {
		return true
	}
	a, b := old.PaidConfirmations(), updated.PaidConfirmations()
	if (a == nil) != (b == nil) {
		return true
	}
	return a != nil && *a != *b
}

// NeedsPersist reports whether the updated invoice differs from old in
// anything stored.
func NeedsPersist(old, updated Invoice) bool {
	if NeedsNotify(old, updated) || old.CurrentHeight != updated.CurrentHeight {
		return true
	}
	if len(old.Transfers) != len(updated.Transfers) {
		return true
	}
	for n := range old.Transfers {
		if old.Transfers[n] != updated.Transfers[n] {
			return true
		}
	}
	return false
}

func addSaturating(a, b uint64) uint64 {
	if a+b < a {
		return ^uint64(0)
	}
	return a + b
}
