// Package ledger owns the fund-availability checks and balance
// arithmetic for a single account. All functions mutate the passed
// account value in place; callers decide when the result is persisted.
//
// Market-maker accounts bypass every check and mutation: they trade
// with unlimited funds and never reserve, release or settle.
package ledger

import (
	"github.com/cambix/exchange/internal/errs"
	"github.com/cambix/exchange/internal/models"
)

// Commission returns the fee on a PEN notional at the account's rate.
func Commission(a *models.Account, penAmount float64) float64 {
	return penAmount * a.CommissionRate
}

// required returns the amount a reservation debits: for BUY the PEN
// notional plus commission, for SELL the USD quantity itself. The
// buyer's commission is collected here, at reservation time, which is
// why settlement never debits it again.
func required(a *models.Account, side models.Side, usdAmount, rate float64) float64 {
	if side == models.SideBuy {
		pen := usdAmount * rate
		return pen + Commission(a, pen)
	}
	return usdAmount
}

// CanAfford reports whether the account can cover a reservation for an
// order of the given side, quantity and limit rate.
func CanAfford(a *models.Account, side models.Side, usdAmount, rate float64) bool {
	if a.IsMarketMaker() {
		return true
	}
	if side == models.SideBuy {
		return a.PenBalance >= required(a, side, usdAmount, rate)
	}
	return a.UsdBalance >= usdAmount
}

// Reserve debits the funds an order locks up at placement time.
// Nothing is touched when the check fails.
func Reserve(a *models.Account, side models.Side, usdAmount, rate float64) error {
	if a.IsMarketMaker() {
		return nil
	}
	if !CanAfford(a, side, usdAmount, rate) {
		return errs.InsufficientFunds()
	}
	if side == models.SideBuy {
		a.PenBalance -= required(a, side, usdAmount, rate)
	} else {
		a.UsdBalance -= usdAmount
	}
	return nil
}

// Release reverses exactly what Reserve debited for the same
// parameters. It must be called with the order's original limit rate,
// never an execution rate, or the refund would not match the debit.
func Release(a *models.Account, side models.Side, usdAmount, rate float64) {
	if a.IsMarketMaker() {
		return
	}
	if side == models.SideBuy {
		a.PenBalance += required(a, side, usdAmount, rate)
	} else {
		a.UsdBalance += usdAmount
	}
}

// SettleBuyFill credits the buyer with the matched USD. The PEN cost
// including commission was already debited by Reserve, so no PEN moves
// here; the commission stored on the operation record is audit data,
// not a second debit.
func SettleBuyFill(a *models.Account, usdAmount float64) {
	if a.IsMarketMaker() {
		return
	}
	a.UsdBalance += usdAmount
	a.CompletedOperations++
}

// SettleSellFill credits the seller with the PEN proceeds at the
// execution rate, net of commission. The USD side was debited by
// Reserve.
func SettleSellFill(a *models.Account, usdAmount, rate float64) {
	if a.IsMarketMaker() {
		return
	}
	pen := usdAmount * rate
	a.PenBalance += pen - Commission(a, pen)
	a.CompletedOperations++
}
