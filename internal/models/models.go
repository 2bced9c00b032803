package models

import "time"

// AccountKind is a closed set of account roles.
type AccountKind string

const (
	KindRegular     AccountKind = "regular"
	KindMarketMaker AccountKind = "market_maker"
	KindAdmin       AccountKind = "admin"
)

// Side of an order: "buy" or "sell".
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus values. COMPLETED and CANCELLED are terminal.
type OrderStatus string

const (
	StatusActive    OrderStatus = "active"
	StatusCompleted OrderStatus = "completed"
	StatusCancelled OrderStatus = "cancelled"
)

// Account holds a participant's balances and ranking state.
// initial_usd/initial_pen are the profit baseline snapshotted at
// registration and never change outside a ranking reset.
type Account struct {
	ID                  int         `json:"id"`
	Username            string      `json:"username"`
	PasswordHash        string      `json:"-"`
	Kind                AccountKind `json:"kind"`
	UsdBalance          float64     `json:"usd_balance"`
	PenBalance          float64     `json:"pen_balance"`
	InitialUsd          float64     `json:"initial_usd"`
	InitialPen          float64     `json:"initial_pen"`
	CommissionRate      float64     `json:"commission_rate"`
	CompletedOperations int         `json:"completed_operations"`
	ProfitPercentage    float64     `json:"profit_percentage"`
	RankingPosition     int         `json:"ranking_position"` // 0 = unranked
	CreatedAt           time.Time   `json:"created_at"`
}

// IsMarketMaker reports whether the account bypasses balance checks.
func (a *Account) IsMarketMaker() bool {
	return a.Kind == KindMarketMaker
}

// IsAdmin reports whether the account has administrative rights.
func (a *Account) IsAdmin() bool {
	return a.Kind == KindAdmin
}

// Order is a priced request to buy or sell USD against PEN.
// RemainingUsd only decreases while ACTIVE; it reaching zero and the
// transition to COMPLETED happen together.
type Order struct {
	ID            int         `json:"id"`
	AccountID     int         `json:"account_id"`
	Side          Side        `json:"side"`
	RemainingUsd  float64     `json:"remaining_usd"`
	Rate          float64     `json:"rate"` // limit rate, USD priced in PEN
	Status        OrderStatus `json:"status"`
	VisibleInBook bool        `json:"visible_in_book"`
	CreatedAt     time.Time   `json:"created_at"` // time-priority tie break
	FilledAt      *time.Time  `json:"filled_at,omitempty"`
}

// IsActive reports whether the order can still match or be cancelled.
func (o *Order) IsActive() bool {
	return o.Status == StatusActive
}

// PenAmount is the PEN notional of the remaining quantity at the limit rate.
func (o *Order) PenAmount() float64 {
	return o.RemainingUsd * o.Rate
}

// CanMatch reports whether o (taker) is price-compatible with a resting
// order on the opposite side owned by a different account.
func (o *Order) CanMatch(resting *Order) bool {
	if o.AccountID == resting.AccountID {
		return false
	}
	if o.Side == resting.Side {
		return false
	}
	if !o.IsActive() || !resting.IsActive() {
		return false
	}
	if o.Side == SideBuy {
		return o.Rate >= resting.Rate
	}
	return o.Rate <= resting.Rate
}

// Operation is an immutable record of one executed match. The rate is
// always the resting (maker) order's rate. Buyer/seller ids are stored
// redundantly so the record stays stable even if an order changes later.
type Operation struct {
	ID               int       `json:"id"`
	BuyOrderID       int       `json:"buy_order_id"`
	SellOrderID      int       `json:"sell_order_id"`
	BuyerID          int       `json:"buyer_id"`
	SellerID         int       `json:"seller_id"`
	UsdAmount        float64   `json:"usd_amount"`
	Rate             float64   `json:"rate"`
	BuyerCommission  float64   `json:"buyer_commission"`
	SellerCommission float64   `json:"seller_commission"`
	ExecutedAt       time.Time `json:"executed_at"`
}

// PenAmount is the PEN notional of the operation.
func (op *Operation) PenAmount() float64 {
	return op.UsdAmount * op.Rate
}
