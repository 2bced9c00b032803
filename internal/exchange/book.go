package exchange

import (
	"sort"

	"github.com/cambix/exchange/internal/models"
)

// OrderBook holds all ACTIVE orders, each side kept sorted by
// price-time priority: buys highest rate first, sells lowest rate
// first, ties broken by earliest creation. The book is not safe for
// concurrent use; the engine serializes access.
type OrderBook struct {
	buyOrders  []models.Order
	sellOrders []models.Order
}

// NewOrderBook creates an empty order book.
func NewOrderBook() *OrderBook {
	return &OrderBook{
		buyOrders:  []models.Order{},
		sellOrders: []models.Order{},
	}
}

// Insert adds an active order to its side and re-sorts that side.
func (b *OrderBook) Insert(order models.Order) {
	if order.Side == models.SideBuy {
		b.buyOrders = append(b.buyOrders, order)
		sort.SliceStable(b.buyOrders, func(i, j int) bool {
			if b.buyOrders[i].Rate == b.buyOrders[j].Rate {
				return b.buyOrders[i].CreatedAt.Before(b.buyOrders[j].CreatedAt)
			}
			return b.buyOrders[i].Rate > b.buyOrders[j].Rate
		})
	} else {
		b.sellOrders = append(b.sellOrders, order)
		sort.SliceStable(b.sellOrders, func(i, j int) bool {
			if b.sellOrders[i].Rate == b.sellOrders[j].Rate {
				return b.sellOrders[i].CreatedAt.Before(b.sellOrders[j].CreatedAt)
			}
			return b.sellOrders[i].Rate < b.sellOrders[j].Rate
		})
	}
}

// Remove deletes the order with the given id from either side.
// Returns false if the order is not in the book.
func (b *OrderBook) Remove(orderID int) bool {
	for i, o := range b.buyOrders {
		if o.ID == orderID {
			b.buyOrders = append(b.buyOrders[:i], b.buyOrders[i+1:]...)
			return true
		}
	}
	for i, o := range b.sellOrders {
		if o.ID == orderID {
			b.sellOrders = append(b.sellOrders[:i], b.sellOrders[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateRemaining lowers a resting order's remaining quantity after a
// partial fill. Sort order is unaffected since rate and creation time
// do not change.
func (b *OrderBook) UpdateRemaining(orderID int, newRemaining float64) bool {
	for i := range b.buyOrders {
		if b.buyOrders[i].ID == orderID {
			b.buyOrders[i].RemainingUsd = newRemaining
			return true
		}
	}
	for i := range b.sellOrders {
		if b.sellOrders[i].ID == orderID {
			b.sellOrders[i].RemainingUsd = newRemaining
			return true
		}
	}
	return false
}

// Get returns a copy of the order with the given id.
func (b *OrderBook) Get(orderID int) (models.Order, bool) {
	for _, o := range b.buyOrders {
		if o.ID == orderID {
			return o, true
		}
	}
	for _, o := range b.sellOrders {
		if o.ID == orderID {
			return o, true
		}
	}
	return models.Order{}, false
}

// FindMatches returns copies of the resting orders the incoming order
// can fill, already in execution order: opposite side, not the same
// account, price-compatible, best price first, earliest first on
// ties. Hidden orders still participate. The scan stops once the
// candidates can absorb the incoming quantity.
func (b *OrderBook) FindMatches(incoming models.Order) []models.Order {
	var candidates []models.Order
	remaining := incoming.RemainingUsd

	side := b.sellOrders
	if incoming.Side == models.SideSell {
		side = b.buyOrders
	}

	for _, resting := range side {
		if remaining <= 0 {
			break
		}
		if !incoming.CanMatch(&resting) {
			continue
		}
		candidates = append(candidates, resting)
		remaining -= resting.RemainingUsd
	}
	return candidates
}

// CountActive counts the account's resting orders on one side. Used to
// enforce the per-side active-order limit.
func (b *OrderBook) CountActive(accountID int, side models.Side) int {
	orders := b.buyOrders
	if side == models.SideSell {
		orders = b.sellOrders
	}
	n := 0
	for _, o := range orders {
		if o.AccountID == accountID {
			n++
		}
	}
	return n
}

// Snapshot returns up to depth visible orders per side for market
// display. Pure read; hidden orders are excluded but keep matching.
func (b *OrderBook) Snapshot(depth int) (buys, sells []models.Order) {
	for _, o := range b.buyOrders {
		if len(buys) >= depth {
			break
		}
		if o.VisibleInBook {
			buys = append(buys, o)
		}
	}
	for _, o := range b.sellOrders {
		if len(sells) >= depth {
			break
		}
		if o.VisibleInBook {
			sells = append(sells, o)
		}
	}
	return buys, sells
}
