package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cambix/exchange/internal/config"
	"github.com/cambix/exchange/internal/errs"
	"github.com/cambix/exchange/internal/events"
	"github.com/cambix/exchange/internal/ledger"
	"github.com/cambix/exchange/internal/models"
)

// Store is the persistence the engine consumes. CommitSubmit and
// CommitCancel must apply their whole commit in one transaction: if
// they return an error, nothing may have been written.
type Store interface {
	GetAccount(ctx context.Context, id int) (*models.Account, error)
	GetOrder(ctx context.Context, id int) (*models.Order, error)
	ActiveOrders(ctx context.Context) ([]models.Order, error)
	CommitSubmit(ctx context.Context, c *SubmitCommit) error
	CommitCancel(ctx context.Context, c *CancelCommit) error
}

// SubmitCommit is everything one submit call produced. The store
// assigns Taker.ID and the taker-side order id on each operation when
// it inserts the rows.
type SubmitCommit struct {
	Taker       *models.Order
	TakerSide   models.Side
	MakerOrders []models.Order
	Operations  []*models.Operation
	Accounts    []*models.Account
}

// CancelCommit is the outcome of one cancel call.
type CancelCommit struct {
	Order   models.Order
	Account *models.Account // nil when the owner is a market maker
}

// SubmitRequest is an incoming order from an authenticated account.
type SubmitRequest struct {
	AccountID int
	Side      models.Side
	UsdAmount float64
	Rate      float64
	Hidden    bool
}

// Engine orchestrates order admission, fund reservation, matching,
// settlement and event emission. All submit and cancel calls are
// serialized by a single mutex: at any time there is at most one
// in-flight mutation of the book and of any account's balances.
//
// Each call works on copies of the orders and accounts it touches and
// hands the result to the store as one commit. The in-memory book is
// only updated after the commit succeeds, so a persistence failure
// leaves no partial state anywhere.
type Engine struct {
	mu    sync.Mutex
	book  *OrderBook
	store Store
	cfg   *config.Config
	bus   events.Publisher
	log   *logrus.Logger
}

// NewEngine creates an engine over an empty book.
func NewEngine(store Store, cfg *config.Config, bus events.Publisher, log *logrus.Logger) *Engine {
	return &Engine{
		book:  NewOrderBook(),
		store: store,
		cfg:   cfg,
		bus:   bus,
		log:   log,
	}
}

// Locker exposes the engine mutex so the ranking reset can hold it
// while rewriting balances.
func (e *Engine) Locker() sync.Locker {
	return &e.mu
}

// LoadOpenOrders fills the book with the active orders from storage.
// Called once at startup before the engine accepts requests.
func (e *Engine) LoadOpenOrders(ctx context.Context) error {
	orders, err := e.store.ActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range orders {
		e.book.Insert(o)
	}
	return nil
}

// Submit validates and reserves funds for an incoming order, matches
// it against the book, settles every fill and rests any remainder.
// It returns the stored order and the operations it produced.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*models.Order, []*models.Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	account, err := e.validate(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	if err := ledger.Reserve(account, req.Side, req.UsdAmount, req.Rate); err != nil {
		return nil, nil, err
	}

	taker := &models.Order{
		AccountID:     req.AccountID,
		Side:          req.Side,
		RemainingUsd:  req.UsdAmount,
		Rate:          req.Rate,
		Status:        models.StatusActive,
		VisibleInBook: !req.Hidden,
		CreatedAt:     time.Now(),
	}

	// Accounts touched by this call, keyed by id. The taker's account
	// already carries the reservation debit.
	accounts := map[int]*models.Account{account.ID: account}

	commit := &SubmitCommit{Taker: taker, TakerSide: req.Side}
	for _, resting := range e.book.FindMatches(*taker) {
		if taker.RemainingUsd <= 0 {
			break
		}
		maker := resting
		qty := min(taker.RemainingUsd, maker.RemainingUsd)
		execRate := maker.Rate // the resting order is always price-maker

		op, err := e.fill(ctx, accounts, taker, &maker, qty, execRate)
		if err != nil {
			return nil, nil, err
		}
		commit.Operations = append(commit.Operations, op)
		commit.MakerOrders = append(commit.MakerOrders, maker)
	}

	for _, a := range accounts {
		if !a.IsMarketMaker() {
			commit.Accounts = append(commit.Accounts, a)
		}
	}

	if err := e.store.CommitSubmit(ctx, commit); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"account_id": req.AccountID,
			"side":       req.Side,
			"usd_amount": req.UsdAmount,
		}).Error("submit commit failed")
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrEngineUnavailable, err)
	}

	// Commit succeeded: fold the result into the book.
	for _, maker := range commit.MakerOrders {
		if maker.Status == models.StatusCompleted {
			e.book.Remove(maker.ID)
		} else {
			e.book.UpdateRemaining(maker.ID, maker.RemainingUsd)
		}
	}
	if taker.IsActive() {
		e.book.Insert(*taker)
	}

	e.bus.Publish(events.OrderCreated, taker)
	settled := make(map[int]bool)
	for _, op := range commit.Operations {
		e.bus.Publish(events.OperationExecuted, op)
		settled[op.BuyerID] = true
		settled[op.SellerID] = true
	}
	for _, a := range commit.Accounts {
		if settled[a.ID] {
			e.publishBalance(a)
		}
	}

	e.log.WithFields(logrus.Fields{
		"order_id":   taker.ID,
		"account_id": taker.AccountID,
		"side":       taker.Side,
		"operations": len(commit.Operations),
		"remaining":  taker.RemainingUsd,
	}).Info("order submitted")

	return taker, commit.Operations, nil
}

// fill executes one match: creates the operation record, settles both
// ledgers and decrements both orders, completing any that reach zero.
func (e *Engine) fill(ctx context.Context, accounts map[int]*models.Account, taker, maker *models.Order, qty, execRate float64) (*models.Operation, error) {
	buyOrder, sellOrder := taker, maker
	if taker.Side == models.SideSell {
		buyOrder, sellOrder = maker, taker
	}

	buyer, err := e.account(ctx, accounts, buyOrder.AccountID)
	if err != nil {
		return nil, err
	}
	seller, err := e.account(ctx, accounts, sellOrder.AccountID)
	if err != nil {
		return nil, err
	}

	pen := qty * execRate
	op := &models.Operation{
		// The taker has no id yet; the store fills its side on commit.
		BuyOrderID:       buyOrder.ID,
		SellOrderID:      sellOrder.ID,
		BuyerID:          buyer.ID,
		SellerID:         seller.ID,
		UsdAmount:        qty,
		Rate:             execRate,
		BuyerCommission:  ledger.Commission(buyer, pen),
		SellerCommission: ledger.Commission(seller, pen),
		ExecutedAt:       time.Now(),
	}

	ledger.SettleBuyFill(buyer, qty)
	ledger.SettleSellFill(seller, qty, execRate)

	now := op.ExecutedAt
	taker.RemainingUsd -= qty
	if taker.RemainingUsd <= 0 {
		taker.RemainingUsd = 0
		taker.Status = models.StatusCompleted
		taker.FilledAt = &now
	}
	maker.RemainingUsd -= qty
	if maker.RemainingUsd <= 0 {
		maker.RemainingUsd = 0
		maker.Status = models.StatusCompleted
		maker.FilledAt = &now
	}
	return op, nil
}

// Cancel releases an active order's reserved funds and removes it from
// the book. The requester must own the order or be an admin.
func (e *Engine) Cancel(ctx context.Context, orderID, requesterID int) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.MarketOpen() {
		return nil, errs.MarketClosed()
	}

	stored, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEngineUnavailable, err)
	}
	if stored == nil {
		return nil, errs.NotFound("order")
	}

	requester, err := e.store.GetAccount(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEngineUnavailable, err)
	}
	if requester == nil {
		return nil, errs.NotFound("account")
	}
	if stored.AccountID != requesterID && !requester.IsAdmin() {
		return nil, errs.Unauthorized("you can only cancel your own orders")
	}
	if !stored.IsActive() {
		return nil, errs.Validation("only active orders can be cancelled")
	}

	// The book copy carries the current remaining quantity.
	order, ok := e.book.Get(orderID)
	if !ok {
		order = *stored
	}

	owner := requester
	if order.AccountID != requesterID {
		owner, err = e.store.GetAccount(ctx, order.AccountID)
		if err != nil || owner == nil {
			return nil, fmt.Errorf("%w: owner lookup failed: %v", errs.ErrEngineUnavailable, err)
		}
	}

	// Release exactly what is still reserved, at the original rate.
	ledger.Release(owner, order.Side, order.RemainingUsd, order.Rate)

	now := time.Now()
	order.Status = models.StatusCancelled
	order.FilledAt = &now

	commit := &CancelCommit{Order: order}
	if !owner.IsMarketMaker() {
		commit.Account = owner
	}
	if err := e.store.CommitCancel(ctx, commit); err != nil {
		e.log.WithError(err).WithField("order_id", orderID).Error("cancel commit failed")
		return nil, fmt.Errorf("%w: %v", errs.ErrEngineUnavailable, err)
	}

	e.book.Remove(orderID)
	e.bus.Publish(events.OrderCancelled, &order)

	e.log.WithFields(logrus.Fields{
		"order_id":     orderID,
		"requester_id": requesterID,
	}).Info("order cancelled")

	return &order, nil
}

// Snapshot returns the top-depth visible orders per side.
func (e *Engine) Snapshot(depth int) (buys, sells []models.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Snapshot(depth)
}

func (e *Engine) validate(ctx context.Context, req SubmitRequest) (*models.Account, error) {
	if !e.cfg.MarketOpen() {
		return nil, errs.MarketClosed()
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return nil, errs.Validation("side must be 'buy' or 'sell'")
	}
	if req.UsdAmount < e.cfg.MinOrderUsd {
		return nil, errs.Validation("minimum order amount is %.0f USD", e.cfg.MinOrderUsd)
	}
	if req.UsdAmount > e.cfg.MaxOrderUsd {
		return nil, errs.Validation("maximum order amount is %.0f USD", e.cfg.MaxOrderUsd)
	}
	if req.Rate < e.cfg.MinRate || req.Rate > e.cfg.MaxRate {
		return nil, errs.Validation("rate must be between %g and %g", e.cfg.MinRate, e.cfg.MaxRate)
	}

	account, err := e.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEngineUnavailable, err)
	}
	if account == nil {
		return nil, errs.NotFound("account")
	}

	if !account.IsMarketMaker() {
		if n := e.book.CountActive(req.AccountID, req.Side); n >= e.cfg.MaxActiveOrders {
			return nil, errs.Validation("maximum number of active %s orders (%d) reached", req.Side, e.cfg.MaxActiveOrders)
		}
	}
	return account, nil
}

func (e *Engine) account(ctx context.Context, cache map[int]*models.Account, id int) (*models.Account, error) {
	if a, ok := cache[id]; ok {
		return a, nil
	}
	a, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEngineUnavailable, err)
	}
	if a == nil {
		return nil, errs.NotFound("account")
	}
	cache[id] = a
	return a, nil
}

func (e *Engine) publishBalance(a *models.Account) {
	e.bus.Publish(events.BalanceUpdated, map[string]any{
		"account_id":  a.ID,
		"usd_balance": a.UsdBalance,
		"pen_balance": a.PenBalance,
	})
}
