package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cambix/exchange/internal/exchange"
	"github.com/cambix/exchange/internal/models"
	"github.com/cambix/exchange/internal/ranking"
)

// DB wraps a PostgreSQL connection pool. It implements the store
// interfaces of the matching engine, the ranking engine, the auth
// service and the HTTP handlers.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

const accountColumns = `id, username, password_hash, kind, usd_balance, pen_balance,
	initial_usd, initial_pen, commission_rate, completed_operations,
	profit_percentage, ranking_position, created_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	a := &models.Account{}
	err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Kind, &a.UsdBalance,
		&a.PenBalance, &a.InitialUsd, &a.InitialPen, &a.CommissionRate,
		&a.CompletedOperations, &a.ProfitPercentage, &a.RankingPosition, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CreateAccount inserts a new account with its initial balances.
func (db *DB) CreateAccount(ctx context.Context, username, passwordHash string, kind models.AccountKind, initialUsd, initialPen, commissionRate float64) (*models.Account, error) {
	row := db.Pool.QueryRow(ctx,
		`INSERT INTO accounts (username, password_hash, kind, usd_balance, pen_balance,
			initial_usd, initial_pen, commission_rate)
		 VALUES ($1, $2, $3, $4, $5, $4, $5, $6)
		 RETURNING `+accountColumns,
		username, passwordHash, kind, initialUsd, initialPen, commissionRate)
	a, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return a, nil
}

// GetAccountByUsername retrieves an account by username. Returns
// (nil, nil) when no such account exists.
func (db *DB) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE username = $1`, username)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// GetAccount retrieves an account by id. Returns (nil, nil) when no
// such account exists.
func (db *DB) GetAccount(ctx context.Context, id int) (*models.Account, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

const orderColumns = `id, account_id, side, remaining_usd, rate, status,
	visible_in_book, created_at, filled_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.AccountID, &o.Side, &o.RemainingUsd, &o.Rate,
		&o.Status, &o.VisibleInBook, &o.CreatedAt, &o.FilledAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrder retrieves an order by id. Returns (nil, nil) when no such
// order exists.
func (db *DB) GetOrder(ctx context.Context, id int) (*models.Order, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (db *DB) queryOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ActiveOrders retrieves every active order, oldest first. Used to
// rebuild the in-memory book at startup.
func (db *DB) ActiveOrders(ctx context.Context) ([]models.Order, error) {
	return db.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = 'active' ORDER BY created_at ASC`)
}

// ActiveOrdersByAccount retrieves an account's active orders, newest first.
func (db *DB) ActiveOrdersByAccount(ctx context.Context, accountID int) ([]models.Order, error) {
	return db.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE account_id = $1 AND status = 'active'
		 ORDER BY created_at DESC`, accountID)
}

const operationColumns = `id, buy_order_id, sell_order_id, buyer_id, seller_id,
	usd_amount, rate, buyer_commission, seller_commission, executed_at`

func scanOperation(row pgx.Row) (*models.Operation, error) {
	op := &models.Operation{}
	err := row.Scan(&op.ID, &op.BuyOrderID, &op.SellOrderID, &op.BuyerID,
		&op.SellerID, &op.UsdAmount, &op.Rate, &op.BuyerCommission,
		&op.SellerCommission, &op.ExecutedAt)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// OperationsByAccount retrieves the operations where the account was
// buyer or seller, newest first.
func (db *DB) OperationsByAccount(ctx context.Context, accountID int) ([]models.Operation, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+operationColumns+` FROM operations
		 WHERE buyer_id = $1 OR seller_id = $1
		 ORDER BY executed_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get operations: %w", err)
	}
	defer rows.Close()

	var ops []models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// LastOperation returns the most recent operation, or (nil, nil) when
// none exist yet.
func (db *DB) LastOperation(ctx context.Context) (*models.Operation, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+operationColumns+` FROM operations ORDER BY executed_at DESC LIMIT 1`)
	op, err := scanOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last operation: %w", err)
	}
	return op, nil
}

// MarketMetrics aggregates operation count, total USD volume and
// average execution rate.
func (db *DB) MarketMetrics(ctx context.Context) (count int, volume, avgRate float64, err error) {
	err = db.Pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(usd_amount), 0), COALESCE(AVG(rate), 0) FROM operations`).
		Scan(&count, &volume, &avgRate)
	if err != nil {
		err = fmt.Errorf("failed to get market metrics: %w", err)
	}
	return count, volume, avgRate, err
}

// CommitSubmit persists everything one submit call produced in a
// single transaction: the taker order, every operation, the maker
// order updates and the balance updates. It assigns the taker's id
// and the taker-side order id on each operation.
func (db *DB) CommitSubmit(ctx context.Context, c *exchange.SubmitCommit) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO orders (account_id, side, remaining_usd, rate, status, visible_in_book, created_at, filled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		c.Taker.AccountID, c.Taker.Side, c.Taker.RemainingUsd, c.Taker.Rate,
		c.Taker.Status, c.Taker.VisibleInBook, c.Taker.CreatedAt, c.Taker.FilledAt).
		Scan(&c.Taker.ID)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, op := range c.Operations {
		if c.TakerSide == models.SideBuy {
			op.BuyOrderID = c.Taker.ID
		} else {
			op.SellOrderID = c.Taker.ID
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO operations (buy_order_id, sell_order_id, buyer_id, seller_id,
				usd_amount, rate, buyer_commission, seller_commission, executed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING id`,
			op.BuyOrderID, op.SellOrderID, op.BuyerID, op.SellerID,
			op.UsdAmount, op.Rate, op.BuyerCommission, op.SellerCommission, op.ExecutedAt).
			Scan(&op.ID)
		if err != nil {
			return fmt.Errorf("failed to insert operation: %w", err)
		}
	}

	for _, maker := range c.MakerOrders {
		_, err = tx.Exec(ctx,
			`UPDATE orders SET remaining_usd = $1, status = $2, filled_at = $3 WHERE id = $4`,
			maker.RemainingUsd, maker.Status, maker.FilledAt, maker.ID)
		if err != nil {
			return fmt.Errorf("failed to update maker order: %w", err)
		}
	}

	for _, a := range c.Accounts {
		if err := updateBalances(ctx, tx, a); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CommitCancel persists a cancellation and its fund release in one
// transaction.
func (db *DB) CommitCancel(ctx context.Context, c *exchange.CancelCommit) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE orders SET status = $1, filled_at = $2 WHERE id = $3 AND status = 'active'`,
		c.Order.Status, c.Order.FilledAt, c.Order.ID)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d not active", c.Order.ID)
	}

	if c.Account != nil {
		if err := updateBalances(ctx, tx, c.Account); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func updateBalances(ctx context.Context, tx pgx.Tx, a *models.Account) error {
	_, err := tx.Exec(ctx,
		`UPDATE accounts SET usd_balance = $1, pen_balance = $2, completed_operations = $3 WHERE id = $4`,
		a.UsdBalance, a.PenBalance, a.CompletedOperations, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update account %d: %w", a.ID, err)
	}
	return nil
}

// RegularAccounts retrieves all regular accounts ordered by
// registration time. The single SELECT gives the ranking pass a
// consistent snapshot of every balance.
func (db *DB) RegularAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE kind = 'regular' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// UpdateRankingBatch persists recomputed profit and positions for all
// accounts in one batch inside one transaction.
func (db *DB) UpdateRankingBatch(ctx context.Context, entries []ranking.Entry) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`UPDATE accounts SET profit_percentage = $1, ranking_position = $2 WHERE id = $3`,
			e.ProfitPercentage, e.Position, e.AccountID)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to update ranking: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ResetAccounts restores every regular account to the configured
// initial balances and zeroes its ranking state.
func (db *DB) ResetAccounts(ctx context.Context, initialUsd, initialPen float64) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE accounts
		 SET usd_balance = $1, pen_balance = $2, initial_usd = $1, initial_pen = $2,
		     profit_percentage = 0, ranking_position = 0, completed_operations = 0
		 WHERE kind = 'regular'`,
		initialUsd, initialPen)
	if err != nil {
		return fmt.Errorf("failed to reset accounts: %w", err)
	}
	return nil
}
