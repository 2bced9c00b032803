// Package ranking recomputes portfolio profit and rank for all regular
// accounts from current balances.
package ranking

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cambix/exchange/internal/config"
	"github.com/cambix/exchange/internal/errs"
	"github.com/cambix/exchange/internal/events"
	"github.com/cambix/exchange/internal/models"
)

// Entry is one account's recomputed ranking state.
type Entry struct {
	AccountID        int
	ProfitPercentage float64
	Position         int
}

// Row is one line of the public ranking.
type Row struct {
	AccountID           int     `json:"account_id"`
	Username            string  `json:"username"`
	ProfitPercentage    float64 `json:"profit_percentage"`
	Position            int     `json:"position"`
	CompletedOperations int     `json:"completed_operations"`
}

// Store is the persistence the ranking engine consumes.
type Store interface {
	GetAccount(ctx context.Context, id int) (*models.Account, error)
	RegularAccounts(ctx context.Context) ([]models.Account, error)
	UpdateRankingBatch(ctx context.Context, entries []Entry) error
	ResetAccounts(ctx context.Context, initialUsd, initialPen float64) error
}

// Service computes and persists the profit ranking. Recalculate can
// run concurrently with order submission: it reads all balances in one
// snapshot and only writes profit and position fields, which the
// matching engine never touches. Reset rewrites balances, so it holds
// the engine lock for its duration.
type Service struct {
	store  Store
	cfg    *config.Config
	bus    events.Publisher
	log    *logrus.Logger
	engine sync.Locker
}

// NewService creates a ranking service. engine is the matching-engine
// lock, held only during Reset.
func NewService(store Store, cfg *config.Config, bus events.Publisher, log *logrus.Logger, engine sync.Locker) *Service {
	return &Service{store: store, cfg: cfg, bus: bus, log: log, engine: engine}
}

// portfolioValue expresses combined holdings in USD via the reference
// rate.
func portfolioValue(usd, pen, rate float64) float64 {
	return usd + pen/rate
}

// profitPercentage is zero when there was nothing to grow from.
func profitPercentage(initial, current float64) float64 {
	if initial == 0 {
		return 0
	}
	return (current - initial) / initial * 100
}

// Recalculate recomputes profit for every regular account against the
// reference buy rate, assigns positions 1..n by descending profit and
// persists the result in one batch. The same reference rate values
// both the initial and the current portfolio; equal profits rank the
// earlier-registered account first.
func (s *Service) Recalculate(ctx context.Context) ([]Row, error) {
	rate := s.cfg.ReferenceBuyRate

	accounts, err := s.store.RegularAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("ranking read failed: %w", err)
	}

	for i := range accounts {
		a := &accounts[i]
		current := portfolioValue(a.UsdBalance, a.PenBalance, rate)
		initial := portfolioValue(a.InitialUsd, a.InitialPen, rate)
		a.ProfitPercentage = profitPercentage(initial, current)
	}

	// Accounts arrive ordered by registration; the stable sort keeps
	// that order among equal profits.
	sort.SliceStable(accounts, func(i, j int) bool {
		return accounts[i].ProfitPercentage > accounts[j].ProfitPercentage
	})

	entries := make([]Entry, len(accounts))
	rows := make([]Row, len(accounts))
	for i := range accounts {
		a := &accounts[i]
		a.RankingPosition = i + 1
		entries[i] = Entry{
			AccountID:        a.ID,
			ProfitPercentage: a.ProfitPercentage,
			Position:         a.RankingPosition,
		}
		rows[i] = Row{
			AccountID:           a.ID,
			Username:            a.Username,
			ProfitPercentage:    a.ProfitPercentage,
			Position:            a.RankingPosition,
			CompletedOperations: a.CompletedOperations,
		}
	}

	if err := s.store.UpdateRankingBatch(ctx, entries); err != nil {
		return nil, fmt.Errorf("ranking update failed: %w", err)
	}

	s.bus.Publish(events.RankingUpdated, rows)
	s.log.WithField("accounts", len(rows)).Info("ranking recalculated")
	return rows, nil
}

// RecalculateOnTrades recomputes the ranking whenever an operation
// executes, so positions follow trading instead of waiting for the
// periodic pass. Handlers run on the bus's goroutines, outside the
// engine lock.
func (s *Service) RecalculateOnTrades(bus *events.Bus) {
	bus.Subscribe(events.OperationExecuted, func(events.Event) {
		if _, err := s.Recalculate(context.Background()); err != nil {
			s.log.WithError(err).Error("ranking recalculation after trade failed")
		}
	})
}

// Ranking returns the current persisted ranking, best position first.
// Unranked accounts (position 0) are excluded.
func (s *Service) Ranking(ctx context.Context) ([]Row, error) {
	accounts, err := s.store.RegularAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("ranking read failed: %w", err)
	}

	var rows []Row
	for i := range accounts {
		a := &accounts[i]
		if a.RankingPosition == 0 {
			continue
		}
		rows = append(rows, Row{
			AccountID:           a.ID,
			Username:            a.Username,
			ProfitPercentage:    a.ProfitPercentage,
			Position:            a.RankingPosition,
			CompletedOperations: a.CompletedOperations,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })
	return rows, nil
}

// Reset restores every regular account to the configured initial
// balances and zeroes profit, position and operation counters. Admin
// only. Holds the engine lock so no submit can interleave with the
// balance rewrite.
func (s *Service) Reset(ctx context.Context, adminID int) error {
	admin, err := s.store.GetAccount(ctx, adminID)
	if err != nil {
		return fmt.Errorf("admin lookup failed: %w", err)
	}
	if admin == nil || !admin.IsAdmin() {
		return errs.Unauthorized("admin access required")
	}

	s.engine.Lock()
	defer s.engine.Unlock()

	if err := s.store.ResetAccounts(ctx, s.cfg.InitialUsdBalance, s.cfg.InitialPenBalance); err != nil {
		return err
	}

	s.bus.Publish(events.RankingReset, map[string]any{"admin_id": adminID})
	s.log.WithField("admin_id", adminID).Info("ranking reset")
	return nil
}
