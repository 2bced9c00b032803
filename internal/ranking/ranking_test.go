package ranking

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cambix/exchange/internal/config"
	"github.com/cambix/exchange/internal/errs"
	"github.com/cambix/exchange/internal/events"
	"github.com/cambix/exchange/internal/models"
)

type fakeStore struct {
	accounts []models.Account // registration order
	resets   int
}

func (s *fakeStore) GetAccount(ctx context.Context, id int) (*models.Account, error) {
	for i := range s.accounts {
		if s.accounts[i].ID == id {
			a := s.accounts[i]
			return &a, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) RegularAccounts(ctx context.Context) ([]models.Account, error) {
	var out []models.Account
	for _, a := range s.accounts {
		if a.Kind == models.KindRegular {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateRankingBatch(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		for i := range s.accounts {
			if s.accounts[i].ID == e.AccountID {
				s.accounts[i].ProfitPercentage = e.ProfitPercentage
				s.accounts[i].RankingPosition = e.Position
			}
		}
	}
	return nil
}

func (s *fakeStore) ResetAccounts(ctx context.Context, initialUsd, initialPen float64) error {
	s.resets++
	for i := range s.accounts {
		if s.accounts[i].Kind != models.KindRegular {
			continue
		}
		s.accounts[i].UsdBalance = initialUsd
		s.accounts[i].PenBalance = initialPen
		s.accounts[i].ProfitPercentage = 0
		s.accounts[i].RankingPosition = 0
		s.accounts[i].CompletedOperations = 0
	}
	return nil
}

type nopBus struct{}

func (nopBus) Publish(name string, payload any) {}

// countingLocker records how often the engine lock was taken.
type countingLocker struct {
	mu    sync.Mutex
	locks int
}

func (l *countingLocker) Lock() {
	l.mu.Lock()
	l.locks++
}

func (l *countingLocker) Unlock() { l.mu.Unlock() }

func newTestService(store Store, locker sync.Locker) *Service {
	cfg := &config.Config{
		InitialUsdBalance: 1000,
		InitialPenBalance: 3500,
		ReferenceBuyRate:  3.55,
		ReferenceSellRate: 3.57,
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	if locker == nil {
		locker = &sync.Mutex{}
	}
	return NewService(store, cfg, nopBus{}, log, locker)
}

func TestRecalculate(t *testing.T) {
	store := &fakeStore{accounts: []models.Account{
		{ID: 1, Username: "alice", Kind: models.KindRegular, UsdBalance: 1100, InitialUsd: 1000},
		{ID: 2, Username: "bob", Kind: models.KindRegular, UsdBalance: 900, InitialUsd: 1000},
		{ID: 3, Username: "mm", Kind: models.KindMarketMaker, UsdBalance: 1e9},
	}}
	svc := newTestService(store, nil)

	rows, err := svc.Recalculate(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2, "market makers are not ranked")

	assert.Equal(t, "alice", rows[0].Username)
	assert.InDelta(t, 10.0, rows[0].ProfitPercentage, 1e-9)
	assert.Equal(t, 1, rows[0].Position)

	assert.Equal(t, "bob", rows[1].Username)
	assert.InDelta(t, -10.0, rows[1].ProfitPercentage, 1e-9)
	assert.Equal(t, 2, rows[1].Position)

	// Positions were persisted.
	assert.Equal(t, 1, store.accounts[0].RankingPosition)
	assert.Equal(t, 2, store.accounts[1].RankingPosition)
}

func TestRecalculate_MixedHoldings(t *testing.T) {
	// PEN is valued at the reference buy rate on both sides of the
	// comparison, so converting at a better rate shows as profit.
	store := &fakeStore{accounts: []models.Account{
		{ID: 1, Username: "alice", Kind: models.KindRegular,
			UsdBalance: 0, PenBalance: 3905, InitialUsd: 1000, InitialPen: 0},
	}}
	svc := newTestService(store, nil)

	rows, err := svc.Recalculate(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// 3905/3.55 = 1100 USD against an initial 1000.
	assert.InDelta(t, 10.0, rows[0].ProfitPercentage, 1e-9)
}

func TestRecalculate_TieBreakByRegistration(t *testing.T) {
	store := &fakeStore{accounts: []models.Account{
		{ID: 7, Username: "early", Kind: models.KindRegular, UsdBalance: 1050, InitialUsd: 1000},
		{ID: 8, Username: "late", Kind: models.KindRegular, UsdBalance: 1050, InitialUsd: 1000},
	}}
	svc := newTestService(store, nil)

	rows, err := svc.Recalculate(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "early", rows[0].Username)
	assert.Equal(t, "late", rows[1].Username)
}

func TestRecalculate_ZeroInitial(t *testing.T) {
	store := &fakeStore{accounts: []models.Account{
		{ID: 1, Username: "fresh", Kind: models.KindRegular, UsdBalance: 500},
	}}
	svc := newTestService(store, nil)

	rows, err := svc.Recalculate(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0.0, rows[0].ProfitPercentage)
}

// signalStore reports each persisted ranking update so tests can wait
// for recalculations running on bus goroutines.
type signalStore struct {
	*fakeStore
	updated chan struct{}
}

func (s *signalStore) UpdateRankingBatch(ctx context.Context, entries []Entry) error {
	err := s.fakeStore.UpdateRankingBatch(ctx, entries)
	s.updated <- struct{}{}
	return err
}

func TestRecalculateOnTrades(t *testing.T) {
	store := &fakeStore{accounts: []models.Account{
		{ID: 1, Username: "alice", Kind: models.KindRegular, UsdBalance: 1100, InitialUsd: 1000},
	}}
	updated := make(chan struct{}, 1)
	svc := newTestService(&signalStore{fakeStore: store, updated: updated}, nil)

	log := logrus.New()
	log.SetOutput(io.Discard)
	bus := events.NewBus(log)
	svc.RecalculateOnTrades(bus)

	bus.Publish(events.OperationExecuted, nil)

	select {
	case <-updated:
	case <-time.After(time.Second):
		t.Fatal("ranking was not recalculated after the operation")
	}
	assert.Equal(t, 1, store.accounts[0].RankingPosition)
	assert.InDelta(t, 10.0, store.accounts[0].ProfitPercentage, 1e-9)
}

func TestRanking_ExcludesUnranked(t *testing.T) {
	store := &fakeStore{accounts: []models.Account{
		{ID: 1, Username: "ranked2", Kind: models.KindRegular, RankingPosition: 2},
		{ID: 2, Username: "unranked", Kind: models.KindRegular, RankingPosition: 0},
		{ID: 3, Username: "ranked1", Kind: models.KindRegular, RankingPosition: 1},
	}}
	svc := newTestService(store, nil)

	rows, err := svc.Ranking(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ranked1", rows[0].Username)
	assert.Equal(t, "ranked2", rows[1].Username)
}

func TestReset(t *testing.T) {
	store := &fakeStore{accounts: []models.Account{
		{ID: 1, Username: "admin", Kind: models.KindAdmin},
		{ID: 2, Username: "alice", Kind: models.KindRegular,
			UsdBalance: 1800, PenBalance: 12, ProfitPercentage: 80, RankingPosition: 1, CompletedOperations: 9},
	}}
	locker := &countingLocker{}
	svc := newTestService(store, locker)

	require.NoError(t, svc.Reset(context.Background(), 1))
	assert.Equal(t, 1, store.resets)
	assert.Equal(t, 1, locker.locks, "reset must hold the engine lock")

	a := store.accounts[1]
	assert.Equal(t, 1000.0, a.UsdBalance)
	assert.Equal(t, 3500.0, a.PenBalance)
	assert.Equal(t, 0, a.RankingPosition)
	assert.Equal(t, 0, a.CompletedOperations)
}

func TestReset_RequiresAdmin(t *testing.T) {
	store := &fakeStore{accounts: []models.Account{
		{ID: 2, Username: "alice", Kind: models.KindRegular},
	}}
	svc := newTestService(store, nil)

	err := svc.Reset(context.Background(), 2)
	var unauthorized *errs.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
	assert.Equal(t, 0, store.resets)

	err = svc.Reset(context.Background(), 999)
	require.ErrorAs(t, err, &unauthorized)
}
