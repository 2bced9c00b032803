package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/cambix/exchange/internal/config"
	"github.com/cambix/exchange/internal/db"
	"github.com/cambix/exchange/internal/models"
)

// Seed the database with an admin, a market maker and two traders
// plus a few resting orders.
func main() {
	ctx := context.Background()
	cfg := config.Load()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Skip seeding when accounts already exist.
	var count int
	if err := database.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM accounts").Scan(&count); err != nil {
		log.Fatalf("Failed to check accounts: %v", err)
	}
	if count > 0 {
		fmt.Printf("Database already has %d accounts. No need to seed.\n", count)
		os.Exit(0)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	admin, err := database.CreateAccount(ctx, "admin", string(hash), models.KindAdmin, 0, 0, 0)
	if err != nil {
		log.Fatalf("Failed to create admin: %v", err)
	}

	maker, err := database.CreateAccount(ctx, "liquidity", string(hash), models.KindMarketMaker, 0, 0, 0)
	if err != nil {
		log.Fatalf("Failed to create market maker: %v", err)
	}

	var traders []*models.Account
	for _, name := range []string{"trader1", "trader2"} {
		t, err := database.CreateAccount(ctx, name, string(hash), models.KindRegular,
			cfg.InitialUsdBalance, cfg.InitialPenBalance, cfg.BaseCommissionRate)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", name, err)
		}
		traders = append(traders, t)
	}

	// Market-maker quotes around the reference rates.
	quotes := []struct {
		side models.Side
		usd  float64
		rate float64
	}{
		{models.SideBuy, 500, cfg.ReferenceBuyRate - 0.02},
		{models.SideBuy, 1000, cfg.ReferenceBuyRate - 0.05},
		{models.SideSell, 500, cfg.ReferenceSellRate + 0.02},
		{models.SideSell, 1000, cfg.ReferenceSellRate + 0.05},
	}
	for _, q := range quotes {
		_, err := database.Pool.Exec(ctx,
			`INSERT INTO orders (account_id, side, remaining_usd, rate, status) VALUES ($1, $2, $3, $4, 'active')`,
			maker.ID, q.side, q.usd, q.rate)
		if err != nil {
			log.Fatalf("Failed to create quote order: %v", err)
		}
	}

	fmt.Printf("Seeded admin %d, market maker %d, traders %v and %d quotes.\n",
		admin.ID, maker.ID, []int{traders[0].ID, traders[1].ID}, len(quotes))
}
