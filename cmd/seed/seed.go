package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/nulzo/token-ledger-api/internal/config"
	"github.com/nulzo/token-ledger-api/internal/events"
	"github.com/nulzo/token-ledger-api/internal/ledger"
	"github.com/nulzo/token-ledger-api/internal/platform/logger"
	"github.com/nulzo/token-ledger-api/internal/store/model"
	"github.com/nulzo/token-ledger-api/internal/store/sqlite"
)

// Seeds the database with pricing packages, billing settings and, optionally,
// a demo account for local development.
func main() {
	demo := flag.Bool("demo", false, "also create a demo account with a granted balance")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	repo, err := sqlite.NewStorage(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	settings, err := repo.Settings().Get(ctx)
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}
	settings.TokenMultiplier = 1.5
	settings.DefaultImageCost = 5000
	settings.ImageCostsJSON = `{"openai/dall-e-3":6000,"openai/dall-e-2":3000,"google/imagen-3":5500}`
	settings.TokensPerCent = 100
	settings.MinPurchaseCents = 500
	settings.WelcomeBonus = 1000
	settings.LowBalanceThreshold = 1000
	settings.CriticalBalanceThreshold = 100
	if err := repo.Settings().Update(ctx, settings); err != nil {
		log.Fatalf("failed to update settings: %v", err)
	}
	log.Println("system settings seeded")

	packages := []model.PricingPackage{
		{ID: "starter", Name: "Starter", Tokens: 50_000, PriceCents: 500, Currency: "USD", SortOrder: 1, IsActive: true},
		{ID: "creator", Name: "Creator", Tokens: 250_000, PriceCents: 2_000, Currency: "USD", SortOrder: 2, IsPopular: true, IsActive: true},
		{ID: "studio", Name: "Studio", Tokens: 1_000_000, PriceCents: 7_000, Currency: "USD", SortOrder: 3, IsActive: true},
		{ID: "enterprise", Name: "Enterprise", Tokens: 5_000_000, PriceCents: 30_000, Currency: "USD", SortOrder: 4, IsActive: true},
	}
	for i := range packages {
		if err := repo.Packages().Upsert(ctx, &packages[i]); err != nil {
			log.Fatalf("failed to seed package %s: %v", packages[i].ID, err)
		}
	}
	log.Printf("%d pricing packages seeded", len(packages))

	if *demo {
		svc := ledger.NewService(repo, events.NewMemoryPublisher(), logger.Get())
		result, err := svc.GrantTokens(ctx, "demo-user", "", 100_000, "development seed balance", "seed-cli")
		if err != nil {
			log.Fatalf("failed to create demo account: %v", err)
		}
		log.Printf("demo account ready: balance=%d", result.NewBalance)
	}
}
