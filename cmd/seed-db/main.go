package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/seed"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		seedFile    string
		workers     int
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedFile, "seed-file", "db/seed/catalog.json", "path to products and coupons JSON file")
	flag.IntVar(&workers, "workers", 8, "concurrent writes")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, seedFile, workers); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, seedFile string, workers int) error {
	slog.Info("reading seed file", slog.String("path", seedFile))

	data, err := seed.Load(seedFile)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	stats, err := seed.Apply(ctx, data,
		postgres.NewProductRepository(pool),
		postgres.NewCouponRepository(pool),
		workers,
	)
	if err != nil {
		return errors.Wrap(err, "apply seed")
	}

	slog.Info("seeded",
		slog.Int("products", stats.Products),
		slog.Int("coupons", stats.Coupons),
		slog.Int("coupons_skipped", stats.CouponsSkipped),
	)
	return nil
}
