package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/couponimport"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

func main() {
	var (
		pattern     string
		databaseURL string
		workers     int
		expected    uint
	)

	flag.StringVar(&pattern, "files", "data/coupons*.csv.gz", "glob of CSV files to import (.gz files are decompressed)")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&workers, "workers", 8, "concurrent database writers")
	flag.UintVar(&expected, "expected-codes", 1_000_000, "expected number of stored codes, sizes the bloom filter")
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

	if err := run(ctx, pattern, databaseURL, workers, expected); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon import completed successfully")
}

func run(ctx context.Context, pattern, databaseURL string, workers int, expected uint) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(err, "match files")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %q", pattern)
	}
	sources := make([]couponimport.Source, len(files))
	for i, f := range files {
		sources[i] = couponimport.FileSource(f)
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	im := couponimport.New(postgres.NewCouponRepository(pool), couponimport.Config{
		Workers:       workers,
		ExpectedCodes: expected,
		OnInvalid: func(source string, record int, err error) {
			slog.Warn("skipping invalid record",
				slog.String("file", source),
				slog.Int("record", record),
				slog.String("error", err.Error()),
			)
		},
	})

	slog.Info("importing coupons", slog.Int("files", len(files)), slog.Int("workers", workers))

	st, err := im.Run(ctx, sources...)
	slog.Info("import stats",
		slog.Int64("read", st.Read),
		slog.Int64("created", st.Created),
		slog.Int64("existing", st.Existing),
		slog.Int64("invalid", st.Invalid),
		slog.Int64("filter_hits", st.FilterHits),
	)
	if err != nil {
		return errors.Wrap(err, "import")
	}
	return nil
}
