package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/sequence"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/notify"
	"github.com/xenking/kart-checkout/internal/seed"
	"github.com/xenking/kart-checkout/internal/storage/memory"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

const serviceName = "kart-checkout"

// stores groups the persistence dependencies of the checkout domain.
type stores struct {
	products interface {
		product.Catalog
		inventory.Store
		seed.ProductWriter
	}
	coupons coupon.Repository
	orders  order.Repository
	numbers sequence.Store
	// pinger is nil when nothing external backs the stores.
	pinger health.Pinger
	close  func()
}

func openStores(ctx context.Context, lg *zap.Logger, cfg *Config) (*stores, error) {
	if cfg.Storage == StorageMemory {
		lg.Warn("Using in-memory storage, state is lost on restart")
		return &stores{
			products: memory.NewProductStore(),
			coupons:  memory.NewCouponStore(),
			orders:   memory.NewOrderStore(),
			numbers:  memory.NewSequenceStore(),
			close:    func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &stores{
		products: postgres.NewProductRepository(pool),
		coupons:  postgres.NewCouponRepository(pool),
		orders:   postgres.NewOrderRepository(pool),
		numbers:  postgres.NewSequenceRepository(pool),
		pinger:   pool,
		close:    pool.Close,
	}, nil
}

// newSender picks Kafka when brokers are configured and logging otherwise.
func newSender(lg *zap.Logger, cfg KafkaConfig) (notify.Sender, func() error) {
	if len(cfg.Brokers) == 0 {
		lg.Info("No Kafka brokers configured, notifications are logged")
		return notify.NewLogSender(lg.Named("notify")), func() error { return nil }
	}
	lg.Info("Publishing notifications to Kafka",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)
	s := notify.NewKafkaSender(cfg.Topic, cfg.Brokers...)
	return s, s.Close
}

// server is the assembled application without its listener.
type server struct {
	handler http.Handler
	health  *health.Health
	closers []func(ctx context.Context) error
}

// Close releases dependencies in reverse order of creation.
func (s *server) Close(ctx context.Context) error {
	s.health.Stop()
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i](ctx))
	}
	return err
}

// newServer wires stores, domain services, notifications, health checks and
// the HTTP stack. The caller must Close the result.
func newServer(ctx context.Context, lg *zap.Logger, m httpmiddleware.Telemetry, cfg *Config) (_ *server, rerr error) {
	loc, err := time.LoadLocation(cfg.Location)
	if err != nil {
		return nil, errors.Wrap(err, "load location")
	}
	policy, err := cfg.Pricing.Policy()
	if err != nil {
		return nil, errors.Wrap(err, "pricing policy")
	}

	srv := &server{health: health.New()}
	defer func() {
		if rerr != nil {
			_ = srv.Close(context.WithoutCancel(ctx))
		}
	}()

	st, err := openStores(ctx, lg, cfg)
	if err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, func(context.Context) error {
		st.close()
		return nil
	})

	if cfg.SeedFile != "" {
		data, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return nil, errors.Wrap(err, "load seed")
		}
		stats, err := seed.Apply(ctx, data, st.products, st.coupons, 8)
		if err != nil {
			return nil, errors.Wrap(err, "apply seed")
		}
		lg.Info("Seed applied",
			zap.String("file", cfg.SeedFile),
			zap.Int("products", stats.Products),
			zap.Int("coupons", stats.Coupons),
			zap.Int("coupons_skipped", stats.CouponsSkipped),
		)
	}

	// Notifications are delivered off the request path.
	sender, closeSender := newSender(lg, cfg.Kafka)
	dispatcher := notify.NewDispatcher(sender, cfg.Notify.QueueSize, lg.Named("notify"))
	srv.closers = append(srv.closers, func(ctx context.Context) error {
		return multierr.Append(dispatcher.Close(ctx), closeSender())
	})

	// Domain services.
	coupons := coupon.NewEngine(st.coupons)
	orders, err := order.NewService(order.Deps{
		Catalog:   st.products,
		Coupons:   coupons,
		Inventory: inventory.NewLedger(st.products),
		Numbers:   sequence.NewAllocator(st.numbers, loc),
		Orders:    st.orders,
	},
		order.WithPolicy(policy),
		order.WithTimeout(cfg.CheckoutTimeout),
		order.WithRetry(cfg.Retry),
		order.WithNotifier(dispatcher),
		order.WithTracerProvider(m.TracerProvider()),
		order.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create order service")
	}

	// Health checks.
	if st.pinger != nil {
		srv.health.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(st.pinger))
	}
	srv.health.AddReadinessCheck("notify_queue", time.Second, health.QueueCheck(dispatcher.Depth, 0.9))
	srv.health.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	srv.health.Start(ctx, 10*time.Second)
	srv.health.SetReady(true)

	// HTTP handlers.
	h := handler.NewHandler(
		handler.Config{WebhookSecret: []byte(cfg.Payment.WebhookSecret)},
		orders,
		coupons,
		auth.NewTokens([]byte(cfg.Auth.JWTSecret)),
	)

	router := chi.NewRouter()
	router.Get("/livez", srv.health.LiveEndpoint)
	router.Get("/readyz", srv.health.ReadyEndpoint)
	h.Mount(router)
	routeFinder := httpmiddleware.MakeRouteFinder(router)

	srv.handler = httpmiddleware.Wrap(router,
		httpmiddleware.Recovery(),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Instrument(serviceName, routeFinder, m),
		httpmiddleware.LogRequests(routeFinder),
	)
	return srv, nil
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) (rerr error) {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)

	srv, err := newServer(ctx, lg, m, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()
		if err := srv.Close(closeCtx); err != nil {
			rerr = multierr.Append(rerr, errors.Wrap(err, "close"))
		}
	}()

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.CheckoutTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           srv.handler,
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		srv.health.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
