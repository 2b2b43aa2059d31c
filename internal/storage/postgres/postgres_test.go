//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "kart",
				"POSTGRES_PASSWORD": "kart",
				"POSTGRES_DB":       "kart",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := pg.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := pg.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://kart:kart@%s:%s/kart?sslmode=disable", host, port.Port())
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	return m.Run()
}

func TestProductRepository_ReserveAllNeverOversells(t *testing.T) {
	ctx := context.Background()
	repo := NewProductRepository(testPool)
	require.NoError(t, repo.Upsert(ctx, product.Product{ID: "race-1", Name: "Kettle", SKU: "RACE-1", Price: 1200, Stock: 10}))

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.ReserveAll(ctx, []inventory.Line{{ProductID: "race-1", Quantity: 1}})
			var stockErr *inventory.InsufficientStockError
			if err == nil {
				granted.Add(1)
			} else if !errors.As(err, &stockErr) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), granted.Load())
	got, err := repo.GetByIDs(ctx, []string{"race-1", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Stock)
}

func TestProductRepository_ReserveAllRollsBackEarlierLines(t *testing.T) {
	ctx := context.Background()
	repo := NewProductRepository(testPool)
	require.NoError(t, repo.Upsert(ctx, product.Product{ID: "tx-a", Name: "Bowl", SKU: "TX-A", Price: 900, Stock: 5}))
	require.NoError(t, repo.Upsert(ctx, product.Product{ID: "tx-b", Name: "Tray", SKU: "TX-B", Price: 700, Stock: 1}))

	stock := func(id string) int {
		t.Helper()
		got, err := repo.GetByIDs(ctx, []string{id})
		require.NoError(t, err)
		require.Len(t, got, 1)
		return got[0].Stock
	}

	// tx-a is decremented inside the transaction before tx-b fails.
	err := repo.ReserveAll(ctx, []inventory.Line{
		{ProductID: "tx-a", Quantity: 2},
		{ProductID: "tx-b", Quantity: 3},
	})
	var stockErr *inventory.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "tx-b", stockErr.ProductID)
	assert.Equal(t, 1, stockErr.Available)
	assert.Equal(t, 5, stock("tx-a"))

	err = repo.ReserveAll(ctx, []inventory.Line{
		{ProductID: "tx-a", Quantity: 2},
		{ProductID: "tx-missing", Quantity: 1},
	})
	require.ErrorIs(t, err, inventory.ErrUnknownProduct)
	assert.Equal(t, 5, stock("tx-a"))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, repo.ReserveAll(canceled, []inventory.Line{{ProductID: "tx-a", Quantity: 1}}))
	assert.Equal(t, 5, stock("tx-a"))
}

func TestProductRepository_ReleaseOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewProductRepository(testPool)
	require.NoError(t, repo.Upsert(ctx, product.Product{ID: "rel-1", Name: "Cup", SKU: "REL-1", Price: 300, Stock: 5}))

	ledger := inventory.NewLedger(repo)
	lines := []inventory.Line{{ProductID: "rel-1", Quantity: 3}}
	require.NoError(t, ledger.Reserve(ctx, lines))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Release(ctx, "order-rel-1", lines)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.GetByIDs(ctx, []string{"rel-1"})
	require.NoError(t, err)
	assert.Equal(t, 5, got[0].Stock)
}

func TestSequenceRepository_Next(t *testing.T) {
	ctx := context.Background()
	repo := NewSequenceRepository(testPool)

	seen := make(chan int64, 30)
	var wg sync.WaitGroup
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := repo.Next(ctx, "990101")
			assert.NoError(t, err)
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]struct{})
	for n := range seen {
		unique[n] = struct{}{}
	}
	assert.Len(t, unique, 30)
	assert.Contains(t, unique, int64(1))
	assert.Contains(t, unique, int64(30))
}

func TestCouponRepository_CommitLimits(t *testing.T) {
	ctx := context.Background()
	repo := NewCouponRepository(testPool)
	require.NoError(t, repo.Create(ctx, &coupon.Coupon{
		Code:         "PGFEW",
		DiscountType: coupon.DiscountPercentage,
		Value:        decimal.NewFromInt(10),
		Active:       true,
		UsageLimit:   3,
		PerUserLimit: 1,
	}))
	require.ErrorIs(t, repo.Create(ctx, &coupon.Coupon{
		Code: "PGFEW", DiscountType: coupon.DiscountFixed, Value: decimal.NewFromInt(1),
	}), coupon.ErrAlreadyExists)

	var (
		wg      sync.WaitGroup
		applied atomic.Int64
	)
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Commit(ctx, coupon.Usage{
				Code:    "PGFEW",
				UserID:  fmt.Sprintf("user-%d", i),
				OrderID: fmt.Sprintf("order-%d", i),
			})
			if err != nil {
				assert.ErrorIs(t, err, coupon.ErrUsageLimitReached)
				return
			}
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(3), applied.Load())

	c, err := repo.FindByCode(ctx, "PGFEW")
	require.NoError(t, err)
	assert.Equal(t, 3, c.UsageCount)
	assert.True(t, c.Value.Equal(decimal.NewFromInt(10)))

	// A repeated commit for a recorded order is a no-op even when full.
	var recorded string
	for i := range 12 {
		n, err := repo.CountUserUsage(ctx, "PGFEW", fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		if n == 1 {
			recorded = fmt.Sprintf("%d", i)
			break
		}
	}
	require.NotEmpty(t, recorded)
	ok, err := repo.Commit(ctx, coupon.Usage{Code: "PGFEW", UserID: "user-" + recorded, OrderID: "order-" + recorded})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.Commit(ctx, coupon.Usage{Code: "NOPE", OrderID: "x"})
	require.ErrorIs(t, err, coupon.ErrNotFound)
}

func TestCouponRepository_PerUserLimit(t *testing.T) {
	ctx := context.Background()
	repo := NewCouponRepository(testPool)
	require.NoError(t, repo.Create(ctx, &coupon.Coupon{
		Code:         "PGONCE",
		DiscountType: coupon.DiscountFixed,
		Value:        decimal.NewFromInt(500),
		Active:       true,
		PerUserLimit: 1,
	}))

	ok, err := repo.Commit(ctx, coupon.Usage{Code: "PGONCE", UserID: "u1", OrderID: "o1"})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = repo.Commit(ctx, coupon.Usage{Code: "PGONCE", UserID: "u1", OrderID: "o2"})
	require.ErrorIs(t, err, coupon.ErrUserLimitReached)

	c, err := repo.FindByCode(ctx, "PGONCE")
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsageCount, "rejected commit rolls back its slot")
}

func TestCouponRepository_Revoke(t *testing.T) {
	ctx := context.Background()
	repo := NewCouponRepository(testPool)
	require.NoError(t, repo.Create(ctx, &coupon.Coupon{
		Code:         "PGREVOKE",
		DiscountType: coupon.DiscountFixed,
		Value:        decimal.NewFromInt(300),
		Active:       true,
		UsageLimit:   1,
		PerUserLimit: 1,
	}))

	ok, err := repo.Commit(ctx, coupon.Usage{Code: "PGREVOKE", UserID: "u1", OrderID: "rv-1"})
	require.NoError(t, err)
	require.True(t, ok)

	revoked, err := repo.Revoke(ctx, "PGREVOKE", "rv-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = repo.Revoke(ctx, "PGREVOKE", "rv-1")
	require.NoError(t, err)
	assert.False(t, revoked, "a second revoke must not return another slot")

	c, err := repo.FindByCode(ctx, "PGREVOKE")
	require.NoError(t, err)
	assert.Equal(t, 0, c.UsageCount)

	n, err := repo.CountUserUsage(ctx, "PGREVOKE", "u1")
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err = repo.Commit(ctx, coupon.Usage{Code: "PGREVOKE", UserID: "u1", OrderID: "rv-2"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCouponRepository_Update(t *testing.T) {
	ctx := context.Background()
	repo := NewCouponRepository(testPool)
	require.NoError(t, repo.Create(ctx, &coupon.Coupon{
		Code: "PGPATCH", DiscountType: coupon.DiscountFixed, Value: decimal.NewFromInt(100), Active: true,
	}))

	inactive := false
	limit := 7
	desc := "spring sale"
	c, err := repo.Update(ctx, "PGPATCH", coupon.Patch{Active: &inactive, UsageLimit: &limit, Description: &desc})
	require.NoError(t, err)
	assert.False(t, c.Active)
	assert.Equal(t, 7, c.UsageLimit)
	assert.Equal(t, "spring sale", c.Description)

	_, err = repo.Update(ctx, "MISSING", coupon.Patch{Active: &inactive})
	require.ErrorIs(t, err, coupon.ErrNotFound)
}

func newTestOrder(id, user, number string, created time.Time) *order.Order {
	return &order.Order{
		ID:     id,
		Number: number,
		UserID: user,
		Items: []order.LineItem{{
			ProductID: "p1", Name: "Kettle", SKU: "K-1", UnitPrice: 1200, Quantity: 2, LineTotal: 2400,
		}},
		Subtotal:      2400,
		Tax:           240,
		ShippingFee:   800,
		Total:         3440,
		Status:        order.StatusPending,
		PaymentMethod: order.PaymentCreditCard,
		PaymentStatus: order.PaymentPending,
		ShippingAddress: order.Address{
			Name: "Taro Yamada", PostalCode: "100-0001", Prefecture: "Tokyo",
			City: "Chiyoda-ku", Line1: "1-1", Phone: "03-0000-0000",
		},
		TermsAccepted:   true,
		PrivacyAccepted: true,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestOrderRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, newTestOrder("pg-o1", "pg-u1", "2506010001", base)))
	require.NoError(t, repo.Create(ctx, newTestOrder("pg-o2", "pg-u1", "2506010002", base.Add(time.Minute))))
	require.NoError(t, repo.Create(ctx, newTestOrder("pg-o3", "pg-u2", "2506010003", base.Add(2*time.Minute))))
	require.ErrorIs(t, repo.Create(ctx, newTestOrder("pg-o4", "pg-u1", "2506010001", base)), order.ErrDuplicateNumber)

	got, err := repo.GetByNumber(ctx, "2506010001")
	require.NoError(t, err)
	assert.Equal(t, "pg-o1", got.ID)
	require.Len(t, got.Items, 1)
	assert.Equal(t, int64(2400), got.Items[0].LineTotal)
	assert.Equal(t, "Tokyo", got.ShippingAddress.Prefecture)
	assert.NoError(t, got.Breakdown().Check())

	mine, err := repo.List(ctx, order.Filter{UserID: "pg-u1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "pg-o2", mine[0].ID)

	shipped := base.Add(time.Hour)
	_, err = repo.Transition(ctx, "pg-o1", order.StatusPending, order.Update{Status: order.StatusProcessing, At: shipped})
	require.NoError(t, err)
	o, err := repo.Transition(ctx, "pg-o1", order.StatusProcessing, order.Update{
		Status:   order.StatusShipped,
		Tracking: &order.Tracking{Carrier: "Yamato", Number: "1234-5678"},
		At:       shipped,
	})
	require.NoError(t, err)
	require.NotNil(t, o.Tracking)
	assert.Equal(t, "Yamato", o.Tracking.Carrier)
	require.NotNil(t, o.ShippedAt)

	_, err = repo.Transition(ctx, "pg-o1", order.StatusProcessing, order.Update{Status: order.StatusCancelled, At: shipped})
	require.ErrorIs(t, err, order.ErrStatusConflict)

	_, err = repo.Transition(ctx, "missing", order.StatusPending, order.Update{Status: order.StatusPaid, At: shipped})
	require.ErrorIs(t, err, order.ErrNotFound)

	require.ErrorIs(t, repo.Discard(ctx, "pg-o1"), order.ErrStatusConflict)
	require.ErrorIs(t, repo.Discard(ctx, "pg-missing"), order.ErrNotFound)
	require.NoError(t, repo.Discard(ctx, "pg-o3"))
	_, err = repo.GetByID(ctx, "pg-o3")
	require.True(t, errors.Is(err, order.ErrNotFound))
}

func TestOrderRepository_ConcurrentTransition(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool)
	require.NoError(t, repo.Create(ctx, newTestOrder("pg-cas", "pg-u9", "2506019999", time.Now().UTC())))

	var (
		wg  sync.WaitGroup
		won atomic.Int64
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Transition(ctx, "pg-cas", order.StatusPending, order.Update{
				Status:        order.StatusPaid,
				PaymentStatus: order.PaymentPaid,
				At:            time.Now().UTC(),
			})
			if err == nil {
				won.Add(1)
				return
			}
			assert.ErrorIs(t, err, order.ErrStatusConflict)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), won.Load())
}
