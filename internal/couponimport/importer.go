// Package couponimport bulk-loads coupons from CSV files, optionally gzip
// compressed.
//
// Codes already stored are filtered through a bloom filter built from the
// store before any write. Filter hits are confirmed with an exact lookup,
// so a false positive never drops a new coupon.
package couponimport

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

// Store is the coupon storage the importer writes to.
type Store interface {
	ForEachCode(ctx context.Context, fn func(code string) error) error
	FindByCode(ctx context.Context, code string) (*coupon.Coupon, error)
	Create(ctx context.Context, c *coupon.Coupon) error
}

// Source is a named stream of CSV rows.
type Source struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FileSource reads path, decompressing it when it ends in .gz.
func FileSource(path string) Source {
	return Source{
		Name: path,
		Open: func() (io.ReadCloser, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, errors.Wrapf(err, "open %s", path)
			}
			if !strings.HasSuffix(path, ".gz") {
				return f, nil
			}
			gz, err := pgzip.NewReader(f)
			if err != nil {
				_ = f.Close()
				return nil, errors.Wrapf(err, "create gzip reader for %s", path)
			}
			return &gzipFile{Reader: gz, file: f}, nil
		},
	}
}

type gzipFile struct {
	*pgzip.Reader
	file *os.File
}

func (g *gzipFile) Close() error {
	return multierr.Append(g.Reader.Close(), g.file.Close())
}

// Config tunes an Importer.
type Config struct {
	// Workers is the number of concurrent writers.
	Workers int
	// ExpectedCodes sizes the bloom filter of stored codes.
	ExpectedCodes uint
	// FalsePositiveRate of the bloom filter.
	FalsePositiveRate float64
	// OnInvalid is called for every record that cannot be imported.
	// record counts from 1 and includes the header.
	OnInvalid func(source string, record int, err error)
}

// Stats counts what happened to the rows of an import.
type Stats struct {
	Read     int64
	Created  int64
	Existing int64
	Invalid  int64
	// FilterHits counts bloom filter positives that needed an exact lookup.
	FilterHits int64
}

type counters struct {
	read, created, existing, invalid, hits atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Read:       c.read.Load(),
		Created:    c.created.Load(),
		Existing:   c.existing.Load(),
		Invalid:    c.invalid.Load(),
		FilterHits: c.hits.Load(),
	}
}

// Importer loads coupons into a Store.
type Importer struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// New creates an Importer. Zero config fields get defaults.
func New(store Store, cfg Config) *Importer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ExpectedCodes == 0 {
		cfg.ExpectedCodes = 100_000
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = 0.001
	}
	if cfg.OnInvalid == nil {
		cfg.OnInvalid = func(string, int, error) {}
	}
	return &Importer{store: store, cfg: cfg, now: time.Now}
}

// Run reads every source concurrently and creates the coupons that are not
// stored yet. Invalid rows are reported through Config.OnInvalid and
// skipped; storage errors abort the import.
func (im *Importer) Run(ctx context.Context, sources ...Source) (Stats, error) {
	var st counters

	existing := bloom.NewWithEstimates(im.cfg.ExpectedCodes, im.cfg.FalsePositiveRate)
	if err := im.store.ForEachCode(ctx, func(code string) error {
		existing.AddString(code)
		return nil
	}); err != nil {
		return Stats{}, errors.Wrap(err, "load existing codes")
	}

	rows := make(chan coupon.Coupon, 4*im.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)

	readers, rctx := errgroup.WithContext(gctx)
	for _, src := range sources {
		readers.Go(func() error {
			return im.read(rctx, src, rows, &st)
		})
	}
	g.Go(func() error {
		defer close(rows)
		return readers.Wait()
	})

	for range im.cfg.Workers {
		g.Go(func() error {
			for c := range rows {
				if err := im.write(gctx, c, existing, &st); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	return st.snapshot(), err
}

func (im *Importer) read(ctx context.Context, src Source, out chan<- coupon.Coupon, st *counters) error {
	rc, err := src.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	for record := 1; ; record++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				st.invalid.Add(1)
				im.cfg.OnInvalid(src.Name, record, err)
				continue
			}
			return errors.Wrapf(err, "read %s", src.Name)
		}
		if record == 1 && isHeader(rec) {
			continue
		}
		st.read.Add(1)

		c, err := ParseRecord(rec)
		if err != nil {
			st.invalid.Add(1)
			im.cfg.OnInvalid(src.Name, record, err)
			continue
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (im *Importer) write(ctx context.Context, c coupon.Coupon, existing *bloom.BloomFilter, st *counters) error {
	if existing.TestString(c.Code) {
		st.hits.Add(1)
		_, err := im.store.FindByCode(ctx, c.Code)
		switch {
		case err == nil:
			st.existing.Add(1)
			return nil
		case !errors.Is(err, coupon.ErrNotFound):
			return errors.Wrapf(err, "lookup %q", c.Code)
		}
	}

	now := im.now()
	c.CreatedAt, c.UpdatedAt = now, now
	err := im.store.Create(ctx, &c)
	switch {
	case err == nil:
		st.created.Add(1)
		return nil
	case errors.Is(err, coupon.ErrAlreadyExists):
		// Same code earlier in this import.
		st.existing.Add(1)
		return nil
	default:
		return errors.Wrapf(err, "create %q", c.Code)
	}
}
