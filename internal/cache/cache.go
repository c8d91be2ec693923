package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"opstracker/backend/internal/domain"
)

// RateCache is the fast tier. Entries may be evicted at any time.
type RateCache interface {
	Get(ctx context.Context, date time.Time, from, to string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, date time.Time, from, to string, rate decimal.Decimal, ttl time.Duration) error
	Flush(ctx context.Context) error
}

// RateStore is the persistent tier. Entries never expire.
type RateStore interface {
	GetCachedRate(ctx context.Context, date time.Time, from, to string) (decimal.Decimal, bool, error)
	PutCachedRate(ctx context.Context, rate domain.CachedRate) error
}

const keyPrefix = "fxrate:"

func Key(date time.Time, from, to string) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefix, date.UTC().Format(domain.DateLayout), strings.ToUpper(from), strings.ToUpper(to))
}

type NoopRateCache struct{}

func (NoopRateCache) Get(_ context.Context, _ time.Time, _, _ string) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}

func (NoopRateCache) Set(_ context.Context, _ time.Time, _, _ string, _ decimal.Decimal, _ time.Duration) error {
	return nil
}

func (NoopRateCache) Flush(_ context.Context) error {
	return nil
}
