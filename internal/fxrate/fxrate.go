package fxrate

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"opstracker/backend/internal/cache"
	"opstracker/backend/internal/currency"
	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/metrics"
)

// Provider is the external source of truth for rates.
type Provider interface {
	Fetch(ctx context.Context, date time.Time, from, to string) (decimal.Decimal, error)
}

type Options struct {
	BaseCurrency string
	CacheTTL     time.Duration
	Timeout      time.Duration
	Logger       logrus.FieldLogger
	Metrics      *metrics.Metrics
}

// Service resolves rates through the fast tier, then the persistent tier,
// then the provider. A provider hit is written through to both tiers.
type Service struct {
	fast       cache.RateCache
	persistent cache.RateStore
	provider   Provider
	base       string
	ttl        time.Duration
	timeout    time.Duration
	logger     logrus.FieldLogger
	metrics    *metrics.Metrics
}

func NewService(fast cache.RateCache, persistent cache.RateStore, provider Provider, opts Options) *Service {
	if fast == nil {
		fast = cache.NoopRateCache{}
	}
	if opts.BaseCurrency == "" {
		opts.BaseCurrency = "EUR"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 7 * 24 * time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Service{
		fast:       fast,
		persistent: persistent,
		provider:   provider,
		base:       opts.BaseCurrency,
		ttl:        opts.CacheTTL,
		timeout:    opts.Timeout,
		logger:     opts.Logger.WithField("module", "fxrate"),
		metrics:    opts.Metrics,
	}
}

// Base is the reporting currency every aggregate is expressed in.
func (s *Service) Base() string {
	return s.base
}

// Rate returns the multiplier converting one unit of from into to on date.
// A missing rate is reported as an error wrapping domain.ErrRateNotFound.
func (s *Service) Rate(ctx context.Context, date time.Time, from, to string) (decimal.Decimal, error) {
	from, err := currency.Normalize(from)
	if err != nil {
		return decimal.Zero, err
	}
	to, err = currency.Normalize(to)
	if err != nil {
		return decimal.Zero, err
	}
	if from == to {
		s.metrics.RecordRateLookup(metrics.TierIdentity)
		return decimal.NewFromInt(1), nil
	}
	day := truncateDay(date)
	fields := logrus.Fields{"date": day.Format(domain.DateLayout), "from": from, "to": to}

	rate, ok, err := s.fast.Get(ctx, day, from, to)
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("fast rate tier lookup failed")
	} else if ok {
		s.metrics.RecordRateLookup(metrics.TierCache)
		return rate, nil
	}

	if s.persistent != nil {
		rate, ok, err = s.persistent.GetCachedRate(ctx, day, from, to)
		if err != nil {
			s.logger.WithFields(fields).WithError(err).Warn("persistent rate tier lookup failed")
		} else if ok {
			s.metrics.RecordRateLookup(metrics.TierStore)
			s.setFast(ctx, day, from, to, rate)
			return rate, nil
		}
	}

	if s.provider == nil {
		s.metrics.RecordRateLookup(metrics.TierMiss)
		return decimal.Zero, &domain.RateNotFoundError{Date: day.Format(domain.DateLayout), From: from, To: to}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	started := time.Now()
	rate, err = s.provider.Fetch(fetchCtx, day, from, to)
	s.metrics.ObserveRateProvider(time.Since(started))
	if err == nil && !rate.IsPositive() {
		err = errors.New("provider returned a non-positive rate")
	}
	if err != nil {
		s.metrics.RecordRateLookup(metrics.TierMiss)
		s.logger.WithFields(fields).WithError(err).Info("currency rate unavailable")
		return decimal.Zero, &domain.RateNotFoundError{Date: day.Format(domain.DateLayout), From: from, To: to, Err: err}
	}

	s.metrics.RecordRateLookup(metrics.TierProvider)
	s.store(ctx, day, from, to, rate)
	return rate, nil
}

// Convert multiplies amount by Rate(date, from, to).
func (s *Service) Convert(ctx context.Context, date time.Time, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	rate, err := s.Rate(ctx, date, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate), nil
}

// ToBase converts into the reporting currency.
func (s *Service) ToBase(ctx context.Context, date time.Time, amount decimal.Decimal, from string) (decimal.Decimal, error) {
	return s.Convert(ctx, date, amount, from, s.base)
}

// Override records a manually entered rate in both tiers.
func (s *Service) Override(ctx context.Context, date time.Time, from, to string, rate decimal.Decimal) error {
	from, err := currency.Normalize(from)
	if err != nil {
		return err
	}
	to, err = currency.Normalize(to)
	if err != nil {
		return err
	}
	if !rate.IsPositive() {
		return domain.NewValidationError("rate", "must be positive")
	}
	if from == to {
		return domain.NewValidationError("to", "must differ from the source currency")
	}
	day := truncateDay(date)
	if s.persistent != nil {
		if err := s.persistent.PutCachedRate(ctx, domain.CachedRate{Date: day, From: from, To: to, Rate: rate}); err != nil {
			return err
		}
	}
	s.setFast(ctx, day, from, to, rate)
	return nil
}

// Flush empties the fast tier. The persistent tier is never flushed.
func (s *Service) Flush(ctx context.Context) error {
	return s.fast.Flush(ctx)
}

func (s *Service) store(ctx context.Context, day time.Time, from, to string, rate decimal.Decimal) {
	if s.persistent != nil {
		err := s.persistent.PutCachedRate(ctx, domain.CachedRate{Date: day, From: from, To: to, Rate: rate})
		if err != nil {
			s.logger.WithFields(logrus.Fields{"from": from, "to": to}).WithError(err).Warn("persistent rate tier write failed")
		}
	}
	s.setFast(ctx, day, from, to, rate)
}

func (s *Service) setFast(ctx context.Context, day time.Time, from, to string, rate decimal.Decimal) {
	if err := s.fast.Set(ctx, day, from, to, rate, s.ttl); err != nil {
		s.logger.WithFields(logrus.Fields{"from": from, "to": to}).WithError(err).Warn("fast rate tier write failed")
	}
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
