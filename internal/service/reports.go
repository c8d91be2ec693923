package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"opstracker/backend/internal/currency"
	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/store"
)

func (s *Service) ProfitBySale(ctx context.Context, includeExpenses bool) ([]domain.ProductProfit, error) {
	return s.analytics.ProfitBySale(ctx, includeExpenses)
}

func (s *Service) MonthlySalesProfit(ctx context.Context, year int, includeExpenses bool) (domain.PeriodReport, error) {
	return s.analytics.MonthlySalesProfit(ctx, year, includeExpenses)
}

func (s *Service) YearlySalesProfit(ctx context.Context, includeExpenses bool) (domain.PeriodReport, error) {
	return s.analytics.YearlySalesProfit(ctx, includeExpenses)
}

func (s *Service) NetOverview(ctx context.Context, year int, includeExpenses bool) ([]domain.NetPeriod, error) {
	if year < 0 {
		return nil, domain.NewValidationError("year", "must not be negative")
	}
	return s.analytics.NetOverview(ctx, year, includeExpenses)
}

func (s *Service) BatchUtilization(ctx context.Context, includeExpenses bool) ([]domain.BatchUtilization, error) {
	return s.analytics.BatchUtilization(ctx, includeExpenses)
}

func (s *Service) ListStockLevels(ctx context.Context) ([]domain.StockLevel, error) {
	return s.repo.ListStockLevels(ctx)
}

// RebuildStock re-derives the stock view from active purchases.
func (s *Service) RebuildStock(ctx context.Context) ([]domain.StockLevel, error) {
	var levels []domain.StockLevel
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		levels, err = s.ledger.RebuildStock(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "stock_rebuild", "stock", "", fmt.Sprintf("levels=%d", len(levels)))
	return levels, nil
}

// LookupRate resolves one rate through the cache tiers and the provider.
func (s *Service) LookupRate(ctx context.Context, date string, from, to string) (decimal.Decimal, error) {
	day, err := parseDate("date", date)
	if err != nil {
		return decimal.Zero, err
	}
	if to == "" {
		to = s.rates.Base()
	}
	return s.rates.Rate(ctx, day, from, to)
}

// OverrideRate stores a manually entered rate in both cache tiers.
func (s *Service) OverrideRate(ctx context.Context, req domain.RateOverrideRequest) error {
	if err := s.check(req); err != nil {
		return err
	}
	day, err := parseDate("date", req.Date)
	if err != nil {
		return err
	}
	if err := s.rates.Override(ctx, day, req.From, req.To, req.Rate); err != nil {
		return err
	}
	s.logAudit(ctx, "rate_override", "rate", fmt.Sprintf("%s:%s:%s", req.Date, req.From, req.To), "rate="+req.Rate.String())
	return nil
}

func (s *Service) FlushRates(ctx context.Context) error {
	if err := s.rates.Flush(ctx); err != nil {
		return err
	}
	s.logAudit(ctx, "rate_flush", "rate", "", "fast_tier")
	return nil
}

// FormatBase renders an amount in the reporting currency.
func (s *Service) FormatBase(amount decimal.Decimal) string {
	return currency.Format(amount, s.rates.Base())
}

// Today is the current date in the service clock, formatted for requests.
func (s *Service) Today() string {
	return s.now().Format(domain.DateLayout)
}
