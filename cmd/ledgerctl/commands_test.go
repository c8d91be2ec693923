package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opstracker/backend/internal/bootstrap"
	"opstracker/backend/internal/config"
	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/logging"
	"opstracker/backend/internal/service"
)

func seededService(t *testing.T) *service.Service {
	t.Helper()
	app, err := bootstrap.Open(context.Background(), config.Config{BaseCurrency: "EUR"}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	ctx := context.Background()
	_, err = app.Service.RecordPurchase(ctx, domain.PurchaseCreateRequest{
		Date:     "2025-03-01",
		Currency: "EUR",
		Lines: []domain.PurchaseLineRequest{
			{Category: "tea", Subcategory: "green", Quantity: 10, UnitPrice: decimal.RequireFromString("2")},
		},
	})
	require.NoError(t, err)
	_, err = app.Service.RecordSale(ctx, domain.SaleCreateRequest{
		ProductID:     "order-1",
		Date:          "2025-03-10",
		Category:      "tea",
		Subcategory:   "green",
		Quantity:      3,
		UnitSalePrice: decimal.RequireFromString("5"),
		Currency:      "EUR",
	})
	require.NoError(t, err)
	return app.Service
}

func TestReportProfitTable(t *testing.T) {
	svc := seededService(t)
	var out bytes.Buffer

	cmd := &reportCmd{kind: "profit", out: &out}
	require.NoError(t, cmd.run(context.Background(), svc))

	assert.Contains(t, out.String(), "PRODUCT")
	assert.Contains(t, out.String(), "order-1")
	assert.Contains(t, out.String(), "tea/green")
}

func TestReportMonthlyJSON(t *testing.T) {
	svc := seededService(t)
	var out bytes.Buffer

	cmd := &reportCmd{kind: "monthly", year: 2025, asJSON: true, out: &out}
	require.NoError(t, cmd.run(context.Background(), svc))

	var report domain.PeriodReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Len(t, report.Rows, 1)
	assert.Equal(t, 3, report.Rows[0].Quantity)
}

func TestReportRejectsUnknownKind(t *testing.T) {
	svc := seededService(t)
	cmd := &reportCmd{kind: "weekly", out: &bytes.Buffer{}}
	assert.Error(t, cmd.run(context.Background(), svc))

	cmd = &reportCmd{kind: "monthly", out: &bytes.Buffer{}}
	assert.Error(t, cmd.run(context.Background(), svc), "monthly needs a year")
}

func TestRebuildPrintsStock(t *testing.T) {
	svc := seededService(t)
	var out bytes.Buffer

	require.NoError(t, (&rebuildCmd{out: &out}).run(context.Background(), svc))

	assert.Contains(t, out.String(), "tea/green")
	assert.Contains(t, out.String(), "7")
}

func TestRateCommand(t *testing.T) {
	svc := seededService(t)
	var out bytes.Buffer

	require.NoError(t, (&rateCmd{date: "2025-03-01", from: "eur", out: &out}).run(context.Background(), svc))
	assert.Equal(t, "2025-03-01 1 EUR = 1 EUR\n", out.String())

	err := (&rateCmd{date: "2025-03-01", from: "USD", out: &out}).run(context.Background(), svc)
	assert.ErrorIs(t, err, domain.ErrRateNotFound)

	assert.Error(t, (&rateCmd{out: &out}).run(context.Background(), svc))
}

func TestWithServiceReportsOpenFailure(t *testing.T) {
	original := openApp
	t.Cleanup(func() { openApp = original })
	openApp = func(context.Context) (*bootstrap.App, error) {
		return nil, errors.New("no database")
	}

	status := withService(context.Background(), func(context.Context, *service.Service) error {
		t.Fatal("must not run without a ledger")
		return nil
	})
	assert.Equal(t, subcommands.ExitFailure, status)
}
