package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/logging"
	"opstracker/backend/internal/metrics"
	"opstracker/backend/internal/store"
	"opstracker/backend/internal/store/memory"
)

type fakeRates struct {
	base      string
	rates     map[string]decimal.Decimal
	overrides int
	flushed   int
}

func (f *fakeRates) Base() string { return f.base }

func (f *fakeRates) Rate(_ context.Context, date time.Time, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if rate, ok := f.rates[from+to]; ok {
		return rate, nil
	}
	return decimal.Zero, &domain.RateNotFoundError{Date: date.Format(domain.DateLayout), From: from, To: to}
}

func (f *fakeRates) Override(_ context.Context, _ time.Time, from, to string, rate decimal.Decimal) error {
	f.rates[from+to] = rate
	f.overrides++
	return nil
}

func (f *fakeRates) Flush(context.Context) error {
	f.flushed++
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func newTestService() (*Service, *memory.Store, *fakeRates) {
	repo := memory.New()
	rates := &fakeRates{base: "EUR", rates: map[string]decimal.Decimal{"USDEUR": dec("0.9")}}
	svc := New(repo, rates, Options{Logger: logging.Discard(), Metrics: metrics.New()})
	return svc, repo, rates
}

func operator() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "operator", Role: "operator"})
}

func onePurchase(t *testing.T, svc *Service, date string, qty int, price string) domain.PurchaseResult {
	t.Helper()
	result, err := svc.RecordPurchase(operator(), domain.PurchaseCreateRequest{
		Date:     date,
		Currency: "EUR",
		Lines:    []domain.PurchaseLineRequest{{Category: "tea", Subcategory: "green", Quantity: qty, UnitPrice: dec(price)}},
	})
	require.NoError(t, err)
	return result
}

func TestRecordPurchaseCreatesBatchesAndStock(t *testing.T) {
	svc, repo, _ := newTestService()

	result, err := svc.RecordPurchase(operator(), domain.PurchaseCreateRequest{
		Date:     "2025-01-01",
		Currency: "usd",
		Supplier: " Leaf Co ",
		Lines: []domain.PurchaseLineRequest{
			{Category: "tea", Subcategory: "green", Quantity: 10, UnitPrice: dec("2")},
			{Category: "tea", Subcategory: "black", Quantity: 5, UnitPrice: dec("4")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", result.Purchase.Currency)
	assert.Equal(t, "Leaf Co", result.Purchase.Supplier)
	require.Len(t, result.Batches, 2)
	assert.True(t, dec("1.8").Equal(result.Batches[0].UnitCostOriginal))
	assert.Equal(t, result.Batches[0].ID, result.Purchase.Lines[0].BatchID)

	levels, err := repo.ListStockLevels(context.Background())
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, 5, levels[0].Quantity)
	assert.Equal(t, 10, levels[1].Quantity)
}

func TestRecordPurchaseValidation(t *testing.T) {
	svc, _, _ := newTestService()

	cases := []domain.PurchaseCreateRequest{
		{Date: "2025-01-01", Currency: "EUR"},
		{Date: "01/01/2025", Currency: "EUR", Lines: []domain.PurchaseLineRequest{{Category: "tea", Quantity: 1}}},
		{Date: "2025-01-01", Currency: "EUR", Lines: []domain.PurchaseLineRequest{{Category: "tea", Quantity: 0}}},
		{Date: "2025-01-01", Currency: "EUR", Lines: []domain.PurchaseLineRequest{{Category: "", Quantity: 1}}},
		{Date: "2025-01-01", Currency: "EUR", Lines: []domain.PurchaseLineRequest{{Category: "tea", Quantity: 1, UnitPrice: dec("-1")}}},
	}
	for _, req := range cases {
		_, err := svc.RecordPurchase(operator(), req)
		assert.True(t, errors.Is(err, domain.ErrValidation), "%+v: %v", req, err)
	}

	_, err := svc.RecordPurchase(operator(), domain.PurchaseCreateRequest{
		Date: "2025-01-01", Currency: "EUR",
		Lines: []domain.PurchaseLineRequest{{Category: "tea", Quantity: 0}},
	})
	var validation *domain.ValidationError
	require.True(t, errors.As(err, &validation))
	assert.Equal(t, "lines[0].quantity", validation.Field)
}

func TestRecordPurchaseRateNotFoundIsRecoverable(t *testing.T) {
	svc, repo, _ := newTestService()
	req := domain.PurchaseCreateRequest{
		Date:     "2025-01-01",
		Currency: "GBP",
		Lines:    []domain.PurchaseLineRequest{{Category: "tea", Quantity: 1, UnitPrice: dec("10")}},
	}

	_, err := svc.RecordPurchase(operator(), req)
	require.True(t, errors.Is(err, domain.ErrRateNotFound))
	purchases, err := repo.ListPurchases(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, purchases)

	req.ManualRate = decPtr("1.2")
	result, err := svc.RecordPurchase(operator(), req)
	require.NoError(t, err)
	assert.True(t, dec("12").Equal(result.Batches[0].UnitCostOriginal))
}

func TestRecordPurchaseWithLinkedExpense(t *testing.T) {
	svc, repo, _ := newTestService()

	result, err := svc.RecordPurchase(operator(), domain.PurchaseCreateRequest{
		Date:               "2025-01-01",
		Currency:           "EUR",
		Lines:              []domain.PurchaseLineRequest{{Category: "tea", Quantity: 10, UnitPrice: dec("2")}},
		LinkedExpenseTotal: decPtr("5"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.ExpenseID)
	assert.True(t, dec("2.5").Equal(result.Batches[0].UnitCostBase))
	assert.True(t, dec("2").Equal(result.Batches[0].UnitCostOriginal))

	expenses, err := repo.ListExpenses(context.Background(), store.ExpenseFilter{PurchaseID: result.Purchase.ID})
	require.NoError(t, err)
	require.Len(t, expenses, 1)
	assert.True(t, dec("5").Equal(expenses[0].AmountBase))
}

func TestRecordSaleScenario(t *testing.T) {
	svc, repo, _ := newTestService()
	purchase := onePurchase(t, svc, "2025-01-01", 10, "2.00")

	sale, err := svc.RecordSale(operator(), domain.SaleCreateRequest{
		ProductID: "sale-1", Date: "2025-02-01", Category: "tea", Subcategory: "green",
		Quantity: 1, UnitSalePrice: dec("5.00"), Currency: "EUR",
	})
	require.NoError(t, err)
	require.Len(t, sale.Allocations, 1)
	assert.True(t, dec("2").Equal(sale.Allocations[0].UnitCost))
	assert.True(t, dec("3").Equal(sale.Allocations[0].ProfitPerUnit))

	batch, err := repo.GetBatch(context.Background(), purchase.Batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 9, batch.RemainingQty)

	ret, err := svc.RecordReturn(operator(), domain.ReturnCreateRequest{
		ReturnDate: "2025-02-05", ProductID: "sale-1", Category: "tea", Subcategory: "green",
		Quantity: 1, RefundAmount: dec("5"), RefundCurrency: "EUR", Restock: true,
	})
	require.NoError(t, err)
	assert.True(t, ret.Return.Processed)
	batch, err = repo.GetBatch(context.Background(), purchase.Batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 10, batch.RemainingQty)

	_, err = svc.RecordReturn(operator(), domain.ReturnCreateRequest{
		ReturnDate: "2025-02-06", ProductID: "sale-1", Category: "tea",
		RefundAmount: dec("5"), RefundCurrency: "EUR",
	})
	require.NoError(t, err)
	batch, err = repo.GetBatch(context.Background(), purchase.Batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 10, batch.RemainingQty)
}

func TestRecordSaleConvertsPrice(t *testing.T) {
	svc, _, _ := newTestService()
	onePurchase(t, svc, "2025-01-01", 10, "1")

	sale, err := svc.RecordSale(operator(), domain.SaleCreateRequest{
		ProductID: "sale-usd", Date: "2025-02-01", Category: "tea",
		Quantity: 2, UnitSalePrice: dec("10"), Currency: "USD",
	})
	require.NoError(t, err)
	assert.True(t, dec("9").Equal(sale.Allocations[0].UnitSalePrice))
	assert.True(t, dec("8").Equal(sale.Allocations[0].ProfitPerUnit))
}

func TestRecordSaleShortageIsReported(t *testing.T) {
	svc, _, _ := newTestService()
	onePurchase(t, svc, "2025-01-01", 2, "1")

	sale, err := svc.RecordSale(operator(), domain.SaleCreateRequest{
		ProductID: "sale-big", Date: "2025-02-01", Category: "tea", Subcategory: "green",
		Quantity: 5, UnitSalePrice: dec("3"), Currency: "EUR",
	})
	require.NoError(t, err)
	assert.True(t, sale.HasShortage())
	assert.Equal(t, 3, sale.ShortageQty)

	levels, err := svc.ListStockLevels(context.Background())
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, -3, levels[0].Quantity)
}

func TestRecordSaleRejectsNonPositiveQuantity(t *testing.T) {
	svc, repo, _ := newTestService()
	onePurchase(t, svc, "2025-01-01", 2, "1")

	_, err := svc.RecordSale(operator(), domain.SaleCreateRequest{
		ProductID: "bad", Date: "2025-02-01", Category: "tea", Quantity: 0, UnitSalePrice: dec("3"), Currency: "EUR",
	})
	assert.True(t, errors.Is(err, domain.ErrValidation))
	allocations, err := repo.ListAllocations(context.Background(), store.AllocationFilter{})
	require.NoError(t, err)
	assert.Empty(t, allocations)
}

func TestSetReturnRestockAppliesDelta(t *testing.T) {
	svc, repo, _ := newTestService()
	purchase := onePurchase(t, svc, "2025-01-01", 5, "1")
	_, err := svc.RecordSale(operator(), domain.SaleCreateRequest{
		ProductID: "s1", Date: "2025-02-01", Category: "tea", Quantity: 2, UnitSalePrice: dec("3"), Currency: "EUR",
	})
	require.NoError(t, err)

	ret, err := svc.RecordReturn(operator(), domain.ReturnCreateRequest{
		ReturnDate: "2025-02-03", ProductID: "s1", Category: "tea", Quantity: 1, RefundAmount: dec("3"), RefundCurrency: "EUR",
	})
	require.NoError(t, err)
	assert.False(t, ret.Return.Processed)

	remaining := func() int {
		b, err := repo.GetBatch(context.Background(), purchase.Batches[0].ID)
		require.NoError(t, err)
		return b.RemainingQty
	}
	assert.Equal(t, 3, remaining())

	updated, err := svc.SetReturnRestock(operator(), ret.Return.ID, true)
	require.NoError(t, err)
	assert.True(t, updated.Return.Processed)
	assert.Equal(t, 4, remaining())

	updated, err = svc.SetReturnRestock(operator(), ret.Return.ID, false)
	require.NoError(t, err)
	assert.False(t, updated.Return.Processed)
	assert.Equal(t, 3, remaining())

	_, err = svc.ReverseRestock(operator(), ret.Return.ID)
	assert.True(t, errors.Is(err, domain.ErrConsistency))
}

func TestDeleteReturnKeepsRestock(t *testing.T) {
	svc, repo, _ := newTestService()
	purchase := onePurchase(t, svc, "2025-01-01", 5, "1")
	_, err := svc.RecordSale(operator(), domain.SaleCreateRequest{
		ProductID: "s1", Date: "2025-02-01", Category: "tea", Quantity: 1, UnitSalePrice: dec("3"), Currency: "EUR",
	})
	require.NoError(t, err)
	ret, err := svc.RecordReturn(operator(), domain.ReturnCreateRequest{
		ReturnDate: "2025-02-03", ProductID: "s1", Category: "tea", Quantity: 1,
		RefundAmount: dec("3"), RefundCurrency: "EUR", Restock: true,
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteReturn(operator(), ret.Return.ID))
	b, err := repo.GetBatch(context.Background(), purchase.Batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 5, b.RemainingQty)
	assert.ErrorIs(t, svc.DeleteReturn(operator(), ret.Return.ID), store.ErrNotFound)

	reversed, err := svc.ReverseRestock(operator(), ret.Return.ID)
	require.NoError(t, err)
	assert.False(t, reversed.Return.Restock)
	b, err = repo.GetBatch(context.Background(), purchase.Batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 4, b.RemainingQty)

	require.NoError(t, svc.RestoreReturn(operator(), ret.Return.ID))
}

func TestRecordReturnConvertsRefund(t *testing.T) {
	svc, _, _ := newTestService()

	ret, err := svc.RecordReturn(operator(), domain.ReturnCreateRequest{
		ReturnDate: "2025-02-03", ProductID: "s1", Category: "tea",
		RefundAmount: dec("10"), RefundCurrency: "USD",
	})
	require.NoError(t, err)
	assert.True(t, dec("9").Equal(ret.Return.RefundAmountBase))
	assert.Equal(t, 1, ret.Return.Quantity)

	_, err = svc.RecordReturn(operator(), domain.ReturnCreateRequest{
		ReturnDate: "2025-02-03", ProductID: "s1", Category: "tea",
		RefundAmount: dec("10"), RefundCurrency: "GBP",
	})
	assert.True(t, errors.Is(err, domain.ErrRateNotFound))
}

func TestDeleteAndRestoreSale(t *testing.T) {
	svc, repo, _ := newTestService()
	purchase := onePurchase(t, svc, "2025-01-01", 5, "1")
	_, err := svc.RecordSale(operator(), domain.SaleCreateRequest{
		ProductID: "s1", Date: "2025-02-01", Category: "tea", Quantity: 2, UnitSalePrice: dec("3"), Currency: "EUR",
	})
	require.NoError(t, err)

	deleted, err := svc.DeleteSale(operator(), "s1")
	require.NoError(t, err)
	assert.Len(t, deleted, 1)
	b, err := repo.GetBatch(context.Background(), purchase.Batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 5, b.RemainingQty)

	restored, err := svc.RestoreSale(operator(), "s1")
	require.NoError(t, err)
	assert.Len(t, restored, 1)
	b, err = repo.GetBatch(context.Background(), purchase.Batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 3, b.RemainingQty)

	_, err = svc.DeleteSale(operator(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpenseLifecycleRedistributes(t *testing.T) {
	svc, repo, _ := newTestService()
	p1 := onePurchase(t, svc, "2025-01-01", 4, "1")
	p2 := onePurchase(t, svc, "2025-01-02", 6, "1")
	cost := func(id string) decimal.Decimal {
		b, err := repo.GetBatch(context.Background(), id)
		require.NoError(t, err)
		return b.UnitCostBase
	}
	b1, b2 := p1.Batches[0].ID, p2.Batches[0].ID

	created, err := svc.CreateExpense(operator(), domain.ExpenseCreateRequest{
		Date: "2025-01-03", Description: "freight", Amount: dec("10"), Currency: "EUR",
		PurchaseIDs: []string{p1.Purchase.ID, p2.Purchase.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, created.Redistribution.UpdatedBatches)
	assert.True(t, dec("2").Equal(cost(b1)), cost(b1).String())
	assert.True(t, dec("2").Equal(cost(b2)), cost(b2).String())

	again, err := svc.OnExpenseLinkChanged(operator(), []string{p1.Purchase.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, again.UpdatedBatches)
	assert.True(t, dec("2").Equal(cost(b1)))

	_, err = svc.UnlinkExpense(operator(), created.Expense.ID, domain.ExpenseUnlinkRequest{PurchaseID: p2.Purchase.ID})
	require.NoError(t, err)
	assert.True(t, dec("3.5").Equal(cost(b1)), cost(b1).String())
	assert.True(t, dec("1").Equal(cost(b2)), cost(b2).String())

	amount := dec("20")
	_, err = svc.EditExpense(operator(), created.Expense.ID, domain.ExpenseUpdateRequest{Amount: &amount})
	require.NoError(t, err)
	assert.True(t, dec("6").Equal(cost(b1)), cost(b1).String())

	_, err = svc.DeleteExpense(operator(), created.Expense.ID)
	require.NoError(t, err)
	assert.True(t, dec("1").Equal(cost(b1)))
	assert.True(t, dec("1").Equal(cost(b2)))
}

func TestCreateExpenseRejectsUnknownPurchase(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.CreateExpense(operator(), domain.ExpenseCreateRequest{
		Date: "2025-01-03", Description: "customs", Amount: dec("10"), Currency: "EUR",
		PurchaseIDs: []string{"pur-missing"},
	})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestEditPurchaseResizesAndRedistributes(t *testing.T) {
	svc, repo, _ := newTestService()
	result, err := svc.RecordPurchase(operator(), domain.PurchaseCreateRequest{
		Date:               "2025-01-01",
		Currency:           "EUR",
		Lines:              []domain.PurchaseLineRequest{{Category: "tea", Quantity: 10, UnitPrice: dec("2")}},
		LinkedExpenseTotal: decPtr("10"),
	})
	require.NoError(t, err)
	lineID := result.Purchase.Lines[0].ID
	batchID := result.Batches[0].ID

	_, err = svc.RecordSale(operator(), domain.SaleCreateRequest{
		ProductID: "s1", Date: "2025-02-01", Category: "tea", Quantity: 4, UnitSalePrice: dec("5"), Currency: "EUR",
	})
	require.NoError(t, err)

	qty := 20
	edited, err := svc.EditPurchase(operator(), result.Purchase.ID, domain.PurchaseUpdateRequest{
		Lines: []domain.PurchaseLineEdit{{ID: lineID, Quantity: &qty}},
	})
	require.NoError(t, err)
	require.Len(t, edited.Batches, 1)
	assert.Equal(t, 20, edited.Batches[0].OriginalQty)
	assert.Equal(t, 16, edited.Batches[0].RemainingQty)
	assert.True(t, dec("2.5").Equal(edited.Batches[0].UnitCostBase), edited.Batches[0].UnitCostBase.String())

	small := 3
	_, err = svc.EditPurchase(operator(), result.Purchase.ID, domain.PurchaseUpdateRequest{
		Lines: []domain.PurchaseLineEdit{{ID: lineID, Quantity: &small}},
	})
	assert.True(t, errors.Is(err, domain.ErrConsistency))
	b, err := repo.GetBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, 20, b.OriginalQty)
}

func TestDeletePurchase(t *testing.T) {
	svc, repo, _ := newTestService()
	sold := onePurchase(t, svc, "2025-01-01", 5, "1")
	_, err := svc.RecordSale(operator(), domain.SaleCreateRequest{
		ProductID: "s1", Date: "2025-02-01", Category: "tea", Quantity: 1, UnitSalePrice: dec("2"), Currency: "EUR",
	})
	require.NoError(t, err)
	err = svc.DeletePurchase(operator(), sold.Purchase.ID)
	assert.True(t, errors.Is(err, domain.ErrConsistency))

	unsold := onePurchase(t, svc, "2025-03-01", 2, "1")
	require.NoError(t, svc.DeletePurchase(operator(), unsold.Purchase.ID))
	b, err := repo.GetBatch(context.Background(), unsold.Batches[0].ID)
	require.NoError(t, err)
	assert.True(t, b.Deleted)

	levels, err := svc.ListStockLevels(context.Background())
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, 4, levels[0].Quantity)
}

func TestReportsDelegate(t *testing.T) {
	svc, _, _ := newTestService()
	onePurchase(t, svc, "2025-01-01", 5, "1")
	_, err := svc.RecordSale(operator(), domain.SaleCreateRequest{
		ProductID: "s1", Date: "2025-02-01", Category: "tea", Quantity: 2, UnitSalePrice: dec("3"), Currency: "EUR",
	})
	require.NoError(t, err)

	rows, err := svc.ProfitBySale(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, dec("4").Equal(rows[0].Profit))

	net, err := svc.NetOverview(context.Background(), 2025, false)
	require.NoError(t, err)
	require.Len(t, net, 1)
	assert.Equal(t, "2025-02", net[0].Period)

	_, err = svc.NetOverview(context.Background(), -1, false)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestOverrideAndFlushRates(t *testing.T) {
	svc, _, rates := newTestService()

	err := svc.OverrideRate(operator(), domain.RateOverrideRequest{Date: "2025-01-01", From: "GBP", To: "EUR", Rate: dec("1.15")})
	require.NoError(t, err)
	assert.Equal(t, 1, rates.overrides)

	rate, err := svc.LookupRate(context.Background(), "2025-01-01", "GBP", "")
	require.NoError(t, err)
	assert.True(t, dec("1.15").Equal(rate))

	require.NoError(t, svc.FlushRates(operator()))
	assert.Equal(t, 1, rates.flushed)

	err = svc.OverrideRate(operator(), domain.RateOverrideRequest{Date: "bad", From: "GBP", To: "EUR", Rate: dec("1")})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestActorContext(t *testing.T) {
	_, ok := ActorFromContext(context.Background())
	assert.False(t, ok)
	actor, ok := ActorFromContext(operator())
	require.True(t, ok)
	assert.Equal(t, "operator", actor.Username)
}
