package inventory

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
	"opstracker/backend/internal/store"
	"opstracker/backend/internal/store/memory"
	"opstracker/backend/internal/xid"
)

func day(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	ctx    context.Context
	repo   *memory.Store
	ledger *Ledger
}

func newFixture() *fixture {
	return &fixture{
		ctx:    context.Background(),
		repo:   memory.New(),
		ledger: New(logging.Discard(), nil),
	}
}

func (f *fixture) tx(t *testing.T, fn func(tx store.Tx) error) {
	t.Helper()
	require.NoError(t, f.repo.InTx(f.ctx, func(_ context.Context, tx store.Tx) error {
		return fn(tx)
	}))
}

func (f *fixture) batch(t *testing.T, date string, sub string, qty int, cost string) domain.Batch {
	t.Helper()
	var created domain.Batch
	f.tx(t, func(tx store.Tx) error {
		purchase, err := tx.InsertPurchase(f.ctx, domain.Purchase{
			ID:         xid.New("pur"),
			Date:       day(date),
			Currency:   "EUR",
			RateToBase: decimal.NewFromInt(1),
			Lines:      []domain.PurchaseLine{{ID: xid.New("pln"), Category: "tea", Subcategory: sub, Quantity: qty, UnitPrice: dec(cost)}},
		})
		if err != nil {
			return err
		}
		created, err = f.ledger.CreateBatch(f.ctx, tx, NewBatch{
			PurchaseID:     purchase.ID,
			PurchaseLineID: purchase.Lines[0].ID,
			Date:           day(date),
			Category:       "tea",
			Subcategory:    sub,
			Quantity:       qty,
			UnitCost:       dec(cost),
			Currency:       "EUR",
			RateToBase:     decimal.NewFromInt(1),
		})
		return err
	})
	return created
}

func (f *fixture) sell(t *testing.T, product string, qty int, price string) domain.AllocationResult {
	t.Helper()
	var result domain.AllocationResult
	f.tx(t, func(tx store.Tx) error {
		var err error
		result, err = f.ledger.Allocate(f.ctx, tx, Sale{
			ProductID:         product,
			SaleDate:          day("2025-03-01"),
			Category:          "tea",
			Subcategory:       "green",
			Quantity:          qty,
			UnitSalePriceBase: dec(price),
		})
		return err
	})
	return result
}

func (f *fixture) returnRow(t *testing.T, product string, qty int) domain.Return {
	t.Helper()
	var ret domain.Return
	f.tx(t, func(tx store.Tx) error {
		var err error
		ret, err = tx.InsertReturn(f.ctx, domain.Return{
			ID:               xid.New("ret"),
			ReturnDate:       day("2025-03-05"),
			ProductID:        product,
			Category:         "tea",
			Subcategory:      "green",
			Quantity:         qty,
			Restock:          true,
			RefundCurrency:   "EUR",
			RefundAmount:     dec("5"),
			RefundAmountBase: dec("5"),
		})
		return err
	})
	return ret
}

func (f *fixture) remaining(t *testing.T, id string) int {
	t.Helper()
	b, err := f.repo.GetBatch(f.ctx, id)
	require.NoError(t, err)
	return b.RemainingQty
}

// conservation checks original = remaining + drawn - credited for every batch.
func (f *fixture) conservation(t *testing.T) {
	t.Helper()
	batches, err := f.repo.ListBatches(f.ctx, store.BatchFilter{IncludeDeleted: true})
	require.NoError(t, err)
	allocations, err := f.repo.ListAllocations(f.ctx, store.AllocationFilter{})
	require.NoError(t, err)
	credits, err := f.repo.ListRestockCredits(f.ctx, store.RestockCreditFilter{})
	require.NoError(t, err)

	for _, b := range batches {
		drawn, credited := 0, 0
		for _, a := range allocations {
			if a.BatchID == b.ID {
				drawn += a.Quantity
			}
		}
		for _, c := range credits {
			if c.BatchID == b.ID {
				credited += c.Quantity
			}
		}
		assert.Equal(t, b.OriginalQty, b.RemainingQty+drawn-credited, "batch %s", b.ID)
	}
}

func TestCreateBatchComputesBaseCost(t *testing.T) {
	f := newFixture()
	var b domain.Batch
	f.tx(t, func(tx store.Tx) error {
		var err error
		b, err = f.ledger.CreateBatch(f.ctx, tx, NewBatch{
			PurchaseID: "p1", Date: day("2025-01-01"), Category: " tea ", Quantity: 10,
			UnitCost: dec("2.50"), Currency: "USD", RateToBase: dec("0.9"),
		})
		return err
	})
	assert.Equal(t, "tea", b.Category)
	assert.Equal(t, 10, b.OriginalQty)
	assert.Equal(t, 10, b.RemainingQty)
	assert.True(t, dec("2.25").Equal(b.UnitCostOriginal))
	assert.True(t, dec("2.25").Equal(b.UnitCostBase))
	assert.True(t, dec("2.50").Equal(b.UnitCost))
}

func TestCreateBatchRejectsBadInput(t *testing.T) {
	f := newFixture()
	cases := []NewBatch{
		{Category: "", Quantity: 1, RateToBase: decimal.NewFromInt(1)},
		{Category: "tea", Quantity: 0, RateToBase: decimal.NewFromInt(1)},
		{Category: "tea", Quantity: 1, UnitCost: dec("-1"), RateToBase: decimal.NewFromInt(1)},
		{Category: "tea", Quantity: 1},
	}
	for _, in := range cases {
		err := f.repo.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := f.ledger.CreateBatch(ctx, tx, in)
			return err
		})
		assert.True(t, errors.Is(err, domain.ErrValidation), "%+v", in)
	}
}

func TestAllocateFollowsFIFOOrder(t *testing.T) {
	f := newFixture()
	d3 := f.batch(t, "2025-03-01", "green", 5, "3")
	d1 := f.batch(t, "2025-01-01", "green", 2, "1")
	d2 := f.batch(t, "2025-02-01", "green", 2, "2")

	result := f.sell(t, "sale-1", 6, "10")
	require.Len(t, result.Allocations, 3)
	assert.Equal(t, d1.ID, result.Allocations[0].BatchID)
	assert.Equal(t, 2, result.Allocations[0].Quantity)
	assert.Equal(t, d2.ID, result.Allocations[1].BatchID)
	assert.Equal(t, 2, result.Allocations[1].Quantity)
	assert.Equal(t, d3.ID, result.Allocations[2].BatchID)
	assert.Equal(t, 2, result.Allocations[2].Quantity)
	assert.False(t, result.HasShortage())

	assert.Equal(t, 0, f.remaining(t, d1.ID))
	assert.Equal(t, 0, f.remaining(t, d2.ID))
	assert.Equal(t, 3, f.remaining(t, d3.ID))
	f.conservation(t)
}

func TestAllocateSameDateUsesCreationOrder(t *testing.T) {
	f := newFixture()
	first := f.batch(t, "2025-01-01", "green", 1, "1")
	f.batch(t, "2025-01-01", "green", 1, "9")

	result := f.sell(t, "sale-1", 1, "10")
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, first.ID, result.Allocations[0].BatchID)
}

func TestAllocateIgnoresOtherSubcategories(t *testing.T) {
	f := newFixture()
	f.batch(t, "2025-01-01", "black", 5, "1")

	result := f.sell(t, "sale-1", 2, "4")
	require.Len(t, result.Allocations, 1)
	assert.True(t, result.Allocations[0].IsShortage())
	assert.Equal(t, 2, result.ShortageQty)
}

func TestAllocateShortageMarksOneRow(t *testing.T) {
	f := newFixture()
	b := f.batch(t, "2025-01-01", "green", 2, "2")

	result := f.sell(t, "sale-1", 5, "7")
	require.Len(t, result.Allocations, 2)
	assert.Equal(t, b.ID, result.Allocations[0].BatchID)

	shortage := result.Allocations[1]
	assert.True(t, shortage.IsShortage())
	assert.Equal(t, 3, shortage.Quantity)
	assert.True(t, shortage.UnitCost.IsZero())
	assert.True(t, dec("7").Equal(shortage.ProfitPerUnit))
	assert.Equal(t, 3, result.ShortageQty)

	total := 0
	for _, a := range result.Allocations {
		total += a.Quantity
	}
	assert.GreaterOrEqual(t, total, 5)
	f.conservation(t)
}

func TestAllocateScenarioSingleBatch(t *testing.T) {
	f := newFixture()
	b := f.batch(t, "2025-01-01", "green", 10, "2.00")

	result := f.sell(t, "sale-1", 1, "5.00")
	require.Len(t, result.Allocations, 1)
	a := result.Allocations[0]
	assert.True(t, dec("2").Equal(a.UnitCost))
	assert.True(t, dec("3").Equal(a.ProfitPerUnit))
	assert.Equal(t, 9, f.remaining(t, b.ID))

	ret := f.returnRow(t, "sale-1", 1)
	var restock domain.ReturnResult
	f.tx(t, func(tx store.Tx) error {
		var err error
		restock, err = f.ledger.Restock(f.ctx, tx, ret.ID)
		return err
	})
	assert.Equal(t, 10, f.remaining(t, b.ID))
	assert.True(t, restock.Return.Processed)
	assert.Equal(t, []domain.BatchCredit{{BatchID: b.ID, Quantity: 1}}, restock.RestockedBatches)

	allocations, err := f.repo.ListAllocations(f.ctx, store.AllocationFilter{ProductID: "sale-1"})
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	assert.Equal(t, 1, allocations[0].Quantity)
	assert.False(t, allocations[0].Deleted)

	stored, err := f.repo.GetReturn(f.ctx, ret.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	f.conservation(t)
}

func TestAllocateScenarioTwoBatches(t *testing.T) {
	f := newFixture()
	jan := f.batch(t, "2025-01-01", "green", 1, "1")
	feb := f.batch(t, "2025-02-01", "green", 5, "1")

	result := f.sell(t, "sale-1", 3, "4")
	require.Len(t, result.Allocations, 2)
	assert.Equal(t, jan.ID, result.Allocations[0].BatchID)
	assert.Equal(t, 1, result.Allocations[0].Quantity)
	assert.Equal(t, feb.ID, result.Allocations[1].BatchID)
	assert.Equal(t, 2, result.Allocations[1].Quantity)
	assert.Equal(t, 0, f.remaining(t, jan.ID))
	assert.Equal(t, 3, f.remaining(t, feb.ID))
}

func TestAllocateRejectsInvalidSale(t *testing.T) {
	f := newFixture()
	f.batch(t, "2025-01-01", "green", 5, "1")
	cases := []Sale{
		{ProductID: "", Category: "tea", Quantity: 1},
		{ProductID: "p", Category: "", Quantity: 1},
		{ProductID: "p", Category: "tea", Quantity: 0},
		{ProductID: "p", Category: "tea", Quantity: -2},
		{ProductID: "p", Category: "tea", Quantity: 1, UnitSalePriceBase: dec("-1")},
	}
	for _, sale := range cases {
		err := f.repo.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := f.ledger.Allocate(ctx, tx, sale)
			return err
		})
		assert.True(t, errors.Is(err, domain.ErrValidation), "%+v", sale)
	}
	allocations, err := f.repo.ListAllocations(f.ctx, store.AllocationFilter{})
	require.NoError(t, err)
	assert.Empty(t, allocations)
}

func TestAllocateIsAtomic(t *testing.T) {
	f := newFixture()
	b := f.batch(t, "2025-01-01", "green", 5, "1")

	boom := errors.New("boom")
	err := f.repo.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := f.ledger.Allocate(ctx, tx, Sale{ProductID: "p", Category: "tea", Quantity: 3}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 5, f.remaining(t, b.ID))
	allocations, err := f.repo.ListAllocations(f.ctx, store.AllocationFilter{})
	require.NoError(t, err)
	assert.Empty(t, allocations)
}

func TestAllocateIncludeExpensesUsesAdjustedCost(t *testing.T) {
	f := newFixture()
	b := f.batch(t, "2025-01-01", "green", 5, "2")
	f.tx(t, func(tx store.Tx) error {
		got, err := tx.GetBatch(f.ctx, b.ID)
		if err != nil {
			return err
		}
		got.UnitCostBase = dec("2.5")
		return tx.UpdateBatch(f.ctx, got)
	})

	var withExpenses domain.AllocationResult
	f.tx(t, func(tx store.Tx) error {
		var err error
		withExpenses, err = f.ledger.Allocate(f.ctx, tx, Sale{ProductID: "p1", Category: "tea", Quantity: 1, UnitSalePriceBase: dec("4"), IncludeExpenses: true})
		return err
	})
	assert.True(t, dec("2.5").Equal(withExpenses.Allocations[0].UnitCost))

	plain := f.sell(t, "p2", 1, "4")
	assert.True(t, dec("2").Equal(plain.Allocations[0].UnitCost))
}

func TestAdjustRemainingRejectsOutOfRange(t *testing.T) {
	f := newFixture()
	b := f.batch(t, "2025-01-01", "green", 3, "1")

	for _, delta := range []int{-4, 1} {
		err := f.repo.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := f.ledger.AdjustRemaining(ctx, tx, b.ID, delta)
			return err
		})
		var consistency *domain.ConsistencyError
		require.True(t, errors.As(err, &consistency), "delta %d", delta)
		assert.Equal(t, b.ID, consistency.ID)
	}
	assert.Equal(t, 3, f.remaining(t, b.ID))
}

func TestRestockWalksMostRecentAllocationFirst(t *testing.T) {
	f := newFixture()
	jan := f.batch(t, "2025-01-01", "green", 1, "1")
	feb := f.batch(t, "2025-02-01", "green", 5, "2")
	f.sell(t, "sale-1", 3, "4")

	ret := f.returnRow(t, "sale-1", 2)
	var result domain.ReturnResult
	f.tx(t, func(tx store.Tx) error {
		var err error
		result, err = f.ledger.Restock(f.ctx, tx, ret.ID)
		return err
	})
	assert.Equal(t, []domain.BatchCredit{{BatchID: feb.ID, Quantity: 2}}, result.RestockedBatches)
	assert.Equal(t, 0, result.UncreditedQty)
	assert.Equal(t, 0, f.remaining(t, jan.ID))
	assert.Equal(t, 5, f.remaining(t, feb.ID))

	second := f.returnRow(t, "sale-1", 2)
	f.tx(t, func(tx store.Tx) error {
		var err error
		result, err = f.ledger.Restock(f.ctx, tx, second.ID)
		return err
	})
	assert.Equal(t, []domain.BatchCredit{{BatchID: jan.ID, Quantity: 1}}, result.RestockedBatches)
	assert.Equal(t, 1, result.UncreditedQty)
	assert.Equal(t, 1, f.remaining(t, jan.ID))
	f.conservation(t)
}

func TestRestockTwiceIsConsistencyFault(t *testing.T) {
	f := newFixture()
	b := f.batch(t, "2025-01-01", "green", 5, "1")
	f.sell(t, "sale-1", 2, "4")
	ret := f.returnRow(t, "sale-1", 1)

	f.tx(t, func(tx store.Tx) error {
		_, err := f.ledger.Restock(f.ctx, tx, ret.ID)
		return err
	})
	err := f.repo.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := f.ledger.Restock(ctx, tx, ret.ID)
		return err
	})
	assert.True(t, errors.Is(err, domain.ErrConsistency))
	assert.Equal(t, 4, f.remaining(t, b.ID))
}

func TestRestockWithoutAllocationsLeavesReturnUnprocessed(t *testing.T) {
	f := newFixture()
	ret := f.returnRow(t, "ghost", 1)

	var result domain.ReturnResult
	f.tx(t, func(tx store.Tx) error {
		var err error
		result, err = f.ledger.Restock(f.ctx, tx, ret.ID)
		return err
	})
	assert.False(t, result.Return.Processed)
	assert.Equal(t, 1, result.UncreditedQty)
	assert.Empty(t, result.RestockedBatches)
}

func TestUnrestockDebitsCredits(t *testing.T) {
	f := newFixture()
	b := f.batch(t, "2025-01-01", "green", 5, "1")
	f.sell(t, "sale-1", 2, "4")
	ret := f.returnRow(t, "sale-1", 1)
	f.tx(t, func(tx store.Tx) error {
		_, err := f.ledger.Restock(f.ctx, tx, ret.ID)
		return err
	})
	require.Equal(t, 4, f.remaining(t, b.ID))

	var result domain.ReturnResult
	f.tx(t, func(tx store.Tx) error {
		var err error
		result, err = f.ledger.Unrestock(f.ctx, tx, ret.ID)
		return err
	})
	assert.False(t, result.Return.Processed)
	assert.Equal(t, 3, f.remaining(t, b.ID))
	f.conservation(t)

	err := f.repo.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := f.ledger.Unrestock(ctx, tx, ret.ID)
		return err
	})
	assert.True(t, errors.Is(err, domain.ErrConsistency))

	f.tx(t, func(tx store.Tx) error {
		_, err := f.ledger.Restock(f.ctx, tx, ret.ID)
		return err
	})
	assert.Equal(t, 4, f.remaining(t, b.ID))
	f.conservation(t)
}

func TestDeleteAndRestoreSale(t *testing.T) {
	f := newFixture()
	b := f.batch(t, "2025-01-01", "green", 2, "1")
	f.sell(t, "sale-1", 3, "4")
	require.Equal(t, 0, f.remaining(t, b.ID))

	f.tx(t, func(tx store.Tx) error {
		deleted, err := f.ledger.DeleteSale(f.ctx, tx, "sale-1")
		assert.Len(t, deleted, 2)
		return err
	})
	assert.Equal(t, 2, f.remaining(t, b.ID))
	f.conservation(t)

	f.tx(t, func(tx store.Tx) error {
		restored, err := f.ledger.RestoreSale(f.ctx, tx, "sale-1")
		assert.Len(t, restored, 2)
		return err
	})
	assert.Equal(t, 0, f.remaining(t, b.ID))
	f.conservation(t)
}

func TestRestoreSaleFailsWhenStockWasResold(t *testing.T) {
	f := newFixture()
	b := f.batch(t, "2025-01-01", "green", 2, "1")
	f.sell(t, "sale-1", 2, "4")
	f.tx(t, func(tx store.Tx) error {
		_, err := f.ledger.DeleteSale(f.ctx, tx, "sale-1")
		return err
	})
	f.sell(t, "sale-2", 1, "4")

	err := f.repo.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := f.ledger.RestoreSale(ctx, tx, "sale-1")
		return err
	})
	assert.True(t, errors.Is(err, domain.ErrConsistency))
	assert.Equal(t, 1, f.remaining(t, b.ID))
}

func TestDeleteSaleRefusesRestockedSale(t *testing.T) {
	f := newFixture()
	f.batch(t, "2025-01-01", "green", 2, "1")
	f.sell(t, "sale-1", 1, "4")
	ret := f.returnRow(t, "sale-1", 1)
	f.tx(t, func(tx store.Tx) error {
		_, err := f.ledger.Restock(f.ctx, tx, ret.ID)
		return err
	})

	err := f.repo.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := f.ledger.DeleteSale(ctx, tx, "sale-1")
		return err
	})
	assert.True(t, errors.Is(err, domain.ErrConsistency))
}

func TestBackfillAllocationCosts(t *testing.T) {
	f := newFixture()
	b := f.batch(t, "2025-01-01", "green", 5, "2")
	f.tx(t, func(tx store.Tx) error {
		_, err := tx.InsertAllocation(f.ctx, domain.Allocation{
			ID: "legacy", ProductID: "old", BatchID: b.ID, Category: "tea", Quantity: 1,
			UnitSalePrice: dec("5"), ProfitPerUnit: dec("5"),
		})
		return err
	})

	var updated int
	f.tx(t, func(tx store.Tx) error {
		var err error
		updated, err = f.ledger.BackfillAllocationCosts(f.ctx, tx, false)
		return err
	})
	assert.Equal(t, 1, updated)

	allocations, err := f.repo.ListAllocations(f.ctx, store.AllocationFilter{ProductID: "old"})
	require.NoError(t, err)
	assert.True(t, dec("2").Equal(allocations[0].UnitCost))
	assert.True(t, dec("3").Equal(allocations[0].ProfitPerUnit))
}

func TestResizeAndRepriceBatch(t *testing.T) {
	f := newFixture()
	b := f.batch(t, "2025-01-01", "green", 5, "2")
	f.sell(t, "sale-1", 3, "4")

	err := f.repo.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := f.ledger.ResizeBatch(ctx, tx, b.ID, 2)
		return err
	})
	assert.True(t, errors.Is(err, domain.ErrConsistency))

	f.tx(t, func(tx store.Tx) error {
		resized, err := f.ledger.ResizeBatch(f.ctx, tx, b.ID, 8)
		if err != nil {
			return err
		}
		assert.Equal(t, 8, resized.OriginalQty)
		assert.Equal(t, 5, resized.RemainingQty)
		repriced, err := f.ledger.RepriceBatch(f.ctx, tx, b.ID, dec("3"))
		if err != nil {
			return err
		}
		assert.True(t, dec("3").Equal(repriced.UnitCostOriginal))
		assert.True(t, dec("3").Equal(repriced.UnitCostBase))
		return nil
	})
	f.conservation(t)
}

func TestRebuildStock(t *testing.T) {
	f := newFixture()
	f.batch(t, "2025-01-01", "green", 5, "1")
	f.batch(t, "2025-01-01", "black", 2, "1")
	f.sell(t, "sale-1", 7, "4")
	ret := f.returnRow(t, "sale-1", 1)
	f.tx(t, func(tx store.Tx) error {
		_, err := f.ledger.Restock(f.ctx, tx, ret.ID)
		return err
	})

	f.tx(t, func(tx store.Tx) error {
		_, err := f.ledger.RebuildStock(f.ctx, tx)
		return err
	})
	levels, err := f.repo.ListStockLevels(f.ctx)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, "black", levels[0].Subcategory)
	assert.Equal(t, 2, levels[0].Quantity)
	assert.Equal(t, "green", levels[1].Subcategory)
	assert.Equal(t, -1, levels[1].Quantity)
}
