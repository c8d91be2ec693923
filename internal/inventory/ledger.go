// Package inventory owns batch quantities: lot creation, FIFO sale
// allocation and the reversal of allocations by restocked returns.
//
// Every mutating function takes a store.Tx and never commits on its own;
// callers group them into one unit of work.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/metrics"
	"opstracker/backend/internal/store"
	"opstracker/backend/internal/xid"
)

type Ledger struct {
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(logger logrus.FieldLogger, m *metrics.Metrics) *Ledger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ledger{
		logger:  logger.WithField("module", "inventory"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewBatch describes one purchase lot. UnitCost is in Currency; RateToBase
// converts it into the reporting currency and was resolved by the caller.
type NewBatch struct {
	PurchaseID     string
	PurchaseLineID string
	Date           time.Time
	Category       string
	Subcategory    string
	Quantity       int
	UnitCost       decimal.Decimal
	Currency       string
	RateToBase     decimal.Decimal
	Supplier       string
	Note           string
}

func (l *Ledger) CreateBatch(ctx context.Context, tx store.Tx, in NewBatch) (domain.Batch, error) {
	in.Category = strings.TrimSpace(in.Category)
	in.Subcategory = strings.TrimSpace(in.Subcategory)
	if in.Category == "" {
		return domain.Batch{}, domain.NewValidationError("category", "is required")
	}
	if in.Quantity <= 0 {
		return domain.Batch{}, domain.NewValidationError("quantity", "must be positive, got %d", in.Quantity)
	}
	if in.UnitCost.IsNegative() {
		return domain.Batch{}, domain.NewValidationError("unit_price", "must not be negative")
	}
	if !in.RateToBase.IsPositive() {
		return domain.Batch{}, domain.NewValidationError("rate_to_base", "must be positive")
	}

	now := l.now()
	baseCost := in.UnitCost.Mul(in.RateToBase)
	batch := domain.Batch{
		ID:               xid.New("bat"),
		PurchaseID:       in.PurchaseID,
		PurchaseLineID:   in.PurchaseLineID,
		Date:             in.Date,
		Category:         in.Category,
		Subcategory:      in.Subcategory,
		OriginalQty:      in.Quantity,
		RemainingQty:     in.Quantity,
		UnitCost:         in.UnitCost,
		UnitCostOriginal: baseCost,
		UnitCostBase:     baseCost,
		Currency:         in.Currency,
		RateToBase:       in.RateToBase,
		Supplier:         in.Supplier,
		Note:             in.Note,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return tx.InsertBatch(ctx, batch)
}

// AvailableBatches lists batches with stock left in FIFO order: lot date,
// then creation order. An empty subcategory matches the whole category.
func (l *Ledger) AvailableBatches(ctx context.Context, r store.Reader, category, subcategory string) ([]domain.Batch, error) {
	return r.ListBatches(ctx, store.BatchFilter{
		Category:      strings.TrimSpace(category),
		Subcategory:   strings.TrimSpace(subcategory),
		OnlyAvailable: true,
	})
}

// AdjustRemaining moves a batch's remaining quantity by delta. Leaving
// [0, original] is a consistency fault and nothing is written.
func (l *Ledger) AdjustRemaining(ctx context.Context, tx store.Tx, batchID string, delta int) (domain.Batch, error) {
	batch, err := tx.GetBatch(ctx, batchID)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("batch %s: %w", batchID, err)
	}
	next := batch.RemainingQty + delta
	if next < 0 || next > batch.OriginalQty {
		return domain.Batch{}, domain.NewConsistencyError("batch", batchID,
			"remaining %d%+d leaves [0, %d]", batch.RemainingQty, delta, batch.OriginalQty)
	}
	batch.RemainingQty = next
	batch.UpdatedAt = l.now()
	if err := tx.UpdateBatch(ctx, batch); err != nil {
		return domain.Batch{}, err
	}
	return batch, nil
}

// ResizeBatch changes the lot size after a purchase edit. Remaining moves by
// the same delta, so units already sold stay sold.
func (l *Ledger) ResizeBatch(ctx context.Context, tx store.Tx, batchID string, quantity int) (domain.Batch, error) {
	if quantity <= 0 {
		return domain.Batch{}, domain.NewValidationError("quantity", "must be positive, got %d", quantity)
	}
	batch, err := tx.GetBatch(ctx, batchID)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("batch %s: %w", batchID, err)
	}
	delta := quantity - batch.OriginalQty
	remaining := batch.RemainingQty + delta
	if remaining < 0 {
		return domain.Batch{}, domain.NewConsistencyError("batch", batchID,
			"cannot shrink to %d, %d units already consumed", quantity, batch.OriginalQty-batch.RemainingQty)
	}
	batch.OriginalQty = quantity
	batch.RemainingQty = remaining
	batch.UpdatedAt = l.now()
	if err := tx.UpdateBatch(ctx, batch); err != nil {
		return domain.Batch{}, err
	}
	return batch, nil
}

// RepriceBatch replaces the source-currency unit cost and resets the cost
// basis. Expense redistribution must run afterwards.
func (l *Ledger) RepriceBatch(ctx context.Context, tx store.Tx, batchID string, unitCost decimal.Decimal) (domain.Batch, error) {
	if unitCost.IsNegative() {
		return domain.Batch{}, domain.NewValidationError("unit_price", "must not be negative")
	}
	batch, err := tx.GetBatch(ctx, batchID)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("batch %s: %w", batchID, err)
	}
	batch.UnitCost = unitCost
	batch.UnitCostOriginal = unitCost.Mul(batch.RateToBase)
	batch.UnitCostBase = batch.UnitCostOriginal
	batch.UpdatedAt = l.now()
	if err := tx.UpdateBatch(ctx, batch); err != nil {
		return domain.Batch{}, err
	}
	return batch, nil
}

// RebuildStock re-derives on-hand quantity per category and subcategory from
// active purchases: bought, minus sold, plus restocked. Shortage sales count
// as sold, so an oversold line shows negative stock.
func (l *Ledger) RebuildStock(ctx context.Context, tx store.Tx) ([]domain.StockLevel, error) {
	type key struct{ category, subcategory string }
	totals := make(map[key]int)

	purchases, err := tx.ListPurchases(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, p := range purchases {
		for _, line := range p.Lines {
			totals[key{line.Category, line.Subcategory}] += line.Quantity
		}
	}

	allocations, err := tx.ListAllocations(ctx, store.AllocationFilter{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Allocation, len(allocations))
	for _, a := range allocations {
		byID[a.ID] = a
		totals[key{a.Category, a.Subcategory}] -= a.Quantity
	}

	credits, err := tx.ListRestockCredits(ctx, store.RestockCreditFilter{})
	if err != nil {
		return nil, err
	}
	for _, c := range credits {
		a, ok := byID[c.AllocationID]
		if !ok {
			continue
		}
		totals[key{a.Category, a.Subcategory}] += c.Quantity
	}

	now := l.now()
	levels := make([]domain.StockLevel, 0, len(totals))
	for k, qty := range totals {
		levels = append(levels, domain.StockLevel{Category: k.category, Subcategory: k.subcategory, Quantity: qty, RebuiltAt: now})
	}
	sort.Slice(levels, func(i, j int) bool {
		if levels[i].Category == levels[j].Category {
			return levels[i].Subcategory < levels[j].Subcategory
		}
		return levels[i].Category < levels[j].Category
	})

	if err := tx.ReplaceStockLevels(ctx, levels); err != nil {
		return nil, err
	}
	return levels, nil
}
