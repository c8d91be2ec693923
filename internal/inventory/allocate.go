package inventory

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/store"
	"opstracker/backend/internal/xid"
)

type Sale struct {
	ProductID         string
	SaleDate          time.Time
	Category          string
	Subcategory       string
	Quantity          int
	UnitSalePriceBase decimal.Decimal
	IncludeExpenses   bool
}

// Allocate consumes batches oldest first. Units that no batch can cover go
// to a single shortage row with zero cost; that is reported, not failed.
func (l *Ledger) Allocate(ctx context.Context, tx store.Tx, sale Sale) (domain.AllocationResult, error) {
	sale.ProductID = strings.TrimSpace(sale.ProductID)
	if sale.ProductID == "" {
		return domain.AllocationResult{}, domain.NewValidationError("product_id", "is required")
	}
	if strings.TrimSpace(sale.Category) == "" {
		return domain.AllocationResult{}, domain.NewValidationError("category", "is required")
	}
	if sale.Quantity <= 0 {
		return domain.AllocationResult{}, domain.NewValidationError("quantity", "must be positive, got %d", sale.Quantity)
	}
	if sale.UnitSalePriceBase.IsNegative() {
		return domain.AllocationResult{}, domain.NewValidationError("unit_sale_price", "must not be negative")
	}

	batches, err := l.AvailableBatches(ctx, tx, sale.Category, sale.Subcategory)
	if err != nil {
		return domain.AllocationResult{}, err
	}

	result := domain.AllocationResult{ProductID: sale.ProductID}
	outstanding := sale.Quantity
	for _, batch := range batches {
		if outstanding == 0 {
			break
		}
		drawn := min(outstanding, batch.RemainingQty)
		if drawn <= 0 {
			continue
		}
		if _, err := l.AdjustRemaining(ctx, tx, batch.ID, -drawn); err != nil {
			return domain.AllocationResult{}, err
		}
		unitCost := batch.CostFor(sale.IncludeExpenses)
		allocation, err := tx.InsertAllocation(ctx, l.allocationRow(sale, batch.ID, drawn, unitCost))
		if err != nil {
			return domain.AllocationResult{}, err
		}
		result.Allocations = append(result.Allocations, allocation)
		outstanding -= drawn
	}

	if outstanding > 0 {
		allocation, err := tx.InsertAllocation(ctx, l.allocationRow(sale, "", outstanding, decimal.Zero))
		if err != nil {
			return domain.AllocationResult{}, err
		}
		result.Allocations = append(result.Allocations, allocation)
		result.ShortageQty = outstanding
		l.logger.WithFields(logrus.Fields{
			"product_id":   sale.ProductID,
			"category":     sale.Category,
			"subcategory":  sale.Subcategory,
			"shortage_qty": outstanding,
		}).Info("sale exceeds recorded inventory")
	}

	for _, a := range result.Allocations {
		l.metrics.RecordAllocation(a.IsShortage())
	}
	l.metrics.RecordShortage(result.ShortageQty)
	return result, nil
}

func (l *Ledger) allocationRow(sale Sale, batchID string, qty int, unitCost decimal.Decimal) domain.Allocation {
	return domain.Allocation{
		ID:            xid.New("alc"),
		ProductID:     sale.ProductID,
		SaleDate:      sale.SaleDate,
		Category:      strings.TrimSpace(sale.Category),
		Subcategory:   strings.TrimSpace(sale.Subcategory),
		BatchID:       batchID,
		Quantity:      qty,
		UnitCost:      unitCost,
		UnitSalePrice: sale.UnitSalePriceBase,
		ProfitPerUnit: sale.UnitSalePriceBase.Sub(unitCost),
		CreatedAt:     l.now(),
	}
}

// DeleteSale soft-deletes every active allocation of the product and puts
// the drawn units back on their batches. A sale with restocked returns must
// have those restocks reversed first.
func (l *Ledger) DeleteSale(ctx context.Context, tx store.Tx, productID string) ([]domain.Allocation, error) {
	allocations, err := tx.ListAllocations(ctx, store.AllocationFilter{ProductID: productID})
	if err != nil {
		return nil, err
	}
	if len(allocations) == 0 {
		return nil, store.ErrNotFound
	}
	for _, a := range allocations {
		credits, err := tx.ListRestockCredits(ctx, store.RestockCreditFilter{AllocationID: a.ID})
		if err != nil {
			return nil, err
		}
		if len(credits) > 0 {
			return nil, domain.NewConsistencyError("allocation", a.ID, "has restocked returns; reverse the restock first")
		}
	}

	deleted := make([]domain.Allocation, 0, len(allocations))
	for _, a := range allocations {
		if !a.IsShortage() {
			if _, err := l.AdjustRemaining(ctx, tx, a.BatchID, a.Quantity); err != nil {
				return nil, err
			}
		}
		a.Deleted = true
		if err := tx.UpdateAllocation(ctx, a); err != nil {
			return nil, err
		}
		deleted = append(deleted, a)
	}
	return deleted, nil
}

// RestoreSale undeletes a product's allocations and draws their units from
// the same batches again. If a batch no longer holds the units the whole
// restore fails with a consistency fault.
func (l *Ledger) RestoreSale(ctx context.Context, tx store.Tx, productID string) ([]domain.Allocation, error) {
	allocations, err := tx.ListAllocations(ctx, store.AllocationFilter{ProductID: productID, IncludeDeleted: true})
	if err != nil {
		return nil, err
	}

	restored := make([]domain.Allocation, 0, len(allocations))
	for _, a := range allocations {
		if !a.Deleted {
			continue
		}
		if !a.IsShortage() {
			batch, err := tx.GetBatch(ctx, a.BatchID)
			if err != nil {
				return nil, err
			}
			if batch.Deleted {
				return nil, domain.NewConsistencyError("batch", batch.ID, "was deleted, cannot restore allocation %s", a.ID)
			}
			if _, err := l.AdjustRemaining(ctx, tx, a.BatchID, -a.Quantity); err != nil {
				return nil, err
			}
		}
		a.Deleted = false
		if err := tx.UpdateAllocation(ctx, a); err != nil {
			return nil, err
		}
		restored = append(restored, a)
	}
	if len(restored) == 0 {
		return nil, store.ErrNotFound
	}
	return restored, nil
}

// BackfillAllocationCosts fills in unit cost and profit on batch-backed
// allocations that were recorded without a cost.
func (l *Ledger) BackfillAllocationCosts(ctx context.Context, tx store.Tx, includeExpenses bool) (int, error) {
	allocations, err := tx.ListAllocations(ctx, store.AllocationFilter{})
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, a := range allocations {
		if a.IsShortage() || !a.UnitCost.IsZero() {
			continue
		}
		batch, err := tx.GetBatch(ctx, a.BatchID)
		if err != nil {
			return updated, err
		}
		cost := batch.CostFor(includeExpenses)
		if cost.IsZero() {
			continue
		}
		a.UnitCost = cost
		a.ProfitPerUnit = a.UnitSalePrice.Sub(cost)
		if err := tx.UpdateAllocation(ctx, a); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}
