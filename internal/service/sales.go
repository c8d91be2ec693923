package service

import (
	"context"
	"fmt"
	"strings"

	"opstracker/backend/internal/currency"
	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/inventory"
	"opstracker/backend/internal/store"
)

// RecordSale converts the sale price into the reporting currency and
// allocates the quantity FIFO. A shortage is part of the result, not an error.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleCreateRequest) (domain.AllocationResult, error) {
	if err := s.check(req); err != nil {
		return domain.AllocationResult{}, err
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		return domain.AllocationResult{}, err
	}
	if err := requireNonNegative("unit_sale_price", req.UnitSalePrice); err != nil {
		return domain.AllocationResult{}, err
	}
	rate, err := s.resolveRate(ctx, date, req.Currency, req.ManualRate)
	if err != nil {
		return domain.AllocationResult{}, err
	}
	priceBase := currency.Round(req.UnitSalePrice.Mul(rate), s.rates.Base())

	var result domain.AllocationResult
	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = s.ledger.Allocate(ctx, tx, inventory.Sale{
			ProductID:         strings.TrimSpace(req.ProductID),
			SaleDate:          date,
			Category:          req.Category,
			Subcategory:       req.Subcategory,
			Quantity:          req.Quantity,
			UnitSalePriceBase: priceBase,
			IncludeExpenses:   req.IncludeExpenses,
		})
		if err != nil {
			return err
		}
		_, err = s.ledger.RebuildStock(ctx, tx)
		return err
	})
	if err != nil {
		return domain.AllocationResult{}, s.fault("record_sale", req.ProductID, err)
	}

	s.logAudit(ctx, "sale_create", "sale", result.ProductID, fmt.Sprintf("qty=%d,price_base=%s,shortage=%d", req.Quantity, priceBase.String(), result.ShortageQty))
	return result, nil
}

func (s *Service) ListAllocations(ctx context.Context, filter store.AllocationFilter) ([]domain.Allocation, error) {
	return s.repo.ListAllocations(ctx, filter)
}

// DeleteSale soft-deletes a sale's allocations and puts the units back.
func (s *Service) DeleteSale(ctx context.Context, productID string) ([]domain.Allocation, error) {
	var deleted []domain.Allocation
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		deleted, err = s.ledger.DeleteSale(ctx, tx, productID)
		if err != nil {
			return err
		}
		_, err = s.ledger.RebuildStock(ctx, tx)
		return err
	})
	if err != nil {
		return nil, s.fault("delete_sale", productID, err)
	}
	s.logAudit(ctx, "sale_delete", "sale", productID, fmt.Sprintf("allocations=%d", len(deleted)))
	return deleted, nil
}

func (s *Service) RestoreSale(ctx context.Context, productID string) ([]domain.Allocation, error) {
	var restored []domain.Allocation
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		restored, err = s.ledger.RestoreSale(ctx, tx, productID)
		if err != nil {
			return err
		}
		_, err = s.ledger.RebuildStock(ctx, tx)
		return err
	})
	if err != nil {
		return nil, s.fault("restore_sale", productID, err)
	}
	s.logAudit(ctx, "sale_restore", "sale", productID, fmt.Sprintf("allocations=%d", len(restored)))
	return restored, nil
}

func (s *Service) BackfillAllocationCosts(ctx context.Context, includeExpenses bool) (int, error) {
	var updated int
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		updated, err = s.ledger.BackfillAllocationCosts(ctx, tx, includeExpenses)
		return err
	})
	if err != nil {
		return 0, s.fault("backfill_allocation_costs", "", err)
	}
	s.logAudit(ctx, "allocation_backfill", "allocation", "", fmt.Sprintf("updated=%d,include_expenses=%t", updated, includeExpenses))
	return updated, nil
}
