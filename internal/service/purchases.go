package service

import (
	"context"
	"fmt"
	"strings"

	"opstracker/backend/internal/currency"
	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/inventory"
	"opstracker/backend/internal/store"
	"opstracker/backend/internal/xid"
)

func (s *Service) ListPurchases(ctx context.Context, includeDeleted bool) ([]domain.Purchase, error) {
	return s.repo.ListPurchases(ctx, includeDeleted)
}

func (s *Service) GetPurchase(ctx context.Context, id string) (domain.PurchaseResult, error) {
	purchase, err := s.repo.GetPurchase(ctx, id)
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	batches, err := s.repo.ListBatches(ctx, store.BatchFilter{PurchaseID: id, IncludeDeleted: purchase.Deleted})
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	return domain.PurchaseResult{Purchase: purchase, Batches: batches}, nil
}

func (s *Service) ListBatches(ctx context.Context, filter store.BatchFilter) ([]domain.Batch, error) {
	return s.repo.ListBatches(ctx, filter)
}

// RecordPurchase stores a purchase with one batch per line. A linked
// expense total becomes an expense in the purchase currency spread over the
// new batches.
func (s *Service) RecordPurchase(ctx context.Context, req domain.PurchaseCreateRequest) (domain.PurchaseResult, error) {
	if err := s.check(req); err != nil {
		return domain.PurchaseResult{}, err
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	code, err := currency.Normalize(req.Currency)
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	for i, line := range req.Lines {
		if err := requireNonNegative(fmt.Sprintf("lines[%d].unit_price", i), line.UnitPrice); err != nil {
			return domain.PurchaseResult{}, err
		}
	}
	if req.LinkedExpenseTotal != nil {
		if err := requireNonNegative("linked_expense_total", *req.LinkedExpenseTotal); err != nil {
			return domain.PurchaseResult{}, err
		}
	}
	rate, err := s.resolveRate(ctx, date, code, req.ManualRate)
	if err != nil {
		return domain.PurchaseResult{}, err
	}

	now := s.now()
	purchase := domain.Purchase{
		ID:         xid.New("pur"),
		Date:       date,
		Currency:   code,
		RateToBase: rate,
		Supplier:   strings.TrimSpace(req.Supplier),
		Note:       strings.TrimSpace(req.Note),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, line := range req.Lines {
		purchase.Lines = append(purchase.Lines, domain.PurchaseLine{
			ID:          xid.New("pln"),
			PurchaseID:  purchase.ID,
			Category:    strings.TrimSpace(line.Category),
			Subcategory: strings.TrimSpace(line.Subcategory),
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
		})
	}

	var result domain.PurchaseResult
	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		saved, err := tx.InsertPurchase(ctx, purchase)
		if err != nil {
			return err
		}
		batches := make([]domain.Batch, 0, len(saved.Lines))
		for i, line := range saved.Lines {
			batch, err := s.ledger.CreateBatch(ctx, tx, inventory.NewBatch{
				PurchaseID:     saved.ID,
				PurchaseLineID: line.ID,
				Date:           saved.Date,
				Category:       line.Category,
				Subcategory:    line.Subcategory,
				Quantity:       line.Quantity,
				UnitCost:       line.UnitPrice,
				Currency:       saved.Currency,
				RateToBase:     saved.RateToBase,
				Supplier:       saved.Supplier,
				Note:           saved.Note,
			})
			if err != nil {
				return err
			}
			saved.Lines[i].BatchID = batch.ID
			batches = append(batches, batch)
		}
		if err := tx.UpdatePurchase(ctx, saved); err != nil {
			return err
		}

		if req.LinkedExpenseTotal != nil && req.LinkedExpenseTotal.IsPositive() {
			expense, err := tx.InsertExpense(ctx, domain.Expense{
				ID:          xid.New("exp"),
				Date:        saved.Date,
				Description: defaultString(saved.Note, "purchase expense"),
				Amount:      *req.LinkedExpenseTotal,
				Currency:    saved.Currency,
				AmountBase:  req.LinkedExpenseTotal.Mul(saved.RateToBase),
				PurchaseIDs: []string{saved.ID},
				CreatedAt:   now,
				UpdatedAt:   now,
			})
			if err != nil {
				return err
			}
			if _, err := s.costing.Recompute(ctx, tx, []string{saved.ID}); err != nil {
				return err
			}
			result.ExpenseID = expense.ID
			batches, err = tx.ListBatches(ctx, store.BatchFilter{PurchaseID: saved.ID})
			if err != nil {
				return err
			}
		}

		if _, err := s.ledger.RebuildStock(ctx, tx); err != nil {
			return err
		}
		result.Purchase = saved
		result.Batches = batches
		return nil
	})
	if err != nil {
		return domain.PurchaseResult{}, s.fault("record_purchase", purchase.ID, err)
	}

	s.logAudit(ctx, "purchase_create", "purchase", result.Purchase.ID, fmt.Sprintf("lines=%d,currency=%s,rate=%s", len(result.Purchase.Lines), code, rate.String()))
	return result, nil
}

// EditPurchase applies line quantity and price changes to the backing
// batches, then redistributes the expenses of every purchase sharing one
// with it and rebuilds stock.
func (s *Service) EditPurchase(ctx context.Context, id string, req domain.PurchaseUpdateRequest) (domain.PurchaseResult, error) {
	if err := s.check(req); err != nil {
		return domain.PurchaseResult{}, err
	}
	for i, edit := range req.Lines {
		if edit.UnitPrice != nil {
			if err := requireNonNegative(fmt.Sprintf("lines[%d].unit_price", i), *edit.UnitPrice); err != nil {
				return domain.PurchaseResult{}, err
			}
		}
	}

	var result domain.PurchaseResult
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		purchase, err := tx.GetPurchase(ctx, id)
		if err != nil {
			return err
		}
		if purchase.Deleted {
			return domain.NewConsistencyError("purchase", id, "is deleted")
		}
		if req.Supplier != nil {
			purchase.Supplier = strings.TrimSpace(*req.Supplier)
		}
		if req.Note != nil {
			purchase.Note = strings.TrimSpace(*req.Note)
		}

		for _, edit := range req.Lines {
			idx := -1
			for i := range purchase.Lines {
				if purchase.Lines[i].ID == edit.ID {
					idx = i
					break
				}
			}
			if idx < 0 {
				return domain.NewValidationError("lines.id", "unknown line %s", edit.ID)
			}
			line := &purchase.Lines[idx]
			if edit.Quantity != nil {
				if _, err := s.ledger.ResizeBatch(ctx, tx, line.BatchID, *edit.Quantity); err != nil {
					return err
				}
				line.Quantity = *edit.Quantity
			}
			if edit.UnitPrice != nil {
				if _, err := s.ledger.RepriceBatch(ctx, tx, line.BatchID, *edit.UnitPrice); err != nil {
					return err
				}
				line.UnitPrice = *edit.UnitPrice
			}
		}

		batches, err := tx.ListBatches(ctx, store.BatchFilter{PurchaseID: id})
		if err != nil {
			return err
		}
		for _, b := range batches {
			if b.Supplier == purchase.Supplier && b.Note == purchase.Note {
				continue
			}
			b.Supplier = purchase.Supplier
			b.Note = purchase.Note
			if err := tx.UpdateBatch(ctx, b); err != nil {
				return err
			}
		}

		purchase.UpdatedAt = s.now()
		if err := tx.UpdatePurchase(ctx, purchase); err != nil {
			return err
		}
		if _, err := s.redistribute(ctx, tx, []string{id}); err != nil {
			return err
		}
		if _, err := s.ledger.RebuildStock(ctx, tx); err != nil {
			return err
		}

		batches, err = tx.ListBatches(ctx, store.BatchFilter{PurchaseID: id})
		if err != nil {
			return err
		}
		result = domain.PurchaseResult{Purchase: purchase, Batches: batches}
		return nil
	})
	if err != nil {
		return domain.PurchaseResult{}, s.fault("edit_purchase", id, err)
	}

	s.logAudit(ctx, "purchase_update", "purchase", id, fmt.Sprintf("lines_changed=%d", len(req.Lines)))
	return result, nil
}

// DeletePurchase soft-deletes a purchase and its batches. A purchase whose
// batches back active sales cannot be deleted.
func (s *Service) DeletePurchase(ctx context.Context, id string) error {
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		purchase, err := tx.GetPurchase(ctx, id)
		if err != nil {
			return err
		}
		if purchase.Deleted {
			return store.ErrNotFound
		}
		batches, err := tx.ListBatches(ctx, store.BatchFilter{PurchaseID: id})
		if err != nil {
			return err
		}
		for _, b := range batches {
			allocations, err := tx.ListAllocations(ctx, store.AllocationFilter{BatchID: b.ID})
			if err != nil {
				return err
			}
			if len(allocations) > 0 {
				return domain.NewConsistencyError("batch", b.ID, "backs %d active allocations; delete those sales first", len(allocations))
			}
		}

		now := s.now()
		for _, b := range batches {
			b.Deleted = true
			b.UpdatedAt = now
			if err := tx.UpdateBatch(ctx, b); err != nil {
				return err
			}
		}
		purchase.Deleted = true
		purchase.UpdatedAt = now
		if err := tx.UpdatePurchase(ctx, purchase); err != nil {
			return err
		}
		if _, err := s.redistribute(ctx, tx, []string{id}); err != nil {
			return err
		}
		_, err = s.ledger.RebuildStock(ctx, tx)
		return err
	})
	if err != nil {
		return s.fault("delete_purchase", id, err)
	}

	s.logAudit(ctx, "purchase_delete", "purchase", id, "soft_delete")
	return nil
}
