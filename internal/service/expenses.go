package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"opstracker/backend/internal/currency"
	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/store"
	"opstracker/backend/internal/xid"
)

func (s *Service) ListExpenses(ctx context.Context, filter store.ExpenseFilter) ([]domain.Expense, error) {
	return s.repo.ListExpenses(ctx, filter)
}

// CreateExpense records a shared expense and spreads it over the linked
// purchases' batches.
func (s *Service) CreateExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.ExpenseResult, error) {
	if err := s.check(req); err != nil {
		return domain.ExpenseResult{}, err
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		return domain.ExpenseResult{}, err
	}
	if err := requireNonNegative("amount", req.Amount); err != nil {
		return domain.ExpenseResult{}, err
	}
	code, err := currency.Normalize(req.Currency)
	if err != nil {
		return domain.ExpenseResult{}, err
	}
	rate, err := s.resolveRate(ctx, date, code, req.ManualRate)
	if err != nil {
		return domain.ExpenseResult{}, err
	}

	now := s.now()
	expense := domain.Expense{
		ID:          xid.New("exp"),
		Date:        date,
		Description: strings.TrimSpace(req.Description),
		Amount:      req.Amount,
		Currency:    code,
		AmountBase:  req.Amount.Mul(rate),
		PurchaseIDs: normalizeIDs(req.PurchaseIDs),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var result domain.ExpenseResult
	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := requirePurchases(ctx, tx, expense.PurchaseIDs); err != nil {
			return err
		}
		saved, err := tx.InsertExpense(ctx, expense)
		if err != nil {
			return err
		}
		redistribution, err := s.redistribute(ctx, tx, saved.PurchaseIDs)
		if err != nil {
			return err
		}
		result = domain.ExpenseResult{Expense: saved, Redistribution: redistribution}
		return nil
	})
	if err != nil {
		return domain.ExpenseResult{}, s.fault("create_expense", expense.ID, err)
	}

	s.logAudit(ctx, "expense_create", "expense", expense.ID, fmt.Sprintf("amount=%s,currency=%s,purchases=%d", expense.Amount.String(), code, len(expense.PurchaseIDs)))
	return result, nil
}

// EditExpense changes an expense and redistributes over the purchases it was
// linked to before and after the change.
func (s *Service) EditExpense(ctx context.Context, id string, req domain.ExpenseUpdateRequest) (domain.ExpenseResult, error) {
	if err := s.check(req); err != nil {
		return domain.ExpenseResult{}, err
	}
	existing, err := s.repo.GetExpense(ctx, id)
	if err != nil {
		return domain.ExpenseResult{}, err
	}
	if existing.Deleted {
		return domain.ExpenseResult{}, store.ErrNotFound
	}

	updated := existing
	if req.Date != nil {
		if updated.Date, err = parseDate("date", *req.Date); err != nil {
			return domain.ExpenseResult{}, err
		}
	}
	if req.Description != nil {
		description := strings.TrimSpace(*req.Description)
		if description == "" {
			return domain.ExpenseResult{}, domain.NewValidationError("description", "is required")
		}
		updated.Description = description
	}
	if req.Amount != nil {
		if err := requireNonNegative("amount", *req.Amount); err != nil {
			return domain.ExpenseResult{}, err
		}
		updated.Amount = *req.Amount
	}
	if req.Currency != nil {
		if updated.Currency, err = currency.Normalize(*req.Currency); err != nil {
			return domain.ExpenseResult{}, err
		}
	}
	if req.PurchaseIDs != nil {
		updated.PurchaseIDs = normalizeIDs(*req.PurchaseIDs)
	}
	if req.Date != nil || req.Amount != nil || req.Currency != nil {
		rate, err := s.resolveRate(ctx, updated.Date, updated.Currency, req.ManualRate)
		if err != nil {
			return domain.ExpenseResult{}, err
		}
		updated.AmountBase = updated.Amount.Mul(rate)
	}
	updated.UpdatedAt = s.now()

	result, err := s.saveExpense(ctx, existing, updated)
	if err != nil {
		return domain.ExpenseResult{}, s.fault("edit_expense", id, err)
	}
	s.logAudit(ctx, "expense_update", "expense", id, fmt.Sprintf("amount=%s,currency=%s,purchases=%d", updated.Amount.String(), updated.Currency, len(updated.PurchaseIDs)))
	return result, nil
}

// DeleteExpense soft-deletes an expense and takes its share back out of the
// linked batches.
func (s *Service) DeleteExpense(ctx context.Context, id string) (domain.ExpenseResult, error) {
	existing, err := s.repo.GetExpense(ctx, id)
	if err != nil {
		return domain.ExpenseResult{}, err
	}
	if existing.Deleted {
		return domain.ExpenseResult{}, store.ErrNotFound
	}
	updated := existing
	updated.Deleted = true
	updated.UpdatedAt = s.now()

	result, err := s.saveExpense(ctx, existing, updated)
	if err != nil {
		return domain.ExpenseResult{}, s.fault("delete_expense", id, err)
	}
	s.logAudit(ctx, "expense_delete", "expense", id, "soft_delete")
	return result, nil
}

// UnlinkExpense removes one purchase from an expense's link set.
func (s *Service) UnlinkExpense(ctx context.Context, id string, req domain.ExpenseUnlinkRequest) (domain.ExpenseResult, error) {
	if err := s.check(req); err != nil {
		return domain.ExpenseResult{}, err
	}
	existing, err := s.repo.GetExpense(ctx, id)
	if err != nil {
		return domain.ExpenseResult{}, err
	}
	if existing.Deleted {
		return domain.ExpenseResult{}, store.ErrNotFound
	}
	purchaseID := strings.TrimSpace(req.PurchaseID)
	if !existing.LinksPurchase(purchaseID) {
		return domain.ExpenseResult{}, domain.NewValidationError("purchase_id", "is not linked to expense %s", id)
	}

	updated := existing
	updated.PurchaseIDs = make([]string, 0, len(existing.PurchaseIDs))
	for _, pid := range existing.PurchaseIDs {
		if pid != purchaseID {
			updated.PurchaseIDs = append(updated.PurchaseIDs, pid)
		}
	}
	updated.UpdatedAt = s.now()

	result, err := s.saveExpense(ctx, existing, updated)
	if err != nil {
		return domain.ExpenseResult{}, s.fault("unlink_expense", id, err)
	}
	s.logAudit(ctx, "expense_unlink", "expense", id, "purchase="+purchaseID)
	return result, nil
}

// OnExpenseLinkChanged re-runs redistribution for the purchases and every
// purchase sharing an expense with them, from the stored expense totals.
func (s *Service) OnExpenseLinkChanged(ctx context.Context, purchaseIDs []string) (domain.RedistributionResult, error) {
	ids := normalizeIDs(purchaseIDs)
	if len(ids) == 0 {
		return domain.RedistributionResult{}, domain.NewValidationError("purchase_ids", "is required")
	}
	var result domain.RedistributionResult
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = s.redistribute(ctx, tx, ids)
		return err
	})
	if err != nil {
		return domain.RedistributionResult{}, s.fault("expense_link_changed", strings.Join(ids, ","), err)
	}
	s.logAudit(ctx, "expense_redistribute", "purchase", strings.Join(result.PurchaseIDs, ","), fmt.Sprintf("updated_batches=%d", result.UpdatedBatches))
	return result, nil
}

// saveExpense writes the new expense row and redistributes over the union
// of old and new links.
func (s *Service) saveExpense(ctx context.Context, before, after domain.Expense) (domain.ExpenseResult, error) {
	var result domain.ExpenseResult
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if !after.Deleted {
			if err := requirePurchases(ctx, tx, after.PurchaseIDs); err != nil {
				return err
			}
		}
		if err := tx.UpdateExpense(ctx, after); err != nil {
			return err
		}
		touched := normalizeIDs(append(append([]string{}, before.PurchaseIDs...), after.PurchaseIDs...))
		redistribution, err := s.redistribute(ctx, tx, touched)
		if err != nil {
			return err
		}
		result = domain.ExpenseResult{Expense: after, Redistribution: redistribution}
		return nil
	})
	return result, err
}

func requirePurchases(ctx context.Context, tx store.Tx, ids []string) error {
	for _, id := range ids {
		purchase, err := tx.GetPurchase(ctx, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && purchase.Deleted) {
			return domain.NewValidationError("purchase_ids", "unknown purchase %s", id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
