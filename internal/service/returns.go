package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"opstracker/backend/internal/currency"
	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/store"
	"opstracker/backend/internal/xid"
)

// RecordReturn stores a return with its refund in the reporting currency.
// A restocked return credits its quantity back onto the supplying batches.
func (s *Service) RecordReturn(ctx context.Context, req domain.ReturnCreateRequest) (domain.ReturnResult, error) {
	if err := s.check(req); err != nil {
		return domain.ReturnResult{}, err
	}
	returnDate, err := parseDate("return_date", req.ReturnDate)
	if err != nil {
		return domain.ReturnResult{}, err
	}
	var saleDate time.Time
	if strings.TrimSpace(req.SaleDate) != "" {
		if saleDate, err = parseDate("sale_date", req.SaleDate); err != nil {
			return domain.ReturnResult{}, err
		}
	}
	if err := requireNonNegative("refund_amount", req.RefundAmount); err != nil {
		return domain.ReturnResult{}, err
	}
	refundCode, err := currency.Normalize(req.RefundCurrency)
	if err != nil {
		return domain.ReturnResult{}, err
	}
	rate, err := s.resolveRate(ctx, returnDate, refundCode, req.ManualRate)
	if err != nil {
		return domain.ReturnResult{}, err
	}

	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	now := s.now()
	ret := domain.Return{
		ID:               xid.New("ret"),
		ReturnDate:       returnDate,
		ProductID:        strings.TrimSpace(req.ProductID),
		SaleDate:         saleDate,
		Category:         strings.TrimSpace(req.Category),
		Subcategory:      strings.TrimSpace(req.Subcategory),
		Quantity:         quantity,
		UnitPrice:        req.UnitPrice,
		SellingPrice:     req.SellingPrice,
		RefundAmount:     req.RefundAmount,
		RefundCurrency:   refundCode,
		RefundAmountBase: currency.Round(req.RefundAmount.Mul(rate), s.rates.Base()),
		Restock:          req.Restock,
		Reason:           strings.TrimSpace(req.Reason),
		Documents:        req.Documents,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var result domain.ReturnResult
	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		saved, err := tx.InsertReturn(ctx, ret)
		if err != nil {
			return err
		}
		result = domain.ReturnResult{Return: saved}
		if saved.Restock {
			if result, err = s.ledger.Restock(ctx, tx, saved.ID); err != nil {
				return err
			}
		}
		_, err = s.ledger.RebuildStock(ctx, tx)
		return err
	})
	if err != nil {
		return domain.ReturnResult{}, s.fault("record_return", ret.ID, err)
	}

	s.logAudit(ctx, "return_create", "return", ret.ID, fmt.Sprintf("product=%s,qty=%d,restock=%t,refund_base=%s", ret.ProductID, ret.Quantity, ret.Restock, ret.RefundAmountBase.String()))
	return result, nil
}

func (s *Service) ListReturns(ctx context.Context, filter store.ReturnFilter) ([]domain.Return, error) {
	return s.repo.ListReturns(ctx, filter)
}

// SetReturnRestock changes the restock flag and applies the delta: setting it
// credits the batches, clearing it debits them back.
func (s *Service) SetReturnRestock(ctx context.Context, id string, restock bool) (domain.ReturnResult, error) {
	var result domain.ReturnResult
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ret, err := tx.GetReturn(ctx, id)
		if err != nil {
			return err
		}
		if ret.Deleted {
			return domain.NewConsistencyError("return", id, "is deleted")
		}
		ret.Restock = restock
		ret.UpdatedAt = s.now()
		if err := tx.UpdateReturn(ctx, ret); err != nil {
			return err
		}

		switch {
		case restock && !ret.Processed:
			result, err = s.ledger.Restock(ctx, tx, id)
		case !restock && ret.Processed:
			result, err = s.ledger.Unrestock(ctx, tx, id)
		default:
			result = domain.ReturnResult{Return: ret}
		}
		if err != nil {
			return err
		}
		_, err = s.ledger.RebuildStock(ctx, tx)
		return err
	})
	if err != nil {
		return domain.ReturnResult{}, s.fault("set_return_restock", id, err)
	}

	s.logAudit(ctx, "return_restock_update", "return", id, fmt.Sprintf("restock=%t,processed=%t", restock, result.Return.Processed))
	return result, nil
}

// ReverseRestock debits a processed return's credits and clears its restock
// flag. Reversing a return that was never restocked is a consistency fault.
func (s *Service) ReverseRestock(ctx context.Context, id string) (domain.ReturnResult, error) {
	var result domain.ReturnResult
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = s.ledger.Unrestock(ctx, tx, id)
		if err != nil {
			return err
		}
		result.Return.Restock = false
		if err := tx.UpdateReturn(ctx, result.Return); err != nil {
			return err
		}
		_, err = s.ledger.RebuildStock(ctx, tx)
		return err
	})
	if err != nil {
		return domain.ReturnResult{}, s.fault("reverse_restock", id, err)
	}

	s.logAudit(ctx, "return_restock_reverse", "return", id, fmt.Sprintf("batches=%d", len(result.RestockedBatches)))
	return result, nil
}

// DeleteReturn soft-deletes a return. An applied restock stays applied until
// ReverseRestock is called.
func (s *Service) DeleteReturn(ctx context.Context, id string) error {
	return s.setReturnDeleted(ctx, id, true)
}

func (s *Service) RestoreReturn(ctx context.Context, id string) error {
	return s.setReturnDeleted(ctx, id, false)
}

func (s *Service) setReturnDeleted(ctx context.Context, id string, deleted bool) error {
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ret, err := tx.GetReturn(ctx, id)
		if err != nil {
			return err
		}
		if ret.Deleted == deleted {
			return store.ErrNotFound
		}
		ret.Deleted = deleted
		ret.UpdatedAt = s.now()
		return tx.UpdateReturn(ctx, ret)
	})
	if err != nil {
		return err
	}

	action := "return_delete"
	if !deleted {
		action = "return_restore"
	}
	s.logAudit(ctx, action, "return", id, fmt.Sprintf("deleted=%t", deleted))
	return nil
}
