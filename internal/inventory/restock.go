package inventory

import (
	"context"

	"github.com/sirupsen/logrus"

	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/store"
	"opstracker/backend/internal/xid"
)

// Restock credits a return's quantity back onto the batches that supplied
// the product, walking its allocations most recent first. Each allocation
// can take back at most what it drew minus earlier credits. The return is
// marked processed when at least one unit was credited.
func (l *Ledger) Restock(ctx context.Context, tx store.Tx, returnID string) (domain.ReturnResult, error) {
	ret, err := tx.GetReturn(ctx, returnID)
	if err != nil {
		return domain.ReturnResult{}, err
	}
	if ret.Processed {
		return domain.ReturnResult{}, domain.NewConsistencyError("return", ret.ID, "restock already processed")
	}
	quantity := ret.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	allocations, err := tx.ListAllocations(ctx, store.AllocationFilter{ProductID: ret.ProductID})
	if err != nil {
		return domain.ReturnResult{}, err
	}

	result := domain.ReturnResult{}
	outstanding := quantity
	for i := len(allocations) - 1; i >= 0 && outstanding > 0; i-- {
		a := allocations[i]
		if a.IsShortage() {
			continue
		}
		capacity, err := l.creditCapacity(ctx, tx, a)
		if err != nil {
			return domain.ReturnResult{}, err
		}
		credit := min(outstanding, capacity)
		if credit <= 0 {
			continue
		}
		if _, err := l.AdjustRemaining(ctx, tx, a.BatchID, credit); err != nil {
			return domain.ReturnResult{}, err
		}
		_, err = tx.InsertRestockCredit(ctx, domain.RestockCredit{
			ID:           xid.New("rsc"),
			ReturnID:     ret.ID,
			AllocationID: a.ID,
			BatchID:      a.BatchID,
			Quantity:     credit,
			CreatedAt:    l.now(),
		})
		if err != nil {
			return domain.ReturnResult{}, err
		}
		result.RestockedBatches = mergeCredit(result.RestockedBatches, a.BatchID, credit)
		outstanding -= credit
	}

	result.UncreditedQty = outstanding
	if outstanding < quantity {
		ret.Processed = true
		ret.UpdatedAt = l.now()
		if err := tx.UpdateReturn(ctx, ret); err != nil {
			return domain.ReturnResult{}, err
		}
	}
	if outstanding > 0 {
		l.logger.WithFields(logrus.Fields{
			"return_id":      ret.ID,
			"product_id":     ret.ProductID,
			"uncredited_qty": outstanding,
		}).Info("return quantity exceeds restockable allocations")
	}
	l.metrics.RecordRestock(quantity - outstanding)

	result.Return = ret
	return result, nil
}

// Unrestock debits every credit a processed return made and clears its
// processed flag. Debiting a batch whose restocked units were sold again
// is a consistency fault.
func (l *Ledger) Unrestock(ctx context.Context, tx store.Tx, returnID string) (domain.ReturnResult, error) {
	ret, err := tx.GetReturn(ctx, returnID)
	if err != nil {
		return domain.ReturnResult{}, err
	}
	if !ret.Processed {
		return domain.ReturnResult{}, domain.NewConsistencyError("return", ret.ID, "restock was never processed")
	}

	credits, err := tx.ListRestockCredits(ctx, store.RestockCreditFilter{ReturnID: ret.ID})
	if err != nil {
		return domain.ReturnResult{}, err
	}
	result := domain.ReturnResult{}
	for _, c := range credits {
		if _, err := l.AdjustRemaining(ctx, tx, c.BatchID, -c.Quantity); err != nil {
			return domain.ReturnResult{}, err
		}
		c.Reversed = true
		if err := tx.UpdateRestockCredit(ctx, c); err != nil {
			return domain.ReturnResult{}, err
		}
		result.RestockedBatches = mergeCredit(result.RestockedBatches, c.BatchID, -c.Quantity)
	}

	ret.Processed = false
	ret.UpdatedAt = l.now()
	if err := tx.UpdateReturn(ctx, ret); err != nil {
		return domain.ReturnResult{}, err
	}
	result.Return = ret
	return result, nil
}

func (l *Ledger) creditCapacity(ctx context.Context, tx store.Tx, a domain.Allocation) (int, error) {
	credits, err := tx.ListRestockCredits(ctx, store.RestockCreditFilter{AllocationID: a.ID})
	if err != nil {
		return 0, err
	}
	capacity := a.Quantity
	for _, c := range credits {
		capacity -= c.Quantity
	}
	return capacity, nil
}

func mergeCredit(credits []domain.BatchCredit, batchID string, qty int) []domain.BatchCredit {
	for i := range credits {
		if credits[i].BatchID == batchID {
			credits[i].Quantity += qty
			return credits
		}
	}
	return append(credits, domain.BatchCredit{BatchID: batchID, Quantity: qty})
}
