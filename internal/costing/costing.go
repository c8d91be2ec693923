// Package costing spreads shared expenses over the batches of the purchases
// they are linked to.
package costing

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/store"
)

// extraPrecision is the number of decimal places kept on a per-unit extra.
const extraPrecision = 10

type OrderLine struct {
	Key       string
	Quantity  int
	UnitValue decimal.Decimal
}

func (l OrderLine) value() decimal.Decimal {
	return l.UnitValue.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type PurchaseOrder struct {
	PurchaseID string
	Lines      []OrderLine
}

func (o PurchaseOrder) value() decimal.Decimal {
	total := decimal.Zero
	for _, line := range o.Lines {
		if line.Quantity <= 0 {
			continue
		}
		total = total.Add(line.value())
	}
	return total
}

// Redistribute splits pool over the group in proportion to order value,
// first per purchase and then per line, and returns the extra cost per unit
// keyed by line. Zero-quantity lines get nothing. A group whose order value
// is zero yields an empty map.
func Redistribute(pool decimal.Decimal, group []PurchaseOrder) map[string]decimal.Decimal {
	extras := make(map[string]decimal.Decimal)
	groupValue := decimal.Zero
	for _, order := range group {
		groupValue = groupValue.Add(order.value())
	}
	if groupValue.IsZero() {
		return extras
	}

	for _, order := range group {
		purchaseValue := order.value()
		if purchaseValue.IsZero() {
			continue
		}
		allotment := pool.Mul(purchaseValue).Div(groupValue)
		for _, line := range order.Lines {
			if line.Quantity <= 0 {
				continue
			}
			lineShare := line.value().Div(purchaseValue)
			perUnit := allotment.Mul(lineShare).Div(decimal.NewFromInt(int64(line.Quantity)))
			extras[line.Key] = extras[line.Key].Add(perUnit)
		}
	}
	return extras
}

type Engine struct {
	logger logrus.FieldLogger
	now    func() time.Time
}

func New(logger logrus.FieldLogger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		logger: logger.WithField("module", "costing"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Recompute re-derives UnitCostBase for every active batch of the given
// purchases as UnitCostOriginal plus the extras of all active expenses
// linked to them. Each expense is spread over its full set of active linked
// purchases. The result depends only on current rows, so repeated runs
// converge.
func (e *Engine) Recompute(ctx context.Context, tx store.Tx, purchaseIDs []string) (domain.RedistributionResult, error) {
	targets := uniqueSorted(purchaseIDs)
	result := domain.RedistributionResult{PurchaseIDs: targets}
	if len(targets) == 0 {
		return result, nil
	}

	orders := make(map[string]*PurchaseOrder)
	batches := make(map[string][]domain.Batch)
	loadOrder := func(purchaseID string) (*PurchaseOrder, error) {
		if order, ok := orders[purchaseID]; ok {
			return order, nil
		}
		order := &PurchaseOrder{PurchaseID: purchaseID}
		purchase, err := tx.GetPurchase(ctx, purchaseID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			orders[purchaseID] = order
			return order, nil
		case err != nil:
			return nil, err
		}
		if !purchase.Deleted {
			rows, err := tx.ListBatches(ctx, store.BatchFilter{PurchaseID: purchaseID})
			if err != nil {
				return nil, err
			}
			batches[purchaseID] = rows
			for _, b := range rows {
				order.Lines = append(order.Lines, OrderLine{Key: b.ID, Quantity: b.OriginalQty, UnitValue: b.UnitCostOriginal})
			}
		}
		orders[purchaseID] = order
		return order, nil
	}

	expenses := make(map[string]domain.Expense)
	for _, id := range targets {
		if _, err := loadOrder(id); err != nil {
			return result, err
		}
		linked, err := tx.ListExpenses(ctx, store.ExpenseFilter{PurchaseID: id})
		if err != nil {
			return result, err
		}
		for _, exp := range linked {
			expenses[exp.ID] = exp
		}
	}

	extras := make(map[string]decimal.Decimal)
	for _, id := range sortedKeys(expenses) {
		exp := expenses[id]
		group := make([]PurchaseOrder, 0, len(exp.PurchaseIDs))
		for _, pid := range uniqueSorted(exp.PurchaseIDs) {
			order, err := loadOrder(pid)
			if err != nil {
				return result, err
			}
			group = append(group, *order)
		}
		shares := Redistribute(exp.AmountBase, group)
		if len(shares) == 0 {
			e.logger.WithFields(logrus.Fields{
				"expense_id":   exp.ID,
				"purchase_ids": exp.PurchaseIDs,
			}).Info("expense group has no order value, skipping redistribution")
		}
		for key, extra := range shares {
			extras[key] = extras[key].Add(extra)
		}
	}

	now := e.now()
	for _, id := range targets {
		for _, b := range batches[id] {
			next := b.UnitCostOriginal.Add(extras[b.ID].Round(extraPrecision))
			if next.Equal(b.UnitCostBase) {
				continue
			}
			b.UnitCostBase = next
			b.UpdatedAt = now
			if err := tx.UpdateBatch(ctx, b); err != nil {
				return result, err
			}
			result.UpdatedBatches++
		}
	}
	return result, nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
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

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
