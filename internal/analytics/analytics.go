// Package analytics derives profit reports from allocations, batches and
// returns. Reports are read-only and computed from a store.Reader snapshot;
// all amounts are in the reporting currency.
package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/store"
)

const (
	monthLayout = "2006-01"
	yearLayout  = "2006"
)

var hundred = decimal.NewFromInt(100)

type Engine struct {
	reader store.Reader
}

func New(reader store.Reader) *Engine {
	return &Engine{reader: reader}
}

// snapshot holds the rows one report needs.
type snapshot struct {
	allocations []domain.Allocation
	byID        map[string]domain.Allocation
	batches     map[string]domain.Batch
	ordered     []domain.Batch
	returns     []domain.Return
	credits     map[string][]domain.RestockCredit
	inc         bool
}

func (e *Engine) load(ctx context.Context, includeExpenses bool) (*snapshot, error) {
	allocations, err := e.reader.ListAllocations(ctx, store.AllocationFilter{})
	if err != nil {
		return nil, err
	}
	batches, err := e.reader.ListBatches(ctx, store.BatchFilter{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	returns, err := e.reader.ListReturns(ctx, store.ReturnFilter{})
	if err != nil {
		return nil, err
	}
	credits, err := e.reader.ListRestockCredits(ctx, store.RestockCreditFilter{})
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		allocations: allocations,
		byID:        make(map[string]domain.Allocation, len(allocations)),
		batches:     make(map[string]domain.Batch, len(batches)),
		ordered:     batches,
		returns:     returns,
		credits:     make(map[string][]domain.RestockCredit),
		inc:         includeExpenses,
	}
	for _, a := range allocations {
		snap.byID[a.ID] = a
	}
	for _, b := range batches {
		snap.batches[b.ID] = b
	}
	for _, c := range credits {
		snap.credits[c.ReturnID] = append(snap.credits[c.ReturnID], c)
	}
	return snap, nil
}

// unitCost is zero for shortage rows. Otherwise the batch cost in the
// requested mode, falling back to the cost captured on the allocation.
func (s *snapshot) unitCost(a domain.Allocation) decimal.Decimal {
	if a.IsShortage() {
		return decimal.Zero
	}
	if b, ok := s.batches[a.BatchID]; ok {
		if cost := b.CostFor(s.inc); !cost.IsZero() {
			return cost
		}
	}
	return a.UnitCost
}

func returnQty(r domain.Return) int {
	if r.Quantity <= 0 {
		return 1
	}
	return r.Quantity
}

// latestAllocation picks the product's most recent batch-backed allocation,
// preferring one with the return's sale date.
func (s *snapshot) latestAllocation(r domain.Return) (domain.Allocation, bool) {
	var latest, sameDay domain.Allocation
	var haveLatest, haveSameDay bool
	for _, a := range s.allocations {
		if a.ProductID != r.ProductID || a.IsShortage() {
			continue
		}
		latest, haveLatest = a, true
		if !r.SaleDate.IsZero() && a.SaleDate.Equal(r.SaleDate) {
			sameDay, haveSameDay = a, true
		}
	}
	if haveSameDay {
		return sameDay, true
	}
	return latest, haveLatest
}

// reversedCost is the cost basis a restocked return puts back: its credits
// when it has any, otherwise the latest allocation's unit cost per unit.
func (s *snapshot) reversedCost(r domain.Return) decimal.Decimal {
	if !r.Restock {
		return decimal.Zero
	}
	if credits := s.credits[r.ID]; len(credits) > 0 {
		total := decimal.Zero
		for _, c := range credits {
			a, ok := s.byID[c.AllocationID]
			if !ok {
				continue
			}
			total = total.Add(s.unitCost(a).Mul(decimal.NewFromInt(int64(c.Quantity))))
		}
		return total
	}
	a, ok := s.latestAllocation(r)
	if !ok {
		return decimal.Zero
	}
	return s.unitCost(a).Mul(decimal.NewFromInt(int64(returnQty(r))))
}

// ProfitBySale groups allocations by product. Returns reduce revenue by the
// refund and quantity by the returned units; restocked returns also take
// their cost basis back out.
func (e *Engine) ProfitBySale(ctx context.Context, includeExpenses bool) ([]domain.ProductProfit, error) {
	snap, err := e.load(ctx, includeExpenses)
	if err != nil {
		return nil, err
	}

	rows := make(map[string]*domain.ProductProfit)
	order := make([]string, 0)
	for _, a := range snap.allocations {
		row, ok := rows[a.ProductID]
		if !ok {
			row = &domain.ProductProfit{ProductID: a.ProductID, Category: a.Category, Subcategory: a.Subcategory}
			rows[a.ProductID] = row
			order = append(order, a.ProductID)
		}
		qty := decimal.NewFromInt(int64(a.Quantity))
		row.Quantity += a.Quantity
		row.Revenue = row.Revenue.Add(a.UnitSalePrice.Mul(qty))
		row.Cost = row.Cost.Add(snap.unitCost(a).Mul(qty))
	}

	for _, r := range snap.returns {
		row, ok := rows[r.ProductID]
		if !ok {
			continue
		}
		row.Revenue = row.Revenue.Sub(r.RefundAmountBase)
		row.Quantity -= returnQty(r)
		row.Cost = row.Cost.Sub(snap.reversedCost(r))
	}

	out := make([]domain.ProductProfit, 0, len(order))
	for _, id := range order {
		row := rows[id]
		row.Profit = row.Revenue.Sub(row.Cost)
		row.MarginPct = margin(row.Profit, row.Cost)
		out = append(out, *row)
	}
	return out, nil
}

// MonthlySalesProfit reports one row per calendar month of year, with the
// return impact of returns dated in that year alongside.
func (e *Engine) MonthlySalesProfit(ctx context.Context, year int, includeExpenses bool) (domain.PeriodReport, error) {
	if year <= 0 {
		return domain.PeriodReport{}, domain.NewValidationError("year", "must be positive, got %d", year)
	}
	return e.periodReport(ctx, includeExpenses, monthLayout, func(t time.Time) bool {
		return t.Year() == year
	})
}

func (e *Engine) YearlySalesProfit(ctx context.Context, includeExpenses bool) (domain.PeriodReport, error) {
	return e.periodReport(ctx, includeExpenses, yearLayout, func(time.Time) bool { return true })
}

func (e *Engine) periodReport(ctx context.Context, includeExpenses bool, layout string, keep func(time.Time) bool) (domain.PeriodReport, error) {
	snap, err := e.load(ctx, includeExpenses)
	if err != nil {
		return domain.PeriodReport{}, err
	}

	rows := make(map[string]*domain.PeriodProfit)
	for _, a := range snap.allocations {
		if !keep(a.SaleDate) {
			continue
		}
		period := a.SaleDate.Format(layout)
		row, ok := rows[period]
		if !ok {
			row = &domain.PeriodProfit{Period: period}
			rows[period] = row
		}
		qty := decimal.NewFromInt(int64(a.Quantity))
		row.Quantity += a.Quantity
		row.Revenue = row.Revenue.Add(a.UnitSalePrice.Mul(qty))
		row.Cost = row.Cost.Add(snap.unitCost(a).Mul(qty))
	}

	impacts := make(map[string]*domain.ReturnImpact)
	for _, r := range snap.returns {
		if !keep(r.ReturnDate) {
			continue
		}
		period := r.ReturnDate.Format(layout)
		impact, ok := impacts[period]
		if !ok {
			impact = &domain.ReturnImpact{Period: period}
			impacts[period] = impact
		}
		impact.Refunds = impact.Refunds.Add(r.RefundAmountBase)
		impact.COGSReversed = impact.COGSReversed.Add(snap.reversedCost(r))
		impact.ItemsReturned += returnQty(r)
	}

	report := domain.PeriodReport{
		Rows:         make([]domain.PeriodProfit, 0, len(rows)),
		ReturnImpact: make([]domain.ReturnImpact, 0, len(impacts)),
	}
	for _, period := range sortedKeys(rows) {
		row := rows[period]
		row.Profit = row.Revenue.Sub(row.Cost)
		row.MarginPct = margin(row.Profit, row.Cost)
		report.Rows = append(report.Rows, *row)
	}
	for _, period := range sortedKeys(impacts) {
		report.ReturnImpact = append(report.ReturnImpact, *impacts[period])
	}
	return report, nil
}

// NetOverview merges sales profit and return impact per period. A zero year
// gives yearly periods, otherwise the months of that year.
func (e *Engine) NetOverview(ctx context.Context, year int, includeExpenses bool) ([]domain.NetPeriod, error) {
	var (
		report domain.PeriodReport
		err    error
	)
	if year == 0 {
		report, err = e.YearlySalesProfit(ctx, includeExpenses)
	} else {
		report, err = e.MonthlySalesProfit(ctx, year, includeExpenses)
	}
	if err != nil {
		return nil, err
	}

	periods := make(map[string]*domain.NetPeriod)
	get := func(period string) *domain.NetPeriod {
		p, ok := periods[period]
		if !ok {
			p = &domain.NetPeriod{Period: period}
			periods[period] = p
		}
		return p
	}
	for _, row := range report.Rows {
		p := get(row.Period)
		p.Revenue = row.Revenue
		p.Cost = row.Cost
	}
	for _, impact := range report.ReturnImpact {
		p := get(impact.Period)
		p.Refunds = impact.Refunds
		p.COGSReversed = impact.COGSReversed
		p.ItemsReturned = impact.ItemsReturned
	}

	out := make([]domain.NetPeriod, 0, len(periods))
	for _, period := range sortedKeys(periods) {
		p := periods[period]
		p.NetRevenue = p.Revenue.Sub(p.Refunds)
		p.NetCost = p.Cost.Sub(p.COGSReversed)
		p.NetProfit = p.NetRevenue.Sub(p.NetCost)
		p.NetMarginPct = margin(p.NetProfit, p.NetCost)
		out = append(out, *p)
	}
	return out, nil
}

// BatchUtilization reports per active batch how much was drawn and what it
// earned. Each return is attributed to the allocation with its sale date,
// else to the product's most recent allocation; its refund comes off that
// batch's profit and, when restocked, its cost basis goes back on.
func (e *Engine) BatchUtilization(ctx context.Context, includeExpenses bool) ([]domain.BatchUtilization, error) {
	snap, err := e.load(ctx, includeExpenses)
	if err != nil {
		return nil, err
	}

	rows := make(map[string]*domain.BatchUtilization)
	out := make([]*domain.BatchUtilization, 0, len(snap.ordered))
	for _, b := range snap.ordered {
		if b.Deleted {
			continue
		}
		allocated := b.OriginalQty - b.RemainingQty
		cost := b.CostFor(includeExpenses)
		row := &domain.BatchUtilization{
			BatchID:       b.ID,
			PurchaseID:    b.PurchaseID,
			Date:          b.Date,
			Category:      b.Category,
			Subcategory:   b.Subcategory,
			OriginalQty:   b.OriginalQty,
			RemainingQty:  b.RemainingQty,
			AllocatedQty:  allocated,
			UnitCost:      cost,
			CostAllocated: cost.Mul(decimal.NewFromInt(int64(allocated))),
		}
		rows[b.ID] = row
		out = append(out, row)
	}

	for _, a := range snap.allocations {
		row, ok := rows[a.BatchID]
		if !ok {
			continue
		}
		qty := decimal.NewFromInt(int64(a.Quantity))
		row.Revenue = row.Revenue.Add(a.UnitSalePrice.Mul(qty))
		row.Profit = row.Profit.Add(a.UnitSalePrice.Sub(snap.unitCost(a)).Mul(qty))
	}

	for _, r := range snap.returns {
		a, ok := snap.latestAllocation(r)
		if !ok {
			continue
		}
		row, ok := rows[a.BatchID]
		if !ok {
			continue
		}
		row.ReturnedQty += returnQty(r)
		row.RefundsApplied = row.RefundsApplied.Add(r.RefundAmountBase)
		row.Profit = row.Profit.Sub(r.RefundAmountBase)
		if r.Restock {
			row.Profit = row.Profit.Add(snap.unitCost(a).Mul(decimal.NewFromInt(int64(returnQty(r)))))
		}
	}

	result := make([]domain.BatchUtilization, 0, len(out))
	for _, row := range out {
		result = append(result, *row)
	}
	return result, nil
}

// margin is profit over cost as a percentage, zero when cost is zero.
func margin(profit, cost decimal.Decimal) decimal.Decimal {
	if cost.IsZero() {
		return decimal.Zero
	}
	return profit.Div(cost).Mul(hundred).Round(2)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
