package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/store"
)

// Store keeps every table in maps. InTx works on a copy of the state and
// swaps it in only when the callback succeeds, so a failed operation leaves
// no partial writes behind.
type Store struct {
	mu    sync.RWMutex
	data  *state
	rates map[string]domain.CachedRate
}

type state struct {
	seq            int64
	purchases      map[string]domain.Purchase
	batches        map[string]domain.Batch
	expenses       map[string]domain.Expense
	allocations    map[string]domain.Allocation
	returns        map[string]domain.Return
	restockCredits map[string]domain.RestockCredit
	stockLevels    []domain.StockLevel
}

func New() *Store {
	return &Store{
		data: &state{
			purchases:      make(map[string]domain.Purchase),
			batches:        make(map[string]domain.Batch),
			expenses:       make(map[string]domain.Expense),
			allocations:    make(map[string]domain.Allocation),
			returns:        make(map[string]domain.Return),
			restockCredits: make(map[string]domain.RestockCredit),
		},
		rates: make(map[string]domain.CachedRate),
	}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.data.clone()
	if err := fn(ctx, &memTx{data: working}); err != nil {
		return err
	}
	s.data = working
	return nil
}

func (s *Store) GetPurchase(_ context.Context, id string) (domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getPurchase(id)
}

func (s *Store) ListPurchases(_ context.Context, includeDeleted bool) ([]domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listPurchases(includeDeleted), nil
}

func (s *Store) GetBatch(_ context.Context, id string) (domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getBatch(id)
}

func (s *Store) ListBatches(_ context.Context, filter store.BatchFilter) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listBatches(filter), nil
}

func (s *Store) GetExpense(_ context.Context, id string) (domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getExpense(id)
}

func (s *Store) ListExpenses(_ context.Context, filter store.ExpenseFilter) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listExpenses(filter), nil
}

func (s *Store) ListAllocations(_ context.Context, filter store.AllocationFilter) ([]domain.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listAllocations(filter), nil
}

func (s *Store) GetReturn(_ context.Context, id string) (domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getReturn(id)
}

func (s *Store) ListReturns(_ context.Context, filter store.ReturnFilter) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listReturns(filter), nil
}

func (s *Store) ListRestockCredits(_ context.Context, filter store.RestockCreditFilter) ([]domain.RestockCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listRestockCredits(filter), nil
}

func (s *Store) ListStockLevels(_ context.Context) ([]domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.data.stockLevels), nil
}

func (s *Store) GetCachedRate(_ context.Context, date time.Time, from, to string) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.rates[rateKey(date, from, to)]
	if !ok {
		return decimal.Zero, false, nil
	}
	return rate.Rate, true, nil
}

func (s *Store) PutCachedRate(_ context.Context, rate domain.CachedRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rate.From = strings.ToUpper(rate.From)
	rate.To = strings.ToUpper(rate.To)
	s.rates[rateKey(rate.Date, rate.From, rate.To)] = rate
	return nil
}

// memTx is only valid inside the InTx callback; the store lock is held.
type memTx struct {
	data *state
}

func (t *memTx) GetPurchase(_ context.Context, id string) (domain.Purchase, error) {
	return t.data.getPurchase(id)
}

func (t *memTx) ListPurchases(_ context.Context, includeDeleted bool) ([]domain.Purchase, error) {
	return t.data.listPurchases(includeDeleted), nil
}

func (t *memTx) GetBatch(_ context.Context, id string) (domain.Batch, error) {
	return t.data.getBatch(id)
}

func (t *memTx) ListBatches(_ context.Context, filter store.BatchFilter) ([]domain.Batch, error) {
	return t.data.listBatches(filter), nil
}

func (t *memTx) GetExpense(_ context.Context, id string) (domain.Expense, error) {
	return t.data.getExpense(id)
}

func (t *memTx) ListExpenses(_ context.Context, filter store.ExpenseFilter) ([]domain.Expense, error) {
	return t.data.listExpenses(filter), nil
}

func (t *memTx) ListAllocations(_ context.Context, filter store.AllocationFilter) ([]domain.Allocation, error) {
	return t.data.listAllocations(filter), nil
}

func (t *memTx) GetReturn(_ context.Context, id string) (domain.Return, error) {
	return t.data.getReturn(id)
}

func (t *memTx) ListReturns(_ context.Context, filter store.ReturnFilter) ([]domain.Return, error) {
	return t.data.listReturns(filter), nil
}

func (t *memTx) ListRestockCredits(_ context.Context, filter store.RestockCreditFilter) ([]domain.RestockCredit, error) {
	return t.data.listRestockCredits(filter), nil
}

func (t *memTx) ListStockLevels(_ context.Context) ([]domain.StockLevel, error) {
	return slices.Clone(t.data.stockLevels), nil
}

func (t *memTx) InsertPurchase(_ context.Context, purchase domain.Purchase) (domain.Purchase, error) {
	if purchase.ID == "" {
		return domain.Purchase{}, store.ErrInvalidTransaction
	}
	if _, exists := t.data.purchases[purchase.ID]; exists {
		return domain.Purchase{}, store.ErrInvalidTransaction
	}
	purchase.Seq = t.data.nextSeq()
	purchase = clonePurchase(purchase)
	t.data.purchases[purchase.ID] = purchase
	return clonePurchase(purchase), nil
}

func (t *memTx) UpdatePurchase(_ context.Context, purchase domain.Purchase) error {
	existing, exists := t.data.purchases[purchase.ID]
	if !exists {
		return store.ErrNotFound
	}
	purchase.Seq = existing.Seq
	t.data.purchases[purchase.ID] = clonePurchase(purchase)
	return nil
}

func (t *memTx) InsertBatch(_ context.Context, batch domain.Batch) (domain.Batch, error) {
	if batch.ID == "" {
		return domain.Batch{}, store.ErrInvalidTransaction
	}
	if _, exists := t.data.batches[batch.ID]; exists {
		return domain.Batch{}, store.ErrInvalidTransaction
	}
	batch.Seq = t.data.nextSeq()
	t.data.batches[batch.ID] = batch
	return batch, nil
}

func (t *memTx) UpdateBatch(_ context.Context, batch domain.Batch) error {
	existing, exists := t.data.batches[batch.ID]
	if !exists {
		return store.ErrNotFound
	}
	batch.Seq = existing.Seq
	t.data.batches[batch.ID] = batch
	return nil
}

func (t *memTx) InsertExpense(_ context.Context, expense domain.Expense) (domain.Expense, error) {
	if expense.ID == "" {
		return domain.Expense{}, store.ErrInvalidTransaction
	}
	if _, exists := t.data.expenses[expense.ID]; exists {
		return domain.Expense{}, store.ErrInvalidTransaction
	}
	expense.Seq = t.data.nextSeq()
	expense.PurchaseIDs = slices.Clone(expense.PurchaseIDs)
	t.data.expenses[expense.ID] = expense
	return cloneExpense(expense), nil
}

func (t *memTx) UpdateExpense(_ context.Context, expense domain.Expense) error {
	existing, exists := t.data.expenses[expense.ID]
	if !exists {
		return store.ErrNotFound
	}
	expense.Seq = existing.Seq
	t.data.expenses[expense.ID] = cloneExpense(expense)
	return nil
}

func (t *memTx) InsertAllocation(_ context.Context, allocation domain.Allocation) (domain.Allocation, error) {
	if allocation.ID == "" {
		return domain.Allocation{}, store.ErrInvalidTransaction
	}
	if _, exists := t.data.allocations[allocation.ID]; exists {
		return domain.Allocation{}, store.ErrInvalidTransaction
	}
	if allocation.BatchID != "" {
		if _, exists := t.data.batches[allocation.BatchID]; !exists {
			return domain.Allocation{}, store.ErrNotFound
		}
	}
	allocation.Seq = t.data.nextSeq()
	t.data.allocations[allocation.ID] = allocation
	return allocation, nil
}

func (t *memTx) UpdateAllocation(_ context.Context, allocation domain.Allocation) error {
	existing, exists := t.data.allocations[allocation.ID]
	if !exists {
		return store.ErrNotFound
	}
	allocation.Seq = existing.Seq
	t.data.allocations[allocation.ID] = allocation
	return nil
}

func (t *memTx) InsertReturn(_ context.Context, ret domain.Return) (domain.Return, error) {
	if ret.ID == "" {
		return domain.Return{}, store.ErrInvalidTransaction
	}
	if _, exists := t.data.returns[ret.ID]; exists {
		return domain.Return{}, store.ErrInvalidTransaction
	}
	ret.Seq = t.data.nextSeq()
	ret = cloneReturn(ret)
	t.data.returns[ret.ID] = ret
	return cloneReturn(ret), nil
}

func (t *memTx) UpdateReturn(_ context.Context, ret domain.Return) error {
	existing, exists := t.data.returns[ret.ID]
	if !exists {
		return store.ErrNotFound
	}
	ret.Seq = existing.Seq
	t.data.returns[ret.ID] = cloneReturn(ret)
	return nil
}

func (t *memTx) InsertRestockCredit(_ context.Context, credit domain.RestockCredit) (domain.RestockCredit, error) {
	if credit.ID == "" {
		return domain.RestockCredit{}, store.ErrInvalidTransaction
	}
	if _, exists := t.data.restockCredits[credit.ID]; exists {
		return domain.RestockCredit{}, store.ErrInvalidTransaction
	}
	t.data.restockCredits[credit.ID] = credit
	return credit, nil
}

func (t *memTx) UpdateRestockCredit(_ context.Context, credit domain.RestockCredit) error {
	if _, exists := t.data.restockCredits[credit.ID]; !exists {
		return store.ErrNotFound
	}
	t.data.restockCredits[credit.ID] = credit
	return nil
}

func (t *memTx) ReplaceStockLevels(_ context.Context, levels []domain.StockLevel) error {
	t.data.stockLevels = slices.Clone(levels)
	return nil
}

func (d *state) nextSeq() int64 {
	d.seq++
	return d.seq
}

func (d *state) clone() *state {
	dup := &state{
		seq:            d.seq,
		purchases:      make(map[string]domain.Purchase, len(d.purchases)),
		batches:        make(map[string]domain.Batch, len(d.batches)),
		expenses:       make(map[string]domain.Expense, len(d.expenses)),
		allocations:    make(map[string]domain.Allocation, len(d.allocations)),
		returns:        make(map[string]domain.Return, len(d.returns)),
		restockCredits: make(map[string]domain.RestockCredit, len(d.restockCredits)),
		stockLevels:    slices.Clone(d.stockLevels),
	}
	for id, p := range d.purchases {
		dup.purchases[id] = clonePurchase(p)
	}
	for id, b := range d.batches {
		dup.batches[id] = b
	}
	for id, e := range d.expenses {
		dup.expenses[id] = cloneExpense(e)
	}
	for id, a := range d.allocations {
		dup.allocations[id] = a
	}
	for id, r := range d.returns {
		dup.returns[id] = cloneReturn(r)
	}
	for id, c := range d.restockCredits {
		dup.restockCredits[id] = c
	}
	return dup
}

func (d *state) getPurchase(id string) (domain.Purchase, error) {
	purchase, exists := d.purchases[id]
	if !exists {
		return domain.Purchase{}, store.ErrNotFound
	}
	return clonePurchase(purchase), nil
}

func (d *state) listPurchases(includeDeleted bool) []domain.Purchase {
	result := make([]domain.Purchase, 0, len(d.purchases))
	for _, p := range d.purchases {
		if p.Deleted && !includeDeleted {
			continue
		}
		result = append(result, clonePurchase(p))
	}
	slices.SortFunc(result, func(a, b domain.Purchase) int {
		return compareDateSeq(a.Date, a.Seq, b.Date, b.Seq)
	})
	return result
}

func (d *state) getBatch(id string) (domain.Batch, error) {
	batch, exists := d.batches[id]
	if !exists {
		return domain.Batch{}, store.ErrNotFound
	}
	return batch, nil
}

func (d *state) listBatches(filter store.BatchFilter) []domain.Batch {
	result := make([]domain.Batch, 0)
	for _, b := range d.batches {
		if b.Deleted && !filter.IncludeDeleted {
			continue
		}
		if filter.Category != "" && b.Category != filter.Category {
			continue
		}
		if filter.Subcategory != "" && b.Subcategory != filter.Subcategory {
			continue
		}
		if filter.PurchaseID != "" && b.PurchaseID != filter.PurchaseID {
			continue
		}
		if filter.OnlyAvailable && b.RemainingQty <= 0 {
			continue
		}
		result = append(result, b)
	}
	slices.SortFunc(result, compareBatchForFIFO)
	return result
}

func (d *state) getExpense(id string) (domain.Expense, error) {
	expense, exists := d.expenses[id]
	if !exists {
		return domain.Expense{}, store.ErrNotFound
	}
	return cloneExpense(expense), nil
}

func (d *state) listExpenses(filter store.ExpenseFilter) []domain.Expense {
	result := make([]domain.Expense, 0)
	for _, e := range d.expenses {
		if e.Deleted && !filter.IncludeDeleted {
			continue
		}
		if filter.PurchaseID != "" && !e.LinksPurchase(filter.PurchaseID) {
			continue
		}
		result = append(result, cloneExpense(e))
	}
	slices.SortFunc(result, func(a, b domain.Expense) int {
		return compareDateSeq(a.Date, a.Seq, b.Date, b.Seq)
	})
	return result
}

func (d *state) listAllocations(filter store.AllocationFilter) []domain.Allocation {
	result := make([]domain.Allocation, 0)
	for _, a := range d.allocations {
		if a.Deleted && !filter.IncludeDeleted {
			continue
		}
		if filter.ProductID != "" && a.ProductID != filter.ProductID {
			continue
		}
		if filter.BatchID != "" && a.BatchID != filter.BatchID {
			continue
		}
		result = append(result, a)
	}
	slices.SortFunc(result, func(a, b domain.Allocation) int {
		return compareInt64(a.Seq, b.Seq)
	})
	return result
}

func (d *state) getReturn(id string) (domain.Return, error) {
	ret, exists := d.returns[id]
	if !exists {
		return domain.Return{}, store.ErrNotFound
	}
	return cloneReturn(ret), nil
}

func (d *state) listReturns(filter store.ReturnFilter) []domain.Return {
	result := make([]domain.Return, 0)
	for _, r := range d.returns {
		if r.Deleted && !filter.IncludeDeleted {
			continue
		}
		if filter.ProductID != "" && r.ProductID != filter.ProductID {
			continue
		}
		result = append(result, cloneReturn(r))
	}
	slices.SortFunc(result, func(a, b domain.Return) int {
		return compareInt64(a.Seq, b.Seq)
	})
	return result
}

func (d *state) listRestockCredits(filter store.RestockCreditFilter) []domain.RestockCredit {
	result := make([]domain.RestockCredit, 0)
	for _, c := range d.restockCredits {
		if c.Reversed && !filter.IncludeReversed {
			continue
		}
		if filter.ReturnID != "" && c.ReturnID != filter.ReturnID {
			continue
		}
		if filter.AllocationID != "" && c.AllocationID != filter.AllocationID {
			continue
		}
		result = append(result, c)
	}
	slices.SortFunc(result, func(a, b domain.RestockCredit) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return result
}

func compareBatchForFIFO(a domain.Batch, b domain.Batch) int {
	return compareDateSeq(a.Date, a.Seq, b.Date, b.Seq)
}

func compareDateSeq(aDate time.Time, aSeq int64, bDate time.Time, bSeq int64) int {
	if aDate.Before(bDate) {
		return -1
	}
	if aDate.After(bDate) {
		return 1
	}
	return compareInt64(aSeq, bSeq)
}

func compareInt64(a int64, b int64) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func rateKey(date time.Time, from, to string) string {
	return date.UTC().Format(domain.DateLayout) + ":" + strings.ToUpper(from) + ":" + strings.ToUpper(to)
}

func clonePurchase(src domain.Purchase) domain.Purchase {
	dup := src
	dup.Lines = slices.Clone(src.Lines)
	return dup
}

func cloneExpense(src domain.Expense) domain.Expense {
	dup := src
	dup.PurchaseIDs = slices.Clone(src.PurchaseIDs)
	return dup
}

func cloneReturn(src domain.Return) domain.Return {
	dup := src
	dup.Documents = slices.Clone(src.Documents)
	return dup
}
