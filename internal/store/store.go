package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"opstracker/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// BatchFilter selects batches. An empty Subcategory matches every
// subcategory of the category.
type BatchFilter struct {
	Category       string
	Subcategory    string
	PurchaseID     string
	OnlyAvailable  bool
	IncludeDeleted bool
}

type AllocationFilter struct {
	ProductID      string
	BatchID        string
	IncludeDeleted bool
}

type ReturnFilter struct {
	ProductID      string
	IncludeDeleted bool
}

type ExpenseFilter struct {
	PurchaseID     string
	IncludeDeleted bool
}

type RestockCreditFilter struct {
	ReturnID        string
	AllocationID    string
	IncludeReversed bool
}

// Reader lists rows in a stable order: batches, purchases and expenses by
// date then creation sequence, allocations, returns and credits by creation
// sequence.
type Reader interface {
	GetPurchase(ctx context.Context, id string) (domain.Purchase, error)
	ListPurchases(ctx context.Context, includeDeleted bool) ([]domain.Purchase, error)
	GetBatch(ctx context.Context, id string) (domain.Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]domain.Batch, error)
	GetExpense(ctx context.Context, id string) (domain.Expense, error)
	ListExpenses(ctx context.Context, filter ExpenseFilter) ([]domain.Expense, error)
	ListAllocations(ctx context.Context, filter AllocationFilter) ([]domain.Allocation, error)
	GetReturn(ctx context.Context, id string) (domain.Return, error)
	ListReturns(ctx context.Context, filter ReturnFilter) ([]domain.Return, error)
	ListRestockCredits(ctx context.Context, filter RestockCreditFilter) ([]domain.RestockCredit, error)
	ListStockLevels(ctx context.Context) ([]domain.StockLevel, error)
}

// Tx is one unit of work. Insert methods assign the creation sequence and
// return the stored row; Update methods replace the whole row by id.
type Tx interface {
	Reader
	InsertPurchase(ctx context.Context, purchase domain.Purchase) (domain.Purchase, error)
	UpdatePurchase(ctx context.Context, purchase domain.Purchase) error
	InsertBatch(ctx context.Context, batch domain.Batch) (domain.Batch, error)
	UpdateBatch(ctx context.Context, batch domain.Batch) error
	InsertExpense(ctx context.Context, expense domain.Expense) (domain.Expense, error)
	UpdateExpense(ctx context.Context, expense domain.Expense) error
	InsertAllocation(ctx context.Context, allocation domain.Allocation) (domain.Allocation, error)
	UpdateAllocation(ctx context.Context, allocation domain.Allocation) error
	InsertReturn(ctx context.Context, ret domain.Return) (domain.Return, error)
	UpdateReturn(ctx context.Context, ret domain.Return) error
	InsertRestockCredit(ctx context.Context, credit domain.RestockCredit) (domain.RestockCredit, error)
	UpdateRestockCredit(ctx context.Context, credit domain.RestockCredit) error
	ReplaceStockLevels(ctx context.Context, levels []domain.StockLevel) error
}

// Repository runs fn inside a transaction. Any error returned by fn rolls
// back every write made through tx. The rate methods make a Repository
// usable as the persistent rate tier.
type Repository interface {
	Reader
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetCachedRate(ctx context.Context, date time.Time, from, to string) (decimal.Decimal, bool, error)
	PutCachedRate(ctx context.Context, rate domain.CachedRate) error
}
