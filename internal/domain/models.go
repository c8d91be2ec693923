package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the wire format for calendar dates (lot, sale and return dates).
const DateLayout = "2006-01-02"

type Actor struct {
	Username string
	Role     string
}

type Purchase struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	Date       time.Time       `json:"date"`
	Currency   string          `json:"currency"`
	RateToBase decimal.Decimal `json:"rate_to_base"`
	Supplier   string          `json:"supplier"`
	Note       string          `json:"note,omitempty"`
	Lines      []PurchaseLine  `json:"lines"`
	Deleted    bool            `json:"deleted"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type PurchaseLine struct {
	ID          string          `json:"id"`
	PurchaseID  string          `json:"purchase_id"`
	Category    string          `json:"category"`
	Subcategory string          `json:"subcategory,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	BatchID     string          `json:"batch_id,omitempty"`
}

// OrderValue is quantity times unit price in the purchase currency.
func (l PurchaseLine) OrderValue() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Batch is one purchase lot and the unit of FIFO consumption.
type Batch struct {
	ID               string          `json:"id"`
	Seq              int64           `json:"seq"`
	PurchaseID       string          `json:"purchase_id"`
	PurchaseLineID   string          `json:"purchase_line_id,omitempty"`
	Date             time.Time       `json:"date"`
	Category         string          `json:"category"`
	Subcategory      string          `json:"subcategory,omitempty"`
	OriginalQty      int             `json:"original_qty"`
	RemainingQty     int             `json:"remaining_qty"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	UnitCostBase     decimal.Decimal `json:"unit_cost_base"`
	UnitCostOriginal decimal.Decimal `json:"unit_cost_original"`
	Currency         string          `json:"currency"`
	RateToBase       decimal.Decimal `json:"rate_to_base"`
	Supplier         string          `json:"supplier,omitempty"`
	Note             string          `json:"note,omitempty"`
	Deleted          bool            `json:"deleted"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CostFor picks the expense-adjusted or the pre-redistribution unit cost.
func (b Batch) CostFor(includeExpenses bool) decimal.Decimal {
	if includeExpenses {
		return b.UnitCostBase
	}
	if b.UnitCostOriginal.IsZero() {
		return b.UnitCostBase
	}
	return b.UnitCostOriginal
}

type Expense struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	AmountBase  decimal.Decimal `json:"amount_base"`
	PurchaseIDs []string        `json:"purchase_ids"`
	Deleted     bool            `json:"deleted"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// LinksPurchase reports whether the expense is spread over the purchase.
func (e Expense) LinksPurchase(purchaseID string) bool {
	for _, id := range e.PurchaseIDs {
		if id == purchaseID {
			return true
		}
	}
	return false
}

// Allocation records how many units of one sale came out of one batch.
// An empty BatchID marks a shortage row with zero cost basis.
type Allocation struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	ProductID     string          `json:"product_id"`
	SaleDate      time.Time       `json:"sale_date"`
	Category      string          `json:"category"`
	Subcategory   string          `json:"subcategory,omitempty"`
	BatchID       string          `json:"batch_id,omitempty"`
	Quantity      int             `json:"quantity"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	UnitSalePrice decimal.Decimal `json:"unit_sale_price"`
	ProfitPerUnit decimal.Decimal `json:"profit_per_unit"`
	Deleted       bool            `json:"deleted"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (a Allocation) IsShortage() bool {
	return a.BatchID == ""
}

type Return struct {
	ID               string          `json:"id"`
	Seq              int64           `json:"seq"`
	ReturnDate       time.Time       `json:"return_date"`
	ProductID        string          `json:"product_id"`
	SaleDate         time.Time       `json:"sale_date"`
	Category         string          `json:"category"`
	Subcategory      string          `json:"subcategory,omitempty"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	SellingPrice     decimal.Decimal `json:"selling_price"`
	RefundAmount     decimal.Decimal `json:"refund_amount"`
	RefundCurrency   string          `json:"refund_currency"`
	RefundAmountBase decimal.Decimal `json:"refund_amount_base"`
	Restock          bool            `json:"restock"`
	Reason           string          `json:"reason,omitempty"`
	Documents        []string        `json:"documents,omitempty"`
	Processed        bool            `json:"processed"`
	Deleted          bool            `json:"deleted"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// RestockCredit is the quantity one return moved back onto one batch through
// one allocation. Reversed credits were debited again when restock was cleared.
type RestockCredit struct {
	ID           string    `json:"id"`
	ReturnID     string    `json:"return_id"`
	AllocationID string    `json:"allocation_id"`
	BatchID      string    `json:"batch_id"`
	Quantity     int       `json:"quantity"`
	Reversed     bool      `json:"reversed"`
	CreatedAt    time.Time `json:"created_at"`
}

type CachedRate struct {
	Date time.Time       `json:"date"`
	From string          `json:"from"`
	To   string          `json:"to"`
	Rate decimal.Decimal `json:"rate"`
}

// StockLevel is the simple on-hand view per category and subcategory.
type StockLevel struct {
	Category    string    `json:"category"`
	Subcategory string    `json:"subcategory,omitempty"`
	Quantity    int       `json:"quantity"`
	RebuiltAt   time.Time `json:"rebuilt_at"`
}

type AllocationResult struct {
	ProductID   string       `json:"product_id"`
	Allocations []Allocation `json:"allocations"`
	ShortageQty int          `json:"shortage_qty"`
}

func (r AllocationResult) HasShortage() bool {
	return r.ShortageQty > 0
}

type BatchCredit struct {
	BatchID  string `json:"batch_id"`
	Quantity int    `json:"quantity"`
}

type ReturnResult struct {
	Return           Return        `json:"return"`
	RestockedBatches []BatchCredit `json:"restocked_batches"`
	UncreditedQty    int           `json:"uncredited_qty"`
}

type PurchaseResult struct {
	Purchase  Purchase `json:"purchase"`
	Batches   []Batch  `json:"batches"`
	ExpenseID string   `json:"expense_id,omitempty"`
}

type RedistributionResult struct {
	PurchaseIDs    []string `json:"purchase_ids"`
	UpdatedBatches int      `json:"updated_batches"`
}

type ExpenseResult struct {
	Expense        Expense              `json:"expense"`
	Redistribution RedistributionResult `json:"redistribution"`
}
