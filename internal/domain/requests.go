package domain

import "github.com/shopspring/decimal"

type PurchaseLineRequest struct {
	Category    string          `json:"category" validate:"required"`
	Subcategory string          `json:"subcategory"`
	Quantity    int             `json:"quantity" validate:"gt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type PurchaseCreateRequest struct {
	Date               string                `json:"date" validate:"required,datetime=2006-01-02"`
	Currency           string                `json:"currency" validate:"required,len=3"`
	Supplier           string                `json:"supplier"`
	Note               string                `json:"note"`
	Lines              []PurchaseLineRequest `json:"lines" validate:"required,min=1,dive"`
	LinkedExpenseTotal *decimal.Decimal      `json:"linked_expense_total,omitempty"`
	ManualRate         *decimal.Decimal      `json:"manual_rate,omitempty"`
}

type PurchaseLineEdit struct {
	ID        string           `json:"id" validate:"required"`
	Quantity  *int             `json:"quantity,omitempty" validate:"omitempty,gt=0"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type PurchaseUpdateRequest struct {
	Supplier *string            `json:"supplier,omitempty"`
	Note     *string            `json:"note,omitempty"`
	Lines    []PurchaseLineEdit `json:"lines,omitempty" validate:"omitempty,dive"`
}

type SaleCreateRequest struct {
	ProductID       string           `json:"product_id" validate:"required"`
	Date            string           `json:"date" validate:"required,datetime=2006-01-02"`
	Category        string           `json:"category" validate:"required"`
	Subcategory     string           `json:"subcategory"`
	Quantity        int              `json:"quantity" validate:"gt=0"`
	UnitSalePrice   decimal.Decimal  `json:"unit_sale_price"`
	Currency        string           `json:"currency" validate:"required,len=3"`
	IncludeExpenses bool             `json:"include_expenses"`
	ManualRate      *decimal.Decimal `json:"manual_rate,omitempty"`
}

type ReturnCreateRequest struct {
	ReturnDate     string           `json:"return_date" validate:"required,datetime=2006-01-02"`
	ProductID      string           `json:"product_id" validate:"required"`
	SaleDate       string           `json:"sale_date" validate:"omitempty,datetime=2006-01-02"`
	Category       string           `json:"category" validate:"required"`
	Subcategory    string           `json:"subcategory"`
	Quantity       int              `json:"quantity" validate:"gte=0"`
	UnitPrice      decimal.Decimal  `json:"unit_price"`
	SellingPrice   decimal.Decimal  `json:"selling_price"`
	RefundAmount   decimal.Decimal  `json:"refund_amount"`
	RefundCurrency string           `json:"refund_currency" validate:"required,len=3"`
	Restock        bool             `json:"restock"`
	Reason         string           `json:"reason"`
	Documents      []string         `json:"documents"`
	ManualRate     *decimal.Decimal `json:"manual_rate,omitempty"`
}

type ReturnRestockRequest struct {
	Restock bool `json:"restock"`
}

type ExpenseCreateRequest struct {
	Date        string           `json:"date" validate:"required,datetime=2006-01-02"`
	Description string           `json:"description" validate:"required"`
	Amount      decimal.Decimal  `json:"amount"`
	Currency    string           `json:"currency" validate:"required,len=3"`
	PurchaseIDs []string         `json:"purchase_ids"`
	ManualRate  *decimal.Decimal `json:"manual_rate,omitempty"`
}

type ExpenseUpdateRequest struct {
	Date        *string          `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Description *string          `json:"description,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Currency    *string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	PurchaseIDs *[]string        `json:"purchase_ids,omitempty"`
	ManualRate  *decimal.Decimal `json:"manual_rate,omitempty"`
}

type ExpenseUnlinkRequest struct {
	PurchaseID string `json:"purchase_id" validate:"required"`
}

type RateOverrideRequest struct {
	Date string          `json:"date" validate:"required,datetime=2006-01-02"`
	From string          `json:"from" validate:"required,len=3"`
	To   string          `json:"to" validate:"required,len=3"`
	Rate decimal.Decimal `json:"rate"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}
