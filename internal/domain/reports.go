package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProductProfit struct {
	ProductID   string          `json:"product_id"`
	Category    string          `json:"category"`
	Subcategory string          `json:"subcategory,omitempty"`
	Quantity    int             `json:"quantity"`
	Revenue     decimal.Decimal `json:"revenue"`
	Cost        decimal.Decimal `json:"cost"`
	Profit      decimal.Decimal `json:"profit"`
	MarginPct   decimal.Decimal `json:"margin_pct"`
}

type PeriodProfit struct {
	Period    string          `json:"period"`
	Quantity  int             `json:"quantity"`
	Revenue   decimal.Decimal `json:"revenue"`
	Cost      decimal.Decimal `json:"cost"`
	Profit    decimal.Decimal `json:"profit"`
	MarginPct decimal.Decimal `json:"margin_pct"`
}

type ReturnImpact struct {
	Period        string          `json:"period"`
	Refunds       decimal.Decimal `json:"refunds"`
	COGSReversed  decimal.Decimal `json:"cogs_reversed"`
	ItemsReturned int             `json:"items_returned"`
}

type PeriodReport struct {
	Rows         []PeriodProfit `json:"rows"`
	ReturnImpact []ReturnImpact `json:"return_impact"`
}

// NetPeriod combines sales profit with the return impact of the same period.
type NetPeriod struct {
	Period        string          `json:"period"`
	Revenue       decimal.Decimal `json:"revenue"`
	Cost          decimal.Decimal `json:"cost"`
	Refunds       decimal.Decimal `json:"refunds"`
	COGSReversed  decimal.Decimal `json:"cogs_reversed"`
	ItemsReturned int             `json:"items_returned"`
	NetRevenue    decimal.Decimal `json:"net_revenue"`
	NetCost       decimal.Decimal `json:"net_cost"`
	NetProfit     decimal.Decimal `json:"net_profit"`
	NetMarginPct  decimal.Decimal `json:"net_margin_pct"`
}

type BatchUtilization struct {
	BatchID        string          `json:"batch_id"`
	PurchaseID     string          `json:"purchase_id"`
	Date           time.Time       `json:"date"`
	Category       string          `json:"category"`
	Subcategory    string          `json:"subcategory,omitempty"`
	OriginalQty    int             `json:"original_qty"`
	RemainingQty   int             `json:"remaining_qty"`
	AllocatedQty   int             `json:"allocated_qty"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	CostAllocated  decimal.Decimal `json:"cost_allocated"`
	Revenue        decimal.Decimal `json:"revenue"`
	Profit         decimal.Decimal `json:"profit"`
	ReturnedQty    int             `json:"returned_qty"`
	RefundsApplied decimal.Decimal `json:"refunds_applied"`
}
