package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/store"
)

func (a *API) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	includeDeleted, err := parseOptionalBool(r, "include_deleted")
	if err != nil {
		a.respondError(w, err)
		return
	}
	purchases, err := a.service.ListPurchases(r.Context(), includeDeleted)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchases": purchases})
}

func (a *API) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.GetPurchase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRecordPurchase(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.RecordPurchase(r.Context(), req)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleEditPurchase(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.EditPurchase(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleDeletePurchase(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeletePurchase(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListBatches(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	onlyAvailable, err := parseOptionalBool(r, "available")
	if err != nil {
		a.respondError(w, err)
		return
	}
	includeDeleted, err := parseOptionalBool(r, "include_deleted")
	if err != nil {
		a.respondError(w, err)
		return
	}
	batches, err := a.service.ListBatches(r.Context(), store.BatchFilter{
		Category:       strings.TrimSpace(query.Get("category")),
		Subcategory:    strings.TrimSpace(query.Get("subcategory")),
		PurchaseID:     strings.TrimSpace(query.Get("purchase_id")),
		OnlyAvailable:  onlyAvailable,
		IncludeDeleted: includeDeleted,
	})
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	includeDeleted, err := parseOptionalBool(r, "include_deleted")
	if err != nil {
		a.respondError(w, err)
		return
	}
	allocations, err := a.service.ListAllocations(r.Context(), store.AllocationFilter{
		ProductID:      strings.TrimSpace(r.URL.Query().Get("product_id")),
		BatchID:        strings.TrimSpace(r.URL.Query().Get("batch_id")),
		IncludeDeleted: includeDeleted,
	})
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allocations": allocations})
}

func (a *API) handleRecordSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.RecordSale(r.Context(), req)
	if err != nil {
		a.respondError(w, err)
		return
	}
	payload := map[string]any{"result": result}
	if result.HasShortage() {
		payload["notice"] = "recorded with a stock shortage; the missing units carry no cost"
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (a *API) handleDeleteSale(w http.ResponseWriter, r *http.Request) {
	allocations, err := a.service.DeleteSale(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allocations": allocations})
}

func (a *API) handleRestoreSale(w http.ResponseWriter, r *http.Request) {
	allocations, err := a.service.RestoreSale(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allocations": allocations})
}

func (a *API) handleBackfillCosts(w http.ResponseWriter, r *http.Request) {
	includeExpenses, err := parseOptionalBool(r, "include_expenses")
	if err != nil {
		a.respondError(w, err)
		return
	}
	updated, err := a.service.BackfillAllocationCosts(r.Context(), includeExpenses)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

func (a *API) handleListReturns(w http.ResponseWriter, r *http.Request) {
	includeDeleted, err := parseOptionalBool(r, "include_deleted")
	if err != nil {
		a.respondError(w, err)
		return
	}
	returns, err := a.service.ListReturns(r.Context(), store.ReturnFilter{
		ProductID:      strings.TrimSpace(r.URL.Query().Get("product_id")),
		IncludeDeleted: includeDeleted,
	})
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"returns": returns})
}

func (a *API) handleRecordReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.RecordReturn(r.Context(), req)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleSetReturnRestock(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnRestockRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.SetReturnRestock(r.Context(), chi.URLParam(r, "id"), req.Restock)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleReverseRestock(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.ReverseRestock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleDeleteReturn(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteReturn(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRestoreReturn(w http.ResponseWriter, r *http.Request) {
	if err := a.service.RestoreReturn(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	includeDeleted, err := parseOptionalBool(r, "include_deleted")
	if err != nil {
		a.respondError(w, err)
		return
	}
	expenses, err := a.service.ListExpenses(r.Context(), store.ExpenseFilter{
		PurchaseID:     strings.TrimSpace(r.URL.Query().Get("purchase_id")),
		IncludeDeleted: includeDeleted,
	})
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expenses": expenses})
}

func (a *API) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req domain.ExpenseCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.CreateExpense(r.Context(), req)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleEditExpense(w http.ResponseWriter, r *http.Request) {
	var req domain.ExpenseUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.EditExpense(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.DeleteExpense(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleUnlinkExpense(w http.ResponseWriter, r *http.Request) {
	var req domain.ExpenseUnlinkRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.UnlinkExpense(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRedistribute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PurchaseIDs []string `json:"purchase_ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.OnExpenseLinkChanged(r.Context(), req.PurchaseIDs)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleListStock(w http.ResponseWriter, r *http.Request) {
	levels, err := a.service.ListStockLevels(r.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stock": levels})
}

func (a *API) handleRebuildStock(w http.ResponseWriter, r *http.Request) {
	levels, err := a.service.RebuildStock(r.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stock": levels})
}

func (a *API) handleProfitBySale(w http.ResponseWriter, r *http.Request) {
	includeExpenses, err := parseOptionalBool(r, "include_expenses")
	if err != nil {
		a.respondError(w, err)
		return
	}
	rows, err := a.service.ProfitBySale(r.Context(), includeExpenses)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"currency": a.service.BaseCurrency(), "sales": rows})
}

func (a *API) handleMonthlyReport(w http.ResponseWriter, r *http.Request) {
	includeExpenses, err := parseOptionalBool(r, "include_expenses")
	if err != nil {
		a.respondError(w, err)
		return
	}
	year, err := parseOptionalInt(r, "year")
	if err != nil {
		a.respondError(w, err)
		return
	}
	report, err := a.service.MonthlySalesProfit(r.Context(), year, includeExpenses)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleYearlyReport(w http.ResponseWriter, r *http.Request) {
	includeExpenses, err := parseOptionalBool(r, "include_expenses")
	if err != nil {
		a.respondError(w, err)
		return
	}
	report, err := a.service.YearlySalesProfit(r.Context(), includeExpenses)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleNetOverview(w http.ResponseWriter, r *http.Request) {
	includeExpenses, err := parseOptionalBool(r, "include_expenses")
	if err != nil {
		a.respondError(w, err)
		return
	}
	year, err := parseOptionalInt(r, "year")
	if err != nil {
		a.respondError(w, err)
		return
	}
	periods, err := a.service.NetOverview(r.Context(), year, includeExpenses)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"currency": a.service.BaseCurrency(), "periods": periods})
}

func (a *API) handleBatchUtilization(w http.ResponseWriter, r *http.Request) {
	includeExpenses, err := parseOptionalBool(r, "include_expenses")
	if err != nil {
		a.respondError(w, err)
		return
	}
	rows, err := a.service.BatchUtilization(r.Context(), includeExpenses)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"currency": a.service.BaseCurrency(), "batches": rows})
}

func (a *API) handleLookupRate(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	date := strings.TrimSpace(query.Get("date"))
	if date == "" {
		date = a.service.Today()
	}
	from := strings.ToUpper(strings.TrimSpace(query.Get("from")))
	if from == "" {
		a.respondError(w, domain.NewValidationError("from", "is required"))
		return
	}
	to := strings.ToUpper(strings.TrimSpace(query.Get("to")))
	rate, err := a.service.LookupRate(r.Context(), date, from, to)
	if err != nil {
		a.respondError(w, err)
		return
	}
	if to == "" {
		to = a.service.BaseCurrency()
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "from": from, "to": to, "rate": rate})
}

func (a *API) handleOverrideRate(w http.ResponseWriter, r *http.Request) {
	var req domain.RateOverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.service.OverrideRate(r.Context(), req); err != nil {
		a.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleFlushRates(w http.ResponseWriter, r *http.Request) {
	if err := a.service.FlushRates(r.Context()); err != nil {
		a.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
