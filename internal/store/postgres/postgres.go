package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/store"
)

const maxSerializationRetries = 3

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	reader
	db *sql.DB
}

// reader serves both the pool and an open transaction. Inside a transaction
// batch reads take row locks.
type reader struct {
	q      querier
	locked bool
}

type pgTx struct {
	reader
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{reader: reader{q: db}, db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// InTx runs fn in a serializable transaction and retries it when postgres
// reports a serialization failure.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{reader: reader{q: sqlTx, locked: true}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) GetCachedRate(ctx context.Context, date time.Time, from, to string) (decimal.Decimal, bool, error) {
	var rate decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT rate FROM cached_rates
		WHERE rate_date = $1 AND from_ccy = $2 AND to_ccy = $3
	`, dateOnly(date), strings.ToUpper(from), strings.ToUpper(to)).Scan(&rate)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return rate, true, nil
}

func (s *Store) PutCachedRate(ctx context.Context, rate domain.CachedRate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cached_rates (rate_date, from_ccy, to_ccy, rate)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (rate_date, from_ccy, to_ccy) DO UPDATE SET rate = EXCLUDED.rate
	`, dateOnly(rate.Date), strings.ToUpper(rate.From), strings.ToUpper(rate.To), rate.Rate)
	return err
}

const purchaseColumns = `id, seq, purchase_date, currency, rate_to_base, supplier, note, deleted, created_at, updated_at`

func (r reader) GetPurchase(ctx context.Context, id string) (domain.Purchase, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id)
	purchase, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Purchase{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Purchase{}, err
	}
	lines, err := r.purchaseLines(ctx, []string{purchase.ID})
	if err != nil {
		return domain.Purchase{}, err
	}
	purchase.Lines = lines[purchase.ID]
	return purchase, nil
}

func (r reader) ListPurchases(ctx context.Context, includeDeleted bool) ([]domain.Purchase, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE ($1 OR deleted = false)
		ORDER BY purchase_date, seq
	`, includeDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchases := make([]domain.Purchase, 0, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lines, err := r.purchaseLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range purchases {
		purchases[i].Lines = lines[purchases[i].ID]
	}
	return purchases, nil
}

func (r reader) purchaseLines(ctx context.Context, purchaseIDs []string) (map[string][]domain.PurchaseLine, error) {
	result := make(map[string][]domain.PurchaseLine, len(purchaseIDs))
	if len(purchaseIDs) == 0 {
		return result, nil
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, purchase_id, category, subcategory, quantity, unit_price, batch_id
		FROM purchase_lines
		WHERE purchase_id = ANY($1)
		ORDER BY purchase_id, line_no
	`, purchaseIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.PurchaseLine
		var batchID sql.NullString
		if err := rows.Scan(&line.ID, &line.PurchaseID, &line.Category, &line.Subcategory, &line.Quantity, &line.UnitPrice, &batchID); err != nil {
			return nil, err
		}
		line.BatchID = batchID.String
		result[line.PurchaseID] = append(result[line.PurchaseID], line)
	}
	return result, rows.Err()
}

const batchColumns = `id, seq, purchase_id, purchase_line_id, lot_date, category, subcategory,
	original_qty, remaining_qty, unit_cost, unit_cost_base, unit_cost_original,
	currency, rate_to_base, supplier, note, deleted, created_at, updated_at`

func (r reader) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	if r.locked {
		query += ` FOR UPDATE`
	}
	batch, err := scanBatch(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Batch{}, store.ErrNotFound
	}
	return batch, err
}

func (r reader) ListBatches(ctx context.Context, filter store.BatchFilter) ([]domain.Batch, error) {
	where := make([]string, 0, 5)
	args := make([]any, 0, 3)
	if !filter.IncludeDeleted {
		where = append(where, "deleted = false")
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.Subcategory != "" {
		args = append(args, filter.Subcategory)
		where = append(where, fmt.Sprintf("subcategory = $%d", len(args)))
	}
	if filter.PurchaseID != "" {
		args = append(args, filter.PurchaseID)
		where = append(where, fmt.Sprintf("purchase_id = $%d", len(args)))
	}
	if filter.OnlyAvailable {
		where = append(where, "remaining_qty > 0")
	}

	query := `SELECT ` + batchColumns + ` FROM batches`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY lot_date, seq`
	if r.locked {
		query += ` FOR UPDATE`
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.Batch, 0, 32)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

const expenseColumns = `id, seq, expense_date, description, amount, currency, amount_base, deleted, created_at, updated_at`

func (r reader) GetExpense(ctx context.Context, id string) (domain.Expense, error) {
	expense, err := scanExpense(r.q.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Expense{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Expense{}, err
	}
	links, err := r.expenseLinks(ctx, []string{expense.ID})
	if err != nil {
		return domain.Expense{}, err
	}
	expense.PurchaseIDs = links[expense.ID]
	return expense, nil
}

func (r reader) ListExpenses(ctx context.Context, filter store.ExpenseFilter) ([]domain.Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE ($1 OR deleted = false)`
	args := []any{filter.IncludeDeleted}
	if filter.PurchaseID != "" {
		args = append(args, filter.PurchaseID)
		query += ` AND id IN (SELECT expense_id FROM expense_purchases WHERE purchase_id = $2)`
	}
	query += ` ORDER BY expense_date, seq`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.Expense, 0, 16)
	ids := make([]string, 0, 16)
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	links, err := r.expenseLinks(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range expenses {
		expenses[i].PurchaseIDs = links[expenses[i].ID]
	}
	return expenses, nil
}

func (r reader) expenseLinks(ctx context.Context, expenseIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(expenseIDs))
	if len(expenseIDs) == 0 {
		return result, nil
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT expense_id, purchase_id FROM expense_purchases
		WHERE expense_id = ANY($1)
		ORDER BY expense_id, position
	`, expenseIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var expenseID, purchaseID string
		if err := rows.Scan(&expenseID, &purchaseID); err != nil {
			return nil, err
		}
		result[expenseID] = append(result[expenseID], purchaseID)
	}
	return result, rows.Err()
}

const allocationColumns = `id, seq, product_id, sale_date, category, subcategory, batch_id, quantity,
	unit_cost, unit_sale_price, profit_per_unit, deleted, created_at`

func (r reader) ListAllocations(ctx context.Context, filter store.AllocationFilter) ([]domain.Allocation, error) {
	query := `SELECT ` + allocationColumns + ` FROM allocations WHERE ($1 OR deleted = false)`
	args := []any{filter.IncludeDeleted}
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		query += fmt.Sprintf(` AND product_id = $%d`, len(args))
	}
	if filter.BatchID != "" {
		args = append(args, filter.BatchID)
		query += fmt.Sprintf(` AND batch_id = $%d`, len(args))
	}
	query += ` ORDER BY seq`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	allocations := make([]domain.Allocation, 0, 64)
	for rows.Next() {
		var a domain.Allocation
		var batchID sql.NullString
		if err := rows.Scan(&a.ID, &a.Seq, &a.ProductID, &a.SaleDate, &a.Category, &a.Subcategory, &batchID, &a.Quantity,
			&a.UnitCost, &a.UnitSalePrice, &a.ProfitPerUnit, &a.Deleted, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.BatchID = batchID.String
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

const returnColumns = `id, seq, return_date, product_id, sale_date, category, subcategory, quantity,
	unit_price, selling_price, refund_amount, refund_currency, refund_amount_base,
	restock, reason, documents, processed, deleted, created_at, updated_at`

func (r reader) GetReturn(ctx context.Context, id string) (domain.Return, error) {
	query := `SELECT ` + returnColumns + ` FROM returns WHERE id = $1`
	if r.locked {
		query += ` FOR UPDATE`
	}
	ret, err := scanReturn(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Return{}, store.ErrNotFound
	}
	return ret, err
}

func (r reader) ListReturns(ctx context.Context, filter store.ReturnFilter) ([]domain.Return, error) {
	query := `SELECT ` + returnColumns + ` FROM returns WHERE ($1 OR deleted = false)`
	args := []any{filter.IncludeDeleted}
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		query += ` AND product_id = $2`
	}
	query += ` ORDER BY seq`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.Return, 0, 16)
	for rows.Next() {
		ret, err := scanReturn(rows)
		if err != nil {
			return nil, err
		}
		returns = append(returns, ret)
	}
	return returns, rows.Err()
}

func (r reader) ListRestockCredits(ctx context.Context, filter store.RestockCreditFilter) ([]domain.RestockCredit, error) {
	query := `SELECT id, return_id, allocation_id, batch_id, quantity, reversed, created_at
		FROM restock_credits WHERE ($1 OR reversed = false)`
	args := []any{filter.IncludeReversed}
	if filter.ReturnID != "" {
		args = append(args, filter.ReturnID)
		query += fmt.Sprintf(` AND return_id = $%d`, len(args))
	}
	if filter.AllocationID != "" {
		args = append(args, filter.AllocationID)
		query += fmt.Sprintf(` AND allocation_id = $%d`, len(args))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	credits := make([]domain.RestockCredit, 0, 8)
	for rows.Next() {
		var c domain.RestockCredit
		if err := rows.Scan(&c.ID, &c.ReturnID, &c.AllocationID, &c.BatchID, &c.Quantity, &c.Reversed, &c.CreatedAt); err != nil {
			return nil, err
		}
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

func (r reader) ListStockLevels(ctx context.Context) ([]domain.StockLevel, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT category, subcategory, quantity, rebuilt_at
		FROM stock_levels
		ORDER BY category, subcategory
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := make([]domain.StockLevel, 0, 16)
	for rows.Next() {
		var l domain.StockLevel
		if err := rows.Scan(&l.Category, &l.Subcategory, &l.Quantity, &l.RebuiltAt); err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

func (t *pgTx) InsertPurchase(ctx context.Context, purchase domain.Purchase) (domain.Purchase, error) {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO purchases (id, purchase_date, currency, rate_to_base, supplier, note, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq
	`, purchase.ID, dateOnly(purchase.Date), purchase.Currency, purchase.RateToBase, purchase.Supplier, purchase.Note,
		purchase.Deleted, purchase.CreatedAt, purchase.UpdatedAt).Scan(&purchase.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Purchase{}, store.ErrInvalidTransaction
		}
		return domain.Purchase{}, err
	}
	if err := t.writeLines(ctx, purchase); err != nil {
		return domain.Purchase{}, err
	}
	return purchase, nil
}

func (t *pgTx) UpdatePurchase(ctx context.Context, purchase domain.Purchase) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE purchases
		SET purchase_date = $2, currency = $3, rate_to_base = $4, supplier = $5, note = $6, deleted = $7, updated_at = $8
		WHERE id = $1
	`, purchase.ID, dateOnly(purchase.Date), purchase.Currency, purchase.RateToBase, purchase.Supplier, purchase.Note,
		purchase.Deleted, purchase.UpdatedAt)
	if err := requireRow(res, err); err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM purchase_lines WHERE purchase_id = $1`, purchase.ID); err != nil {
		return err
	}
	return t.writeLines(ctx, purchase)
}

func (t *pgTx) writeLines(ctx context.Context, purchase domain.Purchase) error {
	for i, line := range purchase.Lines {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO purchase_lines (id, purchase_id, line_no, category, subcategory, quantity, unit_price, batch_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, line.ID, purchase.ID, i, line.Category, line.Subcategory, line.Quantity, line.UnitPrice, nullIfEmpty(line.BatchID))
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) InsertBatch(ctx context.Context, b domain.Batch) (domain.Batch, error) {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO batches (
			id, purchase_id, purchase_line_id, lot_date, category, subcategory,
			original_qty, remaining_qty, unit_cost, unit_cost_base, unit_cost_original,
			currency, rate_to_base, supplier, note, deleted, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING seq
	`, b.ID, b.PurchaseID, nullIfEmpty(b.PurchaseLineID), dateOnly(b.Date), b.Category, b.Subcategory,
		b.OriginalQty, b.RemainingQty, b.UnitCost, b.UnitCostBase, b.UnitCostOriginal,
		b.Currency, b.RateToBase, b.Supplier, b.Note, b.Deleted, b.CreatedAt, b.UpdatedAt).Scan(&b.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Batch{}, store.ErrInvalidTransaction
		}
		return domain.Batch{}, err
	}
	return b, nil
}

func (t *pgTx) UpdateBatch(ctx context.Context, b domain.Batch) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE batches SET
			lot_date = $2, category = $3, subcategory = $4, original_qty = $5, remaining_qty = $6,
			unit_cost = $7, unit_cost_base = $8, unit_cost_original = $9, currency = $10, rate_to_base = $11,
			supplier = $12, note = $13, deleted = $14, updated_at = $15
		WHERE id = $1
	`, b.ID, dateOnly(b.Date), b.Category, b.Subcategory, b.OriginalQty, b.RemainingQty,
		b.UnitCost, b.UnitCostBase, b.UnitCostOriginal, b.Currency, b.RateToBase,
		b.Supplier, b.Note, b.Deleted, b.UpdatedAt)
	return requireRow(res, err)
}

func (t *pgTx) InsertExpense(ctx context.Context, e domain.Expense) (domain.Expense, error) {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO expenses (id, expense_date, description, amount, currency, amount_base, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq
	`, e.ID, dateOnly(e.Date), e.Description, e.Amount, e.Currency, e.AmountBase, e.Deleted, e.CreatedAt, e.UpdatedAt).Scan(&e.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Expense{}, store.ErrInvalidTransaction
		}
		return domain.Expense{}, err
	}
	if err := t.writeLinks(ctx, e); err != nil {
		return domain.Expense{}, err
	}
	return e, nil
}

func (t *pgTx) UpdateExpense(ctx context.Context, e domain.Expense) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE expenses SET
			expense_date = $2, description = $3, amount = $4, currency = $5, amount_base = $6, deleted = $7, updated_at = $8
		WHERE id = $1
	`, e.ID, dateOnly(e.Date), e.Description, e.Amount, e.Currency, e.AmountBase, e.Deleted, e.UpdatedAt)
	if err := requireRow(res, err); err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM expense_purchases WHERE expense_id = $1`, e.ID); err != nil {
		return err
	}
	return t.writeLinks(ctx, e)
}

func (t *pgTx) writeLinks(ctx context.Context, e domain.Expense) error {
	for i, purchaseID := range e.PurchaseIDs {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO expense_purchases (expense_id, purchase_id, position) VALUES ($1, $2, $3)
		`, e.ID, purchaseID, i)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) InsertAllocation(ctx context.Context, a domain.Allocation) (domain.Allocation, error) {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO allocations (
			id, product_id, sale_date, category, subcategory, batch_id, quantity,
			unit_cost, unit_sale_price, profit_per_unit, deleted, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq
	`, a.ID, a.ProductID, dateOnly(a.SaleDate), a.Category, a.Subcategory, nullIfEmpty(a.BatchID), a.Quantity,
		a.UnitCost, a.UnitSalePrice, a.ProfitPerUnit, a.Deleted, a.CreatedAt).Scan(&a.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Allocation{}, store.ErrInvalidTransaction
		}
		if isForeignKeyViolation(err) {
			return domain.Allocation{}, store.ErrNotFound
		}
		return domain.Allocation{}, err
	}
	return a, nil
}

func (t *pgTx) UpdateAllocation(ctx context.Context, a domain.Allocation) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE allocations SET unit_cost = $2, unit_sale_price = $3, profit_per_unit = $4, deleted = $5
		WHERE id = $1
	`, a.ID, a.UnitCost, a.UnitSalePrice, a.ProfitPerUnit, a.Deleted)
	return requireRow(res, err)
}

func (t *pgTx) InsertReturn(ctx context.Context, r domain.Return) (domain.Return, error) {
	docs, err := json.Marshal(documentsOrEmpty(r.Documents))
	if err != nil {
		return domain.Return{}, err
	}
	err = t.q.QueryRowContext(ctx, `
		INSERT INTO returns (
			id, return_date, product_id, sale_date, category, subcategory, quantity,
			unit_price, selling_price, refund_amount, refund_currency, refund_amount_base,
			restock, reason, documents, processed, deleted, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING seq
	`, r.ID, dateOnly(r.ReturnDate), r.ProductID, nullDate(r.SaleDate), r.Category, r.Subcategory, r.Quantity,
		r.UnitPrice, r.SellingPrice, r.RefundAmount, r.RefundCurrency, r.RefundAmountBase,
		r.Restock, r.Reason, string(docs), r.Processed, r.Deleted, r.CreatedAt, r.UpdatedAt).Scan(&r.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Return{}, store.ErrInvalidTransaction
		}
		return domain.Return{}, err
	}
	return r, nil
}

func (t *pgTx) UpdateReturn(ctx context.Context, r domain.Return) error {
	docs, err := json.Marshal(documentsOrEmpty(r.Documents))
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE returns SET
			restock = $2, reason = $3, documents = $4, processed = $5, deleted = $6, updated_at = $7
		WHERE id = $1
	`, r.ID, r.Restock, r.Reason, string(docs), r.Processed, r.Deleted, r.UpdatedAt)
	return requireRow(res, err)
}

func (t *pgTx) InsertRestockCredit(ctx context.Context, c domain.RestockCredit) (domain.RestockCredit, error) {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO restock_credits (id, return_id, allocation_id, batch_id, quantity, reversed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.ReturnID, c.AllocationID, c.BatchID, c.Quantity, c.Reversed, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.RestockCredit{}, store.ErrInvalidTransaction
		}
		return domain.RestockCredit{}, err
	}
	return c, nil
}

func (t *pgTx) UpdateRestockCredit(ctx context.Context, c domain.RestockCredit) error {
	res, err := t.q.ExecContext(ctx, `UPDATE restock_credits SET reversed = $2 WHERE id = $1`, c.ID, c.Reversed)
	return requireRow(res, err)
}

func (t *pgTx) ReplaceStockLevels(ctx context.Context, levels []domain.StockLevel) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM stock_levels`); err != nil {
		return err
	}
	for _, l := range levels {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO stock_levels (category, subcategory, quantity, rebuilt_at) VALUES ($1, $2, $3, $4)
		`, l.Category, l.Subcategory, l.Quantity, l.RebuiltAt)
		if err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (domain.Purchase, error) {
	var p domain.Purchase
	err := row.Scan(&p.ID, &p.Seq, &p.Date, &p.Currency, &p.RateToBase, &p.Supplier, &p.Note, &p.Deleted, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func scanBatch(row rowScanner) (domain.Batch, error) {
	var b domain.Batch
	var lineID sql.NullString
	err := row.Scan(&b.ID, &b.Seq, &b.PurchaseID, &lineID, &b.Date, &b.Category, &b.Subcategory,
		&b.OriginalQty, &b.RemainingQty, &b.UnitCost, &b.UnitCostBase, &b.UnitCostOriginal,
		&b.Currency, &b.RateToBase, &b.Supplier, &b.Note, &b.Deleted, &b.CreatedAt, &b.UpdatedAt)
	b.PurchaseLineID = lineID.String
	return b, err
}

func scanExpense(row rowScanner) (domain.Expense, error) {
	var e domain.Expense
	err := row.Scan(&e.ID, &e.Seq, &e.Date, &e.Description, &e.Amount, &e.Currency, &e.AmountBase, &e.Deleted, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func scanReturn(row rowScanner) (domain.Return, error) {
	var r domain.Return
	var saleDate sql.NullTime
	var docs string
	err := row.Scan(&r.ID, &r.Seq, &r.ReturnDate, &r.ProductID, &saleDate, &r.Category, &r.Subcategory, &r.Quantity,
		&r.UnitPrice, &r.SellingPrice, &r.RefundAmount, &r.RefundCurrency, &r.RefundAmountBase,
		&r.Restock, &r.Reason, &docs, &r.Processed, &r.Deleted, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return domain.Return{}, err
	}
	if saleDate.Valid {
		r.SaleDate = saleDate.Time
	}
	if docs != "" {
		if err := json.Unmarshal([]byte(docs), &r.Documents); err != nil {
			return domain.Return{}, fmt.Errorf("decode return documents: %w", err)
		}
	}
	return r, nil
}

func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return dateOnly(val)
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func documentsOrEmpty(docs []string) []string {
	if docs == nil {
		return []string{}
	}
	return docs
}
