package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LedgerStore implements domain.LedgerStore using PostgreSQL
type LedgerStore struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

var (
	_ domain.LedgerStore    = (*LedgerStore)(nil)
	_ domain.Transactor     = (*LedgerStore)(nil)
	_ domain.CategoryLocker = (*LedgerStore)(nil)
)

// NewLedgerStore creates a new LedgerStore
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool, q: pool}
}

// Ping checks the database is reachable
func (r *LedgerStore) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithinTx runs fn inside a single transaction. Nested calls reuse the outer transaction.
func (r *LedgerStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerStore) error) error {
	if r.inTx {
		return fn(ctx, r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &LedgerStore{pool: r.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Settings

// GetSettings retrieves the budget settings of an owner
func (r *LedgerStore) GetSettings(ctx context.Context, ownerID string) (*domain.BudgetSettings, error) {
	var s domain.BudgetSettings
	var total pgtype.Numeric
	err := r.q.QueryRow(ctx,
		`SELECT owner_id, total_budget, created_at, updated_at FROM budget_settings WHERE owner_id = $1`,
		ownerID,
	).Scan(&s.OwnerID, &total, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSettingsNotFound
	}
	if err != nil {
		return nil, err
	}
	s.TotalBudget = pgNumericToDecimal(total)
	return &s, nil
}

// UpsertSettings creates or replaces the total budget of an owner
func (r *LedgerStore) UpsertSettings(ctx context.Context, settings *domain.BudgetSettings) (*domain.BudgetSettings, error) {
	total, err := decimalToPgNumeric(settings.TotalBudget)
	if err != nil {
		return nil, err
	}

	var s domain.BudgetSettings
	var stored pgtype.Numeric
	err = r.q.QueryRow(ctx, `
		INSERT INTO budget_settings (owner_id, total_budget)
		VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET total_budget = EXCLUDED.total_budget, updated_at = NOW()
		RETURNING owner_id, total_budget, created_at, updated_at`,
		settings.OwnerID, total,
	).Scan(&s.OwnerID, &stored, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.TotalBudget = pgNumericToDecimal(stored)
	return &s, nil
}

// ListOwners returns every owner that has settings or categories
func (r *LedgerStore) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT owner_id FROM budget_settings
		UNION
		SELECT owner_id FROM budget_categories
		ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Categories

const categoryColumns = `id::text, owner_id, name, allocated_amount, spent_amount, created_at, updated_at`

func scanCategory(row pgx.Row) (*domain.BudgetCategory, error) {
	var c domain.BudgetCategory
	var allocated, spent pgtype.Numeric
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &allocated, &spent, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.AllocatedAmount = pgNumericToDecimal(allocated)
	c.SpentAmount = pgNumericToDecimal(spent)
	return &c, nil
}

func categoryOrNotFound(c *domain.BudgetCategory, err error) (*domain.BudgetCategory, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCategoryNotFound
	}
	return c, err
}

// ListCategories retrieves all categories of an owner ordered by name
func (r *LedgerStore) ListCategories(ctx context.Context, ownerID string) ([]*domain.BudgetCategory, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+categoryColumns+` FROM budget_categories WHERE owner_id = $1 ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]*domain.BudgetCategory, 0)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// GetCategory retrieves a category by ID within an owner
func (r *LedgerStore) GetCategory(ctx context.Context, ownerID, categoryID string) (*domain.BudgetCategory, error) {
	if _, err := uuid.Parse(categoryID); err != nil {
		return nil, domain.ErrCategoryNotFound
	}
	return categoryOrNotFound(scanCategory(r.q.QueryRow(ctx,
		`SELECT `+categoryColumns+` FROM budget_categories WHERE owner_id = $1 AND id = $2`, ownerID, categoryID)))
}

// GetCategoryForUpdate reads a category and, inside a transaction, locks its row until commit.
// Expense inserts referencing the category take a key-share lock and wait behind it.
func (r *LedgerStore) GetCategoryForUpdate(ctx context.Context, ownerID, categoryID string) (*domain.BudgetCategory, error) {
	if !r.inTx {
		return r.GetCategory(ctx, ownerID, categoryID)
	}
	if _, err := uuid.Parse(categoryID); err != nil {
		return nil, domain.ErrCategoryNotFound
	}
	return categoryOrNotFound(scanCategory(r.q.QueryRow(ctx,
		`SELECT `+categoryColumns+` FROM budget_categories WHERE owner_id = $1 AND id = $2 FOR UPDATE`, ownerID, categoryID)))
}

// CreateCategory creates a new category
func (r *LedgerStore) CreateCategory(ctx context.Context, category *domain.BudgetCategory) (*domain.BudgetCategory, error) {
	allocated, err := decimalToPgNumeric(category.AllocatedAmount)
	if err != nil {
		return nil, err
	}
	spent, err := decimalToPgNumeric(category.SpentAmount)
	if err != nil {
		return nil, err
	}
	id := category.ID
	if id == "" {
		id = uuid.New().String()
	}

	created, err := scanCategory(r.q.QueryRow(ctx, `
		INSERT INTO budget_categories (id, owner_id, name, allocated_amount, spent_amount)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+categoryColumns,
		id, category.OwnerID, category.Name, allocated, spent,
	))
	if isPgUniqueViolation(err) {
		return nil, domain.ErrDuplicateCategoryName
	}
	return created, err
}

func (r *LedgerStore) updateCategory(ctx context.Context, set string, ownerID, categoryID string, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	if _, err := uuid.Parse(categoryID); err != nil {
		return nil, domain.ErrCategoryNotFound
	}
	value, err := decimalToPgNumeric(amount)
	if err != nil {
		return nil, err
	}
	return categoryOrNotFound(scanCategory(r.q.QueryRow(ctx, `
		UPDATE budget_categories SET `+set+`, updated_at = NOW()
		WHERE owner_id = $1 AND id = $2
		RETURNING `+categoryColumns,
		ownerID, categoryID, value,
	)))
}

// SetAllocated overwrites a category's allocation
func (r *LedgerStore) SetAllocated(ctx context.Context, ownerID, categoryID string, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	return r.updateCategory(ctx, "allocated_amount = $3", ownerID, categoryID, amount)
}

// IncrementSpent adds delta to the spent aggregate in a single UPDATE
func (r *LedgerStore) IncrementSpent(ctx context.Context, ownerID, categoryID string, delta decimal.Decimal) (*domain.BudgetCategory, error) {
	return r.updateCategory(ctx, "spent_amount = spent_amount + $3", ownerID, categoryID, delta)
}

// SetSpent overwrites a category's spent aggregate
func (r *LedgerStore) SetSpent(ctx context.Context, ownerID, categoryID string, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	return r.updateCategory(ctx, "spent_amount = $3", ownerID, categoryID, amount)
}

// SwapSpent overwrites the spent aggregate only if it still equals expected
func (r *LedgerStore) SwapSpent(ctx context.Context, ownerID, categoryID string, expected, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	if _, err := uuid.Parse(categoryID); err != nil {
		return nil, domain.ErrCategoryNotFound
	}
	want, err := decimalToPgNumeric(expected)
	if err != nil {
		return nil, err
	}
	value, err := decimalToPgNumeric(amount)
	if err != nil {
		return nil, err
	}
	updated, err := scanCategory(r.q.QueryRow(ctx, `
		UPDATE budget_categories SET spent_amount = $3, updated_at = NOW()
		WHERE owner_id = $1 AND id = $2 AND spent_amount = $4
		RETURNING `+categoryColumns,
		ownerID, categoryID, value, want,
	))
	if !errors.Is(err, pgx.ErrNoRows) {
		return updated, err
	}
	// No row matched: either the category is gone or its aggregate moved
	if _, err := r.GetCategory(ctx, ownerID, categoryID); err != nil {
		return nil, err
	}
	return nil, domain.ErrSpentChanged
}

// ResetSpent zeroes the spent aggregate of every category of an owner
func (r *LedgerStore) ResetSpent(ctx context.Context, ownerID string) error {
	_, err := r.q.Exec(ctx,
		`UPDATE budget_categories SET spent_amount = 0, updated_at = NOW() WHERE owner_id = $1`, ownerID)
	return err
}

// Expenses

const expenseColumns = `id::text, owner_id, category_id::text, description, amount, date, COALESCE(idempotency_key, ''), created_at, updated_at`

func scanExpense(row pgx.Row) (*domain.Expense, error) {
	var e domain.Expense
	var amount pgtype.Numeric
	var date pgtype.Date
	if err := row.Scan(&e.ID, &e.OwnerID, &e.CategoryID, &e.Description, &amount, &date, &e.IdempotencyKey, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Amount = pgNumericToDecimal(amount)
	e.Date = pgDateToTime(date)
	return &e, nil
}

func expenseOrNotFound(e *domain.Expense, err error) (*domain.Expense, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrExpenseNotFound
	}
	return e, err
}

func (r *LedgerStore) queryExpenses(ctx context.Context, where string, args ...any) ([]*domain.Expense, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE `+where+` ORDER BY date DESC, created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]*domain.Expense, 0)
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// ListExpenses retrieves all expenses of an owner, newest first
func (r *LedgerStore) ListExpenses(ctx context.Context, ownerID string) ([]*domain.Expense, error) {
	return r.queryExpenses(ctx, `owner_id = $1`, ownerID)
}

// ListExpensesByCategory retrieves the expenses of one category, newest first
func (r *LedgerStore) ListExpensesByCategory(ctx context.Context, ownerID, categoryID string) ([]*domain.Expense, error) {
	if _, err := uuid.Parse(categoryID); err != nil {
		return []*domain.Expense{}, nil
	}
	return r.queryExpenses(ctx, `owner_id = $1 AND category_id = $2`, ownerID, categoryID)
}

// GetExpense retrieves an expense by ID within an owner
func (r *LedgerStore) GetExpense(ctx context.Context, ownerID, expenseID string) (*domain.Expense, error) {
	if _, err := uuid.Parse(expenseID); err != nil {
		return nil, domain.ErrExpenseNotFound
	}
	return expenseOrNotFound(scanExpense(r.q.QueryRow(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE owner_id = $1 AND id = $2`, ownerID, expenseID)))
}

// GetExpenseByIdempotencyKey retrieves the expense created with key
func (r *LedgerStore) GetExpenseByIdempotencyKey(ctx context.Context, ownerID, key string) (*domain.Expense, error) {
	return expenseOrNotFound(scanExpense(r.q.QueryRow(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE owner_id = $1 AND idempotency_key = $2`, ownerID, key)))
}

// CreateExpense inserts an expense after checking its category belongs to the owner
func (r *LedgerStore) CreateExpense(ctx context.Context, expense *domain.Expense) (*domain.Expense, error) {
	if _, err := r.GetCategory(ctx, expense.OwnerID, expense.CategoryID); err != nil {
		return nil, err
	}
	amount, err := decimalToPgNumeric(expense.Amount)
	if err != nil {
		return nil, err
	}
	id := expense.ID
	if id == "" {
		id = uuid.New().String()
	}
	var key *string
	if expense.IdempotencyKey != "" {
		key = &expense.IdempotencyKey
	}

	created, err := scanExpense(r.q.QueryRow(ctx, `
		INSERT INTO expenses (id, owner_id, category_id, description, amount, date, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+expenseColumns,
		id, expense.OwnerID, expense.CategoryID, expense.Description, amount, timeToPgDate(expense.Date), key,
	))
	if isPgUniqueViolation(err) {
		return nil, domain.ErrDuplicateIdempotencyKey
	}
	return created, err
}

// UpdateExpense rewrites the mutable fields of an expense
func (r *LedgerStore) UpdateExpense(ctx context.Context, expense *domain.Expense) (*domain.Expense, error) {
	if _, err := uuid.Parse(expense.ID); err != nil {
		return nil, domain.ErrExpenseNotFound
	}
	if _, err := r.GetCategory(ctx, expense.OwnerID, expense.CategoryID); err != nil {
		return nil, err
	}
	amount, err := decimalToPgNumeric(expense.Amount)
	if err != nil {
		return nil, err
	}

	return expenseOrNotFound(scanExpense(r.q.QueryRow(ctx, `
		UPDATE expenses
		SET category_id = $3, description = $4, amount = $5, date = $6, updated_at = NOW()
		WHERE owner_id = $1 AND id = $2
		RETURNING `+expenseColumns,
		expense.OwnerID, expense.ID, expense.CategoryID, expense.Description, amount, timeToPgDate(expense.Date),
	)))
}

// DeleteExpense deletes an expense
func (r *LedgerStore) DeleteExpense(ctx context.Context, ownerID, expenseID string) error {
	if _, err := uuid.Parse(expenseID); err != nil {
		return domain.ErrExpenseNotFound
	}
	tag, err := r.q.Exec(ctx, `DELETE FROM expenses WHERE owner_id = $1 AND id = $2`, ownerID, expenseID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrExpenseNotFound
	}
	return nil
}

// DeleteAllExpenses deletes every expense of an owner
func (r *LedgerStore) DeleteAllExpenses(ctx context.Context, ownerID string) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM expenses WHERE owner_id = $1`, ownerID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Helper functions

func decimalToPgNumeric(d decimal.Decimal) (pgtype.Numeric, error) {
	var num pgtype.Numeric
	if err := num.Scan(d.String()); err != nil {
		return pgtype.Numeric{}, err
	}
	return num, nil
}

func pgNumericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid {
		return decimal.Zero
	}
	if n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func timeToPgDate(t time.Time) pgtype.Date {
	return pgtype.Date{Time: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), Valid: true}
}

func pgDateToTime(d pgtype.Date) time.Time {
	if !d.Valid {
		return time.Time{}
	}
	return time.Date(d.Time.Year(), d.Time.Month(), d.Time.Day(), 0, 0, 0, 0, time.UTC)
}

func isPgUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// PostgreSQL unique violation error code is 23505
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
