// Package sqlite implements domain.LedgerStore on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timestampLayout is fixed width so timestamps sort correctly as text
const timestampLayout = "2006-01-02 15:04:05.000000000"

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides SQLite-backed ledger persistence
type Store struct {
	db   *sql.DB
	q    querier
	inTx bool
	now  func() time.Time
}

var (
	_ domain.LedgerStore = (*Store)(nil)
	_ domain.Transactor  = (*Store)(nil)
)

// Open opens or creates the ledger database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening ledger db: %w", err)
	}
	// One writer connection keeps transactions serialized
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{
		db:  db,
		q:   db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithinTx runs fn with a store bound to one transaction. Nested calls reuse the outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerStore) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &Store{db: s.db, q: tx, inTx: true, now: s.now}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) stamp() string {
	return s.now().Format(timestampLayout)
}

func isUnique(err error, column string) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	if code != sqlite3.SQLITE_CONSTRAINT_UNIQUE && code != sqlite3.SQLITE_CONSTRAINT {
		return false
	}
	msg := se.Error()
	return strings.Contains(msg, "UNIQUE") && strings.Contains(msg, column)
}

func parseTime(s string) time.Time {
	t, _ := time.ParseInLocation(timestampLayout, s, time.UTC)
	return t
}

// Settings

func (s *Store) GetSettings(ctx context.Context, ownerID string) (*domain.BudgetSettings, error) {
	var total, created, updated string
	err := s.q.QueryRowContext(ctx,
		`SELECT total_budget, created_at, updated_at FROM budget_settings WHERE owner_id = ?`, ownerID,
	).Scan(&total, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSettingsNotFound
	}
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("corrupt total_budget for %s: %w", ownerID, err)
	}
	return &domain.BudgetSettings{
		OwnerID:     ownerID,
		TotalBudget: amount,
		CreatedAt:   parseTime(created),
		UpdatedAt:   parseTime(updated),
	}, nil
}

func (s *Store) UpsertSettings(ctx context.Context, settings *domain.BudgetSettings) (*domain.BudgetSettings, error) {
	now := s.stamp()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO budget_settings (owner_id, total_budget, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET total_budget = excluded.total_budget, updated_at = excluded.updated_at`,
		settings.OwnerID, settings.TotalBudget.String(), now, now,
	)
	if err != nil {
		return nil, err
	}
	return s.GetSettings(ctx, settings.OwnerID)
}

func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT owner_id FROM budget_settings
		UNION
		SELECT owner_id FROM budget_categories
		ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// Categories

const categoryColumns = `id, owner_id, name, allocated_amount, spent_amount, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCategory(row scanner) (*domain.BudgetCategory, error) {
	var c domain.BudgetCategory
	var allocated, spent, created, updated string
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &allocated, &spent, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if c.AllocatedAmount, err = decimal.NewFromString(allocated); err != nil {
		return nil, fmt.Errorf("corrupt allocated_amount for %s: %w", c.ID, err)
	}
	if c.SpentAmount, err = decimal.NewFromString(spent); err != nil {
		return nil, fmt.Errorf("corrupt spent_amount for %s: %w", c.ID, err)
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

func (s *Store) ListCategories(ctx context.Context, ownerID string) ([]*domain.BudgetCategory, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+categoryColumns+` FROM budget_categories WHERE owner_id = ? ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *Store) GetCategory(ctx context.Context, ownerID, categoryID string) (*domain.BudgetCategory, error) {
	c, err := scanCategory(s.q.QueryRowContext(ctx,
		`SELECT `+categoryColumns+` FROM budget_categories WHERE owner_id = ? AND id = ?`, ownerID, categoryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCategoryNotFound
	}
	return c, err
}

func (s *Store) CreateCategory(ctx context.Context, category *domain.BudgetCategory) (*domain.BudgetCategory, error) {
	id := category.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := s.stamp()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO budget_categories (id, owner_id, name, allocated_amount, spent_amount, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, category.OwnerID, category.Name, category.AllocatedAmount.String(), category.SpentAmount.String(), now, now,
	)
	if isUnique(err, "name") {
		return nil, domain.ErrDuplicateCategoryName
	}
	if err != nil {
		return nil, err
	}
	return s.GetCategory(ctx, category.OwnerID, id)
}

func (s *Store) setColumn(ctx context.Context, column, ownerID, categoryID string, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE budget_categories SET `+column+` = ?, updated_at = ? WHERE owner_id = ? AND id = ?`,
		amount.String(), s.stamp(), ownerID, categoryID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrCategoryNotFound
	}
	return s.GetCategory(ctx, ownerID, categoryID)
}

func (s *Store) SetAllocated(ctx context.Context, ownerID, categoryID string, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	return s.setColumn(ctx, "allocated_amount", ownerID, categoryID, amount)
}

func (s *Store) SetSpent(ctx context.Context, ownerID, categoryID string, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	return s.setColumn(ctx, "spent_amount", ownerID, categoryID, amount)
}

// IncrementSpent reads and rewrites the text amount inside a transaction so no increment is lost
func (s *Store) IncrementSpent(ctx context.Context, ownerID, categoryID string, delta decimal.Decimal) (*domain.BudgetCategory, error) {
	var updated *domain.BudgetCategory
	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.LedgerStore) error {
		st := tx.(*Store)
		current, err := st.GetCategory(ctx, ownerID, categoryID)
		if err != nil {
			return err
		}
		updated, err = st.SetSpent(ctx, ownerID, categoryID, current.SpentAmount.Add(delta))
		return err
	})
	return updated, err
}

// SwapSpent compares and rewrites the text amount inside a transaction
func (s *Store) SwapSpent(ctx context.Context, ownerID, categoryID string, expected, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	var updated *domain.BudgetCategory
	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.LedgerStore) error {
		st := tx.(*Store)
		current, err := st.GetCategory(ctx, ownerID, categoryID)
		if err != nil {
			return err
		}
		if !current.SpentAmount.Equal(expected) {
			return domain.ErrSpentChanged
		}
		updated, err = st.SetSpent(ctx, ownerID, categoryID, amount)
		return err
	})
	return updated, err
}

func (s *Store) ResetSpent(ctx context.Context, ownerID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE budget_categories SET spent_amount = '0', updated_at = ? WHERE owner_id = ?`, s.stamp(), ownerID)
	return err
}

// Expenses

const expenseColumns = `id, owner_id, category_id, description, amount, date, idempotency_key, created_at, updated_at`

func scanExpense(row scanner) (*domain.Expense, error) {
	var e domain.Expense
	var amount, date, created, updated string
	var key sql.NullString
	if err := row.Scan(&e.ID, &e.OwnerID, &e.CategoryID, &e.Description, &amount, &date, &key, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount for %s: %w", e.ID, err)
	}
	if e.Date, err = time.Parse(domain.DateLayout, date); err != nil {
		return nil, fmt.Errorf("corrupt date for %s: %w", e.ID, err)
	}
	e.IdempotencyKey = key.String
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	return &e, nil
}

func (s *Store) queryExpenses(ctx context.Context, where string, args ...any) ([]*domain.Expense, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE `+where+` ORDER BY date DESC, created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *Store) ListExpenses(ctx context.Context, ownerID string) ([]*domain.Expense, error) {
	return s.queryExpenses(ctx, `owner_id = ?`, ownerID)
}

func (s *Store) ListExpensesByCategory(ctx context.Context, ownerID, categoryID string) ([]*domain.Expense, error) {
	return s.queryExpenses(ctx, `owner_id = ? AND category_id = ?`, ownerID, categoryID)
}

func (s *Store) GetExpense(ctx context.Context, ownerID, expenseID string) (*domain.Expense, error) {
	e, err := scanExpense(s.q.QueryRowContext(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE owner_id = ? AND id = ?`, ownerID, expenseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrExpenseNotFound
	}
	return e, err
}

func (s *Store) GetExpenseByIdempotencyKey(ctx context.Context, ownerID, key string) (*domain.Expense, error) {
	e, err := scanExpense(s.q.QueryRowContext(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE owner_id = ? AND idempotency_key = ?`, ownerID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrExpenseNotFound
	}
	return e, err
}

func (s *Store) categoryExists(ctx context.Context, ownerID, categoryID string) error {
	var one int
	err := s.q.QueryRowContext(ctx,
		`SELECT 1 FROM budget_categories WHERE owner_id = ? AND id = ?`, ownerID, categoryID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrCategoryNotFound
	}
	return err
}

func (s *Store) CreateExpense(ctx context.Context, expense *domain.Expense) (*domain.Expense, error) {
	if err := s.categoryExists(ctx, expense.OwnerID, expense.CategoryID); err != nil {
		return nil, err
	}

	id := expense.ID
	if id == "" {
		id = uuid.New().String()
	}
	var key sql.NullString
	if expense.IdempotencyKey != "" {
		key = sql.NullString{String: expense.IdempotencyKey, Valid: true}
	}
	now := s.stamp()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO expenses (id, owner_id, category_id, description, amount, date, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, expense.OwnerID, expense.CategoryID, expense.Description, expense.Amount.String(),
		expense.Date.Format(domain.DateLayout), key, now, now,
	)
	if isUnique(err, "idempotency_key") {
		return nil, domain.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return nil, err
	}
	return s.GetExpense(ctx, expense.OwnerID, id)
}

func (s *Store) UpdateExpense(ctx context.Context, expense *domain.Expense) (*domain.Expense, error) {
	if err := s.categoryExists(ctx, expense.OwnerID, expense.CategoryID); err != nil {
		return nil, err
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE expenses
		SET category_id = ?, description = ?, amount = ?, date = ?, updated_at = ?
		WHERE owner_id = ? AND id = ?`,
		expense.CategoryID, expense.Description, expense.Amount.String(),
		expense.Date.Format(domain.DateLayout), s.stamp(), expense.OwnerID, expense.ID,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrExpenseNotFound
	}
	return s.GetExpense(ctx, expense.OwnerID, expense.ID)
}

func (s *Store) DeleteExpense(ctx context.Context, ownerID, expenseID string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM expenses WHERE owner_id = ? AND id = ?`, ownerID, expenseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrExpenseNotFound
	}
	return nil
}

func (s *Store) DeleteAllExpenses(ctx context.Context, ownerID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM expenses WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
