package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS budget_settings (
	owner_id     TEXT PRIMARY KEY,
	total_budget NUMERIC(14,2) NOT NULL CHECK (total_budget >= 0),
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS budget_categories (
	id               UUID PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	name             VARCHAR(100) NOT NULL,
	allocated_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
	spent_amount     NUMERIC(14,2) NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT budget_categories_owner_name_key UNIQUE (owner_id, name)
);

CREATE TABLE IF NOT EXISTS expenses (
	id              UUID PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	category_id     UUID NOT NULL REFERENCES budget_categories(id),
	description     VARCHAR(255) NOT NULL,
	amount          NUMERIC(14,2) NOT NULL CHECK (amount > 0),
	date            DATE NOT NULL,
	idempotency_key TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_expenses_owner_category ON expenses(owner_id, category_id);
CREATE UNIQUE INDEX IF NOT EXISTS expenses_owner_idempotency_key
	ON expenses(owner_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
`

// Migrate creates the ledger tables if they do not exist
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return nil
}
