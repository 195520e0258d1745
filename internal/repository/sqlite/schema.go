package sqlite

const schemaSQL = `
CREATE TABLE IF NOT EXISTS budget_settings (
	owner_id      TEXT PRIMARY KEY,
	total_budget  TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_categories (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	name             TEXT NOT NULL,
	allocated_amount TEXT NOT NULL DEFAULT '0',
	spent_amount     TEXT NOT NULL DEFAULT '0',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	UNIQUE (owner_id, name)
);

CREATE TABLE IF NOT EXISTS expenses (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	category_id     TEXT NOT NULL REFERENCES budget_categories(id),
	description     TEXT NOT NULL,
	amount          TEXT NOT NULL,
	date            TEXT NOT NULL,
	idempotency_key TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_expenses_owner_category ON expenses(owner_id, category_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_expenses_idempotency
	ON expenses(owner_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
`
