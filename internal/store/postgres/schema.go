package postgres

const schema = `
CREATE SEQUENCE IF NOT EXISTS entity_seq;

CREATE TABLE IF NOT EXISTS purchases (
	id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL DEFAULT nextval('entity_seq'),
	purchase_date DATE NOT NULL,
	currency TEXT NOT NULL,
	rate_to_base NUMERIC NOT NULL,
	supplier TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	deleted BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS purchase_lines (
	id TEXT PRIMARY KEY,
	purchase_id TEXT NOT NULL REFERENCES purchases(id),
	line_no INT NOT NULL,
	category TEXT NOT NULL,
	subcategory TEXT NOT NULL DEFAULT '',
	quantity INT NOT NULL,
	unit_price NUMERIC NOT NULL,
	batch_id TEXT
);

CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL DEFAULT nextval('entity_seq'),
	purchase_id TEXT NOT NULL,
	purchase_line_id TEXT,
	lot_date DATE NOT NULL,
	category TEXT NOT NULL,
	subcategory TEXT NOT NULL DEFAULT '',
	original_qty INT NOT NULL,
	remaining_qty INT NOT NULL,
	unit_cost NUMERIC NOT NULL,
	unit_cost_base NUMERIC NOT NULL,
	unit_cost_original NUMERIC NOT NULL,
	currency TEXT NOT NULL,
	rate_to_base NUMERIC NOT NULL,
	supplier TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	deleted BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT batches_remaining_in_range CHECK (remaining_qty >= 0 AND remaining_qty <= original_qty)
);

CREATE INDEX IF NOT EXISTS batches_fifo_idx ON batches (category, subcategory, lot_date, seq) WHERE deleted = false;
CREATE INDEX IF NOT EXISTS batches_purchase_idx ON batches (purchase_id);

CREATE TABLE IF NOT EXISTS expenses (
	id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL DEFAULT nextval('entity_seq'),
	expense_date DATE NOT NULL,
	description TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	currency TEXT NOT NULL,
	amount_base NUMERIC NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS expense_purchases (
	expense_id TEXT NOT NULL REFERENCES expenses(id),
	purchase_id TEXT NOT NULL,
	position INT NOT NULL,
	PRIMARY KEY (expense_id, purchase_id)
);

CREATE INDEX IF NOT EXISTS expense_purchases_purchase_idx ON expense_purchases (purchase_id);

CREATE TABLE IF NOT EXISTS allocations (
	id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL DEFAULT nextval('entity_seq'),
	product_id TEXT NOT NULL,
	sale_date DATE NOT NULL,
	category TEXT NOT NULL,
	subcategory TEXT NOT NULL DEFAULT '',
	batch_id TEXT REFERENCES batches(id),
	quantity INT NOT NULL CHECK (quantity > 0),
	unit_cost NUMERIC NOT NULL,
	unit_sale_price NUMERIC NOT NULL,
	profit_per_unit NUMERIC NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS allocations_product_idx ON allocations (product_id, seq);
CREATE INDEX IF NOT EXISTS allocations_batch_idx ON allocations (batch_id);

CREATE TABLE IF NOT EXISTS returns (
	id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL DEFAULT nextval('entity_seq'),
	return_date DATE NOT NULL,
	product_id TEXT NOT NULL,
	sale_date DATE,
	category TEXT NOT NULL,
	subcategory TEXT NOT NULL DEFAULT '',
	quantity INT NOT NULL,
	unit_price NUMERIC NOT NULL,
	selling_price NUMERIC NOT NULL,
	refund_amount NUMERIC NOT NULL,
	refund_currency TEXT NOT NULL,
	refund_amount_base NUMERIC NOT NULL,
	restock BOOLEAN NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	documents TEXT NOT NULL DEFAULT '[]',
	processed BOOLEAN NOT NULL DEFAULT false,
	deleted BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS returns_product_idx ON returns (product_id, seq);

CREATE TABLE IF NOT EXISTS restock_credits (
	id TEXT PRIMARY KEY,
	return_id TEXT NOT NULL REFERENCES returns(id),
	allocation_id TEXT NOT NULL REFERENCES allocations(id),
	batch_id TEXT NOT NULL REFERENCES batches(id),
	quantity INT NOT NULL CHECK (quantity > 0),
	reversed BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS restock_credits_allocation_idx ON restock_credits (allocation_id);

CREATE TABLE IF NOT EXISTS stock_levels (
	category TEXT NOT NULL,
	subcategory TEXT NOT NULL DEFAULT '',
	quantity INT NOT NULL,
	rebuilt_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (category, subcategory)
);

CREATE TABLE IF NOT EXISTS cached_rates (
	rate_date DATE NOT NULL,
	from_ccy TEXT NOT NULL,
	to_ccy TEXT NOT NULL,
	rate NUMERIC NOT NULL,
	PRIMARY KEY (rate_date, from_ccy, to_ccy)
);
`
