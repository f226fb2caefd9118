package database

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Tables lists every table the schema creates, in creation order
var Tables = []string{
	"schema_migrations",
	"mac_rules",
	"bandwidth_profiles",
	"voucher_types",
	"access_codes",
	"user_groups",
	"subscribers",
	"session_records",
	"session_events",
	"balance_accounts",
	"balance_transactions",
	"routers",
	"admins",
}

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{1, "policy", `
CREATE TABLE IF NOT EXISTS mac_rules (
	id          UUID PRIMARY KEY,
	mac_address VARCHAR(17) NOT NULL,
	action      VARCHAR(8) NOT NULL CHECK (action IN ('allow', 'block')),
	device_name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS mac_rules_active_mac ON mac_rules (mac_address) WHERE active;

CREATE TABLE IF NOT EXISTS bandwidth_profiles (
	id              UUID PRIMARY KEY,
	name            TEXT NOT NULL,
	download_rate   TEXT NOT NULL,
	upload_rate     TEXT NOT NULL,
	priority        SMALLINT NOT NULL CHECK (priority BETWEEN 1 AND 10),
	burst_limit     TEXT NOT NULL DEFAULT '',
	burst_threshold TEXT NOT NULL DEFAULT '',
	burst_time      INTEGER NOT NULL DEFAULT 0,
	description     TEXT NOT NULL DEFAULT '',
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS bandwidth_profiles_name ON bandwidth_profiles (lower(name));

CREATE TABLE IF NOT EXISTS voucher_types (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL,
	duration    TEXT NOT NULL,
	profile     TEXT NOT NULL,
	user_group  TEXT NOT NULL,
	price       BIGINT NOT NULL DEFAULT 0,
	description TEXT NOT NULL DEFAULT '',
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS voucher_types_name ON voucher_types (lower(name));

CREATE TABLE IF NOT EXISTS access_codes (
	username     VARCHAR(32) PRIMARY KEY,
	password     VARCHAR(32) NOT NULL,
	voucher_type TEXT NOT NULL,
	profile      TEXT NOT NULL,
	user_group   TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	status       VARCHAR(8) NOT NULL CHECK (status IN ('unused', 'used')),
	used_at      TIMESTAMPTZ,
	used_by_mac  VARCHAR(17)
);
CREATE INDEX IF NOT EXISTS access_codes_status ON access_codes (status, expires_at);

CREATE TABLE IF NOT EXISTS user_groups (
	name         TEXT NOT NULL,
	permissions  TEXT[] NOT NULL DEFAULT '{}',
	device_limit INTEGER NOT NULL DEFAULT 0 CHECK (device_limit >= 0),
	description  TEXT NOT NULL DEFAULT '',
	active       BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE UNIQUE INDEX IF NOT EXISTS user_groups_name ON user_groups (lower(name));

CREATE TABLE IF NOT EXISTS subscribers (
	username      TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	user_group    TEXT NOT NULL,
	profile       TEXT NOT NULL DEFAULT '',
	account_id    UUID,
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`},
	{2, "ledger", `
CREATE TABLE IF NOT EXISTS session_records (
	session_id       UUID PRIMARY KEY,
	username         TEXT NOT NULL DEFAULT '',
	mac              VARCHAR(17) NOT NULL DEFAULT '',
	ip               TEXT NOT NULL DEFAULT '',
	access_point     TEXT NOT NULL DEFAULT '',
	login            TIMESTAMPTZ NOT NULL,
	logout           TIMESTAMPTZ,
	duration_seconds BIGINT NOT NULL DEFAULT 0,
	bytes_in         NUMERIC(20) NOT NULL DEFAULT 0,
	bytes_out        NUMERIC(20) NOT NULL DEFAULT 0,
	status           VARCHAR(8) NOT NULL DEFAULT 'OK',
	cause            TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL DEFAULT '',
	last_seq         BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS session_records_login ON session_records (login DESC);
CREATE INDEX IF NOT EXISTS session_records_username ON session_records (username, login DESC);
CREATE INDEX IF NOT EXISTS session_records_mac ON session_records (mac, login DESC);

CREATE TABLE IF NOT EXISTS session_events (
	id               BIGSERIAL PRIMARY KEY,
	session_id       UUID NOT NULL,
	seq              BIGINT NOT NULL,
	type             VARCHAR(16) NOT NULL,
	at               TIMESTAMPTZ NOT NULL,
	mac              VARCHAR(17) NOT NULL DEFAULT '',
	username         TEXT NOT NULL DEFAULT '',
	nas_id           TEXT NOT NULL DEFAULT '',
	bytes_in         NUMERIC(20) NOT NULL DEFAULT 0,
	bytes_out        NUMERIC(20) NOT NULL DEFAULT 0,
	duration_seconds BIGINT NOT NULL DEFAULT 0,
	framed_ip        TEXT NOT NULL DEFAULT '',
	cause            TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL DEFAULT '',
	UNIQUE (session_id, seq)
);`},
	{3, "billing", `
CREATE TABLE IF NOT EXISTS balance_accounts (
	id           UUID PRIMARY KEY,
	customer     TEXT NOT NULL,
	account_type VARCHAR(10) NOT NULL CHECK (account_type IN ('prepaid', 'postpaid')),
	balance      BIGINT NOT NULL DEFAULT 0,
	credit_limit BIGINT NOT NULL DEFAULT 0,
	status       VARCHAR(10) NOT NULL DEFAULT 'active',
	plan         TEXT NOT NULL DEFAULT '',
	station      TEXT NOT NULL DEFAULT '',
	last_topup   TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS balance_transactions (
	id            UUID PRIMARY KEY,
	account_id    UUID NOT NULL REFERENCES balance_accounts (id),
	kind          VARCHAR(8) NOT NULL,
	amount        BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	method        VARCHAR(8) NOT NULL,
	reference     TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (account_id, reference)
);
CREATE INDEX IF NOT EXISTS balance_transactions_account ON balance_transactions (account_id, created_at DESC);`},
	{4, "nas_admin", `
CREATE TABLE IF NOT EXISTS routers (
	id            UUID PRIMARY KEY,
	name          TEXT NOT NULL,
	ip_address    TEXT NOT NULL UNIQUE,
	mac_address   TEXT NOT NULL DEFAULT '',
	type          TEXT NOT NULL DEFAULT '',
	port          INTEGER NOT NULL DEFAULT 3799,
	radius_server TEXT NOT NULL DEFAULT '',
	status        VARCHAR(8) NOT NULL DEFAULT 'offline',
	description   TEXT NOT NULL DEFAULT '',
	secret_cipher BYTEA NOT NULL,
	last_seen     TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS routers_name ON routers (lower(name));

CREATE TABLE IF NOT EXISTS admins (
	id            UUID PRIMARY KEY,
	username      TEXT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	role          VARCHAR(16) NOT NULL,
	status        VARCHAR(8) NOT NULL DEFAULT 'active',
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_login    TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS admins_username ON admins (lower(username));`},
}

// SchemaVersion is the highest migration version this build knows about
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate applies pending migrations, each in its own transaction, and
// returns how many were applied.
func (p *PostgreSQL) Migrate(ctx context.Context) (int, error) {
	if _, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version).Scan(&exists); err != nil {
			return applied, fmt.Errorf("failed to check migration %d: %w", m.version, err)
		}
		if exists {
			continue
		}

		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		logrus.Infof("Applied migration %d (%s)", m.version, m.name)
		applied++
	}
	return applied, nil
}
