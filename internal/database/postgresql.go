package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"ums-aaa/internal/models"
	"ums-aaa/internal/services/admin"
	"ums-aaa/internal/services/billing"
	"ums-aaa/internal/services/ledger"
	"ums-aaa/internal/services/nas"
	"ums-aaa/internal/services/policy"
)

var (
	_ policy.Store  = (*PolicyStore)(nil)
	_ ledger.Store  = (*LedgerStore)(nil)
	_ billing.Store = (*BillingStore)(nil)
	_ nas.Store     = (*NASStore)(nil)
	_ admin.Store   = (*AdminStore)(nil)
)

type PostgreSQL struct {
	db *sql.DB
}

type Config struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Name               string `yaml:"name"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	SSLMode            string `yaml:"sslmode"`
	MaxConnections     int    `yaml:"max_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections"`
}

// DSN renders the lib/pq connection string
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func NewPostgreSQL(cfg Config) (*PostgreSQL, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.Infof("Connected to PostgreSQL %s:%d/%s", cfg.Host, cfg.Port, cfg.Name)
	return &PostgreSQL{db: db}, nil
}

func (p *PostgreSQL) Close() error {
	return p.db.Close()
}

// GetDB returns the underlying database connection
func (p *PostgreSQL) GetDB() *sql.DB {
	return p.db
}

// Ping reports whether the database answers within ctx
func (p *PostgreSQL) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Stores returned here share the one connection pool.
func (p *PostgreSQL) PolicyStore() *PolicyStore   { return &PolicyStore{db: p.db} }
func (p *PostgreSQL) LedgerStore() *LedgerStore   { return &LedgerStore{db: p.db} }
func (p *PostgreSQL) BillingStore() *BillingStore { return &BillingStore{db: p.db} }
func (p *PostgreSQL) NASStore() *NASStore         { return &NASStore{db: p.db} }
func (p *PostgreSQL) AdminStore() *AdminStore     { return &AdminStore{db: p.db} }

// Postgres error codes the stores translate
const (
	uniqueViolation     = "23505"
	serializationFailed = "40001"
)

// translate maps driver errors onto the models taxonomy. Unique violations
// become conflicts with code, connection trouble becomes transient.
func translate(err error, code, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var me *models.Error
	if errors.As(err, &me) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return models.NewConflict(code, format, args...)
		case serializationFailed:
			return models.NewTransientFailure(models.CodeUnavailable, err)
		}
		return fmt.Errorf(format+": %w", append(args, err)...)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return models.NewTransientFailure(models.CodeUnavailable, err)
}

// withTx runs fn in a transaction, rolling back on error
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return models.NewTransientFailure(models.CodeUnavailable, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
