package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"gopkg.in/yaml.v2"

	"ums-aaa/internal/config"
	"ums-aaa/internal/database"
)

type Config struct {
	Database database.Config `yaml:"database"`
}

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: validate-db <config.yaml>")
	}

	configData, err := os.ReadFile(os.Args[1])
	if err != nil {
		log.Fatalf("Failed to read config: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(configData, &cfg); err != nil {
		log.Fatalf("Failed to parse config: %v", err)
	}
	if v := os.Getenv(config.EnvDBPassword); v != "" {
		cfg.Database.Password = v
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	fmt.Println("[ok] database connection")

	if err := validateSchema(db); err != nil {
		log.Fatalf("Schema validation failed: %v", err)
	}

	fmt.Println("[ok] schema is ready for ums-aaa")
}

func validateSchema(db *sql.DB) error {
	fmt.Println("\nTables:")
	for _, table := range database.Tables {
		if err := checkTable(db, table); err != nil {
			return fmt.Errorf("table %s: %w", table, err)
		}
		fmt.Printf("  [ok] %s\n", table)
	}

	var version int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version < database.SchemaVersion() {
		return fmt.Errorf("schema version %d is behind %d, run ums-aaa migrate", version, database.SchemaVersion())
	}
	fmt.Printf("  [ok] schema version %d\n", version)

	fmt.Println("\nTable structures:")
	structures := []struct {
		table string
		cols  map[string]string
	}{
		{"session_records", map[string]string{
			"session_id": "uuid", "username": "varchar", "mac": "varchar",
			"login": "timestamp", "logout": "timestamp", "duration_seconds": "bigint",
			"bytes_in": "numeric", "bytes_out": "numeric", "status": "varchar",
			"last_seq": "bigint",
		}},
		{"balance_accounts", map[string]string{
			"id": "uuid", "customer": "varchar", "account_type": "varchar",
			"balance": "bigint", "credit_limit": "bigint", "status": "varchar",
			"plan": "varchar", "updated_at": "timestamp",
		}},
		{"balance_transactions", map[string]string{
			"id": "uuid", "account_id": "uuid", "kind": "varchar",
			"amount": "bigint", "balance_after": "bigint", "reference": "varchar",
		}},
		{"routers", map[string]string{
			"id": "uuid", "name": "varchar", "ip_address": "varchar",
			"port": "integer", "secret_cipher": "bytea",
		}},
	}
	for _, s := range structures {
		if err := checkColumns(db, s.table, s.cols); err != nil {
			return fmt.Errorf("%s table structure: %w", s.table, err)
		}
		fmt.Printf("  [ok] %s\n", s.table)
	}

	fmt.Println("\nData integrity:")
	integrity := []struct {
		name  string
		query string
	}{
		{"transactions without an account", `
			SELECT COUNT(*) FROM balance_transactions t
			LEFT JOIN balance_accounts a ON t.account_id = a.id
			WHERE a.id IS NULL`},
		{"session events without a record", `
			SELECT COUNT(*) FROM session_events e
			LEFT JOIN session_records r ON e.session_id = r.session_id
			WHERE r.session_id IS NULL`},
		{"prepaid accounts below zero", `
			SELECT COUNT(*) FROM balance_accounts
			WHERE account_type = 'prepaid' AND balance < 0`},
		{"postpaid accounts past their credit limit", `
			SELECT COUNT(*) FROM balance_accounts
			WHERE account_type = 'postpaid' AND balance < -credit_limit`},
	}
	for _, check := range integrity {
		var n int
		if err := db.QueryRow(check.query).Scan(&n); err != nil {
			return fmt.Errorf("checking %s: %w", check.name, err)
		}
		if n > 0 {
			fmt.Printf("  [warn] %d %s\n", n, check.name)
		} else {
			fmt.Printf("  [ok] no %s\n", check.name)
		}
	}

	fmt.Println("\nStatistics:")
	stats := []struct {
		name  string
		query string
	}{
		{"MAC rules", "SELECT COUNT(*) FROM mac_rules"},
		{"Access codes", "SELECT COUNT(*) FROM access_codes"},
		{"Subscribers", "SELECT COUNT(*) FROM subscribers"},
		{"Session records", "SELECT COUNT(*) FROM session_records"},
		{"Open sessions", "SELECT COUNT(*) FROM session_records WHERE logout IS NULL"},
		{"Balance accounts", "SELECT COUNT(*) FROM balance_accounts"},
		{"Routers", "SELECT COUNT(*) FROM routers"},
	}
	for _, s := range stats {
		var count int
		if err := db.QueryRow(s.query).Scan(&count); err != nil {
			fmt.Printf("  %s: error getting count\n", s.name)
		} else {
			fmt.Printf("  %s: %d\n", s.name, count)
		}
	}

	return nil
}

func checkTable(db *sql.DB, tableName string) error {
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = $1
		)`, tableName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("query error: %w", err)
	}
	if !exists {
		return fmt.Errorf("table does not exist")
	}
	return nil
}

func checkColumns(db *sql.DB, tableName string, requiredCols map[string]string) error {
	for colName, expectedType := range requiredCols {
		var dataType string
		err := db.QueryRow(`
			SELECT data_type FROM information_schema.columns
			WHERE table_schema = 'public'
			AND table_name = $1
			AND column_name = $2`, tableName, colName).Scan(&dataType)

		if err == sql.ErrNoRows {
			return fmt.Errorf("column %s does not exist", colName)
		}
		if err != nil {
			return fmt.Errorf("query error for column %s: %w", colName, err)
		}

		if !isCompatibleType(dataType, expectedType) {
			return fmt.Errorf("column %s has type %s, expected compatible with %s",
				colName, dataType, expectedType)
		}
	}
	return nil
}

func isCompatibleType(actual, expected string) bool {
	compatible := map[string][]string{
		"integer":   {"integer", "bigint"},
		"bigint":    {"bigint", "integer"},
		"varchar":   {"character varying", "text", "character"},
		"numeric":   {"numeric", "bigint"},
		"uuid":      {"uuid"},
		"bytea":     {"bytea"},
		"timestamp": {"timestamp with time zone", "timestamp without time zone"},
	}
	for _, t := range compatible[expected] {
		if t == actual {
			return true
		}
	}
	return false
}
