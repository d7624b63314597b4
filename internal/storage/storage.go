package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	pq "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/krtong/bikenode.com-sub003/internal/config"
	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

// ProductStore persists deduplicated product records.
type ProductStore interface {
	SaveProduct(ctx context.Context, p types.Product) error
	Close() error
}

type dialect struct {
	driver   string
	floatCol string
	timeCol  string
}

func (d dialect) placeholder(n int) string {
	if d.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

var dialects = map[string]dialect{
	"sqlite":   {driver: "sqlite", floatCol: "REAL", timeCol: "TEXT"},
	"postgres": {driver: "postgres", floatCol: "DOUBLE PRECISION", timeCol: "TIMESTAMPTZ"},
}

// SQLWriter upserts products keyed by their dedupe key into one table.
type SQLWriter struct {
	db          *sql.DB
	dialect     dialect
	table       string
	autoMigrate bool
}

// NewSQLWriter opens the configured database. An empty SQLite DSN falls back to fallbackDSN.
func NewSQLWriter(ctx context.Context, cfg config.SQLConfig, fallbackDSN string) (*SQLWriter, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	dsn := cfg.DSN
	if dsn == "" && d.driver == "sqlite" {
		dsn = fallbackDSN
	}
	if dsn == "" {
		return nil, errors.New("sql config missing dsn")
	}
	if cfg.Table == "" {
		return nil, errors.New("sql config missing table")
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		if !cfg.CreateIfMissing || !shouldAttemptCreateDatabase(d.driver, err) {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
		if err := createDatabase(pingCtx, d.driver, dsn); err != nil {
			return nil, err
		}
		if db, err = sql.Open(d.driver, dsn); err != nil {
			return nil, fmt.Errorf("open sql connection: %w", err)
		}
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if d.driver == "sqlite" {
		// One writer at a time; SQLite serialises writes anyway.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	w := &SQLWriter{
		db:          db,
		dialect:     d,
		table:       pq.QuoteIdentifier(cfg.Table),
		autoMigrate: cfg.AutoMigrate,
	}
	if cfg.AutoMigrate {
		if err := w.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return w, nil
}

// SaveProduct inserts or replaces the row for p.Key.
func (s *SQLWriter) SaveProduct(ctx context.Context, p types.Product) error {
	if s == nil || s.db == nil {
		return nil
	}
	if p.Key == "" {
		return errors.New("product has no key")
	}
	if err := s.upsert(ctx, p); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := s.upsert(ctx, p); retryErr != nil {
				return fmt.Errorf("upsert product: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

var productColumns = []string{
	"key", "source_url", "canonical_url", "title", "brand", "sku",
	"price", "currency", "description", "image", "discovered_at", "loaded_at",
}

func (s *SQLWriter) upsert(ctx context.Context, p types.Product) error {
	holders := make([]string, len(productColumns))
	updates := make([]string, 0, len(productColumns)-1)
	for i, col := range productColumns {
		holders[i] = s.dialect.placeholder(i + 1)
		if col != "key" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (key) DO UPDATE SET %s",
		s.table,
		strings.Join(productColumns, ", "),
		strings.Join(holders, ", "),
		strings.Join(updates, ", "),
	)
	_, err := s.db.ExecContext(ctx, query,
		p.Key,
		p.SourceURL,
		p.CanonicalURL,
		p.Title,
		p.Brand,
		p.SKU,
		p.Price,
		p.Currency,
		p.Description,
		p.Image,
		s.timeValue(p.DiscoveredAt),
		s.timeValue(time.Now()),
	)
	return err
}

func (s *SQLWriter) timeValue(t time.Time) any {
	if s.dialect.driver == "sqlite" {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return t.UTC()
}

// Count returns the number of stored products.
func (s *SQLWriter) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.table).Scan(&n)
	return n, err
}

// Close closes the underlying DB connection.
func (s *SQLWriter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLWriter) ensureSchema(ctx context.Context) error {
	schemaCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	index := pq.QuoteIdentifier("idx_" + strings.Trim(s.table, `"`) + "_brand")
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		    key TEXT PRIMARY KEY,
		    source_url TEXT NOT NULL,
		    canonical_url TEXT,
		    title TEXT NOT NULL,
		    brand TEXT,
		    sku TEXT,
		    price %s,
		    currency TEXT,
		    description TEXT,
		    image TEXT,
		    discovered_at %s,
		    loaded_at %s
		)`, s.table, s.dialect.floatCol, s.dialect.timeCol, s.dialect.timeCol),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (brand)`, index, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if driver != "postgres" {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, driver, dsn string) error {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if _, err := adminDB.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(dbName)); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "no such table") ||
		(strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist"))
}
