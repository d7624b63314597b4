package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/krtong/bikenode.com-sub003/internal/config"
	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

func sqliteConfig() config.SQLConfig {
	return config.SQLConfig{Driver: "sqlite", Table: "products", AutoMigrate: true}
}

func TestSQLiteUpsert(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "products.db")
	w, err := NewSQLWriter(ctx, sqliteConfig(), dsn)
	require.NoError(t, err)
	defer w.Close()

	p := types.Product{
		Key:          "https://shop.test/p/1",
		SourceURL:    "https://shop.test/p/1",
		Title:        "Arai Corsair-X",
		Brand:        "Arai",
		Price:        1299.99,
		Currency:     "USD",
		DiscoveredAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, w.SaveProduct(ctx, p))
	p.Price = 1199.99
	require.NoError(t, w.SaveProduct(ctx, p))
	require.NoError(t, w.SaveProduct(ctx, types.Product{Key: "k2", SourceURL: "https://shop.test/p/2", Title: "Shoei"}))

	n, err := w.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	var price float64
	require.NoError(t, w.db.QueryRowContext(ctx, `SELECT price FROM "products" WHERE key = ?`, p.Key).Scan(&price))
	require.InDelta(t, 1199.99, price, 0.001)
}

func TestSaveProductRequiresKey(t *testing.T) {
	w, err := NewSQLWriter(context.Background(), sqliteConfig(), filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	defer w.Close()
	require.Error(t, w.SaveProduct(context.Background(), types.Product{Title: "x"}))
}

func TestSchemaRecreatedWhenTableDropped(t *testing.T) {
	ctx := context.Background()
	w, err := NewSQLWriter(ctx, sqliteConfig(), filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	defer w.Close()

	_, err = w.db.ExecContext(ctx, `DROP TABLE "products"`)
	require.NoError(t, err)
	require.NoError(t, w.SaveProduct(ctx, types.Product{Key: "k", SourceURL: "u", Title: "t"}))
}

func TestNewSQLWriterRejectsUnknownDriver(t *testing.T) {
	_, err := NewSQLWriter(context.Background(), config.SQLConfig{Driver: "oracle", Table: "t"}, "")
	require.Error(t, err)
}
