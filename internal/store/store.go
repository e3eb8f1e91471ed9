// Package store reads the relational system of record: the catalog rows a
// reindex pages through and the user count shown on the dashboard.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/yourorg/catalog-search/internal/cdc"
)

type Store struct {
	DB            *sql.DB
	Driver        string
	UsersTable    string
	ProductsTable string
}

// Open connects with driver "pgx" (Postgres) or "mysql".
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "pgx", "mysql":
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if dsn == "" {
		return nil, errors.New("empty dsn")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{DB: db, Driver: driver, UsersTable: "users", ProductsTable: "products"}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s *Store) Close() error { return s.DB.Close() }

// CountUsers returns the exact number of user rows.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	q := "SELECT COUNT(*) FROM " + s.quote(s.UsersTable)
	if err := s.DB.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// ProductsAfter returns up to limit catalog rows with id greater than
// afterID, ordered by id. Soft-deleted rows are included so the caller can
// index their inactive state.
func (s *Store) ProductsAfter(ctx context.Context, afterID int64, limit int) ([]cdc.RowImage, error) {
	rows, err := s.DB.QueryContext(ctx, s.productsQuery(), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var out []cdc.RowImage
	for rows.Next() {
		var (
			r           cdc.RowImage
			description sql.NullString
			category    sql.NullString
			tags        sql.NullString
			stock       sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.SKU, &r.Name, &description, &category, &r.Price, &stock, &tags, &r.IsActive); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		r.Description, r.Category, r.Tags, r.Stock = description.String, category.String, tags.String, stock.Int64
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) productsQuery() string {
	cols := []string{"id", "sku", "name", "description", "category", "price", "stock", "tags", "isActive"}
	for i, c := range cols {
		cols[i] = s.quote(c)
	}
	id := s.quote("id")
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s > %s ORDER BY %s LIMIT %s",
		strings.Join(cols, ", "), s.quote(s.ProductsTable), id, s.placeholder(1), id, s.placeholder(2))
}

func (s *Store) placeholder(n int) string {
	if s.Driver == "mysql" {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// quote keeps mixed-case identifiers such as isActive intact.
func (s *Store) quote(ident string) string {
	if s.Driver == "mysql" {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
