package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS tree_nodes (
    path TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

const (
	selectSubtreeQuery = "SELECT path, value FROM tree_nodes WHERE path = ? OR (path >= ? AND path < ?)"
	deleteSubtreeQuery = "DELETE FROM tree_nodes WHERE path = ? OR (path >= ? AND path < ?)"
	deletePathQuery    = "DELETE FROM tree_nodes WHERE path = ?"
	upsertQuery        = "INSERT INTO tree_nodes (path, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP) " +
		"ON CONFLICT (path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at"
)

// SQLStore keeps one row per leaf. Subtrees are selected as the key range
// [path+"/", path+"0"), '0' being the byte after '/'; the path column must
// therefore compare bytewise.
type SQLStore struct {
	conn    *sql.DB
	dialect Dialect
}

// OpenPostgres connects with lib/pq and applies the embedded migrations.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migratePostgres(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLStore{conn: db, dialect: DialectPostgres}, nil
}

func migratePostgres(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	drv, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// OpenSQLite opens a modernc sqlite database. A ":memory:" dsn gives every
// connection its own database, so the pool is pinned to one connection.
func OpenSQLite(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	return &SQLStore{conn: db, dialect: DialectSQLite}, nil
}

func (s *SQLStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// rebind rewrites ? placeholders into the dialect's form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Read(ctx context.Context, path string) (json.RawMessage, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, s.rebind(selectSubtreeQuery), path, path+"/", path+"0")
	if err != nil {
		return nil, fmt.Errorf("sql: read %s: %w", path, err)
	}
	defer rows.Close()

	leaves := make(map[string]json.RawMessage)
	for rows.Next() {
		var p, v string
		if err := rows.Scan(&p, &v); err != nil {
			return nil, fmt.Errorf("sql: scan %s: %w", path, err)
		}
		leaves[p] = json.RawMessage(v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sql: read %s: %w", path, err)
	}

	return expand(path, leaves)
}

func (s *SQLStore) Write(ctx context.Context, path string, doc any) error {
	m, err := planWrite(path, doc)
	if err != nil {
		return err
	}
	return s.apply(ctx, m)
}

func (s *SQLStore) Update(ctx context.Context, path string, fields map[string]any) error {
	m, err := planUpdate(path, fields)
	if err != nil {
		return err
	}
	return s.apply(ctx, m)
}

func (s *SQLStore) Delete(ctx context.Context, path string) error {
	m, err := planDelete(path)
	if err != nil {
		return err
	}
	return s.apply(ctx, m)
}

func (s *SQLStore) apply(ctx context.Context, m mutation) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql: begin: %w", err)
	}
	defer tx.Rollback()

	for _, root := range m.clear {
		if _, err := tx.ExecContext(ctx, s.rebind(deleteSubtreeQuery), root, root+"/", root+"0"); err != nil {
			return fmt.Errorf("sql: clear %s: %w", root, err)
		}
		for _, a := range ancestors(root) {
			if _, err := tx.ExecContext(ctx, s.rebind(deletePathQuery), a); err != nil {
				return fmt.Errorf("sql: clear ancestor %s: %w", a, err)
			}
		}
	}

	for p, v := range m.set {
		if _, err := tx.ExecContext(ctx, s.rebind(upsertQuery), p, string(v)); err != nil {
			return fmt.Errorf("sql: set %s: %w", p, err)
		}
	}

	return tx.Commit()
}
