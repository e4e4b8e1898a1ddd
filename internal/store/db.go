package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// DB stores documents in a single `documents` table keyed by
// (collection, id). Postgres keeps them as JSONB, SQLite as JSON1 text.
type DB struct {
	Client  *sql.DB
	dialect dialect
}

type dialect struct {
	name    string
	schema  string
	upsert  string
	read    string
	query   string
	update  string
	remove  string
	all     string
	queryFn func(field string, value any) []any
}

var postgres = dialect{
	name: "postgres",
	schema: `
	CREATE TABLE IF NOT EXISTS documents (
		collection  TEXT NOT NULL,
		id          TEXT NOT NULL,
		doc         JSONB NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_doc ON documents USING GIN (doc jsonb_path_ops);
	`,
	upsert: `
		INSERT INTO documents (collection, id, doc)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()
	`,
	read:   `SELECT doc FROM documents WHERE collection = $1 AND id = $2`,
	query:  `SELECT doc FROM documents WHERE collection = $1 AND doc @> $2::jsonb ORDER BY id`,
	update: `UPDATE documents SET doc = doc || $3::jsonb, updated_at = NOW() WHERE collection = $1 AND id = $2`,
	remove: `DELETE FROM documents WHERE collection = $1 AND id = $2`,
	all:    `SELECT doc FROM documents WHERE collection = $1 ORDER BY id`,
	queryFn: func(field string, value any) []any {
		raw, _ := json.Marshal(map[string]any{field: value})
		return []any{string(raw)}
	},
}

var sqlite = dialect{
	name: "sqlite",
	schema: `
	CREATE TABLE IF NOT EXISTS documents (
		collection  TEXT NOT NULL,
		id          TEXT NOT NULL,
		doc         TEXT NOT NULL,
		updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (collection, id)
	);
	`,
	upsert: `
		INSERT INTO documents (collection, id, doc)
		VALUES (?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP
	`,
	read:   `SELECT doc FROM documents WHERE collection = ? AND id = ?`,
	query:  `SELECT doc FROM documents WHERE collection = ? AND json_extract(doc, ?) = ? ORDER BY id`,
	update: `UPDATE documents SET doc = json_patch(doc, ?), updated_at = CURRENT_TIMESTAMP WHERE collection = ? AND id = ?`,
	remove: `DELETE FROM documents WHERE collection = ? AND id = ?`,
	all:    `SELECT doc FROM documents WHERE collection = ? ORDER BY id`,
	queryFn: func(field string, value any) []any {
		// json_extract yields 1/0 for JSON booleans
		if b, ok := value.(bool); ok {
			if b {
				value = 1
			} else {
				value = 0
			}
		}
		return []any{`$."` + field + `"`, value}
	},
}

// OpenPostgres connects through pgx and ensures the documents table exists.
func OpenPostgres(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return newDB(ctx, db, postgres)
}

// OpenSQLite opens (creating if needed) a WAL-mode SQLite file.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create sqlite dir")
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	return newDB(ctx, db, sqlite)
}

func newDB(ctx context.Context, db *sql.DB, d dialect) (*DB, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping %s", d.name)
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "migrate %s", d.name)
	}
	return &DB{Client: db, dialect: d}, nil
}

func (d *DB) CreateOrReplace(ctx context.Context, collection, id string, doc Doc) error {
	raw, err := json.Marshal(withID(doc, id))
	if err != nil {
		return errors.Wrap(err, "marshal document")
	}
	_, err = d.Client.ExecContext(ctx, d.dialect.upsert, collection, id, string(raw))
	return errors.Wrapf(err, "upsert %s/%s", collection, id)
}

func (d *DB) Read(ctx context.Context, collection, id string) (Doc, error) {
	var raw []byte
	err := d.Client.QueryRowContext(ctx, d.dialect.read, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s/%s", collection, id)
	}
	return unmarshalDoc(raw)
}

func (d *DB) QueryEqual(ctx context.Context, collection, field string, value any) ([]Doc, error) {
	args := append([]any{collection}, d.dialect.queryFn(field, normalize(value))...)
	return d.scan(ctx, d.dialect.query, args...)
}

func (d *DB) UpdateFields(ctx context.Context, collection, id string, partial Doc) error {
	raw, err := json.Marshal(partial)
	if err != nil {
		return errors.Wrap(err, "marshal patch")
	}
	var res sql.Result
	if d.dialect.name == "sqlite" {
		res, err = d.Client.ExecContext(ctx, d.dialect.update, string(raw), collection, id)
	} else {
		res, err = d.Client.ExecContext(ctx, d.dialect.update, collection, id, string(raw))
	}
	if err != nil {
		return errors.Wrapf(err, "update %s/%s", collection, id)
	}
	return affected(res)
}

func (d *DB) Delete(ctx context.Context, collection, id string) error {
	res, err := d.Client.ExecContext(ctx, d.dialect.remove, collection, id)
	if err != nil {
		return errors.Wrapf(err, "delete %s/%s", collection, id)
	}
	return affected(res)
}

func (d *DB) All(ctx context.Context, collection string) ([]Doc, error) {
	return d.scan(ctx, d.dialect.all, collection)
}

func (d *DB) Ping(ctx context.Context) error {
	return d.Client.PingContext(ctx)
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

func (d *DB) scan(ctx context.Context, query string, args ...any) ([]Doc, error) {
	rows, err := d.Client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query documents")
	}
	defer rows.Close()
	out := make([]Doc, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "scan document")
		}
		doc, err := unmarshalDoc(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
