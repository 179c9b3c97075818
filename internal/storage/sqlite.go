package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/engramlabs/engram/internal/memory"
)

// SQLiteStore is a relational Backend on modernc.org/sqlite. Scalar fields
// live in indexed columns for filtering and sorting; the full item rides
// along as a JSON payload so the schema never chases the model.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

type sqliteMigration struct {
	Version     int
	Description string
	SQL         string
}

var sqliteMigrations = []sqliteMigration{
	{
		Version:     1,
		Description: "items: scalar filter columns plus JSON payload",
		SQL: `
CREATE TABLE items (
    id            TEXT PRIMARY KEY,
    status        TEXT NOT NULL CHECK (status IN ('active', 'archived')),
    importance    REAL NOT NULL DEFAULT 0,
    access_count  INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    last_accessed INTEGER,
    payload       TEXT NOT NULL
);

CREATE INDEX idx_items_status     ON items(status);
CREATE INDEX idx_items_importance ON items(importance DESC);
CREATE INDEX idx_items_access     ON items(access_count DESC);
`,
	},
}

// OpenSQLite opens (or creates) the database at path, configures pragmas,
// and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return openSQLite(path)
}

// OpenSQLiteMemory opens an in-memory database for testing.
func OpenSQLiteMemory() (*SQLiteStore, error) {
	return openSQLite(":memory:")
}

func openSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db, path: path}
	if err := s.configurePragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range sqliteMigrations {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, item *memory.Item) (bool, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("marshal item: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO items (id, status, importance, access_count, created_at, updated_at, last_accessed, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, string(item.Metadata.Status), item.Metadata.Importance, item.Metadata.AccessCount,
		item.Metadata.CreatedAt.UnixMilli(), item.Metadata.UpdatedAt.UnixMilli(),
		lastAccessedMillis(item), string(payload))
	if err != nil {
		return false, fmt.Errorf("create item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Read(ctx context.Context, id string) (*memory.Item, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM items WHERE id = ?", id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read item: %w", err)
	}
	return unmarshalItem(payload)
}

func (s *SQLiteStore) Update(ctx context.Context, item *memory.Item) (bool, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("marshal item: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET status = ?, importance = ?, access_count = ?, updated_at = ?, last_accessed = ?, payload = ?
		WHERE id = ?
	`, string(item.Metadata.Status), item.Metadata.Importance, item.Metadata.AccessCount,
		item.Metadata.UpdatedAt.UnixMilli(), lastAccessedMillis(item), string(payload), item.ID)
	if err != nil {
		return false, fmt.Errorf("update item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM items WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]*memory.Item, error) {
	where, args := sqliteWhere(q)
	order := sqliteOrder(q)

	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM items"+where+order, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var hits []*memory.Item
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it, err := unmarshalItem(payload)
		if err != nil {
			return nil, err
		}
		// Tag and content filters are not expressible against the scalar
		// columns, so they run here.
		if matches(it, q) {
			hits = append(hits, it)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return window(hits, q), nil
}

func (s *SQLiteStore) Count(ctx context.Context, q Query) (int, error) {
	if len(q.Tags) > 0 || q.ContentLike != "" {
		items, err := s.Query(ctx, Query{
			Status:         q.Status,
			MinImportance:  q.MinImportance,
			MinAccessCount: q.MinAccessCount,
			Tags:           q.Tags,
			ContentLike:    q.ContentLike,
		})
		if err != nil {
			return 0, err
		}
		return len(items), nil
	}

	where, args := sqliteWhere(q)
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM items"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) BatchCreate(ctx context.Context, items []*memory.Item) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(items))
	for _, it := range items {
		payload, err := json.Marshal(it)
		if err != nil {
			return nil, fmt.Errorf("marshal item %s: %w", it.ID, err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO items (id, status, importance, access_count, created_at, updated_at, last_accessed, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, it.ID, string(it.Metadata.Status), it.Metadata.Importance, it.Metadata.AccessCount,
			it.Metadata.CreatedAt.UnixMilli(), it.Metadata.UpdatedAt.UnixMilli(),
			lastAccessedMillis(it), string(payload))
		if err != nil {
			return nil, fmt.Errorf("batch create %s: %w", it.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			ids = append(ids, it.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM items"); err != nil {
		return fmt.Errorf("clear items: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (map[string]any, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM items").Scan(&count); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return map[string]any{
		"backend": "sqlite",
		"path":    s.path,
		"items":   count,
	}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func sqliteWhere(q Query) (string, []any) {
	var clauses []string
	var args []any
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.MinImportance != nil {
		clauses = append(clauses, "importance > ?")
		args = append(args, *q.MinImportance)
	}
	if q.MinAccessCount != nil {
		clauses = append(clauses, "access_count > ?")
		args = append(args, *q.MinAccessCount)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func sqliteOrder(q Query) string {
	col := "id"
	switch q.SortBy {
	case "importance", "access_count", "created_at", "updated_at", "last_accessed":
		col = q.SortBy
	}
	dir := "DESC"
	if q.Ascending {
		dir = "ASC"
	}
	return fmt.Sprintf(" ORDER BY %s %s", col, dir)
}

func lastAccessedMillis(it *memory.Item) any {
	if it.Metadata.LastAccessed.IsZero() {
		return nil
	}
	return it.Metadata.LastAccessed.UnixMilli()
}

func unmarshalItem(payload string) (*memory.Item, error) {
	var it memory.Item
	if err := json.Unmarshal([]byte(payload), &it); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &it, nil
}
