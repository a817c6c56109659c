package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteTimeFormat = time.RFC3339Nano

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS buckets (
	name       TEXT PRIMARY KEY,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	bucket    TEXT NOT NULL REFERENCES buckets(name) ON DELETE CASCADE,
	method    TEXT NOT NULL,
	url       TEXT NOT NULL,
	status    INTEGER NOT NULL,
	header    BLOB,
	body      BLOB,
	stored_at TEXT NOT NULL,
	PRIMARY KEY (bucket, method, url)
);
CREATE TABLE IF NOT EXISTS meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);`

type sqliteStorage struct {
	db *sql.DB
}

type sqliteBucket struct {
	db   *sql.DB
	name string
}

// NewSQLiteStorage 打开 path 指向的 SQLite 数据库文件并确保表结构存在。
func NewSQLiteStorage(path string) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := checkBucketName(name); err != nil {
		return nil, err
	}
	if err := ensureBucket(ctx, s.db, name); err != nil {
		return nil, err
	}
	return &sqliteBucket{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Get(ctx context.Context, name string) (Bucket, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBucketNotFound
	}
	return &sqliteBucket{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkBucketName(name); err != nil {
		return false, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM buckets WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM buckets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkBucketName(name); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ?`, name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) ActiveVersion(ctx context.Context) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = 'active'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return name, err
}

func (s *sqliteStorage) SetActiveVersion(ctx context.Context, name string) error {
	if err := checkBucketName(name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (k, v) VALUES ('active', ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`, name)
	return err
}

func (s *sqliteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Match(ctx context.Context, key RequestKey) (*Response, error) {
	var (
		status   int
		header   []byte
		body     []byte
		storedAt string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM entries WHERE bucket = ? AND method = ? AND url = ?`,
		b.name, key.Method, key.URL,
	).Scan(&status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	resp := &Response{Status: status, Header: http.Header{}, Body: body}
	if len(header) > 0 {
		if err := json.Unmarshal(header, &resp.Header); err != nil {
			return nil, fmt.Errorf("decode header %s: %w", key, err)
		}
	}
	if parsed, err := time.Parse(sqliteTimeFormat, storedAt); err == nil {
		resp.StoredAt = parsed
	}
	return resp, nil
}

func (b *sqliteBucket) Put(ctx context.Context, key RequestKey, resp Response) error {
	return b.PutAll(ctx, []Item{{Key: key, Response: resp}})
}

// PutAll 在单个事务内写入整批条目，任一失败即回滚；桶已被删除时返回 ErrBucketNotFound。
func (b *sqliteBucket) PutAll(ctx context.Context, items []Item) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM buckets WHERE name = ?`, b.name).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrBucketNotFound
	}
	for _, item := range items {
		rec := newRecord(item.Key, item.Response)
		header, err := json.Marshal(rec.Header)
		if err != nil {
			return err
		}
		body := rec.Body
		if body == nil {
			body = []byte{}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entries (bucket, method, url, status, header, body, stored_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(bucket, method, url) DO UPDATE SET
			   status = excluded.status, header = excluded.header,
			   body = excluded.body, stored_at = excluded.stored_at`,
			b.name, rec.Key.Method, rec.Key.URL, rec.Status, header, body,
			rec.StoredAt.UTC().Format(sqliteTimeFormat),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]RequestKey, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT method, url FROM entries WHERE bucket = ? ORDER BY url`, b.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []RequestKey
	for rows.Next() {
		var key RequestKey
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureBucket(ctx context.Context, db execer, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO buckets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().Format(sqliteTimeFormat))
	return err
}
