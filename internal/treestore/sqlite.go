package treestore

import (
	"database/sql"
	"errors"
	"fmt"
	"path"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite keeps the same key tree inside a single database file. Every key is
// a row; directories carry no data.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dbPath.
func OpenSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time; sqlite serialises anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			key    TEXT PRIMARY KEY,
			parent TEXT NOT NULL,
			name   TEXT NOT NULL,
			dir    INTEGER NOT NULL,
			data   BLOB,
			mtime  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

func parentOf(key string) string {
	p := path.Dir(key)
	if p == "." {
		return ""
	}
	return p
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}

func stat(q querier, key string) (Entry, error) {
	var (
		dir   bool
		size  int64
		mtime int64
	)
	err := q.QueryRow(`SELECT dir, COALESCE(length(data), 0), mtime FROM nodes WHERE key = ?`, key).Scan(&dir, &size, &mtime)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: path.Base(key), Dir: dir, Size: size, ModTime: time.Unix(0, mtime)}, nil
}

func mkdirAll(q querier, key string, now time.Time) error {
	if key == "" {
		return nil
	}
	if err := mkdirAll(q, parentOf(key), now); err != nil {
		return err
	}
	e, err := stat(q, key)
	if err == nil {
		if !e.Dir {
			return fmt.Errorf("treestore: %s is not a directory", key)
		}
		return nil
	}
	if !IsNotExist(err) {
		return err
	}
	_, err = q.Exec(`INSERT INTO nodes(key, parent, name, dir, data, mtime) VALUES (?, ?, ?, 1, NULL, ?)`,
		key, parentOf(key), path.Base(key), now.UnixNano())
	return err
}

func (s *SQLite) Stat(key string) (Entry, error) {
	k, err := cleanKey(key)
	if err != nil {
		return Entry{}, err
	}
	return stat(s.db, k)
}

func (s *SQLite) List(key string) ([]Entry, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	e, err := stat(s.db, k)
	if err != nil {
		return nil, err
	}
	if !e.Dir {
		return nil, fmt.Errorf("treestore: %s is not a directory", k)
	}
	rows, err := s.db.Query(`SELECT name, dir, COALESCE(length(data), 0), mtime FROM nodes WHERE parent = ? ORDER BY name`, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			ent   Entry
			mtime int64
		)
		if err := rows.Scan(&ent.Name, &ent.Dir, &ent.Size, &mtime); err != nil {
			return nil, err
		}
		ent.ModTime = time.Unix(0, mtime)
		out = append(out, ent)
	}
	return out, rows.Err()
}

func (s *SQLite) ReadFile(key string) ([]byte, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	var (
		dir  bool
		data []byte
	)
	err = s.db.QueryRow(`SELECT dir, data FROM nodes WHERE key = ?`, k).Scan(&dir, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, k)
	}
	if err != nil {
		return nil, err
	}
	if dir {
		return nil, fmt.Errorf("treestore: %s is a directory", k)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// tx runs fn inside a transaction, committing when it returns nil.
func (s *SQLite) tx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLite) WriteFile(key string, data []byte) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	now := time.Now()
	return s.tx(func(tx *sql.Tx) error {
		if e, err := stat(tx, k); err == nil && e.Dir {
			return fmt.Errorf("treestore: %s is a directory", k)
		}
		if err := mkdirAll(tx, parentOf(k), now); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO nodes(key, parent, name, dir, data, mtime) VALUES (?, ?, ?, 0, ?, ?)
			ON CONFLICT(key) DO UPDATE SET data = excluded.data, mtime = excluded.mtime`,
			k, parentOf(k), path.Base(k), data, now.UnixNano())
		return err
	})
}

func (s *SQLite) Touch(key string, t time.Time) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	return s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE nodes SET mtime = ? WHERE key = ?`, t.UnixNano(), k)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		if err := mkdirAll(tx, parentOf(k), t); err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO nodes(key, parent, name, dir, data, mtime) VALUES (?, ?, ?, 0, ?, ?)`,
			k, parentOf(k), path.Base(k), []byte{}, t.UnixNano())
		return err
	})
}

func (s *SQLite) MkdirAll(key string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	return s.tx(func(tx *sql.Tx) error { return mkdirAll(tx, k, time.Now()) })
}

// subtree matches key itself and every key below it without LIKE, whose
// wildcards would collide with '_' in names.
const subtree = `(key = ? OR substr(key, 1, ?) = ?)`

func (s *SQLite) Rename(from, to string) error {
	src, err := cleanKey(from)
	if err != nil {
		return err
	}
	dst, err := cleanKey(to)
	if err != nil {
		return err
	}
	return s.tx(func(tx *sql.Tx) error {
		if _, err := stat(tx, src); err != nil {
			return err
		}
		if _, err := stat(tx, dst); err == nil {
			return fmt.Errorf("%w: %s", ErrExist, dst)
		} else if !IsNotExist(err) {
			return err
		}
		if err := mkdirAll(tx, parentOf(dst), time.Now()); err != nil {
			return err
		}
		rows, err := tx.Query(`SELECT key FROM nodes WHERE `+subtree, src, len(src)+1, src+"/")
		if err != nil {
			return err
		}
		var keys []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				_ = rows.Close()
				return err
			}
			keys = append(keys, k)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, k := range keys {
			nk := dst + k[len(src):]
			if _, err := tx.Exec(`UPDATE nodes SET key = ?, parent = ?, name = ? WHERE key = ?`,
				nk, parentOf(nk), path.Base(nk), k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) Remove(key string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	return s.tx(func(tx *sql.Tx) error {
		e, err := stat(tx, k)
		if err != nil {
			return err
		}
		if e.Dir {
			var n int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM nodes WHERE parent = ?`, k).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: %s", ErrNotEmpty, k)
			}
		}
		_, err = tx.Exec(`DELETE FROM nodes WHERE key = ?`, k)
		return err
	})
}

func (s *SQLite) RemoveAll(key string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM nodes WHERE `+subtree, k, len(k)+1, k+"/")
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }
