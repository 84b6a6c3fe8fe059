package registry

import (
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend is the embedded-SQLite KV backend from spec.md §4.7. It
// implements the same Store interface as FileBackend; keys(prefix) is
// served from an in-memory prefix cache populated on Set and pruned on
// Delete rather than re-scanning the table.
type SQLiteBackend struct {
	db *sql.DB

	mu     sync.RWMutex
	prefix map[string]struct{} // every key, used only for prefix scans
}

// NewSQLiteBackend opens (and migrates) path, or ":memory:" for an
// ephemeral store.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}

	b := &SQLiteBackend{db: db, prefix: make(map[string]struct{})}
	rows, err := db.Query(`SELECT key FROM kv`)
	if err != nil {
		db.Close()
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			continue
		}
		b.prefix[key] = struct{}{}
	}

	return b, nil
}

func (b *SQLiteBackend) Get(key string) (any, error) {
	var raw string
	err := b.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, err
	}
	return value, nil
}

func (b *SQLiteBackend) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(raw))
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.prefix[key] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (b *SQLiteBackend) Delete(key string) error {
	if _, err := b.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.prefix, key)
	b.mu.Unlock()
	return nil
}

func (b *SQLiteBackend) Has(key string) (bool, error) {
	var count int
	if err := b.db.QueryRow(`SELECT COUNT(1) FROM kv WHERE key = ?`, key).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (b *SQLiteBackend) Keys(prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for k := range b.prefix {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *SQLiteBackend) Search(query map[string]any) ([]Entry, error) {
	rows, err := b.db.Query(`SELECT key, value FROM kv`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			continue
		}
		if matches(value, query) {
			out = append(out, Entry{Key: key, Value: value})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *SQLiteBackend) Clear() error {
	if _, err := b.db.Exec(`DELETE FROM kv`); err != nil {
		return err
	}
	b.mu.Lock()
	b.prefix = make(map[string]struct{})
	b.mu.Unlock()
	return nil
}

func (b *SQLiteBackend) Stats() (Stats, error) {
	var count int
	if err := b.db.QueryRow(`SELECT COUNT(1) FROM kv`).Scan(&count); err != nil {
		return Stats{}, err
	}
	return Stats{Count: count}, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

var _ Store = (*SQLiteBackend)(nil)
