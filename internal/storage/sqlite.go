package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/surf-session-core/internal/types"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS proxy_lists (
		id INTEGER PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Save(proxies []types.Proxy) error {
	if proxies == nil {
		proxies = []types.Proxy{}
	}
	data, err := json.Marshal(proxies)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	// Keep only the latest list
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM proxy_lists"); err != nil {
		return fmt.Errorf("delete old lists: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO proxy_lists (data, updated_at) VALUES (?, ?)",
		string(data), time.Now()); err != nil {
		return fmt.Errorf("insert list: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) Load() ([]types.Proxy, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM proxy_lists ORDER BY id DESC LIMIT 1").Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query list: %w", err)
	}

	var proxies []types.Proxy
	if err := json.Unmarshal([]byte(data), &proxies); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return proxies, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
