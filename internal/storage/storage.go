package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/surf-session-core/internal/types"
)

// Storage persists the full proxy list. Every Save rewrites the whole list.
type Storage interface {
	Save(proxies []types.Proxy) error
	Load() ([]types.Proxy, error)
	Close() error
}

// NewStorage builds the backend named by storageType. For redis, path is the server address.
func NewStorage(storageType string, path string, key string) (Storage, error) {
	switch storageType {
	case "file":
		return NewFileStorage(path)
	case "sqlite":
		return NewSQLiteStorage(path)
	case "redis":
		return NewRedisStorage(path, key)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}

// FileStorage stores the proxy list as one JSON array file
type FileStorage struct {
	path string
}

func NewFileStorage(path string) (*FileStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	return &FileStorage{path: path}, nil
}

func (f *FileStorage) Save(proxies []types.Proxy) error {
	if proxies == nil {
		proxies = []types.Proxy{}
	}
	data, err := json.MarshalIndent(proxies, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	return WriteFileAtomic(f.path, data)
}

func (f *FileStorage) Load() ([]types.Proxy, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // File doesn't exist yet
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	var proxies []types.Proxy
	if err := json.Unmarshal(data, &proxies); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return proxies, nil
}

func (f *FileStorage) Close() error {
	return nil
}

// WriteFileAtomic writes to a temp file, then renames it over path
func WriteFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}
