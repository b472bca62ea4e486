package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Supported storage drivers.
const (
	DriverFS      = "fs"
	DriverLevelDB = "leveldb"
	DriverSQLite  = "sqlite"
	DriverMemory  = "memory"
)

// Drivers lists the accepted StorageDriver values.
func Drivers() []string {
	return []string{DriverFS, DriverLevelDB, DriverSQLite, DriverMemory}
}

// NewStorage builds the Storage selected by driver, rooted at basePath.
func NewStorage(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFileStorage(basePath)
	case DriverLevelDB:
		return NewLevelDBStorage(filepath.Join(basePath, "leveldb"))
	case DriverSQLite:
		if err := ensureDir(basePath); err != nil {
			return nil, err
		}
		return NewSQLiteStorage(filepath.Join(basePath, "offcache.db"))
	case DriverMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// validateStoreName keeps store names usable as a directory name and as a
// LevelDB key segment.
func validateStoreName(name string) error {
	if name == "" {
		return fmt.Errorf("store name required")
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid store name %q", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == '+':
		default:
			return fmt.Errorf("invalid store name %q", name)
		}
	}
	return nil
}

func ensureDir(path string) error {
	if path == "" {
		return fmt.Errorf("storage path required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create storage path: %w", err)
	}
	return nil
}
