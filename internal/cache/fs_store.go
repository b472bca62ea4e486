package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，每个命名缓存对应一个子目录。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileStore struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	dir := s.storeDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if validateStoreName(name) != nil {
		return false, nil
	}
	info, err := os.Stat(s.storeDir(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	// Rename first so the store vanishes from Names atomically, then remove.
	tomb, err := os.MkdirTemp(s.basePath, ".deleted-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(tomb, name)
	if err := os.Rename(s.storeDir(name), target); err != nil {
		os.RemoveAll(tomb)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(tomb); err != nil {
		return true, fmt.Errorf("remove store %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Close() error { return nil }

func (s *fileStorage) storeDir(name string) string {
	return filepath.Join(s.basePath, name)
}

func (f *fileStore) Name() string { return f.name }

func (f *fileStore) Match(ctx context.Context, key Key) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath := f.entryPath(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	return &rec.Response, nil
}

func (f *fileStore) Put(ctx context.Context, key Key, resp *Response) error {
	unlock := f.storage.lockEntry(f.name, key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := encodeRecord(key, resp)
	if err != nil {
		return err
	}

	// No MkdirAll here: a store deleted by activation must not come back
	// through a late write from a superseded worker.
	tempFile, err := os.CreateTemp(f.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, f.entryPath(key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (f *fileStore) Delete(ctx context.Context, key Key) error {
	unlock := f.storage.lockEntry(f.name, key)
	defer unlock()

	if err := os.Remove(f.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *fileStore) Keys(ctx context.Context) ([]Key, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	sortKeys(keys)
	return keys, nil
}

// entryPath hashes the key so arbitrary URLs map to flat, safe file names.
func (f *fileStore) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (s *fileStorage) lockEntry(store string, key Key) func() {
	id := store + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[id]
	if lock == nil {
		lock = &entryLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}
