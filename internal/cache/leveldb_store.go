package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB layout:
//
//	s:<store>            -> store marker
//	e:<store>\x00<key>   -> gob record
const (
	levelStorePrefix = "s:"
	levelEntryPrefix = "e:"
)

// NewLevelDBStorage opens (or creates) a LevelDB database at path.
func NewLevelDBStorage(path string) (Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &levelStorage{db: db}, nil
}

type levelStorage struct {
	db *leveldb.DB

	// mu orders store creation/deletion against entry writes so a write that
	// races a Delete cannot leave orphaned entries behind.
	mu sync.RWMutex
}

type levelStore struct {
	storage *levelStorage
	name    string
}

func (s *levelStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put([]byte(levelStorePrefix+name), []byte{1}, nil); err != nil {
		return nil, err
	}
	return &levelStore{storage: s, name: name}, nil
}

func (s *levelStorage) Has(ctx context.Context, name string) (bool, error) {
	return s.db.Has([]byte(levelStorePrefix+name), nil)
}

func (s *levelStorage) Names(ctx context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelStorePrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(levelStorePrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	marker := []byte(levelStorePrefix + name)
	exists, err := s.db.Has(marker, nil)
	if err != nil || !exists {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(marker)
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

func entryPrefix(store string) []byte {
	return []byte(levelEntryPrefix + store + "\x00")
}

func (l *levelStore) entryKey(key Key) []byte {
	return append(entryPrefix(l.name), key.String()...)
}

func (l *levelStore) Name() string { return l.name }

func (l *levelStore) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := l.storage.db.Get(l.entryKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
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

func (l *levelStore) Put(ctx context.Context, key Key, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encodeRecord(key, resp)
	if err != nil {
		return err
	}

	l.storage.mu.RLock()
	defer l.storage.mu.RUnlock()
	exists, err := l.storage.db.Has([]byte(levelStorePrefix+l.name), nil)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, l.name)
	}
	return l.storage.db.Put(l.entryKey(key), payload, nil)
}

func (l *levelStore) Delete(ctx context.Context, key Key) error {
	return l.storage.db.Delete(l.entryKey(key), nil)
}

func (l *levelStore) Keys(ctx context.Context) ([]Key, error) {
	it := l.storage.db.NewIterator(util.BytesPrefix(entryPrefix(l.name)), nil)
	defer it.Release()

	var keys []Key
	for it.Next() {
		rec, err := decodeRecord(it.Value())
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}
