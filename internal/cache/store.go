package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// Storage 管理 agent 名下所有的命名缓存（每个缓存标识一个）。
type Storage interface {
	// Open returns the named store, creating it when absent.
	Open(ctx context.Context, name string) (Store, error)

	// Has reports whether a store with this exact name exists.
	Has(ctx context.Context, name string) (bool, error)

	// Names lists every store currently present, sorted.
	Names(ctx context.Context) ([]string, error)

	// Delete removes the store and all of its entries. It returns false when
	// the store did not exist.
	Delete(ctx context.Context, name string) (bool, error)

	Close() error
}

// Store 是单个命名缓存：请求标识 → 最近一次记录的响应。
type Store interface {
	Name() string

	// Match returns the recorded response for key or ErrNotFound.
	Match(ctx context.Context, key Key) (*Response, error)

	// Put inserts or replaces the entry for key. Concurrent puts to the same
	// key resolve as last-write-wins.
	Put(ctx context.Context, key Key, resp *Response) error

	// Delete removes one entry; a missing entry is not an error.
	Delete(ctx context.Context, key Key) error

	// Keys lists every key in the store.
	Keys(ctx context.Context) ([]Key, error)
}

// Key identifies a request inside a store (method + absolute URL).
type Key struct {
	Method string
	URL    string
}

// KeyFor derives the store key from an outgoing request. Fragments never reach
// the network and are dropped.
func KeyFor(req *http.Request) Key {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return Key{Method: method, URL: u.String()}
}

// KeyForURL is KeyFor for a plain GET of u.
func KeyForURL(u *url.URL) Key {
	return KeyFor(&http.Request{Method: http.MethodGet, URL: u})
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Response is a recorded response, independent of any live connection.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreNotFound 表示命名缓存不存在。
	ErrStoreNotFound = errors.New("cache store not found")
)
