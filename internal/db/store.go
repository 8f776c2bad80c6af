package db

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no record exists for a key.
var ErrNotFound = errors.New("db: record not found")

// Entry is a single key/value record returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is an ordered key-value store scoped to one actor instance. Each
// room and the room manager own exactly one Store and never share it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// List returns every record whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// DeleteAll removes every record whose key starts with prefix.
	DeleteAll(ctx context.Context, prefix string) error
}

// Stats summarises what a backend currently holds.
type Stats struct {
	Namespaces int `json:"namespaces"`
	Records    int `json:"records"`
}

// Backend hands out isolated namespaces over one physical store.
type Backend interface {
	Namespace(name string) Store
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// prefixEnd returns the smallest string greater than every string carrying
// prefix, or "" when no such bound exists.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
