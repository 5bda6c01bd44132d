package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("key not found")
	ErrStoreUnavailable = errors.New("mirror store unavailable")
)

// MirrorStore is the external TTL key-value store connection state is
// mirrored into. Values are JSON documents; records that can be removed by
// CompareAndDelete carry a top-level "connectionId" field.
type MirrorStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) (int, error)
	// CompareAndDelete removes key only while its record is still owned by
	// connectionID.
	CompareAndDelete(ctx context.Context, key, connectionID string) (bool, error)
	// Scan lists every live key starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
