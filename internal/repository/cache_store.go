package repository

import (
	"context"
	"time"
)

// バイト列のキャッシュ。最後に書いた値が勝つ。
type CacheStore interface {
	//見つからなければ (nil, false, nil)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
}
