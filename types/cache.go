package types

import (
	"context"
	"time"
)

type EntryStore interface {
	LifecycleManager
	Get(ctx context.Context, key string) (*CacheEntry, bool, error)
	Set(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Len(ctx context.Context) (int, error)
}

type EntryStoreCreator func(config interface{}) (EntryStore, error)

type CacheEntry struct {
	Key       string        `json:"key"`
	Value     Payload       `json:"value"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// IsFresh reports whether the entry may still be served at now.
func (e *CacheEntry) IsFresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) <= e.TTL
}
