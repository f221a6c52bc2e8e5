package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// MemoryBackend is the in-memory cache backend for cache.backend: memory,
// backed by ristretto's admission-policy cache.
type MemoryBackend struct {
	cache   *ristretto.Cache[string, interface{}]
	expired chan string
}

// NewMemoryBackend creates a ristretto-backed cache. Keys set with a TTL are
// reported on Expired() once the TTL has elapsed and the key is gone;
// evictions under capacity pressure are not reported on their own.
func NewMemoryBackend() (*MemoryBackend, error) {
	expired := make(chan string, 256)

	cfg := &ristretto.Config[string, interface{}]{
		NumCounters: 1e7,
		MaxCost:     1 << 30,
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item[interface{}]) {
			// ristretto doesn't carry the key on Item, so evictions are not
			// reported; only notifyOnExpiry reports keys.
		},
	}

	c, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("cache: creating ristretto cache: %w", err)
	}

	return &MemoryBackend{cache: c, expired: expired}, nil
}

func (m *MemoryBackend) Get(key string) (interface{}, bool) {
	return m.cache.Get(key)
}

func (m *MemoryBackend) Set(key string, value interface{}, ttl time.Duration) error {
	var ok bool
	if ttl > 0 {
		ok = m.cache.SetWithTTL(key, value, 1, ttl)
		if ok {
			go m.notifyOnExpiry(key, ttl)
		}
	} else {
		ok = m.cache.Set(key, value, 1)
	}
	m.cache.Wait()
	if !ok {
		return fmt.Errorf("cache: set rejected by admission policy for key %q", key)
	}
	return nil
}

// notifyOnExpiry is a simple TTL watcher: ristretto does not push expiry
// events, so the memory backend schedules its own notification timer per
// TTL'd key and confirms the key is actually gone before reporting it.
func (m *MemoryBackend) notifyOnExpiry(key string, ttl time.Duration) {
	time.Sleep(ttl)
	if _, found := m.cache.Get(key); !found {
		select {
		case m.expired <- key:
		default:
		}
	}
}

func (m *MemoryBackend) Delete(key string) error {
	m.cache.Del(key)
	return nil
}

func (m *MemoryBackend) Expired() <-chan string { return m.expired }

func (m *MemoryBackend) Close() error {
	m.cache.Close()
	return nil
}
