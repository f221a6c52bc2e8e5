package cache

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/flowconnect-run/flowconnect/internal/cachevfs"
)

// DiskBackend is the on-disk cache backend for cache.backend: disk, backed
// by Badger and rooted under a cachevfs.Root so a misconfigured directory
// cannot escape its intended location. Values are msgpack-encoded, since
// Badger stores raw bytes.
type DiskBackend struct {
	db      *badger.DB
	expired chan string
	closing chan struct{}
}

// NewDiskBackend opens (creating if needed) a Badger database under root's
// "badger" subdirectory.
func NewDiskBackend(root *cachevfs.Root) (*DiskBackend, error) {
	path, err := root.Path("badger")
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: opening badger at %s: %w", path, err)
	}

	d := &DiskBackend{db: db, expired: make(chan string, 256), closing: make(chan struct{})}
	go d.pollExpiries()
	return d, nil
}

func (d *DiskBackend) Get(key string) (interface{}, bool) {
	var out interface{}
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &out)
		})
	})
	if err != nil {
		return nil, false
	}
	return out, true
}

func (d *DiskBackend) Set(key string, value interface{}, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encoding value for %q: %w", key, err)
	}

	return d.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (d *DiskBackend) Delete(key string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (d *DiskBackend) Expired() <-chan string { return d.expired }

// pollExpiries periodically scans for keys Badger has logically expired
// (ErrKeyNotFound on an entry whose TTL elapsed) — Badger reclaims expired
// entries lazily during compaction, so this is a best-effort notifier, not a
// precise one.
func (d *DiskBackend) pollExpiries() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	seen := make(map[string]time.Time)

	for {
		select {
		case <-d.closing:
			return
		case <-ticker.C:
			d.db.View(func(txn *badger.Txn) error {
				it := txn.NewIterator(badger.DefaultIteratorOptions)
				defer it.Close()
				now := time.Now()
				current := make(map[string]bool)
				for it.Rewind(); it.Valid(); it.Next() {
					item := it.Item()
					key := string(item.KeyCopy(nil))
					current[key] = true
					if exp := item.ExpiresAt(); exp != 0 {
						seen[key] = time.Unix(int64(exp), 0)
					}
				}
				for key, expiry := range seen {
					if !current[key] && expiry.Before(now) {
						select {
						case d.expired <- key:
						default:
						}
						delete(seen, key)
					}
				}
				return nil
			})
		}
	}
}

func (d *DiskBackend) Close() error {
	close(d.closing)
	if err := d.db.Close(); err != nil && !errors.Is(err, badger.ErrDBClosed) {
		return err
	}
	return nil
}
