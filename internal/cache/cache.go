// Package cache implements the connector's shared cache service with a
// pluggable backend: in-memory (ristretto) or on-disk (badger). Either
// backend can report key expiries, which the connector forwards to
// component runners as CACHE_EXPIRY events.
package cache

import "time"

// Backend is what a concrete cache implementation provides.
type Backend interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration) error
	Delete(key string) error
	// Expired returns a channel that receives the key of an entry set with a
	// TTL once that TTL has elapsed and the entry is gone. Notification is
	// best-effort; entries without a TTL are never reported.
	Expired() <-chan string
	Close() error
}

// Service is the process-wide cache facade the connector hands to
// components.
type Service struct {
	backend Backend
}

// NewService wraps backend in the cache service.
func NewService(backend Backend) *Service {
	return &Service{backend: backend}
}

func (s *Service) Get(key string) (interface{}, bool) { return s.backend.Get(key) }

func (s *Service) Set(key string, value interface{}, ttl time.Duration) error {
	return s.backend.Set(key, value, ttl)
}

func (s *Service) Delete(key string) error { return s.backend.Delete(key) }

// Expired exposes the backend's expiry notification channel.
func (s *Service) Expired() <-chan string { return s.backend.Expired() }

func (s *Service) Close() error { return s.backend.Close() }
