package mapsync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// KVStoreFactory builds a KVStore from a DSN. External packages can register
// additional schemes.
type KVStoreFactory func(dsn string) (KVStore, error)

var kvFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]KVStoreFactory
}{
	factories: map[string]KVStoreFactory{},
}

func RegisterKVStoreFactory(scheme string, factory KVStoreFactory) {
	scheme = normalizeKVScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	kvFactoryRegistry.mu.Lock()
	defer kvFactoryRegistry.mu.Unlock()
	kvFactoryRegistry.factories[scheme] = factory
}

func lookupKVStoreFactory(scheme string) (KVStoreFactory, bool) {
	scheme = normalizeKVScheme(scheme)
	kvFactoryRegistry.mu.RLock()
	defer kvFactoryRegistry.mu.RUnlock()
	factory, ok := kvFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeKVScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildKVStoreFromDSN selects a persistence backend by DSN scheme. A bare
// path is treated as a file DSN.
func BuildKVStoreFromDSN(dsn string) (KVStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeKVScheme(parsed.Scheme)
	if factory, ok := lookupKVStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileKVStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryKVStore(), nil
	case "postgres", "postgresql":
		return NewPostgresKVStore(dsn)
	case "badger":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBadgerKVStore(path)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
