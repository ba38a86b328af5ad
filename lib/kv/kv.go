// Package kv wraps peterbourgon/diskv as the local fast key/value store
// spec.md §2/§4.K calls for, in the flat-transform layout
// event-handler/state.go uses: every key maps straight to one file under
// BasePath, no directory sharding.
package kv

import (
	"os"

	"github.com/peterbourgon/diskv/v3"

	"github.com/tianshan-edge/sentryd/internal/coreerr"
)

// Store is the local KV store used by the Key Store, Known-Hosts Store
// and Rule Engine persistence.
type Store struct {
	dv *diskv.Diskv
}

const cacheSizeMaxBytes = 1 << 20 // 1 MiB in-memory cache, generous for key/rule/host blobs.

// Open creates or reuses a diskv store rooted at dir.
func Open(dir string) *Store {
	flatTransform := func(s string) []string { return []string{} }
	dv := diskv.New(diskv.Options{
		BasePath:     dir,
		Transform:    flatTransform,
		CacheSizeMax: cacheSizeMaxBytes,
	})
	return &Store{dv: dv}
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	return s.dv.Has(key)
}

// Read returns the raw bytes stored under key.
func (s *Store) Read(key string) ([]byte, error) {
	b, err := s.dv.Read(key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coreerr.New(coreerr.NotFound, "key %q not found", key)
		}
		return nil, coreerr.Wrap(coreerr.IOError, err)
	}
	return b, nil
}

// Write stores value under key, overwriting any previous value.
func (s *Store) Write(key string, val []byte) error {
	if err := s.dv.Write(key, val); err != nil {
		return coreerr.Wrap(coreerr.IOError, err)
	}
	return nil
}

// Erase deletes key. Erasing a missing key is not an error (idempotent,
// matching the disconnect-on-disconnected idempotence spec.md §8 expects
// of other operations).
func (s *Store) Erase(key string) error {
	if err := s.dv.Erase(key); err != nil && !os.IsNotExist(err) {
		return coreerr.Wrap(coreerr.IOError, err)
	}
	return nil
}

// EraseAll clears the entire store, across every key prefix. The Rule
// Engine's SaveAll does not call it: it writes each registered rule over
// its own key and leaves the keys of rules no longer registered in place.
func (s *Store) EraseAll() error {
	if err := s.dv.EraseAll(); err != nil {
		return coreerr.Wrap(coreerr.IOError, err)
	}
	return nil
}

// KeysWithPrefix lists every key beginning with prefix.
func (s *Store) KeysWithPrefix(prefix string) []string {
	var keys []string
	for k := range s.dv.KeysPrefix(prefix, nil) {
		keys = append(keys, k)
	}
	return keys
}
