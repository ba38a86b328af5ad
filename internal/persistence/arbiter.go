// Package persistence implements the load-priority / write-through
// arbiter (spec.md §4.K) shared by the Known-Hosts Store and the Rule
// Engine: removable-storage per-entity directory > removable-storage
// single-file legacy > local KV, with writes always hitting the local KV
// synchronously and best-effort mirrored to removable storage.
package persistence

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/tianshan-edge/sentryd/internal/coreerr"
	"github.com/tianshan-edge/sentryd/lib/kv"
	"github.com/tianshan-edge/sentryd/lib/logger"

	"context"
)

// Tier identifies which storage layer an entity was loaded from.
type Tier int

const (
	TierNone Tier = iota
	TierRemovableDir
	TierRemovableLegacy
	TierLocalKV
)

// Arbiter manages one entity namespace (e.g. "rules" or "known_hosts")
// across the three storage tiers.
type Arbiter struct {
	mu sync.Mutex

	localKV       *kv.Store
	keyPrefix     string // local KV key prefix, e.g. "rule." or "host."
	removableRoot string // removable-storage mount root; empty disables tier 1/2
	entityDirName string // subdirectory under removableRoot/config, e.g. "rules"
	legacyName    string // single-file legacy name under removableRoot/config, e.g. "rules.json"

	pendingSync bool // true once a write couldn't reach removable storage

	// legacyDecode splits a single-file legacy bundle into per-id blobs.
	// The wire shape differs between rules and known-hosts, so each
	// caller supplies its own decoder; nil means the legacy tier is
	// treated as absent.
	legacyDecode func([]byte) (map[string][]byte, error)
}

// New constructs an Arbiter. removableRoot may be empty if no removable
// storage is configured; presence is re-checked on every operation since
// removable media can be mounted/unmounted at runtime.
func New(localKV *kv.Store, keyPrefix, removableRoot, entityDirName, legacyName string) *Arbiter {
	return &Arbiter{
		localKV:       localKV,
		keyPrefix:     keyPrefix,
		removableRoot: removableRoot,
		entityDirName: entityDirName,
		legacyName:    legacyName,
	}
}

// WithLegacyDecoder registers the single-file legacy bundle decoder and
// returns the same Arbiter for chaining.
func (a *Arbiter) WithLegacyDecoder(decode func([]byte) (map[string][]byte, error)) *Arbiter {
	a.legacyDecode = decode
	return a
}

func (a *Arbiter) removableMounted() bool {
	if a.removableRoot == "" {
		return false
	}
	_, err := os.Stat(a.removableRoot)
	return err == nil
}

func (a *Arbiter) entityDir() string {
	return filepath.Join(a.removableRoot, "config", a.entityDirName)
}

func (a *Arbiter) legacyPath() string {
	return filepath.Join(a.removableRoot, "config", a.legacyName)
}

// LoadAll loads every entity for this namespace, honoring the 3-tier
// priority. When a removable-storage tier wins, the local KV is
// overwritten to match (write-back); when the local KV tier wins and
// removable storage is mounted, the per-entity directory is populated
// (export), per spec.md §4.B/§4.H.
func (a *Arbiter) LoadAll(ctx context.Context) (map[string][]byte, Tier, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	log := logger.Get(ctx)

	if a.removableMounted() {
		if entries, err := a.loadDir(); err == nil && len(entries) > 0 {
			log.WithField("entities", len(entries)).Info("loaded from removable-storage directory")
			a.writeBackToKVLocked(entries)
			return entries, TierRemovableDir, nil
		}
		if a.legacyDecode != nil {
			if data, err := os.ReadFile(a.legacyPath()); err == nil {
				if entries, perr := a.legacyDecode(data); perr == nil {
					log.Info("loaded from removable-storage legacy bundle")
					a.writeBackToKVLocked(entries)
					return entries, TierRemovableLegacy, nil
				}
			}
		}
	}

	entries := a.loadKVLocked()
	if len(entries) == 0 {
		return nil, TierNone, nil
	}
	if a.removableMounted() {
		a.exportToDirLocked(entries)
	}
	return entries, TierLocalKV, nil
}

func (a *Arbiter) loadDir() (map[string][]byte, error) {
	dir := a.entityDir()
	infos, err := os.ReadDir(dir)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err)
	}
	out := make(map[string][]byte)
	for _, info := range infos {
		if info.IsDir() || filepath.Ext(info.Name()) != ".json" {
			continue
		}
		id := trimJSONExt(info.Name())
		data, err := os.ReadFile(filepath.Join(dir, info.Name()))
		if err != nil {
			continue
		}
		out[id] = data
	}
	return out, nil
}

func (a *Arbiter) loadKVLocked() map[string][]byte {
	out := make(map[string][]byte)
	for _, key := range a.localKV.KeysWithPrefix(a.keyPrefix) {
		data, err := a.localKV.Read(key)
		if err != nil {
			continue
		}
		out[key[len(a.keyPrefix):]] = data
	}
	return out
}

func (a *Arbiter) writeBackToKVLocked(entries map[string][]byte) {
	for id, data := range entries {
		_ = a.localKV.Write(a.keyPrefix+id, data)
	}
}

func (a *Arbiter) exportToDirLocked(entries map[string][]byte) {
	dir := a.entityDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	for id, data := range entries {
		_ = os.WriteFile(filepath.Join(dir, id+".json"), data, 0o600)
	}
}

// Save writes one entity. The local KV write is synchronous and
// authoritative; the removable-storage mirror is best-effort and marks
// pendingSync when storage is absent.
func (a *Arbiter) Save(ctx context.Context, id string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.localKV.Write(a.keyPrefix+id, data); err != nil {
		return err
	}

	if !a.removableMounted() {
		a.pendingSync = true
		return nil
	}
	dir := a.entityDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.pendingSync = true
		logger.Get(ctx).WithError(err).Warn("best-effort removable-storage mirror failed")
		return nil
	}
	if err := os.WriteFile(filepath.Join(dir, id+".json"), data, 0o600); err != nil {
		a.pendingSync = true
		logger.Get(ctx).WithError(err).Warn("best-effort removable-storage mirror failed")
		return nil
	}
	a.pendingSync = false
	return nil
}

// Delete removes one entity from both tiers.
func (a *Arbiter) Delete(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.localKV.Erase(a.keyPrefix + id); err != nil {
		return err
	}
	if a.removableMounted() {
		_ = os.Remove(filepath.Join(a.entityDir(), id+".json"))
	}
	return nil
}

// PendingSync reports whether the last Save couldn't reach removable
// storage (it was unmounted or the write failed).
func (a *Arbiter) PendingSync() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingSync
}

func trimJSONExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
