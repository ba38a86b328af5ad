// Package knownhosts implements the Known-Hosts Store: trust-on-first-use
// verification of SHA-256 host key fingerprints (spec.md §4.B), grounded on
// the TOFU accept/reject idiom of
// other_examples/jbouey-msp-flake's sshexec tofuHostKeyCallback, reworked
// onto the Persistence Arbiter's per-entity tiered storage instead of a
// single flat file.
package knownhosts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tianshan-edge/sentryd/internal/coreerr"
	"github.com/tianshan-edge/sentryd/internal/persistence"
)

// Fingerprint renders a host public key's SHA-256 digest as 64-char
// lower-hex, per spec.md §3's Known-Host Entry shape (not OpenSSH's
// base64 SHA256: form, which ssh.FingerprintSHA256 produces).
func Fingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return hex.EncodeToString(sum[:])
}

// Result is the outcome of Verify.
type Result int

const (
	Mismatch Result = iota
	OK
	NotFound
)

// Entry is one Known-Host Entry.
type Entry struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	KeyType     string `json:"key_type"`
	Fingerprint string `json:"fingerprint"`
	AddedTime   int64  `json:"added_time"`
}

// Store verifies and persists host key fingerprints.
type Store struct {
	mu      sync.Mutex
	arbiter *persistence.Arbiter
	entries map[string]Entry // storage key -> Entry
}

// New wraps an Arbiter scoped to the "known_hosts" namespace.
func New(arbiter *persistence.Arbiter) *Store {
	return &Store{arbiter: arbiter, entries: make(map[string]Entry)}
}

// storageKey is a djb2 hash of "host:port" rendered h_XXXXXXXX, per spec.md §4.B.
func storageKey(host string, port int) string {
	addr := fmt.Sprintf("%s:%d", host, port)
	var hash uint32 = 5381
	for i := 0; i < len(addr); i++ {
		hash = ((hash << 5) + hash) + uint32(addr[i])
	}
	return fmt.Sprintf("h_%08x", hash)
}

// Load reads every persisted entry through the Arbiter's 3-tier priority.
func Load(ctx context.Context, arbiter *persistence.Arbiter) (*Store, persistence.Tier, error) {
	s := New(arbiter)
	blobs, tier, err := arbiter.LoadAll(ctx)
	if err != nil {
		return nil, persistence.TierNone, err
	}
	for key, data := range blobs {
		var e Entry
		if jerr := json.Unmarshal(data, &e); jerr != nil {
			continue
		}
		s.entries[key] = e
	}
	return s, tier, nil
}

// Verify compares presented_fingerprint against the stored entry for
// host:port. Byte-wise equality of lower-hex fingerprints.
func (s *Store) Verify(host string, port int, presentedFingerprint, keyType string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[storageKey(host, port)]
	if !ok {
		return NotFound
	}
	if e.Fingerprint == presentedFingerprint {
		return OK
	}
	return Mismatch
}

// Add records a new trusted host key, overwriting any prior entry for the
// same host:port.
func (s *Store) Add(ctx context.Context, host string, port int, fingerprint, keyType string) error {
	s.mu.Lock()
	key := storageKey(host, port)
	e := Entry{Host: host, Port: port, KeyType: keyType, Fingerprint: fingerprint, AddedTime: time.Now().Unix()}
	s.entries[key] = e
	s.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, err)
	}
	return s.arbiter.Save(ctx, key, data)
}

// Remove deletes the entry for host:port.
func (s *Store) Remove(host string, port int) error {
	s.mu.Lock()
	key := storageKey(host, port)
	if _, ok := s.entries[key]; !ok {
		s.mu.Unlock()
		return coreerr.New(coreerr.NotFound, "no known-hosts entry for %s:%d", host, port)
	}
	delete(s.entries, key)
	s.mu.Unlock()
	return s.arbiter.Delete(key)
}

// Get returns the entry for host:port.
func (s *Store) Get(host string, port int) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[storageKey(host, port)]
	return e, ok
}

// List returns every entry in unspecified order.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// Clear removes every entry (in-memory only; callers that also want the
// backing store cleared should Remove each entry, or let the next LoadAll
// resync from an emptied removable/local tier).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry)
}

// Count returns the number of trusted entries.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
