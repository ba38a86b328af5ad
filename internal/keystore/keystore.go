// Package keystore implements the Key Store: key-id -> Stored Key,
// persisted in the local KV store (spec.md §4.A). Private key material is
// never written to removable storage and is zeroed in the caller's buffer
// once a session borrowing it completes, following the PEM-decode idiom
// teleport-plugins/lib/certs/parse.go uses for its own certificate
// material.
package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"

	"golang.org/x/crypto/ssh"

	"github.com/tianshan-edge/sentryd/internal/coreerr"
	"github.com/tianshan-edge/sentryd/lib/kv"
)

// KeyType enumerates the supported key algorithms.
type KeyType string

const (
	RSA2048 KeyType = "rsa-2048"
	RSA4096 KeyType = "rsa-4096"
	ECP256  KeyType = "ec-p256"
	ECP384  KeyType = "ec-p384"
)

const keyPrefix = "key."

// Info is the metadata-only view returned by list/info, deliberately
// excluding private key bytes.
type Info struct {
	ID        string  `json:"id"`
	Type      KeyType `json:"type"`
	Comment   string  `json:"comment,omitempty"`
	HasPublic bool    `json:"has_public"`
}

// storedKey is the on-disk shape. PrivatePEM never leaves the local KV.
type storedKey struct {
	ID         string  `json:"id"`
	Type       KeyType `json:"type"`
	PrivatePEM []byte  `json:"private_pem"`
	PublicBlob []byte  `json:"public_blob,omitempty"`
	Comment    string  `json:"comment,omitempty"`
}

// Store manages Stored Keys backed by the local KV store.
type Store struct {
	kv *kv.Store
}

// New wraps an already-open local KV store.
func New(localKV *kv.Store) *Store {
	return &Store{kv: localKV}
}

// List returns metadata for every stored key, in unspecified order.
func (s *Store) List() ([]Info, error) {
	var out []Info
	for _, key := range s.kv.KeysWithPrefix(keyPrefix) {
		raw, err := s.kv.Read(key)
		if err != nil {
			continue
		}
		var sk storedKey
		if err := json.Unmarshal(raw, &sk); err != nil {
			continue
		}
		out = append(out, Info{ID: sk.ID, Type: sk.Type, Comment: sk.Comment, HasPublic: len(sk.PublicBlob) > 0})
	}
	return out, nil
}

// Info returns metadata for a single key.
func (s *Store) Info(id string) (Info, error) {
	sk, err := s.load(id)
	if err != nil {
		return Info{}, err
	}
	return Info{ID: sk.ID, Type: sk.Type, Comment: sk.Comment, HasPublic: len(sk.PublicBlob) > 0}, nil
}

// Generate creates a new keypair of the given type and stores it. Fails
// already_exists unless overwrite is set.
func (s *Store) Generate(id string, typ KeyType, comment string, overwrite bool) error {
	if !overwrite && s.kv.Has(keyPrefix+id) {
		return coreerr.New(coreerr.AlreadyExists, "key %q already exists", id)
	}

	privPEM, pubBlob, err := generateKeyPair(typ)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, err)
	}
	return s.save(storedKey{ID: id, Type: typ, PrivatePEM: privPEM, PublicBlob: pubBlob, Comment: comment})
}

func generateKeyPair(typ KeyType) (privPEM, pubBlob []byte, err error) {
	var signer ssh.Signer
	var block *pem.Block

	switch typ {
	case RSA2048, RSA4096:
		bits := 2048
		if typ == RSA4096 {
			bits = 4096
		}
		key, kerr := rsa.GenerateKey(rand.Reader, bits)
		if kerr != nil {
			return nil, nil, kerr
		}
		block = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
		signer, err = ssh.NewSignerFromKey(key)
	case ECP256, ECP384:
		curve := elliptic.P256()
		if typ == ECP384 {
			curve = elliptic.P384()
		}
		key, kerr := ecdsa.GenerateKey(curve, rand.Reader)
		if kerr != nil {
			return nil, nil, kerr
		}
		der, kerr := x509.MarshalECPrivateKey(key)
		if kerr != nil {
			return nil, nil, kerr
		}
		block = &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
		signer, err = ssh.NewSignerFromKey(key)
	default:
		return nil, nil, coreerr.New(coreerr.Unsupported, "unsupported key type %q", typ)
	}
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(block), ssh.MarshalAuthorizedKey(signer.PublicKey()), nil
}

// Import stores a PEM-encoded private key supplied by the caller. Fails
// already_exists unless overwrite is set, and internal (wrapping the parse
// error) if the PEM doesn't parse into a supported key type.
func (s *Store) Import(id string, typ KeyType, pemBytes []byte, comment string, overwrite bool) error {
	if !overwrite && s.kv.Has(keyPrefix+id) {
		return coreerr.New(coreerr.AlreadyExists, "key %q already exists", id)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, err)
	}
	return s.save(storedKey{
		ID: id, Type: typ, PrivatePEM: pemBytes,
		PublicBlob: ssh.MarshalAuthorizedKey(signer.PublicKey()),
		Comment:    comment,
	})
}

// Delete removes a key. Deleting a missing key is not_found.
func (s *Store) Delete(id string) error {
	if !s.kv.Has(keyPrefix + id) {
		return coreerr.New(coreerr.NotFound, "key %q not found", id)
	}
	return s.kv.Erase(keyPrefix + id)
}

// LoadPrivate returns the raw private key bytes. The caller owns the
// returned slice and must call Zero on it once done; this store keeps no
// copy beyond its own serialized KV blob.
func (s *Store) LoadPrivate(id string) ([]byte, error) {
	sk, err := s.load(id)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(sk.PrivatePEM))
	copy(out, sk.PrivatePEM)
	return out, nil
}

// LoadPublic returns the authorized-keys-format public key string.
func (s *Store) LoadPublic(id string) (string, error) {
	sk, err := s.load(id)
	if err != nil {
		return "", err
	}
	if len(sk.PublicBlob) == 0 {
		return "", coreerr.New(coreerr.NotFound, "key %q has no public material", id)
	}
	return string(sk.PublicBlob), nil
}

func (s *Store) load(id string) (storedKey, error) {
	raw, err := s.kv.Read(keyPrefix + id)
	if err != nil {
		return storedKey{}, err
	}
	var sk storedKey
	if jerr := json.Unmarshal(raw, &sk); jerr != nil {
		return storedKey{}, coreerr.Wrap(coreerr.ParseError, jerr)
	}
	return sk, nil
}

func (s *Store) save(sk storedKey) error {
	data, err := json.Marshal(sk)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, err)
	}
	return s.kv.Write(keyPrefix+sk.ID, data)
}

// Zero overwrites a private-key buffer in place, per spec.md §4.A's
// never-leave-private-material-around requirement.
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
