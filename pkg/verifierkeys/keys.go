// Package verifierkeys derives and checks out the secp256k1 key pairs a
// host hands to in-VM attestation producers to sign their reports, using
// BIP-32 hardened derivation from a single host seed so a host never
// needs to persist individual keys.
package verifierkeys

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/tyler-smith/go-bip32"
)

// KeyPair is one derived verifier key, holding its public key in both
// compressed and uncompressed form.
type KeyPair struct {
	Index              int
	Private            [32]byte
	PublicCompressed   [33]byte
	PublicUncompressed [65]byte
}

// Store holds a fixed pool of keys derived from a single 64-byte seed and
// tracks which ones are currently checked out to a running workload.
type Store struct {
	mu        sync.Mutex
	keys      []KeyPair
	available map[int]struct{}
}

// ErrNotFound is returned by Checkout when no key matches the requested
// public key.
var ErrNotFound = fmt.Errorf("verifier key not found")

// ErrAlreadyInUse is returned by Checkout when the matched key is already
// checked out to another workload.
var ErrAlreadyInUse = fmt.Errorf("verifier key already in use")

// ErrNoMoreKeys is returned by Next when every derived key is checked out.
var ErrNoMoreKeys = fmt.Errorf("no verifier keys available")

// New derives keyCount hardened child keys from seed (which must be 64
// bytes, as produced by a BIP-39 mnemonic) under the given hardened
// derivation path components (e.g. []uint32{44 | bip32.FirstHardenedChild,
// 60 | bip32.FirstHardenedChild} for m/44'/60').
func New(seed []byte, basePath []uint32, keyCount int) (*Store, error) {
	if len(seed) != 64 {
		return nil, fmt.Errorf("seed must be 64 bytes, got %d", len(seed))
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}

	base := master
	for _, idx := range basePath {
		base, err = base.NewChildKey(idx)
		if err != nil {
			return nil, fmt.Errorf("deriving base path: %w", err)
		}
	}

	keys := make([]KeyPair, keyCount)
	available := make(map[int]struct{}, keyCount)
	for i := 0; i < keyCount; i++ {
		child, err := base.NewChildKey(bip32.FirstHardenedChild + uint32(i))
		if err != nil {
			return nil, fmt.Errorf("deriving key %d: %w", i, err)
		}
		pub := child.PublicKey()

		kp := KeyPair{Index: i}
		copy(kp.Private[:], child.Key)
		copy(kp.PublicCompressed[:], pub.Key)

		uncompressed, err := decompressPublicKey(kp.PublicCompressed)
		if err != nil {
			return nil, fmt.Errorf("decompressing key %d: %w", i, err)
		}
		kp.PublicUncompressed = uncompressed

		keys[i] = kp
		available[i] = struct{}{}
	}

	return &Store{keys: keys, available: available}, nil
}

// Dummy builds a Store from an all-zero seed for tests, using the
// conventional Ethereum derivation path m/44'/60'.
func Dummy(keyCount int) (*Store, error) {
	seed := make([]byte, 64)
	path := []uint32{
		44 + bip32.FirstHardenedChild,
		60 + bip32.FirstHardenedChild,
	}
	return New(seed, path, keyCount)
}

// Checkout removes the key matching publicKey from the available pool and
// returns it. publicKey may be either the 33-byte compressed or 65-byte
// uncompressed form.
func (s *Store) Checkout(publicKey []byte) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.find(publicKey)
	if !ok {
		return nil, ErrNotFound
	}
	if _, free := s.available[idx]; !free {
		return nil, ErrAlreadyInUse
	}
	delete(s.available, idx)
	kp := s.keys[idx]
	return &kp, nil
}

// Return makes a previously checked-out key available again.
func (s *Store) Return(publicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.find(publicKey)
	if !ok {
		return ErrNotFound
	}
	s.available[idx] = struct{}{}
	return nil
}

// Next checks out and returns the first available key.
func (s *Store) Next() (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(s.keys); i++ {
		if _, free := s.available[i]; free {
			delete(s.available, i)
			kp := s.keys[i]
			return &kp, nil
		}
	}
	return nil, ErrNoMoreKeys
}

// PublicKeys lists every derived key's compressed public key, regardless
// of checkout state.
func (s *Store) PublicKeys() [][33]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][33]byte, len(s.keys))
	for i, k := range s.keys {
		out[i] = k.PublicCompressed
	}
	return out
}

func (s *Store) find(publicKey []byte) (int, bool) {
	for i, k := range s.keys {
		switch len(publicKey) {
		case 33:
			if subtle.ConstantTimeCompare(k.PublicCompressed[:], publicKey) == 1 {
				return i, true
			}
		case 65:
			if subtle.ConstantTimeCompare(k.PublicUncompressed[:], publicKey) == 1 {
				return i, true
			}
		}
	}
	return 0, false
}
