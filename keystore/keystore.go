// Package keystore persists the local identity key pair and the cache of
// peer public keys in durable local storage.
//
// The store holds exactly one identity record per device plus one record
// per observed peer. All records are JSON with base64-encoded key material,
// written atomically (temp file + rename) with owner-only permissions.
// A single Store instance is shared process-wide and injected into the
// components that need it; writes are idempotent upserts so concurrent
// writers cannot corrupt state.
package keystore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/crypto"
)

var (
	// ErrStorage indicates a durable-storage I/O failure. It is fatal to
	// the encryption attempt in progress but never to the process.
	ErrStorage = errors.New("key storage failure")

	// ErrKeyNotFound indicates no public key is cached for the peer.
	ErrKeyNotFound = errors.New("remote public key not found")
)

const (
	identityFile = "identity.json"
	peersDir     = "peers"
)

// identityRecord is the on-disk layout of the identity key pair.
type identityRecord struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// peerRecord is the on-disk layout of a cached peer public key.
type peerRecord struct {
	PublicKey string `json:"public_key"`
}

// Store manages the identity key pair and the remote public key cache.
type Store struct {
	dataDir string

	mu       sync.RWMutex
	identity *crypto.KeyPair
	remote   map[string][crypto.KeySize]byte
}

// New creates a Store rooted at dataDir, creating the directory layout
// if needed.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, peersDir), 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating data directory: %v", ErrStorage, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"data_dir": dataDir,
	}).Debug("Key store initialized")

	return &Store{
		dataDir: dataDir,
		remote:  make(map[string][crypto.KeySize]byte),
	}, nil
}

// EnsureIdentity returns the device identity key pair, generating and
// persisting a new pair on first use. The second return value reports
// whether the pair came from cache or durable storage rather than being
// freshly generated. Idempotent: repeated calls without an intervening
// Clear return the same pair.
func (s *Store) EnsureIdentity() (*crypto.KeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		return s.identity, true, nil
	}

	pair, err := s.loadIdentity()
	if err == nil {
		s.identity = pair
		return pair, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("%w: reading identity: %v", ErrStorage, err)
	}

	pair, err = crypto.GenerateKeyPair()
	if err != nil {
		return nil, false, fmt.Errorf("generating identity key pair: %w", err)
	}
	if err := s.saveIdentity(pair); err != nil {
		return nil, false, err
	}
	s.identity = pair

	logrus.WithFields(logrus.Fields{
		"function":   "EnsureIdentity",
		"public_key": pair.Public[:8], // log first 8 bytes for privacy
	}).Info("Generated new identity key pair")

	return pair, false, nil
}

// RemotePublicKey returns the cached public key for a peer, or
// ErrKeyNotFound if the peer's key has never been observed.
func (s *Store) RemotePublicKey(ownerID string) ([crypto.KeySize]byte, error) {
	s.mu.RLock()
	key, ok := s.remote[ownerID]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.remote[ownerID]; ok {
		return key, nil
	}

	key, err := s.loadPeer(ownerID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return [crypto.KeySize]byte{}, ErrKeyNotFound
		}
		return [crypto.KeySize]byte{}, fmt.Errorf("%w: reading peer key: %v", ErrStorage, err)
	}
	s.remote[ownerID] = key
	return key, nil
}

// StoreRemotePublicKey upserts the cached public key for a peer,
// overwriting any prior value. Safe for concurrent callers.
func (s *Store) StoreRemotePublicKey(ownerID string, key [crypto.KeySize]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := peerRecord{PublicKey: base64.StdEncoding.EncodeToString(key[:])}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: encoding peer record: %v", ErrStorage, err)
	}
	if err := s.writeAtomic(filepath.Join(peersDir, peerFilename(ownerID)), data); err != nil {
		return err
	}
	s.remote[ownerID] = key

	logrus.WithFields(logrus.Fields{
		"function": "StoreRemotePublicKey",
		"owner_id": ownerID,
	}).Debug("Stored remote public key")

	return nil
}

// Clear erases the identity key pair from memory and durable storage.
// The remote key cache is untouched. Called on logout and on forced
// session termination.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		s.identity.Wipe()
		s.identity = nil
	}

	if err := os.Remove(filepath.Join(s.dataDir, identityFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: removing identity: %v", ErrStorage, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Clear",
	}).Info("Identity key pair cleared")

	return nil
}

// ClearAll erases the identity pair and the entire remote key cache.
func (s *Store) ClearAll() error {
	if err := s.Clear(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = make(map[string][crypto.KeySize]byte)

	if err := os.RemoveAll(filepath.Join(s.dataDir, peersDir)); err != nil {
		return fmt.Errorf("%w: removing peer keys: %v", ErrStorage, err)
	}
	if err := os.MkdirAll(filepath.Join(s.dataDir, peersDir), 0o700); err != nil {
		return fmt.Errorf("%w: recreating peer directory: %v", ErrStorage, err)
	}
	return nil
}

func (s *Store) loadIdentity() (*crypto.KeyPair, error) {
	data, err := os.ReadFile(filepath.Join(s.dataDir, identityFile))
	if err != nil {
		return nil, err
	}

	var record identityRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}

	pub, err := decodeKey(record.PublicKey)
	if err != nil {
		return nil, err
	}
	priv, err := decodeKey(record.PrivateKey)
	if err != nil {
		return nil, err
	}

	return &crypto.KeyPair{Public: pub, Private: priv}, nil
}

func (s *Store) saveIdentity(pair *crypto.KeyPair) error {
	record := identityRecord{
		PublicKey:  base64.StdEncoding.EncodeToString(pair.Public[:]),
		PrivateKey: base64.StdEncoding.EncodeToString(pair.Private[:]),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: encoding identity: %v", ErrStorage, err)
	}
	return s.writeAtomic(identityFile, data)
}

func (s *Store) loadPeer(ownerID string) ([crypto.KeySize]byte, error) {
	var key [crypto.KeySize]byte
	data, err := os.ReadFile(filepath.Join(s.dataDir, peersDir, peerFilename(ownerID)))
	if err != nil {
		return key, err
	}

	var record peerRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return key, err
	}
	return decodeKey(record.PublicKey)
}

// writeAtomic writes a record using a temporary file + rename so a crash
// mid-write never leaves a truncated record behind.
func (s *Store) writeAtomic(name string, data []byte) error {
	tmpFile := filepath.Join(s.dataDir, name+".tmp")
	finalFile := filepath.Join(s.dataDir, name)

	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return fmt.Errorf("%w: writing temporary file: %v", ErrStorage, err)
	}
	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("%w: renaming file: %v", ErrStorage, err)
	}
	return nil
}

func decodeKey(encoded string) ([crypto.KeySize]byte, error) {
	var key [crypto.KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, err
	}
	if len(raw) != crypto.KeySize {
		return key, fmt.Errorf("invalid key length %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// peerFilename encodes the owner id so arbitrary user ids cannot escape
// the peers directory.
func peerFilename(ownerID string) string {
	return base64.URLEncoding.EncodeToString([]byte(ownerID)) + ".json"
}
