// Package securestore implements the persistent, authenticated-encrypted
// key/value table spec.md §4.B and §6 describe for identities and group
// secrets. Grounded on the teacher's daemon/manager/cas_bolt.go bucket-CRUD
// pattern over BoltDB, generalized from a fixed CAS-entry shape to an
// arbitrary opaque value.
package securestore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/witnessvault/core/internal/aead"
	"github.com/witnessvault/core/internal/keyvault"
)

var bucketSecure = []byte("secure_store")

// ErrStorePersistence marks a failure to durably write or read a value —
// a BoltDB I/O error, distinct from ErrNotFound (key simply absent) or
// keyvault.ErrAuthenticationFailed (stored ciphertext failed to decrypt).
var ErrStorePersistence = errors.New("securestore: persistence failure")

// Store is a BoltDB-backed key/value table whose values are serialized to
// stable JSON, then AES-256-GCM-encrypted under a PersonalKey with a fresh
// 96-bit IV, then stored as iv||ciphertext.
type Store struct {
	db  *bolt.DB
	key keyvault.PersonalKey
}

// Open opens (creating if necessary) a SecureStore backed by the BoltDB
// file at path, encrypted under personalKey.
func Open(path string, personalKey keyvault.PersonalKey) (*Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("securestore: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketSecure)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("securestore: init bucket: %w", err)
	}
	return &Store{db: db, key: personalKey}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Put serializes value as stable JSON, encrypts it under PersonalKey with a
// fresh IV, and stores it keyed by key. Each put is atomic per key; there
// are no cross-key transactions, and the last writer wins.
func (s *Store) Put(key string, value interface{}) error {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("securestore: marshal value: %w", err)
	}
	nonce, err := aead.NewNonce()
	if err != nil {
		return err
	}
	ciphertext, err := aead.Seal(s.key.Bytes(), nonce, nil, plaintext)
	if err != nil {
		return err
	}
	blob := append(append([]byte{}, nonce...), ciphertext...)
	encoded := base64.StdEncoding.EncodeToString(blob)

	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecure)
		return b.Put([]byte(key), []byte(encoded))
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorePersistence, err)
	}
	return nil
}

// ErrNotFound is returned when key has no stored value.
var ErrNotFound = fmt.Errorf("securestore: key not found")

// Get decrypts and unmarshals the value stored under key into dest. A
// decryption failure returns keyvault.ErrAuthenticationFailed and leaves the
// stored value untouched.
func (s *Store) Get(key string, dest interface{}) error {
	var encoded []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecure)
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		encoded = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStorePersistence, err)
	}

	blob, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return fmt.Errorf("securestore: decode blob: %w", err)
	}
	if len(blob) < aead.NonceSize {
		return keyvault.ErrAuthenticationFailed
	}
	nonce, ciphertext := blob[:aead.NonceSize], blob[aead.NonceSize:]

	plaintext, err := aead.Open(s.key.Bytes(), nonce, nil, ciphertext)
	if err != nil {
		return keyvault.ErrAuthenticationFailed
	}
	return json.Unmarshal(plaintext, dest)
}

// Delete removes key from the store. Deleting a missing key is a no-op.
func (s *Store) Delete(key string) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecure)
		return b.Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorePersistence, err)
	}
	return nil
}
