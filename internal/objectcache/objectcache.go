// Package objectcache is a local, non-cryptographic dedupe index: a fast
// BLAKE3 digest of plaintext bytes mapped to a caller-supplied string
// (ChunkProcessor stores a JSON envelope of the object ID, ciphertext hash,
// IV and size that resulted from encrypting and uploading them), so it can
// skip a redundant encrypt+upload when the exact same segment bytes are
// seen twice in a session. Grounded on the teacher's zeebo/blake3 usage in
// internal/crypto/filehash.go (there used for a fast non-security file
// digest) combined with the BoltDB CAS bucket pattern in
// daemon/manager/cas_bolt.go.
//
// This is never used for the spec-mandated SHA-256 plaintextHash/
// encryptedHash fields recorded in a SegmentRecord — those remain SHA-256
// per spec.md §3 — only as an internal cache key.
package objectcache

import (
	"encoding/hex"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/blake3"
)

var bucketCache = []byte("object_cache")

// Cache is a BoltDB-backed plaintext-digest-to-objectID index.
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the dedupe index at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketCache)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

// Digest computes the BLAKE3 cache key for plaintext bytes.
func Digest(plaintext []byte) string {
	h := blake3.New()
	h.Write(plaintext)
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the previously stored objectID for digest, if any.
func (c *Cache) Lookup(digest string) (objectID string, found bool) {
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCache)
		v := b.Get([]byte(digest))
		if v != nil {
			objectID = string(v)
			found = true
		}
		return nil
	})
	return objectID, found
}

// Store records that digest maps to objectID.
func (c *Cache) Store(digest, objectID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCache)
		return b.Put([]byte(digest), []byte(objectID))
	})
}
