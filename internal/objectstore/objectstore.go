// Package objectstore implements a local, content-addressable blob store
// backed by BoltDB — the default capture.ContentStore used when no remote
// object store is configured. Grounded on the teacher's
// daemon/manager/cas_bolt.go BoltCAS (single bucket, key-only presence
// index for chunk dedupe) and daemon/service/cas_service.go's GC-loop
// wiring, extended from a hash-presence index into a real blob store:
// BoltCAS never stored chunk bytes, only a seen-before marker, since the
// teacher's transport layer re-requested missing chunks from a peer. This
// domain has no peer to re-request from, so Put persists the ciphertext
// itself, keyed by its own digest.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var bucketObjects = []byte("objects")
var bucketMeta = []byte("meta")

// Store is a BoltDB-backed content-addressable blob store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a blob store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketObjects); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Put stores data under its SHA-256 digest, returning the hex digest as the
// objectID. Writing the same bytes twice is idempotent and refreshes the
// object's last-write timestamp for GC purposes. hint is accepted to
// satisfy capture.ContentStore and is not stored.
func (s *Store) Put(ctx context.Context, data []byte, hint string) (string, error) {
	digest := sha256.Sum256(data)
	objectID := hex.EncodeToString(digest[:])

	err := s.db.Update(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		meta := tx.Bucket(bucketMeta)
		if err := objects.Put([]byte(objectID), data); err != nil {
			return err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(time.Now().Unix()))
		return meta.Put([]byte(objectID), buf)
	})
	if err != nil {
		return "", fmt.Errorf("objectstore: put %s: %w", objectID, err)
	}
	return objectID, nil
}

// Get retrieves the bytes stored under objectID.
func (s *Store) Get(ctx context.Context, objectID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketObjects).Get([]byte(objectID))
		if v == nil {
			return fmt.Errorf("objectstore: object %s not found", objectID)
		}
		data = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// GC removes objects whose last write is older than maxAge, mirroring the
// teacher's BoltCAS.GC retention sweep.
func (s *Store) GC(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		objects := tx.Bucket(bucketObjects)
		c := meta.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 8 {
				continue
			}
			ts := int64(binary.BigEndian.Uint64(v))
			if ts < cutoff {
				if err := objects.Delete(k); err != nil {
					return err
				}
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// StartGCLoop runs GC on a ticker until ctx is cancelled.
func (s *Store) StartGCLoop(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.GC(retention)
		}
	}
}
