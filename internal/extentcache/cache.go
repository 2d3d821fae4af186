// Package extentcache provides a self-cleaning on-disk cache mapping a
// file's physical extent fingerprint to its already-computed content hash,
// so the hash phase can skip re-reading a file whose extents have not moved
// since the last run (spec.md §4.5 step 2's fingerprint short-circuit).
//
// It is a direct adaptation of the teacher's internal/cache.Cache: two
// BoltDB handles (an old one opened read-only, a new ".new" one opened for
// writing), with every cache hit copied into the new database so that only
// entries actually touched this run survive to the atomic rename on Close.
package extentcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ivoronin/dupion/internal/hashutil"
)

const bucketName = "extents"

const keyVersion byte = 1

// Cache is a self-cleaning (size, nExtents, fiemap fingerprint) -> content
// hash lookup table, persisted between runs at path.
type Cache struct {
	readDB  *bolt.DB
	writeDB *bolt.DB
	path    string
	enabled bool
}

// Open opens the existing cache at path for reading and creates a new file
// for writing. An empty path disables the cache entirely (spec.md's
// --no-cache).
func Open(path string) (*Cache, error) {
	if path == "" {
		return &Cache{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create extent cache dir: %w", err)
	}

	c := &Cache{path: path, enabled: true}

	if _, statErr := os.Stat(path); statErr == nil {
		db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
		if err == nil {
			c.readDB = db
		}
	}

	newPath := path + ".new"
	writeDB, err := bolt.Open(newPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create new extent cache (locked by another instance?): %w", err)
	}
	c.writeDB = writeDB

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes both databases and atomically replaces the old cache file
// with the new one, provided the write database closed cleanly.
func (c *Cache) Close() error {
	var errs []error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			errs = append(errs, err)
		} else if err := os.Rename(c.path+".new", c.path); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Key identifies a file's extent fingerprint at the moment it was hashed.
type Key struct {
	Size      uint64
	NExtents  int
	Fiemap    hashutil.Hash
}

func makeKey(k Key) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(keyVersion)
	_ = binary.Write(buf, binary.BigEndian, k.Size)
	_ = binary.Write(buf, binary.BigEndian, int64(k.NExtents))
	buf.Write(k.Fiemap[:])
	return buf.Bytes()
}

// Lookup returns the cached content hash for k, if any. A hit is copied
// into the new database (self-cleaning).
func (c *Cache) Lookup(k Key) (hashutil.Hash, bool, error) {
	var zero hashutil.Hash
	if !c.enabled || c.readDB == nil {
		return zero, false, nil
	}

	key := makeKey(k)
	var data []byte

	err := c.readDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return zero, false, fmt.Errorf("extent cache lookup: %w", err)
	}

	hash, ok := hashutil.FromBytes(data)
	if !ok {
		return zero, false, nil
	}

	_ = c.Store(k, hash)
	return hash, true, nil
}

// Store records the content hash for k in the new database.
func (c *Cache) Store(k Key, hash hashutil.Hash) error {
	if !c.enabled || c.writeDB == nil {
		return nil
	}
	err := c.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(makeKey(k), hash[:])
	})
	if err != nil {
		return fmt.Errorf("extent cache store: %w", err)
	}
	return nil
}
