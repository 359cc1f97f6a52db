package imagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Constants
const (
	DataTsBucket = "dataTs"
	dbFileName   = "plimagecache.db"
)

// Features flags for this storage type
type Features struct {
	PurgeDb    bool          // purge the db before starting
	DbWaitTime time.Duration // time to wait for DB to be available
}

// blobInfo is the index row kept per stored blob
type blobInfo struct {
	Key        string
	AccessedAt time.Time
}

// Persistent is a wrapper of persistent storage for a directory of blobs
// indexed by a bolt.DB file.
//
// Each key owns exactly one file in the data directory, named by the hex
// sha256 of the key. The raw key is preserved in the index row. Blob files
// may be deleted out of band; they register as misses.
type Persistent struct {
	dbPath     string
	dataPath   string
	open       bool
	db         *bolt.DB
	cleanupMux sync.Mutex
	features   *Features
}

// NewPersistent builds a new wrapper and connects to the bolt.DB file
func NewPersistent(dir string, f *Features) (*Persistent, error) {
	if f == nil {
		f = &Features{DbWaitTime: DefaultOpt.DbWaitTime}
	}
	b := &Persistent{
		dbPath:   filepath.Join(dir, dbFileName),
		dataPath: dir,
		features: f,
	}

	err := b.connect()
	if err != nil {
		logrus.Errorf("imagecache: error opening storage cache %v: %v", dir, err)
		return nil, err
	}

	return b, nil
}

// String will return a human friendly string for this DB (currently the dbPath)
func (b *Persistent) String() string {
	return "<Cache DB> " + b.dbPath
}

// connect creates a connection to the configured file
func (b *Persistent) connect() error {
	err := os.MkdirAll(b.dataPath, os.ModePerm)
	if err != nil {
		return errors.Wrapf(err, "failed to create a data directory %q", b.dataPath)
	}
	if b.features.PurgeDb {
		err = os.Remove(b.dbPath)
		if err != nil && !os.IsNotExist(err) {
			logrus.Debugf("imagecache: failed to remove db file %v: %v", b.dbPath, err)
		}
	}
	b.db, err = bolt.Open(b.dbPath, 0644, &bolt.Options{Timeout: b.features.DbWaitTime})
	if err != nil {
		return errors.Wrapf(err, "failed to open a cache connection to %q", b.dbPath)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(DataTsBucket))
		return err
	})
	if err != nil {
		return err
	}
	b.open = true
	return nil
}

// blobName returns the file name a key is stored under.
// The name is collision free and safe for any key contents.
func blobName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// blobPath returns the absolute path of the blob file for key
func (b *Persistent) blobPath(key string) string {
	return filepath.Join(b.dataPath, blobName(key))
}

// HasBlob confirms the existence of a stored blob for key
func (b *Persistent) HasBlob(key string) bool {
	_, err := os.Stat(b.blobPath(key))
	return err == nil
}

// GetBlob returns the stored bytes for key or an error if it doesn't find it.
// A successful read refreshes the access time in the index.
func (b *Persistent) GetBlob(key string) ([]byte, error) {
	data, err := os.ReadFile(b.blobPath(key))
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't get cached blob for %q", key)
	}
	b.updateTs(key)
	return data, nil
}

// AddBlob stores data under key, replacing any previous blob
func (b *Persistent) AddBlob(key string, data []byte) error {
	err := os.WriteFile(b.blobPath(key), data, 0644)
	if err != nil {
		return errors.Wrapf(err, "couldn't store blob for %q", key)
	}
	b.updateTs(key)
	return nil
}

// RemoveBlob deletes the blob stored under key along with its index row
func (b *Persistent) RemoveBlob(key string) error {
	err := os.Remove(b.blobPath(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "couldn't remove blob for %q", key)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if bucket := tx.Bucket([]byte(DataTsBucket)); bucket != nil {
			return bucket.Delete([]byte(blobName(key)))
		}
		return nil
	})
}

// updateTs refreshes the access time of key in the index
func (b *Persistent) updateTs(key string) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(DataTsBucket))
		if bucket == nil {
			return errors.Errorf("couldn't open (%v) bucket", DataTsBucket)
		}
		encoded, err := json.Marshal(blobInfo{Key: key, AccessedAt: time.Now()})
		if err != nil {
			return err
		}
		return bucket.Put([]byte(blobName(key)), encoded)
	})
	if err != nil {
		logrus.Debugf("imagecache: failed to update ts of %q: %v", key, err)
	}
}

// CleanByAge removes every blob whose last access is older than age.
// Blobs missing an index row are adopted as just accessed, index rows
// missing a blob are dropped.
func (b *Persistent) CleanByAge(age time.Duration) {
	b.cleanupMux.Lock()
	defer b.cleanupMux.Unlock()

	deadline := time.Now().Add(-age)
	indexed := make(map[string]bool)

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(DataTsBucket))
		if bucket == nil {
			return errors.Errorf("couldn't open (%v) bucket", DataTsBucket)
		}
		cursor := bucket.Cursor()
		for name, val := cursor.First(); name != nil; name, val = cursor.Next() {
			var info blobInfo
			path := filepath.Join(b.dataPath, string(name))
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				_ = cursor.Delete()
				continue
			}
			indexed[string(name)] = true
			if err := json.Unmarshal(val, &info); err != nil {
				logrus.Debugf("imagecache: corrupt index row %q: %v", name, err)
				continue
			}
			if info.AccessedAt.Before(deadline) {
				if err := os.Remove(path); err != nil {
					logrus.Debugf("imagecache: failed to clean blob %q: %v", info.Key, err)
					continue
				}
				_ = cursor.Delete()
				logrus.Debugf("imagecache: cleaned blob for %q", info.Key)
			}
		}
		return nil
	})
	if err != nil {
		logrus.Errorf("imagecache: cleanup failed: %v", err)
		return
	}

	// adopt blobs which exist on disk but not in the index
	entries, err := os.ReadDir(b.dataPath)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == dbFileName || indexed[entry.Name()] {
			continue
		}
		b.adopt(entry.Name())
	}
}

// adopt indexes an unknown blob file as just accessed
func (b *Persistent) adopt(name string) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(DataTsBucket))
		if bucket == nil {
			return errors.Errorf("couldn't open (%v) bucket", DataTsBucket)
		}
		encoded, err := json.Marshal(blobInfo{AccessedAt: time.Now()})
		if err != nil {
			return err
		}
		return bucket.Put([]byte(name), encoded)
	})
	if err != nil {
		logrus.Debugf("imagecache: failed to adopt blob %v: %v", name, err)
	}
}

// Stats returns the number of stored blobs and their total size
func (b *Persistent) Stats() (count int, size int64, err error) {
	entries, err := os.ReadDir(b.dataPath)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "couldn't list data directory %q", b.dataPath)
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == dbFileName {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		count++
		size += info.Size()
	}
	return count, size, nil
}

// Purge removes all stored blobs and resets the index
func (b *Persistent) Purge() {
	b.cleanupMux.Lock()
	defer b.cleanupMux.Unlock()

	entries, err := os.ReadDir(b.dataPath)
	if err != nil {
		logrus.Errorf("imagecache: purge failed to list %v: %v", b.dataPath, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == dbFileName {
			continue
		}
		err = os.Remove(filepath.Join(b.dataPath, entry.Name()))
		if err != nil {
			logrus.Debugf("imagecache: purge failed to remove %v: %v", entry.Name(), err)
		}
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(DataTsBucket))
		if err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err = tx.CreateBucketIfNotExists([]byte(DataTsBucket))
		return err
	})
	if err != nil {
		logrus.Errorf("imagecache: purge failed to reset index: %v", err)
	}
}

// Close should be called when the program ends gracefully
func (b *Persistent) Close() {
	b.cleanupMux.Lock()
	defer b.cleanupMux.Unlock()
	if !b.open {
		return
	}
	err := b.db.Close()
	if err != nil {
		logrus.Errorf("imagecache: closing handle: %v", err)
	}
	b.open = false
}
