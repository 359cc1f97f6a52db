package imagecache

import (
	"image"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Memory is a wrapper of transient storage for an LRU image store
type Memory struct {
	db *lru.Cache[string, image.Image]
}

// NewMemory builds this cache storage
// maxEntries bounds how many decoded images are kept resident
func NewMemory(maxEntries int) *Memory {
	mem := &Memory{}
	err := mem.Connect(maxEntries)
	if err != nil {
		logrus.Errorf("imagecache: can't open ram connection: %v", err)
	}

	return mem
}

// Connect will create a connection for the storage
func (m *Memory) Connect(maxEntries int) error {
	if maxEntries <= 0 {
		maxEntries = DefaultOpt.MemoryEntries
	}
	db, err := lru.New[string, image.Image](maxEntries)
	if err != nil {
		return err
	}
	m.db = db
	return nil
}

// HasImage confirms the existence of a single image in this storage
func (m *Memory) HasImage(key string) bool {
	return m.db.Contains(key)
}

// GetImage will retrieve a single image which was stored under key
func (m *Memory) GetImage(key string) (image.Image, bool) {
	return m.db.Get(key)
}

// AddImage adds or replaces the image stored under key
func (m *Memory) AddImage(key string, img image.Image) {
	m.db.Add(key, img)
}

// RemoveImage deletes the image stored under key
func (m *Memory) RemoveImage(key string) {
	m.db.Remove(key)
}

// Purge removes all images from this storage
func (m *Memory) Purge() {
	m.db.Purge()
}
