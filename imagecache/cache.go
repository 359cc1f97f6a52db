// Package imagecache implements the two tier image cache used by the image
// manager: a bounded in-memory tier over a directory of encoded blobs.
//
// The interface is synchronous. Callers decide per lookup whether the disk
// tier may be touched, so the fast path of the manager can stay off the file
// system. Disk failures never surface to callers, they degrade the cache to
// memory-only behaviour for the affected key.
package imagecache

import (
	"bytes"
	"image"
	"image/png"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefMemoryEntries is the default capacity of the memory tier
	DefMemoryEntries = 256
	// DefDbWaitTime defines how long to wait for the DB to be available
	DefDbWaitTime = 1 * time.Second
)

// Options is the configuration for a Cache
type Options struct {
	Dir           string        // directory holding the blob files and the index
	MemoryEntries int           // capacity of the memory tier
	DbWaitTime    time.Duration // how long to wait for the index DB to be available
	PurgeDb       bool          // reset the index on startup
}

// DefaultOpt holds the defaults picked up when an Options field is zero
var DefaultOpt = Options{
	MemoryEntries: DefMemoryEntries,
	DbWaitTime:    DefDbWaitTime,
}

// Codec converts between a decoded image and the bytes stored on disk
type Codec interface {
	Encode(img image.Image) ([]byte, error)
	Decode(data []byte) (image.Image, error)
}

// PNGCodec stores blobs as PNG data
type PNGCodec struct{}

// Encode implements Codec
func (PNGCodec) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, "png encode")
	}
	return buf.Bytes(), nil
}

// Decode implements Codec
func (PNGCodec) Decode(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "png decode")
	}
	return img, nil
}

// Cache is a two tier image cache
type Cache struct {
	opt        Options
	codec      Codec
	memory     *Memory
	persistent *Persistent
}

// New constructs a Cache over dir configured by opt.
// A nil codec selects PNGCodec.
func New(opt Options, codec Codec) (*Cache, error) {
	if opt.MemoryEntries <= 0 {
		opt.MemoryEntries = DefaultOpt.MemoryEntries
	}
	if opt.DbWaitTime <= 0 {
		opt.DbWaitTime = DefaultOpt.DbWaitTime
	}
	if codec == nil {
		codec = PNGCodec{}
	}
	persistent, err := NewPersistent(opt.Dir, &Features{
		PurgeDb:    opt.PurgeDb,
		DbWaitTime: opt.DbWaitTime,
	})
	if err != nil {
		return nil, err
	}
	c := &Cache{
		opt:        opt,
		codec:      codec,
		memory:     NewMemory(opt.MemoryEntries),
		persistent: persistent,
	}
	return c, nil
}

// Get retrieves the image stored under key.
//
// The memory tier is probed first. With memoryOnly set the result of that
// probe is final and the call never blocks. Otherwise a memory miss falls
// through to the disk tier and a disk hit repopulates the memory tier, so
// repeated access stays fast. Returns nil when the image is not cached.
func (c *Cache) Get(key string, memoryOnly bool) image.Image {
	if img, ok := c.memory.GetImage(key); ok {
		return img
	}
	if memoryOnly {
		return nil
	}

	data, err := c.persistent.GetBlob(key)
	if err != nil {
		return nil
	}
	img, err := c.codec.Decode(data)
	if err != nil {
		// a blob we can't decode is gone for good
		logrus.Debugf("imagecache: removing corrupt blob for %q: %v", key, err)
		if err := c.persistent.RemoveBlob(key); err != nil {
			logrus.Debugf("imagecache: %v", err)
		}
		return nil
	}
	c.memory.AddImage(key, img)
	return img
}

// Set stores img in both tiers. A nil img is the removal instruction for
// key. The disk write is synchronous, callers keep it off the fast path.
func (c *Cache) Set(img image.Image, key string) {
	if img == nil {
		c.Remove(key)
		return
	}
	c.memory.AddImage(key, img)

	data, err := c.codec.Encode(img)
	if err != nil {
		logrus.Debugf("imagecache: encode for %q: %v", key, err)
		return
	}
	if err := c.persistent.AddBlob(key, data); err != nil {
		logrus.Debugf("imagecache: %v", err)
	}
}

// Remove deletes the image stored under key from both tiers
func (c *Cache) Remove(key string) {
	c.memory.RemoveImage(key)
	if err := c.persistent.RemoveBlob(key); err != nil {
		logrus.Debugf("imagecache: %v", err)
	}
}

// ClearMemory empties the memory tier
func (c *Cache) ClearMemory() {
	c.memory.Purge()
}

// ClearDisk empties the disk tier
func (c *Cache) ClearDisk() {
	c.persistent.Purge()
}

// String is a representation of this cache
func (c *Cache) String() string {
	return "<Cache> " + c.opt.Dir
}

// Persistent exposes the disk tier for maintenance tooling
func (c *Cache) Persistent() *Persistent {
	return c.persistent
}

// Close releases the disk tier resources
func (c *Cache) Close() {
	c.persistent.Close()
}
