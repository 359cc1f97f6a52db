// Package manager implements an asynchronous, multi-tier image retrieval
// pipeline. It covers the part of the job that is common for most use
// cases; the responsibility for the other part is left to a Provider (a
// constructor argument).
//
// There are three main paths of execution:
//
//  1. fast memory path: if the requested image is resident in the memory
//     tier it is delivered synchronously with the Request call
//  2. disk path: if present in the disk tier it is loaded and delivered
//     asynchronously
//  3. download path: in the worst case it is downloaded through the
//     provider, stored, and delivered asynchronously
//
// The underlying lane schema assures that no more than one disk operation
// runs at once, that downloads run on at most MaxConcurrentDownloads
// workers, that concurrent requests for the same key share one download,
// and that every asynchronous callback fires on the delivery lane.
package manager

import (
	"image"

	"github.com/sirupsen/logrus"

	"github.com/Polidea/PLImageManager/imagecache"
	"github.com/Polidea/PLImageManager/runner"
)

// Provider supplies the use case specific half of the pipeline. It is
// parametric over the identifier type, so requests are well typed at
// compile time.
type Provider[I any] interface {
	// MaxConcurrentDownloads controls how many workers download images.
	// Sampled once at construction. A high value can significantly slow
	// down the embedding application.
	MaxConcurrentDownloads() int
	// KeyForIdentifier derives the canonical cache key for an identifier.
	// An empty key marks the identifier as invalid.
	KeyForIdentifier(identifier I) string
	// Download performs the actual download. It blocks until done and must
	// be safe for up to MaxConcurrentDownloads simultaneous calls.
	Download(identifier I) (image.Image, error)
}

// Manager is the public façade of the pipeline
type Manager[I any] struct {
	provider Provider[I]
	cache    *imagecache.Cache
	run      runner.Runner
	reg      *registry[I]
}

// New builds a Manager delivering callbacks through deliver. A nil deliver
// runs the delivery lane on an internal serial executor.
func New[I any](provider Provider[I], cache *imagecache.Cache, deliver runner.DeliverFunc) *Manager[I] {
	return NewWithRunner(provider, cache, runner.New(provider.MaxConcurrentDownloads(), deliver))
}

// NewWithRunner builds a Manager over an explicit Runner. Tests use it to
// substitute a deterministic step-driven runner.
func NewWithRunner[I any](provider Provider[I], cache *imagecache.Cache, run runner.Runner) *Manager[I] {
	return &Manager[I]{
		provider: provider,
		cache:    cache,
		run:      run,
		reg:      newRegistry[I](),
	}
}

// Request asks for the image identified by identifier.
//
// On a memory hit the callback fires synchronously with the call and the
// returned token is already ready. Otherwise the request joins the pipeline
// and the callback fires later on the delivery lane: first with the
// placeholder (if one is given), then exactly once with the final image, or
// with nil if the download failed. Concurrent requests for the same key
// share a single download.
//
// The returned token cancels this request only. An identifier the provider
// can produce no key for yields a canceled token and a nil-image callback
// on the delivery lane.
func (m *Manager[I]) Request(identifier I, placeholder image.Image, callback Callback) *Token {
	key := m.provider.KeyForIdentifier(identifier)
	if key == "" {
		badIdentifiers.Inc()
		logrus.Debugf("manager: provider produced no key, rejecting request")
		t := newToken(key, callback)
		t.canceled.Store(true)
		if callback != nil {
			m.run.Deliver(func() { callback(nil, false) })
		}
		return t
	}

	var img image.Image
	m.run.Fast(func() { img = m.cache.Get(key, true) })
	if img != nil {
		memoryHits.Inc()
		t := newToken(key, callback)
		t.ready.Store(true)
		if callback != nil {
			callback(img, false)
		}
		return t
	}

	t := newToken(key, callback)
	// the placeholder is queued before the token joins the entry, so the
	// final callback can never overtake it on the delivery lane
	if placeholder != nil {
		m.run.Deliver(func() {
			if t.IsCanceled() {
				return
			}
			t.cb(placeholder, true)
		})
	}
	isFirst := m.reg.add(t, identifier)
	if isFirst {
		m.run.Disk(func() { m.diskProbe(key) })
	} else {
		coalescedRequests.Inc()
	}
	return t
}

// RequestAsync is the void form of Request for callers which never cancel
func (m *Manager[I]) RequestAsync(identifier I, placeholder image.Image, callback Callback) {
	_ = m.Request(identifier, placeholder, callback)
}

// diskProbe runs on the disk lane: resolve the key from the disk tier or
// hand it to the download lane
func (m *Manager[I]) diskProbe(key string) {
	if m.reg.isAbandoned(key) {
		m.discard(key)
		return
	}
	if img := m.cache.Get(key, false); img != nil {
		diskHits.Inc()
		m.deliverKey(key, img)
		return
	}
	m.run.Download(func() { m.download(key) })
}

// download runs on a download worker
func (m *Manager[I]) download(key string) {
	identifier, ok := m.reg.startDownload(key)
	if !ok {
		m.discard(key)
		return
	}
	downloadsStarted.Inc()
	img, err := m.provider.Download(identifier)
	if err != nil || img == nil {
		// a success with no image counts as a failure
		downloadsFailed.Inc()
		if err != nil {
			logrus.Debugf("manager: download for %q: %v", key, err)
		}
		img = nil
	}
	if m.reg.isAbandoned(key) {
		// every request is gone, the result is discarded and nothing
		// reaches the caches
		m.discard(key)
		return
	}
	m.run.Disk(func() {
		if img != nil {
			m.cache.Set(img, key)
		}
		m.deliverKey(key, img)
	})
}

// deliverKey runs on the disk lane: drain the entry and fan the result out
// to every live token
func (m *Manager[I]) deliverKey(key string, img image.Image) {
	for _, t := range m.reg.drain(key) {
		if t.IsCanceled() {
			continue
		}
		t.ready.Store(true)
		t := t
		m.run.Deliver(func() {
			// cancellation wins over an already queued delivery
			if t.IsCanceled() {
				return
			}
			t.cb(img, false)
		})
	}
}

// discard drops an abandoned entry
func (m *Manager[I]) discard(key string) {
	m.reg.drain(key)
}

// ClearCachedImage removes the image for identifier from both cache tiers
func (m *Manager[I]) ClearCachedImage(identifier I) {
	key := m.provider.KeyForIdentifier(identifier)
	if key == "" {
		badIdentifiers.Inc()
		logrus.Debugf("manager: provider produced no key, nothing to clear")
		return
	}
	m.run.Disk(func() { m.cache.Remove(key) })
}

// ClearCache removes all cached images. The memory tier is cleared
// synchronously, the disk tier on the disk lane.
func (m *Manager[I]) ClearCache() {
	m.run.Fast(func() { m.cache.ClearMemory() })
	m.run.Disk(func() { m.cache.ClearDisk() })
}

// DeferCurrentDownloads lowers the priority of every request scheduled so
// far: new requests are handled first. Deferred work is not lost, it runs
// once the newer cohort is drained.
func (m *Manager[I]) DeferCurrentDownloads() {
	n := m.reg.markDeferred()
	m.run.DeferDownloads()
	if n > 0 {
		logrus.Debugf("manager: deferred %d in-flight keys", n)
	}
}

// Close drains the pipeline and stops the runner's background work
func (m *Manager[I]) Close() {
	m.run.Close()
}
