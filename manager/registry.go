package manager

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// entry is the per key coalescing record: the tokens still interested in
// the key, the identifier to download it by, and the state of the pipeline
// for it.
type entry[I any] struct {
	key         string
	identifier  I
	tokens      []*Token
	downloading bool
	deferred    bool
	abandoned   bool
}

// registry is the coalescing and cancellation ledger. One mutex guards the
// whole map and is only ever held for registry local work, never across
// disk or network I/O.
type registry[I any] struct {
	mu      sync.Mutex
	entries map[string]*entry[I]
}

func newRegistry[I any]() *registry[I] {
	return &registry[I]{entries: make(map[string]*entry[I])}
}

// add appends t to the entry for its key, creating the entry when none
// exists. The returned bool tells the caller whether it created the entry
// and is therefore responsible for starting the pipeline.
func (r *registry[I]) add(t *Token, identifier I) (isFirst bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[t.key]
	if !ok {
		e = &entry[I]{key: t.key, identifier: identifier}
		r.entries[t.key] = e
	}
	e.tokens = append(e.tokens, t)
	t.onCancel = r.cancelToken
	return !ok
}

// cancelToken is invoked by Token.Cancel after the canceled flag is set.
// When the last live token of an entry goes, the entry is abandoned and the
// pipeline discards it at its next checkpoint.
func (r *registry[I]) cancelToken(t *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[t.key]
	if !ok {
		return
	}
	for _, tok := range e.tokens {
		if !tok.IsCanceled() {
			return
		}
	}
	e.abandoned = true
	if e.downloading {
		// the download runs to completion, its result will be discarded
		logrus.Debugf("manager: abandoning in-flight download for %q", e.key)
	}
}

// isAbandoned reports whether the entry for key has no live tokens left. A
// missing entry counts as abandoned: it has already been drained.
func (r *registry[I]) isAbandoned(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return true
	}
	return e.abandoned
}

// startDownload marks the entry's download as in flight and returns the
// identifier to download by. ok is false when the entry is abandoned or
// already drained.
func (r *registry[I]) startDownload(key string) (identifier I, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.entries[key]
	if !found || e.abandoned {
		return identifier, false
	}
	e.downloading = true
	return e.identifier, true
}

// drain atomically removes the entry for key and returns its token list.
// Called exactly once per key when the pipeline has a result to deliver, or
// when an abandoned entry is discarded.
func (r *registry[I]) drain(key string) []*Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	delete(r.entries, key)
	return e.tokens
}

// markDeferred tags every current entry as deferred and returns how many
// entries changed state
func (r *registry[I]) markDeferred() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if !e.deferred {
			e.deferred = true
			n++
		}
	}
	return n
}

// len returns the number of live entries
func (r *registry[I]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
