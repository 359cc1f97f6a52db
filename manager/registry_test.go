package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAdd(t *testing.T) {
	r := newRegistry[string]()

	t1 := newToken("k", nil)
	assert.True(t, r.add(t1, "id-k"))

	t2 := newToken("k", nil)
	assert.False(t, r.add(t2, "id-k"))

	t3 := newToken("other", nil)
	assert.True(t, r.add(t3, "id-other"))

	assert.Equal(t, 2, r.len())
}

func TestRegistryCancelLastAbandons(t *testing.T) {
	r := newRegistry[string]()
	t1 := newToken("k", nil)
	t2 := newToken("k", nil)
	r.add(t1, "id")
	r.add(t2, "id")

	t1.Cancel()
	assert.False(t, r.isAbandoned("k"))

	t2.Cancel()
	assert.True(t, r.isAbandoned("k"))
}

func TestRegistryMissingKeyCountsAsAbandoned(t *testing.T) {
	r := newRegistry[string]()
	assert.True(t, r.isAbandoned("nope"))
}

func TestRegistryDrain(t *testing.T) {
	r := newRegistry[string]()
	t1 := newToken("k", nil)
	t2 := newToken("k", nil)
	r.add(t1, "id")
	r.add(t2, "id")

	tokens := r.drain("k")
	require.Len(t, tokens, 2)
	assert.Same(t, t1, tokens[0])
	assert.Same(t, t2, tokens[1])
	assert.Equal(t, 0, r.len())

	// a second drain finds nothing
	assert.Nil(t, r.drain("k"))
}

func TestRegistryStartDownload(t *testing.T) {
	r := newRegistry[string]()
	tok := newToken("k", nil)
	r.add(tok, "id-k")

	identifier, ok := r.startDownload("k")
	assert.True(t, ok)
	assert.Equal(t, "id-k", identifier)

	tok.Cancel()
	_, ok = r.startDownload("k")
	assert.False(t, ok)

	_, ok = r.startDownload("missing")
	assert.False(t, ok)
}

func TestRegistryMarkDeferred(t *testing.T) {
	r := newRegistry[string]()
	r.add(newToken("a", nil), "a")
	r.add(newToken("b", nil), "b")

	assert.Equal(t, 2, r.markDeferred())
	// already deferred entries don't count again
	assert.Equal(t, 0, r.markDeferred())

	r.add(newToken("c", nil), "c")
	assert.Equal(t, 1, r.markDeferred())
}

func TestTokenCancelIdempotent(t *testing.T) {
	r := newRegistry[string]()
	tok := newToken("k", nil)
	r.add(tok, "id")

	tok.Cancel()
	tok.Cancel()
	assert.True(t, tok.IsCanceled())
	assert.True(t, r.isAbandoned("k"))
}
