package manager

import (
	"fmt"
	"image"
	"sync/atomic"
)

// Callback reports request progress. It receives the placeholder image
// (isPlaceholder true) and later the final image (isPlaceholder false). A
// nil image with isPlaceholder false reports a failed request.
type Callback func(img image.Image, isPlaceholder bool)

// Token represents a concrete request for an image. It allows tracking of
// the progress, and canceling the request.
//
// A token is terminal once it is ready or canceled. Tokens reference their
// registry entry only by key, ownership of the entry stays with the
// registry.
type Token struct {
	key      string
	cb       Callback
	canceled atomic.Bool
	ready    atomic.Bool
	onCancel func(t *Token)
}

func newToken(key string, cb Callback) *Token {
	if cb == nil {
		cb = func(image.Image, bool) {}
	}
	return &Token{key: key, cb: cb}
}

// Key returns the cache key this token was issued for
func (t *Token) Key() string {
	return t.key
}

// IsCanceled reports whether Cancel has been called
func (t *Token) IsCanceled() bool {
	return t.canceled.Load()
}

// IsReady reports whether the final result has been handed out for this
// token: delivered on a memory hit, queued on the delivery lane otherwise.
// A token canceled after that point stays ready, its queued callback is
// suppressed.
func (t *Token) IsReady() bool {
	return t.ready.Load()
}

// String is a representation of this token
func (t *Token) String() string {
	return fmt.Sprintf("token <%v>", t.key)
}

// Cancel cancels the exact request this token was returned for. The
// processing of the image is canceled once every request for it has been
// canceled. Cancel is idempotent, never blocks, and no callback fires for
// this token after it returns.
func (t *Token) Cancel() {
	if !t.canceled.CompareAndSwap(false, true) {
		return
	}
	canceledTokens.Inc()
	if t.onCancel != nil {
		t.onCancel(t)
	}
}
