// Package session holds the per-page-load state of an intercepted dashboard: who the page
// is, which configuration applies, and the widgets discovered so far.
package session

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrReset is returned to identity waiters whose page load was torn down.
var ErrReset = errors.New("session reset")

// Identity names the report instance shown on the page.
type Identity struct {
	Host  string `json:"host"`
	Path  string `json:"path"`
	Token string `json:"token,omitempty"`
}

// IdentityFromURL derives an identity from the page URL.
func IdentityFromURL(u *url.URL) Identity {
	if u == nil {
		return Identity{}
	}
	return Identity{Host: u.Hostname(), Path: u.Path}
}

// Subdomain is the first DNS label of Host.
func (id Identity) Subdomain() string {
	host := strings.ToLower(id.Host)
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

// Key is the stable string form: the token when known, else subdomain/path.
func (id Identity) Key() string {
	if id.Token != "" {
		return "token:" + id.Token
	}
	return id.Subdomain() + "/" + strings.Trim(id.Path, "/")
}

// IsZero reports whether nothing identifies the page.
func (id Identity) IsZero() bool {
	return id.Host == "" && id.Path == "" && id.Token == ""
}

// future resolves once; every waiter is released together.
type future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

// resolve reports whether this call won.
func (f *future[T]) resolve(v T, err error) bool {
	won := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		won = true
	})
	return won
}

func (f *future[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *future[T]) peek() (T, bool) {
	select {
	case <-f.done:
		return f.val, f.err == nil
	default:
		var zero T
		return zero, false
	}
}
