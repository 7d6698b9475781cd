// Package registry maps durable reconnect tokens to the match slots waiting
// for them. A session registers a token when its slot's transport dies; the
// lobby attaches a fresh transport when a handshake presents that token.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/unixthat/beer-project/internal/wire"
)

var (
	// ErrTokenInUse rejects a second pending registration for a token.
	ErrTokenInUse = errors.New("registry: token already registered")
	// ErrUnknownToken means no slot is waiting for this token.
	ErrUnknownToken = errors.New("registry: unknown token")
	// ErrTokenBound means the token belongs to a slot that already holds a
	// live transport; the duplicate attacher must be turned away.
	ErrTokenBound = errors.New("registry: token already bound to a live slot")
)

// Pending is one registered attach point. The channel is buffered so the
// winning Attach never blocks.
type Pending struct {
	Token string
	ch    chan *wire.Stream
}

// Registry is the process-wide token map. Pending entries expire on their
// own after the reconnect window via the backing TTL cache; the live set
// tracks tokens currently bound to match slots so duplicate handshakes can
// be distinguished from stale ones.
type Registry struct {
	mu      sync.Mutex
	pending *cache.Cache
	live    map[string]bool
}

// New builds a registry whose pending entries default to the given TTL.
func New(ttl time.Duration) *Registry {
	return &Registry{
		pending: cache.New(ttl, ttl),
		live:    make(map[string]bool),
	}
}

// Register inserts a pending attach point for token. Fails with
// ErrTokenInUse if one is already present.
func (r *Registry) Register(token string) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending.Get(token); ok {
		return nil, ErrTokenInUse
	}
	p := &Pending{Token: token, ch: make(chan *wire.Stream, 1)}
	r.pending.SetDefault(token, p)
	return p, nil
}

// Attach binds a new transport to the slot waiting for token and removes
// the entry atomically. Exactly one concurrent Attach for a token can win;
// the rest observe ErrTokenBound (token held by a live slot) or
// ErrUnknownToken (nothing waiting).
func (r *Registry) Attach(token string, st *wire.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.pending.Get(token)
	if !ok {
		if r.live[token] {
			return ErrTokenBound
		}
		return ErrUnknownToken
	}
	r.pending.Delete(token)
	v.(*Pending).ch <- st
	return nil
}

// Wait blocks until Attach fires for p, the timeout passes, or ctx is
// cancelled. On expiry the registration is removed; a racing Attach that
// landed between expiry and removal still wins.
func (r *Registry) Wait(ctx context.Context, p *Pending, timeout time.Duration) (*wire.Stream, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case st := <-p.ch:
		return st, true
	case <-timer.C:
	case <-ctx.Done():
	}

	r.mu.Lock()
	r.pending.Delete(p.Token)
	r.mu.Unlock()

	select {
	case st := <-p.ch:
		return st, true
	default:
		return nil, false
	}
}

// Cancel removes a pending registration without signalling. A transport
// that was attached but never claimed is closed.
func (r *Registry) Cancel(p *Pending) {
	r.mu.Lock()
	r.pending.Delete(p.Token)
	r.mu.Unlock()

	select {
	case st := <-p.ch:
		st.Close()
	default:
	}
}

// BindLive marks token as bound to a live slot for the duration of a match.
func (r *Registry) BindLive(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[token] = true
}

// Release forgets a token entirely: its live binding and any pending
// registration. Called at match termination.
func (r *Registry) Release(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, token)
	r.pending.Delete(token)
}
