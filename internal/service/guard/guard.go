// Package guard wraps every remote store call: it makes sure an anonymous
// identity exists, bounds the call with a timeout, classifies failures and
// turns them into log lines and metrics instead of crashes.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/domain/models"
	"github.com/mamadbah2/stocksync/internal/metrics"
	"github.com/mamadbah2/stocksync/internal/repository/remote"
)

const identityKey = "identity"

// Options tunes a Guard.
type Options struct {
	// AuthTTL is how long an identity is trusted before the handshake runs again.
	AuthTTL time.Duration
	// Timeout bounds each guarded call. Zero disables the bound.
	Timeout time.Duration
}

// Guard is safe for concurrent use.
type Guard struct {
	auth    remote.Authenticator
	cache   *cache.Cache
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger

	authMu sync.Mutex
}

// New creates a guard over the given authenticator.
func New(auth remote.Authenticator, opts Options, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AuthTTL <= 0 {
		opts.AuthTTL = time.Hour
	}
	return &Guard{
		auth:    auth,
		cache:   cache.New(opts.AuthTTL, 2*opts.AuthTTL),
		ttl:     opts.AuthTTL,
		timeout: opts.Timeout,
		logger:  logger,
	}
}

// EnsureAuthenticated runs the anonymous handshake unless a fresh identity is
// cached. It reports whether the remote store can be used; failures are
// logged, never returned.
func (g *Guard) EnsureAuthenticated(ctx context.Context) bool {
	if _, ok := g.cache.Get(identityKey); ok {
		return true
	}

	g.authMu.Lock()
	defer g.authMu.Unlock()
	if _, ok := g.cache.Get(identityKey); ok {
		return true
	}

	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	identity, err := g.auth.SignInAnonymously(callCtx)
	kind := Classify(err)
	metrics.RemoteCall("auth", kind.String())
	if err != nil {
		if kind == KindNetwork {
			g.logger.Warn("remote store unreachable, continuing offline", zap.Error(err))
		} else {
			g.logger.Error("anonymous sign-in failed", zap.Stringer("kind", kind), zap.Error(err))
		}
		return false
	}

	g.cache.Set(identityKey, identity, g.ttl)
	g.logger.Info("signed in anonymously", zap.String("device_id", identity.DeviceID))
	return true
}

// Identity returns the cached identity, if any.
func (g *Guard) Identity() (remote.Identity, bool) {
	v, ok := g.cache.Get(identityKey)
	if !ok {
		return remote.Identity{}, false
	}
	return v.(remote.Identity), true
}

// Invalidate forgets the cached identity so the next call signs in again.
func (g *Guard) Invalidate() {
	g.cache.Delete(identityKey)
}

// Do runs fn against the remote store. A nil return means fn succeeded; any
// failure comes back as a *RemoteError.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, g, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Do for operations that produce a value.
func Call[T any](ctx context.Context, g *Guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !g.EnsureAuthenticated(ctx) {
		metrics.RemoteCall(op, "offline")
		return zero, &RemoteError{Op: op, Kind: KindNetwork, Err: models.ErrRemoteOffline}
	}

	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	v, err := fn(callCtx)
	kind := Classify(err)
	metrics.RemoteCall(op, kind.String())
	if err == nil {
		return v, nil
	}

	switch kind {
	case KindNetwork:
		g.logger.Warn("remote call failed, continuing offline", zap.String("op", op), zap.Error(err))
	case KindPermissionDenied:
		g.logger.Error("remote call denied", zap.String("op", op), zap.Error(err))
		g.Invalidate()
	default:
		g.logger.Error("remote call failed", zap.String("op", op), zap.Stringer("kind", kind), zap.Error(err))
	}
	return zero, &RemoteError{Op: op, Kind: kind, Err: err}
}

func (g *Guard) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}
