package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"erpsync/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverLocker prefers the primary locker and falls back to a local one while it is down.
// The primary is retried once a minute. Until every lock handed out by the fallback has
// expired, locks taken on the primary must also be free on the fallback.
type FailoverLocker struct {
	primary       domain.Locker
	fallback      domain.Locker
	logger        *zerolog.Logger
	isDown        atomic.Bool
	mu            sync.Mutex
	lastCheck     time.Time
	fallbackUntil time.Time
	now           func() time.Time
}

func NewFailoverLocker(primary, fallback domain.Locker, logger *zerolog.Logger) *FailoverLocker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverLocker{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (l *FailoverLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if !l.isDown.Load() || l.recheckDue() {
		release, ok, err := l.primary.Acquire(ctx, key, ttl)
		if err == nil {
			if l.isDown.Swap(false) {
				l.logger.Info().Msg("primary locker recovered")
			}
			if !ok || !l.fallbackHeld() {
				return release, ok, nil
			}
			return l.alsoOnFallback(ctx, key, ttl, release)
		}
		if !l.isDown.Swap(true) {
			l.logger.Error().Err(err).Msg("primary locker failed, falling back to memory")
		}
		l.mu.Lock()
		l.lastCheck = l.now()
		l.mu.Unlock()
	}

	release, ok, err := l.fallback.Acquire(ctx, key, ttl)
	if err == nil && ok {
		l.mu.Lock()
		if until := l.now().Add(ttl); until.After(l.fallbackUntil) {
			l.fallbackUntil = until
		}
		l.mu.Unlock()
	}
	return release, ok, err
}

// fallbackHeld reports whether a lock granted by the fallback may still be live.
func (l *FailoverLocker) fallbackHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.fallbackUntil)
}

func (l *FailoverLocker) alsoOnFallback(ctx context.Context, key string, ttl time.Duration, primaryRelease func(context.Context) error) (func(context.Context) error, bool, error) {
	fallbackRelease, ok, err := l.fallback.Acquire(ctx, key, ttl)
	if err != nil || !ok {
		if relErr := primaryRelease(ctx); relErr != nil {
			l.logger.Warn().Err(relErr).Str("key", key).Msg("release primary lock")
		}
		return nil, false, err
	}
	return func(ctx context.Context) error {
		return errors.Join(primaryRelease(ctx), fallbackRelease(ctx))
	}, true, nil
}

func (l *FailoverLocker) recheckDue() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Sub(l.lastCheck) > time.Minute
}
