package ledger

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/atmx/fill-ledger/internal/metrics"
	"github.com/atmx/fill-ledger/internal/store"
)

// Config bounds every store call the ledger makes.
type Config struct {
	OpTimeout  time.Duration `mapstructure:"op_timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	BackoffMin time.Duration `mapstructure:"backoff_min"`
	BackoffMax time.Duration `mapstructure:"backoff_max"`
	// Jitter is the +/- fraction applied to each backoff wait.
	Jitter float64 `mapstructure:"jitter"`
}

// DefaultConfig returns conservative store-call bounds.
func DefaultConfig() Config {
	return Config{
		OpTimeout:  5 * time.Second,
		MaxRetries: 3,
		BackoffMin: 50 * time.Millisecond,
		BackoffMax: time.Second,
		Jitter:     0.2,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.OpTimeout <= 0 {
		c.OpTimeout = def.OpTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = def.BackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = c.BackoffMin
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	return c
}

// backoff returns the wait before the given retry attempt (1-based).
func (c Config) backoff(attempt int) time.Duration {
	wait := c.BackoffMin
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= c.BackoffMax {
			wait = c.BackoffMax
			break
		}
	}
	if c.Jitter == 0 {
		return wait
	}
	delta := float64(wait) * c.Jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// transient reports whether err is worth retrying. Store outcomes that carry
// meaning (not found, duplicate, leg changed) never are, nor is anything
// after the caller's context ends.
func transient(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrLegChanged),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// call runs fn under the per-operation timeout, retrying transient failures
// with exponential backoff.
func call[T any](ctx context.Context, l *Ledger, op string, fn func(context.Context) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
		v, err := fn(opCtx)
		cancel()
		if err == nil || attempt >= l.cfg.MaxRetries || !transient(ctx, err) {
			return v, err
		}

		metrics.StoreRetries.Inc()
		wait := l.cfg.backoff(attempt + 1)
		l.logger.Warn("retrying store call", "op", op, "attempt", attempt+1, "wait", wait, "err", err)
		if serr := sleep(ctx, wait); serr != nil {
			return v, serr
		}
	}
}

// exec is call for operations without a result.
func (l *Ledger) exec(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := call(ctx, l, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// keyedMutex serializes work per key. Entries are dropped once no goroutine
// holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
