package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/toxicbuild/toxicmaster/common/gerror"
	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/store/locks"
)

const (
	// leaseDuration bounds how long a crashed process can keep a lock.
	leaseDuration = 60 * time.Second
	// acquirePollInterval is how often a blocked Acquire retries.
	acquirePollInterval = 100 * time.Millisecond
	// refreshInterval keeps held leases alive well inside leaseDuration.
	refreshInterval = 20 * time.Second
)

// LockService provides named distributed write-locks backed by database
// lease rows. Every acquisition runs under its own owner id, so the lock
// excludes other goroutines of this process as well as other processes, and
// survives only as long as its lease is refreshed.
type LockService struct {
	logger.Log
	store       *locks.LockStore
	clock       clock.Clock
	ownerPrefix string
}

func NewLockService(store *locks.LockStore, clk clock.Clock, logFactory logger.LogFactory) *LockService {
	return &LockService{
		Log:         logFactory("LockService"),
		store:       store,
		clock:       clk,
		ownerPrefix: fmt.Sprintf("%d", os.Getpid()),
	}
}

// Acquire blocks until the named lock is held or ctx is done. The returned
// function releases the lock and stops the background lease refresh.
func (s *LockService) Acquire(ctx context.Context, name string) (func(), error) {
	owner := fmt.Sprintf("%s-%s", s.ownerPrefix, uuid.New())
	for {
		expiresAt := models.NewTime(s.clock.Now().Add(leaseDuration))
		err := s.store.TryAcquire(ctx, name, owner, expiresAt)
		if err == nil {
			break
		}
		if !gerror.IsLockFailed(err) {
			return nil, fmt.Errorf("error acquiring lock %q: %w", name, err)
		}
		timer := s.clock.Timer(acquirePollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	done := make(chan struct{})
	go s.refreshLoop(name, owner, done)
	release := func() {
		close(done)
		// Release uses its own context so the lock is freed even when the
		// caller's context is already cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.Release(releaseCtx, name, owner); err != nil {
			s.Errorf("Error releasing lock %q: %v", name, err)
		}
	}
	return release, nil
}

// WithLock runs fn while holding the named lock.
func (s *LockService) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	release, err := s.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (s *LockService) refreshLoop(name, owner string, done <-chan struct{}) {
	ticker := s.clock.Ticker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			expiresAt := models.NewTime(s.clock.Now().Add(leaseDuration))
			err := s.store.Refresh(ctx, name, owner, expiresAt)
			cancel()
			if err != nil {
				s.Warnf("Error refreshing lock %q: %v", name, err)
			}
		}
	}
}
