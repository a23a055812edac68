package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/server/services/lock"
	"github.com/toxicbuild/toxicmaster/server/store/locks"
	"github.com/toxicbuild/toxicmaster/server/store/store_test"
)

func newServices(t *testing.T, n int) []*lock.LockService {
	logFactory := logger.LogFactory(logger.NoOpLogFactory)
	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	store := locks.NewStore(db, logFactory)
	// Separate services stand in for separate processes.
	services := make([]*lock.LockService, n)
	for i := range services {
		services[i] = lock.NewLockService(store, clock.New(), logFactory)
	}
	return services
}

func TestAcquireRelease(t *testing.T) {
	services := newServices(t, 1)
	release, err := services[0].Acquire(context.Background(), "slave-1")
	require.NoError(t, err)
	release()

	release, err = services[0].Acquire(context.Background(), "slave-1")
	require.NoError(t, err)
	release()
}

func TestAcquireBlocksAcrossOwners(t *testing.T) {
	services := newServices(t, 2)
	ctx := context.Background()

	release, err := services[0].Acquire(ctx, "slave-1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release2, err := services[1].Acquire(ctx, "slave-1")
		assert.NoError(t, err)
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held by another owner")
	case <-time.After(300 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("lock never acquired after release")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	services := newServices(t, 2)

	release, err := services[0].Acquire(context.Background(), "slave-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = services[1].Acquire(ctx, "slave-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithLockSerializes(t *testing.T) {
	services := newServices(t, 2)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 2; i++ {
		service := services[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				err := service.WithLock(ctx, "slave-1", func(ctx context.Context) error {
					mu.Lock()
					holders++
					if holders > maxSeen {
						maxSeen = holders
					}
					mu.Unlock()
					time.Sleep(10 * time.Millisecond)
					mu.Lock()
					holders--
					mu.Unlock()
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

// Two goroutines of the same process must exclude each other just like two
// separate processes do.
func TestWithLockSerializesWithinOneProcess(t *testing.T) {
	services := newServices(t, 1)
	service := services[0]
	ctx := context.Background()

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				err := service.WithLock(ctx, "slave-1", func(ctx context.Context) error {
					mu.Lock()
					holders++
					if holders > maxSeen {
						maxSeen = holders
					}
					mu.Unlock()
					time.Sleep(10 * time.Millisecond)
					mu.Lock()
					holders--
					mu.Unlock()
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}
