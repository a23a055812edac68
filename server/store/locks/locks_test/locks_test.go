package locks_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/toxicmaster/common/gerror"
	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/store/locks"
	"github.com/toxicbuild/toxicmaster/server/store/store_test"
)

func newStore(t *testing.T) *locks.LockStore {
	logFactory := logger.LogFactory(logger.NoOpLogFactory)
	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return locks.NewStore(db, logFactory)
}

func TestTryAcquireMutualExclusion(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	expiresAt := models.NewTime(time.Now().Add(time.Minute))

	err := store.TryAcquire(ctx, "slave-1", "owner-a", expiresAt)
	require.NoError(t, err)

	err = store.TryAcquire(ctx, "slave-1", "owner-b", expiresAt)
	require.Error(t, err)
	assert.True(t, gerror.IsLockFailed(err))

	// A different lock name is unaffected.
	err = store.TryAcquire(ctx, "slave-2", "owner-b", expiresAt)
	require.NoError(t, err)
}

func TestTryAcquireSameOwnerExtends(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	err := store.TryAcquire(ctx, "slave-1", "owner-a", models.NewTime(time.Now().Add(time.Minute)))
	require.NoError(t, err)
	err = store.TryAcquire(ctx, "slave-1", "owner-a", models.NewTime(time.Now().Add(2*time.Minute)))
	require.NoError(t, err)
}

func TestTryAcquireExpiredLeaseTakeover(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	err := store.TryAcquire(ctx, "slave-1", "owner-a", models.NewTime(time.Now().Add(-time.Second)))
	require.NoError(t, err)

	err = store.TryAcquire(ctx, "slave-1", "owner-b", models.NewTime(time.Now().Add(time.Minute)))
	require.NoError(t, err)
}

func TestReleaseAllowsReacquire(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	expiresAt := models.NewTime(time.Now().Add(time.Minute))

	require.NoError(t, store.TryAcquire(ctx, "slave-1", "owner-a", expiresAt))
	require.NoError(t, store.Release(ctx, "slave-1", "owner-a"))
	require.NoError(t, store.TryAcquire(ctx, "slave-1", "owner-b", expiresAt))
}

func TestReleaseOnlyDropsOwnLease(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	expiresAt := models.NewTime(time.Now().Add(time.Minute))

	require.NoError(t, store.TryAcquire(ctx, "slave-1", "owner-a", expiresAt))
	require.NoError(t, store.Release(ctx, "slave-1", "owner-b"))

	err := store.TryAcquire(ctx, "slave-1", "owner-b", expiresAt)
	assert.True(t, gerror.IsLockFailed(err))
}

func TestRefresh(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	expiresAt := models.NewTime(time.Now().Add(time.Minute))

	require.NoError(t, store.TryAcquire(ctx, "slave-1", "owner-a", expiresAt))
	require.NoError(t, store.Refresh(ctx, "slave-1", "owner-a", models.NewTime(time.Now().Add(2*time.Minute))))

	err := store.Refresh(ctx, "slave-1", "owner-b", expiresAt)
	require.Error(t, err)
	assert.True(t, gerror.IsLockFailed(err))
}
