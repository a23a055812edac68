package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/toxicbuild/toxicmaster/common/gerror"
	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/store"
)

const leasesTable = "lock_leases"

// lease is a row in the lock_leases table. The name is the lock key, the
// owner identifies the holder, and expired leases may be taken over.
type lease struct {
	Name      string      `db:"lock_lease_name"`
	Owner     string      `db:"lock_lease_owner"`
	ExpiresAt models.Time `db:"lock_lease_expires_at"`
}

// LockStore implements named write-locks as database lease rows. A lock is
// held by inserting a lease row for the name; the insert fails while
// another owner holds an unexpired lease.
type LockStore struct {
	logger.Log
	db *store.DB
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *LockStore {
	return &LockStore{
		Log: logFactory("lock_store"),
		db:  db,
	}
}

// TryAcquire attempts to take the named lock for owner until expiresAt.
// Returns gerror.ErrLockFailed if another owner holds an unexpired lease.
func (d *LockStore) TryAcquire(ctx context.Context, name, owner string, expiresAt models.Time) error {
	return d.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		current := &lease{}
		var found bool
		err := d.db.Read(tx, func(db store.Reader) error {
			ds := goqu.Dialect(d.db.DriverName()).From(leasesTable).
				Select(current).
				Where(goqu.Ex{"lock_lease_name": name}).
				Limit(1)
			query, args, err := ds.ToSQL()
			if err != nil {
				return fmt.Errorf("error generating query: %w", err)
			}
			found, err = db.ScanStructContext(ctx, current, query, args...)
			return err
		})
		if err != nil {
			return store.MakeStandardDBError(err)
		}
		now := models.NewTime(time.Now())
		if found && current.Owner != owner && current.ExpiresAt.After(now.Time) {
			return gerror.NewErrLockFailed(fmt.Sprintf("lock %q is held by another owner", name))
		}
		newLease := &lease{Name: name, Owner: owner, ExpiresAt: expiresAt}
		return d.db.Write(tx, func(db store.Writer) error {
			if found {
				_, err := db.Update(leasesTable).Set(newLease).
					Where(goqu.Ex{"lock_lease_name": name}).
					Executor().ExecContext(ctx)
				if err != nil {
					return fmt.Errorf("error updating lease: %w", store.MakeStandardDBError(err))
				}
				return nil
			}
			_, err := db.Insert(leasesTable).Rows(newLease).Executor().ExecContext(ctx)
			if err != nil {
				return fmt.Errorf("error inserting lease: %w", store.MakeStandardDBError(err))
			}
			return nil
		})
	})
}

// Release drops the named lock if it is held by owner. Releasing a lock
// that is not held is a no-op.
func (d *LockStore) Release(ctx context.Context, name, owner string) error {
	return d.db.Write(nil, func(db store.Writer) error {
		_, err := db.Delete(leasesTable).
			Where(goqu.Ex{"lock_lease_name": name, "lock_lease_owner": owner}).
			Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error releasing lease: %w", store.MakeStandardDBError(err))
		}
		return nil
	})
}

// Refresh extends the lease on the named lock if it is held by owner.
// Returns gerror.ErrLockFailed if the lock is no longer held by owner.
func (d *LockStore) Refresh(ctx context.Context, name, owner string, expiresAt models.Time) error {
	return d.db.Write(nil, func(db store.Writer) error {
		res, err := db.Update(leasesTable).
			Set(goqu.Record{"lock_lease_expires_at": expiresAt}).
			Where(goqu.Ex{"lock_lease_name": name, "lock_lease_owner": owner}).
			Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error refreshing lease: %w", store.MakeStandardDBError(err))
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("error reading rows affected: %w", store.MakeStandardDBError(err))
		}
		if rowsAffected == 0 {
			return gerror.NewErrLockFailed(fmt.Sprintf("lock %q is no longer held", name))
		}
		return nil
	})
}
