package slaves

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/store"
)

func init() {
	store.MustDBModel(&models.Slave{})
}

const repoSlavesTable = "repo_slaves"

type SlaveStore struct {
	table *store.ResourceTable
	db    *store.DB
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *SlaveStore {
	return &SlaveStore{
		table: store.NewResourceTable(db, logFactory, &models.Slave{}),
		db:    db,
	}
}

// Create a new slave. An on-demand slave with no host yet is persisted with
// the dynamic host sentinel.
// Returns gerror.ErrAlreadyExists if a slave with the same name exists.
func (d *SlaveStore) Create(ctx context.Context, txOrNil *store.Tx, slave *models.Slave) error {
	if slave.Host == "" {
		slave.Host = models.DynamicHost
	}
	return d.table.Create(ctx, txOrNil, slave)
}

// Read an existing slave, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the slave does not exist.
func (d *SlaveStore) Read(ctx context.Context, txOrNil *store.Tx, id models.SlaveID) (*models.Slave, error) {
	slave := &models.Slave{}
	return slave, d.table.ReadByID(ctx, txOrNil, id.ResourceID, slave)
}

// ReadByName reads an existing slave, looking it up by name.
// Returns gerror.ErrNotFound if the slave does not exist.
func (d *SlaveStore) ReadByName(ctx context.Context, txOrNil *store.Tx, name string) (*models.Slave, error) {
	slave := &models.Slave{}
	return slave, d.table.ReadWhere(ctx, txOrNil, slave, goqu.Ex{"slave_name": name})
}

// Update an existing slave. Overrides all previous values using the
// supplied model. Callers mutating queue or running state must hold the
// slave's write-lock.
func (d *SlaveStore) Update(ctx context.Context, txOrNil *store.Tx, slave *models.Slave) error {
	if slave.Host == "" {
		slave.Host = models.DynamicHost
	}
	return d.table.UpdateByID(ctx, txOrNil, slave)
}

// Delete removes a slave permanently.
func (d *SlaveStore) Delete(ctx context.Context, txOrNil *store.Tx, id models.SlaveID) error {
	return d.table.DeleteByID(ctx, txOrNil, id.ResourceID)
}

// List returns all slaves, newest first.
func (d *SlaveStore) List(ctx context.Context, txOrNil *store.Tx) ([]*models.Slave, error) {
	var slaves []*models.Slave
	ds := d.table.Dialect().From(d.table.TableName()).Select(&models.Slave{})
	err := d.table.ListIn(ctx, txOrNil, &slaves, ds)
	return slaves, err
}

// ListByRepo returns the slaves assigned to the repo.
func (d *SlaveStore) ListByRepo(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID) ([]*models.Slave, error) {
	var slaves []*models.Slave
	ds := d.table.Dialect().From(d.table.TableName()).
		Select(&models.Slave{}).
		Join(goqu.T(repoSlavesTable), goqu.On(
			goqu.Ex{"slaves.slave_id": goqu.I("repo_slaves.repo_slave_slave_id")})).
		Where(goqu.Ex{"repo_slaves.repo_slave_repo_id": repoID})
	err := d.table.ListIn(ctx, txOrNil, &slaves, ds)
	return slaves, err
}

// AddToRepo assigns a slave to a repo. Adding the same slave twice is a
// no-op.
func (d *SlaveStore) AddToRepo(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID, slaveID models.SlaveID) error {
	return d.db.Write(txOrNil, func(db store.Writer) error {
		_, err := db.Insert(repoSlavesTable).
			Rows(goqu.Record{
				"repo_slave_repo_id":  repoID,
				"repo_slave_slave_id": slaveID,
			}).
			OnConflict(goqu.DoNothing()).
			Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing create query: %w", store.MakeStandardDBError(err))
		}
		return nil
	})
}

// RemoveFromRepo unassigns a slave from a repo.
func (d *SlaveStore) RemoveFromRepo(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID, slaveID models.SlaveID) error {
	return d.db.Write(txOrNil, func(db store.Writer) error {
		_, err := db.Delete(repoSlavesTable).
			Where(goqu.Ex{
				"repo_slave_repo_id":  repoID,
				"repo_slave_slave_id": slaveID,
			}).
			Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing delete query: %w", store.MakeStandardDBError(err))
		}
		return nil
	})
}
