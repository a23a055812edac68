package builders

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/store"
)

func init() {
	store.MustDBModel(&models.Builder{})
}

type BuilderStore struct {
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *BuilderStore {
	return &BuilderStore{
		table: store.NewResourceTable(db, logFactory, &models.Builder{}),
	}
}

// Read an existing builder, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the builder does not exist.
func (d *BuilderStore) Read(ctx context.Context, txOrNil *store.Tx, id models.BuilderID) (*models.Builder, error) {
	builder := &models.Builder{}
	return builder, d.table.ReadByID(ctx, txOrNil, id.ResourceID, builder)
}

// ReadByName reads an existing builder, looking it up by repo and name.
// Returns gerror.ErrNotFound if the builder does not exist.
func (d *BuilderStore) ReadByName(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID, name string) (*models.Builder, error) {
	builder := &models.Builder{}
	return builder, d.table.ReadWhere(ctx, txOrNil, builder,
		goqu.Ex{"builder_repo_id": repoID, "builder_name": name})
}

// FindOrCreate locates the builder with the given repo and name, creating it
// with the supplied position if it does not exist. When the builder already
// exists with a different position, the position is updated in place so the
// display order follows the build config.
func (d *BuilderStore) FindOrCreate(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID, name string, position int) (*models.Builder, error) {
	resource, _, err := d.table.FindOrCreate(ctx, txOrNil,
		func(ctx context.Context, tx *store.Tx) (models.Resource, error) {
			return d.ReadByName(ctx, tx, repoID, name)
		},
		func(ctx context.Context, tx *store.Tx) (models.Resource, error) {
			builder := models.NewBuilder(models.NewTime(time.Now()), repoID, name, position)
			err := d.table.Create(ctx, tx, builder)
			if err != nil {
				return nil, err
			}
			return builder, nil
		},
	)
	if err != nil {
		return nil, err
	}
	builder := resource.(*models.Builder)
	if builder.Position != position {
		builder.Position = position
		err = d.table.UpdateByID(ctx, txOrNil, builder)
		if err != nil {
			return nil, err
		}
	}
	return builder, nil
}

// ListByRepo returns all builders of a repo ordered by their position.
func (d *BuilderStore) ListByRepo(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID) ([]*models.Builder, error) {
	var builders []*models.Builder
	ds := d.table.Dialect().From(d.table.TableName()).
		Select(&models.Builder{}).
		Where(goqu.Ex{"builder_repo_id": repoID}).
		Order(goqu.I("builder_position").Asc()).
		OrderAppend(goqu.I("builder_name").Asc())
	err := d.table.ListInOrder(ctx, txOrNil, &builders, ds)
	return builders, err
}
