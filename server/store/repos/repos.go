package repos

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/store"
)

func init() {
	store.MustDBModel(&models.Repo{})
}

type RepoStore struct {
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *RepoStore {
	return &RepoStore{
		table: store.NewResourceTable(db, logFactory, &models.Repo{}),
	}
}

// Create a new repo.
// Returns gerror.ErrAlreadyExists if a repo with matching unique properties
// already exists.
func (d *RepoStore) Create(ctx context.Context, txOrNil *store.Tx, repo *models.Repo) error {
	return d.table.Create(ctx, txOrNil, repo)
}

// Read an existing repo, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the repo does not exist.
func (d *RepoStore) Read(ctx context.Context, txOrNil *store.Tx, id models.RepoID) (*models.Repo, error) {
	repo := &models.Repo{}
	return repo, d.table.ReadByID(ctx, txOrNil, id.ResourceID, repo)
}

// ReadByURL reads an existing repo, looking it up by its clone URL.
// Returns gerror.ErrNotFound if the repo does not exist.
func (d *RepoStore) ReadByURL(ctx context.Context, txOrNil *store.Tx, url string) (*models.Repo, error) {
	repo := &models.Repo{}
	return repo, d.table.ReadWhere(ctx, txOrNil, repo, goqu.Ex{"repo_url": url})
}

// Update an existing repo. Overrides all previous values using the supplied
// model.
func (d *RepoStore) Update(ctx context.Context, txOrNil *store.Tx, repo *models.Repo) error {
	return d.table.UpdateByID(ctx, txOrNil, repo)
}

// List returns all enabled repos, newest first.
func (d *RepoStore) List(ctx context.Context, txOrNil *store.Tx) ([]*models.Repo, error) {
	var repos []*models.Repo
	ds := d.table.Dialect().From(d.table.TableName()).
		Select(&models.Repo{}).
		Where(goqu.Ex{"repo_enabled": true})
	err := d.table.ListIn(ctx, txOrNil, &repos, ds)
	return repos, err
}

// Delete removes a repo permanently.
func (d *RepoStore) Delete(ctx context.Context, txOrNil *store.Tx, id models.RepoID) error {
	return d.table.DeleteByID(ctx, txOrNil, id.ResourceID)
}
