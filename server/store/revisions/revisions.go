package revisions

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/store"
)

func init() {
	store.MustDBModel(&models.Revision{})
}

type RevisionStore struct {
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *RevisionStore {
	return &RevisionStore{
		table: store.NewResourceTable(db, logFactory, &models.Revision{}),
	}
}

// Create a new revision.
// Returns gerror.ErrAlreadyExists if the commit was already recorded for
// the repo and branch.
func (d *RevisionStore) Create(ctx context.Context, txOrNil *store.Tx, revision *models.Revision) error {
	return d.table.Create(ctx, txOrNil, revision)
}

// Read an existing revision, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the revision does not exist.
func (d *RevisionStore) Read(ctx context.Context, txOrNil *store.Tx, id models.RevisionID) (*models.Revision, error) {
	revision := &models.Revision{}
	return revision, d.table.ReadByID(ctx, txOrNil, id.ResourceID, revision)
}

// ListByRepo returns the revisions of a repo, newest first.
func (d *RevisionStore) ListByRepo(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID) ([]*models.Revision, error) {
	var revisions []*models.Revision
	ds := d.table.Dialect().From(d.table.TableName()).
		Select(&models.Revision{}).
		Where(goqu.Ex{"revision_repo_id": repoID})
	err := d.table.ListIn(ctx, txOrNil, &revisions, ds)
	return revisions, err
}

// LatestCommitDates returns, per branch, the commit date of the most recent
// known revision of the repo. Used to tell the poller where to resume.
func (d *RevisionStore) LatestCommitDates(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID) (map[string]models.Time, error) {
	revisions, err := d.ListByRepo(ctx, txOrNil, repoID)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]models.Time)
	for _, revision := range revisions {
		if current, ok := latest[revision.Branch]; !ok || revision.CommitDate.After(current.Time) {
			latest[revision.Branch] = revision.CommitDate
		}
	}
	return latest, nil
}
