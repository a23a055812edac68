package buildsets

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"github.com/toxicbuild/toxicmaster/common/gerror"
	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/store"
)

func init() {
	store.MustDBModel(&models.Buildset{})
}

const (
	buildsTable = "builds"
	stepsTable  = "build_steps"
)

// BuildsetStore persists buildsets together with their builds and steps.
// A buildset owns its build rows and a build owns its step rows; they are
// written together in one transaction. Build and step mutations are
// conditional updates keyed by uuid so a late frame for a removed build
// fails instead of resurrecting it.
type BuildsetStore struct {
	logger.Log
	table *store.ResourceTable
	db    *store.DB
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *BuildsetStore {
	return &BuildsetStore{
		Log:   logFactory("buildset_store"),
		table: store.NewResourceTable(db, logFactory, &models.Buildset{}),
		db:    db,
	}
}

func (d *BuildsetStore) dialect() goqu.DialectWrapper {
	return d.table.Dialect()
}

// Create persists a new buildset and any builds already attached to it.
// The buildset number is assigned here, one above the highest number the
// repo has seen.
func (d *BuildsetStore) Create(ctx context.Context, txOrNil *store.Tx, buildset *models.Buildset) error {
	return d.db.WithTx(ctx, txOrNil, func(tx *store.Tx) error {
		number, err := d.maxBuildsetNumber(ctx, tx, buildset.RepoID)
		if err != nil {
			return fmt.Errorf("error reading max buildset number: %w", err)
		}
		buildset.Number = number + 1
		err = d.table.Create(ctx, tx, buildset)
		if err != nil {
			return err
		}
		for _, build := range buildset.Builds {
			err = d.CreateBuild(ctx, tx, build)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Read an existing buildset, looking it up by ResourceID. The buildset's
// builds and their steps are loaded as well.
// Returns gerror.ErrNotFound if the buildset does not exist.
func (d *BuildsetStore) Read(ctx context.Context, txOrNil *store.Tx, id models.BuildsetID) (*models.Buildset, error) {
	buildset := &models.Buildset{}
	err := d.table.ReadByID(ctx, txOrNil, id.ResourceID, buildset)
	if err != nil {
		return nil, err
	}
	buildset.Builds, err = d.ListBuilds(ctx, txOrNil, id)
	if err != nil {
		return nil, err
	}
	return buildset, nil
}

// Update an existing buildset row. Builds are not touched.
func (d *BuildsetStore) Update(ctx context.Context, txOrNil *store.Tx, buildset *models.Buildset) error {
	return d.table.UpdateByID(ctx, txOrNil, buildset)
}

// maxBuildsetNumber returns the highest buildset number assigned for the
// repo, or zero when it has none.
func (d *BuildsetStore) maxBuildsetNumber(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID) (int, error) {
	var number *int
	err := d.db.Read(txOrNil, func(db store.Reader) error {
		ds := d.dialect().From(d.table.TableName()).
			Select(goqu.MAX("buildset_number")).
			Where(goqu.Ex{"buildset_repo_id": repoID})
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		_, err = db.ScanValContext(ctx, &number, query, args...)
		return err
	})
	if err != nil {
		return 0, store.MakeStandardDBError(err)
	}
	if number == nil {
		return 0, nil
	}
	return *number, nil
}

// MaxBuildNumber returns the highest build number assigned for the repo
// across all of its buildsets, or zero when it has none.
func (d *BuildsetStore) MaxBuildNumber(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID) (int, error) {
	var number *int
	err := d.db.Read(txOrNil, func(db store.Reader) error {
		ds := d.dialect().From(buildsTable).
			Select(goqu.MAX("build_number")).
			Where(goqu.Ex{"build_repo_id": repoID})
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		_, err = db.ScanValContext(ctx, &number, query, args...)
		return err
	})
	if err != nil {
		return 0, store.MakeStandardDBError(err)
	}
	if number == nil {
		return 0, nil
	}
	return *number, nil
}

// CreateBuild appends a build to its buildset.
func (d *BuildsetStore) CreateBuild(ctx context.Context, txOrNil *store.Tx, build *models.Build) error {
	err := build.Validate()
	if err != nil {
		return fmt.Errorf("error build invalid: %w", err)
	}
	return d.db.Write(txOrNil, func(db store.Writer) error {
		_, err := db.Insert(buildsTable).Rows(build).Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing create query: %w", store.MakeStandardDBError(err))
		}
		return nil
	})
}

// ReadBuild reads a build by uuid, including its steps ordered by index.
// Returns gerror.ErrNotFound if the build does not exist.
func (d *BuildsetStore) ReadBuild(ctx context.Context, txOrNil *store.Tx, buildUUID uuid.UUID) (*models.Build, error) {
	build := &models.Build{}
	err := d.db.Read(txOrNil, func(db store.Reader) error {
		ds := d.dialect().From(buildsTable).
			Select(build).
			Where(goqu.Ex{"build_uuid": buildUUID}).
			Limit(1)
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		found, err := db.ScanStructContext(ctx, build, query, args...)
		if err != nil {
			return store.MakeStandardDBError(err)
		}
		if !found {
			return gerror.NewErrNotFound("Not Found")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	build.Steps, err = d.ListSteps(ctx, txOrNil, buildUUID)
	if err != nil {
		return nil, err
	}
	return build, nil
}

// UpdateBuild updates the build row identified by the build's uuid.
// The update is conditional on the uuid matching an existing row; if it
// matches none, gerror.ErrDBError is returned and nothing is written.
func (d *BuildsetStore) UpdateBuild(ctx context.Context, txOrNil *store.Tx, build *models.Build) error {
	err := build.Validate()
	if err != nil {
		return fmt.Errorf("error build invalid: %w", err)
	}
	return d.db.Write(txOrNil, func(db store.Writer) error {
		res, err := db.Update(buildsTable).Set(build).
			Where(goqu.Ex{"build_uuid": build.UUID}).
			Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing update query: %w", store.MakeStandardDBError(err))
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("error reading rows affected: %w", store.MakeStandardDBError(err))
		}
		if rowsAffected == 0 {
			return gerror.NewErrDBError(fmt.Sprintf("build %s does not exist", build.UUID))
		}
		return nil
	})
}

// ListBuilds returns the builds of a buildset in build-number order,
// including their steps.
func (d *BuildsetStore) ListBuilds(ctx context.Context, txOrNil *store.Tx, buildsetID models.BuildsetID) ([]*models.Build, error) {
	var builds []*models.Build
	err := d.db.Read(txOrNil, func(db store.Reader) error {
		ds := d.dialect().From(buildsTable).
			Select(&models.Build{}).
			Where(goqu.Ex{"build_buildset_id": buildsetID}).
			Order(goqu.I("build_number").Asc())
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		return db.ScanStructsContext(ctx, &builds, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	for _, build := range builds {
		build.Steps, err = d.ListSteps(ctx, txOrNil, build.UUID)
		if err != nil {
			return nil, err
		}
	}
	return builds, nil
}

// CreateStep appends a step to its build.
func (d *BuildsetStore) CreateStep(ctx context.Context, txOrNil *store.Tx, step *models.BuildStep) error {
	err := step.Validate()
	if err != nil {
		return fmt.Errorf("error step invalid: %w", err)
	}
	return d.db.Write(txOrNil, func(db store.Writer) error {
		_, err := db.Insert(stepsTable).Rows(step).Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing create query: %w", store.MakeStandardDBError(err))
		}
		return nil
	})
}

// UpdateStep updates the step row identified by the step's uuid.
// The update is conditional on the uuid matching an existing row; if it
// matches none, gerror.ErrDBError is returned and nothing is written.
func (d *BuildsetStore) UpdateStep(ctx context.Context, txOrNil *store.Tx, step *models.BuildStep) error {
	err := step.Validate()
	if err != nil {
		return fmt.Errorf("error step invalid: %w", err)
	}
	return d.db.Write(txOrNil, func(db store.Writer) error {
		res, err := db.Update(stepsTable).Set(step).
			Where(goqu.Ex{"build_step_uuid": step.UUID}).
			Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing update query: %w", store.MakeStandardDBError(err))
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("error reading rows affected: %w", store.MakeStandardDBError(err))
		}
		if rowsAffected == 0 {
			return gerror.NewErrDBError(fmt.Sprintf("step %s does not exist", step.UUID))
		}
		return nil
	})
}

// ListSteps returns the steps of a build ordered by index.
func (d *BuildsetStore) ListSteps(ctx context.Context, txOrNil *store.Tx, buildUUID uuid.UUID) ([]*models.BuildStep, error) {
	var steps []*models.BuildStep
	err := d.db.Read(txOrNil, func(db store.Reader) error {
		ds := d.dialect().From(stepsTable).
			Select(&models.BuildStep{}).
			Where(goqu.Ex{"build_step_build_uuid": buildUUID}).
			Order(goqu.I("build_step_index").Asc())
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		return db.ScanStructsContext(ctx, &steps, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return steps, nil
}

// ListPendingByRepo returns the buildsets of the repo that still contain at
// least one pending build, oldest first.
func (d *BuildsetStore) ListPendingByRepo(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID) ([]*models.Buildset, error) {
	return d.listWithBuildStatuses(ctx, txOrNil, repoID, "", nil, []models.Status{models.StatusPending})
}

// ListEarlierWithStatuses returns the buildsets of the repo on the given
// branch, created before the given buildset, that contain at least one
// build whose status is in statuses. Oldest first.
func (d *BuildsetStore) ListEarlierWithStatuses(
	ctx context.Context,
	txOrNil *store.Tx,
	buildset *models.Buildset,
	statuses []models.Status,
) ([]*models.Buildset, error) {
	return d.listWithBuildStatuses(ctx, txOrNil, buildset.RepoID, buildset.Branch, &buildset.CreatedAt, statuses)
}

func (d *BuildsetStore) listWithBuildStatuses(
	ctx context.Context,
	txOrNil *store.Tx,
	repoID models.RepoID,
	branch string,
	createdBefore *models.Time,
	statuses []models.Status,
) ([]*models.Buildset, error) {
	var buildsets []*models.Buildset
	err := d.db.Read(txOrNil, func(db store.Reader) error {
		sub := d.dialect().From(buildsTable).
			Select(goqu.I("build_buildset_id")).
			Where(goqu.Ex{"build_status": statuses})
		ds := d.dialect().From(d.table.TableName()).
			Select(&models.Buildset{}).
			Where(goqu.Ex{"buildset_repo_id": repoID}).
			Where(goqu.I("buildset_id").In(sub)).
			Order(goqu.I("buildset_created_at").Asc()).
			OrderAppend(goqu.I("buildset_number").Asc())
		if branch != "" {
			ds = ds.Where(goqu.Ex{"buildset_branch": branch})
		}
		if createdBefore != nil {
			ds = ds.Where(goqu.C("buildset_created_at").Lt(*createdBefore))
		}
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.table.LogQuery(query, args)
		return db.ScanStructsContext(ctx, &buildsets, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	for _, buildset := range buildsets {
		buildset.Builds, err = d.ListBuilds(ctx, txOrNil, buildset.ID)
		if err != nil {
			return nil, err
		}
	}
	return buildsets, nil
}
