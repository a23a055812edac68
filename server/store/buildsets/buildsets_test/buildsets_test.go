package buildsets_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/toxicmaster/common/gerror"
	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/store/builders"
	"github.com/toxicbuild/toxicmaster/server/store/buildsets"
	"github.com/toxicbuild/toxicmaster/server/store/repos"
	"github.com/toxicbuild/toxicmaster/server/store/revisions"
	"github.com/toxicbuild/toxicmaster/server/store/store_test"
)

type fixture struct {
	repos     *repos.RepoStore
	revisions *revisions.RevisionStore
	builders  *builders.BuilderStore
	buildsets *buildsets.BuildsetStore

	repo     *models.Repo
	revision *models.Revision
	builder  *models.Builder
}

func newFixture(t *testing.T) *fixture {
	logFactory := logger.LogFactory(logger.NoOpLogFactory)
	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	f := &fixture{
		repos:     repos.NewStore(db, logFactory),
		revisions: revisions.NewStore(db, logFactory),
		builders:  builders.NewStore(db, logFactory),
		buildsets: buildsets.NewStore(db, logFactory),
	}
	ctx := context.Background()
	now := models.NewTime(time.Now())

	f.repo = models.NewRepo(now, "myrepo", "git@somewhere.net/myrepo.git", "git", "owner", 0)
	require.NoError(t, f.repos.Create(ctx, nil, f.repo))

	f.revision = models.NewRevision(now, f.repo.ID, "asdf1234", now, "master", "zezinho", "a commit")
	require.NoError(t, f.revisions.Create(ctx, nil, f.revision))

	f.builder, err = f.builders.FindOrCreate(ctx, nil, f.repo.ID, "unit-tests", 0)
	require.NoError(t, err)
	return f
}

func (f *fixture) newBuildset(t *testing.T, ctx context.Context, buildNumbers ...int) *models.Buildset {
	buildset := models.NewBuildset(models.NewTime(time.Now()), f.revision)
	for _, number := range buildNumbers {
		build := models.NewBuild(buildset.ID, f.repo.ID, f.builder, number,
			"master", f.revision.Commit, "", nil)
		buildset.Builds = append(buildset.Builds, build)
	}
	require.NoError(t, f.buildsets.Create(ctx, nil, buildset))
	return buildset
}

func TestBuildsetNumbersAreMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.newBuildset(t, ctx, 1)
	second := f.newBuildset(t, ctx, 2)
	third := f.newBuildset(t, ctx)

	assert.Equal(t, 1, first.Number)
	assert.Equal(t, 2, second.Number)
	assert.Equal(t, 3, third.Number)

	number, err := f.buildsets.MaxBuildNumber(ctx, nil, f.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, number)
}

func TestReadBuildsetLoadsBuildsAndSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buildset := f.newBuildset(t, ctx, 1)
	build := buildset.Builds[0]
	now := models.NewTime(time.Now())
	for i := 0; i < 2; i++ {
		step := &models.BuildStep{
			UUID:      uuid.New(),
			BuildUUID: build.UUID,
			RepoID:    f.repo.ID,
			Name:      "step",
			Command:   "ls",
			Status:    models.StatusRunning,
			Index:     1 - i,
			StartedAt: &now,
		}
		require.NoError(t, f.buildsets.CreateStep(ctx, nil, step))
	}

	loaded, err := f.buildsets.Read(ctx, nil, buildset.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Builds, 1)
	require.Len(t, loaded.Builds[0].Steps, 2)
	// Steps come back ordered by index regardless of insertion order.
	assert.Equal(t, 0, loaded.Builds[0].Steps[0].Index)
	assert.Equal(t, 1, loaded.Builds[0].Steps[1].Index)
}

func TestReadBuildNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.buildsets.ReadBuild(context.Background(), nil, uuid.New())
	require.Error(t, err)
	assert.True(t, gerror.IsNotFound(err))
}

func TestUpdateMissingBuildFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buildset := f.newBuildset(t, ctx, 1)
	build := buildset.Builds[0]

	build.Status = models.StatusRunning
	require.NoError(t, f.buildsets.UpdateBuild(ctx, nil, build))

	missing := models.NewBuild(buildset.ID, f.repo.ID, f.builder, 99, "master", "asdf", "", nil)
	err := f.buildsets.UpdateBuild(ctx, nil, missing)
	require.Error(t, err)
	assert.True(t, gerror.IsDBError(err))
}

func TestUpdateMissingStepFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buildset := f.newBuildset(t, ctx, 1)
	step := &models.BuildStep{
		UUID:      uuid.New(),
		BuildUUID: buildset.Builds[0].UUID,
		RepoID:    f.repo.ID,
		Name:      "step",
		Command:   "ls",
		Status:    models.StatusRunning,
	}
	err := f.buildsets.UpdateStep(ctx, nil, step)
	require.Error(t, err)
	assert.True(t, gerror.IsDBError(err))
}

func TestListPendingByRepo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.newBuildset(t, ctx, 1)
	finished := f.newBuildset(t, ctx, 2)
	finished.Builds[0].Status = models.StatusSuccess
	require.NoError(t, f.buildsets.UpdateBuild(ctx, nil, finished.Builds[0]))

	list, err := f.buildsets.ListPendingByRepo(ctx, nil, f.repo.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID, list[0].ID)
}

func TestListEarlierWithStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.newBuildset(t, ctx, 1)
	// Creation times order the buildsets, keep them distinct.
	time.Sleep(2 * time.Millisecond)
	newer := f.newBuildset(t, ctx, 2)

	earlier, err := f.buildsets.ListEarlierWithStatuses(ctx, nil, newer,
		[]models.Status{models.StatusPending, models.StatusRunning})
	require.NoError(t, err)
	require.Len(t, earlier, 1)
	assert.Equal(t, old.ID, earlier[0].ID)

	// The newest buildset sees nothing newer than itself.
	earlier, err = f.buildsets.ListEarlierWithStatuses(ctx, nil, old,
		[]models.Status{models.StatusPending, models.StatusRunning})
	require.NoError(t, err)
	assert.Empty(t, earlier)
}
