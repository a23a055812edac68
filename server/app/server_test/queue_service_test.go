package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/common/protocol"
	"github.com/toxicbuild/toxicmaster/server/clients"
)

const singleBuilderConfig = "builders:\n  - name: unit-tests\n"

// successBuildHandler streams a one-step successful build session for every
// build request it gets.
func successBuildHandler(app *TestServer) FakeSlaveHandler {
	return func(req *protocol.Request, send SendFunc) {
		if req.Action != "build" {
			return
		}
		now := wireNow(app)
		stepUUID := uuid.New()
		send(frame(clients.MessageBuildInfo, map[string]interface{}{
			"status": "running", "started": now,
		}))
		send(frame(clients.MessageStepInfo, map[string]interface{}{
			"uuid": stepUUID, "cmd": "ls", "name": "list files",
			"status": "running", "output": "", "started": now, "index": 0,
		}))
		send(frame(clients.MessageStepInfo, map[string]interface{}{
			"uuid": stepUUID, "cmd": "ls", "name": "list files",
			"status": "success", "output": "ok\n",
			"started": now, "finished": now, "index": 0,
		}))
		send(frame(clients.MessageBuildInfo, map[string]interface{}{
			"status": "success", "started": now, "finished": now,
		}))
	}
}

// assertEventOrder checks that want appears as a subsequence of the
// published event names.
func assertEventOrder(t *testing.T, app *TestServer, want ...models.EventName) {
	t.Helper()
	names := app.NotifyService.EventNames()
	i := 0
	for _, name := range names {
		if i < len(want) && name == want[i] {
			i++
		}
	}
	assert.Equal(t, len(want), i, "event order %v not found in %v", want, names)
}

func TestAddBuildsSkipMarker(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	repo := CreateRepo(t, ctx, app)
	revision := CreateRevision(t, ctx, app, repo, "master", singleBuilderConfig)
	revision.Body = "typo fix\n\nci: skip"

	require.NoError(t, app.QueueService.AddBuilds(ctx, []*models.Revision{revision}))
	app.QueueService.Wait()

	pending, err := app.BuildsetStore.ListPendingByRepo(ctx, nil, repo.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, app.NotifyService.EventNames())
}

func TestAddBuildsNoConfig(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	repo := CreateRepo(t, ctx, app)
	revision := CreateRevision(t, ctx, app, repo, "master", "")

	require.NoError(t, app.QueueService.AddBuilds(ctx, []*models.Revision{revision}))
	app.QueueService.Wait()

	events := app.NotifyService.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventBuildsetAdded, events[0].Name)
	assert.Equal(t, models.StatusNoConfig, events[0].Status)

	buildset, err := app.BuildsetStore.Read(ctx, nil, events[0].BuildsetID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoConfig, buildset.Status)
	assert.Empty(t, buildset.Builds)
}

func TestAddBuildsNoBuildersForBranch(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	repo := CreateRepo(t, ctx, app)
	config := "builders:\n  - name: docs\n    branches: [master]\n"
	revision := CreateRevision(t, ctx, app, repo, "feature-x", config)

	require.NoError(t, app.QueueService.AddBuilds(ctx, []*models.Revision{revision}))
	app.QueueService.Wait()

	events := app.NotifyService.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventBuildsetAdded, events[0].Name)
	assert.Equal(t, models.StatusNoBuilds, events[0].Status)
}

func TestAddBuildsRunsPipeline(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	worker := StartFakeSlave(t, successBuildHandler(app))

	repo := CreateRepo(t, ctx, app)
	repo.Envvars = models.KVMap{"CI": "true"}
	require.NoError(t, app.RepoStore.Update(ctx, nil, repo))
	app.SecretsService.SetSecret("API_TOKEN", "s3cr3t")

	CreateSlave(t, ctx, app, repo, worker.Host(), worker.Port())
	revision := CreateRevision(t, ctx, app, repo, "master", singleBuilderConfig)

	require.NoError(t, app.QueueService.AddBuilds(ctx, []*models.Revision{revision}))
	app.QueueService.Wait()

	// The worker got the repo environment and the owner's secrets.
	requests := worker.RequestsFor("build")
	require.Len(t, requests, 1)
	buildReq := &clients.BuildRequest{}
	DecodeRequestBody(t, requests[0], buildReq)
	assert.Equal(t, "true", buildReq.Envvars["CI"])
	assert.Equal(t, "s3cr3t", buildReq.Envvars["API_TOKEN"])

	fresh, err := app.RepoStore.Read(ctx, nil, repo.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.LatestBuildsetID)
	assert.Equal(t, 0, fresh.RunningBuilds)

	buildset, err := app.BuildsetStore.Read(ctx, nil, *fresh.LatestBuildsetID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, buildset.Status)
	assert.NotNil(t, buildset.StartedAt)
	assert.NotNil(t, buildset.FinishedAt)
	require.Len(t, buildset.Builds, 1)
	assert.Equal(t, models.StatusSuccess, buildset.Builds[0].Status)

	assertEventOrder(t, app,
		models.EventBuildsetAdded,
		models.EventBuildAdded,
		models.EventBuildsetStarted,
		models.EventBuildStarted,
		models.EventStepStarted,
		models.EventStepFinished,
		models.EventBuildFinished,
		models.EventBuildsetFinished,
	)
}

func TestAddBuildsExternalRevisionGetsNoSecrets(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	worker := StartFakeSlave(t, successBuildHandler(app))

	repo := CreateRepo(t, ctx, app)
	repo.Envvars = models.KVMap{"CI": "true"}
	require.NoError(t, app.RepoStore.Update(ctx, nil, repo))
	app.SecretsService.SetSecret("API_TOKEN", "s3cr3t")

	CreateSlave(t, ctx, app, repo, worker.Host(), worker.Port())
	revision := CreateRevision(t, ctx, app, repo, "master", singleBuilderConfig)
	revision.External = &models.ExternalRevision{
		URL:        "git@elsewhere.net/fork.git",
		Name:       "fork",
		Branch:     "feature",
		IntoBranch: "master",
	}

	require.NoError(t, app.QueueService.AddBuilds(ctx, []*models.Revision{revision}))
	app.QueueService.Wait()

	requests := worker.RequestsFor("build")
	require.Len(t, requests, 1)
	buildReq := &clients.BuildRequest{}
	DecodeRequestBody(t, requests[0], buildReq)
	assert.Equal(t, "true", buildReq.Envvars["CI"])
	// Secrets never reach builds of code from outside the repo.
	_, hasSecret := buildReq.Envvars["API_TOKEN"]
	assert.False(t, hasSecret)
	require.NotNil(t, buildReq.External)
	assert.Equal(t, "fork", buildReq.External.Name)
}

func TestNoSlavesBuildsStayQueued(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	repo := CreateRepo(t, ctx, app)
	revision := CreateRevision(t, ctx, app, repo, "master", singleBuilderConfig)

	require.NoError(t, app.QueueService.AddBuilds(ctx, []*models.Revision{revision}))
	app.QueueService.Wait()

	pending, err := app.BuildsetStore.ListPendingByRepo(ctx, nil, repo.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.StatusPending, pending[0].Builds[0].Status)
}

func TestStartPendingResumes(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	worker := StartFakeSlave(t, successBuildHandler(app))

	repo := CreateRepo(t, ctx, app)
	revision := CreateRevision(t, ctx, app, repo, "master", singleBuilderConfig)
	buildset := CreateBuildsetWithBuilds(t, ctx, app, repo, revision, "unit-tests")
	CreateSlave(t, ctx, app, repo, worker.Host(), worker.Port())

	require.NoError(t, app.QueueService.StartPending(ctx))
	app.QueueService.Wait()

	finished, err := app.BuildsetStore.Read(ctx, nil, buildset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, finished.Status)
}

func TestCancelBuildPending(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	repo := CreateRepo(t, ctx, app)
	slave := CreateSlave(t, ctx, app, repo, "127.0.0.1", 1234)
	revision := CreateRevision(t, ctx, app, repo, "master", singleBuilderConfig)
	buildset := CreateBuildsetWithBuilds(t, ctx, app, repo, revision, "unit-tests")
	build := buildset.Builds[0]

	// The build sits in a slave queue, like after scheduling.
	_, err := app.SlaveService.EnqueueBuild(ctx, slave, build)
	require.NoError(t, err)
	build.SlaveID = &slave.ID
	require.NoError(t, app.BuildsetStore.UpdateBuild(ctx, nil, build))

	require.NoError(t, app.QueueService.CancelBuild(ctx, build.UUID))

	cancelled, err := app.BuildsetStore.ReadBuild(ctx, nil, build.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	// The cancelled build no longer occupies the slave queue.
	fresh, err := app.SlaveStore.Read(ctx, nil, slave.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.QueueCount)

	assert.Contains(t, app.NotifyService.EventNames(), models.EventBuildCancelled)
}

func TestCancelBuildTerminalIsNoOp(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	repo := CreateRepo(t, ctx, app)
	revision := CreateRevision(t, ctx, app, repo, "master", singleBuilderConfig)
	buildset := CreateBuildsetWithBuilds(t, ctx, app, repo, revision, "unit-tests")
	build := buildset.Builds[0]
	build.Status = models.StatusSuccess
	require.NoError(t, app.BuildsetStore.UpdateBuild(ctx, nil, build))

	require.NoError(t, app.QueueService.CancelBuild(ctx, build.UUID))

	unchanged, err := app.BuildsetStore.ReadBuild(ctx, nil, build.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, unchanged.Status)
	assert.NotContains(t, app.NotifyService.EventNames(), models.EventBuildCancelled)
}

func TestNotifyOnlyLatestKeyedOnLastBuildset(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	repo := CreateRepo(t, ctx, app)
	repo.Branches = models.BranchConfigList{{Name: "master", NotifyOnlyLatest: true}}
	require.NoError(t, app.RepoStore.Update(ctx, nil, repo))

	oldRev := CreateRevision(t, ctx, app, repo, "master", singleBuilderConfig)
	require.NoError(t, app.QueueService.AddBuilds(ctx, []*models.Revision{oldRev}))
	app.QueueService.Wait()

	// Creation times order the buildsets, keep them distinct.
	time.Sleep(2 * time.Millisecond)

	// The policy looks at the last buildset of the batch only. This batch
	// ends on dev, which has no policy, so the earlier pending master
	// buildset survives.
	masterRev := CreateRevision(t, ctx, app, repo, "master", singleBuilderConfig)
	devRev := CreateRevision(t, ctx, app, repo, "dev", singleBuilderConfig)
	require.NoError(t, app.QueueService.AddBuilds(ctx, []*models.Revision{masterRev, devRev}))
	app.QueueService.Wait()

	pending, err := app.BuildsetStore.ListPendingByRepo(ctx, nil, repo.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
	assert.NotContains(t, app.NotifyService.EventNames(), models.EventBuildCancelled)

	time.Sleep(2 * time.Millisecond)

	// A batch ending on master cancels the earlier pending master buildsets
	// and leaves dev alone.
	latestRev := CreateRevision(t, ctx, app, repo, "master", singleBuilderConfig)
	require.NoError(t, app.QueueService.AddBuilds(ctx, []*models.Revision{latestRev}))
	app.QueueService.Wait()

	pending, err = app.BuildsetStore.ListPendingByRepo(ctx, nil, repo.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	branches := map[string]int{}
	for _, buildset := range pending {
		branches[buildset.Branch]++
	}
	assert.Equal(t, 1, branches["master"])
	assert.Equal(t, 1, branches["dev"])
	assert.Contains(t, app.NotifyService.EventNames(), models.EventBuildCancelled)
}

func TestCancelPreviousPending(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	repo := CreateRepo(t, ctx, app)
	revision := CreateRevision(t, ctx, app, repo, "master", singleBuilderConfig)
	old := CreateBuildsetWithBuilds(t, ctx, app, repo, revision, "unit-tests")
	// Creation times order the buildsets, keep them distinct.
	time.Sleep(2 * time.Millisecond)
	newer := CreateBuildsetWithBuilds(t, ctx, app, repo, revision, "unit-tests")

	app.QueueService.CancelPreviousPending(ctx, newer)

	cancelled, err := app.BuildsetStore.ReadBuild(ctx, nil, old.Builds[0].UUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	untouched, err := app.BuildsetStore.ReadBuild(ctx, nil, newer.Builds[0].UUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, untouched.Status)
}
