package server_test

import (
	"context"
	"sync"
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

const triggerChainConfig = `
builders:
  - name: b1
  - name: b2
    triggered_by:
      - builder_name: b1
        statuses:
          - success
`

func TestParallelBuildsCapped(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	var (
		mu       sync.Mutex
		inflight int
		maxSeen  int
	)
	handler := func(req *protocol.Request, send SendFunc) {
		if req.Action != "build" {
			return
		}
		mu.Lock()
		inflight++
		if inflight > maxSeen {
			maxSeen = inflight
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			inflight--
			mu.Unlock()
		}()

		time.Sleep(150 * time.Millisecond)
		now := wireNow(app)
		stepUUID := uuid.New()
		send(frame(clients.MessageStepInfo, map[string]interface{}{
			"uuid": stepUUID, "cmd": "ls", "name": "list files",
			"status": "success", "output": "ok\n",
			"started": now, "finished": now, "index": 0,
		}))
		send(frame(clients.MessageBuildInfo, map[string]interface{}{
			"status": "success", "started": now, "finished": now,
		}))
	}

	workerA := StartFakeSlave(t, handler)
	workerB := StartFakeSlave(t, handler)

	// At most one build may run at a time, even with two slaves available.
	repo := CreateNamedRepo(t, ctx, app, "capped", 1)
	CreateSlave(t, ctx, app, repo, workerA.Host(), workerA.Port())
	CreateSlave(t, ctx, app, repo, workerB.Host(), workerB.Port())
	revision := CreateRevision(t, ctx, app, repo, "master",
		"builders:\n  - name: b1\n  - name: b2\n")

	require.NoError(t, app.QueueService.AddBuilds(ctx, []*models.Revision{revision}))
	app.QueueService.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Len(t, workerA.RequestsFor("build"), 1)
	assert.Len(t, workerB.RequestsFor("build"), 1)

	fresh, err := app.RepoStore.Read(ctx, nil, repo.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.LatestBuildsetID)
	buildset, err := app.BuildsetStore.Read(ctx, nil, *fresh.LatestBuildsetID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, buildset.Status)
}

// Four builds over two slaves with a cap of two keeps several admission
// passes in flight at once: the poll loop plus one per finishing build.
func TestConcurrentAdmissionCompletesAllBuilds(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	handler := func(req *protocol.Request, send SendFunc) {
		if req.Action != "build" {
			return
		}
		time.Sleep(50 * time.Millisecond)
		now := wireNow(app)
		stepUUID := uuid.New()
		send(frame(clients.MessageStepInfo, map[string]interface{}{
			"uuid": stepUUID, "cmd": "ls", "name": "list files",
			"status": "success", "output": "ok\n",
			"started": now, "finished": now, "index": 0,
		}))
		send(frame(clients.MessageBuildInfo, map[string]interface{}{
			"status": "success", "started": now, "finished": now,
		}))
	}
	workerA := StartFakeSlave(t, handler)
	workerB := StartFakeSlave(t, handler)

	repo := CreateNamedRepo(t, ctx, app, "churny", 2)
	CreateSlave(t, ctx, app, repo, workerA.Host(), workerA.Port())
	CreateSlave(t, ctx, app, repo, workerB.Host(), workerB.Port())
	revision := CreateRevision(t, ctx, app, repo, "master",
		"builders:\n  - name: b1\n  - name: b2\n  - name: b3\n  - name: b4\n")

	require.NoError(t, app.QueueService.AddBuilds(ctx, []*models.Revision{revision}))
	app.QueueService.Wait()

	fresh, err := app.RepoStore.Read(ctx, nil, repo.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.LatestBuildsetID)
	buildset, err := app.BuildsetStore.Read(ctx, nil, *fresh.LatestBuildsetID)
	require.NoError(t, err)
	require.Len(t, buildset.Builds, 4)
	for _, build := range buildset.Builds {
		assert.Equal(t, models.StatusSuccess, build.Status)
	}
	assert.Equal(t, models.StatusSuccess, buildset.Status)
	assert.Equal(t, 0, fresh.RunningBuilds)
}

func TestTriggeredBuildRunsAfterItsTrigger(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	worker := StartFakeSlave(t, successBuildHandler(app))

	repo := CreateRepo(t, ctx, app)
	CreateSlave(t, ctx, app, repo, worker.Host(), worker.Port())
	revision := CreateRevision(t, ctx, app, repo, "master", triggerChainConfig)

	require.NoError(t, app.QueueService.AddBuilds(ctx, []*models.Revision{revision}))
	app.QueueService.Wait()

	// b2 only starts once b1 has finished successfully.
	requests := worker.RequestsFor("build")
	require.Len(t, requests, 2)
	first, second := &clients.BuildRequest{}, &clients.BuildRequest{}
	DecodeRequestBody(t, requests[0], first)
	DecodeRequestBody(t, requests[1], second)
	assert.Equal(t, "b1", first.BuilderName)
	assert.Equal(t, "b2", second.BuilderName)

	fresh, err := app.RepoStore.Read(ctx, nil, repo.ID)
	require.NoError(t, err)
	buildset, err := app.BuildsetStore.Read(ctx, nil, *fresh.LatestBuildsetID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, buildset.Status)
}

func TestUnsatisfiableTriggerCancelsBuild(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	// b1 fails, so b2's trigger on success can never fire.
	worker := StartFakeSlave(t, func(req *protocol.Request, send SendFunc) {
		if req.Action != "build" {
			return
		}
		now := wireNow(app)
		stepUUID := uuid.New()
		send(frame(clients.MessageStepInfo, map[string]interface{}{
			"uuid": stepUUID, "cmd": "make test", "name": "tests",
			"status": "fail", "output": "1 test failed\n",
			"started": now, "finished": now, "index": 0,
		}))
		send(frame(clients.MessageBuildInfo, map[string]interface{}{
			"status": "fail", "started": now, "finished": now,
		}))
	})

	repo := CreateRepo(t, ctx, app)
	CreateSlave(t, ctx, app, repo, worker.Host(), worker.Port())
	revision := CreateRevision(t, ctx, app, repo, "master", triggerChainConfig)

	require.NoError(t, app.QueueService.AddBuilds(ctx, []*models.Revision{revision}))
	app.QueueService.Wait()

	// Only b1 ever reached a worker.
	requests := worker.RequestsFor("build")
	require.Len(t, requests, 1)
	buildReq := &clients.BuildRequest{}
	DecodeRequestBody(t, requests[0], buildReq)
	assert.Equal(t, "b1", buildReq.BuilderName)

	fresh, err := app.RepoStore.Read(ctx, nil, repo.ID)
	require.NoError(t, err)
	buildset, err := app.BuildsetStore.Read(ctx, nil, *fresh.LatestBuildsetID)
	require.NoError(t, err)
	require.Len(t, buildset.Builds, 2)
	statuses := map[models.Status]int{}
	for _, build := range buildset.Builds {
		statuses[build.Status]++
	}
	assert.Equal(t, 1, statuses[models.StatusFail])
	assert.Equal(t, 1, statuses[models.StatusCancelled])
	assert.True(t, buildset.Status.Terminal())
	assert.Contains(t, app.NotifyService.EventNames(), models.EventBuildCancelled)
}
