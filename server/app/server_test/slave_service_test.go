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

func wireNow(app *TestServer) string {
	return models.FormatWireTime(models.NewTime(app.Clock.Now()))
}

// frame builds one worker stream frame body.
func frame(infoType clients.WorkerMessageType, fields map[string]interface{}) map[string]interface{} {
	body := map[string]interface{}{"info_type": string(infoType)}
	for k, v := range fields {
		body[k] = v
	}
	return body
}

func TestEnqueueDequeueBuild(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	repo := CreateRepo(t, ctx, app)
	slave := CreateSlave(t, ctx, app, repo, "127.0.0.1", 1234)
	revision := CreateRevision(t, ctx, app, repo, "master", "builders:\n  - name: b1\n")
	buildset := CreateBuildsetWithBuilds(t, ctx, app, repo, revision, "b1", "b2")
	first, second := buildset.Builds[0], buildset.Builds[1]

	added, err := app.SlaveService.EnqueueBuild(ctx, slave, first)
	require.NoError(t, err)
	assert.True(t, added)

	// Enqueueing the same build again is a no-op.
	added, err = app.SlaveService.EnqueueBuild(ctx, slave, first)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, slave.QueueCount)

	added, err = app.SlaveService.EnqueueBuild(ctx, slave, second)
	require.NoError(t, err)
	assert.True(t, added)

	// The count always matches the queued builds.
	fresh, err := app.SlaveStore.Read(ctx, nil, slave.ID)
	require.NoError(t, err)
	assert.Equal(t, len(fresh.EnqueuedBuilds), fresh.QueueCount)
	assert.Equal(t, 2, fresh.QueueCount)

	removed, err := app.SlaveService.DequeueBuild(ctx, slave, first)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 1, slave.QueueCount)

	removed, err = app.SlaveService.DequeueBuild(ctx, slave, first)
	require.NoError(t, err)
	assert.False(t, removed)

	fresh, err = app.SlaveStore.Read(ctx, nil, slave.ID)
	require.NoError(t, err)
	assert.Equal(t, len(fresh.EnqueuedBuilds), fresh.QueueCount)
	assert.Equal(t, 1, fresh.QueueCount)
}

func TestRunningRepoAccounting(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	repo := CreateRepo(t, ctx, app)
	slave := CreateSlave(t, ctx, app, repo, "127.0.0.1", 1234)

	require.NoError(t, app.SlaveService.AddRunningRepo(ctx, slave, repo.ID))
	assert.Equal(t, 1, slave.RunningCount)

	// Adding the same repo twice does not double count.
	require.NoError(t, app.SlaveService.AddRunningRepo(ctx, slave, repo.ID))
	assert.Equal(t, 1, slave.RunningCount)

	require.NoError(t, app.SlaveService.RmRunningRepo(ctx, slave, repo.ID))
	assert.Equal(t, 0, slave.RunningCount)
	assert.Empty(t, slave.RunningRepos)
}

func TestBuildSessionStreamsIntoStore(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	stepUUID := uuid.New()
	worker := StartFakeSlave(t, func(req *protocol.Request, send SendFunc) {
		if req.Action != "build" {
			return
		}
		now := wireNow(app)
		send(frame(clients.MessageBuildInfo, map[string]interface{}{
			"status": "running", "started": now,
		}))
		send(frame(clients.MessageStepInfo, map[string]interface{}{
			"uuid": stepUUID, "cmd": "ls", "name": "list files",
			"status": "running", "output": "", "started": now, "index": 0,
		}))
		send(frame(clients.MessageStepOutputInfo, map[string]interface{}{
			"uuid": stepUUID, "output": "hello ", "sequence": 1,
		}))
		send(frame(clients.MessageStepOutputInfo, map[string]interface{}{
			"uuid": stepUUID, "output": "world\n", "sequence": 2,
		}))
		// A retransmitted fragment must be dropped.
		send(frame(clients.MessageStepOutputInfo, map[string]interface{}{
			"uuid": stepUUID, "output": "world\n", "sequence": 2,
		}))
		send(frame(clients.MessageStepInfo, map[string]interface{}{
			"uuid": stepUUID, "cmd": "ls", "name": "list files",
			"status": "success", "output": "hello world\n",
			"started": now, "finished": now, "index": 0,
		}))
		send(frame(clients.MessageBuildInfo, map[string]interface{}{
			"status": "success", "started": now, "finished": now,
		}))
	})

	repo := CreateRepo(t, ctx, app)
	slave := CreateSlave(t, ctx, app, repo, worker.Host(), worker.Port())
	revision := CreateRevision(t, ctx, app, repo, "master", "builders:\n  - name: b1\n")
	buildset := CreateBuildsetWithBuilds(t, ctx, app, repo, revision, "b1")
	build := buildset.Builds[0]

	_, err := app.SlaveService.EnqueueBuild(ctx, slave, build)
	require.NoError(t, err)

	err = app.SlaveService.Build(ctx, slave, build, map[string]string{"KEY": "value"})
	require.NoError(t, err)

	// The worker got the full build descriptor.
	requests := worker.RequestsFor("build")
	require.Len(t, requests, 1)
	buildReq := &clients.BuildRequest{}
	DecodeRequestBody(t, requests[0], buildReq)
	assert.Equal(t, build.UUID, buildReq.BuildUUID)
	assert.Equal(t, repo.URL, buildReq.RepoURL)
	assert.Equal(t, "b1", buildReq.BuilderName)
	assert.Equal(t, "value", buildReq.Envvars["KEY"])
	assert.Equal(t, "test-token", requests[0].Token)

	// The terminal state and the step output made it to the store, with the
	// retransmitted fragment dropped.
	stored, err := app.BuildsetStore.ReadBuild(ctx, nil, build.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, stored.Status)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.FinishedAt)
	require.Len(t, stored.Steps, 1)
	assert.Equal(t, "hello world\n", stored.Steps[0].Output)
	assert.Equal(t, models.StatusSuccess, stored.Steps[0].Status)

	// The session cleans the slave's accounting up.
	fresh, err := app.SlaveStore.Read(ctx, nil, slave.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.QueueCount)
	assert.Equal(t, 0, fresh.RunningCount)

	names := app.NotifyService.EventNames()
	assert.Contains(t, names, models.EventBuildStarted)
	assert.Contains(t, names, models.EventStepStarted)
	assert.Contains(t, names, models.EventStepFinished)
	assert.Contains(t, names, models.EventBuildFinished)
	outputEvents := 0
	for _, event := range app.NotifyService.Events() {
		if event.Name == models.EventStepOutputArrived {
			outputEvents++
		}
	}
	assert.Equal(t, 2, outputEvents)
}

// A fragment arriving after a higher sequence was applied is dropped, not
// appended out of order.
func TestBuildSessionOutOfOrderFragmentsDropped(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	stepUUID := uuid.New()
	worker := StartFakeSlave(t, func(req *protocol.Request, send SendFunc) {
		if req.Action != "build" {
			return
		}
		now := wireNow(app)
		send(frame(clients.MessageStepInfo, map[string]interface{}{
			"uuid": stepUUID, "cmd": "ls", "name": "list files",
			"status": "running", "output": "", "started": now, "index": 0,
		}))
		send(frame(clients.MessageStepOutputInfo, map[string]interface{}{
			"uuid": stepUUID, "output": "world\n", "sequence": 2,
		}))
		send(frame(clients.MessageStepOutputInfo, map[string]interface{}{
			"uuid": stepUUID, "output": "hello ", "sequence": 1,
		}))
		send(frame(clients.MessageStepInfo, map[string]interface{}{
			"uuid": stepUUID, "cmd": "ls", "name": "list files",
			"status": "success", "output": "",
			"started": now, "finished": now, "index": 0,
		}))
		send(frame(clients.MessageBuildInfo, map[string]interface{}{
			"status": "success", "started": now, "finished": now,
		}))
	})

	repo := CreateRepo(t, ctx, app)
	slave := CreateSlave(t, ctx, app, repo, worker.Host(), worker.Port())
	revision := CreateRevision(t, ctx, app, repo, "master", "builders:\n  - name: b1\n")
	buildset := CreateBuildsetWithBuilds(t, ctx, app, repo, revision, "b1")
	build := buildset.Builds[0]

	err := app.SlaveService.Build(ctx, slave, build, nil)
	require.NoError(t, err)

	stored, err := app.BuildsetStore.ReadBuild(ctx, nil, build.UUID)
	require.NoError(t, err)
	require.Len(t, stored.Steps, 1)
	assert.Equal(t, "world\n", stored.Steps[0].Output)

	outputEvents := 0
	for _, event := range app.NotifyService.Events() {
		if event.Name == models.EventStepOutputArrived {
			outputEvents++
		}
	}
	assert.Equal(t, 1, outputEvents)
}

func TestBuildSessionStepExceptionKeepsOutput(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	stepUUID := uuid.New()
	worker := StartFakeSlave(t, func(req *protocol.Request, send SendFunc) {
		if req.Action != "build" {
			return
		}
		now := wireNow(app)
		send(frame(clients.MessageStepInfo, map[string]interface{}{
			"uuid": stepUUID, "cmd": "make", "name": "build",
			"status": "running", "output": "compiling...\n", "started": now, "index": 0,
		}))
		send(frame(clients.MessageStepInfo, map[string]interface{}{
			"uuid": stepUUID, "cmd": "make", "name": "build",
			"status": "exception", "output": "Traceback: boom\n",
			"started": now, "finished": now, "index": 0,
		}))
		send(frame(clients.MessageBuildInfo, map[string]interface{}{
			"status": "exception", "started": now, "finished": now,
		}))
	})

	repo := CreateRepo(t, ctx, app)
	slave := CreateSlave(t, ctx, app, repo, worker.Host(), worker.Port())
	revision := CreateRevision(t, ctx, app, repo, "master", "builders:\n  - name: b1\n")
	buildset := CreateBuildsetWithBuilds(t, ctx, app, repo, revision, "b1")
	build := buildset.Builds[0]

	err := app.SlaveService.Build(ctx, slave, build, nil)
	require.NoError(t, err)

	stored, err := app.BuildsetStore.ReadBuild(ctx, nil, build.UUID)
	require.NoError(t, err)
	require.Len(t, stored.Steps, 1)
	// The exception trace goes after what the step already printed.
	assert.Equal(t, "compiling...\nTraceback: boom\n", stored.Steps[0].Output)
	assert.Equal(t, models.StatusException, stored.Steps[0].Status)
	assert.Equal(t, models.StatusException, stored.Status)
}

func TestBuildInstanceStartFailure(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	repo := CreateRepo(t, ctx, app)
	instance := NewFakeInstance("127.0.0.1", false)
	instance.StartErr = assert.AnError
	app.InstanceFactory.Register("i-broken", instance)
	slave := CreateOnDemandSlave(t, ctx, app, repo, 1234, "i-broken")
	revision := CreateRevision(t, ctx, app, repo, "master", "builders:\n  - name: b1\n")
	buildset := CreateBuildsetWithBuilds(t, ctx, app, repo, revision, "b1")
	build := buildset.Builds[0]

	err := app.SlaveService.Build(ctx, slave, build, nil)
	require.NoError(t, err)

	stored, err := app.BuildsetStore.ReadBuild(ctx, nil, build.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusException, stored.Status)
	require.Len(t, stored.Steps, 1)
	assert.Equal(t, "start instance", stored.Steps[0].Command)
	assert.Contains(t, stored.Steps[0].Output, assert.AnError.Error())
	assert.Contains(t, app.NotifyService.EventNames(), models.EventBuildFinished)
}

func TestStartStopInstance(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	worker := StartFakeSlave(t, func(req *protocol.Request, send SendFunc) {
		if req.Action == "healthcheck" {
			send(map[string]interface{}{"ok": true})
		}
	})

	repo := CreateRepo(t, ctx, app)
	instance := NewFakeInstance("127.0.0.1", false)
	app.InstanceFactory.Register("i-1", instance)
	slave := CreateOnDemandSlave(t, ctx, app, repo, worker.Port(), "i-1")
	assert.Equal(t, models.DynamicHost, slave.Host)

	ip, ok, err := app.SlaveService.StartInstance(ctx, slave)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "127.0.0.1", ip)
	assert.Equal(t, 1, instance.StartCalls)

	// The dynamic host is replaced with the instance address.
	fresh, err := app.SlaveStore.Read(ctx, nil, slave.ID)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", fresh.Host)

	// A busy slave is not stopped.
	fresh.QueueCount = 1
	stopped, err := app.SlaveService.StopInstance(ctx, fresh)
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Equal(t, 0, instance.StopCalls)

	fresh.QueueCount = 0
	stopped, err = app.SlaveService.StopInstance(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, 1, instance.StopCalls)

	// Stopping an already stopped instance is a no-op.
	stopped, err = app.SlaveService.StopInstance(ctx, fresh)
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Equal(t, 1, instance.StopCalls)
}

func TestStartInstanceNotOnDemand(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	repo := CreateRepo(t, ctx, app)
	slave := CreateSlave(t, ctx, app, repo, "127.0.0.1", 1234)

	_, ok, err := app.SlaveService.StartInstance(ctx, slave)
	require.NoError(t, err)
	assert.False(t, ok)

	stopped, err := app.SlaveService.StopInstance(ctx, slave)
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestListBuilders(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	worker := StartFakeSlave(t, func(req *protocol.Request, send SendFunc) {
		if req.Action == "list_builders" {
			send(map[string]interface{}{"builders": []string{"unit-tests", "docs"}})
		}
	})

	repo := CreateRepo(t, ctx, app)
	slave := CreateSlave(t, ctx, app, repo, worker.Host(), worker.Port())
	revision := CreateRevision(t, ctx, app, repo, "master", "")

	builderList, err := app.SlaveService.ListBuilders(ctx, slave, repo, revision)
	require.NoError(t, err)
	require.Len(t, builderList, 2)
	assert.Equal(t, "unit-tests", builderList[0].Name)
	assert.Equal(t, "docs", builderList[1].Name)

	// The same names resolve to the same builders next time.
	again, err := app.SlaveService.ListBuilders(ctx, slave, repo, revision)
	require.NoError(t, err)
	assert.Equal(t, builderList[0].ID, again[0].ID)
	assert.Equal(t, builderList[1].ID, again[1].ID)
}

func TestCancelBuildReachesWorker(t *testing.T) {
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	worker := StartFakeSlave(t, func(req *protocol.Request, send SendFunc) {
		if req.Action == "cancel_build" {
			send(map[string]interface{}{"cancelled": true})
		}
	})

	repo := CreateRepo(t, ctx, app)
	slave := CreateSlave(t, ctx, app, repo, worker.Host(), worker.Port())
	revision := CreateRevision(t, ctx, app, repo, "master", "builders:\n  - name: b1\n")
	buildset := CreateBuildsetWithBuilds(t, ctx, app, repo, revision, "b1")

	err := app.SlaveService.CancelBuild(ctx, slave, buildset.Builds[0])
	require.NoError(t, err)

	requests := worker.RequestsFor("cancel_build")
	require.Len(t, requests, 1)
	body := struct {
		BuildUUID uuid.UUID `json:"build_uuid"`
	}{}
	DecodeRequestBody(t, requests[0], &body)
	assert.Equal(t, buildset.Builds[0].UUID, body.BuildUUID)
}

func TestBuildSessionTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the stream read deadline")
	}
	app, cleanup := New(t, clock.New())
	defer cleanup()
	ctx := context.Background()

	// The worker accepts the build and then goes silent.
	worker := StartFakeSlave(t, func(req *protocol.Request, send SendFunc) {
		time.Sleep(2 * testSlaveTimeout)
	})

	repo := CreateRepo(t, ctx, app)
	slave := CreateSlave(t, ctx, app, repo, worker.Host(), worker.Port())
	revision := CreateRevision(t, ctx, app, repo, "master", "builders:\n  - name: b1\n")
	buildset := CreateBuildsetWithBuilds(t, ctx, app, repo, revision, "b1")

	err := app.SlaveService.Build(ctx, slave, buildset.Builds[0], nil)
	assert.Error(t, err)
}
