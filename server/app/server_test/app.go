package server_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/server/services"
	"github.com/toxicbuild/toxicmaster/server/services/event"
	"github.com/toxicbuild/toxicmaster/server/services/lock"
	"github.com/toxicbuild/toxicmaster/server/services/queue"
	"github.com/toxicbuild/toxicmaster/server/services/slave"
	"github.com/toxicbuild/toxicmaster/server/store"
	"github.com/toxicbuild/toxicmaster/server/store/builders"
	"github.com/toxicbuild/toxicmaster/server/store/buildsets"
	"github.com/toxicbuild/toxicmaster/server/store/locks"
	"github.com/toxicbuild/toxicmaster/server/store/repos"
	"github.com/toxicbuild/toxicmaster/server/store/revisions"
	"github.com/toxicbuild/toxicmaster/server/store/slaves"
	"github.com/toxicbuild/toxicmaster/server/store/store_test"
)

const testSlaveTimeout = 5 * time.Second

// TestServer is the master wired against an in-memory database, a recording
// notify service, a fake secrets service and a fake instance factory. Slaves
// still speak the real wire protocol, point them at a FakeSlave.
type TestServer struct {
	DB *store.DB

	RepoStore     *repos.RepoStore
	RevisionStore *revisions.RevisionStore
	BuilderStore  *builders.BuilderStore
	BuildsetStore *buildsets.BuildsetStore
	SlaveStore    *slaves.SlaveStore
	LockStore     *locks.LockStore

	EventService    services.EventService
	NotifyService   *RecordingNotifyService
	LockService     services.LockService
	SlaveService    services.SlaveService
	QueueService    *queue.QueueService
	SecretsService  *FakeSecretsService
	InstanceFactory *FakeInstanceFactory

	Clock      clock.Clock
	LogFactory logger.LogFactory
}

// New wires a TestServer. Pass clock.New() for wall-clock tests or a mock
// clock when the test drives time itself.
func New(t *testing.T, clk clock.Clock) (*TestServer, func()) {
	logFactory := logger.LogFactory(logger.NoOpLogFactory)
	db, dbCleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err)

	repoStore := repos.NewStore(db, logFactory)
	revisionStore := revisions.NewStore(db, logFactory)
	builderStore := builders.NewStore(db, logFactory)
	buildsetStore := buildsets.NewStore(db, logFactory)
	slaveStore := slaves.NewStore(db, logFactory)
	lockStore := locks.NewStore(db, logFactory)

	eventService := event.NewEventService(logFactory)
	notifyService := NewRecordingNotifyService()
	secretsService := NewFakeSecretsService()
	instanceFactory := NewFakeInstanceFactory()
	lockService := lock.NewLockService(lockStore, clk, logFactory)
	slaveService := slave.NewSlaveService(
		slaveStore, buildsetStore, builderStore, repoStore,
		lockService, eventService, notifyService, instanceFactory,
		clk, testSlaveTimeout, logFactory)
	queueService := queue.NewQueueService(
		repoStore, buildsetStore, builderStore, slaveStore,
		slaveService, secretsService, eventService, notifyService,
		clk, logFactory)

	app := &TestServer{
		DB:              db,
		RepoStore:       repoStore,
		RevisionStore:   revisionStore,
		BuilderStore:    builderStore,
		BuildsetStore:   buildsetStore,
		SlaveStore:      slaveStore,
		LockStore:       lockStore,
		EventService:    eventService,
		NotifyService:   notifyService,
		LockService:     lockService,
		SlaveService:    slaveService,
		QueueService:    queueService,
		SecretsService:  secretsService,
		InstanceFactory: instanceFactory,
		Clock:           clk,
		LogFactory:      logFactory,
	}
	cleanup := func() {
		queueService.Wait()
		eventService.Wait()
		dbCleanup()
	}
	return app, cleanup
}
