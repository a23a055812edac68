package app

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/clients"
	"github.com/toxicbuild/toxicmaster/server/services"
	"github.com/toxicbuild/toxicmaster/server/services/event"
	"github.com/toxicbuild/toxicmaster/server/services/lock"
	"github.com/toxicbuild/toxicmaster/server/services/notify"
	"github.com/toxicbuild/toxicmaster/server/services/queue"
	"github.com/toxicbuild/toxicmaster/server/services/slave"
	"github.com/toxicbuild/toxicmaster/server/store"
	"github.com/toxicbuild/toxicmaster/server/store/builders"
	"github.com/toxicbuild/toxicmaster/server/store/buildsets"
	"github.com/toxicbuild/toxicmaster/server/store/locks"
	"github.com/toxicbuild/toxicmaster/server/store/migrations"
	"github.com/toxicbuild/toxicmaster/server/store/repos"
	"github.com/toxicbuild/toxicmaster/server/store/revisions"
	"github.com/toxicbuild/toxicmaster/server/store/slaves"
)

// Server is the master process: it polls repos for revisions, turns them
// into buildsets and drives their builds on the slaves.
type Server struct {
	logger.Log
	Config *ServerConfig
	DB     *store.DB

	RepoStore     *repos.RepoStore
	RevisionStore *revisions.RevisionStore
	BuilderStore  *builders.BuilderStore
	BuildsetStore *buildsets.BuildsetStore
	SlaveStore    *slaves.SlaveStore
	LockStore     *locks.LockStore

	EventService  services.EventService
	NotifyService services.NotifyService
	LockService   services.LockService
	SlaveService  services.SlaveService
	QueueService  *queue.QueueService

	PollerClient  *clients.PollerClient
	SecretsClient *clients.SecretsClient

	natsConn *nats.Conn
	clock    clock.Clock
}

// NewServer wires the master from config. The returned cleanup function
// closes the messaging connection and the database.
func NewServer(ctx context.Context, config *ServerConfig) (*Server, func(), error) {
	logRegistry, err := logger.NewLogRegistry(config.LogLevels)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating log registry")
	}
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)

	db, dbCleanup, err := store.NewDatabase(ctx, config.DatabaseConfig, migrations.NewMasterMigrateRunner(logFactory))
	if err != nil {
		return nil, nil, errors.Wrap(err, "error initializing database")
	}

	natsConn, err := nats.Connect(config.NATSURL, nats.Name("toxicmaster"))
	if err != nil {
		dbCleanup()
		return nil, nil, errors.Wrapf(err, "error connecting to NATS at %s", config.NATSURL)
	}
	cleanup := func() {
		natsConn.Close()
		dbCleanup()
	}

	repoStore := repos.NewStore(db, logFactory)
	revisionStore := revisions.NewStore(db, logFactory)
	builderStore := builders.NewStore(db, logFactory)
	buildsetStore := buildsets.NewStore(db, logFactory)
	slaveStore := slaves.NewStore(db, logFactory)
	lockStore := locks.NewStore(db, logFactory)

	clk := clock.New()
	notificationsClient := clients.NewNotificationsAPIClient(config.NotificationsAPIURL, config.NotificationsAPIToken, logFactory)
	pollerClient := clients.NewPollerClient(config.PollerConfig, logFactory)
	secretsClient := clients.NewSecretsClient(config.SecretsConfig, logFactory)

	eventService := event.NewEventService(logFactory)
	notifyService := notify.NewNotifyService(natsConn, notificationsClient, logFactory)
	lockService := lock.NewLockService(lockStore, clk, logFactory)
	instanceFactory := slave.NewInstanceFactory(logFactory)
	slaveService := slave.NewSlaveService(
		slaveStore, buildsetStore, builderStore, repoStore,
		lockService, eventService, notifyService, instanceFactory,
		clk, config.SlaveTimeout, logFactory)
	queueService := queue.NewQueueService(
		repoStore, buildsetStore, builderStore, slaveStore,
		slaveService, secretsClient, eventService, notifyService,
		clk, logFactory)

	server := &Server{
		Log:           logFactory("Server"),
		Config:        config,
		DB:            db,
		RepoStore:     repoStore,
		RevisionStore: revisionStore,
		BuilderStore:  builderStore,
		BuildsetStore: buildsetStore,
		SlaveStore:    slaveStore,
		LockStore:     lockStore,
		EventService:  eventService,
		NotifyService: notifyService,
		LockService:   lockService,
		SlaveService:  slaveService,
		QueueService:  queueService,
		PollerClient:  pollerClient,
		SecretsClient: secretsClient,
		natsConn:      natsConn,
		clock:         clk,
	}
	return server, cleanup, nil
}

// Start resumes buildsets that still have pending builds from a previous
// run of the process.
func (s *Server) Start(ctx context.Context) error {
	err := s.QueueService.StartPending(ctx)
	if err != nil {
		return fmt.Errorf("error restarting pending buildsets: %w", err)
	}
	return nil
}

// Shutdown waits for the in-flight queue consumers and event handlers to
// drain.
func (s *Server) Shutdown(ctx context.Context) {
	s.QueueService.Wait()
	s.EventService.Wait()
}

// UpdateCode polls the repo for new revisions, persists them and queues the
// builds they produce.
func (s *Server) UpdateCode(ctx context.Context, repoID models.RepoID) error {
	repo, err := s.RepoStore.Read(ctx, nil, repoID)
	if err != nil {
		return fmt.Errorf("error reading repo %s: %w", repoID, err)
	}
	latest, err := s.RevisionStore.LatestCommitDates(ctx, nil, repo.ID)
	if err != nil {
		return fmt.Errorf("error reading known revisions for repo %s: %w", repoID, err)
	}
	known := make([]string, 0, len(latest))
	since := make(map[string]string, len(latest))
	for branch, commitDate := range latest {
		known = append(known, branch)
		since[branch] = models.FormatWireTime(commitDate)
	}
	confFile := repo.ConfigFilename
	if confFile == "" {
		confFile = s.Config.BuildConfigFilename
	}
	resp, err := s.PollerClient.Poll(ctx, &clients.PollRequest{
		RepoID:        repo.ID.String(),
		URL:           repo.URL,
		VCSType:       repo.VCSType,
		KnownBranches: known,
		Since:         since,
		BranchesConf:  repo.Branches,
		ConfFile:      confFile,
	})
	if err != nil {
		return fmt.Errorf("error polling repo %s: %w", repoID, err)
	}
	s.Infof("Repo %s polled, %d new revisions", repo.Name, len(resp.Revisions))

	newRevisions := make([]*models.Revision, 0, len(resp.Revisions))
	for _, info := range resp.Revisions {
		revision, err := s.saveRevision(ctx, repo, info)
		if err != nil {
			s.Errorf("Error saving revision %s of repo %s: %v", info.Commit, repo.Name, err)
			continue
		}
		newRevisions = append(newRevisions, revision)
	}
	err = s.QueueService.AddBuilds(ctx, newRevisions)
	if err != nil {
		return fmt.Errorf("error adding builds for repo %s: %w", repoID, err)
	}
	return nil
}

func (s *Server) saveRevision(ctx context.Context, repo *models.Repo, info *clients.RevisionInfo) (*models.Revision, error) {
	commitDate, err := models.ParseWireTime(info.CommitDate)
	if err != nil {
		return nil, fmt.Errorf("error parsing commit date of revision %s: %w", info.Commit, err)
	}
	revision := models.NewRevision(models.NewTime(s.clock.Now()), repo.ID,
		info.Commit, commitDate, info.Branch, info.Author, info.Title)
	revision.Body = info.Body
	revision.Config = info.Config
	revision.BuildersFallback = info.BuildersFallback
	revision.External = info.External
	err = s.RevisionStore.Create(ctx, nil, revision)
	if err != nil {
		return nil, fmt.Errorf("error persisting revision %s: %w", info.Commit, err)
	}
	return revision, nil
}
