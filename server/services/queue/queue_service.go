// Package queue turns revisions into buildsets and drives their execution.
// Each repository has a FIFO queue of buildsets consumed by its own loop;
// within a buildset a BuildExecuter runs the builds under the repo's
// parallelism cap and the builds' trigger rules.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/toxicbuild/toxicmaster/common/gerror"
	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/services"
	"github.com/toxicbuild/toxicmaster/server/store/builders"
	"github.com/toxicbuild/toxicmaster/server/store/buildsets"
	"github.com/toxicbuild/toxicmaster/server/store/repos"
	"github.com/toxicbuild/toxicmaster/server/store/slaves"
)

// MaxProcessTasks caps concurrent worker stream sessions in one master
// process.
const MaxProcessTasks = 10

// QueueService is the build manager. It owns the per-repository buildset
// queues and their consumer loops.
type QueueService struct {
	logger.Log
	repoStore      *repos.RepoStore
	buildsetStore  *buildsets.BuildsetStore
	builderStore   *builders.BuilderStore
	slaveStore     *slaves.SlaveStore
	slaveService   services.SlaveService
	secretsService services.SecretsService
	eventService   services.EventService
	notifyService  services.NotifyService
	clock          clock.Clock

	mu     sync.Mutex
	queues map[models.RepoID]*repoQueue
	// sessions is the process-wide admission ticket for worker streams.
	sessions  chan struct{}
	consumers sync.WaitGroup
}

// repoQueue is the in-memory FIFO of buildsets waiting to run for one repo.
type repoQueue struct {
	mu         sync.Mutex
	buildsets  []*models.Buildset
	isBuilding bool
}

func (q *repoQueue) contains(id models.BuildsetID) bool {
	for _, buildset := range q.buildsets {
		if buildset.ID == id {
			return true
		}
	}
	return false
}

func NewQueueService(
	repoStore *repos.RepoStore,
	buildsetStore *buildsets.BuildsetStore,
	builderStore *builders.BuilderStore,
	slaveStore *slaves.SlaveStore,
	slaveService services.SlaveService,
	secretsService services.SecretsService,
	eventService services.EventService,
	notifyService services.NotifyService,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *QueueService {
	return &QueueService{
		Log:            logFactory("QueueService"),
		repoStore:      repoStore,
		buildsetStore:  buildsetStore,
		builderStore:   builderStore,
		slaveStore:     slaveStore,
		slaveService:   slaveService,
		secretsService: secretsService,
		eventService:   eventService,
		notifyService:  notifyService,
		clock:          clk,
		queues:         make(map[models.RepoID]*repoQueue),
		sessions:       make(chan struct{}, MaxProcessTasks),
	}
}

// AddBuilds creates buildsets for the revisions and feeds the repo queues.
// Revisions marked to skip CI and revisions without a build config produce
// no builds; the latter still leave a no-config buildset behind.
func (s *QueueService) AddBuilds(ctx context.Context, revisions []*models.Revision) error {
	var (
		lastRepo     *models.Repo
		lastBuildset *models.Buildset
	)
	for _, revision := range revisions {
		if !revision.CreateBuilds() {
			s.Debugf("Revision %s skips ci, no builds", revision.Commit)
			continue
		}
		repo, err := s.repoStore.Read(ctx, nil, revision.RepoID)
		if err != nil {
			return fmt.Errorf("error reading repo for revision %s: %w", revision.Commit, err)
		}
		buildset := models.NewBuildset(models.NewTime(s.clock.Now()), revision)
		if revision.Config == "" {
			buildset.Status = models.StatusNoConfig
			if err := s.buildsetStore.Create(ctx, nil, buildset); err != nil {
				return fmt.Errorf("error creating buildset: %w", err)
			}
			s.publish(ctx, &models.Event{
				Name:       models.EventBuildsetAdded,
				RepoID:     repo.ID,
				BuildsetID: buildset.ID,
				Status:     buildset.Status,
			})
			lastRepo, lastBuildset = repo, buildset
			continue
		}
		builderList, origin, err := s.GetBuilders(ctx, repo, revision, nil, nil)
		if err != nil {
			return err
		}
		err = s.AddBuildsForBuildset(ctx, repo, revision, buildset, builderList, origin)
		if err != nil {
			return err
		}
		lastRepo, lastBuildset = repo, buildset
	}
	// The notify-only-latest policy looks at the most recent buildset only,
	// so a batch ending on another branch leaves earlier branches alone.
	if lastBuildset != nil && lastRepo.NotifyOnlyLatest(lastBuildset.Branch) {
		s.CancelPreviousPending(ctx, lastBuildset)
	}
	return nil
}

// GetBuilders resolves the builders a revision's config declares for its
// branch. A malformed config yields no builders rather than an error; when
// the branch declares none and the revision carries a fallback branch, the
// fallback's builders are used. Include filtering wins over exclude.
func (s *QueueService) GetBuilders(
	ctx context.Context,
	repo *models.Repo,
	revision *models.Revision,
	include, exclude []string,
) ([]*models.Builder, string, error) {
	origin := revision.Branch
	confs, err := ListBuildersFromConfig(revision.Config, repo.ConfigType, origin)
	if err != nil {
		s.Errorf("Error in build config for repo %s: %v", repo.Name, err)
		return nil, origin, nil
	}
	if len(confs) == 0 && revision.BuildersFallback != "" {
		origin = revision.BuildersFallback
		confs, err = ListBuildersFromConfig(revision.Config, repo.ConfigType, origin)
		if err != nil {
			s.Errorf("Error in build config for repo %s: %v", repo.Name, err)
			return nil, origin, nil
		}
	}
	confs = filterBuilderConfigs(confs, include, exclude)
	builderList := make([]*models.Builder, 0, len(confs))
	for i, conf := range confs {
		builder, err := s.builderStore.FindOrCreate(ctx, nil, repo.ID, conf.Name, i)
		if err != nil {
			return nil, origin, fmt.Errorf("error resolving builder %q: %w", conf.Name, err)
		}
		builder.TriggeredBy = conf.TriggeredBy
		builderList = append(builderList, builder)
	}
	return builderList, origin, nil
}

func filterBuilderConfigs(confs []BuilderConfig, include, exclude []string) []BuilderConfig {
	if len(include) == 0 && len(exclude) == 0 {
		return confs
	}
	contains := func(names []string, name string) bool {
		for _, n := range names {
			if n == name {
				return true
			}
		}
		return false
	}
	var out []BuilderConfig
	for _, conf := range confs {
		if len(include) > 0 {
			if contains(include, conf.Name) {
				out = append(out, conf)
			}
			continue
		}
		if !contains(exclude, conf.Name) {
			out = append(out, conf)
		}
	}
	return out
}

// AddBuildsForBuildset appends one build per builder to the buildset,
// persists it and queues it for execution. A revision whose config declares
// no builders for the branch leaves a no-builds buildset behind. Trigger
// rules referencing builders outside the set are dropped so an excluded
// builder can never deadlock the ones that depend on it.
func (s *QueueService) AddBuildsForBuildset(
	ctx context.Context,
	repo *models.Repo,
	revision *models.Revision,
	buildset *models.Buildset,
	builderList []*models.Builder,
	origin string,
) error {
	if len(builderList) == 0 {
		var err error
		builderList, origin, err = s.GetBuilders(ctx, repo, revision, nil, nil)
		if err != nil {
			return err
		}
	}
	if len(builderList) == 0 {
		buildset.Status = models.StatusNoBuilds
		if err := s.buildsetStore.Create(ctx, nil, buildset); err != nil {
			return fmt.Errorf("error creating buildset: %w", err)
		}
		s.publish(ctx, &models.Event{
			Name:       models.EventBuildsetAdded,
			RepoID:     repo.ID,
			BuildsetID: buildset.ID,
			Status:     buildset.Status,
		})
		return nil
	}
	lastBuild, err := s.buildsetStore.MaxBuildNumber(ctx, nil, repo.ID)
	if err != nil {
		return fmt.Errorf("error reading max build number: %w", err)
	}
	present := make(map[string]bool, len(builderList))
	for _, builder := range builderList {
		present[builder.Name] = true
	}
	for _, builder := range builderList {
		lastBuild++
		build := models.NewBuild(buildset.ID, repo.ID, builder, lastBuild,
			revision.Branch, revision.Commit, origin, revision.External)
		var triggers models.TriggerList
		for _, trigger := range build.TriggeredBy {
			if present[trigger.BuilderName] {
				triggers = append(triggers, trigger)
			}
		}
		build.TriggeredBy = triggers
		buildset.Builds = append(buildset.Builds, build)
	}
	err = s.buildsetStore.Create(ctx, nil, buildset)
	if err != nil {
		return fmt.Errorf("error creating buildset: %w", err)
	}
	s.publish(ctx, &models.Event{
		Name:       models.EventBuildsetAdded,
		RepoID:     repo.ID,
		BuildsetID: buildset.ID,
		Status:     buildset.Status,
	})
	for _, build := range buildset.Builds {
		s.publish(ctx, &models.Event{
			Name:       models.EventBuildAdded,
			RepoID:     repo.ID,
			BuildsetID: buildset.ID,
			BuildUUID:  build.UUID,
			Status:     build.Status,
		})
	}
	s.enqueueBuildset(repo, buildset)
	return nil
}

// CancelBuild cancels a single build by uuid. Cancelling a build in a
// terminal state is logged and otherwise ignored.
func (s *QueueService) CancelBuild(ctx context.Context, buildUUID uuid.UUID) error {
	build, err := s.buildsetStore.ReadBuild(ctx, nil, buildUUID)
	if err != nil {
		return err
	}
	err = s.cancelBuild(ctx, build)
	if gerror.IsImpossibleCancellation(err) {
		s.Warnf("Build %s cannot be cancelled: %v", buildUUID, err)
		return nil
	}
	return err
}

// cancelBuild applies the cancellation rules for one build. Pending builds
// are cancelled synchronously; for running builds the request is forwarded
// to the worker and the terminal status arrives through the stream.
func (s *QueueService) cancelBuild(ctx context.Context, build *models.Build) error {
	switch build.Status {
	case models.StatusPending:
		if build.SlaveID != nil && !build.SlaveID.IsZero() {
			slave, err := s.slaveStore.Read(ctx, nil, *build.SlaveID)
			if err != nil {
				s.Errorf("Error reading slave of build %s: %v", build.UUID, err)
			} else if _, err := s.slaveService.DequeueBuild(ctx, slave, build); err != nil {
				s.Errorf("Error dequeueing build %s: %v", build.UUID, err)
			}
		}
		build.Status = models.StatusCancelled
		if err := s.buildsetStore.UpdateBuild(ctx, nil, build); err != nil {
			return err
		}
		s.publish(ctx, &models.Event{
			Name:       models.EventBuildCancelled,
			RepoID:     build.RepoID,
			BuildsetID: build.BuildsetID,
			BuildUUID:  build.UUID,
			Status:     build.Status,
		})
		return nil
	case models.StatusRunning:
		if build.SlaveID == nil || build.SlaveID.IsZero() {
			return gerror.NewErrImpossibleCancellation(
				fmt.Sprintf("running build %s has no slave", build.UUID))
		}
		slave, err := s.slaveStore.Read(ctx, nil, *build.SlaveID)
		if err != nil {
			s.Errorf("Error reading slave of build %s: %v", build.UUID, err)
			return nil
		}
		if err := s.slaveService.CancelBuild(ctx, slave, build); err != nil {
			// The cancel request was not deliverable; the status will be
			// reconciled by whatever terminal frame arrives.
			s.Errorf("Error cancelling build %s on slave %s: %v", build.UUID, slave.Name, err)
		}
		return nil
	}
	return gerror.NewErrImpossibleCancellation(
		fmt.Sprintf("build %s has status %s", build.UUID, build.Status))
}

// CancelPreviousPending cancels the builds of every earlier buildset on the
// buildset's repo and branch that is still pending or running.
func (s *QueueService) CancelPreviousPending(ctx context.Context, buildset *models.Buildset) {
	earlier, err := s.buildsetStore.ListEarlierWithStatuses(ctx, nil, buildset,
		[]models.Status{models.StatusPending, models.StatusRunning})
	if err != nil {
		s.Errorf("Error listing previous pending buildsets: %v", err)
		return
	}
	for _, old := range earlier {
		for _, build := range old.Builds {
			err := s.cancelBuild(ctx, build)
			if err != nil && !gerror.IsImpossibleCancellation(err) {
				s.Errorf("Error cancelling build %s: %v", build.UUID, err)
			}
		}
	}
}

// StartPending re-queues buildsets that still contain pending builds.
// Called once at process start to resume work interrupted by a restart.
func (s *QueueService) StartPending(ctx context.Context) error {
	repoList, err := s.repoStore.List(ctx, nil)
	if err != nil {
		return fmt.Errorf("error listing repos: %w", err)
	}
	for _, repo := range repoList {
		pending, err := s.buildsetStore.ListPendingByRepo(ctx, nil, repo.ID)
		if err != nil {
			return fmt.Errorf("error listing pending buildsets for %s: %w", repo.Name, err)
		}
		for _, buildset := range pending {
			s.enqueueBuildset(repo, buildset)
		}
	}
	return nil
}

// Wait blocks until every consumer loop drains. Used on shutdown and in
// tests.
func (s *QueueService) Wait() {
	s.consumers.Wait()
}

func (s *QueueService) queueFor(repoID models.RepoID) *repoQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[repoID]
	if !ok {
		q = &repoQueue{}
		s.queues[repoID] = q
	}
	return q
}

// enqueueBuildset appends the buildset to the repo's queue and launches the
// consumer loop when it is idle.
func (s *QueueService) enqueueBuildset(repo *models.Repo, buildset *models.Buildset) {
	q := s.queueFor(repo.ID)
	q.mu.Lock()
	if q.contains(buildset.ID) {
		q.mu.Unlock()
		return
	}
	q.buildsets = append(q.buildsets, buildset)
	start := !q.isBuilding
	if start {
		q.isBuilding = true
	}
	q.mu.Unlock()
	if start {
		s.consumers.Add(1)
		go func() {
			defer s.consumers.Done()
			s.executeBuilds(context.Background(), repo, q)
		}()
	}
}

// executeBuilds is the consumer loop for one repo. Buildsets run strictly
// in FIFO order; the loop exits when the queue drains or no slave is
// assigned to the repo.
func (s *QueueService) executeBuilds(ctx context.Context, repo *models.Repo, q *repoQueue) {
	defer func() {
		q.mu.Lock()
		q.isBuilding = false
		q.mu.Unlock()
		s.stopInstances(ctx, repo)
	}()
	for {
		slaveList, err := s.slaveStore.ListByRepo(ctx, nil, repo.ID)
		if err != nil {
			s.Errorf("Error listing slaves for repo %s: %v", repo.Name, err)
			return
		}
		if len(slaveList) == 0 {
			s.Warnf("Repo %s has no slaves, builds stay queued", repo.Name)
			return
		}

		q.mu.Lock()
		if len(q.buildsets) == 0 {
			q.mu.Unlock()
			return
		}
		head := q.buildsets[0]
		q.buildsets = q.buildsets[1:]
		q.mu.Unlock()

		buildset, err := s.buildsetStore.Read(ctx, nil, head.ID)
		if err != nil {
			s.Errorf("Error reloading buildset %s: %v", head.ID, err)
			continue
		}
		for _, build := range buildset.Builds {
			if build.Status != models.StatusPending {
				continue
			}
			if err := s.setSlave(ctx, slaveList, build); err != nil {
				s.Errorf("Error assigning slave to build %s: %v", build.UUID, err)
			}
		}
		toRun := buildset.GetPendingBuilds()
		if len(toRun) == 0 {
			continue
		}
		s.markBuildsetStarted(ctx, repo, buildset)
		executer := newBuildExecuter(s, repo, buildset, toRun)
		executer.execute(ctx)
		s.markBuildsetFinished(ctx, buildset.ID)
	}
}

// setSlave assigns the least loaded slave to the build and enqueues the
// build on it.
func (s *QueueService) setSlave(ctx context.Context, slaveList []*models.Slave, build *models.Build) error {
	chosen := slaveList[0]
	for _, slave := range slaveList[1:] {
		if slave.QueueCount < chosen.QueueCount {
			chosen = slave
		}
	}
	if _, err := s.slaveService.EnqueueBuild(ctx, chosen, build); err != nil {
		return err
	}
	build.SlaveID = &chosen.ID
	return s.buildsetStore.UpdateBuild(ctx, nil, build)
}

func (s *QueueService) markBuildsetStarted(ctx context.Context, repo *models.Repo, buildset *models.Buildset) {
	now := models.NewTime(s.clock.Now())
	buildset.StartedAt = &now
	buildset.Status = models.StatusRunning
	if err := s.buildsetStore.Update(ctx, nil, buildset); err != nil {
		s.Errorf("Error marking buildset %s started: %v", buildset.ID, err)
		return
	}
	s.publish(ctx, &models.Event{
		Name:       models.EventBuildsetStarted,
		RepoID:     repo.ID,
		BuildsetID: buildset.ID,
		Status:     buildset.Status,
	})
	repo.LatestBuildsetID = &buildset.ID
	if err := s.repoStore.Update(ctx, nil, repo); err != nil {
		s.Errorf("Error updating latest buildset of repo %s: %v", repo.Name, err)
	}
}

func (s *QueueService) markBuildsetFinished(ctx context.Context, buildsetID models.BuildsetID) {
	buildset, err := s.buildsetStore.Read(ctx, nil, buildsetID)
	if err != nil {
		s.Errorf("Error reloading buildset %s: %v", buildsetID, err)
		return
	}
	now := models.NewTime(s.clock.Now())
	if buildset.FinishedAt == nil || buildset.FinishedAt.Before(now.Time) {
		buildset.FinishedAt = &now
	}
	if buildset.StartedAt != nil {
		total := int(buildset.FinishedAt.Sub(buildset.StartedAt.Time).Seconds())
		buildset.TotalTime = &total
	}
	buildset.Status = buildset.GetStatus()
	if err := s.buildsetStore.Update(ctx, nil, buildset); err != nil {
		s.Errorf("Error marking buildset %s finished: %v", buildset.ID, err)
		return
	}
	s.publish(ctx, &models.Event{
		Name:       models.EventBuildsetFinished,
		RepoID:     buildset.RepoID,
		BuildsetID: buildset.ID,
		Status:     buildset.Status,
	})
}

// stopInstances stops the instance behind every idle on-demand slave of the
// repo once its queue drains.
func (s *QueueService) stopInstances(ctx context.Context, repo *models.Repo) {
	slaveList, err := s.slaveStore.ListByRepo(ctx, nil, repo.ID)
	if err != nil {
		s.Errorf("Error listing slaves for repo %s: %v", repo.Name, err)
		return
	}
	for _, slave := range slaveList {
		if _, err := s.slaveService.StopInstance(ctx, slave); err != nil {
			s.Errorf("Error stopping instance for slave %s: %v", slave.Name, err)
		}
	}
}

func (s *QueueService) addRunningBuild(ctx context.Context, repoID models.RepoID) {
	repo, err := s.repoStore.Read(ctx, nil, repoID)
	if err != nil {
		s.Errorf("Error reading repo %s: %v", repoID, err)
		return
	}
	repo.RunningBuilds++
	if err := s.repoStore.Update(ctx, nil, repo); err != nil {
		s.Errorf("Error updating running builds of repo %s: %v", repoID, err)
	}
}

func (s *QueueService) rmRunningBuild(ctx context.Context, repoID models.RepoID) {
	repo, err := s.repoStore.Read(ctx, nil, repoID)
	if err != nil {
		s.Errorf("Error reading repo %s: %v", repoID, err)
		return
	}
	if repo.RunningBuilds > 0 {
		repo.RunningBuilds--
	}
	if err := s.repoStore.Update(ctx, nil, repo); err != nil {
		s.Errorf("Error updating running builds of repo %s: %v", repoID, err)
	}
}

func (s *QueueService) publish(ctx context.Context, event *models.Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = models.NewTime(s.clock.Now())
	}
	s.eventService.Publish(ctx, event)
	s.notifyService.PublishEvent(ctx, event)
}

// mergeEnvvars combines the repo's environment with the owner's secrets.
// Secrets never flow into builds of external revisions, and a secrets
// outage degrades to an empty secret set.
func (s *QueueService) mergeEnvvars(ctx context.Context, repo *models.Repo, build *models.Build) map[string]string {
	envvars := make(map[string]string, len(repo.Envvars))
	for k, v := range repo.Envvars {
		envvars[k] = v
	}
	if build.External != nil {
		return envvars
	}
	secrets, err := s.secretsService.GetSecrets(ctx, []string{repo.OwnerID})
	if err != nil {
		s.Errorf("Error fetching secrets for repo %s: %v", repo.Name, err)
		return envvars
	}
	for k, v := range secrets {
		envvars[k] = v
	}
	return envvars
}

var _ services.QueueService = (*QueueService)(nil)
