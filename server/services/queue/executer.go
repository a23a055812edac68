package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toxicbuild/toxicmaster/common/gerror"
	"github.com/toxicbuild/toxicmaster/common/models"
)

// executerPollInterval paces the admission loop while builds wait on
// triggers or the parallelism cap.
const executerPollInterval = 500 * time.Millisecond

// readiness is the tri-state answer of a build's trigger rules.
type readiness int

const (
	// notReady means the build must keep waiting.
	notReady readiness = iota
	// ready means the build may run now.
	ready
	// neverReady means the rules can no longer be satisfied and the build
	// must be cancelled.
	neverReady
)

// buildExecuter runs the pending builds of one buildset, admitting them as
// their trigger rules allow and the repo's parallel_builds cap permits.
// Admission passes run concurrently (the poll loop plus every finished
// build), so builds are tracked by uuid and reloaded per pass; mutable
// build state is never shared between passes or with a running session.
type buildExecuter struct {
	service    *QueueService
	repoID     models.RepoID
	buildsetID models.BuildsetID

	mu       sync.Mutex
	repo     *models.Repo
	queue    []uuid.UUID
	running  int
	launched map[uuid.UUID]bool
	tasks    sync.WaitGroup
}

func newBuildExecuter(service *QueueService, repo *models.Repo, buildset *models.Buildset, builds []*models.Build) *buildExecuter {
	queue := make([]uuid.UUID, len(builds))
	for i, build := range builds {
		queue[i] = build.UUID
	}
	return &buildExecuter{
		service:    service,
		repoID:     repo.ID,
		buildsetID: buildset.ID,
		repo:       repo,
		queue:      queue,
		launched:   make(map[uuid.UUID]bool),
	}
}

// execute runs admission passes until the internal queue drains, then waits
// for the in-flight builds to finish.
func (e *buildExecuter) execute(ctx context.Context) {
	for {
		e.admit(ctx)
		e.mu.Lock()
		empty := len(e.queue) == 0
		e.mu.Unlock()
		if empty {
			break
		}
		timer := e.service.clock.Timer(executerPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.tasks.Wait()
			return
		case <-timer.C:
		}
	}
	e.tasks.Wait()
}

// admit is one admission pass: launch every build whose triggers are
// satisfied while the parallelism cap allows, cancel builds whose triggers
// can never be satisfied, and drop builds mutated from outside.
func (e *buildExecuter) admit(ctx context.Context) {
	repo, err := e.service.repoStore.Read(ctx, nil, e.repoID)
	if err != nil {
		e.service.Errorf("Error reloading repo %s: %v", e.repoID, err)
	} else {
		e.mu.Lock()
		e.repo = repo
		e.mu.Unlock()
	}

	e.mu.Lock()
	snapshot := make([]uuid.UUID, len(e.queue))
	copy(snapshot, e.queue)
	e.mu.Unlock()

	for _, buildUUID := range snapshot {
		build, err := e.service.buildsetStore.ReadBuild(ctx, nil, buildUUID)
		if err != nil {
			if !gerror.IsNotFound(err) {
				e.service.Errorf("Error reloading build %s: %v", buildUUID, err)
			}
			continue
		}
		state, err := e.isReady2Run(ctx, build)
		if err != nil {
			e.service.Errorf("Error checking readiness of build %s: %v", build.UUID, err)
			continue
		}
		switch state {
		case neverReady:
			e.cancelUnsatisfiable(ctx, build)
		case ready:
			e.mu.Lock()
			limitOK := e.repo.ParallelBuilds == 0 || e.running < e.repo.ParallelBuilds
			if limitOK && !e.launched[build.UUID] {
				e.launched[build.UUID] = true
				e.running++
				e.tasks.Add(1)
				// The freshly loaded build belongs to this session alone.
				go e.runBuild(ctx, build)
			}
			e.mu.Unlock()
		}
	}
	e.handleQueueChanges(ctx)
}

// isReady2Run evaluates the build's trigger rules against its siblings. The
// build is a private reload belonging to this pass.
func (e *buildExecuter) isReady2Run(ctx context.Context, build *models.Build) (readiness, error) {
	if build.Status != models.StatusPending {
		return notReady, nil
	}
	if len(build.TriggeredBy) == 0 {
		return ready, nil
	}

	rules := make(map[string][]models.Status, len(build.TriggeredBy))
	for _, trigger := range build.TriggeredBy {
		rules[trigger.BuilderName] = trigger.Statuses
	}
	buildset, err := e.service.buildsetStore.Read(ctx, nil, e.buildsetID)
	if err != nil {
		return notReady, err
	}

	satisfied := make(map[string]bool, len(rules))
	for _, sibling := range buildset.Builds {
		if sibling.UUID == build.UUID {
			continue
		}
		name, err := e.builderName(ctx, sibling.BuilderID)
		if err != nil {
			return notReady, err
		}
		statuses, hasRule := rules[name]
		if !hasRule {
			continue
		}
		if !sibling.Status.Terminal() {
			// The sibling has not settled yet; keep waiting.
			continue
		}
		accepted := false
		for _, status := range statuses {
			if sibling.Status == status {
				accepted = true
				break
			}
		}
		if !accepted {
			return neverReady, nil
		}
		satisfied[name] = true
	}
	if len(satisfied) == len(rules) {
		return ready, nil
	}
	return notReady, nil
}

func (e *buildExecuter) builderName(ctx context.Context, builderID models.BuilderID) (string, error) {
	builder, err := e.service.builderStore.Read(ctx, nil, builderID)
	if err != nil {
		return "", err
	}
	return builder.Name, nil
}

// cancelUnsatisfiable cancels a build whose triggers can never fire and
// removes it from the internal queue.
func (e *buildExecuter) cancelUnsatisfiable(ctx context.Context, build *models.Build) {
	e.service.Infof("Cancelling build %s, triggers cannot be satisfied", build.UUID)
	err := e.service.cancelBuild(ctx, build)
	if err != nil && !gerror.IsImpossibleCancellation(err) {
		e.service.Errorf("Error cancelling build %s: %v", build.UUID, err)
	}
	e.removeFromQueue(build.UUID)
}

// handleQueueChanges reloads the buildset and drops from the internal queue
// any build whose status changed from outside, e.g. an external cancel.
func (e *buildExecuter) handleQueueChanges(ctx context.Context) {
	buildset, err := e.service.buildsetStore.Read(ctx, nil, e.buildsetID)
	if err != nil {
		e.service.Errorf("Error reloading buildset %s: %v", e.buildsetID, err)
		return
	}
	current := make(map[uuid.UUID]models.Status, len(buildset.Builds))
	for _, build := range buildset.Builds {
		current[build.UUID] = build.Status
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.queue[:0]
	for _, buildUUID := range e.queue {
		status, ok := current[buildUUID]
		if !ok {
			continue
		}
		switch status {
		case models.StatusPending, models.StatusPreparing, models.StatusRunning:
			kept = append(kept, buildUUID)
		}
	}
	e.queue = kept
}

func (e *buildExecuter) removeFromQueue(buildUUID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, queued := range e.queue {
		if queued == buildUUID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// runBuild executes one build on its slave, recording any failure as a
// synthetic exception step so the build always reaches a terminal state.
// The build is owned by this session; admission passes work on their own
// reloads.
func (e *buildExecuter) runBuild(ctx context.Context, build *models.Build) {
	defer e.tasks.Done()
	s := e.service
	s.addRunningBuild(ctx, build.RepoID)
	defer func() {
		e.removeFromQueue(build.UUID)
		s.rmRunningBuild(ctx, build.RepoID)
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
		e.admit(ctx)
	}()

	if build.SlaveID == nil || build.SlaveID.IsZero() {
		e.setUnknownException(ctx, build, gerror.NewErrInternal("build has no slave assigned"))
		return
	}
	slave, err := s.slaveStore.Read(ctx, nil, *build.SlaveID)
	if err != nil {
		e.setUnknownException(ctx, build, err)
		return
	}
	e.mu.Lock()
	repo := e.repo
	e.mu.Unlock()
	envvars := s.mergeEnvvars(ctx, repo, build)

	s.sessions <- struct{}{}
	defer func() { <-s.sessions }()
	if err := s.slaveService.Build(ctx, slave, build, envvars); err != nil {
		e.setUnknownException(ctx, build, err)
	}
}

// setUnknownException forces the build into the exception state with a step
// explaining what went wrong.
func (e *buildExecuter) setUnknownException(ctx context.Context, build *models.Build, cause error) {
	s := e.service
	s.Errorf("Error running build %s: %v", build.UUID, cause)
	now := models.NewTime(s.clock.Now())
	if build.StartedAt == nil {
		build.StartedAt = &now
	}
	build.Status = models.StatusException
	build.FinishedAt = &now
	total := int(build.FinishedAt.Sub(build.StartedAt.Time).Seconds())
	build.TotalTime = &total
	zero := 0
	step := &models.BuildStep{
		UUID:       uuid.New(),
		BuildUUID:  build.UUID,
		RepoID:     build.RepoID,
		Name:       "Exception",
		Command:    "exception",
		Status:     models.StatusException,
		Output:     cause.Error(),
		Index:      len(build.Steps),
		StartedAt:  &now,
		FinishedAt: &now,
		TotalTime:  &zero,
	}
	if err := s.buildsetStore.CreateStep(ctx, nil, step); err != nil {
		s.Errorf("Error creating exception step for build %s: %v", build.UUID, err)
	} else {
		build.Steps = append(build.Steps, step)
	}
	if err := s.buildsetStore.UpdateBuild(ctx, nil, build); err != nil {
		s.Errorf("Error updating build %s: %v", build.UUID, err)
		return
	}
	s.publish(ctx, &models.Event{
		Name:       models.EventBuildFinished,
		RepoID:     build.RepoID,
		BuildsetID: build.BuildsetID,
		BuildUUID:  build.UUID,
		Status:     build.Status,
	})
}
