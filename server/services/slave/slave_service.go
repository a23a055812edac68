// Package slave implements the worker-facing side of the master: queue
// accounting for the worker daemons, on-demand instance lifecycle, and the
// streaming build session that turns worker frames into durable state.
package slave

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/toxicbuild/toxicmaster/common/gerror"
	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/clients"
	"github.com/toxicbuild/toxicmaster/server/services"
	"github.com/toxicbuild/toxicmaster/server/store/builders"
	"github.com/toxicbuild/toxicmaster/server/store/buildsets"
	"github.com/toxicbuild/toxicmaster/server/store/repos"
	"github.com/toxicbuild/toxicmaster/server/store/slaves"
)

const (
	// healthcheckRetries bounds how long StartInstance waits for the worker
	// daemon to answer after the machine is up.
	healthcheckRetries  = 60
	healthcheckInterval = 500 * time.Millisecond

	// stepWaitRetries bounds how long an output fragment waits for its step
	// to be materialised by a preceding step frame.
	stepWaitRetries  = 5
	stepWaitInterval = 100 * time.Millisecond
)

// SlaveService owns worker state. Queue and running counters are mutated
// under the slave's distributed write-lock so concurrent masters agree on
// them.
type SlaveService struct {
	logger.Log
	slaveStore      *slaves.SlaveStore
	buildsetStore   *buildsets.BuildsetStore
	builderStore    *builders.BuilderStore
	repoStore       *repos.RepoStore
	lockService     services.LockService
	eventService    services.EventService
	notifyService   services.NotifyService
	instanceFactory services.InstanceFactory
	clock           clock.Clock
	// timeout applies to the write and to each read of a worker session.
	timeout time.Duration

	mu sync.Mutex
	// stepOutputSeq maps step uuid to the last accepted fragment sequence.
	// Fragments at or below the recorded sequence are retransmits or
	// reorderings and are dropped.
	stepOutputSeq map[uuid.UUID]int
}

func NewSlaveService(
	slaveStore *slaves.SlaveStore,
	buildsetStore *buildsets.BuildsetStore,
	builderStore *builders.BuilderStore,
	repoStore *repos.RepoStore,
	lockService services.LockService,
	eventService services.EventService,
	notifyService services.NotifyService,
	instanceFactory services.InstanceFactory,
	clk clock.Clock,
	timeout time.Duration,
	logFactory logger.LogFactory,
) *SlaveService {
	return &SlaveService{
		Log:             logFactory("SlaveService"),
		slaveStore:      slaveStore,
		buildsetStore:   buildsetStore,
		builderStore:    builderStore,
		repoStore:       repoStore,
		lockService:     lockService,
		eventService:    eventService,
		notifyService:   notifyService,
		instanceFactory: instanceFactory,
		clock:           clk,
		timeout:         timeout,
		stepOutputSeq:   make(map[uuid.UUID]int),
	}
}

func slaveLockName(slave *models.Slave) string {
	return fmt.Sprintf("slave-%s", slave.ID)
}

// EnqueueBuild records the build on the slave's queue. Enqueueing the same
// build twice is a no-op that returns false.
func (s *SlaveService) EnqueueBuild(ctx context.Context, slave *models.Slave, build *models.Build) (bool, error) {
	var added bool
	err := s.lockService.WithLock(ctx, slaveLockName(slave), func(ctx context.Context) error {
		var err error
		added, err = s.enqueueBuildLocked(ctx, slave, build)
		return err
	})
	return added, err
}

// DequeueBuild removes the build from the slave's queue. Dequeueing a build
// that is not enqueued is a no-op that returns false.
func (s *SlaveService) DequeueBuild(ctx context.Context, slave *models.Slave, build *models.Build) (bool, error) {
	var removed bool
	err := s.lockService.WithLock(ctx, slaveLockName(slave), func(ctx context.Context) error {
		var err error
		removed, err = s.dequeueBuildLocked(ctx, slave, build)
		return err
	})
	return removed, err
}

// AddRunningRepo records that the slave started working for the repo.
func (s *SlaveService) AddRunningRepo(ctx context.Context, slave *models.Slave, repoID models.RepoID) error {
	return s.lockService.WithLock(ctx, slaveLockName(slave), func(ctx context.Context) error {
		return s.addRunningRepoLocked(ctx, slave, repoID)
	})
}

// RmRunningRepo records that the slave stopped working for the repo.
func (s *SlaveService) RmRunningRepo(ctx context.Context, slave *models.Slave, repoID models.RepoID) error {
	return s.lockService.WithLock(ctx, slaveLockName(slave), func(ctx context.Context) error {
		return s.rmRunningRepoLocked(ctx, slave, repoID)
	})
}

// The locked variants below require the caller to hold the slave's
// write-lock. They reload the slave so the counters always derive from the
// latest persisted state, and write the result back into the caller's model.

func (s *SlaveService) enqueueBuildLocked(ctx context.Context, slave *models.Slave, build *models.Build) (bool, error) {
	fresh, err := s.slaveStore.Read(ctx, nil, slave.ID)
	if err != nil {
		return false, err
	}
	defer func() { *slave = *fresh }()
	if fresh.EnqueuedBuilds.Contains(build.UUID.String()) {
		return false, nil
	}
	fresh.EnqueuedBuilds = append(fresh.EnqueuedBuilds, build.UUID.String())
	fresh.QueueCount = len(fresh.EnqueuedBuilds)
	return true, s.slaveStore.Update(ctx, nil, fresh)
}

func (s *SlaveService) dequeueBuildLocked(ctx context.Context, slave *models.Slave, build *models.Build) (bool, error) {
	fresh, err := s.slaveStore.Read(ctx, nil, slave.ID)
	if err != nil {
		return false, err
	}
	defer func() { *slave = *fresh }()
	remaining, found := fresh.EnqueuedBuilds.Remove(build.UUID.String())
	if !found {
		return false, nil
	}
	fresh.EnqueuedBuilds = remaining
	fresh.QueueCount = len(fresh.EnqueuedBuilds)
	return true, s.slaveStore.Update(ctx, nil, fresh)
}

func (s *SlaveService) addRunningRepoLocked(ctx context.Context, slave *models.Slave, repoID models.RepoID) error {
	fresh, err := s.slaveStore.Read(ctx, nil, slave.ID)
	if err != nil {
		return err
	}
	defer func() { *slave = *fresh }()
	if !fresh.RunningRepos.Contains(repoID.String()) {
		fresh.RunningRepos = append(fresh.RunningRepos, repoID.String())
	}
	fresh.RunningCount = len(fresh.RunningRepos)
	return s.slaveStore.Update(ctx, nil, fresh)
}

func (s *SlaveService) rmRunningRepoLocked(ctx context.Context, slave *models.Slave, repoID models.RepoID) error {
	fresh, err := s.slaveStore.Read(ctx, nil, slave.ID)
	if err != nil {
		return err
	}
	defer func() { *slave = *fresh }()
	fresh.RunningRepos, _ = fresh.RunningRepos.Remove(repoID.String())
	fresh.RunningCount = len(fresh.RunningRepos)
	return s.slaveStore.Update(ctx, nil, fresh)
}

// StartInstance boots the machine behind an on-demand slave and waits until
// the worker daemon answers healthchecks. The slave's host is updated with
// the instance address. Returns ok=false for slaves that are not on demand.
func (s *SlaveService) StartInstance(ctx context.Context, slave *models.Slave) (string, bool, error) {
	if !slave.OnDemand {
		return "", false, nil
	}
	instance, err := s.instanceFactory.GetInstance(slave.InstanceType, slave.InstanceConfs)
	if err != nil {
		return "", false, err
	}
	running, err := instance.IsRunning(ctx)
	if err != nil {
		return "", false, err
	}
	if !running {
		s.Infof("Starting instance for slave %s", slave.Name)
		if err := instance.Start(ctx); err != nil {
			return "", false, err
		}
	}
	ip, err := instance.GetIP(ctx)
	if err != nil {
		return "", false, err
	}
	if !running || slave.Host == models.DynamicHost {
		slave.Host = ip
		if err := s.slaveStore.Update(ctx, nil, slave); err != nil {
			return "", false, err
		}
	}
	if err := s.waitServiceStart(ctx, slave); err != nil {
		return "", false, err
	}
	return ip, true, nil
}

// StopInstance stops the machine behind an idle on-demand slave. Returns
// false without stopping when the slave is not on demand, still has queued
// or running work, or is already stopped.
func (s *SlaveService) StopInstance(ctx context.Context, slave *models.Slave) (bool, error) {
	if !slave.OnDemand {
		return false, nil
	}
	if slave.QueueCount > 0 || slave.RunningCount > 0 {
		return false, nil
	}
	instance, err := s.instanceFactory.GetInstance(slave.InstanceType, slave.InstanceConfs)
	if err != nil {
		return false, err
	}
	running, err := instance.IsRunning(ctx)
	if err != nil {
		return false, err
	}
	if !running {
		return false, nil
	}
	s.Infof("Stopping instance for slave %s", slave.Name)
	if err := instance.Stop(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// waitServiceStart polls the worker healthcheck until it answers. Connect
// failures are retried up to healthcheckRetries and reported as a timeout
// beyond that. Protocol-level client errors mean the daemon is up but
// mismatched and propagate immediately.
func (s *SlaveService) waitServiceStart(ctx context.Context, slave *models.Slave) error {
	for i := 0; i < healthcheckRetries; i++ {
		client, err := clients.DialSlave(ctx, slave, s.timeout)
		if err == nil {
			err = client.Healthcheck(ctx)
			client.Close()
		}
		if err == nil {
			return nil
		}
		if gerror.IsClient(err) {
			return err
		}
		s.Debugf("Healthcheck for slave %s not ready: %v", slave.Name, err)
		timer := s.clock.Timer(healthcheckInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return gerror.NewErrTimeout(fmt.Sprintf("slave %s did not start in time", slave.Name))
}

// Build runs the build on the slave, streaming step updates into the store
// until the session ends. The session runs under the slave's write-lock.
func (s *SlaveService) Build(ctx context.Context, slave *models.Slave, build *models.Build, envvars map[string]string) error {
	release, err := s.lockService.Acquire(ctx, slaveLockName(slave))
	if err != nil {
		return err
	}
	defer release()
	defer s.dropOutputSeq(build)

	repo, err := s.repoStore.Read(ctx, nil, build.RepoID)
	if err != nil {
		return err
	}
	builder, err := s.builderStore.Read(ctx, nil, build.BuilderID)
	if err != nil {
		return err
	}

	if err := s.addRunningRepoLocked(ctx, slave, build.RepoID); err != nil {
		s.Errorf("Error recording running repo on slave %s: %v", slave.Name, err)
	}
	defer func() {
		if err := s.rmRunningRepoLocked(ctx, slave, build.RepoID); err != nil {
			s.Errorf("Error clearing running repo on slave %s: %v", slave.Name, err)
		}
		if _, err := s.dequeueBuildLocked(ctx, slave, build); err != nil {
			s.Errorf("Error dequeueing build %s from slave %s: %v", build.UUID, slave.Name, err)
		}
	}()

	build.Status = models.StatusPreparing
	if err := s.buildsetStore.UpdateBuild(ctx, nil, build); err != nil {
		return err
	}

	if _, _, err := s.StartInstance(ctx, slave); err != nil {
		s.finishBuildStartException(ctx, build, err)
		return nil
	}

	client, err := clients.DialSlave(ctx, slave, s.timeout)
	if err != nil {
		return err
	}
	defer client.Close()

	stream, err := client.StartBuild(ctx, &clients.BuildRequest{
		RepoURL:        repo.URL,
		BuildUUID:      build.UUID,
		Envvars:        envvars,
		RepoID:         repo.ID.String(),
		VCSType:        repo.VCSType,
		Branch:         build.Branch,
		NamedTree:      build.NamedTree,
		BuilderName:    builder.Name,
		ConfigType:     repo.ConfigType,
		ConfigFilename: repo.ConfigFilename,
		BuildersFrom:   build.BuildersFrom,
		External:       build.External,
	})
	if err != nil {
		return err
	}
	for {
		msg, err := stream.Next()
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		switch msg.InfoType {
		case clients.MessageBuildInfo:
			s.processBuildInfo(ctx, build, msg)
		case clients.MessageStepInfo:
			s.processStepInfo(ctx, build, &msg.StepInfo)
		case clients.MessageStepOutputInfo:
			s.processStepOutputInfo(ctx, build, msg)
		default:
			s.Warnf("Unknown info type %q in build %s stream", msg.InfoType, build.UUID)
		}
	}
}

// CancelBuild asks the worker to cancel the build. No local state changes;
// the terminal status arrives through the regular session stream.
func (s *SlaveService) CancelBuild(ctx context.Context, slave *models.Slave, build *models.Build) error {
	client, err := clients.DialSlave(ctx, slave, s.timeout)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.CancelBuild(ctx, build.UUID)
}

// ListBuilders asks the worker which builders the revision's config
// declares and maps the names to builder entities of the repo, in config
// order.
func (s *SlaveService) ListBuilders(ctx context.Context, slave *models.Slave, repo *models.Repo, revision *models.Revision) ([]*models.Builder, error) {
	client, err := clients.DialSlave(ctx, slave, s.timeout)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	names, err := client.ListBuilders(ctx, &clients.ListBuildersRequest{
		RepoURL:        repo.URL,
		VCSType:        repo.VCSType,
		Branch:         revision.Branch,
		NamedTree:      revision.Commit,
		ConfigType:     repo.ConfigType,
		ConfigFilename: repo.ConfigFilename,
	})
	if err != nil {
		return nil, err
	}
	result := make([]*models.Builder, 0, len(names))
	for i, name := range names {
		builder, err := s.builderStore.FindOrCreate(ctx, nil, repo.ID, name, i)
		if err != nil {
			return nil, err
		}
		result = append(result, builder)
	}
	return result, nil
}

// processBuildInfo applies a build_info frame: status transition plus the
// started/finished markers, persisted atomically. A failed persist means
// the build is gone and the frame is dropped.
func (s *SlaveService) processBuildInfo(ctx context.Context, build *models.Build, msg *clients.WorkerMessage) bool {
	build.Status = msg.Status
	started := build.StartedAt == nil && msg.Status == models.StatusRunning
	if started {
		build.StartedAt = wireTimePtr(msg.Started, s.clock)
	}
	finished := build.FinishedAt == nil && msg.Status.Terminal()
	if finished {
		build.FinishedAt = wireTimePtr(msg.Finished, s.clock)
		if msg.TotalTime != nil {
			build.TotalTime = msg.TotalTime
		} else if build.StartedAt != nil {
			total := int(build.FinishedAt.Sub(build.StartedAt.Time).Seconds())
			build.TotalTime = &total
		}
	}
	err := s.buildsetStore.UpdateBuild(ctx, nil, build)
	if err != nil {
		s.Errorf("Error updating build %s: %v", build.UUID, err)
		return false
	}
	if started {
		s.publish(ctx, &models.Event{
			Name:      models.EventBuildStarted,
			RepoID:    build.RepoID,
			BuildUUID: build.UUID,
			Status:    build.Status,
		})
	}
	if finished {
		s.publish(ctx, &models.Event{
			Name:      models.EventBuildFinished,
			RepoID:    build.RepoID,
			BuildUUID: build.UUID,
			Status:    build.Status,
		})
	}
	return true
}

// processStepInfo applies a step_info frame, creating the step on first
// sight and merging subsequent frames into it.
func (s *SlaveService) processStepInfo(ctx context.Context, build *models.Build, info *clients.StepInfo) bool {
	step := build.GetStep(info.UUID)
	if step == nil {
		step = &models.BuildStep{
			UUID:       info.UUID,
			BuildUUID:  build.UUID,
			RepoID:     build.RepoID,
			Name:       info.Name,
			Command:    info.Command,
			Status:     info.Status,
			Output:     info.Output,
			Index:      info.Index,
			StartedAt:  wireTimePtrOrNil(info.Started),
			FinishedAt: wireTimePtrOrNil(info.Finished),
			TotalTime:  info.TotalTime,
		}
		err := s.buildsetStore.CreateStep(ctx, nil, step)
		if err != nil {
			s.Errorf("Error creating step %s: %v", info.UUID, err)
			return false
		}
		build.Steps = append(build.Steps, step)
		s.publish(ctx, &models.Event{
			Name:      models.EventStepStarted,
			RepoID:    build.RepoID,
			BuildUUID: build.UUID,
			StepUUID:  step.UUID,
			Status:    step.Status,
		})
		return true
	}

	wasTerminal := step.Status.Terminal()
	if info.Status == models.StatusException && info.Output != "" && step.Output != "" {
		// A step that blew up keeps what it had already printed; the
		// exception trace goes after it.
		step.Output = step.Output + info.Output
	} else if info.Output != "" {
		step.Output = info.Output
	}
	step.Name = info.Name
	step.Command = info.Command
	step.Status = info.Status
	step.Index = info.Index
	if t := wireTimePtrOrNil(info.Started); t != nil {
		step.StartedAt = t
	}
	if t := wireTimePtrOrNil(info.Finished); t != nil {
		step.FinishedAt = t
	}
	if info.TotalTime != nil {
		step.TotalTime = info.TotalTime
	}
	err := s.buildsetStore.UpdateStep(ctx, nil, step)
	if err != nil {
		s.Errorf("Error updating step %s: %v", step.UUID, err)
		return false
	}
	if !wasTerminal && step.Status.Terminal() {
		s.publish(ctx, &models.Event{
			Name:      models.EventStepFinished,
			RepoID:    build.RepoID,
			BuildUUID: build.UUID,
			StepUUID:  step.UUID,
			Status:    step.Status,
		})
	}
	return true
}

// processStepOutputInfo appends an output fragment to its step. Fragments
// arriving out of order or retransmitted are dropped by the sequence check.
func (s *SlaveService) processStepOutputInfo(ctx context.Context, build *models.Build, msg *clients.WorkerMessage) bool {
	if !s.acceptOutputSeq(msg.UUID, msg.Sequence) {
		s.Debugf("Dropping stale output fragment %d for step %s", msg.Sequence, msg.UUID)
		return false
	}
	step := s.getStep(ctx, build, msg.UUID, true)
	if step == nil {
		s.Warnf("Output fragment for unknown step %s dropped", msg.UUID)
		return false
	}
	step.Output += msg.Output
	err := s.buildsetStore.UpdateStep(ctx, nil, step)
	if err != nil {
		s.Errorf("Error appending output to step %s: %v", step.UUID, err)
		return false
	}
	s.publish(ctx, &models.Event{
		Name:      models.EventStepOutputArrived,
		RepoID:    build.RepoID,
		BuildUUID: build.UUID,
		StepUUID:  step.UUID,
		Output:    msg.Output,
	})
	return true
}

// acceptOutputSeq records the fragment sequence for the step and reports
// whether it advances the last accepted one.
func (s *SlaveService) acceptOutputSeq(stepUUID uuid.UUID, seq int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.stepOutputSeq[stepUUID] {
		return false
	}
	s.stepOutputSeq[stepUUID] = seq
	return true
}

func (s *SlaveService) dropOutputSeq(build *models.Build) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range build.Steps {
		delete(s.stepOutputSeq, step.UUID)
	}
}

// getStep finds the step inside the build. When wait is set and the step is
// not there yet the lookup retries a few times, reloading from the store,
// because the fragment may have overtaken its step frame.
func (s *SlaveService) getStep(ctx context.Context, build *models.Build, stepUUID uuid.UUID, wait bool) *models.BuildStep {
	step := build.GetStep(stepUUID)
	if step != nil || !wait {
		return step
	}
	for i := 0; i < stepWaitRetries; i++ {
		timer := s.clock.Timer(stepWaitInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		steps, err := s.buildsetStore.ListSteps(ctx, nil, build.UUID)
		if err != nil {
			s.Errorf("Error reloading steps of build %s: %v", build.UUID, err)
			continue
		}
		build.Steps = steps
		if step = build.GetStep(stepUUID); step != nil {
			return step
		}
	}
	return nil
}

// finishBuildStartException marks a build whose instance never came up. The
// failure is recorded as a synthetic exception step so the output explains
// what happened.
func (s *SlaveService) finishBuildStartException(ctx context.Context, build *models.Build, cause error) {
	s.Errorf("Error starting instance for build %s: %v", build.UUID, cause)
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
		Command:    "start instance",
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
		Name:      models.EventBuildFinished,
		RepoID:    build.RepoID,
		BuildUUID: build.UUID,
		Status:    build.Status,
	})
}

func (s *SlaveService) publish(ctx context.Context, event *models.Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = models.NewTime(s.clock.Now())
	}
	s.eventService.Publish(ctx, event)
	s.notifyService.PublishEvent(ctx, event)
}

// wireTimePtr parses a wire timestamp, falling back to the current time so
// transition markers are never left unset.
func wireTimePtr(value string, clk clock.Clock) *models.Time {
	if t := wireTimePtrOrNil(value); t != nil {
		return t
	}
	now := models.NewTime(clk.Now())
	return &now
}

func wireTimePtrOrNil(value string) *models.Time {
	if value == "" {
		return nil
	}
	t, err := models.ParseWireTime(value)
	if err != nil {
		return nil
	}
	return &t
}
