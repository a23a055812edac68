package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/toxicbuild/toxicmaster/common/models"
)

// EventHandler receives a lifecycle event published on the in-process bus.
// Handlers run on their own goroutine and must not block forever.
type EventHandler func(ctx context.Context, event *models.Event)

// EventService is the in-process signal bus. Lifecycle events fire here and
// on the outbound messaging exchanges; the bus is for listeners inside this
// process.
type EventService interface {
	// Subscribe registers a handler for the named event.
	Subscribe(name models.EventName, handler EventHandler)
	// Publish dispatches the event to all matching handlers asynchronously.
	Publish(ctx context.Context, event *models.Event)
	// Wait blocks until all in-flight handler tasks finish.
	Wait()
}

// NotifyService publishes lifecycle events to the outbound messaging
// exchanges and sends emails through the notifications API.
type NotifyService interface {
	// PublishEvent publishes the event to both exchanges with the same
	// payload. Publication failures are logged and swallowed.
	PublishEvent(ctx context.Context, event *models.Event)
	// SendEmail sends an email through the notifications web API.
	SendEmail(ctx context.Context, recipients []string, subject, message string) error
}

// LockService provides named distributed write-locks. Locks serialize slave
// mutations across processes.
type LockService interface {
	// Acquire blocks until the named lock is held or ctx is done. The
	// returned function releases the lock.
	Acquire(ctx context.Context, name string) (release func(), err error)
	// WithLock runs fn while holding the named lock.
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Instance is a cloud machine backing an on-demand slave.
type Instance interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning(ctx context.Context) (bool, error)
	GetIP(ctx context.Context) (string, error)
}

// InstanceFactory constructs an Instance handle from a slave's instance
// type and configuration.
type InstanceFactory interface {
	GetInstance(instanceType string, confs models.KVMap) (Instance, error)
}

// SlaveService owns worker state: queue accounting, on-demand instance
// lifecycle and the streaming build session.
type SlaveService interface {
	// EnqueueBuild records the build on the slave's queue. Returns false if
	// the build was already enqueued.
	EnqueueBuild(ctx context.Context, slave *models.Slave, build *models.Build) (bool, error)
	// DequeueBuild removes the build from the slave's queue. Returns false
	// if the build was not enqueued.
	DequeueBuild(ctx context.Context, slave *models.Slave, build *models.Build) (bool, error)
	// AddRunningRepo records that the slave started working for the repo.
	AddRunningRepo(ctx context.Context, slave *models.Slave, repoID models.RepoID) error
	// RmRunningRepo records that the slave stopped working for the repo.
	RmRunningRepo(ctx context.Context, slave *models.Slave, repoID models.RepoID) error
	// StartInstance boots the cloud instance behind an on-demand slave and
	// waits until the worker daemon answers healthchecks. Returns the
	// instance IP, or ok=false for slaves that are not on demand.
	StartInstance(ctx context.Context, slave *models.Slave) (ip string, ok bool, err error)
	// StopInstance stops the instance behind an idle on-demand slave.
	// Returns false if the slave is not on demand, still busy, or already
	// stopped.
	StopInstance(ctx context.Context, slave *models.Slave) (bool, error)
	// Build runs the build on the slave, streaming step updates into the
	// store until the session ends.
	Build(ctx context.Context, slave *models.Slave, build *models.Build, envvars map[string]string) error
	// CancelBuild asks the slave to cancel a running build. The terminal
	// status arrives through the regular stream.
	CancelBuild(ctx context.Context, slave *models.Slave, build *models.Build) error
	// ListBuilders asks the slave which builders the revision's config
	// declares and maps them to builder entities of the repo.
	ListBuilders(ctx context.Context, slave *models.Slave, repo *models.Repo, revision *models.Revision) ([]*models.Builder, error)
}

// QueueService converts revisions into buildsets and drives the
// per-repository consumer loops.
type QueueService interface {
	// AddBuilds creates buildsets for the revisions and feeds the repo
	// queues.
	AddBuilds(ctx context.Context, revisions []*models.Revision) error
	// CancelBuild cancels a single build by uuid.
	CancelBuild(ctx context.Context, buildUUID uuid.UUID) error
	// StartPending re-queues buildsets that still contain pending builds.
	// Called at process start.
	StartPending(ctx context.Context) error
}

// SecretsService fetches secrets for the owners of a repo. Secrets are
// injected into build environments.
type SecretsService interface {
	GetSecrets(ctx context.Context, owners []string) (map[string]string, error)
}
