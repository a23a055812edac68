package models

import (
	"github.com/hashicorp/go-multierror"
)

// Buildset is the container for all builds produced from one revision.
type Buildset struct {
	ID         BuildsetID `json:"id" goqu:"skipupdate" db:"buildset_id"`
	CreatedAt  Time       `json:"created_at" goqu:"skipupdate" db:"buildset_created_at"`
	RepoID     RepoID     `json:"repo_id" goqu:"skipupdate" db:"buildset_repo_id"`
	RevisionID RevisionID `json:"revision_id" goqu:"skipupdate" db:"buildset_revision_id"`
	Number     int        `json:"number" db:"buildset_number"`
	Commit     string     `json:"commit" db:"buildset_commit"`
	CommitDate Time       `json:"commit_date" db:"buildset_commit_date"`
	CommitBody string     `json:"commit_body" db:"buildset_commit_body"`
	Branch     string     `json:"branch" db:"buildset_branch"`
	Author     string     `json:"author" db:"buildset_author"`
	Title      string     `json:"title" db:"buildset_title"`
	Status     Status     `json:"status" db:"buildset_status"`
	StartedAt  *Time      `json:"started_at,omitempty" db:"buildset_started_at"`
	FinishedAt *Time      `json:"finished_at,omitempty" db:"buildset_finished_at"`
	TotalTime  *int       `json:"total_time,omitempty" db:"buildset_total_time"`
	Builds     []*Build   `json:"builds" db:"-"`
}

// NewBuildset creates a buildset from a revision. The number is assigned by
// the store when the buildset is persisted.
func NewBuildset(now Time, revision *Revision) *Buildset {
	return &Buildset{
		ID:         NewBuildsetID(),
		CreatedAt:  now,
		RepoID:     revision.RepoID,
		RevisionID: revision.ID,
		Commit:     revision.Commit,
		CommitDate: revision.CommitDate,
		CommitBody: revision.Body,
		Branch:     revision.Branch,
		Author:     revision.Author,
		Title:      revision.Title,
		Status:     StatusPending,
	}
}

func (b *Buildset) GetID() ResourceID {
	return b.ID.ResourceID
}

func (b *Buildset) GetCreatedAt() Time {
	return b.CreatedAt
}

func (b *Buildset) Validate() error {
	var result *multierror.Error
	if b.ID.IsZero() {
		result = multierror.Append(result, errIDMissing)
	}
	if b.RepoID.IsZero() {
		result = multierror.Append(result, errRepoIDMissing)
	}
	if !b.Status.Valid() {
		result = multierror.Append(result, errStatusInvalid)
	}
	return result.ErrorOrNil()
}

// GetStatus aggregates the statuses of the buildset's builds. The buildset
// takes the highest precedence status among its builds, or StatusNoBuilds
// when it has none.
func (b *Buildset) GetStatus() Status {
	statuses := make([]Status, len(b.Builds))
	for i, build := range b.Builds {
		statuses[i] = build.Status
	}
	return AggregateStatus(statuses)
}

// GetPendingBuilds returns the builds still waiting to run.
func (b *Buildset) GetPendingBuilds() []*Build {
	var pending []*Build
	for _, build := range b.Builds {
		if build.Status == StatusPending {
			pending = append(pending, build)
		}
	}
	return pending
}

// GetBuild returns the build with the given builder id, or nil.
func (b *Buildset) GetBuild(builderID BuilderID) *Build {
	for _, build := range b.Builds {
		if build.BuilderID == builderID {
			return build
		}
	}
	return nil
}
