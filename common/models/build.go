package models

import (
	"database/sql/driver"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// ExternalRevision describes a revision that came from outside the
// repository itself, e.g. a pull request from a fork.
type ExternalRevision struct {
	URL        string `json:"url"`
	Name       string `json:"name"`
	Branch     string `json:"branch"`
	IntoBranch string `json:"into_branch"`
}

func (e *ExternalRevision) Scan(src interface{}) error {
	return scanJSON(src, e)
}

func (e ExternalRevision) Value() (driver.Value, error) {
	return valueJSON(e)
}

// BuildStep is one command executed inside a build. Steps are owned by
// their build and mutated as step frames arrive from the slave.
type BuildStep struct {
	UUID      uuid.UUID `json:"uuid" goqu:"skipupdate" db:"build_step_uuid"`
	BuildUUID uuid.UUID `json:"build_uuid" goqu:"skipupdate" db:"build_step_build_uuid"`
	RepoID    RepoID    `json:"repo_id" db:"build_step_repo_id"`
	Name      string    `json:"name" db:"build_step_name"`
	Command   string    `json:"command" db:"build_step_command"`
	Status    Status    `json:"status" db:"build_step_status"`
	Output    string    `json:"output" db:"build_step_output"`
	Index     int       `json:"index" db:"build_step_index"`
	StartedAt *Time     `json:"started_at,omitempty" db:"build_step_started_at"`
	// FinishedAt is only set when Status is terminal.
	FinishedAt *Time `json:"finished_at,omitempty" db:"build_step_finished_at"`
	TotalTime  *int  `json:"total_time,omitempty" db:"build_step_total_time"`
}

func (s *BuildStep) Validate() error {
	var result *multierror.Error
	if s.UUID == uuid.Nil {
		result = multierror.Append(result, errUUIDMissing)
	}
	if s.BuildUUID == uuid.Nil {
		result = multierror.Append(result, errBuildUUIDMissing)
	}
	if !s.Status.Valid() {
		result = multierror.Append(result, errStatusInvalid)
	}
	return result.ErrorOrNil()
}

// Build is one builder's execution for one revision. Builds are owned by
// their buildset and numbered per repository.
type Build struct {
	UUID       uuid.UUID  `json:"uuid" goqu:"skipupdate" db:"build_uuid"`
	BuildsetID BuildsetID `json:"buildset_id" goqu:"skipupdate" db:"build_buildset_id"`
	RepoID     RepoID     `json:"repo_id" goqu:"skipupdate" db:"build_repo_id"`
	BuilderID  BuilderID  `json:"builder_id" db:"build_builder_id"`
	// SlaveID is assigned at dispatch time, right before the build runs.
	SlaveID      *SlaveID          `json:"slave_id,omitempty" db:"build_slave_id"`
	Number       int               `json:"number" db:"build_number"`
	Branch       string            `json:"branch" db:"build_branch"`
	NamedTree    string            `json:"named_tree" db:"build_named_tree"`
	BuildersFrom string            `json:"builders_from" db:"build_builders_from"`
	Status       Status            `json:"status" db:"build_status"`
	TriggeredBy  TriggerList       `json:"triggered_by" db:"build_triggered_by"`
	External     *ExternalRevision `json:"external,omitempty" db:"build_external"`
	StartedAt    *Time             `json:"started_at,omitempty" db:"build_started_at"`
	FinishedAt   *Time             `json:"finished_at,omitempty" db:"build_finished_at"`
	TotalTime    *int              `json:"total_time,omitempty" db:"build_total_time"`
	Steps        []*BuildStep      `json:"steps" db:"-"`
}

func NewBuild(buildsetID BuildsetID, repoID RepoID, builder *Builder, number int, branch, namedTree, buildersFrom string, external *ExternalRevision) *Build {
	return &Build{
		UUID:         uuid.New(),
		BuildsetID:   buildsetID,
		RepoID:       repoID,
		BuilderID:    builder.ID,
		Number:       number,
		Branch:       branch,
		NamedTree:    namedTree,
		BuildersFrom: buildersFrom,
		Status:       StatusPending,
		TriggeredBy:  builder.TriggeredBy,
		External:     external,
	}
}

func (b *Build) Validate() error {
	var result *multierror.Error
	if b.UUID == uuid.Nil {
		result = multierror.Append(result, errUUIDMissing)
	}
	if b.BuildsetID.IsZero() {
		result = multierror.Append(result, errBuildsetIDMissing)
	}
	if b.RepoID.IsZero() {
		result = multierror.Append(result, errRepoIDMissing)
	}
	if b.BuilderID.IsZero() {
		result = multierror.Append(result, errBuilderIDMissing)
	}
	if !b.Status.Valid() {
		result = multierror.Append(result, errStatusInvalid)
	}
	return result.ErrorOrNil()
}

// GetStep returns the step with the given uuid, or nil.
func (b *Build) GetStep(stepUUID uuid.UUID) *BuildStep {
	for _, step := range b.Steps {
		if step.UUID == stepUUID {
			return step
		}
	}
	return nil
}

// Output concatenates the output of every step, each preceded by its
// command.
func (b *Build) Output() string {
	var sb strings.Builder
	for _, step := range b.Steps {
		sb.WriteString(step.Command)
		sb.WriteString("\n")
		sb.WriteString(step.Output)
		sb.WriteString("\n\n")
	}
	return sb.String()
}
