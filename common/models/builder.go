package models

import (
	"database/sql/driver"

	"github.com/hashicorp/go-multierror"
)

// DefaultBuilderPosition orders builders that do not declare an explicit
// position in the build config.
const DefaultBuilderPosition = 10000

// BuildTrigger is a rule requiring another builder's build in the same
// buildset to reach one of the given statuses before this builder may run.
type BuildTrigger struct {
	BuilderName string   `json:"builder_name"`
	Statuses    []Status `json:"statuses"`
}

// TriggerList is a list of triggers persisted as a JSON column.
type TriggerList []BuildTrigger

func (l *TriggerList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

func (l TriggerList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return valueJSON(l)
}

// Builder is a named recipe from a repository's build config. One build is
// produced per builder for each revision.
type Builder struct {
	ID        BuilderID `json:"id" goqu:"skipupdate" db:"builder_id"`
	CreatedAt Time      `json:"created_at" goqu:"skipupdate" db:"builder_created_at"`
	RepoID    RepoID    `json:"repo_id" db:"builder_repo_id"`
	Name      string    `json:"name" db:"builder_name"`
	Position  int       `json:"position" db:"builder_position"`
	// TriggeredBy comes from the revision's build config and is scoped to
	// the revision being processed, so it is never persisted.
	TriggeredBy TriggerList `json:"-" db:"-"`
}

func NewBuilder(now Time, repoID RepoID, name string, position int) *Builder {
	return &Builder{
		ID:        NewBuilderID(),
		CreatedAt: now,
		RepoID:    repoID,
		Name:      name,
		Position:  position,
	}
}

func (b *Builder) GetID() ResourceID {
	return b.ID.ResourceID
}

func (b *Builder) GetCreatedAt() Time {
	return b.CreatedAt
}

func (b *Builder) Validate() error {
	var result *multierror.Error
	if b.ID.IsZero() {
		result = multierror.Append(result, errIDMissing)
	}
	if b.RepoID.IsZero() {
		result = multierror.Append(result, errRepoIDMissing)
	}
	if b.Name == "" {
		result = multierror.Append(result, errNameMissing)
	}
	return result.ErrorOrNil()
}
