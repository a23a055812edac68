package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// Resource is implemented by every top-level persisted entity.
type Resource interface {
	GetID() ResourceID
	GetCreatedAt() Time
	Validate() error
}

type ResourceKind string

const (
	RepoResourceKind     ResourceKind = "repo"
	RevisionResourceKind ResourceKind = "revision"
	BuildsetResourceKind ResourceKind = "buildset"
	BuilderResourceKind  ResourceKind = "builder"
	SlaveResourceKind    ResourceKind = "slave"
)

// ResourceID is a globally unique identifier in the form "kind:uuid".
type ResourceID string

func NewResourceID(kind ResourceKind) ResourceID {
	return ResourceID(fmt.Sprintf("%s:%s", kind, uuid.NewString()))
}

func (r ResourceID) String() string {
	return string(r)
}

func (r ResourceID) IsZero() bool {
	return r == ""
}

func (r *ResourceID) Scan(src interface{}) error {
	if src == nil {
		*r = ""
		return nil
	}
	t, ok := src.(string)
	if !ok {
		return fmt.Errorf("error expected string: %#v", src)
	}
	*r = ResourceID(t)
	return nil
}

func (r ResourceID) Value() (driver.Value, error) {
	return string(r), nil
}

type RepoID struct {
	ResourceID
}

func NewRepoID() RepoID {
	return RepoID{ResourceID: NewResourceID(RepoResourceKind)}
}

type RevisionID struct {
	ResourceID
}

func NewRevisionID() RevisionID {
	return RevisionID{ResourceID: NewResourceID(RevisionResourceKind)}
}

type BuildsetID struct {
	ResourceID
}

func NewBuildsetID() BuildsetID {
	return BuildsetID{ResourceID: NewResourceID(BuildsetResourceKind)}
}

type BuilderID struct {
	ResourceID
}

func NewBuilderID() BuilderID {
	return BuilderID{ResourceID: NewResourceID(BuilderResourceKind)}
}

type SlaveID struct {
	ResourceID
}

func NewSlaveID() SlaveID {
	return SlaveID{ResourceID: NewResourceID(SlaveResourceKind)}
}
