package models

import (
	"database/sql/driver"

	"github.com/hashicorp/go-multierror"
)

// BranchConfig is the per-branch build policy of a repository.
type BranchConfig struct {
	Name string `json:"name"`
	// NotifyOnlyLatest cancels older pending buildsets on the branch when a
	// newer one arrives.
	NotifyOnlyLatest bool `json:"notify_only_latest"`
}

// BranchConfigList is a list of branch configs persisted as a JSON column.
type BranchConfigList []BranchConfig

func (l *BranchConfigList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

func (l BranchConfigList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return valueJSON(l)
}

// Get returns the config for the named branch, or nil.
func (l BranchConfigList) Get(branch string) *BranchConfig {
	for i := range l {
		if l[i].Name == branch {
			return &l[i]
		}
	}
	return nil
}

// Repo is a source repository watched for revisions.
type Repo struct {
	ID        RepoID `json:"id" goqu:"skipupdate" db:"repo_id"`
	CreatedAt Time   `json:"created_at" goqu:"skipupdate" db:"repo_created_at"`
	Name      string `json:"name" db:"repo_name"`
	URL       string `json:"url" db:"repo_url"`
	VCSType   string `json:"vcs_type" db:"repo_vcs_type"`
	// OwnerID identifies the owner whose secrets are injected into builds.
	OwnerID string `json:"owner_id" db:"repo_owner_id"`
	// ParallelBuilds caps concurrent builds per buildset. Zero means
	// unlimited.
	ParallelBuilds int `json:"parallel_builds" db:"repo_parallel_builds"`
	// RunningBuilds counts the builds currently executing for the repo.
	RunningBuilds    int              `json:"running_builds" db:"repo_running_builds"`
	Envvars          KVMap            `json:"envvars" db:"repo_envvars"`
	Branches         BranchConfigList `json:"branches" db:"repo_branches"`
	Enabled          bool             `json:"enabled" db:"repo_enabled"`
	LatestBuildsetID *BuildsetID      `json:"latest_buildset_id,omitempty" db:"repo_latest_buildset_id"`
	ConfigType       string           `json:"config_type" db:"repo_config_type"`
	ConfigFilename   string           `json:"config_filename" db:"repo_config_filename"`
}

func NewRepo(now Time, name, url, vcsType, ownerID string, parallelBuilds int) *Repo {
	return &Repo{
		ID:             NewRepoID(),
		CreatedAt:      now,
		Name:           name,
		URL:            url,
		VCSType:        vcsType,
		OwnerID:        ownerID,
		ParallelBuilds: parallelBuilds,
		Enabled:        true,
	}
}

func (r *Repo) GetID() ResourceID {
	return r.ID.ResourceID
}

func (r *Repo) GetCreatedAt() Time {
	return r.CreatedAt
}

func (r *Repo) Validate() error {
	var result *multierror.Error
	if r.ID.IsZero() {
		result = multierror.Append(result, errIDMissing)
	}
	if r.Name == "" {
		result = multierror.Append(result, errNameMissing)
	}
	if r.URL == "" {
		result = multierror.Append(result, errURLMissing)
	}
	return result.ErrorOrNil()
}

// NotifyOnlyLatest reports whether older pending buildsets on the branch
// should be cancelled when a newer buildset arrives.
func (r *Repo) NotifyOnlyLatest(branch string) bool {
	conf := r.Branches.Get(branch)
	return conf != nil && conf.NotifyOnlyLatest
}
