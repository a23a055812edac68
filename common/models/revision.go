package models

import (
	"strings"

	"github.com/hashicorp/go-multierror"
)

var skipMarkers = []string{"ci: skip", "ci:skip"}

// Revision is a commit reported by the poller.
type Revision struct {
	ID         RevisionID `json:"id" goqu:"skipupdate" db:"revision_id"`
	CreatedAt  Time       `json:"created_at" goqu:"skipupdate" db:"revision_created_at"`
	RepoID     RepoID     `json:"repo_id" db:"revision_repo_id"`
	Commit     string     `json:"commit" db:"revision_commit"`
	CommitDate Time       `json:"commit_date" db:"revision_commit_date"`
	Branch     string     `json:"branch" db:"revision_branch"`
	Author     string     `json:"author" db:"revision_author"`
	Title      string     `json:"title" db:"revision_title"`
	Body       string     `json:"body" db:"revision_body"`
	// Config is the raw build config found at the revision, empty when the
	// revision carries no config file.
	Config string `json:"config" db:"revision_config"`
	// BuildersFallback names a branch whose builders are used when the
	// revision's own branch declares none.
	BuildersFallback string            `json:"builders_fallback" db:"revision_builders_fallback"`
	External         *ExternalRevision `json:"external,omitempty" db:"revision_external"`
}

func NewRevision(now Time, repoID RepoID, commit string, commitDate Time, branch, author, title string) *Revision {
	return &Revision{
		ID:         NewRevisionID(),
		CreatedAt:  now,
		RepoID:     repoID,
		Commit:     commit,
		CommitDate: commitDate,
		Branch:     branch,
		Author:     author,
		Title:      title,
	}
}

func (r *Revision) GetID() ResourceID {
	return r.ID.ResourceID
}

func (r *Revision) GetCreatedAt() Time {
	return r.CreatedAt
}

func (r *Revision) Validate() error {
	var result *multierror.Error
	if r.ID.IsZero() {
		result = multierror.Append(result, errIDMissing)
	}
	if r.RepoID.IsZero() {
		result = multierror.Append(result, errRepoIDMissing)
	}
	if r.Commit == "" {
		result = multierror.Append(result, errCommitMissing)
	}
	return result.ErrorOrNil()
}

// CreateBuilds reports whether the revision should produce builds. Authors
// opt out of CI for a commit by putting a skip marker in the commit body.
func (r *Revision) CreateBuilds() bool {
	body := strings.ToLower(r.Body)
	for _, marker := range skipMarkers {
		if strings.Contains(body, marker) {
			return false
		}
	}
	return true
}
