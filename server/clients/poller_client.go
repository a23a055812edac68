package clients

import (
	"context"

	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
)

// PollRequest asks the poller to fetch new revisions for a repo. Since maps
// branch names to the wire-formatted commit date of the latest known
// revision on that branch.
type PollRequest struct {
	RepoID        string                   `json:"repo_id"`
	URL           string                   `json:"url"`
	VCSType       string                   `json:"vcs_type"`
	KnownBranches []string                 `json:"known_branches"`
	Since         map[string]string        `json:"since"`
	BranchesConf  models.BranchConfigList  `json:"branches_conf"`
	External      *models.ExternalRevision `json:"external,omitempty"`
	ConfFile      string                   `json:"conffile"`
}

// RevisionInfo is one revision reported by the poller. CommitDate is a
// wire-format timestamp.
type RevisionInfo struct {
	Commit           string                   `json:"commit"`
	CommitDate       string                   `json:"commit_date"`
	Branch           string                   `json:"branch"`
	Author           string                   `json:"author"`
	Title            string                   `json:"title"`
	Body             string                   `json:"body"`
	Config           string                   `json:"config"`
	BuildersFallback string                   `json:"builders_fallback"`
	External         *models.ExternalRevision `json:"external,omitempty"`
}

type PollResponse struct {
	WithClone   bool            `json:"with_clone"`
	CloneStatus string          `json:"clone_status"`
	Revisions   []*RevisionInfo `json:"revisions"`
}

// PollerClient talks to the poller daemon. Each call opens its own
// connection.
type PollerClient struct {
	logger.Log
	config DaemonConfig
}

func NewPollerClient(config DaemonConfig, logFactory logger.LogFactory) *PollerClient {
	return &PollerClient{
		Log:    logFactory("PollerClient"),
		config: config,
	}
}

// Poll fetches new revisions for the repo described by req.
func (c *PollerClient) Poll(ctx context.Context, req *PollRequest) (*PollResponse, error) {
	resp := &PollResponse{}
	err := doRequest(ctx, c.config, "poll", req, resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
