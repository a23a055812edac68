package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/common/protocol"
)

// WorkerMessageType discriminates the frames a worker streams back during
// a build session.
type WorkerMessageType string

const (
	MessageBuildInfo      WorkerMessageType = "build_info"
	MessageStepInfo       WorkerMessageType = "step_info"
	MessageStepOutputInfo WorkerMessageType = "step_output_info"
)

// StepInfo is the worker's view of a build step. Timestamps are wire-format
// strings; see models.ParseWireTime.
type StepInfo struct {
	UUID      uuid.UUID     `json:"uuid"`
	Command   string        `json:"cmd"`
	Name      string        `json:"name"`
	Status    models.Status `json:"status"`
	Output    string        `json:"output"`
	Started   string        `json:"started"`
	Finished  string        `json:"finished"`
	Index     int           `json:"index"`
	TotalTime *int          `json:"total_time,omitempty"`
}

// WorkerMessage is one frame of a build session stream. The frame types
// share a flat key space, so a single struct covers all three.
type WorkerMessage struct {
	InfoType WorkerMessageType `json:"info_type"`
	StepInfo
	Steps    []*StepInfo `json:"steps,omitempty"`
	Sequence int         `json:"sequence"`
}

// ListBuildersRequest asks a worker which builders a revision's build
// config declares.
type ListBuildersRequest struct {
	RepoURL        string `json:"repo_url"`
	VCSType        string `json:"vcs_type"`
	Branch         string `json:"branch"`
	NamedTree      string `json:"named_tree"`
	ConfigType     string `json:"config_type"`
	ConfigFilename string `json:"config_filename"`
}

// BuildRequest is the full build descriptor sent to start a session.
type BuildRequest struct {
	RepoURL        string                   `json:"repo_url"`
	BuildUUID      uuid.UUID                `json:"build_uuid"`
	Envvars        map[string]string        `json:"envvars"`
	RepoID         string                   `json:"repo_id"`
	VCSType        string                   `json:"vcs_type"`
	Branch         string                   `json:"branch"`
	NamedTree      string                   `json:"named_tree"`
	BuilderName    string                   `json:"builder_name"`
	ConfigType     string                   `json:"config_type"`
	ConfigFilename string                   `json:"config_filename"`
	BuildersFrom   string                   `json:"builders_from"`
	External       *models.ExternalRevision `json:"external,omitempty"`
}

// BuildClient is a connection to a build worker daemon. One client backs
// one request or one streaming session.
type BuildClient struct {
	conn  *protocol.Conn
	token string
}

// DialSlave opens a client connection to the slave's worker daemon.
func DialSlave(ctx context.Context, slave *models.Slave, timeout time.Duration) (*BuildClient, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	conn, err := protocol.Dial(ctx, slave.Host, slave.Port, slave.UseSSL, slave.ValidateCert, timeout)
	if err != nil {
		return nil, err
	}
	return &BuildClient{conn: conn, token: slave.Token}, nil
}

func (c *BuildClient) Close() error {
	return c.conn.Close()
}

// Healthcheck performs a single round trip to check the worker is up. An
// empty response means the server expects TLS and is reported as a client
// error, not as the worker being down.
func (c *BuildClient) Healthcheck(ctx context.Context) error {
	_, err := roundTrip(c.conn, c.token, "healthcheck", nil)
	return err
}

// ListBuilders returns the builder names declared by the revision's config,
// in declaration order.
func (c *BuildClient) ListBuilders(ctx context.Context, req *ListBuildersRequest) ([]string, error) {
	resp, err := roundTrip(c.conn, c.token, "list_builders", req)
	if err != nil {
		return nil, err
	}
	body := struct {
		Builders []string `json:"builders"`
	}{}
	if err := resp.DecodeBody(&body); err != nil {
		return nil, fmt.Errorf("error decoding list_builders response: %w", err)
	}
	return body.Builders, nil
}

// StartBuild sends the build request and returns the session stream. The
// caller owns the client until the stream ends.
func (c *BuildClient) StartBuild(ctx context.Context, req *BuildRequest) (*BuildStream, error) {
	err := c.conn.Send(&protocol.Request{Action: "build", Token: c.token, Body: req})
	if err != nil {
		return nil, fmt.Errorf("error sending build request: %w", err)
	}
	return &BuildStream{conn: c.conn}, nil
}

// CancelBuild asks the worker to cancel the build. The terminal status
// arrives through the regular session stream, not here.
func (c *BuildClient) CancelBuild(ctx context.Context, buildUUID uuid.UUID) error {
	body := map[string]interface{}{"build_uuid": buildUUID}
	_, err := roundTrip(c.conn, c.token, "cancel_build", body)
	return err
}

// BuildStream iterates the frames of a build session.
type BuildStream struct {
	conn *protocol.Conn
}

// Next returns the next frame of the session, or (nil, nil) when the worker
// signals end of stream.
func (s *BuildStream) Next() (*WorkerMessage, error) {
	resp, err := s.conn.Recv()
	if err != nil {
		return nil, fmt.Errorf("error reading build stream: %w", err)
	}
	if resp == nil || !resp.HasBody() {
		return nil, nil
	}
	msg := &WorkerMessage{}
	if err := resp.DecodeBody(msg); err != nil {
		return nil, fmt.Errorf("error decoding build stream frame: %w", err)
	}
	return msg, nil
}
