// Package clients implements the wire clients the master uses to talk to
// the other daemons of the fabric: the build workers, the poller and the
// secrets service. All of them speak the length-prefixed JSON protocol.
package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/toxicbuild/toxicmaster/common/gerror"
	"github.com/toxicbuild/toxicmaster/common/protocol"
)

// DefaultRequestTimeout applies to the write and to each read of a request
// when the caller does not configure one.
const DefaultRequestTimeout = 30 * time.Second

// DaemonConfig locates an external daemon and carries its auth token.
type DaemonConfig struct {
	Host         string
	Port         int
	UseSSL       bool
	ValidateCert bool
	Token        string
	Timeout      time.Duration
}

func (c DaemonConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultRequestTimeout
}

// doRequest performs a single request/response round trip against the
// daemon and decodes the response body into dest (when dest is non-nil).
func doRequest(ctx context.Context, config DaemonConfig, action string, body, dest interface{}) error {
	conn, err := protocol.Dial(ctx, config.Host, config.Port, config.UseSSL, config.ValidateCert, config.timeout())
	if err != nil {
		return fmt.Errorf("error connecting for action %q: %w", action, err)
	}
	defer conn.Close()
	resp, err := roundTrip(conn, config.Token, action, body)
	if err != nil {
		return err
	}
	if dest != nil {
		if err := resp.DecodeBody(dest); err != nil {
			return fmt.Errorf("error decoding %q response: %w", action, err)
		}
	}
	return nil
}

// roundTrip sends one request on an open connection and reads one response,
// turning protocol-level failures into client errors.
func roundTrip(conn *protocol.Conn, token, action string, body interface{}) (*protocol.Response, error) {
	if body == nil {
		body = map[string]interface{}{}
	}
	err := conn.Send(&protocol.Request{Action: action, Token: token, Body: body})
	if err != nil {
		return nil, fmt.Errorf("error sending %q request: %w", action, err)
	}
	resp, err := conn.Recv()
	if err != nil {
		return nil, fmt.Errorf("error reading %q response: %w", action, err)
	}
	if resp == nil {
		return nil, gerror.NewErrClient(fmt.Sprintf(
			"empty response to %q; the server probably expects a TLS connection", action))
	}
	if resp.Code != 0 {
		return nil, gerror.NewErrClient(fmt.Sprintf(
			"action %q failed with code %d: %s", action, resp.Code, string(resp.Body)))
	}
	return resp, nil
}
