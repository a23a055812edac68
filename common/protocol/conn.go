package protocol

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Conn is a single request/response (or request/stream) connection to a
// daemon. The timeout applies to the write and to each individual read, so
// a stalled stream surfaces as an error instead of hanging forever.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// Dial opens a connection to host:port, negotiating TLS when useSSL is set.
func Dial(ctx context.Context, host string, port int, useSSL, validateCert bool, timeout time.Duration) (*Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "error connecting to %s", addr)
	}
	if useSSL {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: !validateCert,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "error in TLS handshake with %s", addr)
		}
		conn = tlsConn
	}
	return &Conn{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
	}, nil
}

// Send writes a request frame.
func (c *Conn) Send(req *Request) error {
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return errors.Wrap(err, "error setting write deadline")
		}
	}
	return WriteFrame(c.conn, req)
}

// Recv reads one response frame. An empty frame is returned as a nil
// response with a nil error.
func (c *Conn) Recv() (*Response, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, errors.Wrap(err, "error setting read deadline")
		}
	}
	payload, err := ReadFrame(c.reader)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	resp := &Response{}
	if err := json.Unmarshal(payload, resp); err != nil {
		return nil, errors.Wrap(err, "error decoding response frame")
	}
	return resp, nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
