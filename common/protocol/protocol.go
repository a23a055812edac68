// Package protocol implements the length-prefixed JSON framing used to talk
// to the slave, poller and secrets daemons. A frame is the payload length in
// ASCII decimal, a newline, then the JSON payload. A zero-length frame
// signals end of stream.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// Request is the envelope for every request sent to a daemon.
type Request struct {
	Action string      `json:"action"`
	Token  string      `json:"token,omitempty"`
	Body   interface{} `json:"body"`
}

// Response is the envelope for every frame received from a daemon. Body is
// left raw so callers can decode it into action-specific types.
type Response struct {
	Code int             `json:"code"`
	Body json.RawMessage `json:"body"`
}

// HasBody reports whether the response carries a payload. A response with
// no body ends a stream.
func (r *Response) HasBody() bool {
	if len(r.Body) == 0 {
		return false
	}
	return !bytes.Equal(bytes.TrimSpace(r.Body), []byte("null"))
}

// DecodeBody unmarshals the response body into dest.
func (r *Response) DecodeBody(dest interface{}) error {
	return errors.Wrap(json.Unmarshal(r.Body, dest), "error decoding response body")
}

// WriteFrame marshals v and writes it as a single frame.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "error marshalling frame")
	}
	if _, err := fmt.Fprintf(w, "%d\n", len(payload)); err != nil {
		return errors.Wrap(err, "error writing frame length")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "error writing frame payload")
	}
	return nil
}

// ReadFrame reads one frame and returns its raw payload. An empty payload
// with a nil error means the peer sent an empty frame.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, errors.Wrap(err, "error reading frame length")
	}
	size, err := strconv.Atoi(header[:len(header)-1])
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing frame length %q", header)
	}
	if size == 0 {
		return nil, nil
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "error reading frame payload")
	}
	return payload, nil
}
