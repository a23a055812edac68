package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, &Request{Action: "healthcheck", Token: "s3cr3t", Body: map[string]string{}})
	require.NoError(t, err)

	payload, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	req := &Request{}
	require.NoError(t, json.Unmarshal(payload, req))
	assert.Equal(t, "healthcheck", req.Action)
	assert.Equal(t, "s3cr3t", req.Token)
}

func TestReadFrameEmpty(t *testing.T) {
	payload, err := ReadFrame(bufio.NewReader(bytes.NewBufferString("0\n")))
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestReadFrameBadLength(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(bytes.NewBufferString("nope\n{}")))
	assert.Error(t, err)
}

func TestResponseHasBody(t *testing.T) {
	assert.False(t, (&Response{}).HasBody())
	assert.False(t, (&Response{Body: json.RawMessage("null")}).HasBody())
	assert.True(t, (&Response{Body: json.RawMessage(`{"ok": true}`)}).HasBody())
}

func TestConnRoundTrip(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		payload, err := ReadFrame(bufio.NewReader(conn))
		if err != nil || payload == nil {
			return
		}
		WriteFrame(conn, map[string]interface{}{"code": 0, "body": map[string]string{"pong": "pong"}})
		// End of stream.
		conn.Write([]byte("0\n"))
	}()

	addr := listener.Addr().(*net.TCPAddr)
	conn, err := Dial(context.Background(), "127.0.0.1", addr.Port, false, false, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(&Request{Action: "ping", Body: map[string]string{}}))

	resp, err := conn.Recv()
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 0, resp.Code)
	body := map[string]string{}
	require.NoError(t, resp.DecodeBody(&body))
	assert.Equal(t, "pong", body["pong"])

	// The empty frame ends the stream.
	resp, err = conn.Recv()
	require.NoError(t, err)
	assert.Nil(t, resp)
}
