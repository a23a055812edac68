package server_test

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/toxicbuild/toxicmaster/common/protocol"
)

// SendFunc streams one response body back to the master. Bodies are wrapped
// in a zero-code response envelope.
type SendFunc func(body interface{})

// FakeSlaveHandler handles one request. When it returns, an end-of-stream
// frame is written and the connection closed.
type FakeSlaveHandler func(req *protocol.Request, send SendFunc)

// FakeSlave is a worker daemon speaking the real wire protocol on a local
// port. Each connection carries one request; the handler decides what to
// stream back.
type FakeSlave struct {
	t        *testing.T
	listener net.Listener
	handler  FakeSlaveHandler

	mu       sync.Mutex
	requests []*protocol.Request
	conns    sync.WaitGroup
	closed   chan struct{}
}

// StartFakeSlave listens on an ephemeral localhost port and serves every
// connection with handler.
func StartFakeSlave(t *testing.T, handler FakeSlaveHandler) *FakeSlave {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("error listening for fake slave: %v", err)
	}
	s := &FakeSlave{
		t:        t,
		listener: listener,
		handler:  handler,
		closed:   make(chan struct{}),
	}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *FakeSlave) Host() string {
	return "127.0.0.1"
}

func (s *FakeSlave) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Requests returns a snapshot of every request frame received so far.
func (s *FakeSlave) Requests() []*protocol.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	requests := make([]*protocol.Request, len(s.requests))
	copy(requests, s.requests)
	return requests
}

// RequestsFor returns the received requests with the given action.
func (s *FakeSlave) RequestsFor(action string) []*protocol.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var requests []*protocol.Request
	for _, req := range s.requests {
		if req.Action == action {
			requests = append(requests, req)
		}
	}
	return requests
}

func (s *FakeSlave) Close() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	s.listener.Close()
	s.conns.Wait()
}

func (s *FakeSlave) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *FakeSlave) handleConn(conn net.Conn) {
	defer conn.Close()
	payload, err := protocol.ReadFrame(bufio.NewReader(conn))
	if err != nil || payload == nil {
		return
	}
	req := &protocol.Request{}
	if err := json.Unmarshal(payload, req); err != nil {
		s.t.Errorf("fake slave received a bad request frame: %v", err)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	send := func(body interface{}) {
		raw, err := json.Marshal(body)
		if err != nil {
			s.t.Errorf("fake slave could not marshal a response body: %v", err)
			return
		}
		err = protocol.WriteFrame(conn, &protocol.Response{Code: 0, Body: raw})
		if err != nil {
			s.t.Logf("fake slave could not write a response frame: %v", err)
		}
	}
	s.handler(req, send)
	// End of stream.
	conn.Write([]byte("0\n"))
}

// DecodeRequestBody unmarshals a recorded request body into dest.
func DecodeRequestBody(t *testing.T, req *protocol.Request, dest interface{}) {
	raw, err := json.Marshal(req.Body)
	if err != nil {
		t.Fatalf("error re-marshalling request body: %v", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		t.Fatalf("error decoding request body: %v", err)
	}
}
