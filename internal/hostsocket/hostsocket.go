// Package hostsocket implements the Core <-> Host-agent control socket
// (spec §6): a local UNIX domain socket carrying length-prefixed framed
// JSON requests/responses for start_job, stop_job, job_status, list_jobs
// and stream_logs(name, tail_n). New for this repo (the teacher has no
// equivalent local control-plane interface of its own), but the framing
// and server-loop shape follow the teacher's own preference for a small,
// explicit accept loop over bringing in an RPC framework.
package hostsocket

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/blockjoy/babel/internal/job"
)

// maxFrameBytes bounds a single request/response frame, guarding against a
// malformed or hostile peer claiming an unbounded length prefix.
const maxFrameBytes = 16 << 20

// Op names the host-agent operation a Request carries.
type Op string

const (
	OpStartJob    Op = "start_job"
	OpStopJob     Op = "stop_job"
	OpJobStatus   Op = "job_status"
	OpListJobs    Op = "list_jobs"
	OpStreamLogs  Op = "stream_logs"
)

// Request is the framed JSON request body.
type Request struct {
	Op     Op             `json:"op"`
	Name   string         `json:"name,omitempty"`
	Config map[string]any `json:"config,omitempty"`
	TailN  int            `json:"tail_n,omitempty"`
}

// Response is the framed JSON response body. At most one of the result
// fields is populated depending on Op (none for start_job and stop_job),
// unless Error is set.
type Response struct {
	OK     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Status *job.Status `json:"status,omitempty"`
	Jobs   []string    `json:"jobs,omitempty"`
	Logs   []string    `json:"logs,omitempty"`
}

// Dispatcher is the subset of the bridge/supervisor surface the socket
// server needs; satisfied by *bridge.Bridge.
type Dispatcher interface {
	StartJob(ctx context.Context, name string, config map[string]any) error
	StopJob(name string) error
	JobStatus(name string) (job.Status, bool)
	ListJobs() []string
	JobLogs(name string, tailN int) ([]string, bool)
}

// Server accepts connections on a UNIX socket and serves framed requests
// against a Dispatcher, one goroutine per connection.
type Server struct {
	listener net.Listener
	disp     Dispatcher

	mu     sync.Mutex
	closed bool
}

// Listen creates (replacing any stale socket file at path) and binds the
// control socket.
func Listen(path string, disp Dispatcher) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, err
	}
	return &Server{listener: ln, disp: disp}, nil
}

// Serve accepts connections until Close is called, logging and continuing
// past per-connection errors: a malformed peer must never bring down the
// control socket for every other caller.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		req, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("hostsocket: read frame")
			}
			return
		}
		resp := s.dispatch(req)
		if err := writeFrame(conn, resp); err != nil {
			log.Warn().Err(err).Msg("hostsocket: write frame")
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case OpStartJob:
		if err := s.disp.StartJob(context.Background(), req.Name, req.Config); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}
	case OpStopJob:
		if err := s.disp.StopJob(req.Name); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}
	case OpJobStatus:
		st, ok := s.disp.JobStatus(req.Name)
		if !ok {
			return Response{OK: false, Error: "unknown job: " + req.Name}
		}
		return Response{OK: true, Status: &st}
	case OpListJobs:
		return Response{OK: true, Jobs: s.disp.ListJobs()}
	case OpStreamLogs:
		lines, ok := s.disp.JobLogs(req.Name, req.TailN)
		if !ok {
			return Response{OK: false, Error: "no live logs for job: " + req.Name}
		}
		return Response{OK: true, Logs: lines}
	default:
		return Response{OK: false, Error: "unknown op: " + string(req.Op)}
	}
}

func errResponse(err error) Response { return Response{OK: false, Error: err.Error()} }

func readFrame(r *bufio.Reader) (Request, error) {
	body, err := readFrameBytes(r)
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func writeFrame(w io.Writer, resp Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return writeFrameBytes(w, body)
}

// readFrameBytes and writeFrameBytes implement the wire framing (4-byte
// big-endian length prefix + body) independently of the JSON payload's Go
// type, so both the server (Request in, Response out) and the client
// (Response in, Request out) can share one framing implementation.
func readFrameBytes(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFrameBytes(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
