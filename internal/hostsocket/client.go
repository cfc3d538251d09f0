package hostsocket

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
)

// Client is a thin synchronous client over the control socket, used by
// cmd/babelctl and any other local operator tooling.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call sends req and returns the server's response.
func (c *Client) Call(req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	if err := writeFrameBytes(c.conn, body); err != nil {
		return Response{}, err
	}
	respBody, err := readFrameBytes(c.r)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// StartJob asks the supervisor to start name, optionally declaring it
// first if config is non-nil.
func (c *Client) StartJob(name string, config map[string]any) (Response, error) {
	return c.Call(Request{Op: OpStartJob, Name: name, Config: config})
}

// StopJob asks the supervisor to stop a running job.
func (c *Client) StopJob(name string) (Response, error) {
	return c.Call(Request{Op: OpStopJob, Name: name})
}

// JobStatus fetches a job's current status.
func (c *Client) JobStatus(name string) (Response, error) {
	return c.Call(Request{Op: OpJobStatus, Name: name})
}

// ListJobs lists every known job name.
func (c *Client) ListJobs() (Response, error) {
	return c.Call(Request{Op: OpListJobs})
}

// StreamLogs fetches the last tailN buffered log lines for name.
func (c *Client) StreamLogs(name string, tailN int) (Response, error) {
	return c.Call(Request{Op: OpStreamLogs, Name: name, TailN: tailN})
}
