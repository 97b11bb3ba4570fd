package uds

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/msageha/heimdall/internal/metrics"
	"github.com/msageha/heimdall/internal/validate"
)

// ErrDaemonUnavailable is wrapped by Send when nothing accepts on the socket.
var ErrDaemonUnavailable = errors.New("failed to connect to daemon")

// Client talks to a heimdall daemon. Each call opens its own connection.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %w\nIs the daemon running? Start it with: heimdall daemon",
			ErrDaemonUnavailable, c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return &resp, nil
}

// Call sends command and decodes a successful payload into out. A failed
// response is returned as *ErrorDetail.
func (c *Client) Call(command string, params, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.Send(req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Ping returns the daemon's pid.
func (c *Client) Ping() (PingResult, error) {
	var res PingResult
	err := c.Call(CmdPing, nil, &res)
	return res, err
}

// Status returns the daemon's health report.
func (c *Client) Status() (metrics.Report, error) {
	var report metrics.Report
	err := c.Call(CmdStatus, nil, &report)
	return report, err
}

func (c *Client) Pause() (ToggleResult, error) {
	var res ToggleResult
	err := c.Call(CmdPause, nil, &res)
	return res, err
}

func (c *Client) Resume() (ToggleResult, error) {
	var res ToggleResult
	err := c.Call(CmdResume, nil, &res)
	return res, err
}

// Submit enqueues a task. Validation failures come back as a REJECTED
// *ErrorDetail, see IsRejected.
func (c *Client) Submit(params SubmitParams) (SubmitResult, error) {
	var res SubmitResult
	err := c.Call(CmdSubmit, params, &res)
	return res, err
}

func (c *Client) Lint(raw string) (validate.LintResult, error) {
	var res validate.LintResult
	err := c.Call(CmdLint, LintParams{Raw: raw}, &res)
	return res, err
}

// Shutdown asks the daemon to stop. It returns once the request is accepted,
// not when the daemon has exited.
func (c *Client) Shutdown() error {
	return c.Call(CmdShutdown, nil, nil)
}
