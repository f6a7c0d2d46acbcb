// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package agent

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var clientLog = logrus.WithField("source", "agent-client")

// ErrUnreachable is returned when the in-guest agent cannot be dialed or
// stops answering within a verb's deadline.
var ErrUnreachable = errors.New("agent: unreachable")

// Per-verb ceilings.  The caller's context provides the outer task bound;
// whichever expires first wins.
const (
	// PingDeadline is how quickly a booted guest must answer a ping.
	PingDeadline = 500 * time.Millisecond

	fileDeadline    = 30 * time.Second
	statusDeadline  = 5 * time.Second
	executeSlack    = 5 * time.Second
	analyzeSlack    = 30 * time.Second
	maxResponseLine = 64 * 1024 * 1024
)

// Client is the host side of the agent RPC channel.  One connection, one
// in-flight command: concurrent verbs are serialized by the client.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

// Dial connects to an agent endpoint.  Supported address forms are a unix
// socket path (the virtio-serial channel exposed by the hypervisor, or the
// test-harness socket) and "vsock://<cid>:<port>" for image-preparation
// setups where the guest talks AF_VSOCK.
func Dial(ctx context.Context, address string) (*Client, error) {
	var conn net.Conn
	var err error

	if cid, port, ok := parseVsock(address); ok {
		conn, err = vsock.Dial(cid, port, nil)
	} else {
		dialer := net.Dialer{}
		conn, err = dialer.DialContext(ctx, "unix", address)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "dialing %s: %v", address, err)
	}

	return &Client{
		conn: conn,
		rd:   bufio.NewReaderSize(conn, 64*1024),
	}, nil
}

func parseVsock(address string) (uint32, uint32, bool) {
	rest, found := strings.CutPrefix(address, "vsock://")
	if !found {
		return 0, 0, false
	}
	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		return 0, 0, false
	}
	cid, err1 := strconv.ParseUint(host, 10, 32)
	p, err2 := strconv.ParseUint(port, 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint32(cid), uint32(p), true
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call performs one serialized request/response round trip bounded by the
// verb deadline and the caller's context, whichever is tighter.
func (c *Client) call(ctx context.Context, deadline time.Duration, req Request, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := time.Now().Add(deadline)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(limit) {
		limit = ctxDeadline
	}
	if err := c.conn.SetDeadline(limit); err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "marshalling %s request", req.Command)
	}
	payload = append(payload, '\n')

	clientLog.WithField("command", req.Command).Debug("agent call")

	if _, err := c.conn.Write(payload); err != nil {
		return errors.Wrapf(ErrUnreachable, "sending %s: %v", req.Command, err)
	}

	line, err := c.readLine()
	if err != nil {
		return errors.Wrapf(ErrUnreachable, "awaiting %s response: %v", req.Command, err)
	}

	if err := json.Unmarshal(line, out); err != nil {
		return errors.Wrapf(err, "decoding %s response", req.Command)
	}
	return nil
}

func (c *Client) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := c.rd.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxResponseLine {
			return nil, errors.New("response line too long")
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// Ping checks agent liveness.
func (c *Client) Ping(ctx context.Context) error {
	var resp Response
	if err := c.call(ctx, PingDeadline, Request{Command: CmdPing}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.Wrapf(ErrUnreachable, "ping refused: %s", resp.Error)
	}
	return nil
}

// Status returns guest diagnostics.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, statusDeadline, Request{Command: CmdStatus}, &resp); err != nil {
		return StatusResponse{}, err
	}
	if !resp.Success {
		return StatusResponse{}, errors.Errorf("agent: status failed: %s", resp.Error)
	}
	return resp, nil
}

// WriteFile stages data inside the guest at the given path and mode.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	req := Request{
		Command: CmdWriteFile,
		Path:    path,
		Data:    hex.EncodeToString(data),
		Mode:    uint32(mode.Perm()),
	}
	var resp Response
	if err := c.call(ctx, fileDeadline, req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.Errorf("agent: write_file %s failed: %s", path, resp.Error)
	}
	return nil
}

// ReadFile fetches a file from the guest.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var resp ReadFileResponse
	if err := c.call(ctx, fileDeadline, Request{Command: CmdReadFile, Path: path}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.Errorf("agent: read_file %s failed: %s", path, resp.Error)
	}
	return hex.DecodeString(resp.Data)
}

// Execute runs an arbitrary shell command inside the guest, for setup and
// image preparation.
func (c *Client) Execute(ctx context.Context, cmdline string, timeout time.Duration) (ExecuteResponse, error) {
	req := Request{
		Command: CmdExecute,
		Cmd:     cmdline,
		Timeout: int(timeout.Seconds()),
	}
	var resp ExecuteResponse
	if err := c.call(ctx, timeout+executeSlack, req, &resp); err != nil {
		return ExecuteResponse{}, err
	}
	return resp, nil
}

// Analyze detonates the staged file and returns the observation report.
// The ceiling leaves room for the agent's own drain and serialization on
// top of the requested detonation timeout.
func (c *Client) Analyze(ctx context.Context, filePath string, timeout time.Duration) (*Report, error) {
	req := Request{
		Command:  CmdAnalyze,
		FilePath: filePath,
		Timeout:  int(timeout.Seconds()),
	}
	var report Report
	if err := c.call(ctx, timeout+analyzeSlack, req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
