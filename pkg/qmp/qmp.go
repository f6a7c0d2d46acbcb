// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package qmp implements a client for the QEMU Machine Protocol: one JSON
// object per line over a stream unix socket.  After connecting, the server
// emits a greeting; the client negotiates capabilities once and may then
// issue commands.  QMP does not support parallel commands, so submissions
// are serialized through a queue owned by the client's main loop; each
// command carries its own context deadline.
package qmp

import (
	"bufio"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var qmpLog = logrus.WithField("source", "qmp")

// DefaultDeadline bounds a single command round-trip.
const DefaultDeadline = 5 * time.Second

// ErrTimeout is returned when the monitor does not answer a command
// within its deadline.
var ErrTimeout = errors.New("qmp: command timed out")

// Version is the QEMU version reported in the QMP greeting.
type Version struct {
	Major        int
	Minor        int
	Micro        int
	Capabilities []string
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}

// eventFilter holds a command open until a matching asynchronous event
// arrives (e.g. SHUTDOWN after system_powerdown).
type eventFilter struct {
	name string
}

type result struct {
	response interface{}
	err      error
}

type command struct {
	ctx            context.Context
	res            chan result
	name           string
	args           map[string]interface{}
	filter         *eventFilter
	resultReceived bool
}

// Client drives one QMP connection.  All exported methods may be called
// from any goroutine; commands execute serially in submission order.
type Client struct {
	conn           io.ReadWriteCloser
	cmdCh          chan command
	connectedCh    chan *Version
	disconnectedCh chan struct{}
	version        *Version
}

// Connect dials the QMP unix socket, consumes the greeting and negotiates
// capabilities.  The returned disconnected channel is closed when the
// connection is lost for any reason.
func Connect(ctx context.Context, socket string) (*Client, *Version, <-chan struct{}, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "connecting to qmp socket %s", socket)
	}

	c := &Client{
		conn:           conn,
		cmdCh:          make(chan command),
		connectedCh:    make(chan *Version),
		disconnectedCh: make(chan struct{}),
	}
	go c.mainLoop()

	select {
	case <-ctx.Done():
		c.Shutdown()
		<-c.disconnectedCh
		return nil, nil, nil, ctx.Err()
	case <-c.disconnectedCh:
		return nil, nil, nil, errors.New("qmp: connection closed before greeting")
	case c.version = <-c.connectedCh:
		if c.version == nil {
			return nil, nil, nil, errors.New("qmp: malformed greeting")
		}
	}

	capCtx, cancel := context.WithTimeout(ctx, DefaultDeadline)
	defer cancel()
	if err := c.execute(capCtx, "qmp_capabilities", nil, nil); err != nil {
		c.Shutdown()
		return nil, nil, nil, errors.Wrap(err, "negotiating qmp capabilities")
	}

	return c, c.version, c.disconnectedCh, nil
}

// Shutdown closes the connection and terminates the client goroutines.
// It does not affect the monitored qemu instance.
func (c *Client) Shutdown() {
	close(c.cmdCh)
}

func (c *Client) readLoop(fromVM chan<- []byte) {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		qmpLog.WithField("line", string(line)).Trace("qmp recv")
		fromVM <- line
	}
	close(fromVM)
}

func (c *Client) writeNext(queue *list.List) {
	el := queue.Front()
	cmd := el.Value.(*command)

	payload := map[string]interface{}{"execute": cmd.name}
	if cmd.args != nil {
		payload["arguments"] = cmd.args
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		cmd.res <- result{err: errors.Wrapf(err, "marshalling %s", cmd.name)}
		queue.Remove(el)
		return
	}

	qmpLog.WithField("command", cmd.name).Debug("qmp send")
	encoded = append(encoded, '\n')
	if _, err := c.conn.Write(encoded); err != nil {
		cmd.res <- result{err: errors.Wrap(err, "writing to qmp socket")}
		queue.Remove(el)
	}
}

func (c *Client) finalise(el *list.Element, queue *list.List, response interface{}, ok bool) {
	cmd := el.Value.(*command)
	queue.Remove(el)

	select {
	case <-cmd.ctx.Done():
	default:
		if ok {
			cmd.res <- result{response: response}
		} else {
			cmd.res <- result{err: errors.Errorf("qmp: command %s failed: %v", cmd.name, response)}
		}
	}

	if queue.Len() > 0 {
		c.writeNext(queue)
	}
}

func (c *Client) processEvent(queue *list.List, name string) {
	el := queue.Front()
	if el == nil {
		return
	}
	cmd := el.Value.(*command)
	if cmd.filter == nil || cmd.filter.name != name {
		return
	}
	if cmd.resultReceived {
		c.finalise(el, queue, nil, true)
	} else {
		cmd.filter = nil
	}
}

func (c *Client) processInput(line []byte, queue *list.List) {
	var msg map[string]interface{}
	if err := json.Unmarshal(line, &msg); err != nil {
		qmpLog.WithError(err).WithField("line", string(line)).Warn("undecodable qmp message")
		return
	}

	if name, found := msg["event"]; found {
		if s, ok := name.(string); ok {
			c.processEvent(queue, s)
		}
		return
	}

	response, succeeded := msg["return"]
	errVal, failed := msg["error"]
	if !succeeded && !failed {
		return
	}

	el := queue.Front()
	if el == nil {
		qmpLog.WithField("line", string(line)).Warn("unexpected qmp response")
		return
	}

	cmd := el.Value.(*command)
	if failed {
		c.finalise(el, queue, errVal, false)
	} else if cmd.filter == nil {
		c.finalise(el, queue, response, true)
	} else {
		cmd.resultReceived = true
	}
}

func (c *Client) cancelCurrent(queue *list.List) {
	el := queue.Front()
	cmd := el.Value.(*command)
	if cmd.resultReceived {
		c.finalise(el, queue, nil, false)
	} else {
		cmd.filter = nil
	}
}

func currentDoneCh(queue *list.List) <-chan struct{} {
	el := queue.Front()
	if el == nil {
		return nil
	}
	return el.Value.(*command).ctx.Done()
}

func failOutstanding(queue *list.List) {
	for el := queue.Front(); el != nil; el = el.Next() {
		cmd := el.Value.(*command)
		select {
		case cmd.res <- result{err: errors.New("qmp: connection closed")}:
		case <-cmd.ctx.Done():
		}
	}
}

func (c *Client) parseGreeting(greeting []byte) *Version {
	var msg map[string]interface{}
	if err := json.Unmarshal(greeting, &msg); err != nil {
		return nil
	}

	inner := msg
	for _, k := range []string{"QMP", "version", "qemu"} {
		inner, _ = inner[k].(map[string]interface{})
		if inner == nil {
			return nil
		}
	}

	major, _ := inner["major"].(float64)
	minor, _ := inner["minor"].(float64)
	micro, _ := inner["micro"].(float64)

	var caps []string
	if rawCaps, ok := msg["QMP"].(map[string]interface{})["capabilities"].([]interface{}); ok {
		for _, rc := range rawCaps {
			if s, ok := rc.(string); ok {
				caps = append(caps, s)
			}
		}
	}

	return &Version{Major: int(major), Minor: int(minor), Micro: int(micro), Capabilities: caps}
}

func (c *Client) mainLoop() {
	queue := list.New().Init()
	fromVM := make(chan []byte)
	go c.readLoop(fromVM)

	defer func() {
		_ = c.conn.Close()
		for range fromVM {
		}
		failOutstanding(queue)
		close(c.disconnectedCh)
	}()

	var greeting []byte
	var doneCh <-chan struct{}

greet:
	for {
		var ok bool
		select {
		case cmd, ok := <-c.cmdCh:
			if !ok {
				return
			}
			queue.PushBack(&cmd)
		case greeting, ok = <-fromVM:
			if !ok {
				return
			}
			if queue.Len() > 0 {
				c.writeNext(queue)
				doneCh = currentDoneCh(queue)
			}
			break greet
		}
	}

	c.connectedCh <- c.parseGreeting(greeting)

	for {
		select {
		case cmd, ok := <-c.cmdCh:
			if !ok {
				return
			}
			queue.PushBack(&cmd)
			if queue.Len() == 1 {
				c.writeNext(queue)
				doneCh = currentDoneCh(queue)
			}
		case line, ok := <-fromVM:
			if !ok {
				return
			}
			c.processInput(line, queue)
			doneCh = currentDoneCh(queue)
		case <-doneCh:
			c.cancelCurrent(queue)
			doneCh = currentDoneCh(queue)
		}
	}
}

func (c *Client) executeWithResponse(ctx context.Context, name string, args map[string]interface{}, filter *eventFilter) (interface{}, error) {
	resCh := make(chan result)

	select {
	case <-c.disconnectedCh:
		return nil, errors.New("qmp: connection closed")
	case c.cmdCh <- command{ctx: ctx, res: resCh, name: name, args: args, filter: filter}:
	}

	select {
	case res := <-resCh:
		return res.response, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (c *Client) execute(ctx context.Context, name string, args map[string]interface{}, filter *eventFilter) error {
	_, err := c.executeWithResponse(ctx, name, args, filter)
	return err
}

// ExecuteSystemPowerdown asks the guest to power down via ACPI.  The call
// completes when the SHUTDOWN event is observed.
func (c *Client) ExecuteSystemPowerdown(ctx context.Context) error {
	return c.execute(ctx, "system_powerdown", nil, &eventFilter{name: "SHUTDOWN"})
}

// ExecuteQuit terminates the qemu process immediately.
func (c *Client) ExecuteQuit(ctx context.Context) error {
	return c.execute(ctx, "quit", nil, nil)
}

// StatusInfo is the answer to query-status.
type StatusInfo struct {
	Running bool   `json:"running"`
	Status  string `json:"status"`
}

// ExecuteQueryStatus returns the VM run state.
func (c *Client) ExecuteQueryStatus(ctx context.Context) (StatusInfo, error) {
	response, err := c.executeWithResponse(ctx, "query-status", nil, nil)
	if err != nil {
		return StatusInfo{}, err
	}

	data, err := json.Marshal(response)
	if err != nil {
		return StatusInfo{}, errors.Wrap(err, "re-encoding query-status response")
	}

	var info StatusInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return StatusInfo{}, errors.Wrap(err, "decoding query-status response")
	}
	return info, nil
}

// ExecuteHumanMonitor runs an HMP command through the QMP passthrough.
// savevm/loadvm have no stable QMP equivalent on the QEMU releases we
// target, so snapshots go through this path.
func (c *Client) ExecuteHumanMonitor(ctx context.Context, cmdline string) (string, error) {
	args := map[string]interface{}{"command-line": cmdline}
	response, err := c.executeWithResponse(ctx, "human-monitor-command", args, nil)
	if err != nil {
		return "", err
	}
	out, _ := response.(string)
	return out, nil
}
