// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package guest implements the analysis agent that runs inside the sandbox
// VM.  It accepts one JSON-line request at a time over the virtio-serial
// port (or a unix socket in the test harness), detonates the staged sample
// with three concurrent observers attached, and answers with a structured
// report.
package guest

import (
	"bufio"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

var guestLog = logrus.WithField("source", "guest-agent")

// stopGrace bounds how long Stop waits for a collector's reader to drain
// after its child process has been told to go away.
const stopGrace = 2 * time.Second

// now returns the event timestamp: wall clock seconds at microsecond
// resolution, taken at parse time.
func now() float64 {
	return float64(time.Now().UnixMicro()) / 1e6
}

// toolCollector owns one external observation tool (strace, inotifywait,
// tcpdump) and a reader goroutine that parses its output line by line into
// an append-only event list.  A missing tool is not an error: the collector
// stays inert and its event list stays empty.
type toolCollector struct {
	name string
	mu   sync.Mutex

	cmd  *exec.Cmd
	tomb *tomb.Tomb

	// malformed counts lines the parser could not understand.  Bad lines
	// are counted, never fatal.
	malformed int
}

// start launches the tool and wires its pipe into the parse function.
// useStderr selects stderr instead of stdout (strace writes to stderr).  Returns false
// when the tool is missing or fails to start.
func (tc *toolCollector) start(argv []string, useStderr bool, parse func(string)) bool {
	if _, err := exec.LookPath(argv[0]); err != nil {
		guestLog.WithField("tool", argv[0]).Info("observation tool missing, degrading")
		return false
	}

	cmd := exec.Command(argv[0], argv[1:]...)

	var rd io.ReadCloser
	var err error
	if useStderr {
		rd, err = cmd.StderrPipe()
	} else {
		rd, err = cmd.StdoutPipe()
	}
	if err != nil {
		guestLog.WithError(err).WithField("tool", argv[0]).Warn("cannot pipe observation tool")
		return false
	}

	if err := cmd.Start(); err != nil {
		guestLog.WithError(err).WithField("tool", argv[0]).Warn("cannot start observation tool")
		return false
	}

	tc.cmd = cmd
	tc.tomb = &tomb.Tomb{}
	tc.tomb.Go(func() error {
		scanner := bufio.NewScanner(rd)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-tc.tomb.Dying():
				return nil
			default:
			}
			parse(scanner.Text())
		}
		return nil
	})

	return true
}

// stop terminates the child and waits for the reader with a hard ceiling.
func (tc *toolCollector) stop() {
	if tc.cmd == nil {
		return
	}

	tc.tomb.Kill(nil)
	_ = tc.cmd.Process.Kill()

	done := make(chan struct{})
	go func() {
		_ = tc.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopGrace):
		guestLog.WithField("tool", tc.name).Warn("observation tool did not exit in time")
	}

	select {
	case <-tc.tomb.Dead():
	case <-time.After(stopGrace):
	}
}

func (tc *toolCollector) countMalformed() {
	tc.mu.Lock()
	tc.malformed++
	tc.mu.Unlock()
}
