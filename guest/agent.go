// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/detonator-project/detonator/pkg/agent"
)

// VirtioPortPath is where the hypervisor exposes the agent channel inside
// the guest.
const VirtioPortPath = "/dev/virtio-ports/org.sandbox.agent"

// defaultExecuteTimeout bounds the execute verb when the host names none.
const defaultExecuteTimeout = 30 * time.Second

// defaultAnalyzeTimeout bounds the analyze verb when the host names none.
const defaultAnalyzeTimeout = 60 * time.Second

// Agent is the in-guest request handler.  It serves exactly one request at
// a time: read, handle, respond, loop.
type Agent struct {
	startedAt time.Time
}

// NewAgent returns an agent ready to serve.
func NewAgent() *Agent {
	return &Agent{startedAt: time.Now()}
}

// RunVirtio serves requests on the virtio-serial port.  The port appears
// only after the guest driver binds, so the agent waits for it.
func (a *Agent) RunVirtio(ctx context.Context) error {
	for {
		if _, err := os.Stat(VirtioPortPath); err == nil {
			break
		}
		guestLog.WithField("port", VirtioPortPath).Info("waiting for virtio port")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	for ctx.Err() == nil {
		port, err := os.OpenFile(VirtioPortPath, os.O_RDWR, 0)
		if err != nil {
			guestLog.WithError(err).Warn("cannot open virtio port")
			time.Sleep(time.Second)
			continue
		}
		guestLog.Info("serving on virtio port")
		a.serve(ctx, port)
		_ = port.Close()
	}
	return ctx.Err()
}

// RunSocket serves requests on a unix socket.  This is the test-harness
// transport; the protocol is identical.
func (a *Agent) RunSocket(ctx context.Context, path string) error {
	_ = os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	defer listener.Close()
	_ = os.Chmod(path, 0o777)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	guestLog.WithField("socket", path).Info("serving on unix socket")
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			guestLog.WithError(err).Warn("accept failed")
			continue
		}
		a.serve(ctx, conn)
		_ = conn.Close()
	}
}

// serve handles requests from one stream until it closes.
func (a *Agent) serve(ctx context.Context, rw io.ReadWriter) {
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req agent.Request
		if err := json.Unmarshal(line, &req); err != nil {
			guestLog.WithError(err).Warn("undecodable request")
			continue
		}

		response := a.handle(req)
		payload, err := json.Marshal(response)
		if err != nil {
			guestLog.WithError(err).Error("cannot encode response")
			payload = []byte(`{"success":false,"error":"encoding failure"}`)
		}
		payload = append(payload, '\n')
		if _, err := rw.Write(payload); err != nil {
			guestLog.WithError(err).Warn("cannot write response")
			return
		}
	}
}

// handle dispatches one request and produces its response value.
func (a *Agent) handle(req agent.Request) interface{} {
	guestLog.WithField("command", req.Command).Debug("handling request")

	switch req.Command {
	case agent.CmdPing:
		return agent.Response{Success: true, Message: "pong"}

	case agent.CmdStatus:
		hostname, _ := os.Hostname()
		return agent.StatusResponse{
			Success:  true,
			Hostname: hostname,
			Time:     now(),
			Uptime:   time.Since(a.startedAt).Seconds(),
		}

	case agent.CmdWriteFile:
		return a.writeFile(req)

	case agent.CmdReadFile:
		return a.readFile(req)

	case agent.CmdExecute:
		return a.execute(req)

	case agent.CmdAnalyze:
		return a.analyze(req)

	default:
		return agent.Response{Success: false, Error: "unknown command: " + req.Command}
	}
}

func (a *Agent) writeFile(req agent.Request) agent.Response {
	data, err := hex.DecodeString(req.Data)
	if err != nil {
		return agent.Response{Success: false, Error: "bad hex payload: " + err.Error()}
	}

	mode := os.FileMode(req.Mode)
	if mode == 0 {
		mode = 0o644
	}

	if err := os.WriteFile(req.Path, data, mode); err != nil {
		return agent.Response{Success: false, Error: err.Error()}
	}
	// WriteFile only applies the mode to new files; make it stick.
	if err := os.Chmod(req.Path, mode); err != nil {
		return agent.Response{Success: false, Error: err.Error()}
	}
	return agent.Response{Success: true}
}

func (a *Agent) readFile(req agent.Request) agent.ReadFileResponse {
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return agent.ReadFileResponse{Success: false, Error: err.Error()}
	}
	return agent.ReadFileResponse{Success: true, Data: hex.EncodeToString(data)}
}

func (a *Agent) execute(req agent.Request) agent.ExecuteResponse {
	timeout := defaultExecuteTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", req.Cmd)
	stdout := &cappedBuffer{limit: agent.OutputLimit}
	stderr := &cappedBuffer{limit: agent.OutputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	resp := agent.ExecuteResponse{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}

	switch {
	case ctx.Err() != nil:
		resp.Error = timeoutError
	case err != nil && resp.ExitCode < 0:
		resp.Error = err.Error()
	default:
		resp.Success = true
	}
	return resp
}

func (a *Agent) analyze(req agent.Request) interface{} {
	if req.FilePath == "" {
		return agent.Response{Success: false, Error: "file_path required"}
	}
	if _, err := os.Stat(req.FilePath); err != nil {
		return agent.Response{Success: false, Error: "file not found: " + req.FilePath}
	}
	if !strings.HasPrefix(req.FilePath, "/") {
		return agent.Response{Success: false, Error: "file_path must be absolute"}
	}

	timeout := defaultAnalyzeTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	return a.Analyze(req.FilePath, timeout)
}
