// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/detonator-project/detonator/pkg/agent"
)

// drainGrace is how long collectors get to flush buffered events after the
// target has finished.
const drainGrace = 500 * time.Millisecond

// timeoutError is the error string reported when a detonation exceeds its
// budget; partial evidence is still returned and still scores.
const timeoutError = "Timeout"

// cappedBuffer keeps the first limit bytes written and discards the rest.
// Detonated samples are free to emit gigabytes; the report is not.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (cb *cappedBuffer) Write(p []byte) (int, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if room := cb.limit - len(cb.buf); room > 0 {
		if len(p) > room {
			cb.buf = append(cb.buf, p[:room]...)
		} else {
			cb.buf = append(cb.buf, p...)
		}
	}
	return len(p), nil
}

func (cb *cappedBuffer) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return string(cb.buf)
}

func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Analyze detonates the file with all three observers attached and returns
// the observation report.  Collector failures degrade to empty event
// arrays; only a spawn or wait failure makes the report unsuccessful.
func (a *Agent) Analyze(filePath string, timeout time.Duration) *agent.Report {
	start := time.Now()
	report := &agent.Report{
		FileHash:  hashFile(filePath),
		StartTime: float64(start.UnixMicro()) / 1e6,
	}

	category := Classify(filePath)
	plan := PlanFor(category, filePath)
	if plan.Direct() {
		if err := os.Chmod(filePath, 0o755); err != nil {
			guestLog.WithError(err).Warn("cannot set execute bit on sample")
		}
	}

	guestLog.WithFields(map[string]interface{}{
		"file":     filePath,
		"category": category,
		"timeout":  timeout,
	}).Info("detonating sample")

	fileCollector := NewFileCollector()
	netCollector := NewNetworkCollector()
	syscallCollector := NewSyscallCollector()

	// Observers must be live before the target takes its first step.
	fileCollector.Start()
	netCollector.Start()

	argv := plan.Argv()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = nil
	stdout := &cappedBuffer{limit: agent.OutputLimit}
	stderr := &cappedBuffer{limit: agent.OutputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Children the target leaves behind can hold the output pipes open;
	// Wait stops waiting for them this long after the target has exited.
	cmd.WaitDelay = drainGrace

	dir := filepath.Dir(filePath)
	if dir == "" {
		dir = "/tmp"
	}
	cmd.Dir = dir
	cmd.Env = []string{
		"HOME=/tmp",
		"TERM=xterm",
		"PATH=" + os.Getenv("PATH"),
	}

	finish := func(errStr string, exitCode *int) *agent.Report {
		fileCollector.Stop()
		netCollector.Stop()
		syscallCollector.Stop()
		time.Sleep(drainGrace)

		end := time.Now()
		report.EndTime = float64(end.UnixMicro()) / 1e6
		report.Duration = report.EndTime - report.StartTime
		report.Stdout = stdout.String()
		report.Stderr = stderr.String()
		report.ExitCode = exitCode
		report.Syscalls = syscallCollector.Events()
		report.Files = fileCollector.Events()
		report.Network = netCollector.Events()
		report.Error = errStr
		report.Success = errStr == "" || errStr == timeoutError

		guestLog.WithFields(map[string]interface{}{
			"duration": report.Duration,
			"syscalls": len(report.Syscalls),
			"files":    len(report.Files),
			"network":  len(report.Network),
		}).Info("detonation finished")

		return report
	}

	if err := cmd.Start(); err != nil {
		return finish("spawn failed: "+err.Error(), nil)
	}

	pid := cmd.Process.Pid
	syscallCollector.Start(pid)
	report.Processes = append(report.Processes, agent.ProcessEvent{
		Timestamp: now(),
		Pid:       pid,
		PPid:      os.Getpid(),
		Cmdline:   joinArgv(argv),
	})

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-time.After(timeout):
		timedOut = true
		_ = cmd.Process.Kill()
		waitErr = <-done
	}

	exitCode := cmd.ProcessState.ExitCode()
	if timedOut {
		exitCode = -1
	}
	report.Processes = append(report.Processes, agent.ProcessEvent{
		Timestamp: now(),
		Pid:       pid,
		PPid:      os.Getpid(),
		Cmdline:   joinArgv(argv),
		ExitCode:  &exitCode,
	})

	if timedOut {
		return finish(timeoutError, &exitCode)
	}
	if waitErr != nil && cmd.ProcessState == nil {
		return finish("wait failed: "+waitErr.Error(), &exitCode)
	}
	// A sample that exits non-zero or dies to a signal is still a
	// completed detonation.
	return finish("", &exitCode)
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
