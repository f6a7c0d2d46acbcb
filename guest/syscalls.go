// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"strconv"
	"strings"

	"github.com/detonator-project/detonator/pkg/agent"
)

const maxSyscallArg = 120

// SyscallCollector attaches strace to an already-running pid and parses
// the trace into syscall events.
type SyscallCollector struct {
	toolCollector

	events []agent.SyscallEvent
}

// NewSyscallCollector returns an idle collector.
func NewSyscallCollector() *SyscallCollector {
	return &SyscallCollector{toolCollector: toolCollector{name: "strace"}}
}

// Start begins tracing the given pid.  The filter matches the event
// classes the scorer understands: file, process, network and descriptor
// syscalls.
func (sc *SyscallCollector) Start(pid int) {
	argv := []string{
		"strace", "-f", "-tt", "-T",
		"-p", strconv.Itoa(pid),
		"-e", "trace=file,process,network,desc",
	}
	// strace writes its trace to stderr.
	sc.start(argv, true, sc.parseLine)
}

// Stop terminates the tracer and waits for the parser to drain.
func (sc *SyscallCollector) Stop() {
	sc.stop()
}

// Events returns the collected syscall events.
func (sc *SyscallCollector) Events() []agent.SyscallEvent {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]agent.SyscallEvent(nil), sc.events...)
}

// parseLine handles one strace line, e.g.
//
//	[pid  1234] 12:34:56.789012 openat(AT_FDCWD, "/etc/passwd", O_RDONLY) = 3 <0.000010>
//
// Signal and lifecycle notices ("--- SIGCHLD ...", "+++ exited ...") are
// dropped.
func (sc *SyscallCollector) parseLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++") {
		return
	}

	pid := 0
	if rest, found := strings.CutPrefix(line, "[pid"); found {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			sc.countMalformed()
			return
		}
		pid, _ = strconv.Atoi(strings.TrimSpace(rest[:end]))
		line = strings.TrimSpace(rest[end+1:])
	}

	// Strip the leading HH:MM:SS.uuuuuu timestamp token if present.
	if fields := strings.SplitN(line, " ", 2); len(fields) == 2 && strings.Count(fields[0], ":") == 2 {
		line = fields[1]
	}

	// The argument list ends at the ") = " before the result; a result
	// may carry its own parenthesised errno description.
	open := strings.IndexByte(line, '(')
	closing := strings.LastIndex(line, ") = ")
	if closing < 0 {
		closing = strings.LastIndexByte(line, ')')
	}
	if open <= 0 || closing < open {
		sc.countMalformed()
		return
	}

	name := strings.TrimSpace(line[:open])
	if name == "" || strings.ContainsAny(name, " \t") {
		sc.countMalformed()
		return
	}

	args := splitArgs(line[open+1 : closing])

	result := ""
	if tail := strings.TrimSpace(line[closing+1:]); tail != "" {
		if eq := strings.IndexByte(tail, '='); eq >= 0 {
			result = strings.TrimSpace(tail[eq+1:])
			// Drop the trailing "<0.000010>" duration annotation.
			if lt := strings.LastIndexByte(result, '<'); lt > 0 {
				result = strings.TrimSpace(result[:lt])
			}
		}
	}

	ev := agent.SyscallEvent{
		Timestamp: now(),
		Syscall:   name,
		Args:      args,
		Result:    result,
		Pid:       pid,
	}

	sc.mu.Lock()
	sc.events = append(sc.events, ev)
	sc.mu.Unlock()
}

// splitArgs breaks the raw argument text on commas and truncates each
// piece.  Quoted strings containing commas are split too; the scorer only
// needs substring matches, not faithful reconstruction.
func splitArgs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	args := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) > maxSyscallArg {
			p = p[:maxSyscallArg]
		}
		args = append(args, p)
	}
	return args
}
