// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStraceLine(t *testing.T) {
	assert := assert.New(t)

	sc := NewSyscallCollector()
	sc.parseLine(`12:34:56.789012 openat(AT_FDCWD, "/etc/passwd", O_RDONLY) = 3 <0.000010>`)

	events := sc.Events()
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal("openat", ev.Syscall)
	assert.Equal("3", ev.Result)
	assert.Equal(0, ev.Pid)
	require.Len(t, ev.Args, 3)
	assert.Equal("AT_FDCWD", ev.Args[0])
	assert.Equal(`"/etc/passwd"`, ev.Args[1])
	assert.Greater(ev.Timestamp, 0.0)
}

func TestParseStraceLineWithPid(t *testing.T) {
	assert := assert.New(t)

	sc := NewSyscallCollector()
	sc.parseLine(`[pid  4242] 12:34:56.789012 execve("/bin/ls", ["ls"], 0x7ffd) = 0 <0.000200>`)

	events := sc.Events()
	require.Len(t, events, 1)
	assert.Equal("execve", events[0].Syscall)
	assert.Equal(4242, events[0].Pid)
	assert.Equal("0", events[0].Result)
}

func TestParseStraceDropsSignalsAndExits(t *testing.T) {
	sc := NewSyscallCollector()
	sc.parseLine(`--- SIGCHLD {si_signo=SIGCHLD, si_code=CLD_EXITED} ---`)
	sc.parseLine(`+++ exited with 0 +++`)
	sc.parseLine(``)

	assert.Empty(t, sc.Events())
	assert.Equal(t, 0, sc.malformed)
}

func TestParseStraceMalformedCounted(t *testing.T) {
	sc := NewSyscallCollector()
	sc.parseLine(`this is not a syscall at all`)
	sc.parseLine(`[pid garbage without bracket`)

	assert.Empty(t, sc.Events())
	assert.Equal(t, 2, sc.malformed)
}

func TestParseStraceNegativeResult(t *testing.T) {
	sc := NewSyscallCollector()
	sc.parseLine(`connect(3, {sa_family=AF_INET, sin_port=htons(443)}, 16) = -1 EINPROGRESS (Operation now in progress) <0.000050>`)

	events := sc.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "connect", events[0].Syscall)
	assert.True(t, strings.HasPrefix(events[0].Result, "-1"))
}

func TestParseStraceTruncatesLongArgs(t *testing.T) {
	long := strings.Repeat("A", 500)
	sc := NewSyscallCollector()
	sc.parseLine(`write(1, "` + long + `", 500) = 500`)

	events := sc.Events()
	require.Len(t, events, 1)
	for _, arg := range events[0].Args {
		assert.LessOrEqual(t, len(arg), maxSyscallArg)
	}
}

func TestSyscallTimestampsMonotonic(t *testing.T) {
	sc := NewSyscallCollector()
	for i := 0; i < 100; i++ {
		sc.parseLine(`getpid() = 1`)
	}

	events := sc.Events()
	require.Len(t, events, 100)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Timestamp, events[i-1].Timestamp)
	}
}

func TestSyscallCollectorMissingTool(t *testing.T) {
	sc := NewSyscallCollector()
	// An impossible pid: if strace is installed it exits immediately, if
	// not the collector stays inert.  Either way Stop is safe and the
	// event list is empty.
	sc.Start(1 << 30)
	sc.Stop()
	assert.Empty(t, sc.Events())
}
