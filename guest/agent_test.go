// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detonator-project/detonator/pkg/agent"
)

// startTestAgent serves a guest agent on a unix socket and returns a
// connected client.
func startTestAgent(t *testing.T) *agent.Client {
	socket := filepath.Join(t.TempDir(), "agent.sock")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a := NewAgent()
	go func() {
		_ = a.RunSocket(ctx, socket)
	}()

	var client *agent.Client
	var err error
	for i := 0; i < 50; i++ {
		client, err = agent.Dial(context.Background(), socket)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestAgentPing(t *testing.T) {
	client := startTestAgent(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestAgentStatus(t *testing.T) {
	client := startTestAgent(t)

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Success)
	assert.NotEmpty(t, status.Hostname)
	assert.Greater(t, status.Time, 0.0)
}

func TestAgentWriteReadRoundTrip(t *testing.T) {
	client := startTestAgent(t)

	path := filepath.Join(t.TempDir(), "staged.bin")
	payload := []byte{0x7f, 'E', 'L', 'F', 0x00, 0x01, 0xff, 0xfe}

	require.NoError(t, client.WriteFile(context.Background(), path, payload, 0o755))

	data, err := client.ReadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestAgentReadMissingFile(t *testing.T) {
	client := startTestAgent(t)

	_, err := client.ReadFile(context.Background(), "/does/not/exist")
	assert.Error(t, err)
}

func TestAgentExecute(t *testing.T) {
	client := startTestAgent(t)

	resp, err := client.Execute(context.Background(), "echo guest-side", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "guest-side\n", resp.Stdout)
	assert.Equal(t, 0, resp.ExitCode)
}

func TestAgentAnalyzeBenignScript(t *testing.T) {
	assert := assert.New(t)
	client := startTestAgent(t)

	dir := t.TempDir()
	sample := filepath.Join(dir, "benign.sh")
	require.NoError(t, os.WriteFile(sample, []byte("#!/bin/sh\necho hello\n"), 0o644))

	report, err := client.Analyze(context.Background(), sample, 10*time.Second)
	require.NoError(t, err)

	assert.True(report.Success)
	assert.Empty(report.Error)
	assert.Equal("hello\n", report.Stdout)
	require.NotNil(report.ExitCode)
	assert.Equal(0, *report.ExitCode)
	assert.Len(report.FileHash, 64)
	assert.GreaterOrEqual(report.EndTime, report.StartTime)
	assert.InDelta(report.EndTime-report.StartTime, report.Duration, 0.001)

	// The target spawn and exit are recorded.
	require.Len(report.Processes, 2)
	assert.Nil(report.Processes[0].ExitCode)
	require.NotNil(report.Processes[1].ExitCode)
	assert.Equal(0, *report.Processes[1].ExitCode)
}

func TestAgentAnalyzeFastExit(t *testing.T) {
	client := startTestAgent(t)

	sample := filepath.Join(t.TempDir(), "fast.sh")
	require.NoError(t, os.WriteFile(sample, []byte("#!/bin/sh\nexit 0\n"), 0o644))

	report, err := client.Analyze(context.Background(), sample, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, report.Success)
	require.NotNil(t, report.ExitCode)
	assert.Equal(t, 0, *report.ExitCode)
}

func TestAgentAnalyzeTimeout(t *testing.T) {
	assert := assert.New(t)
	client := startTestAgent(t)

	sample := filepath.Join(t.TempDir(), "loop.sh")
	require.NoError(t, os.WriteFile(sample, []byte("#!/bin/sh\nsleep 60\n"), 0o644))

	start := time.Now()
	report, err := client.Analyze(context.Background(), sample, 2*time.Second)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal("Timeout", report.Error)
	require.NotNil(report.ExitCode)
	assert.Equal(-1, *report.ExitCode)
	assert.True(report.Success, "a timeout still yields a usable partial report")
	assert.Less(elapsed, 4*time.Second, "wall clock must stay within T plus the drain grace")
}

func TestAgentAnalyzeTruncatesOutput(t *testing.T) {
	client := startTestAgent(t)

	script := `#!/bin/sh
i=0
while [ $i -lt 2000 ]; do
  echo 0123456789
  i=$((i+1))
done
`
	sample := filepath.Join(t.TempDir(), "chatty.sh")
	require.NoError(t, os.WriteFile(sample, []byte(script), 0o644))

	report, err := client.Analyze(context.Background(), sample, 30*time.Second)
	require.NoError(t, err)
	assert.Len(t, report.Stdout, agent.OutputLimit)
}

func TestAgentAnalyzeMissingFile(t *testing.T) {
	client := startTestAgent(t)

	report, err := client.Analyze(context.Background(), "/does/not/exist.py", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Contains(t, report.Error, "file not found")
}

func TestAgentUnknownCommand(t *testing.T) {
	a := NewAgent()
	resp := a.handle(agent.Request{Command: "reboot"})

	r, ok := resp.(agent.Response)
	require.True(t, ok)
	assert.False(t, r.Success)
	assert.True(t, strings.Contains(r.Error, "unknown command"))
}

func TestCappedBuffer(t *testing.T) {
	assert := assert.New(t)

	cb := &cappedBuffer{limit: 10}
	n, err := cb.Write([]byte("0123456789ABCDEF"))
	assert.NoError(err)
	assert.Equal(16, n)
	assert.Equal("0123456789", cb.String())

	n, err = cb.Write([]byte("more"))
	assert.NoError(err)
	assert.Equal(4, n)
	assert.Equal("0123456789", cb.String())
}
