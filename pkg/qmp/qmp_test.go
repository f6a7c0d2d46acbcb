// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGreeting = `{"QMP":{"version":{"qemu":{"micro":1,"minor":2,"major":8},"package":""},"capabilities":["oob"]}}`

// testMonitor is a scripted QMP endpoint on a unix socket.
type testMonitor struct {
	t        *testing.T
	listener net.Listener

	// handler is invoked per decoded command and returns the raw reply
	// lines to send.
	handler func(cmd map[string]interface{}) []string
}

func newTestMonitor(t *testing.T, handler func(map[string]interface{}) []string) *testMonitor {
	path := filepath.Join(t.TempDir(), "qmp.sock")
	listener, err := net.Listen("unix", path)
	require.NoError(t, err)

	m := &testMonitor{t: t, listener: listener, handler: handler}
	go m.serve()
	return m
}

func (m *testMonitor) path() string {
	return m.listener.Addr().String()
}

func (m *testMonitor) serve() {
	conn, err := m.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(testGreeting + "\n")); err != nil {
		return
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var cmd map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			continue
		}
		for _, reply := range m.handler(cmd) {
			if _, err := conn.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	}
}

func (m *testMonitor) close() {
	m.listener.Close()
}

// defaultHandler acknowledges everything with an empty return.
func defaultHandler(cmd map[string]interface{}) []string {
	return []string{`{"return": {}}`}
}

func connect(t *testing.T, m *testMonitor) (*Client, *Version) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, version, _, err := Connect(ctx, m.path())
	require.NoError(t, err)
	return client, version
}

func TestConnectParsesGreeting(t *testing.T) {
	assert := assert.New(t)

	m := newTestMonitor(t, defaultHandler)
	defer m.close()

	client, version := connect(t, m)
	defer client.Shutdown()

	assert.Equal(8, version.Major)
	assert.Equal(2, version.Minor)
	assert.Equal(1, version.Micro)
	assert.Equal([]string{"oob"}, version.Capabilities)
	assert.Equal("8.2.1", version.String())
}

func TestConnectRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _, _, err := Connect(ctx, filepath.Join(t.TempDir(), "absent.sock"))
	assert.Error(t, err)
}

func TestQueryStatus(t *testing.T) {
	assert := assert.New(t)

	m := newTestMonitor(t, func(cmd map[string]interface{}) []string {
		if cmd["execute"] == "query-status" {
			return []string{`{"return": {"running": true, "status": "running"}}`}
		}
		return []string{`{"return": {}}`}
	})
	defer m.close()

	client, _ := connect(t, m)
	defer client.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := client.ExecuteQueryStatus(ctx)
	assert.NoError(err)
	assert.True(info.Running)
	assert.Equal("running", info.Status)
}

func TestSystemPowerdownWaitsForShutdownEvent(t *testing.T) {
	assert := assert.New(t)

	m := newTestMonitor(t, func(cmd map[string]interface{}) []string {
		if cmd["execute"] == "system_powerdown" {
			return []string{
				`{"return": {}}`,
				`{"event": "SHUTDOWN", "data": {"guest": true}, "timestamp": {"seconds": 1, "microseconds": 0}}`,
			}
		}
		return []string{`{"return": {}}`}
	})
	defer m.close()

	client, _ := connect(t, m)
	defer client.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.NoError(client.ExecuteSystemPowerdown(ctx))
}

func TestCommandError(t *testing.T) {
	m := newTestMonitor(t, func(cmd map[string]interface{}) []string {
		if cmd["execute"] == "human-monitor-command" {
			return []string{`{"error": {"class": "GenericError", "desc": "nope"}}`}
		}
		return []string{`{"return": {}}`}
	})
	defer m.close()

	client, _ := connect(t, m)
	defer client.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.ExecuteHumanMonitor(ctx, "loadvm clean")
	assert.Error(t, err)
}

func TestHumanMonitorOutput(t *testing.T) {
	assert := assert.New(t)

	m := newTestMonitor(t, func(cmd map[string]interface{}) []string {
		if cmd["execute"] == "human-monitor-command" {
			args, _ := cmd["arguments"].(map[string]interface{})
			if args["command-line"] == "loadvm clean" {
				return []string{`{"return": ""}`}
			}
			return []string{`{"return": "Error: snapshot not found"}`}
		}
		return []string{`{"return": {}}`}
	})
	defer m.close()

	client, _ := connect(t, m)
	defer client.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := client.ExecuteHumanMonitor(ctx, "loadvm clean")
	assert.NoError(err)
	assert.Equal("", out)

	out, err = client.ExecuteHumanMonitor(ctx, "loadvm missing")
	assert.NoError(err)
	assert.Contains(out, "snapshot not found")
}

func TestCommandTimeout(t *testing.T) {
	m := newTestMonitor(t, func(cmd map[string]interface{}) []string {
		if cmd["execute"] == "query-status" {
			return nil // never answer
		}
		return []string{`{"return": {}}`}
	})
	defer m.close()

	client, _ := connect(t, m)
	defer client.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.ExecuteQueryStatus(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCommandsSerialize(t *testing.T) {
	assert := assert.New(t)

	var mu sync.Mutex
	var order []string
	m := newTestMonitor(t, func(cmd map[string]interface{}) []string {
		mu.Lock()
		order = append(order, cmd["execute"].(string))
		mu.Unlock()
		return []string{`{"return": {}}`}
	})
	defer m.close()

	client, _ := connect(t, m)
	defer client.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := client.ExecuteHumanMonitor(ctx, "info status")
		assert.NoError(err)
	}

	// qmp_capabilities from Connect, then the three monitor commands.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal([]string{"qmp_capabilities", "human-monitor-command", "human-monitor-command", "human-monitor-command"}, order)
}
