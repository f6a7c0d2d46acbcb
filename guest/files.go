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

// defaultWatchPaths are the trees a detonated sample is most likely to
// touch.
var defaultWatchPaths = []string{"/tmp", "/home", "/etc", "/var"}

// inotifyOps maps inotifywait event names to the report's operation kinds.
// Unlisted events (CLOSE_NOWRITE, ATTRIB, ...) are dropped.
var inotifyOps = map[string]agent.FileOp{
	"CREATE":      agent.FileCreate,
	"DELETE":      agent.FileDelete,
	"MODIFY":      agent.FileModify,
	"OPEN":        agent.FileOpen,
	"ACCESS":      agent.FileRead,
	"CLOSE_WRITE": agent.FileWrite,
}

// FileCollector watches filesystem activity through a recursive
// inotifywait subprocess.
type FileCollector struct {
	toolCollector

	watchPaths []string
	events     []agent.FileEvent
}

// NewFileCollector returns an idle collector watching the default trees.
func NewFileCollector(paths ...string) *FileCollector {
	if len(paths) == 0 {
		paths = defaultWatchPaths
	}
	return &FileCollector{
		toolCollector: toolCollector{name: "inotifywait"},
		watchPaths:    paths,
	}
}

// Start begins watching.
func (fc *FileCollector) Start() {
	argv := []string{
		"inotifywait", "-m", "-r",
		"--format", "%T %w%f %e",
		"--timefmt", "%s",
	}
	argv = append(argv, fc.watchPaths...)
	fc.start(argv, false, fc.parseLine)
}

// Stop terminates the watcher.
func (fc *FileCollector) Stop() {
	fc.stop()
}

// Events returns the collected file events.
func (fc *FileCollector) Events() []agent.FileEvent {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]agent.FileEvent(nil), fc.events...)
}

// parseLine handles one inotifywait line: "<epoch> <path> <EVENT[,FLAG...]>".
func (fc *FileCollector) parseLine(line string) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		fc.countMalformed()
		return
	}

	if _, err := strconv.ParseInt(fields[0], 10, 64); err != nil {
		fc.countMalformed()
		return
	}

	path := fields[1]
	name := fields[2]
	if comma := strings.IndexByte(name, ','); comma >= 0 {
		name = name[:comma]
	}

	op, ok := inotifyOps[name]
	if !ok {
		return
	}

	ev := agent.FileEvent{
		Timestamp: now(),
		Op:        op,
		Path:      path,
	}

	fc.mu.Lock()
	fc.events = append(fc.events, ev)
	fc.mu.Unlock()
}
