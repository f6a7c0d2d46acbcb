// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sandbox

import (
	"bytes"
	"os/exec"
	"time"

	"github.com/detonator-project/detonator/pkg/qmp"
	"github.com/detonator-project/detonator/sandbox/types"
)

// GuestInstance is the runtime record of one booted guest.  It is owned
// exclusively by the supervisor: nothing outside this package mutates it,
// and all operations go through supervisor methods keyed by name.
type GuestInstance struct {
	// Profile is the description the guest was booted from.
	Profile types.GuestProfile

	// Sockets are the three host-side unix sockets.
	Sockets types.SocketSet

	// State is the lifecycle state.
	State types.GuestState

	// PID of the hypervisor process.
	PID int

	// BootStart is when the process was spawned.
	BootStart time.Time

	cmd    *exec.Cmd
	output *bytes.Buffer

	monitor     *qmp.Client
	monitorGone <-chan struct{}

	// waitDone is closed once the hypervisor process has been reaped.
	waitDone chan struct{}

	// busy marks an attached analysis task.
	busy bool
}

// exited reports whether the hypervisor process has been reaped.
func (g *GuestInstance) exited() bool {
	select {
	case <-g.waitDone:
		return true
	default:
		return false
	}
}

// alive reports whether the instance can accept work.
func (g *GuestInstance) alive() bool {
	if g.exited() {
		return false
	}
	return g.State == types.StateRunning || g.State == types.StateSuspended
}
