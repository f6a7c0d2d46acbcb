// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sandbox

import "github.com/pkg/errors"

// The supervisor's own error kinds, surfaced to task callers wrapped with
// context; callers classify with errors.Is.  Failures of the layers below
// surface with those layers' sentinels (antivm.ErrInvalidProfile,
// qmp.ErrTimeout, agent.ErrUnreachable) or as plain wrapped errors.
var (
	// ErrLaunchTimeout means the monitor socket never appeared within the
	// boot timeout, or the hypervisor exited first.
	ErrLaunchTimeout = errors.New("sandbox: guest launch timed out")

	// ErrGuestDied means the hypervisor process exited while a task was
	// attached.  The instance is gone; partial evidence still scores.
	ErrGuestDied = errors.New("sandbox: guest died")

	// ErrSnapshotRestore means loadvm failed; the instance is marked gone
	// to force a fresh launch.
	ErrSnapshotRestore = errors.New("sandbox: snapshot restore failed")

	// ErrUnknownGuest means no instance is registered under the name.
	ErrUnknownGuest = errors.New("sandbox: unknown guest")

	// ErrGuestBusy means a task is already attached to the instance.
	ErrGuestBusy = errors.New("sandbox: guest busy")

	// ErrNoProfile means no guest profile covers the requested
	// architecture.
	ErrNoProfile = errors.New("sandbox: no profile for architecture")
)
