// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sandbox

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/detonator-project/detonator/sandbox/types"
)

// snapshotDeadline bounds a loadvm/savevm round trip; restoring guest RAM
// from the image takes longer than an ordinary monitor command.
const snapshotDeadline = 30 * time.Second

// RestoreSnapshot reverts a guest to its clean snapshot.  It is the
// happens-before barrier between consecutive tasks on one instance: task
// N+1 starts only after the restore that erased task N.  savevm/loadvm
// have no stable QMP form, so the command goes through the HMP
// passthrough; HMP reports failure as text on an otherwise successful
// command, so any output is treated as an error.  A failed restore marks
// the instance gone to force a fresh launch.
func (s *Supervisor) RestoreSnapshot(name string) error {
	inst, err := s.instance(name)
	if err != nil {
		return err
	}

	snapshot := inst.Profile.SnapshotName
	log := sandboxLog.WithFields(map[string]interface{}{
		"guest":    name,
		"snapshot": snapshot,
	})

	s.mu.Lock()
	if !inst.alive() {
		s.mu.Unlock()
		return errors.Wrapf(ErrGuestDied, "%s", name)
	}
	inst.State = types.StateSuspended
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), snapshotDeadline)
	defer cancel()

	out, qerr := inst.monitor.ExecuteHumanMonitor(ctx, "loadvm "+snapshot)
	out = strings.TrimSpace(out)

	if qerr != nil || out != "" {
		log.WithError(qerr).WithField("output", out).Error("snapshot restore failed")
		s.markGone(inst)
		_ = s.Stop(name, true)
		if qerr != nil {
			return errors.Wrapf(ErrSnapshotRestore, "loadvm %s: %v", snapshot, qerr)
		}
		return errors.Wrapf(ErrSnapshotRestore, "loadvm %s: %s", snapshot, out)
	}

	// loadvm leaves the VM paused when it was paused at savevm time; make
	// sure it runs.
	contCtx, contCancel := context.WithTimeout(context.Background(), controlDeadline)
	defer contCancel()
	if _, err := inst.monitor.ExecuteHumanMonitor(contCtx, "cont"); err != nil {
		log.WithError(err).Debug("cont after loadvm")
	}

	s.mu.Lock()
	if inst.State == types.StateSuspended {
		inst.State = types.StateRunning
	}
	s.mu.Unlock()

	snapshotRestores.Inc()
	log.Debug("snapshot restored")
	return nil
}

// SaveSnapshot writes the guest's current state under the profile's
// snapshot name.  Used during image preparation, not during analysis.
func (s *Supervisor) SaveSnapshot(name string) error {
	inst, err := s.instance(name)
	if err != nil {
		return err
	}

	snapshot := inst.Profile.SnapshotName

	ctx, cancel := context.WithTimeout(context.Background(), snapshotDeadline)
	defer cancel()

	out, qerr := inst.monitor.ExecuteHumanMonitor(ctx, "savevm "+snapshot)
	out = strings.TrimSpace(out)
	if qerr != nil {
		return errors.Wrapf(qerr, "savevm %s", snapshot)
	}
	if out != "" {
		return errors.Errorf("savevm %s: %s", snapshot, out)
	}
	return nil
}

func (s *Supervisor) markGone(inst *GuestInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.State == types.StateRunning || inst.State == types.StateSuspended {
		runningGuests.Dec()
	}
	inst.State = types.StateGone
}
