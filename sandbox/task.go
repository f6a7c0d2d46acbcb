// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/detonator-project/detonator/pkg/agent"
	"github.com/detonator-project/detonator/sandbox/types"
	"github.com/detonator-project/detonator/scorer"
)

// agentReadyTimeout bounds how long the agent channel may take to come up
// after a snapshot restore.  Once the guest answers, individual pings must
// land within agent.PingDeadline.
const agentReadyTimeout = 10 * time.Second

// Task is one caller request: detonate this file on that architecture.
type Task struct {
	// FilePath is the sample on the host filesystem.
	FilePath string

	// Arch selects the guest.
	Arch types.Architecture

	// Timeout is the detonation wall clock budget; zero uses the
	// profile's default.
	Timeout time.Duration
}

// TaskResult couples the raw observation report with the scored verdict.
type TaskResult struct {
	GuestName string
	Report    *agent.Report
	Scored    scorer.Result
}

// RunTask executes the full pipeline for one sample: ensure a guest of the
// right architecture is booted, revert it to the clean snapshot, stage the
// sample through the agent, detonate, score, and restore the snapshot
// again so the next task starts clean.
//
// Static findings from the out-of-core engines are additive inputs to the
// scorer.  On guest death or snapshot failure a partial result carrying
// the static evidence is returned together with the error: partial
// evidence still scores.
func (s *Supervisor) RunTask(ctx context.Context, task Task, static []scorer.Finding, rules *scorer.RuleSet, thresholds scorer.Thresholds) (*TaskResult, error) {
	started := time.Now()

	result, err := s.runTask(ctx, task, static, rules, thresholds)

	taskDuration.Observe(time.Since(started).Seconds())
	switch {
	case err == nil:
		tasksTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrGuestDied):
		tasksTotal.WithLabelValues("guest_died").Inc()
	case errors.Is(err, ErrSnapshotRestore):
		tasksTotal.WithLabelValues("snapshot_failed").Inc()
	case errors.Is(err, agent.ErrUnreachable):
		tasksTotal.WithLabelValues("agent_unreachable").Inc()
	default:
		tasksTotal.WithLabelValues("error").Inc()
	}

	return result, err
}

func (s *Supervisor) runTask(ctx context.Context, task Task, static []scorer.Finding, rules *scorer.RuleSet, thresholds scorer.Thresholds) (*TaskResult, error) {
	data, err := os.ReadFile(task.FilePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading sample %s", task.FilePath)
	}

	profile, err := s.ProfileForArch(task.Arch)
	if err != nil {
		return nil, err
	}

	timeout := task.Timeout
	if timeout == 0 {
		timeout = profile.AnalysisTimeout
	}

	partial := func() *TaskResult {
		res := scorer.Score(nil, static, rules, thresholds)
		if len(static) == 0 {
			res.Verdict = scorer.VerdictError
		}
		return &TaskResult{GuestName: profile.Name, Scored: res}
	}

	if !s.IsRunning(profile.Name) {
		if _, err := s.Launch(ctx, profile.Name); err != nil {
			return partial(), err
		}
	}

	inst, err := s.acquire(profile.Name)
	if err != nil {
		if errors.Is(err, ErrGuestDied) {
			return partial(), err
		}
		return nil, err
	}
	defer s.release(inst)

	log := sandboxLog.WithFields(logrus.Fields{
		"guest":  profile.Name,
		"sample": filepath.Base(task.FilePath),
	})

	// Clean state is the precondition for every detonation.
	if err := s.RestoreSnapshot(profile.Name); err != nil {
		return partial(), err
	}

	client, err := s.dialAgent(ctx, inst)
	if err != nil {
		log.WithError(err).Error("agent unreachable, relaunching guest")
		_ = s.Stop(profile.Name, true)
		return partial(), err
	}
	defer client.Close()

	sum := sha256.Sum256(data)
	guestPath := "/tmp/sample_" + hex.EncodeToString(sum[:4]) + filepath.Ext(task.FilePath)

	if err := client.WriteFile(ctx, guestPath, data, 0o644); err != nil {
		if inst.exited() {
			return partial(), errors.Wrapf(ErrGuestDied, "staging sample: %v", err)
		}
		return partial(), err
	}

	log.WithField("timeout", timeout).Info("task dispatched")

	report, err := client.Analyze(ctx, guestPath, timeout)
	if err != nil {
		if inst.exited() {
			return partial(), errors.Wrapf(ErrGuestDied, "during analysis: %v", err)
		}
		return partial(), err
	}

	scored := scorer.Score(report, static, rules, thresholds)

	log.WithFields(logrus.Fields{
		"verdict": scored.Verdict,
		"score":   scored.Score,
	}).Info("task scored")

	// Post-task restore erases whatever the sample did.  Failure only
	// poisons the next task, not this result; RestoreSnapshot already
	// marked the instance gone.
	if err := s.RestoreSnapshot(profile.Name); err != nil {
		log.WithError(err).Warn("post-task restore failed")
	}

	return &TaskResult{
		GuestName: profile.Name,
		Report:    report,
		Scored:    scored,
	}, nil
}

// acquire attaches a task to the instance.  At most one task per instance.
func (s *Supervisor) acquire(name string) (*GuestInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownGuest, "%s", name)
	}
	if !inst.alive() {
		return nil, errors.Wrapf(ErrGuestDied, "%s", name)
	}
	if inst.busy {
		return nil, errors.Wrapf(ErrGuestBusy, "%s", name)
	}
	inst.busy = true
	return inst, nil
}

func (s *Supervisor) release(inst *GuestInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.busy = false
}

// dialAgent connects to the instance's agent channel and waits for it to
// answer a ping.  The guest needs a moment after a snapshot restore before
// the virtio channel drains.
func (s *Supervisor) dialAgent(ctx context.Context, inst *GuestInstance) (*agent.Client, error) {
	deadline := time.Now().Add(agentReadyTimeout)

	var lastErr error
	for time.Now().Before(deadline) {
		if inst.exited() {
			return nil, errors.Wrapf(ErrGuestDied, "%s", inst.Profile.Name)
		}

		client, err := agent.Dial(ctx, inst.Sockets.Agent)
		if err == nil {
			if err = client.Ping(ctx); err == nil {
				return client, nil
			}
			_ = client.Close()
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	return nil, errors.Wrapf(agent.ErrUnreachable, "no ping in %s: %v", agentReadyTimeout, lastErr)
}
