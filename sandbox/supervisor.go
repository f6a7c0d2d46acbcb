// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package sandbox implements the host-side core of the detonation
// pipeline: the supervisor that owns guest lifecycles, the snapshot
// barrier between tasks, and the task orchestration that stages a sample,
// drives the in-guest agent and folds the report into a verdict.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/detonator-project/detonator/pkg/antivm"
	"github.com/detonator-project/detonator/pkg/qemu"
	"github.com/detonator-project/detonator/pkg/qmp"
	"github.com/detonator-project/detonator/sandbox/types"
)

var sandboxLog = logrus.WithField("source", "sandbox")

const (
	// socketPollInterval is the fallback cadence for boot-socket checks
	// when filesystem notification is unavailable.
	socketPollInterval = 100 * time.Millisecond

	// powerdownGrace is how long a graceful stop waits before the kill
	// escalation.
	powerdownGrace = 10 * time.Second

	// controlDeadline bounds one QMP round trip.
	controlDeadline = 5 * time.Second
)

// Supervisor is the single owner of guest instances.  All lifecycle
// operations are supervisor methods keyed by profile name; the instance
// map is the only shared mutable state and is guarded by the mutex.
type Supervisor struct {
	mu sync.Mutex

	socketsDir string
	mask       antivm.Mask
	profiles   map[string]types.GuestProfile
	instances  map[string]*GuestInstance
}

// NewSupervisor returns a supervisor placing its sockets under dir.  The
// mask is the anti-detection template; each launch fills a fresh copy so
// serial numbers differ between boots.
func NewSupervisor(dir string, mask antivm.Mask) (*Supervisor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating sockets dir %s", dir)
	}
	return &Supervisor{
		socketsDir: dir,
		mask:       mask,
		profiles:   map[string]types.GuestProfile{},
		instances:  map[string]*GuestInstance{},
	}, nil
}

// RegisterProfile publishes a guest profile to the supervisor.  Profiles
// are read-only afterwards.
func (s *Supervisor) RegisterProfile(profile types.GuestProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.Name] = profile
}

// ProfileForArch returns the registered profile covering an architecture.
func (s *Supervisor) ProfileForArch(arch types.Architecture) (types.GuestProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.Arch == arch {
			return p, nil
		}
	}
	return types.GuestProfile{}, errors.Wrapf(ErrNoProfile, "%s", arch)
}

// socketSet computes the instance's socket paths.  The supervisor PID is
// embedded so concurrent supervisors on one host never collide.
func (s *Supervisor) socketSet(name string) types.SocketSet {
	id := fmt.Sprintf("%s_%d", name, os.Getpid())
	return types.SocketSet{
		Monitor: filepath.Join(s.socketsDir, id+"_monitor.sock"),
		Serial:  filepath.Join(s.socketsDir, id+"_serial.sock"),
		Agent:   filepath.Join(s.socketsDir, id+"_agent.sock"),
	}
}

func removeSockets(set types.SocketSet) {
	for _, p := range set.Paths() {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			sandboxLog.WithError(err).WithField("socket", p).Warn("cannot remove socket")
		}
	}
}

// Launch boots a guest from the named profile.  It spawns the hypervisor,
// waits for the monitor socket, connects QMP and returns once the instance
// is running.  A previous instance under the same name must be gone.
func (s *Supervisor) Launch(ctx context.Context, name string) (*GuestInstance, error) {
	s.mu.Lock()
	profile, ok := s.profiles[name]
	if !ok {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrUnknownGuest, "%s", name)
	}
	if existing, ok := s.instances[name]; ok && !existing.exited() {
		s.mu.Unlock()
		return nil, errors.Errorf("sandbox: guest %s already running", name)
	}
	mask := s.mask
	s.mu.Unlock()

	sockets := s.socketSet(name)
	removeSockets(sockets)

	cfg, err := antivm.BuildConfig(profile, &mask, sockets)
	if err != nil {
		return nil, err
	}

	sandboxLog.WithFields(logrus.Fields{
		"guest": name,
		"arch":  profile.Arch,
		"image": profile.ImagePath,
	}).Info("launching guest")

	cmd, output, err := qemu.LaunchQemu(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	inst := &GuestInstance{
		Profile:   profile,
		Sockets:   sockets,
		State:     types.StateSpawning,
		PID:       cmd.Process.Pid,
		BootStart: time.Now(),
		cmd:       cmd,
		output:    output,
		waitDone:  make(chan struct{}),
	}

	go func() {
		_ = cmd.Wait()
		close(inst.waitDone)
		s.reap(inst)
	}()

	bootCtx, cancel := context.WithTimeout(ctx, profile.BootTimeout)
	defer cancel()

	if err := s.awaitSocket(bootCtx, inst, sockets.Monitor); err != nil {
		_ = cmd.Process.Kill()
		<-inst.waitDone
		removeSockets(sockets)
		launchFailures.Inc()
		return nil, err
	}

	monitor, version, disconnected, err := qmp.Connect(bootCtx, sockets.Monitor)
	if err != nil {
		_ = cmd.Process.Kill()
		<-inst.waitDone
		removeSockets(sockets)
		launchFailures.Inc()
		return nil, errors.Wrapf(ErrLaunchTimeout, "qmp greeting: %v", err)
	}

	inst.monitor = monitor
	inst.monitorGone = disconnected
	inst.State = types.StateRunning

	s.mu.Lock()
	s.instances[name] = inst
	runningGuests.Inc()
	s.mu.Unlock()

	sandboxLog.WithFields(logrus.Fields{
		"guest":   name,
		"pid":     inst.PID,
		"qemu":    version.String(),
		"elapsed": time.Since(inst.BootStart),
	}).Info("guest running")

	return inst, nil
}

// awaitSocket waits for the monitor socket to appear.  A filesystem
// watcher on the sockets directory provides the wakeups, with a slow poll
// underneath in case the watch cannot be established.
func (s *Supervisor) awaitSocket(ctx context.Context, inst *GuestInstance, path string) error {
	var watchCh <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			watchCh = watcher.Events
		}
	}

	ticker := time.NewTicker(socketPollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}

		select {
		case <-inst.waitDone:
			return errors.Wrapf(ErrLaunchTimeout, "hypervisor exited: %s", inst.output.String())
		case <-ctx.Done():
			return errors.Wrapf(ErrLaunchTimeout, "monitor socket absent after %s", inst.Profile.BootTimeout)
		case <-watchCh:
		case <-ticker.C:
		}
	}
}

// reap handles an unexpected hypervisor exit: any state other than
// stopping means the guest died under us.
func (s *Supervisor) reap(inst *GuestInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch inst.State {
	case types.StateStopping, types.StateGone:
		return
	case types.StateRunning, types.StateSuspended:
		sandboxLog.WithField("guest", inst.Profile.Name).Warn("guest exited unexpectedly")
		runningGuests.Dec()
	}
	inst.State = types.StateGone
}

// instance returns the live record for a name.
func (s *Supervisor) instance(name string) (*GuestInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownGuest, "%s", name)
	}
	return inst, nil
}

// IsRunning reports whether the named guest is booted and usable.
func (s *Supervisor) IsRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	return ok && inst.alive()
}

// Stop tears down the named guest.  The graceful path asks for an ACPI
// powerdown and escalates to SIGKILL after the grace period; force skips
// straight to the kill.  Stop is idempotent.
func (s *Supervisor) Stop(name string, force bool) error {
	s.mu.Lock()
	inst, ok := s.instances[name]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.instances, name)
	wasAlive := inst.State == types.StateRunning || inst.State == types.StateSuspended
	inst.State = types.StateStopping
	s.mu.Unlock()

	log := sandboxLog.WithField("guest", name)

	if !inst.exited() {
		if !force && inst.monitor != nil {
			ctx, cancel := context.WithTimeout(context.Background(), powerdownGrace)
			if err := inst.monitor.ExecuteSystemPowerdown(ctx); err != nil {
				log.WithError(err).Debug("powerdown not acknowledged")
			}
			cancel()

			select {
			case <-inst.waitDone:
			case <-time.After(powerdownGrace):
				log.Warn("powerdown grace expired, killing")
				_ = inst.cmd.Process.Kill()
			}
		} else {
			_ = inst.cmd.Process.Kill()
		}
		<-inst.waitDone
	}

	if inst.monitor != nil {
		select {
		case <-inst.monitorGone:
		default:
			inst.monitor.Shutdown()
		}
	}

	removeSockets(inst.Sockets)

	s.mu.Lock()
	inst.State = types.StateGone
	if wasAlive {
		runningGuests.Dec()
	}
	s.mu.Unlock()

	log.Info("guest stopped")
	return nil
}

// StopAll tears down every guest.  Called on supervisor shutdown; no child
// survives it.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	names := make([]string, 0, len(s.instances))
	for name := range s.instances {
		names = append(names, name)
	}
	s.mu.Unlock()

	var result *multierror.Error
	for _, name := range names {
		if err := s.Stop(name, true); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// control runs one QMP command through fn with the standard deadline,
// retrying once on timeout and escalating to a force kill when the monitor
// stays stuck.
func (s *Supervisor) control(inst *GuestInstance, fn func(ctx context.Context) error) error {
	run := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), controlDeadline)
		defer cancel()
		return fn(ctx)
	}

	err := run()
	if errors.Is(err, qmp.ErrTimeout) {
		sandboxLog.WithField("guest", inst.Profile.Name).Warn("qmp stuck, retrying")
		err = run()
	}
	if errors.Is(err, qmp.ErrTimeout) {
		sandboxLog.WithField("guest", inst.Profile.Name).Error("qmp stuck twice, killing guest")
		_ = s.Stop(inst.Profile.Name, true)
	}
	return err
}

// QueryStatus returns the hypervisor-reported run state of a guest.
func (s *Supervisor) QueryStatus(name string) (qmp.StatusInfo, error) {
	inst, err := s.instance(name)
	if err != nil {
		return qmp.StatusInfo{}, err
	}

	var info qmp.StatusInfo
	err = s.control(inst, func(ctx context.Context) error {
		var qerr error
		info, qerr = inst.monitor.ExecuteQueryStatus(ctx)
		return qerr
	})
	return info, err
}
