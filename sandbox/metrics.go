// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sandbox

import "github.com/prometheus/client_golang/prometheus"

const promNamespace = "detonator"

var (
	runningGuests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "running_guests",
		Help:      "Number of booted guest instances.",
	})

	launchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "launch_failures_total",
		Help:      "Guest launches that never reached a QMP greeting.",
	})

	snapshotRestores = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "snapshot_restores_total",
		Help:      "Successful clean-state restores.",
	})

	tasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "tasks_total",
		Help:      "Analysis tasks by outcome.",
	}, []string{"outcome"})

	taskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "task_duration_seconds",
		Help:      "Wall clock time of analysis tasks.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(
		runningGuests,
		launchFailures,
		snapshotRestores,
		tasksTotal,
		taskDuration,
	)
}
