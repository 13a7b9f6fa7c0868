/*
Copyright 2025 The AgentRun Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes the admission core's Prometheus instrumentation. Register wires the collectors
// into a registry exactly once; all recording helpers are safe to call before registration.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "admission"

// waitBuckets cover the realistic permit-wait range: a few milliseconds under light load up to the default
// five-minute wait bound.
var waitBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

var (
	capacityChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "capacity_checks_total",
			Help:      "Counter of capacity checks broken out by decision.",
		},
		[]string{"decision"},
	)

	permitOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "permit_requests_total",
			Help:      "Counter of dispatch permit acquisitions broken out by terminal outcome and priority.",
		},
		[]string{"outcome", "priority"},
	)

	permitWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "permit_wait_duration_seconds",
			Help:      "Histogram of time spent waiting for a dispatch permit, by terminal outcome.",
			Buckets:   waitBuckets,
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Number of entries waiting in the pending queue.",
		},
	)

	activeReservations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "reservations_active",
			Help:      "Number of outstanding reservation records, provisional and consumed.",
		},
	)

	expiredReservations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "reservations_expired_total",
			Help:      "Counter of reservations dropped because their TTL lapsed without consumption.",
		},
	)

	penaltyScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "penalty_score",
			Help:      "Current adaptive penalty score shrinking the effective parallelism limit.",
		},
	)

	preemptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "preemptions_total",
			Help:      "Counter of background executions preempted in favor of interactive work.",
		},
	)

	workSteals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "work_steals_total",
			Help:      "Counter of cross-instance work-steal events broken out by direction (stolen vs lost).",
		},
		[]string{"direction"},
	)
)

var registerMetrics sync.Once

// Register registers all admission collectors with the given registerer, once. A nil registerer uses the
// process-default registry.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(capacityChecks)
		reg.MustRegister(permitOutcomes)
		reg.MustRegister(permitWaitDuration)
		reg.MustRegister(queueDepth)
		reg.MustRegister(activeReservations)
		reg.MustRegister(expiredReservations)
		reg.MustRegister(penaltyScore)
		reg.MustRegister(preemptions)
		reg.MustRegister(workSteals)
	})
}

// RecordCapacityCheck counts one capacity evaluation.
func RecordCapacityCheck(allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	capacityChecks.WithLabelValues(decision).Inc()
}

// RecordPermitOutcome counts one terminal permit result and observes its wait time.
func RecordPermitOutcome(outcome, priority string, waited time.Duration) {
	permitOutcomes.WithLabelValues(outcome, priority).Inc()
	permitWaitDuration.WithLabelValues(outcome).Observe(waited.Seconds())
}

// RecordQueueDepth publishes the current pending-queue depth.
func RecordQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// RecordActiveReservations publishes the current reservation count.
func RecordActiveReservations(count int) {
	activeReservations.Set(float64(count))
}

// RecordExpiredReservations counts reservations dropped by the expiry sweep.
func RecordExpiredReservations(count int) {
	expiredReservations.Add(float64(count))
}

// RecordPenaltyScore publishes the current adaptive penalty score.
func RecordPenaltyScore(score float64) {
	penaltyScore.Set(score)
}

// RecordPreemption counts one background preemption.
func RecordPreemption() {
	preemptions.Inc()
}

// RecordWorkSteal counts one work-steal event. Direction is "stolen" when this instance claimed peer work
// and "lost" when a peer claimed ours.
func RecordWorkSteal(direction string) {
	workSteals.WithLabelValues(direction).Inc()
}
