/*
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

// Package metrics exposes the controller's operational metrics: per-pool sizing
// gauges for inspection plus counters and latencies for every action taken.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "capacity_controller"

	PoolLabel      = "pool"
	DirectionLabel = "direction"
	KindLabel      = "kind"
	ReasonLabel    = "reason"
)

var (
	DesiredSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pools",
			Name:      "desired_size",
			Help:      "Desired number of nodes per pool.",
		},
		[]string{PoolLabel},
	)
	ReadyNodesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pools",
			Name:      "ready_nodes",
			Help:      "Nodes currently eligible for placement per pool.",
		},
		[]string{PoolLabel},
	)
	UnplaceableDemandGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "scheduling",
			Name:      "unplaceable_demand",
			Help:      "Workloads currently awaiting capacity.",
		},
	)
	ScaleIntentsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scaling",
			Name:      "intents_total",
			Help:      "Scale intents issued, partitioned by pool and direction.",
		},
		[]string{PoolLabel, DirectionLabel},
	)
	LaunchFailuresCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scaling",
			Name:      "launch_failures_total",
			Help:      "Scale-ups that could not be fulfilled in a tick.",
		},
		[]string{PoolLabel},
	)
	ReceivedMessagesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "interruption",
			Name:      "received_messages_total",
			Help:      "Interruption queue messages received, partitioned by kind.",
		},
		[]string{KindLabel},
	)
	DeletedMessagesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "interruption",
			Name:      "deleted_messages_total",
			Help:      "Interruption queue messages deleted after handling.",
		},
	)
	MessageLatencyHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "interruption",
			Name:      "message_latency_seconds",
			Help:      "Delay between a message being sent and being processed.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
	NodesTerminatedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "termination",
			Name:      "nodes_terminated_total",
			Help:      "Nodes terminated, partitioned by reason.",
		},
		[]string{ReasonLabel},
	)
	ForcedTerminationsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "termination",
			Name:      "forced_terminations_total",
			Help:      "Nodes terminated at the drain bound with workloads still present.",
		},
	)
	DrainDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "termination",
			Name:      "drain_duration_seconds",
			Help:      "Time from entering Draining to handing the node to the driver.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(
		DesiredSizeGauge,
		ReadyNodesGauge,
		UnplaceableDemandGauge,
		ScaleIntentsCounter,
		LaunchFailuresCounter,
		ReceivedMessagesCounter,
		DeletedMessagesCounter,
		MessageLatencyHistogram,
		NodesTerminatedCounter,
		ForcedTerminationsCounter,
		DrainDurationHistogram,
	)
}
