// Copyright 2024 kharf
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reconcile

import (
	"errors"
	"time"

	"github.com/ecorp/shipyard/pkg/stack"
	"github.com/ecorp/shipyard/pkg/state"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultApplied = "applied"
	ResultNoOp    = "no-op"
	ResultLocked  = "locked"
	ResultFailed  = "failed"
)

type Metrics struct {
	runs        *prometheus.CounterVec
	changes     *prometheus.CounterVec
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs by result",
		}, []string{"result"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "reconcile",
			Name:      "resource_changes_total",
			Help:      "Resource changes by action and status",
		}, []string{"action", "status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shipyard",
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Duration of reconciliation runs",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shipyard",
			Subsystem: "reconcile",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful reconciliation",
		}),
	}
	for _, collector := range []prometheus.Collector{metrics.runs, metrics.changes, metrics.duration, metrics.lastSuccess} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (metrics *Metrics) observe(result *ReconcileResult, err error, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.duration.Observe(duration.Seconds())
	if result != nil && result.Result != nil {
		for _, node := range result.Result.Nodes {
			if node.Action == stack.ActionNoOp {
				continue
			}
			metrics.changes.WithLabelValues(string(node.Action), string(node.Status)).Inc()
		}
	}
	switch {
	case errors.Is(err, state.ErrLocked):
		metrics.runs.WithLabelValues(ResultLocked).Inc()
	case err != nil:
		metrics.runs.WithLabelValues(ResultFailed).Inc()
	case result.Result == nil:
		metrics.runs.WithLabelValues(ResultNoOp).Inc()
		metrics.lastSuccess.SetToCurrentTime()
	default:
		metrics.runs.WithLabelValues(ResultApplied).Inc()
		metrics.lastSuccess.SetToCurrentTime()
	}
}
