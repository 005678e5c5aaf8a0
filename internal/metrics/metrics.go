// Copyright 2024 The vfsd Authors.
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

// Package metrics exposes the engine's Prometheus instrumentation. Every
// fsops operation reports through the same Handle so the facade (C12)
// never touches a prometheus type directly.
package metrics

import (
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
)

// Handle is the narrow interface the engine records instrumentation
// through. NewNoopHandle satisfies it when --metrics is off, so call
// sites never nil-check.
type Handle interface {
	OpCount(op string)
	OpLatencySeconds(op string, seconds float64)
	OpErrorCount(op string, errno syscall.Errno)
	CopyUpCount(reflinked bool)
	CopyUpBytes(n int64)
	DaxMappingCount(delta int)
	InodeCount(delta int)
	HandleCount(delta int)
}

type promHandle struct {
	opCount      *prometheus.CounterVec
	opLatency    *prometheus.HistogramVec
	opErrorCount *prometheus.CounterVec
	copyUpCount  *prometheus.CounterVec
	copyUpBytes  prometheus.Counter
	daxMappings  prometheus.Gauge
	inodes       prometheus.Gauge
	handles      prometheus.Gauge
}

// NewHandle registers the engine's metric families against reg and returns
// a Handle backed by them.
func NewHandle(reg prometheus.Registerer) Handle {
	h := &promHandle{
		opCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsd",
			Name:      "op_total",
			Help:      "Count of fsops operations dispatched, by operation name.",
		}, []string{"op"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vfsd",
			Name:      "op_latency_seconds",
			Help:      "Latency of fsops operations, by operation name.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"op"}),
		opErrorCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsd",
			Name:      "op_error_total",
			Help:      "Count of fsops operations that returned a non-zero errno, by operation and errno name.",
		}, []string{"op", "errno"}),
		copyUpCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsd",
			Name:      "copy_up_total",
			Help:      "Count of copy-up operations, partitioned by whether a reflink clone succeeded.",
		}, []string{"reflinked"}),
		copyUpBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vfsd",
			Name:      "copy_up_bytes_total",
			Help:      "Bytes copied by the streaming copy-up fallback path.",
		}),
		daxMappings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vfsd",
			Name:      "dax_mappings",
			Help:      "Currently active DAX shared-memory mappings.",
		}),
		inodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vfsd",
			Name:      "inodes",
			Help:      "Live entries in the inode table.",
		}),
		handles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vfsd",
			Name:      "handles",
			Help:      "Live entries in the handle table.",
		}),
	}

	reg.MustRegister(h.opCount, h.opLatency, h.opErrorCount, h.copyUpCount, h.copyUpBytes, h.daxMappings, h.inodes, h.handles)
	return h
}

func (h *promHandle) OpCount(op string) {
	h.opCount.WithLabelValues(op).Inc()
}

func (h *promHandle) OpLatencySeconds(op string, seconds float64) {
	h.opLatency.WithLabelValues(op).Observe(seconds)
}

func (h *promHandle) OpErrorCount(op string, errno syscall.Errno) {
	h.opErrorCount.WithLabelValues(op, errno.Error()).Inc()
}

func (h *promHandle) CopyUpCount(reflinked bool) {
	if reflinked {
		h.copyUpCount.WithLabelValues("true").Inc()
		return
	}
	h.copyUpCount.WithLabelValues("false").Inc()
}

func (h *promHandle) CopyUpBytes(n int64) {
	h.copyUpBytes.Add(float64(n))
}

func (h *promHandle) DaxMappingCount(delta int) {
	h.daxMappings.Add(float64(delta))
}

func (h *promHandle) InodeCount(delta int) {
	h.inodes.Add(float64(delta))
}

func (h *promHandle) HandleCount(delta int) {
	h.handles.Add(float64(delta))
}

type noopHandle struct{}

// NewNoopHandle returns a Handle whose methods are no-ops, used when
// metrics collection is disabled.
func NewNoopHandle() Handle { return noopHandle{} }

func (noopHandle) OpCount(string)                        {}
func (noopHandle) OpLatencySeconds(string, float64)       {}
func (noopHandle) OpErrorCount(string, syscall.Errno)     {}
func (noopHandle) CopyUpCount(bool)                       {}
func (noopHandle) CopyUpBytes(int64)                      {}
func (noopHandle) DaxMappingCount(int)                    {}
func (noopHandle) InodeCount(int)                         {}
func (noopHandle) HandleCount(int)                        {}
