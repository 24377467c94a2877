// Copyright 2024 The Nanovisor Authors.
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

// Package metric collects and exposes Prometheus metrics for the kernel.
//
// The collector is a passive observer: kernel code notifies it of events
// and it has no effect on correctness. All Note methods are safe to call
// on a nil *Collector, so kernels built without metrics simply pass nil.
package metric

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the kernel's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// Vfork path.
	vforkTotal      prometheus.Counter
	vforkErrorTotal *prometheus.CounterVec

	// Stack accounting. Stack regions are attributed to their owning
	// task and reported separately from general heap usage.
	stackBytes     prometheus.Gauge
	stackRegions   prometheus.Gauge
	taskStackBytes *prometheus.GaugeVec
}

// New creates and registers all kernel metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,

		vforkTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanovisor_vfork_total",
			Help: "Total number of vfork attempts.",
		}),

		vforkErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nanovisor_vfork_error_total",
				Help: "Total number of vfork failures by stage.",
			},
			[]string{"stage"},
		),

		stackBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nanovisor_stack_bytes",
			Help: "Bytes of guest memory currently allocated to task stacks.",
		}),

		stackRegions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nanovisor_stack_regions",
			Help: "Number of live task stack regions.",
		}),

		taskStackBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nanovisor_task_stack_bytes",
				Help: "Stack bytes owned by a task.",
			},
			[]string{"tid"},
		),
	}

	reg.MustRegister(
		c.vforkTotal,
		c.vforkErrorTotal,
		c.stackBytes,
		c.stackRegions,
		c.taskStackBytes,
	)
	return c
}

// Handler returns an HTTP handler exposing the metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Snapshot returns the current value of every registered metric, summed
// across label values, keyed by metric name.
func (c *Collector) Snapshot() (map[string]float64, error) {
	mfs, err := c.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range mfs {
		var total float64
		for _, m := range mf.GetMetric() {
			if g := m.GetGauge(); g != nil {
				total += g.GetValue()
			}
			if cv := m.GetCounter(); cv != nil {
				total += cv.GetValue()
			}
		}
		out[mf.GetName()] = total
	}
	return out, nil
}

// NoteVfork records a vfork attempt.
func (c *Collector) NoteVfork() {
	if c == nil {
		return
	}
	c.vforkTotal.Inc()
}

// NoteVforkError records a failed vfork at the given stage.
func (c *Collector) NoteVforkError(stage string) {
	if c == nil {
		return
	}
	c.vforkErrorTotal.WithLabelValues(stage).Inc()
}

// NoteStackAllocated records a stack region of the given size, owned by
// the given task.
func (c *Collector) NoteStackAllocated(tid int32, bytes uint32) {
	if c == nil {
		return
	}
	c.stackBytes.Add(float64(bytes))
	c.stackRegions.Inc()
	c.taskStackBytes.WithLabelValues(strconv.Itoa(int(tid))).Set(float64(bytes))
}

// NoteStackReleased records that a task's stack region was released.
func (c *Collector) NoteStackReleased(tid int32, bytes uint32) {
	if c == nil {
		return
	}
	c.stackBytes.Sub(float64(bytes))
	c.stackRegions.Dec()
	c.taskStackBytes.DeleteLabelValues(strconv.Itoa(int(tid)))
}
