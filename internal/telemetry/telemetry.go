// Package telemetry exposes the runtime's Prometheus metrics: policy
// apply outcomes, per-function pipeline invocation counts, scheduled
// window fires, queued message counts by priority, and a gauge of
// active virtual devices.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns this runtime's metric instruments, collected under a
// private prometheus.Registry rather than the global default so
// multiple runtimes in one process (e.g. under test) never collide.
type Registry struct {
	reg *prometheus.Registry

	PolicyApplyTotal      *prometheus.CounterVec
	PipelineInvocations   *prometheus.CounterVec
	ScheduledWindowFires  prometheus.Counter
	MessagesQueued        *prometheus.CounterVec
	ActiveDevices         prometheus.Gauge
}

// New builds and registers every instrument.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		PolicyApplyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_client_policy_apply_total",
			Help: "Count of policy application attempts by outcome.",
		}, []string{"outcome"}),
		PipelineInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_client_pipeline_invocations_total",
			Help: "Count of policy function invocations by function id.",
		}, []string{"function_id"}),
		ScheduledWindowFires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "device_client_scheduled_window_fires_total",
			Help: "Count of scheduled-window dispatcher fires.",
		}),
		MessagesQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_client_messages_queued_total",
			Help: "Count of messages queued by priority.",
		}, []string{"priority"}),
		ActiveDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "device_client_active_devices",
			Help: "Count of currently active virtual devices.",
		}),
	}

	reg.MustRegister(
		r.PolicyApplyTotal,
		r.PipelineInvocations,
		r.ScheduledWindowFires,
		r.MessagesQueued,
		r.ActiveDevices,
	)
	return r
}

// Handler serves this registry's metrics in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
