// Package metrics defines the Prometheus collectors of a probe node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Flows counts protocol outcomes. A nil *Flows records nothing.
type Flows struct {
	launches      *prometheus.CounterVec
	acceptances   *prometheus.CounterVec
	notarisations *prometheus.CounterVec
	cursorPolls   prometheus.Counter
}

// NewFlows creates the collectors and registers them with reg.
func NewFlows(reg prometheus.Registerer) *Flows {
	f := &Flows{
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "probe",
			Name:      "launches_total",
			Help:      "Probe launches by outcome code.",
		}, []string{"outcome"}),
		acceptances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "probe",
			Name:      "acceptor_sessions_total",
			Help:      "Responder sessions by terminal step.",
		}, []string{"step"}),
		notarisations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "probe",
			Name:      "notarisations_total",
			Help:      "Notarisation requests by outcome code.",
		}, []string{"outcome"}),
		cursorPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "probe",
			Name:      "cursor_polls_total",
			Help:      "Vault cursor polls issued by queries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(f.launches, f.acceptances, f.notarisations, f.cursorPolls)
	}
	return f
}

// Launch records the outcome of a launch; "OK" for success, else an error code.
func (f *Flows) Launch(outcome string) {
	if f == nil {
		return
	}
	f.launches.WithLabelValues(outcome).Inc()
}

// Acceptance records the terminal step of a responder session.
func (f *Flows) Acceptance(step string) {
	if f == nil {
		return
	}
	f.acceptances.WithLabelValues(step).Inc()
}

// Notarisation records the outcome of a notarisation request.
func (f *Flows) Notarisation(outcome string) {
	if f == nil {
		return
	}
	f.notarisations.WithLabelValues(outcome).Inc()
}

// CursorPoll records one vault cursor poll.
func (f *Flows) CursorPoll() {
	if f == nil {
		return
	}
	f.cursorPolls.Inc()
}
