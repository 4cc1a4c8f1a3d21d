package editproc

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"collabsync/collab/editop"
)

// Metrics counts processed operations. A nil *Metrics records nothing.
type Metrics struct {
	operations      *prometheus.CounterVec
	storageFailures *prometheus.CounterVec
	decodeFailures  prometheus.Counter
}

// NewMetrics creates the processor metrics and registers them with reg when
// it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_operations_total",
			Help: "Operations dispatched by type and source.",
		}, []string{"type", "source"}),
		storageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_storage_failures_total",
			Help: "Storage calls that failed by operation type.",
		}, []string{"type"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_decode_failures_total",
			Help: "Client payloads that could not be decoded.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.operations, m.storageFailures, m.decodeFailures} {
			if err := reg.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					panic(err)
				}
			}
		}
	}
	return m
}

func (m *Metrics) operation(op editop.Operation) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(string(op.OpType()), op.Source().String()).Inc()
}

func (m *Metrics) storageFailure(t editop.Type) {
	if m == nil {
		return
	}
	m.storageFailures.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) decodeFailure() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}
