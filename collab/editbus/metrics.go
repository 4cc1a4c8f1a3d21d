package editbus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	directionIn      = "in"
	directionOut     = "out"
	directionDropped = "dropped"
)

type busMetrics struct {
	messages *prometheus.CounterVec
	rollups  *prometheus.CounterVec
}

func newBusMetrics(reg prometheus.Registerer) *busMetrics {
	m := &busMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_bus_messages_total",
			Help: "Bus envelopes by direction and kind.",
		}, []string{"direction", "kind"}),
		rollups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_rollups_total",
			Help: "Rollup coordination outcomes.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		m.messages = registerCounterVec(reg, m.messages)
		m.rollups = registerCounterVec(reg, m.rollups)
	}
	return m
}

// registerCounterVec registers c, or returns the collector already registered
// under the same name.
func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func (m *busMetrics) message(direction, kind string) {
	m.messages.WithLabelValues(direction, kind).Inc()
}

func (m *busMetrics) rollup(outcome RollupState) {
	m.rollups.WithLabelValues(outcome.String()).Inc()
}
