package endpoint

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/unit"
	"github.com/VictoriaMetrics/metrics"
)

type endpointMetrics struct {
	set            *metrics.Set
	client         uint64
	inProcess      atomic.Int64
	unitsSubmitted *metrics.Counter
	sessionsOpened *metrics.Counter
	unitDuration   *metrics.Histogram
}

func newEndpointMetrics(client uint64) *endpointMetrics {
	m := &endpointMetrics{
		set:    metrics.NewSet(),
		client: client,
	}
	m.unitsSubmitted = m.set.NewCounter(m.name("rfcunit_units_submitted_total", ""))
	m.sessionsOpened = m.set.NewCounter(m.name("rfcunit_sessions_opened_total", ""))
	m.unitDuration = m.set.NewHistogram(m.name("rfcunit_unit_duration_seconds", ""))
	m.set.NewGauge(m.name("rfcunit_units_in_process", ""), func() float64 {
		return float64(m.inProcess.Load())
	})
	return m
}

// name builds a metric name carrying the client label and optional extra labels
func (m *endpointMetrics) name(metric, labels string) string {
	if labels != "" {
		return fmt.Sprintf(`%s{client="%03d",%s}`, metric, m.client, labels)
	}
	return fmt.Sprintf(`%s{client="%03d"}`, metric, m.client)
}

func (m *endpointMetrics) call(function string) {
	m.set.GetOrCreateCounter(m.name("rfcunit_calls_total", fmt.Sprintf("function=%q", function))).Inc()
}

func (m *endpointMetrics) submitted() {
	m.unitsSubmitted.Inc()
	m.inProcess.Add(1)
}

func (m *endpointMetrics) finished(state unit.State, started time.Time) {
	m.inProcess.Add(-1)
	m.set.GetOrCreateCounter(m.name("rfcunit_units_finished_total", fmt.Sprintf("state=%q", state.String()))).Inc()
	m.unitDuration.UpdateDuration(started)
}

func (m *endpointMetrics) recovered() {
	m.inProcess.Add(1)
}

func (m *endpointMetrics) discarded() {
	m.inProcess.Add(-1)
}
