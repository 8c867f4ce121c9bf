package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors recorded by links and the controller. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	commands         *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	connectedDevices prometheus.Gauge
	frequency        prometheus.Gauge
	minAttenuation   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attenuator",
			Subsystem: "link",
			Name:      "commands_total",
			Help:      "Serial commands sent to attenuators, by command and result.",
		}, []string{"command", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "attenuator",
			Subsystem: "link",
			Name:      "command_duration_seconds",
			Help:      "Round-trip time of serial command exchanges.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"command"}),
		connectedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "attenuator",
			Name:      "connected_devices",
			Help:      "Devices currently in the registry.",
		}),
		frequency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "attenuator",
			Name:      "frequency_mhz",
			Help:      "Current compensation frequency.",
		}),
		minAttenuation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "attenuator",
			Name:      "min_attenuation_db",
			Help:      "Minimum legal attenuation at the current frequency.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.commandDuration, m.connectedDevices, m.frequency, m.minAttenuation)
	}
	return m
}

// ObserveCommand records one command exchange. result is "ok", "timeout",
// "protocol_error", "transport_error" or "busy".
func (m *Metrics) ObserveCommand(command, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
	if result != "busy" {
		m.commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
	}
}

// SetConnectedDevices records the registry size.
func (m *Metrics) SetConnectedDevices(n int) {
	if m == nil {
		return
	}
	m.connectedDevices.Set(float64(n))
}

// SetFrequency records the compensation frequency and the resulting minimum.
func (m *Metrics) SetFrequency(frequency, minAttenuation float64) {
	if m == nil {
		return
	}
	m.frequency.Set(frequency)
	m.minAttenuation.Set(minAttenuation)
}
