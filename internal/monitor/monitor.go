package monitor

import (
	"time"

	"github.com/rs/zerolog/log"

	"execution-core/internal/events"
)

// Monitor feeds connection metrics from the bus and evaluates alert rules.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Sink    AlertSink
	Rules   []Rule
	// Session restricts the connection gauges to one session's lifecycle events. Empty tracks all.
	Session string

	unsub func()
}

// Start subscribes to the bus. Stop undoes it.
func (m *Monitor) Start() {
	if m.Bus == nil {
		log.Warn().Msg("monitor not configured; skipping")
		return
	}
	if m.Sink == nil {
		m.Sink = LogSink{}
	}
	if m.Rules == nil {
		m.Rules = DefaultRules
	}
	m.unsub = m.Bus.Subscribe(m.handle)
}

func (m *Monitor) Stop() {
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
}

func (m *Monitor) handle(evt events.Event) {
	if m.Metrics != nil && m.tracks(evt) {
		switch evt.Kind {
		case events.KindOpen:
			m.Metrics.SetConnectionState(2)
		case events.KindReconnecting:
			m.Metrics.Reconnect()
			m.Metrics.SetConnectionState(1)
		case events.KindClose:
			m.Metrics.SetConnectionState(0)
		case events.KindFailed:
			m.Metrics.SetConnectionState(-1)
		}
	}
	for _, rule := range m.Rules {
		msg, ok := rule(evt)
		if !ok {
			continue
		}
		if err := m.Sink.Send(formatAlert(evt.Time, msg)); err != nil {
			log.Warn().Err(err).Msg("alert delivery failed")
		}
	}
}

func (m *Monitor) tracks(evt events.Event) bool {
	s := events.SessionOf(evt.Payload)
	return m.Session == "" || s == "" || s == m.Session
}

func formatAlert(at time.Time, msg string) string {
	if at.IsZero() {
		at = time.Now()
	}
	return "[" + at.Format(time.RFC3339) + "] " + msg
}
