package monitor

import "github.com/rs/zerolog/log"

// AlertSink delivers operator alerts.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured log.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Error().Str("severity", "high").Msg(message)
	return nil
}

// SinkFunc adapts a function to AlertSink.
type SinkFunc func(message string) error

func (f SinkFunc) Send(message string) error { return f(message) }
