package monitor

import (
	"fmt"

	"execution-core/internal/events"
)

// Rule inspects one event and returns an alert message when it fires.
type Rule func(evt events.Event) (string, bool)

// DefaultRules alert on conditions that need a human: a dead session, a position that
// fell back to its safety stop, or a fill left without protection.
var DefaultRules = []Rule{
	func(evt events.Event) (string, bool) {
		if f, ok := evt.Payload.(events.Failed); ok {
			name := f.Session
			if name == "" {
				name = "trading"
			}
			return fmt.Sprintf("%s session gave up after %d reconnect attempts", name, f.Attempts), true
		}
		return "", false
	},
	func(evt events.Event) (string, bool) {
		if s, ok := evt.Payload.(events.StopUpdated); ok && s.Safety {
			return fmt.Sprintf("safety stop installed for %s at %g (order %s)", s.PositionID, s.StopPrice, s.OrderID), true
		}
		return "", false
	},
	func(evt events.Event) (string, bool) {
		if x, ok := evt.Payload.(events.Execution); ok && x.Partial {
			return fmt.Sprintf("%s %s order %s filled without stop-loss: %s", x.Symbol, x.Side, x.OrderID, x.Message), true
		}
		return "", false
	},
}
