package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"copytrade-core/internal/events"
)

// Monitor watches risk events and forwards them to an alert sink.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	vetoes, unsubVeto := m.Bus.Subscribe(events.EventRiskVeto, 50)
	alerts, unsubAlert := m.Bus.Subscribe(events.EventRiskAlert, 50)
	go func() {
		defer unsubVeto()
		defer unsubAlert()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-vetoes:
				if !ok {
					return
				}
				m.deliver(msg)
			case msg, ok := <-alerts:
				if !ok {
					return
				}
				m.deliver(msg)
			}
		}
	}()
}

func (m *Monitor) deliver(msg any) {
	if err := m.Sink.Send(formatAlert(msg)); err != nil {
		log.Printf("monitor: alert delivery failed: %v", err)
	}
}

func formatAlert(msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case events.RiskVeto:
		if t.Suspended {
			return fmt.Sprintf("relationship %s suspended: %s (%s)", t.RelationshipID, t.Code, t.Detail)
		}
		return fmt.Sprintf("trade vetoed for %s: %s (%s)", t.RelationshipID, t.Code, t.Detail)
	default:
		return "alert triggered"
	}
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("ALERT %s", message)
	return nil
}
