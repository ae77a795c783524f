// Package mirror publishes gateway activity to Kafka so other systems can
// follow connectivity and delivery outcomes without polling the HTTP API.
package mirror

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wagate/wagate/internal/bus"
)

const writeTimeout = 10 * time.Second

// Record is one mirrored event.
type Record struct {
	Type      string    `json:"type"` // "status" or "delivery"
	Connected bool      `json:"connected,omitempty"`
	JID       string    `json:"jid,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Mirror forwards session status changes and delivery outcomes to a Kafka
// topic. QR payloads are credentials and are never mirrored.
type Mirror struct {
	writer  *kafka.Writer
	writeFn func(ctx context.Context, msgs ...kafka.Message) error
	log     *slog.Logger
}

// New builds a mirror for a comma-separated broker list.
func New(brokers, topic string, log *slog.Logger) *Mirror {
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &Mirror{writer: w, writeFn: w.WriteMessages, log: log}
}

// Run subscribes to the bus and mirrors status events until ctx is
// cancelled. A slow broker can back up the observer channel far enough for
// the bus to drop it; the mirror resubscribes rather than staying dead for
// the rest of the process.
func (m *Mirror) Run(ctx context.Context, events *bus.EventBus) {
	for {
		if done := m.consume(ctx, events); done {
			return
		}
		m.log.Error("mirror observer dropped by bus, resubscribing")
	}
}

// consume drains one subscription. Reports true when ctx ended, false when
// the bus removed the observer.
func (m *Mirror) consume(ctx context.Context, events *bus.EventBus) bool {
	obs := events.Subscribe()
	defer events.Unsubscribe(obs)

	for {
		select {
		case <-ctx.Done():
			return true
		case ev, open := <-obs.Events:
			if !open {
				return false
			}
			if ev.Kind != bus.KindStatus {
				continue
			}
			m.publish(Record{Type: "status", Connected: ev.Connected, Time: time.Now().UTC()})
		}
	}
}

// RecordDelivery implements control.Recorder.
func (m *Mirror) RecordDelivery(jid, status, errMsg string) {
	m.publish(Record{Type: "delivery", JID: jid, Status: status, Error: errMsg, Time: time.Now().UTC()})
}

// publish is best-effort: the gateway never blocks on or fails because of
// the mirror.
func (m *Mirror) publish(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		m.log.Warn("mirror marshal failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := m.writeFn(ctx, kafka.Message{Key: []byte(rec.Type), Value: data}); err != nil {
		m.log.Warn("mirror write failed", "type", rec.Type, "error", err)
	}
}

func (m *Mirror) Close() error {
	if m.writer == nil {
		return nil
	}
	return m.writer.Close()
}
