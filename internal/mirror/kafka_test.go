package mirror

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wagate/wagate/internal/bus"
)

type capture struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (c *capture) write(ctx context.Context, msgs ...kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *capture) snapshot() []kafka.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kafka.Message(nil), c.msgs...)
}

func newTestMirror(c *capture) *Mirror {
	return &Mirror{
		writeFn: c.write,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestRunMirrorsStatusOnly(t *testing.T) {
	c := &capture{}
	m := newTestMirror(c)
	eventBus := bus.New(func() bus.State { return bus.State{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, eventBus)
		close(done)
	}()

	// The subscription inside Run primes one status event.
	waitFor(t, func() bool { return eventBus.Count() == 1 })
	eventBus.Publish(bus.Event{Kind: bus.KindQR, QR: "pairing-payload"})
	eventBus.Publish(bus.Event{Kind: bus.KindPing})
	eventBus.Publish(bus.Event{Kind: bus.KindStatus, Connected: true})
	waitFor(t, func() bool { return len(c.snapshot()) == 2 })

	cancel()
	<-done

	got := c.snapshot()
	for _, msg := range got {
		var rec Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			t.Fatalf("unmarshal record: %v", err)
		}
		if rec.Type != "status" {
			t.Fatalf("mirrored non-status record: %+v", rec)
		}
		if strings.Contains(string(msg.Value), "pairing-payload") {
			t.Fatal("qr payload leaked into mirror")
		}
	}
	var last Record
	json.Unmarshal(got[1].Value, &last)
	if !last.Connected {
		t.Fatalf("want connected=true in final record, got %+v", last)
	}
}

func TestRunResubscribesAfterObserverDrop(t *testing.T) {
	c := &capture{}
	release := make(chan struct{})
	m := &Mirror{
		writeFn: func(ctx context.Context, msgs ...kafka.Message) error {
			<-release
			return c.write(ctx, msgs...)
		},
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	eventBus := bus.New(func() bus.State { return bus.State{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, eventBus)
		close(done)
	}()
	waitFor(t, func() bool { return eventBus.Count() == 1 })

	// The primed status event blocks in the broker write; flooding the
	// observer past its buffer makes the bus drop it.
	for i := 0; i < 40; i++ {
		eventBus.Publish(bus.Event{Kind: bus.KindStatus, Connected: false})
	}
	waitFor(t, func() bool { return eventBus.Count() == 0 })

	close(release)
	waitFor(t, func() bool { return eventBus.Count() == 1 })

	eventBus.Publish(bus.Event{Kind: bus.KindStatus, Connected: true})
	waitFor(t, func() bool {
		for _, msg := range c.snapshot() {
			if strings.Contains(string(msg.Value), `"connected":true`) {
				return true
			}
		}
		return false
	})

	cancel()
	<-done
}

func TestRecordDeliveryShape(t *testing.T) {
	c := &capture{}
	m := newTestMirror(c)

	m.RecordDelivery("15551234567@s.whatsapp.net", "failed", "boom")

	got := c.snapshot()
	if len(got) != 1 {
		t.Fatalf("want 1 message, got %d", len(got))
	}
	if string(got[0].Key) != "delivery" {
		t.Fatalf("key = %q", got[0].Key)
	}
	var rec Record
	if err := json.Unmarshal(got[0].Value, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Type != "delivery" || rec.JID != "15551234567@s.whatsapp.net" ||
		rec.Status != "failed" || rec.Error != "boom" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Time.IsZero() {
		t.Fatal("record time not set")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
