package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"

	"github.com/wagate/wagate/internal/contacts"
	"github.com/wagate/wagate/internal/session"
)

type fakeSender struct {
	sent []string
	fail map[string]error
}

func (f *fakeSender) SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	if err, ok := f.fail[to.String()]; ok {
		return whatsmeow.SendResponse{}, err
	}
	f.sent = append(f.sent, to.String())
	return whatsmeow.SendResponse{}, nil
}

type fakeSession struct {
	sender session.Sender
	err    error
}

func (f *fakeSession) Handle() (session.Sender, error) { return f.sender, f.err }

type captureRecorder struct {
	outcomes []string
}

func (r *captureRecorder) RecordDelivery(jid, status, errMsg string) {
	r.outcomes = append(r.outcomes, jid+"="+status)
}

func newTestSurface(sender *fakeSender) *Surface {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSurface(&fakeSession{sender: sender}, contacts.NewDirectory(), log)
}

func TestCanonicalJID(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "15551234567", want: "15551234567@s.whatsapp.net"},
		{in: "15551234567@s.whatsapp.net", want: "15551234567@s.whatsapp.net"},
		{in: "15551234567:12@s.whatsapp.net", want: "15551234567@s.whatsapp.net"},
		{in: "15551234567:banana@s.whatsapp.net", wantErr: true},
	}
	for _, tc := range cases {
		jid, err := CanonicalJID(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("CanonicalJID(%q): want error, got %v", tc.in, jid)
			}
			continue
		}
		if err != nil {
			t.Errorf("CanonicalJID(%q): %v", tc.in, err)
			continue
		}
		if jid.String() != tc.want {
			t.Errorf("CanonicalJID(%q) = %q, want %q", tc.in, jid, tc.want)
		}
	}
}

func TestSendTextNotConnected(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSurface(&fakeSession{err: session.ErrNotConnected}, contacts.NewDirectory(), log)
	if _, err := s.SendText(context.Background(), "15551234567", "hi"); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}

func TestSendTextRecordsOutcome(t *testing.T) {
	sender := &fakeSender{fail: map[string]error{"15550000001@s.whatsapp.net": errors.New("boom")}}
	s := newTestSurface(sender)
	rec := &captureRecorder{}
	s.SetRecorder(rec)

	if _, err := s.SendText(context.Background(), "15551234567", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := s.SendText(context.Background(), "15550000001", "hi"); err == nil {
		t.Fatal("want send failure")
	}

	want := []string{"15551234567@s.whatsapp.net=sent", "15550000001@s.whatsapp.net=failed"}
	if len(rec.outcomes) != 2 || rec.outcomes[0] != want[0] || rec.outcomes[1] != want[1] {
		t.Fatalf("recorded outcomes = %v, want %v", rec.outcomes, want)
	}
}

func TestBroadcastPartialFailure(t *testing.T) {
	sender := &fakeSender{fail: map[string]error{"15550000001@s.whatsapp.net": errors.New("boom")}}
	s := newTestSurface(sender)

	results, err := s.Broadcast(context.Background(), nil, []string{"15550000001", "15551234567"}, "hello")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("want 2 results, got %d", len(results))
	}
	if results[0].Status != "failed" || results[0].Error == "" {
		t.Fatalf("first result = %+v, want failed with error", results[0])
	}
	if results[1].Status != "sent" || results[1].JID != "15551234567@s.whatsapp.net" {
		t.Fatalf("second result = %+v, want sent", results[1])
	}
}

func TestBroadcastValidatesBeforeSending(t *testing.T) {
	sender := &fakeSender{}
	s := newTestSurface(sender)

	if _, err := s.Broadcast(context.Background(), nil, []string{"15551234567"}, "   "); !errors.Is(err, ErrMissingMessage) {
		t.Fatalf("want ErrMissingMessage, got %v", err)
	}
	if _, err := s.Broadcast(context.Background(), []string{"", "  "}, nil, "hi"); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("want ErrNoRecipients, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("no sends expected, got %v", sender.sent)
	}
}

func TestBroadcastDeduplicatesAcrossForms(t *testing.T) {
	sender := &fakeSender{}
	s := newTestSurface(sender)

	results, err := s.Broadcast(context.Background(),
		[]string{"15551234567@s.whatsapp.net", "15551234567:7@s.whatsapp.net"},
		[]string{"15551234567", "15559998888"},
		"hi")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("want 2 results after dedup, got %d: %+v", len(results), results)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("want 2 sends, got %v", sender.sent)
	}
}

func TestBroadcastNotConnected(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSurface(&fakeSession{err: session.ErrNotConnected}, contacts.NewDirectory(), log)
	if _, err := s.Broadcast(context.Background(), nil, []string{"15551234567"}, "hi"); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}
