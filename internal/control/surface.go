// Package control implements the messaging operations exposed over the
// HTTP API: single sends, broadcast fan-out and contact queries.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"

	"github.com/wagate/wagate/internal/contacts"
	"github.com/wagate/wagate/internal/session"
)

var (
	// ErrNoRecipients is returned by Broadcast when no target survives
	// deduplication.
	ErrNoRecipients = errors.New("no recipients")
	// ErrMissingMessage is returned by Broadcast when the message text is
	// empty after trimming.
	ErrMissingMessage = errors.New("missing message")
)

const sendTimeout = 30 * time.Second

// Session is the slice of the session manager the surface needs.
type Session interface {
	Handle() (session.Sender, error)
}

// Recorder receives per-delivery outcomes, e.g. for mirroring to Kafka.
type Recorder interface {
	RecordDelivery(jid, status, errMsg string)
}

// Result is one delivery outcome within a broadcast response.
type Result struct {
	JID    string `json:"jid"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Surface wires messaging operations to the live session and directory.
type Surface struct {
	session   Session
	directory *contacts.Directory
	recorder  Recorder
	log       *slog.Logger
}

func NewSurface(sess Session, directory *contacts.Directory, log *slog.Logger) *Surface {
	return &Surface{session: sess, directory: directory, log: log}
}

// SetRecorder attaches a delivery recorder. Must be called before the
// surface starts serving requests.
func (s *Surface) SetRecorder(r Recorder) { s.recorder = r }

// CanonicalJID normalizes a destination: a bare number becomes a user JID,
// anything else is parsed and stripped of its device part so the same
// account always maps to the same key.
func CanonicalJID(dest string) (types.JID, error) {
	if !strings.ContainsRune(dest, '@') {
		return types.NewJID(dest, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(dest)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("parse jid %q: %w", dest, err)
	}
	return jid.ToNonAD(), nil
}

// SendText delivers one text message and returns the canonical recipient
// JID. The session is resolved per call; a disconnect between calls
// surfaces as ErrNotConnected rather than a stale handle.
func (s *Surface) SendText(ctx context.Context, dest, text string) (string, error) {
	sender, err := s.session.Handle()
	if err != nil {
		return "", err
	}
	jid, err := CanonicalJID(dest)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := sender.SendMessage(ctx, jid, msg); err != nil {
		s.record(jid.String(), "failed", err.Error())
		return jid.String(), fmt.Errorf("send to %s: %w", jid, err)
	}
	s.record(jid.String(), "sent", "")
	return jid.String(), nil
}

// Broadcast sends text to every distinct target drawn from jids and bare
// numbers. Connectivity and input validation happen before the first send;
// individual failures are collected, never aborting the rest.
func (s *Surface) Broadcast(ctx context.Context, jids, numbers []string, text string) ([]Result, error) {
	if _, err := s.session.Handle(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrMissingMessage
	}
	targets := collectTargets(jids, numbers)
	if len(targets) == 0 {
		return nil, ErrNoRecipients
	}

	results := make([]Result, 0, len(targets))
	for _, dest := range targets {
		jid, err := s.SendText(ctx, dest, text)
		if jid == "" {
			jid = dest
		}
		if err != nil {
			s.log.Warn("broadcast delivery failed", "jid", jid, "error", err)
			results = append(results, Result{JID: jid, Status: "failed", Error: err.Error()})
			continue
		}
		results = append(results, Result{JID: jid, Status: "sent"})
	}
	return results, nil
}

// collectTargets deduplicates on the canonical JID. Unparseable entries
// are kept under their raw form so their failure shows up in the results
// instead of being silently dropped.
func collectTargets(jids, numbers []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(dest string) {
		dest = strings.TrimSpace(dest)
		if dest == "" {
			return
		}
		key := dest
		if jid, err := CanonicalJID(dest); err == nil {
			key = jid.String()
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, dest)
	}
	for _, j := range jids {
		add(j)
	}
	for _, n := range numbers {
		add(n)
	}
	return out
}

// Contacts returns the directory snapshot, sorted.
func (s *Surface) Contacts() []contacts.Contact {
	return s.directory.Snapshot()
}

// ExportContacts writes the snapshot as JSON and reports how many records
// it held.
func (s *Surface) ExportContacts(w io.Writer) (int, error) {
	return s.directory.ExportTo(w)
}

// SaveContacts writes the snapshot to path.
func (s *Surface) SaveContacts(path string) (int, error) {
	return s.directory.SaveFile(path)
}

func (s *Surface) record(jid, status, errMsg string) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordDelivery(jid, status, errMsg)
}
