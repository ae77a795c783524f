// Package session owns the single WhatsApp protocol session: it drives
// connect, pairing and reconnect, and translates low-level client events
// into directory updates and bus notifications.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"

	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/wagate/wagate/internal/bus"
	"github.com/wagate/wagate/internal/contacts"
)

// ErrNotConnected is returned when an operation needs a live session.
var ErrNotConnected = errors.New("whatsapp not connected")

// Sender is the slice of the protocol client used to deliver messages.
type Sender interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// State is the connection state of the managed session.
type State int

const (
	// Disconnected: no live connection. Either transiently (a reconnect is
	// pending) or terminally (logged out, waiting for a fresh start).
	Disconnected State = iota
	// AwaitingPairing: a client exists and is connecting or waiting for the
	// QR code to be scanned.
	AwaitingPairing
	// Connected: the session is fully up.
	Connected
)

func (s State) String() string {
	switch s {
	case AwaitingPairing:
		return "awaiting-pairing"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Reconnect backoff bounds. The upstream source reconnected immediately on
// every transient close; bounding the retry cadence avoids reconnect storms
// against a flapping network.
const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Manager owns exactly one protocol client at a time and serializes its
// lifecycle transitions.
type Manager struct {
	log          *slog.Logger
	events       *bus.EventBus
	directory    *contacts.Directory
	dataDir      string
	contactsFile string

	container *sqlstore.Container

	// startMu serializes Start across its callers: process boot, automatic
	// reconnect and logout. Only one client may be live at a time.
	startMu sync.Mutex

	mu        sync.RWMutex
	client    *whatsmeow.Client
	state     State
	qr        string
	published bool // last connectivity value pushed onto the bus
	backoff   time.Duration

	// restartFn schedules a reconnect attempt and startFn brings the
	// session up; seams for tests.
	restartFn func()
	startFn   func(ctx context.Context) error
}

// NewManager creates a manager. dataDir holds the credential store and QR
// PNG; contactsFile (optional) receives contact snapshots.
func NewManager(dataDir, contactsFile string, eventBus *bus.EventBus, directory *contacts.Directory, log *slog.Logger) *Manager {
	m := &Manager{
		log:          log,
		events:       eventBus,
		directory:    directory,
		dataDir:      dataDir,
		contactsFile: contactsFile,
	}
	m.restartFn = m.restartLater
	m.startFn = m.Start
	return m
}

// Start brings the session up. It is idempotent: while a client exists and
// is live or mid-connect, no second client is created. The connection
// itself proceeds asynchronously; progress is reported through the bus.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.RLock()
	old := m.client
	st := m.state
	m.mu.RUnlock()
	if old != nil && (st != Disconnected || old.IsConnected()) {
		return nil
	}
	if old != nil {
		// Finish tearing down the previous instance before replacing it.
		old.RemoveEventHandlers()
		old.Disconnect()
	}

	if m.container == nil {
		if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		dbPath := filepath.Join(m.dataDir, "session.db")
		dbLog := waLog.Stdout("Database", "WARN", true)
		container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
		if err != nil {
			return fmt.Errorf("init credential store: %w", err)
		}
		m.container = container
	}

	deviceStore, err := m.container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	// Reconnect policy lives in this manager, not in the library.
	client.EnableAutoReconnect = false
	client.AddEventHandler(m.handleEvent)

	m.mu.Lock()
	m.client = client
	m.state = AwaitingPairing
	m.qr = ""
	m.mu.Unlock()

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(context.Background())
		if err != nil {
			m.log.Warn("qr channel unavailable", "error", err)
		} else {
			go m.watchQR(qrChan)
		}
	}

	if err := client.Connect(); err != nil {
		m.mu.Lock()
		m.state = Disconnected
		m.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Stop disconnects the client and closes the credential store. Only used
// on process shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.state = Disconnected
	m.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
	if m.container != nil {
		_ = m.container.Close()
	}
}

// Handle returns the live protocol client. Connectivity can change at any
// moment, so callers must treat the result as valid for a single operation
// and re-check before the next one.
func (m *Manager) Handle() (Sender, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil || m.state != Connected || !m.client.IsConnected() {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

// Snapshot returns the current connectivity and outstanding pairing code.
func (m *Manager) Snapshot() bus.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return bus.State{Connected: m.state == Connected, QR: m.qr}
}

// Logout forces a fresh pairing: best-effort protocol logout, credential
// wipe, directory reset, then a new pairing cycle. Each sub-step is
// independently best-effort; clearing local credentials alone already
// achieves the user-visible goal.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.state = Disconnected
	m.qr = ""
	m.mu.Unlock()

	if client != nil {
		client.RemoveEventHandlers()
		if err := client.Logout(ctx); err != nil {
			m.log.Warn("protocol logout failed", "error", err)
			// Logout deletes the device on success; make sure the local
			// credentials are gone even when the server call failed.
			if client.Store != nil && client.Store.ID != nil {
				if err := client.Store.Delete(ctx); err != nil {
					m.log.Warn("credential delete failed", "error", err)
				}
			}
			client.Disconnect()
		}
	}
	m.directory.Reset()
	m.publishStatus(false)

	if err := m.startFn(ctx); err != nil {
		m.log.Warn("restart after logout failed", "error", err)
	}
}

// Autosave periodically writes the contact snapshot until ctx is
// cancelled. Failures are logged and retried on the next tick.
func (m *Manager) Autosave(ctx context.Context, interval time.Duration) {
	if m.contactsFile == "" {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.directory.SaveFile(m.contactsFile); err != nil {
				m.log.Warn("contact autosave failed", "error", err)
			}
		}
	}
}

// handleEvent is the single entry point for protocol client events. It is
// the only writer of the session state fields.
func (m *Manager) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		m.onConnected()
	case *events.LoggedOut:
		m.log.Warn("logged out remotely", "reason", v.Reason)
		m.onClose(false)
	case *events.StreamReplaced:
		m.log.Warn("stream replaced by another session")
		m.onClose(true)
	case *events.Disconnected:
		m.onClose(true)
	case *events.Contact:
		m.directory.Update([]contacts.Contact{{
			JID:  v.JID.ToNonAD().String(),
			Name: v.Action.GetFullName(),
		}})
	case *events.PushName:
		m.directory.Update([]contacts.Contact{{
			JID:    v.JID.ToNonAD().String(),
			Notify: v.NewPushName,
		}})
	case *events.BusinessName:
		m.directory.Update([]contacts.Contact{{
			JID:          v.JID.ToNonAD().String(),
			VerifiedName: v.NewBusinessName,
		}})
	case *events.HistorySync:
		pushnames := v.Data.GetPushnames()
		recs := make([]contacts.Contact, 0, len(pushnames))
		for _, pn := range pushnames {
			recs = append(recs, contacts.Contact{JID: pn.GetID(), Notify: pn.GetPushname()})
		}
		m.directory.Upsert(recs)
	}
}

func (m *Manager) onConnected() {
	m.mu.Lock()
	already := m.state == Connected
	m.state = Connected
	m.qr = ""
	m.backoff = 0
	m.mu.Unlock()
	if already {
		return
	}

	m.log.Info("whatsapp connected")
	m.publishStatus(true)

	m.seedContacts(context.Background())
	if m.contactsFile != "" {
		if n, err := m.directory.SaveFile(m.contactsFile); err != nil {
			m.log.Warn("contact snapshot failed", "error", err)
		} else {
			m.log.Info("contact snapshot saved", "count", n, "file", m.contactsFile)
		}
	}
}

// onClose handles any connection close. Logout is the only terminal
// reason: the server has invalidated our credentials and reconnecting
// would only loop on auth failure. Every other close schedules a
// reconnect.
func (m *Manager) onClose(retriable bool) {
	m.mu.Lock()
	m.state = Disconnected
	m.mu.Unlock()
	m.publishStatus(false)

	if !retriable {
		m.log.Info("session terminal until a fresh pairing is requested")
		return
	}
	m.restartFn()
}

// publishStatus pushes a status event only on actual connectivity changes;
// the bus itself never deduplicates.
func (m *Manager) publishStatus(connected bool) {
	m.mu.Lock()
	if m.published == connected {
		m.mu.Unlock()
		return
	}
	m.published = connected
	m.mu.Unlock()
	m.events.Publish(bus.Event{Kind: bus.KindStatus, Connected: connected})
}

// restartLater schedules a reconnect attempt after the current backoff
// delay, doubling it up to maxBackoff. The backoff resets on a successful
// connect.
func (m *Manager) restartLater() {
	delay := m.nextBackoff()

	m.log.Info("reconnecting", "delay", delay)
	go func() {
		time.Sleep(delay)
		if err := m.startFn(context.Background()); err != nil {
			m.log.Warn("reconnect failed", "error", err)
			m.restartFn()
		}
	}()
}

func (m *Manager) nextBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backoff < minBackoff {
		m.backoff = minBackoff
	} else {
		m.backoff *= 2
		if m.backoff > maxBackoff {
			m.backoff = maxBackoff
		}
	}
	return m.backoff
}

// watchQR forwards pairing codes from the client's QR channel. Codes
// rotate before pairing completes, so every fresh code is pushed.
func (m *Manager) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if item.Event != "code" {
			m.log.Info("pairing event", "event", item.Event)
			continue
		}
		m.setQR(item.Code)
	}
}

func (m *Manager) setQR(code string) {
	m.mu.Lock()
	m.qr = code
	m.mu.Unlock()

	png := filepath.Join(m.dataDir, "qr.png")
	if err := qrcode.WriteFile(code, qrcode.Medium, 512, png); err != nil {
		m.log.Warn("qr png write failed", "error", err)
	} else {
		m.log.Info("scan qr to pair", "png", png)
	}
	m.events.Publish(bus.Event{Kind: bus.KindQR, QR: code})
}

// seedContacts bulk-loads the protocol contact store when one is
// available. Without it the directory still fills from incremental contact
// events, just with fewer fields per record.
func (m *Manager) seedContacts(ctx context.Context) {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil || client.Store == nil || client.Store.Contacts == nil {
		return
	}
	all, err := client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		m.log.Warn("contact store unavailable, relying on contact events", "error", err)
		return
	}
	recs := make([]contacts.Contact, 0, len(all))
	for jid, info := range all {
		recs = append(recs, contacts.Contact{
			JID:          jid.ToNonAD().String(),
			Name:         info.FullName,
			Notify:       info.PushName,
			VerifiedName: info.BusinessName,
		})
	}
	m.directory.Upsert(recs)
	m.log.Info("contact store seeded", "count", len(recs))
}
