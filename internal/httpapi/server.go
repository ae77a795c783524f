// Package httpapi exposes the gateway control surface over HTTP: health,
// pairing, messaging, contacts and a live SSE event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/wagate/wagate/internal/bus"
	"github.com/wagate/wagate/internal/control"
	"github.com/wagate/wagate/internal/session"
	webassets "github.com/wagate/wagate/web"
)

const logoutTimeout = 30 * time.Second

// SessionControl is the slice of the session manager the API needs
// directly; messaging goes through the control surface.
type SessionControl interface {
	Snapshot() bus.State
	Logout(ctx context.Context)
}

// Server holds the HTTP handler dependencies.
type Server struct {
	log          *slog.Logger
	session      SessionControl
	surface      *control.Surface
	events       *bus.EventBus
	contactsFile string
}

func NewServer(sess SessionControl, surface *control.Surface, events *bus.EventBus, contactsFile string, log *slog.Logger) *Server {
	return &Server{
		log:          log,
		session:      sess,
		surface:      surface,
		events:       events,
		contactsFile: contactsFile,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/qr", s.handleQR)
	mux.HandleFunc("/qr.png", s.handleQRImage)
	mux.HandleFunc("/qr/stream", s.handleQRStream)
	mux.HandleFunc("/send-message", s.handleSendMessage)
	mux.HandleFunc("/contacts", s.handleContacts)
	mux.HandleFunc("/contacts/save", s.handleContactsSave)
	mux.HandleFunc("/broadcast", s.handleBroadcast)
	mux.HandleFunc("/logout", s.handleLogout)
	mux.Handle("/", http.FileServer(http.FS(webassets.Files)))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"connected": st.Connected,
	})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	st := s.session.Snapshot()
	var qr any
	if st.QR != "" {
		qr = st.QR
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"connected": st.Connected,
		"qr":        qr,
	})
}

func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	st := s.session.Snapshot()
	if st.QR == "" {
		writeError(w, http.StatusNotFound, "no qr code outstanding")
		return
	}
	png, err := qrcode.Encode(st.QR, qrcode.Medium, 512)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render qr code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// handleQRStream serves the SSE feed. The subscription primes the current
// status (and QR, if one is outstanding) so a client never has to poll
// before listening.
func (s *Server) handleQRStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	obs := s.events.Subscribe()
	defer s.events.Unsubscribe(obs)
	s.log.Debug("sse client connected", "observer", obs.ID)

	for {
		select {
		case <-r.Context().Done():
			s.log.Debug("sse client gone", "observer", obs.ID)
			return
		case ev, open := <-obs.Events:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev bus.Event) error {
	if ev.Kind == bus.KindPing {
		_, err := fmt.Fprint(w, ": ping\n\n")
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}

type sendMessageRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Number == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "number and message are required")
		return
	}

	to, err := s.surface.SendText(r.Context(), req.Number, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotConnected):
			writeError(w, http.StatusServiceUnavailable, "whatsapp not connected")
		default:
			s.log.Error("send failed", "to", req.Number, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to send message")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "to": to})
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	list := s.surface.Contacts()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "contacts": list})
}

type contactsSaveRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleContactsSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req contactsSaveRequest
	if r.Body != nil {
		// The body is optional; ignore decode errors on an empty body.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	path := req.Path
	if path == "" {
		path = s.contactsFile
	}
	n, err := s.surface.SaveContacts(path)
	if err != nil {
		s.log.Error("contact save failed", "file", path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save contacts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "saved": n, "file": path})
}

type broadcastRequest struct {
	JIDs    []string `json:"jids"`
	Numbers []string `json:"numbers"`
	Message string   `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	results, err := s.surface.Broadcast(r.Context(), req.JIDs, req.Numbers, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotConnected):
			writeError(w, http.StatusServiceUnavailable, "whatsapp not connected")
		case errors.Is(err, control.ErrMissingMessage):
			writeError(w, http.StatusBadRequest, "message is required")
		case errors.Is(err, control.ErrNoRecipients):
			writeError(w, http.StatusBadRequest, "no recipients")
		default:
			s.log.Error("broadcast failed", "error", err)
			writeError(w, http.StatusInternalServerError, "broadcast failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "total": len(results), "results": results})
}

// handleLogout always reports success: once local credentials are gone
// the gateway is logged out from the caller's point of view, whatever the
// remote call returned.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	// Detached from the request context: logout must finish even if the
	// caller disconnects right after firing it.
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	s.session.Logout(ctx)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
