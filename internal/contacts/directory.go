// Package contacts maintains the reconciled contact directory for the
// session. Records arrive as partial updates from the protocol event
// stream (and, when available, a bulk store seed); the directory merges
// them into a single de-duplicated view.
package contacts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// UserServer is the canonical address suffix for individual contacts.
const UserServer = "@s.whatsapp.net"

// Contact is one remote identity. JID is the stable key; Number is derived
// from it. The remaining fields merge per "last non-empty value wins".
type Contact struct {
	JID          string `json:"jid"`
	Number       string `json:"number"`
	Name         string `json:"name"`
	Notify       string `json:"notify"`
	VerifiedName string `json:"verifiedName"`
}

// Directory maps identity to contact. Merges are atomic per identity;
// readers always see fully-merged records.
type Directory struct {
	mu    sync.RWMutex
	byJID map[string]Contact
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{byJID: make(map[string]Contact)}
}

// Upsert merges partial records into the directory, creating entries on
// first sighting.
func (d *Directory) Upsert(records []Contact) {
	d.merge(records)
}

// Update applies the same merge rule as Upsert. Both protocol event shapes
// funnel into one code path.
func (d *Directory) Update(records []Contact) {
	d.merge(records)
}

func (d *Directory) merge(records []Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range records {
		jid := strings.TrimSpace(rec.JID)
		if !strings.HasSuffix(jid, UserServer) {
			continue
		}
		cur := d.byJID[jid]
		cur.JID = jid
		cur.Number = strings.TrimSuffix(jid, UserServer)
		if rec.Name != "" {
			cur.Name = rec.Name
		}
		if rec.Notify != "" {
			cur.Notify = rec.Notify
		}
		if rec.VerifiedName != "" {
			cur.VerifiedName = rec.VerifiedName
		}
		d.byJID[jid] = cur
	}
}

// displayName is the listed name: the structured contact name when known,
// else the business name, else the self-reported push name. In degraded
// mode most records only ever carry a push name.
func (c Contact) displayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.VerifiedName != "" {
		return c.VerifiedName
	}
	return c.Notify
}

// Snapshot returns the current directory sorted by (name, number),
// case-insensitively on name. Name in the returned records is the display
// name, falling back per displayName; the stored records keep the raw
// fields so later merges still distinguish them. The result is a copy,
// safe to hold while merges continue.
func (d *Directory) Snapshot() []Contact {
	d.mu.RLock()
	out := make([]Contact, 0, len(d.byJID))
	for _, c := range d.byJID {
		c.Name = c.displayName()
		out = append(out, c)
	}
	d.mu.RUnlock()

	col := collate.New(language.Und, collate.IgnoreCase)
	sort.Slice(out, func(i, j int) bool {
		if c := col.CompareString(out[i].Name, out[j].Name); c != 0 {
			return c < 0
		}
		return out[i].Number < out[j].Number
	})
	return out
}

// Len returns the number of known contacts.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byJID)
}

// Reset clears the directory. Used on logout: the next pairing starts with
// fresh knowledge.
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byJID = make(map[string]Contact)
}

// ExportTo writes the snapshot as pretty-printed JSON and returns the
// number of contacts written.
func (d *Directory) ExportTo(w io.Writer) (int, error) {
	snap := d.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("export contacts: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return 0, fmt.Errorf("export contacts: %w", err)
	}
	return len(snap), nil
}

// SaveFile exports the snapshot to path, replacing any previous file.
func (d *Directory) SaveFile(path string) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("export contacts: %w", err)
	}
	n, err := d.ExportTo(f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("export contacts: %w", cerr)
	}
	return n, err
}
