package adapters

import (
	"encoding/json"
	"time"

	"github.com/dataswift/hatsync/resource"
)

const (
	NotesType = "notes"
	NotesTTL  = time.Hour
)

// NotePhotoTags are attached to every photo uploaded with a note
var NotePhotoTags = []string{"photo", "iPhone", "notes"}

// Note is the notablesv1 record body
type Note struct {
	Author      Author    `json:"authorv1"`
	Photo       *Photo    `json:"photov1,omitempty"`
	Location    *Location `json:"locationv1,omitempty"`
	CreatedTime string    `json:"created_time"`
	UpdatedTime string    `json:"updated_time"`
	PublicUntil *string   `json:"public_until,omitempty"`
	Shared      bool      `json:"shared"`
	SharedOn    string    `json:"shared_on,omitempty"`
	Message     string    `json:"message"`
	Kind        string    `json:"kind"`
}

type Author struct {
	Phata    string `json:"phata"`
	Nick     string `json:"nick,omitempty"`
	Name     string `json:"name,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
}

type Photo struct {
	Link    string `json:"link"`
	Source  string `json:"source,omitempty"`
	Caption string `json:"caption,omitempty"`
	Shared  bool   `json:"shared"`
}

type Location struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Shared    bool     `json:"shared"`
}

// empty reports a location the device never filled in
func (l *Location) empty() bool {
	if l.Latitude == nil {
		return true
	}
	zero := func(f *float64) bool { return f == nil || *f == 0 }
	return zero(l.Latitude) && zero(l.Longitude) && zero(l.Accuracy)
}

// DecodeNote parses a note record body
func DecodeNote(data json.RawMessage) (Note, error) {
	var n Note
	err := json.Unmarshal(data, &n)
	return n, err
}

// Encode serialises the note as a record body
func (n Note) Encode() (json.RawMessage, error) {
	return json.Marshal(n)
}

// Notes is the adapter for rumpel/notablesv1
type Notes struct {
	endpoint
	domain string
	now    func() time.Time
}

var (
	_ resource.Adapter  = (*Notes)(nil)
	_ resource.Attacher = (*Notes)(nil)
	_ resource.Migrator = (*Notes)(nil)
	_ resource.Preparer = (*Notes)(nil)
)

// NewNotes creates the notes adapter. domain is written as the author phata.
func NewNotes(remote Remote, domain string, now func() time.Time) *Notes {
	if now == nil {
		now = time.Now
	}
	n := &Notes{domain: domain, now: now}
	n.endpoint = endpoint{
		remote:     remote,
		typ:        NotesType,
		namespace:  "rumpel",
		name:       "notablesv1",
		ttl:        NotesTTL,
		query:      map[string]string{"orderBy": "updated_time", "ordering": "descending", "take": "100"},
		beforeSend: normalizeNote,
	}
	return n
}

// PrepareWrite stamps the author and the created/updated times
func (n *Notes) PrepareWrite(create bool, data json.RawMessage) (json.RawMessage, error) {
	note, err := DecodeNote(data)
	if err != nil {
		return nil, err
	}
	stamp := n.now().UTC().Format(time.RFC3339)
	note.Author.Phata = n.domain
	if create || note.CreatedTime == "" {
		note.CreatedTime = stamp
	}
	note.UpdatedTime = stamp
	return note.Encode()
}

// AttachURL points the note photo at the uploaded file
func (n *Notes) AttachURL(data json.RawMessage, url string) (json.RawMessage, error) {
	note, err := DecodeNote(data)
	if err != nil {
		return nil, err
	}
	if note.Photo == nil {
		note.Photo = &Photo{}
	}
	note.Photo.Link = url
	return note.Encode()
}

// normalizeNote drops fields the notables endpoint rejects: a location that
// was never filled in and an empty public_until.
func normalizeNote(data json.RawMessage) (json.RawMessage, error) {
	note, err := DecodeNote(data)
	if err != nil {
		return nil, err
	}
	if note.Location != nil && note.Location.empty() {
		note.Location = nil
	}
	if note.PublicUntil != nil && *note.PublicUntil == "" {
		note.PublicUntil = nil
	}
	return note.Encode()
}
