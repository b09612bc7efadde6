package types

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Kind discriminates event variants on the wire.
type Kind int

// Kinds the sync engine understands. Everything else is ignored.
const (
	KindProfileMetadata Kind = 0
	KindFollowList      Kind = 3
	KindDeletion        Kind = 5
	KindCalendarEvent   Kind = 31923 // time-based calendar event
	KindCalendarList    Kind = 31924
	KindRSVP            Kind = 31925
)

// IsReplaceable reports whether only the newest event per author is kept.
func (k Kind) IsReplaceable() bool {
	return k == 0 || k == 3 || (k >= 10000 && k < 20000)
}

// IsParameterized reports whether the kind is keyed by (author, kind, d-tag).
func (k Kind) IsParameterized() bool {
	return k >= 30000 && k < 40000
}

// Name returns a short label used in logs and change-feed topics.
func (k Kind) Name() string {
	switch k {
	case KindProfileMetadata:
		return "profile"
	case KindFollowList:
		return "follows"
	case KindDeletion:
		return "deletion"
	case KindCalendarEvent:
		return "calendar-event"
	case KindCalendarList:
		return "calendar"
	case KindRSVP:
		return "rsvp"
	}
	return "kind-" + strconv.Itoa(int(k))
}

// Tag is a single event tag: a name followed by its values.
type Tag []string

// Name returns the tag name, or "" for an empty tag.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value of the tag, or "".
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// At returns the i-th element of the tag, or "" when missing.
func (t Tag) At(i int) string {
	if i < 0 || i >= len(t) {
		return ""
	}
	return t[i]
}

// Tags is the tag list of an event.
type Tags []Tag

// Find returns the first tag with the given name.
func (tags Tags) Find(name string) (Tag, bool) {
	for _, t := range tags {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// FindAll returns every tag with the given name, in order.
func (tags Tags) FindAll(name string) []Tag {
	var out []Tag
	for _, t := range tags {
		if t.Name() == name {
			out = append(out, t)
		}
	}
	return out
}

// Value returns the first value of the first tag with the given name.
func (tags Tags) Value(name string) string {
	t, ok := tags.Find(name)
	if !ok {
		return ""
	}
	return t.Value()
}

// Values returns the first value of every tag with the given name, skipping empty ones.
func (tags Tags) Values(name string) []string {
	var out []string
	for _, t := range tags.FindAll(name) {
		if v := t.Value(); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Event is a raw signed event as it travels between clients and relays.
//
// CreatedAt is in SECONDS and is claimed by the author; it is only used to
// order versions of the same coordinate, never to order different authors.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      Kind   `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// CreatedTime returns CreatedAt as a time.Time.
func (e Event) CreatedTime() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

// IsValidPubKey reports whether s is a 32-byte hex key in either case.
// Use it for user input that gets lowercased afterwards.
func IsValidPubKey(s string) bool {
	return isHex(s, 32)
}

// IsCanonicalPubKey reports whether s is a key as it must appear in an
// event: 32-byte lowercase hex.
func IsCanonicalPubKey(s string) bool {
	return isHex(s, 32) && strings.ToLower(s) == s
}

// IsValidID reports whether s looks like an event id.
func IsValidID(s string) bool {
	return isHex(s, 32)
}

func isHex(s string, size int) bool {
	if len(s) != size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ShortID truncates an id or pubkey for logging.
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
