package types

import (
	"strconv"
	"strings"
	"time"
)

// Participant is a `p` tag on a calendar event.
type Participant struct {
	PubKey string
	Relay  string
	Role   string
}

// CalendarEvent is a time-based calendar event (kind 31923).
//
// Only events with a coordinate, a start after the epoch and an end that is
// not before the start survive parsing; the store never sees anything else.
type CalendarEvent struct {
	Event
	Coord        Coordinate
	Title        string
	Summary      string
	Image        string
	Description  string
	Start        time.Time
	End          time.Time // zero when the event has no end
	StartTZ      string
	EndTZ        string
	Locations    []string
	Geohash      string
	Participants []Participant
	References   []string
	Hashtags     []string
}

func parseUnix(s string) (time.Time, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(n, 0), true
}

func parseCalendarEvent(e Event) (*CalendarEvent, error) {
	coord, err := coordinateOrError(e)
	if err != nil {
		return nil, err
	}
	start, ok := parseUnix(e.Tags.Value("start"))
	if !ok {
		return nil, invalid(e, "missing or malformed start")
	}
	// zero and negative starts are placeholders left by broken clients
	if start.Unix() <= 0 {
		return nil, invalid(e, "start %d is not after the epoch", start.Unix())
	}
	ce := &CalendarEvent{
		Event:       e,
		Coord:       coord,
		Title:       e.Tags.Value("title"),
		Summary:     e.Tags.Value("summary"),
		Image:       e.Tags.Value("image"),
		Description: e.Content,
		Start:       start,
		StartTZ:     e.Tags.Value("start_tzid"),
		EndTZ:       e.Tags.Value("end_tzid"),
		Locations:   e.Tags.Values("location"),
		Geohash:     e.Tags.Value("g"),
		References:  e.Tags.Values("r"),
		Hashtags:    e.Tags.Values("t"),
	}
	if ce.Title == "" {
		// older clients put the title in `name`
		ce.Title = e.Tags.Value("name")
	}
	if raw := e.Tags.Value("end"); raw != "" {
		end, ok := parseUnix(raw)
		if !ok {
			return nil, invalid(e, "malformed end %q", raw)
		}
		if end.Before(start) {
			return nil, invalid(e, "end %d before start %d", end.Unix(), start.Unix())
		}
		ce.End = end
	}
	for _, t := range e.Tags.FindAll("p") {
		pk := strings.ToLower(t.Value())
		if !IsValidPubKey(pk) {
			continue
		}
		ce.Participants = append(ce.Participants, Participant{PubKey: pk, Relay: t.At(2), Role: t.At(3)})
	}
	return ce, nil
}

// HasEnd reports whether an end timestamp was given.
func (c *CalendarEvent) HasEnd() bool {
	return !c.End.IsZero()
}

// EffectiveEnd is the end, or the start when there is no end.
func (c *CalendarEvent) EffectiveEnd() time.Time {
	if c.HasEnd() {
		return c.End
	}
	return c.Start
}

// IsUpcoming reports whether the event has not finished before now.
// An event ending exactly at now is still upcoming.
func (c *CalendarEvent) IsUpcoming(now time.Time) bool {
	return !c.EffectiveEnd().Before(now)
}

// HasParticipant reports whether pubkey is tagged on the event.
func (c *CalendarEvent) HasParticipant(pubkey string) bool {
	for _, p := range c.Participants {
		if p.PubKey == pubkey {
			return true
		}
	}
	return false
}

// Location returns the start location, or the start in UTC when no zone is set or it is unknown.
func (c *CalendarEvent) Location() *time.Location {
	if c.StartTZ == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.StartTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *CalendarEvent) Raw() Event             { return c.Event }
func (c *CalendarEvent) Coordinate() Coordinate { return c.Coord }
func (*CalendarEvent) isEntity()                {}

// CalendarList is a titled collection of calendar event coordinates (kind 31924).
type CalendarList struct {
	Event
	Coord       Coordinate
	Title       string
	Description string
	Calendars   []Coordinate
}

func parseCalendarList(e Event) (*CalendarList, error) {
	coord, err := coordinateOrError(e)
	if err != nil {
		return nil, err
	}
	cl := &CalendarList{
		Event:       e,
		Coord:       coord,
		Title:       e.Tags.Value("title"),
		Description: e.Content,
	}
	if cl.Title == "" {
		cl.Title = e.Tags.Value("name")
	}
	seen := make(map[Coordinate]bool)
	for _, a := range e.Tags.Values("a") {
		c, err := ParseCoordinate(a)
		if err != nil || c.Kind != KindCalendarEvent || seen[c] {
			continue
		}
		seen[c] = true
		cl.Calendars = append(cl.Calendars, c)
	}
	return cl, nil
}

// SearchKeys are the strings a calendar is findable by.
func (c *CalendarList) SearchKeys() []string {
	keys := []string{c.Coord.Identifier}
	if c.Title != "" {
		keys = append(keys, c.Title)
	}
	return keys
}

func (c *CalendarList) Raw() Event             { return c.Event }
func (c *CalendarList) Coordinate() Coordinate { return c.Coord }
func (*CalendarList) isEntity()                {}

// RSVPStatus is an attendee's answer.
type RSVPStatus string

const (
	RSVPAccepted  RSVPStatus = "accepted"
	RSVPTentative RSVPStatus = "tentative"
	RSVPDeclined  RSVPStatus = "declined"
	RSVPUnknown   RSVPStatus = "unknown"
)

// ParseRSVPStatus maps a status tag value, falling back to unknown.
func ParseRSVPStatus(s string) RSVPStatus {
	switch RSVPStatus(strings.ToLower(strings.TrimSpace(s))) {
	case RSVPAccepted:
		return RSVPAccepted
	case RSVPTentative:
		return RSVPTentative
	case RSVPDeclined:
		return RSVPDeclined
	}
	return RSVPUnknown
}

// Priority orders statuses for display: accepted, tentative, unknown, declined.
func (s RSVPStatus) Priority() int {
	switch s {
	case RSVPAccepted:
		return 0
	case RSVPTentative:
		return 1
	case RSVPDeclined:
		return 3
	}
	return 2
}

// RSVP is an attendee's response to a calendar event (kind 31925).
type RSVP struct {
	Event
	Coord         Coordinate
	CalendarCoord Coordinate
	EventID       string
	Status        RSVPStatus
	FreeBusy      string
}

func parseRSVP(e Event) (*RSVP, error) {
	coord, err := coordinateOrError(e)
	if err != nil {
		return nil, err
	}
	target, err := ParseCoordinate(e.Tags.Value("a"))
	if err != nil {
		return nil, invalid(e, "bad calendar reference: %v", err)
	}
	if !target.Kind.IsParameterized() {
		return nil, invalid(e, "calendar reference %s is not addressable", target)
	}
	r := &RSVP{
		Event:         e,
		Coord:         coord,
		CalendarCoord: target,
		EventID:       e.Tags.Value("e"),
		FreeBusy:      e.Tags.Value("fb"),
	}
	status := e.Tags.Value("status")
	if status == "" {
		// legacy labelled form: ["l", "accepted", "status"]
		for _, t := range e.Tags.FindAll("l") {
			if t.At(2) == "status" {
				status = t.Value()
				break
			}
		}
	}
	r.Status = ParseRSVPStatus(status)
	return r, nil
}

func (r *RSVP) Raw() Event             { return r.Event }
func (r *RSVP) Coordinate() Coordinate { return r.Coord }
func (*RSVP) isEntity()                {}
