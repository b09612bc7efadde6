package agenda

import (
	"fmt"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/eljojo/agenda/types"
)

var icsStatus = map[types.RSVPStatus]string{
	types.RSVPAccepted:  "ACCEPTED",
	types.RSVPTentative: "TENTATIVE",
	types.RSVPDeclined:  "DECLINED",
	types.RSVPUnknown:   "NEEDS-ACTION",
}

// ExportICS writes events as an iCalendar feed. The UID of each VEVENT is
// the event's coordinate, so re-exports update rather than duplicate.
// Attendees come from the store's RSVP roll-up when store is not nil.
func ExportICS(w io.Writer, events []*types.CalendarEvent, store *EventStore) error {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//eljojo//agenda//EN")

	var snap SortSnapshot
	if store != nil {
		snap = store.SortSnapshot("")
	}

	for _, ce := range events {
		ve := cal.AddEvent(ce.Coord.String())
		ve.SetDtStampTime(ce.CreatedTime().UTC())
		ve.SetModifiedAt(ce.CreatedTime().UTC())
		ve.SetStartAt(ce.Start.UTC())
		if ce.HasEnd() {
			ve.SetEndAt(ce.End.UTC())
		}
		ve.SetSummary(ce.Title)
		if desc := strings.TrimSpace(ce.Description); desc != "" {
			ve.SetDescription(desc)
		} else if ce.Summary != "" {
			ve.SetDescription(ce.Summary)
		}
		if len(ce.Locations) > 0 {
			ve.SetLocation(strings.Join(ce.Locations, ", "))
		}
		if len(ce.Hashtags) > 0 {
			ve.AddProperty(ical.ComponentPropertyCategories, strings.Join(ce.Hashtags, ","))
		}
		if len(ce.References) > 0 {
			ve.SetURL(ce.References[0])
		}
		ve.SetProperty(ical.ComponentPropertyOrganizer, participantURI(ce.PubKey), commonName(snap, ce.PubKey))

		if store != nil {
			for _, r := range store.RSVPs(ce.Coord) {
				ve.AddProperty(ical.ComponentPropertyAttendee, participantURI(r.PubKey),
					commonName(snap, r.PubKey),
					&ical.KeyValues{Key: string(ical.ParameterParticipationStatus), Value: []string{icsStatus[r.Status]}},
				)
			}
		}
	}

	_, err := io.WriteString(w, cal.Serialize())
	return err
}

func participantURI(pubkey string) string {
	if npub, err := types.EncodeNpub(pubkey); err == nil {
		return "nostr:" + npub
	}
	return "nostr:" + pubkey
}

func commonName(snap SortSnapshot, pubkey string) ical.PropertyParameter {
	return &ical.KeyValues{Key: string(ical.ParameterCn), Value: []string{snap.DisplayName(pubkey)}}
}

// ICSFilename is a stable file name for an export of scope at now.
func ICSFilename(scope Scope, now time.Time) string {
	return fmt.Sprintf("agenda-%s-%s.ics", strings.ReplaceAll(scope.String(), ":", "-"), now.Format("20060102"))
}
