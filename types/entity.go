package types

import (
	"errors"
	"fmt"
)

// ErrUnsupportedKind is returned by Parse for kinds the engine does not track.
var ErrUnsupportedKind = errors.New("unsupported kind")

// ErrInvalidEntity wraps every kind-specific validation failure.
var ErrInvalidEntity = errors.New("invalid entity")

// Entity is the closed set of event variants the engine merges:
// *Profile, *FollowList, *CalendarEvent, *CalendarList, *RSVP and *Deletion.
//
// The unexported marker keeps the set closed to this package, so a type
// switch over those six cases covers every value Parse can return.
type Entity interface {
	Raw() Event
	// Coordinate is the replaceable key; zero for deletions.
	Coordinate() Coordinate
	isEntity()
}

// Parse turns a raw event into its typed variant.
func Parse(e Event) (Entity, error) {
	switch e.Kind {
	case KindProfileMetadata:
		return parseProfile(e)
	case KindFollowList:
		return parseFollowList(e)
	case KindDeletion:
		return parseDeletion(e)
	case KindCalendarEvent:
		return parseCalendarEvent(e)
	case KindCalendarList:
		return parseCalendarList(e)
	case KindRSVP:
		return parseRSVP(e)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedKind, e.Kind)
}

func invalid(e Event, format string, args ...any) error {
	return fmt.Errorf("%w: %s %s: %s", ErrInvalidEntity, e.Kind.Name(), ShortID(e.ID), fmt.Sprintf(format, args...))
}

func coordinateOrError(e Event) (Coordinate, error) {
	c, ok := CoordinateOf(e)
	if !ok {
		return Coordinate{}, invalid(e, "no valid coordinate")
	}
	return c, nil
}
