package agenda

import (
	"cmp"
	"strings"
	"time"

	"github.com/eljojo/agenda/types"
)

// SortSnapshot is the store state the comparators read. Take one with
// EventStore.SortSnapshot and reuse it for a whole sort.
type SortSnapshot struct {
	Follows  map[string]bool
	Profiles map[string]*types.Profile
}

// DisplayName resolves what to show for pubkey: the profile's name, or its npub.
func (snap SortSnapshot) DisplayName(pubkey string) string {
	if name := snap.Profiles[pubkey].ResolvedName(); name != "" {
		return name
	}
	if npub, err := types.EncodeNpub(pubkey); err == nil {
		return npub
	}
	return pubkey
}

func (snap SortSnapshot) hasProfile(pubkey string) bool {
	return snap.Profiles[pubkey] != nil
}

// trueFirst orders true before false.
func trueFirst(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return -1
	}
	return 1
}

// CompareIdentities orders pubkeys: followed first, then by display name
// ignoring case, then by the raw key.
func CompareIdentities(snap SortSnapshot) func(a, b string) int {
	return func(a, b string) int {
		if c := trueFirst(snap.Follows[a], snap.Follows[b]); c != 0 {
			return c
		}
		nameA := strings.ToLower(snap.DisplayName(a))
		nameB := strings.ToLower(snap.DisplayName(b))
		if c := cmp.Compare(nameA, nameB); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	}
}

// CompareRSVPs orders attendees: followed first, then those with a profile,
// then accepted, tentative, unknown, declined, then by identity.
func CompareRSVPs(snap SortSnapshot) func(a, b *types.RSVP) int {
	identities := CompareIdentities(snap)
	return func(a, b *types.RSVP) int {
		if c := trueFirst(snap.Follows[a.PubKey], snap.Follows[b.PubKey]); c != 0 {
			return c
		}
		if c := trueFirst(snap.hasProfile(a.PubKey), snap.hasProfile(b.PubKey)); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Status.Priority(), b.Status.Priority()); c != 0 {
			return c
		}
		return identities(a.PubKey, b.PubKey)
	}
}

// CompareCalendarEvents orders by start, then end (a missing end counts as
// the start). Events without a start go last.
func CompareCalendarEvents(a, b *types.CalendarEvent) int {
	if c := trueFirst(!a.Start.IsZero(), !b.Start.IsZero()); c != 0 {
		return c
	}
	if c := a.Start.Compare(b.Start); c != 0 {
		return c
	}
	if c := a.EffectiveEnd().Compare(b.EffectiveEnd()); c != 0 {
		return c
	}
	return cmp.Compare(a.Coord.String(), b.Coord.String())
}

// CompareTimezones orders IANA zone names by their UTC offset at ref, then
// by name. Names that don't load go last. The returned func caches zone
// lookups and is not safe for concurrent use.
func CompareTimezones(ref time.Time) func(a, b string) int {
	offsets := make(map[string]*int)
	offset := func(name string) *int {
		if o, ok := offsets[name]; ok {
			return o
		}
		var o *int
		if loc, err := time.LoadLocation(name); err == nil {
			_, secs := ref.In(loc).Zone()
			o = &secs
		}
		offsets[name] = o
		return o
	}
	return func(a, b string) int {
		oa, ob := offset(a), offset(b)
		if c := trueFirst(oa != nil, ob != nil); c != 0 {
			return c
		}
		if oa != nil {
			if c := cmp.Compare(*oa, *ob); c != 0 {
				return c
			}
		}
		return cmp.Compare(a, b)
	}
}
