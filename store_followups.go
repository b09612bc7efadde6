package agenda

import (
	"sort"
	"time"

	"github.com/eljojo/agenda/types"
	"github.com/sirupsen/logrus"
)

// profileRetryAfter is how long a requested profile stays pending before we ask again.
const profileRetryAfter = 10 * time.Minute

// requestProfilesLocked queues a metadata fetch for every pubkey we have no
// profile for and haven't asked about recently.
func (s *EventStore) requestProfilesLocked(b *batch, pubkeys ...string) {
	now := time.Now()
	seen := make(map[string]bool, len(pubkeys))
	var missing []string
	for _, pk := range pubkeys {
		if pk == "" || seen[pk] {
			continue
		}
		seen[pk] = true
		if _, ok := s.current[types.Coordinate{Kind: types.KindProfileMetadata, PubKey: pk}]; ok {
			continue
		}
		if asked, ok := s.pendingProfiles[pk]; ok && now.Sub(asked) < profileRetryAfter {
			continue
		}
		s.pendingProfiles[pk] = now
		missing = append(missing, pk)
	}
	if len(missing) == 0 {
		return
	}
	b.followUps = append(b.followUps, types.Filter{
		Authors: missing,
		Kinds:   []types.Kind{types.KindProfileMetadata},
	})
}

// requestRSVPsLocked subscribes once per calendar event for the RSVPs pointing at it.
func (s *EventStore) requestRSVPsLocked(b *batch, coord types.Coordinate) {
	if s.requestedRSVPs[coord] {
		return
	}
	s.requestedRSVPs[coord] = true
	b.followUps = append(b.followUps, types.Filter{
		Kinds: []types.Kind{types.KindRSVP},
		Tags:  map[string][]string{"a": {coord.String()}},
	})
}

// requestCalendarEventsLocked fetches the listed calendar events we don't have yet,
// one filter per author.
func (s *EventStore) requestCalendarEventsLocked(b *batch, coords []types.Coordinate) {
	byAuthor := make(map[string][]string)
	for _, c := range coords {
		if _, ok := s.current[c]; ok {
			continue
		}
		if _, deleted := s.deletedCoords[c]; deleted {
			continue
		}
		byAuthor[c.PubKey] = append(byAuthor[c.PubKey], c.Identifier)
	}

	authors := make([]string, 0, len(byAuthor))
	for pk := range byAuthor {
		authors = append(authors, pk)
	}
	sort.Strings(authors)
	for _, pk := range authors {
		b.followUps = append(b.followUps, types.Filter{
			Authors: []string{pk},
			Kinds:   []types.Kind{types.KindCalendarEvent},
			Tags:    map[string][]string{"d": byAuthor[pk]},
		})
	}
}

// issueFollowUps sends the queued filters. A malformed filter is skipped
// with a warning; the rest still go out.
func (s *EventStore) issueFollowUps(fetcher Fetcher, filters []types.Filter) {
	valid := make([]types.Filter, 0, len(filters))
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			logrus.Warnf("📅 skipping follow-up subscription %s: %v", f, err)
			continue
		}
		valid = append(valid, f)
	}
	if len(valid) == 0 {
		return
	}
	if err := fetcher.Fetch(valid...); err != nil {
		logrus.Warnf("📅 follow-up subscription failed: %v", err)
	}
}
