package agenda

import (
	"cmp"
	"errors"
	"slices"

	"github.com/eljojo/agenda/types"
	"github.com/sirupsen/logrus"
)

// applyMode says where an event came from. Only live ingestion triggers
// follow-up subscriptions.
type applyMode int

const (
	modeIncoming applyMode = iota
	modeLocal
	modePersisted
)

// batch collects the side effects of one locked mutation so they can be
// carried out after the store lock is released.
type batch struct {
	mode      applyMode
	changes   []Change
	ops       []persistOp
	followUps []types.Filter
}

// persistOp is a save when record is set, a delete otherwise.
type persistOp struct {
	id     string
	record *PersistedEvent
}

func (b *batch) save(c *CachedEvent) {
	b.ops = append(b.ops, persistOp{
		id:     c.Event.ID,
		record: &PersistedEvent{Event: c.Event, Relays: append([]string(nil), c.Relays...)},
	})
}

func (b *batch) delete(id string) {
	b.ops = append(b.ops, persistOp{id: id})
}

// ApplyIncoming merges an event delivered by relay. Events that fail
// verification are dropped silently. Reports whether the event was new to
// the store and accepted.
func (s *EventStore) ApplyIncoming(e types.Event, relay string) bool {
	if err := s.verifier.Verify(e); err != nil {
		logrus.Debugf("📅 dropping %s from %s: %v", types.ShortID(e.ID), relay, err)
		return false
	}
	var relays []string
	if relay != "" {
		relays = []string{relay}
	}
	b := &batch{mode: modeIncoming}
	s.mu.Lock()
	accepted := s.applyLocked(e, relays, b)
	s.commit(b)
	return accepted
}

// ApplyLocal merges an event we just authored, before any relay confirms it.
func (s *EventStore) ApplyLocal(e types.Event) bool {
	if err := s.verifier.Verify(e); err != nil {
		logrus.Warnf("📅 refusing local event %s: %v", types.ShortID(e.ID), err)
		return false
	}
	b := &batch{mode: modeLocal}
	s.mu.Lock()
	accepted := s.applyLocked(e, nil, b)
	s.commit(b)
	return accepted
}

// LoadPersisted rehydrates the store from durable records. Relay sets of
// repeated ids are unioned. No follow-up subscriptions are issued.
// Returns how many records were accepted.
func (s *EventStore) LoadPersisted(records []PersistedEvent) int {
	verified := make([]PersistedEvent, 0, len(records))
	for _, r := range records {
		if err := s.verifier.Verify(r.Event); err != nil {
			logrus.Debugf("💾 skipping persisted %s: %v", types.ShortID(r.Event.ID), err)
			continue
		}
		verified = append(verified, r)
	}

	b := &batch{mode: modePersisted}
	accepted := 0
	s.mu.Lock()
	for _, r := range verified {
		if s.applyLocked(r.Event, r.Relays, b) {
			accepted++
		}
	}
	s.commit(b)

	logrus.Infof("💾 loaded %d/%d persisted events", accepted, len(records))
	return accepted
}

// ProcessDeletion applies a deletion event directly.
// Anything that is not a valid, verified deletion is ignored.
func (s *EventStore) ProcessDeletion(e types.Event) bool {
	if e.Kind != types.KindDeletion {
		logrus.Warnf("📅 ProcessDeletion called with %s event %s", e.Kind.Name(), types.ShortID(e.ID))
		return false
	}
	return s.ApplyLocal(e)
}

// commit releases the store lock and carries out the batch. Persistence
// ops are started while still holding mu so concurrent commits reach the
// adapter in the same order their merges happened.
func (s *EventStore) commit(b *batch) {
	s.persistMu.Lock()
	fetcher := s.fetcher
	s.mu.Unlock()

	s.persist(b.ops)
	s.persistMu.Unlock()

	s.notifyListeners(b.changes)
	if fetcher != nil && len(b.followUps) > 0 {
		s.issueFollowUps(fetcher, b.followUps)
	}
}

// applyLocked is the single merge path. Caller holds mu.
func (s *EventStore) applyLocked(e types.Event, relays []string, b *batch) bool {
	if cached, ok := s.cache[e.ID]; ok {
		if merged, changed := unionRelays(cached.Relays, relays); changed {
			cached.Relays = merged
			b.save(cached)
		}
		return false
	}

	entity, err := types.Parse(e)
	if err != nil {
		if errors.Is(err, types.ErrUnsupportedKind) {
			logrus.Debugf("📅 ignoring %s", err)
		} else {
			logrus.Debugf("📅 rejecting: %v", err)
		}
		return false
	}

	switch ent := entity.(type) {
	case *types.Deletion:
		s.applyDeletionLocked(ent, relays, b)
		return true
	case *types.Profile, *types.FollowList, *types.CalendarEvent, *types.CalendarList, *types.RSVP:
		return s.mergeLocked(ent, relays, b)
	}
	return false
}

// mergeLocked applies the replaceable rule: an incoming event replaces the
// current one for its coordinate only when its createdAt is strictly greater.
func (s *EventStore) mergeLocked(ent types.Entity, relays []string, b *batch) bool {
	e := ent.Raw()
	coord := ent.Coordinate()

	if ts, ok := s.deletedCoords[coord]; ok && e.CreatedAt <= ts {
		logrus.Debugf("📅 %s %s is at or before its deletion", e.Kind.Name(), coord)
		s.dropTombstonedLocked(e, b)
		return false
	}
	if ts, ok := s.deletedIDs[idTombstone{id: e.ID, author: e.PubKey}]; ok && e.CreatedAt <= ts {
		logrus.Debugf("📅 %s %s was deleted", e.Kind.Name(), types.ShortID(e.ID))
		s.dropTombstonedLocked(e, b)
		return false
	}

	previous, exists := s.current[coord]
	if exists {
		if e.CreatedAt <= previous.Raw().CreatedAt {
			logrus.Debugf("📅 keeping %s %s (have %d, got %d)", e.Kind.Name(), coord, previous.Raw().CreatedAt, e.CreatedAt)
			return false
		}
		s.evictLocked(previous.Raw().ID, b)
	}

	s.current[coord] = ent
	cached := &CachedEvent{Event: e, Relays: append([]string(nil), relays...)}
	s.cache[e.ID] = cached
	if b.mode != modePersisted {
		b.save(cached)
	}
	b.changes = append(b.changes, Change{Type: ChangeUpserted, Coordinate: coord, Entity: ent})

	s.indexLocked(ent, previous, b)
	logrus.Debugf("📅 accepted %s %s (created %d)", e.Kind.Name(), coord, e.CreatedAt)
	return true
}

// dropTombstonedLocked forgets a stored record whose deletion was loaded
// before it, so it isn't read back on every start.
func (s *EventStore) dropTombstonedLocked(e types.Event, b *batch) {
	if b.mode == modePersisted {
		b.delete(e.ID)
	}
}

// evictLocked drops a raw event that is no longer current.
func (s *EventStore) evictLocked(id string, b *batch) {
	delete(s.cache, id)
	b.delete(id)
}

// indexLocked keeps the derived indexes in step with a newly current entity.
// previous is the entity it replaced, or nil.
func (s *EventStore) indexLocked(ent types.Entity, previous types.Entity, b *batch) {
	live := b.mode == modeIncoming

	switch ent := ent.(type) {
	case *types.Profile:
		s.people.Replace(ent.PubKey, ent.SearchKeys()...)
		delete(s.pendingProfiles, ent.PubKey)

	case *types.FollowList:
		prev, _ := previous.(*types.FollowList)
		s.reindexFollowsLocked(ent, prev)
		if live {
			var newlyFollowed []string
			for _, pk := range ent.Follows {
				if !prev.Contains(pk) {
					newlyFollowed = append(newlyFollowed, pk)
				}
			}
			s.requestProfilesLocked(b, append(newlyFollowed, ent.PubKey)...)
		}

	case *types.CalendarEvent:
		if previous == nil {
			s.rebuildRollupLocked(ent.Coord)
		}
		if live {
			pubkeys := []string{ent.PubKey}
			for _, p := range ent.Participants {
				pubkeys = append(pubkeys, p.PubKey)
			}
			s.requestProfilesLocked(b, pubkeys...)
			s.requestRSVPsLocked(b, ent.Coord)
		}

	case *types.CalendarList:
		s.calendars.Replace(ent.Coord, ent.SearchKeys()...)
		if live {
			s.requestProfilesLocked(b, ent.PubKey)
			s.requestCalendarEventsLocked(b, ent.Calendars)
		}

	case *types.RSVP:
		prev, _ := previous.(*types.RSVP)
		s.indexRSVPLocked(ent, prev)
		if live {
			s.requestProfilesLocked(b, ent.PubKey)
		}
	}
}

// removeLocked retracts a current entity and its derived index entries.
func (s *EventStore) removeLocked(ent types.Entity, b *batch) {
	coord := ent.Coordinate()
	delete(s.current, coord)
	s.evictLocked(ent.Raw().ID, b)

	switch ent := ent.(type) {
	case *types.Profile:
		s.people.Remove(ent.PubKey)
	case *types.FollowList:
		s.reindexFollowsLocked(nil, ent)
	case *types.CalendarEvent:
		// RSVPs stay indexed so a newer version of the event can rebuild its roll-up
		delete(s.rollup, coord)
	case *types.CalendarList:
		s.calendars.Remove(coord)
	case *types.RSVP:
		s.unindexRSVPLocked(ent)
	}

	b.changes = append(b.changes, Change{Type: ChangeRemoved, Coordinate: coord, Entity: ent})
	logrus.Infof("📅 removed %s %s", ent.Raw().Kind.Name(), coord)
}

// --- follow graph ---

func (s *EventStore) reindexFollowsLocked(next, prev *types.FollowList) {
	if prev != nil {
		for _, pk := range prev.Follows {
			if set, ok := s.followers[pk]; ok {
				delete(set, prev.PubKey)
				if len(set) == 0 {
					delete(s.followers, pk)
				}
			}
		}
	}
	if next != nil {
		for _, pk := range next.Follows {
			set, ok := s.followers[pk]
			if !ok {
				set = make(map[string]struct{})
				s.followers[pk] = set
			}
			set[next.PubKey] = struct{}{}
		}
	}
}

// --- RSVP roll-up ---

func (s *EventStore) indexRSVPLocked(r, prev *types.RSVP) {
	if prev != nil && prev.CalendarCoord != r.CalendarCoord {
		s.unindexRSVPLocked(prev)
	}
	idx, ok := s.rsvpIndex[r.CalendarCoord]
	if !ok {
		idx = make(map[types.Coordinate]struct{})
		s.rsvpIndex[r.CalendarCoord] = idx
	}
	idx[r.Coord] = struct{}{}

	if s.calendarRetractedLocked(r.CalendarCoord) {
		return
	}
	s.collapseLocked(r)
}

// collapseLocked puts r in its calendar's roll-up, replacing the attendee's
// previous entry. An entry under a different RSVP coordinate survives only
// when it is strictly newer, so arrival order does not matter.
func (s *EventStore) collapseLocked(r *types.RSVP) {
	bucket := s.rollup[r.CalendarCoord]
	for i, existing := range bucket {
		if existing.PubKey != r.PubKey {
			continue
		}
		if existing.Coord != r.Coord && existing.CreatedAt >= r.CreatedAt {
			return
		}
		bucket = slices.Delete(slices.Clone(bucket), i, i+1)
		break
	}
	s.rollup[r.CalendarCoord] = append(bucket, r)
}

// unindexRSVPLocked removes r from its calendar's index and roll-up, then
// promotes the attendee's next newest RSVP for that calendar if one exists.
func (s *EventStore) unindexRSVPLocked(r *types.RSVP) {
	cal := r.CalendarCoord
	if idx, ok := s.rsvpIndex[cal]; ok {
		delete(idx, r.Coord)
		if len(idx) == 0 {
			delete(s.rsvpIndex, cal)
		}
	}

	bucket, ok := s.rollup[cal]
	if !ok {
		return
	}
	i := slices.IndexFunc(bucket, func(x *types.RSVP) bool { return x.Coord == r.Coord })
	if i < 0 {
		return
	}
	bucket = slices.Delete(slices.Clone(bucket), i, i+1)

	var best *types.RSVP
	for c := range s.rsvpIndex[cal] {
		other, ok := s.current[c].(*types.RSVP)
		if !ok || other.PubKey != r.PubKey || other.CalendarCoord != cal {
			continue
		}
		if best == nil || other.CreatedAt > best.CreatedAt {
			best = other
		}
	}
	if best != nil {
		bucket = append(bucket, best)
	}
	s.rollup[cal] = bucket
}

// rebuildRollupLocked recomputes a roll-up from every RSVP pointing at cal.
func (s *EventStore) rebuildRollupLocked(cal types.Coordinate) {
	var rsvps []*types.RSVP
	for c := range s.rsvpIndex[cal] {
		if r, ok := s.current[c].(*types.RSVP); ok && r.CalendarCoord == cal {
			rsvps = append(rsvps, r)
		}
	}
	slices.SortFunc(rsvps, func(a, b *types.RSVP) int {
		return cmp.Or(cmp.Compare(a.CreatedAt, b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	s.rollup[cal] = nil
	for _, r := range rsvps {
		s.collapseLocked(r)
	}
}

// calendarRetractedLocked reports whether cal was deleted and nothing newer replaced it.
func (s *EventStore) calendarRetractedLocked(cal types.Coordinate) bool {
	if _, deleted := s.deletedCoords[cal]; !deleted {
		return false
	}
	_, live := s.current[cal]
	return !live
}

func unionRelays(existing, incoming []string) ([]string, bool) {
	changed := false
	for _, r := range incoming {
		if r == "" || slices.Contains(existing, r) {
			continue
		}
		existing = append(existing, r)
		changed = true
	}
	return existing, changed
}
