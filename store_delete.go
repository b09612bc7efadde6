package agenda

import (
	"github.com/eljojo/agenda/types"
	"github.com/sirupsen/logrus"
)

// coordinateDeletable lists the kinds a deletion may retract by coordinate.
var coordinateDeletable = map[types.Kind]bool{
	types.KindCalendarEvent: true,
	types.KindRSVP:          true,
}

// applyDeletionLocked retracts targets in two phases: first by coordinate,
// then by explicit id. A target is only removed when the deletion's author
// is the target's author and the target was created at or before the
// deletion. Targets not seen yet are remembered as tombstones.
func (s *EventStore) applyDeletionLocked(d *types.Deletion, relays []string, b *batch) {
	cached := &CachedEvent{Event: d.Event, Relays: append([]string(nil), relays...)}
	s.cache[d.ID] = cached
	if b.mode != modePersisted {
		b.save(cached)
	}

	removed := 0
	for _, coord := range d.Coordinates {
		if !coordinateDeletable[coord.Kind] {
			logrus.Debugf("📅 deletion %s: %s can't be deleted by coordinate", types.ShortID(d.ID), coord.Kind.Name())
			continue
		}
		if coord.PubKey != d.PubKey {
			logrus.Debugf("📅 deletion %s: %s is not authored by %s", types.ShortID(d.ID), coord, types.ShortID(d.PubKey))
			continue
		}
		if d.CreatedAt > s.deletedCoords[coord] {
			s.deletedCoords[coord] = d.CreatedAt
		}
		target, ok := s.current[coord]
		if !ok || target.Raw().CreatedAt > d.CreatedAt {
			continue
		}
		s.removeLocked(target, b)
		removed++
	}

	for _, id := range d.IDs {
		key := idTombstone{id: id, author: d.PubKey}
		if d.CreatedAt > s.deletedIDs[key] {
			s.deletedIDs[key] = d.CreatedAt
		}
		raw, ok := s.cache[id]
		if !ok {
			continue
		}
		if raw.Event.PubKey != d.PubKey {
			logrus.Debugf("📅 deletion %s: %s is not authored by %s", types.ShortID(d.ID), types.ShortID(id), types.ShortID(d.PubKey))
			continue
		}
		if raw.Event.CreatedAt > d.CreatedAt {
			continue
		}
		// only current entities can be removed; deleting a deletion does nothing
		coord, ok := types.CoordinateOf(raw.Event)
		if !ok {
			continue
		}
		if target, ok := s.current[coord]; ok && target.Raw().ID == id {
			s.removeLocked(target, b)
			removed++
		}
	}

	if removed > 0 {
		logrus.Infof("📅 deletion %s by %s removed %d target(s)", types.ShortID(d.ID), types.ShortID(d.PubKey), removed)
	}
}
