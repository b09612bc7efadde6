package agenda

import (
	"context"
	"slices"
	"sync"

	"github.com/eljojo/agenda/types"
	"github.com/sirupsen/logrus"
)

// PersistedEvent is one durable record: a raw event and the relays that delivered it.
type PersistedEvent struct {
	Event  types.Event
	Relays []string
}

// Persistence stores raw events for cold-start rehydration.
//
// Save must union relays with any already stored for the id, never shrink them.
type Persistence interface {
	Save(ctx context.Context, event types.Event, relays []string) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]PersistedEvent, error)
}

// persist runs queued saves and deletes in order. Failures are logged and
// the in-memory state stays as it is.
func (s *EventStore) persist(ops []persistOp) {
	if s.persistence == nil || len(ops) == 0 {
		return
	}
	ctx := context.Background()
	for _, op := range ops {
		var err error
		if op.record != nil {
			err = s.persistence.Save(ctx, op.record.Event, op.record.Relays)
		} else {
			err = s.persistence.Delete(ctx, op.id)
		}
		if err != nil {
			logrus.Warnf("💾 persisting %s failed: %v", types.ShortID(op.id), err)
		}
	}
}

// MemoryPersistence keeps records in a map. Used when no database is configured.
type MemoryPersistence struct {
	records map[string]*PersistedEvent
	order   []string
	mu      sync.Mutex
}

// NewMemoryPersistence creates an empty in-memory adapter.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{records: make(map[string]*PersistedEvent)}
}

func (m *MemoryPersistence) Save(_ context.Context, event types.Event, relays []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[event.ID]
	if !ok {
		rec = &PersistedEvent{Event: event}
		m.records[event.ID] = rec
		m.order = append(m.order, event.ID)
	}
	rec.Relays, _ = unionRelays(rec.Relays, relays)
	return nil
}

func (m *MemoryPersistence) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return nil
	}
	delete(m.records, id)
	m.order = slices.DeleteFunc(m.order, func(x string) bool { return x == id })
	return nil
}

func (m *MemoryPersistence) LoadAll(_ context.Context) ([]PersistedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PersistedEvent, 0, len(m.order))
	for _, id := range m.order {
		rec := m.records[id]
		out = append(out, PersistedEvent{Event: rec.Event, Relays: slices.Clone(rec.Relays)})
	}
	return out, nil
}

// Has reports whether id is stored.
func (m *MemoryPersistence) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	return ok
}

// Len returns the number of stored records.
func (m *MemoryPersistence) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
