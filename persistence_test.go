package agenda

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/eljojo/agenda/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPersistence(t *testing.T) {
	ctx := context.Background()
	alice := testKeys(t)
	mem := NewMemoryPersistence()

	a := profileEvent(t, alice, "alice", 1)
	b := calendarEvent(t, alice, "d1", 2, tomorrow)
	require.NoError(t, mem.Save(ctx, a, []string{"wss://a"}))
	require.NoError(t, mem.Save(ctx, b, nil))
	require.NoError(t, mem.Save(ctx, a, []string{"wss://b", "wss://a"}))
	assert.Equal(t, 2, mem.Len())

	records, err := mem.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, a.ID, records[0].Event.ID, "insertion order")
	assert.Equal(t, []string{"wss://a", "wss://b"}, records[0].Relays)

	require.NoError(t, mem.Delete(ctx, a.ID))
	require.NoError(t, mem.Delete(ctx, "unknown"))
	assert.False(t, mem.Has(a.ID))
	assert.Equal(t, 1, mem.Len())
}

func TestSQLitePersistence(t *testing.T) {
	ctx := context.Background()
	alice := testKeys(t)
	path := filepath.Join(t.TempDir(), "agenda.db")

	db, err := OpenSQLite(path)
	require.NoError(t, err)

	older := calendarEvent(t, alice, "d1", 100, tomorrow, types.Tag{"location", "Café ☕"})
	newer := profileEvent(t, alice, "alice", 200)
	require.NoError(t, db.Save(ctx, newer, []string{"wss://a"}))
	require.NoError(t, db.Save(ctx, older, []string{"wss://a"}))
	require.NoError(t, db.Save(ctx, older, []string{"wss://b", ""}))

	records, err := db.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, older, records[0].Event, "oldest first, round-trips exactly")
	assert.Equal(t, []string{"wss://a", "wss://b"}, records[0].Relays)
	assert.Equal(t, []string{"wss://a"}, records[1].Relays)

	require.NoError(t, db.Delete(ctx, older.ID))
	require.NoError(t, db.Close())

	// reopening keeps what was saved
	db, err = OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()
	records, err = db.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, newer.ID, records[0].Event.ID)
}

func TestSQLitePersistence_Closed(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.Save(context.Background(), types.Event{ID: "x"}, nil), ErrPersistenceClosed)
	_, err = db.LoadAll(context.Background())
	assert.ErrorIs(t, err, ErrPersistenceClosed)
}

func TestSQLitePersistence_BacksStore(t *testing.T) {
	alice, bob := testKeys(t), testKeys(t)
	path := filepath.Join(t.TempDir(), "store.db")
	cal := calendarCoord(alice, "party")

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	store := NewEventStore(StoreOptions{Persistence: db})
	store.ApplyIncoming(calendarEvent(t, alice, "party", 100, tomorrow), "wss://a")
	store.ApplyIncoming(calendarEvent(t, alice, "party", 200, tomorrow.Add(time.Hour)), "wss://a")
	store.ApplyIncoming(rsvpEvent(t, bob, "r", cal, types.RSVPAccepted, 150), "wss://b")
	store.ApplyIncoming(deletionEvent(t, bob, 160, []types.Coordinate{rsvpCoord(bob, "gone")}), "wss://b")
	require.NoError(t, db.Close())

	db, err = OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()
	records, err := db.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 3, "current calendar event, RSVP and deletion")

	restored := NewEventStore(StoreOptions{Persistence: db})
	assert.Equal(t, 3, restored.LoadPersisted(records))
	assert.Equal(t, int64(200), restored.CalendarEvent(cal).CreatedAt)
	assert.Len(t, restored.RSVPs(cal), 1)
	_, deleted := restored.DeletedAt(rsvpCoord(bob, "gone"))
	assert.True(t, deleted, "tombstones come back from persisted deletions")
}
