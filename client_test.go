package agenda

import (
	"context"
	"testing"
	"time"

	"github.com/eljojo/agenda/types"
	"github.com/eljojo/agenda/utilities/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	readURL  = "wss://read.example"
	writeURL = "wss://write.example"
)

// acceptAll makes a fake relay acknowledge everything published to it.
func acceptAll(f *fakeRelay, e types.Event) {
	go f.deliver(&types.OKMessage{EventID: e.ID, Success: true})
}

func newTestClient(t *testing.T, keys *keyring.Keyring, tweak ...func(*ClientOptions)) (*Client, *fakeNetwork) {
	t.Helper()
	network := newFakeNetwork()
	network.relay(writeURL).onPublish = acceptAll

	opts := ClientOptions{
		Keyring:        keys,
		ReadRelays:     []string{readURL},
		WriteRelays:    []string{writeURL},
		Persistence:    NewMemoryPersistence(),
		PublishTimeout: time.Second,
		NewConnection:  network.connect,
	}
	for _, f := range tweak {
		f(&opts)
	}
	client, err := NewClient(opts)
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(client.Stop)
	return client, network
}

func TestNewClient_NeedsKeyring(t *testing.T) {
	_, err := NewClient(ClientOptions{})
	assert.Error(t, err)
}

func TestClient_BootstrapsOnConnect(t *testing.T) {
	me := testKeys(t)
	client, network := newTestClient(t, me)
	read := network.relay(readURL)

	ids := read.openIDs()
	require.Len(t, ids, 1)
	read.mu.Lock()
	filters := read.open[ids[0]]
	read.mu.Unlock()
	require.Len(t, filters, 2, "no follows yet")
	assert.Equal(t, []string{me.PubKey()}, filters[0].Authors)
	assert.Equal(t, []string{me.PubKey()}, filters[1].Tags["p"])
	assert.Nil(t, filters[0].Since)

	assert.True(t, client.CaughtUp(readURL).IsZero())
	read.deliver(&types.EOSEMessage{SubscriptionID: ids[0]})
	assert.False(t, client.CaughtUp(readURL).IsZero())
	assert.Empty(t, read.openIDs(), "catch-up closes once the relay is done")

	// later catch-ups only ask for what's new
	client.Refresh()
	ids = read.openIDs()
	require.Len(t, ids, 1)
	read.mu.Lock()
	filters = read.open[ids[0]]
	read.mu.Unlock()
	require.NotNil(t, filters[0].Since)
	assert.Equal(t, client.CaughtUp(readURL).Unix(), *filters[0].Since)
}

func TestClient_IngestsFromReadRelays(t *testing.T) {
	me, alice := testKeys(t), testKeys(t)
	client, network := newTestClient(t, me)

	e := calendarEvent(t, alice, "party", 1, tomorrow)
	network.relay(readURL).deliver(&types.EventMessage{SubscriptionID: "x", Event: e})

	require.NotNil(t, client.Store().CalendarEvent(calendarCoord(alice, "party")))
	assert.Equal(t, []string{readURL}, client.Store().Relays(e.ID))
}

func TestClient_CreateAndUpdateCalendarEvent(t *testing.T) {
	me := testKeys(t)
	client, network := newTestClient(t, me)

	start := tomorrow
	ce, err := client.CreateCalendarEvent(context.Background(), CalendarEventDraft{
		Title:     "Picnic",
		Start:     start,
		End:       start.Add(2 * time.Hour),
		Locations: []string{"Park"},
		Hashtags:  []string{"outdoors"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ce.Coord.Identifier, "identifier is generated")
	assert.Equal(t, "Picnic", ce.Title)
	assert.Equal(t, 1, network.relay(writeURL).publishCount())

	stored := client.Store().CalendarEvent(ce.Coord)
	require.NotNil(t, stored)
	assert.Equal(t, ce.ID, stored.ID)

	updated, err := client.UpdateCalendarEvent(context.Background(), CalendarEventDraft{
		Identifier: ce.Coord.Identifier,
		Title:      "Picnic (moved)",
		Start:      start.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Greater(t, updated.CreatedAt, ce.CreatedAt, "edits always supersede")
	assert.Equal(t, "Picnic (moved)", client.Store().CalendarEvent(ce.Coord).Title)

	_, err = client.UpdateCalendarEvent(context.Background(), CalendarEventDraft{Identifier: "nope", Start: start})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_DeleteThenRecreate(t *testing.T) {
	me := testKeys(t)
	client, _ := newTestClient(t, me)
	ctx := context.Background()

	ce, err := client.CreateCalendarEvent(ctx, CalendarEventDraft{Identifier: "party", Title: "Party", Start: tomorrow})
	require.NoError(t, err)
	require.NoError(t, client.DeleteCalendarEvent(ctx, ce.Coord))
	assert.Nil(t, client.Store().CalendarEvent(ce.Coord))

	// same identifier again must land after the tombstone
	again, err := client.CreateCalendarEvent(ctx, CalendarEventDraft{Identifier: "party", Title: "Party II", Start: tomorrow})
	require.NoError(t, err)
	require.NotNil(t, client.Store().CalendarEvent(ce.Coord))
	deletedAt, _ := client.Store().DeletedAt(ce.Coord)
	assert.Greater(t, again.CreatedAt, deletedAt)

	other := testKeys(t)
	err = client.DeleteCalendarEvent(ctx, calendarCoord(other, "theirs"))
	assert.Error(t, err)
}

func TestClient_RSVPReplacesOurAnswer(t *testing.T) {
	me, alice := testKeys(t), testKeys(t)
	client, network := newTestClient(t, me)
	ctx := context.Background()
	cal := calendarCoord(alice, "party")
	network.relay(readURL).deliver(&types.EventMessage{SubscriptionID: "x", Event: calendarEvent(t, alice, "party", 1, tomorrow)})

	first, err := client.RSVP(ctx, cal, types.RSVPTentative)
	require.NoError(t, err)
	second, err := client.RSVP(ctx, cal, types.RSVPAccepted)
	require.NoError(t, err)

	assert.Equal(t, first.Coord, second.Coord, "same identifier reused")
	rsvps := client.Store().RSVPs(cal)
	require.Len(t, rsvps, 1)
	assert.Equal(t, types.RSVPAccepted, rsvps[0].Status)
	assert.Equal(t, cal, second.CalendarCoord)
}

func TestClient_FollowAndUnfollow(t *testing.T) {
	me, bob := testKeys(t), testKeys(t)
	client, network := newTestClient(t, me)
	ctx := context.Background()

	npub, err := types.EncodeNpub(bob.PubKey())
	require.NoError(t, err)
	require.NoError(t, client.Follow(ctx, npub))
	assert.Equal(t, []string{bob.PubKey()}, client.Store().Follows(me.PubKey()))
	published := network.relay(writeURL).publishCount()

	require.NoError(t, client.Follow(ctx, bob.PubKey()))
	assert.Equal(t, published, network.relay(writeURL).publishCount(), "already followed")

	require.NoError(t, client.Unfollow(ctx, bob.PubKey()))
	assert.Empty(t, client.Store().Follows(me.PubKey()))

	assert.Error(t, client.Follow(ctx, "npub1nope"))
}

func TestClient_FollowTriggersCatchUp(t *testing.T) {
	me, bob := testKeys(t), testKeys(t)
	client, network := newTestClient(t, me)
	read := network.relay(readURL)
	read.deliver(&types.EOSEMessage{SubscriptionID: read.openIDs()[0]})

	require.NoError(t, client.Follow(context.Background(), bob.PubKey()))

	ids := read.openIDs()
	require.Len(t, ids, 1)
	read.mu.Lock()
	filters := read.open[ids[0]]
	read.mu.Unlock()
	require.Len(t, filters, 1)
	assert.Equal(t, []string{bob.PubKey()}, filters[0].Authors)
	assert.Equal(t, followedKinds, filters[0].Kinds)

	// the next bootstrap includes the people we follow
	assert.Len(t, client.BootstrapFilters(), 3)
}

func TestClient_ProfileAndCalendarList(t *testing.T) {
	me, alice := testKeys(t), testKeys(t)
	client, _ := newTestClient(t, me)
	ctx := context.Background()

	require.NoError(t, client.UpdateProfile(ctx, "me", "Me!", "", "hi"))
	assert.Equal(t, "Me!", client.Store().Profile(me.PubKey()).ResolvedName())

	list, err := client.CreateCalendarList(ctx, "", "Weekend", "things to do", []types.Coordinate{calendarCoord(alice, "party")})
	require.NoError(t, err)
	assert.Equal(t, "Weekend", list.Title)
	assert.Len(t, client.Store().SearchCalendars("weekend"), 1)
}

func TestClient_ReadOnly(t *testing.T) {
	me := testKeys(t)
	viewer, err := keyring.ReadOnly(me.PubKey())
	require.NoError(t, err)
	client, _ := newTestClient(t, viewer)

	_, err = client.CreateCalendarEvent(context.Background(), CalendarEventDraft{Title: "x", Start: tomorrow})
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, client.Follow(context.Background(), me.PubKey()), ErrReadOnly)
}

func TestClient_UnconfirmedPublishStillApplies(t *testing.T) {
	me := testKeys(t)
	client, network := newTestClient(t, me, func(o *ClientOptions) { o.PublishTimeout = 50 * time.Millisecond })
	write := network.relay(writeURL)
	write.mu.Lock()
	write.onPublish = nil
	write.mu.Unlock()

	ce, err := client.CreateCalendarEvent(context.Background(), CalendarEventDraft{Title: "quiet", Start: tomorrow})
	assert.Error(t, err)
	require.NotNil(t, ce)
	assert.NotNil(t, client.Store().CalendarEvent(ce.Coord), "local state doesn't wait for relays")
}

func TestClient_RestoresFromPersistence(t *testing.T) {
	me := testKeys(t)
	mem := NewMemoryPersistence()
	first, _ := newTestClient(t, me, func(o *ClientOptions) { o.Persistence = mem })
	ce, err := first.CreateCalendarEvent(context.Background(), CalendarEventDraft{Title: "kept", Start: tomorrow})
	require.NoError(t, err)
	first.Stop()

	second, _ := newTestClient(t, me, func(o *ClientOptions) { o.Persistence = mem })
	assert.NotNil(t, second.Store().CalendarEvent(ce.Coord))
}
