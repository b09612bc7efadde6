package agenda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/eljojo/agenda/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrReadOnly is returned by authoring calls when no secret key is loaded.
	ErrReadOnly = errors.New("client is read-only")
	// ErrNotFound is returned when editing something the store doesn't have.
	ErrNotFound = errors.New("not found")
)

// CalendarEventDraft is what a user fills in to create or edit a calendar event.
type CalendarEventDraft struct {
	// Identifier is the `d` tag. Generated when empty on create.
	Identifier   string
	Title        string
	Summary      string
	Description  string
	Image        string
	Start        time.Time
	End          time.Time // zero for no end
	StartTZ      string
	EndTZ        string
	Locations    []string
	Geohash      string
	Participants []types.Participant
	Hashtags     []string
	References   []string
}

func (d CalendarEventDraft) tags() types.Tags {
	tags := types.Tags{
		{"d", d.Identifier},
		{"title", d.Title},
		{"start", strconv.FormatInt(d.Start.Unix(), 10)},
	}
	if !d.End.IsZero() {
		tags = append(tags, types.Tag{"end", strconv.FormatInt(d.End.Unix(), 10)})
	}
	optional := [][2]string{
		{"summary", d.Summary},
		{"image", d.Image},
		{"start_tzid", d.StartTZ},
		{"end_tzid", d.EndTZ},
		{"g", d.Geohash},
	}
	for _, kv := range optional {
		if kv[1] != "" {
			tags = append(tags, types.Tag{kv[0], kv[1]})
		}
	}
	for _, loc := range d.Locations {
		tags = append(tags, types.Tag{"location", loc})
	}
	for _, p := range d.Participants {
		tags = append(tags, types.Tag{"p", p.PubKey, p.Relay, p.Role})
	}
	for _, t := range d.Hashtags {
		tags = append(tags, types.Tag{"t", t})
	}
	for _, r := range d.References {
		tags = append(tags, types.Tag{"r", r})
	}
	return tags
}

// CreateCalendarEvent signs, applies and publishes a new calendar event.
func (c *Client) CreateCalendarEvent(ctx context.Context, draft CalendarEventDraft) (*types.CalendarEvent, error) {
	if draft.Identifier == "" {
		draft.Identifier = uuid.NewString()
	}
	return c.writeCalendarEvent(ctx, draft)
}

// UpdateCalendarEvent replaces one of our calendar events.
func (c *Client) UpdateCalendarEvent(ctx context.Context, draft CalendarEventDraft) (*types.CalendarEvent, error) {
	coord := types.Coordinate{Kind: types.KindCalendarEvent, PubKey: c.PubKey(), Identifier: draft.Identifier}
	if draft.Identifier == "" || c.store.CalendarEvent(coord) == nil {
		return nil, fmt.Errorf("calendar event %s: %w", coord, ErrNotFound)
	}
	return c.writeCalendarEvent(ctx, draft)
}

func (c *Client) writeCalendarEvent(ctx context.Context, draft CalendarEventDraft) (*types.CalendarEvent, error) {
	e, err := c.author(ctx, types.KindCalendarEvent, draft.tags(), draft.Description)
	if err != nil && e.ID == "" {
		return nil, err
	}
	entity, parseErr := types.Parse(e)
	if parseErr != nil {
		return nil, parseErr
	}
	return entity.(*types.CalendarEvent), err
}

// DeleteCalendarEvent retracts one of our calendar events by coordinate and id.
func (c *Client) DeleteCalendarEvent(ctx context.Context, coord types.Coordinate) error {
	if coord.PubKey != c.PubKey() {
		return fmt.Errorf("can only delete our own events, %s belongs to %s", coord, types.ShortID(coord.PubKey))
	}
	target := c.store.CalendarEvent(coord)
	tags := types.Tags{{"a", coord.String()}, {"k", strconv.Itoa(int(coord.Kind))}}
	if target != nil {
		tags = append(tags, types.Tag{"e", target.ID})
	}
	_, err := c.author(ctx, types.KindDeletion, tags, "")
	return err
}

// RSVP answers a calendar event. An earlier answer of ours to the same event is replaced.
func (c *Client) RSVP(ctx context.Context, calendar types.Coordinate, status types.RSVPStatus) (*types.RSVP, error) {
	identifier := uuid.NewString()
	for _, r := range c.store.RSVPs(calendar) {
		if r.PubKey == c.PubKey() {
			identifier = r.Coord.Identifier
			break
		}
	}
	tags := types.Tags{
		{"d", identifier},
		{"a", calendar.String()},
		{"status", string(status)},
		{"p", calendar.PubKey},
	}
	if ce := c.store.CalendarEvent(calendar); ce != nil {
		tags = append(tags, types.Tag{"e", ce.ID})
	}
	e, err := c.author(ctx, types.KindRSVP, tags, "")
	if err != nil && e.ID == "" {
		return nil, err
	}
	entity, parseErr := types.Parse(e)
	if parseErr != nil {
		return nil, parseErr
	}
	return entity.(*types.RSVP), err
}

// Follow adds pubkey (hex or npub) to our follow list.
func (c *Client) Follow(ctx context.Context, pubkey string) error {
	pk, err := types.DecodePubKey(pubkey)
	if err != nil {
		return err
	}
	current := c.store.FollowList(c.PubKey())
	if current.Contains(pk) {
		return nil
	}
	var tags types.Tags
	if current != nil {
		tags = append(tags, current.Tags...)
	}
	tags = append(tags, types.Tag{"p", pk})
	_, err = c.author(ctx, types.KindFollowList, tags, followContent(current))
	return err
}

// Unfollow removes pubkey (hex or npub) from our follow list.
func (c *Client) Unfollow(ctx context.Context, pubkey string) error {
	pk, err := types.DecodePubKey(pubkey)
	if err != nil {
		return err
	}
	current := c.store.FollowList(c.PubKey())
	if !current.Contains(pk) {
		return nil
	}
	tags := make(types.Tags, 0, len(current.Tags))
	for _, t := range current.Tags {
		if t.Name() == "p" && t.Value() == pk {
			continue
		}
		tags = append(tags, t)
	}
	_, err = c.author(ctx, types.KindFollowList, tags, followContent(current))
	return err
}

func followContent(current *types.FollowList) string {
	if current == nil {
		return ""
	}
	return current.Content
}

// UpdateProfile replaces our profile metadata.
func (c *Client) UpdateProfile(ctx context.Context, name, displayName, picture, about string) error {
	_, err := c.author(ctx, types.KindProfileMetadata, types.Tags{}, types.ProfileContent(name, displayName, picture, about))
	return err
}

// CreateCalendarList publishes (or replaces) a titled list of calendar events.
func (c *Client) CreateCalendarList(ctx context.Context, identifier, title, description string, calendars []types.Coordinate) (*types.CalendarList, error) {
	if identifier == "" {
		identifier = uuid.NewString()
	}
	tags := types.Tags{{"d", identifier}, {"title", title}}
	for _, cal := range calendars {
		tags = append(tags, types.Tag{"a", cal.String()})
	}
	e, err := c.author(ctx, types.KindCalendarList, tags, description)
	if err != nil && e.ID == "" {
		return nil, err
	}
	entity, parseErr := types.Parse(e)
	if parseErr != nil {
		return nil, parseErr
	}
	return entity.(*types.CalendarList), err
}

// author signs an event, applies it locally, then publishes it and waits
// for the first relay to accept it. When publishing fails the returned
// event is still set, since it was already applied to the store.
func (c *Client) author(ctx context.Context, kind types.Kind, tags types.Tags, content string) (types.Event, error) {
	if !c.keys.CanSign() {
		return types.Event{}, ErrReadOnly
	}

	e := types.Event{
		CreatedAt: c.nextCreatedAt(kind, tags),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := c.keys.Sign(&e); err != nil {
		return types.Event{}, err
	}
	if _, err := types.Parse(e); err != nil {
		return types.Event{}, err
	}
	c.store.ApplyLocal(e)

	result := c.acks.Send(e.ID, func() error { return c.write.Publish(e) })
	select {
	case r := <-result:
		if r.Err != nil {
			logrus.Warnf("📡 %s %s not confirmed: %v", kind.Name(), types.ShortID(e.ID), r.Err)
			return e, fmt.Errorf("publish %s: %w", types.ShortID(e.ID), r.Err)
		}
		logrus.Infof("📡 %s %s accepted by %s", kind.Name(), types.ShortID(e.ID), r.Response)
		return e, nil
	case <-ctx.Done():
		return e, ctx.Err()
	}
}

// nextCreatedAt makes sure a local edit always supersedes what we hold:
// max(now, current+1). A deletion only needs to be at or after its targets.
func (c *Client) nextCreatedAt(kind types.Kind, tags types.Tags) int64 {
	now := time.Now().Unix()

	if kind == types.KindDeletion {
		for _, id := range tags.Values("e") {
			if cached, ok := c.store.Cached(id); ok && cached.Event.CreatedAt > now {
				now = cached.Event.CreatedAt
			}
		}
		return now
	}

	probe := types.Event{PubKey: c.PubKey(), Kind: kind, Tags: tags}
	coord, ok := types.CoordinateOf(probe)
	if !ok {
		return now
	}
	if current, ok := c.store.Entity(coord); ok {
		if next := current.Raw().CreatedAt + 1; next > now {
			now = next
		}
	}
	if deleted, ok := c.store.DeletedAt(coord); ok && deleted+1 > now {
		now = deleted + 1
	}
	return now
}
