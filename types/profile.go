package types

import (
	"encoding/json"
	"strings"
)

// Profile is an author's metadata (kind 0). One per author.
type Profile struct {
	Event
	Name        string
	DisplayName string
	Picture     string
	About       string
	NIP05       string
}

type profileContent struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	About       string `json:"about,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
}

func parseProfile(e Event) (*Profile, error) {
	if _, err := coordinateOrError(e); err != nil {
		return nil, err
	}
	var c profileContent
	if strings.TrimSpace(e.Content) != "" {
		if err := json.Unmarshal([]byte(e.Content), &c); err != nil {
			return nil, invalid(e, "content is not JSON: %v", err)
		}
	}
	return &Profile{
		Event:       e,
		Name:        c.Name,
		DisplayName: c.DisplayName,
		Picture:     c.Picture,
		About:       c.About,
		NIP05:       c.NIP05,
	}, nil
}

// ProfileContent renders profile fields as kind-0 content.
func ProfileContent(name, displayName, picture, about string) string {
	b, _ := json.Marshal(profileContent{Name: name, DisplayName: displayName, Picture: picture, About: about})
	return string(b)
}

// ResolvedName is the name shown to people: display name, then name.
func (p *Profile) ResolvedName() string {
	if p == nil {
		return ""
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

// SearchKeys are the strings a profile is findable by.
func (p *Profile) SearchKeys() []string {
	var keys []string
	for _, k := range []string{p.Name, p.DisplayName, p.NIP05} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	keys = append(keys, p.PubKey)
	if npub, err := EncodeNpub(p.PubKey); err == nil {
		keys = append(keys, npub)
	}
	return keys
}

func (p *Profile) Raw() Event             { return p.Event }
func (p *Profile) Coordinate() Coordinate { return Coordinate{Kind: p.Kind, PubKey: p.PubKey} }
func (*Profile) isEntity()                {}

// FollowList is the set of identities an author follows (kind 3).
type FollowList struct {
	Event
	Follows []string
}

func parseFollowList(e Event) (*FollowList, error) {
	if _, err := coordinateOrError(e); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var follows []string
	for _, pk := range e.Tags.Values("p") {
		pk = strings.ToLower(pk)
		if !IsValidPubKey(pk) || seen[pk] {
			continue
		}
		seen[pk] = true
		follows = append(follows, pk)
	}
	return &FollowList{Event: e, Follows: follows}, nil
}

// Contains reports whether pubkey is followed.
func (f *FollowList) Contains(pubkey string) bool {
	if f == nil {
		return false
	}
	for _, pk := range f.Follows {
		if pk == pubkey {
			return true
		}
	}
	return false
}

func (f *FollowList) Raw() Event             { return f.Event }
func (f *FollowList) Coordinate() Coordinate { return Coordinate{Kind: f.Kind, PubKey: f.PubKey} }
func (*FollowList) isEntity()                {}

// Deletion retracts earlier events by id or by coordinate (kind 5).
type Deletion struct {
	Event
	IDs         []string
	Coordinates []Coordinate
	Reason      string
}

func parseDeletion(e Event) (*Deletion, error) {
	if !IsCanonicalPubKey(e.PubKey) {
		return nil, invalid(e, "bad pubkey")
	}
	d := &Deletion{Event: e, Reason: e.Content}
	for _, id := range e.Tags.Values("e") {
		if IsValidID(id) {
			d.IDs = append(d.IDs, strings.ToLower(id))
		}
	}
	for _, a := range e.Tags.Values("a") {
		c, err := ParseCoordinate(a)
		if err != nil {
			continue
		}
		d.Coordinates = append(d.Coordinates, c)
	}
	if len(d.IDs) == 0 && len(d.Coordinates) == 0 {
		return nil, invalid(e, "no targets")
	}
	return d, nil
}

func (d *Deletion) Raw() Event             { return d.Event }
func (d *Deletion) Coordinate() Coordinate { return Coordinate{} }
func (*Deletion) isEntity()                {}
