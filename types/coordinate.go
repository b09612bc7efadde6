package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCoordinate is returned when a coordinate string can't be parsed.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Coordinate is the logical key of a replaceable event: (kind, author, identifier).
// Per-author singletons (profile, follow list) have an empty Identifier.
type Coordinate struct {
	Kind       Kind
	PubKey     string
	Identifier string
}

// String renders the coordinate in "kind:pubkey:identifier" form, as used in `a` tags.
func (c Coordinate) String() string {
	return fmt.Sprintf("%d:%s:%s", c.Kind, c.PubKey, c.Identifier)
}

// IsZero reports whether the coordinate is unset.
func (c Coordinate) IsZero() bool {
	return c == Coordinate{}
}

// ParseCoordinate parses "kind:pubkey:identifier". The identifier may itself contain colons.
func ParseCoordinate(s string) (Coordinate, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Coordinate{}, fmt.Errorf("%w: %q", ErrInvalidCoordinate, s)
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || kind < 0 {
		return Coordinate{}, fmt.Errorf("%w: bad kind in %q", ErrInvalidCoordinate, s)
	}
	if !IsValidPubKey(parts[1]) {
		return Coordinate{}, fmt.Errorf("%w: bad pubkey in %q", ErrInvalidCoordinate, s)
	}
	c := Coordinate{Kind: Kind(kind), PubKey: strings.ToLower(parts[1]), Identifier: parts[2]}
	if c.Kind.IsParameterized() && c.Identifier == "" {
		return Coordinate{}, fmt.Errorf("%w: missing identifier in %q", ErrInvalidCoordinate, s)
	}
	return c, nil
}

// CoordinateOf returns the replaceable coordinate of an event, if its kind has one.
//
// This is the single place coordinates are derived: the merge path and the
// deletion path both go through it. Parameterized kinds without a `d` tag
// have no coordinate and are rejected, and so are authors not written in
// lowercase hex, since the same key in another case would be a second
// coordinate for one author.
func CoordinateOf(e Event) (Coordinate, bool) {
	if !IsCanonicalPubKey(e.PubKey) {
		return Coordinate{}, false
	}
	switch {
	case e.Kind.IsReplaceable():
		return Coordinate{Kind: e.Kind, PubKey: e.PubKey}, true
	case e.Kind.IsParameterized():
		d := e.Tags.Value("d")
		if d == "" {
			return Coordinate{}, false
		}
		return Coordinate{Kind: e.Kind, PubKey: e.PubKey, Identifier: d}, true
	}
	return Coordinate{}, false
}
