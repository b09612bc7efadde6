package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMalformedFilter is returned by Filter.Validate.
var ErrMalformedFilter = errors.New("malformed filter")

// Filter is a declarative relay query. All set fields must match (AND);
// values within one field are alternatives (OR).
type Filter struct {
	Authors []string
	Kinds   []Kind
	Tags    map[string][]string // tag name (single letter) → accepted values
	Since   *int64
}

// WithSince returns a copy of the filter with the since bound set.
func (f Filter) WithSince(since int64) Filter {
	out := f
	out.Since = &since
	return out
}

// Validate checks the filter is well formed before it's sent to a relay.
func (f Filter) Validate() error {
	if len(f.Authors) == 0 && len(f.Kinds) == 0 && len(f.Tags) == 0 && f.Since == nil {
		return fmt.Errorf("%w: no constraints", ErrMalformedFilter)
	}
	for _, a := range f.Authors {
		if !IsValidPubKey(a) {
			return fmt.Errorf("%w: bad author %q", ErrMalformedFilter, a)
		}
	}
	for _, k := range f.Kinds {
		if k < 0 {
			return fmt.Errorf("%w: negative kind %d", ErrMalformedFilter, k)
		}
	}
	for name, values := range f.Tags {
		if len(name) != 1 {
			return fmt.Errorf("%w: tag name %q is not a single letter", ErrMalformedFilter, name)
		}
		if len(values) == 0 {
			return fmt.Errorf("%w: tag #%s has no values", ErrMalformedFilter, name)
		}
		for _, v := range values {
			if v == "" {
				return fmt.Errorf("%w: empty value for tag #%s", ErrMalformedFilter, name)
			}
			if name == "a" {
				if _, err := ParseCoordinate(v); err != nil {
					return fmt.Errorf("%w: %v", ErrMalformedFilter, err)
				}
			}
			if name == "p" && !IsValidPubKey(v) {
				return fmt.Errorf("%w: bad #p value %q", ErrMalformedFilter, v)
			}
		}
	}
	if f.Since != nil && *f.Since < 0 {
		return fmt.Errorf("%w: negative since", ErrMalformedFilter)
	}
	return nil
}

// Matches reports whether an event satisfies the filter.
func (f Filter) Matches(e Event) bool {
	if len(f.Authors) > 0 && !contains(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for name, values := range f.Tags {
		found := false
		for _, t := range e.Tags.FindAll(name) {
			if contains(values, t.Value()) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// MarshalJSON renders the relay wire form, with tag constraints as "#x" keys.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		m["#"+name] = values
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	return json.Marshal(m)
}

// UnmarshalJSON parses the relay wire form. Unknown keys are ignored.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for key, value := range raw {
		switch {
		case key == "authors":
			if err := json.Unmarshal(value, &f.Authors); err != nil {
				return fmt.Errorf("authors: %w", err)
			}
		case key == "kinds":
			if err := json.Unmarshal(value, &f.Kinds); err != nil {
				return fmt.Errorf("kinds: %w", err)
			}
		case key == "since":
			var since int64
			if err := json.Unmarshal(value, &since); err != nil {
				return fmt.Errorf("since: %w", err)
			}
			f.Since = &since
		case strings.HasPrefix(key, "#"):
			var values []string
			if err := json.Unmarshal(value, &values); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			if f.Tags == nil {
				f.Tags = make(map[string][]string)
			}
			f.Tags[key[1:]] = values
		}
	}
	return nil
}

// String is a compact description for logs.
func (f Filter) String() string {
	var parts []string
	if len(f.Kinds) > 0 {
		parts = append(parts, fmt.Sprintf("kinds=%v", f.Kinds))
	}
	if len(f.Authors) > 0 {
		parts = append(parts, fmt.Sprintf("authors=%d", len(f.Authors)))
	}
	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("#%s=%d", name, len(f.Tags[name])))
	}
	if f.Since != nil {
		parts = append(parts, fmt.Sprintf("since=%d", *f.Since))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
