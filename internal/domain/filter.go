package domain

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// FilterKind selects which source messages a job copies.
type FilterKind string

const (
	FilterAll   FilterKind = "all"
	FilterMedia FilterKind = "media"
	FilterText  FilterKind = "text"
)

func (f FilterKind) Valid() bool {
	switch f {
	case FilterAll, FilterMedia, FilterText:
		return true
	}
	return false
}

// Match applies the predicate. Empty messages never match.
func (f FilterKind) Match(m Message) bool {
	if m.Empty {
		return false
	}
	switch f {
	case FilterAll:
		return true
	case FilterMedia:
		return m.HasMedia()
	case FilterText:
		return m.HasText() && !m.HasMedia()
	}
	return false
}

// ParseFilterKind accepts the canonical names plus the "-only" spellings.
func ParseFilterKind(s string) (FilterKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(strings.TrimSuffix(s, "-only"), "_only")
	switch s {
	case "", "all", "any":
		return FilterAll, nil
	case "media":
		return FilterMedia, nil
	case "text":
		return FilterText, nil
	}
	return "", errors.Wrapf(ErrInvalid, "filter %q", s)
}

func (f *FilterKind) UnmarshalText(b []byte) error {
	k, err := ParseFilterKind(string(b))
	if err != nil {
		return err
	}
	*f = k
	return nil
}
