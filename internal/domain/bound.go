package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// LegacyUnboundedID is the numeric sentinel older job records used for an
// open-ended range. It is only recognised by EndFromLegacy.
const LegacyUnboundedID int64 = 999999

// EndBound is the upper end of a job's id range: either a finite id or
// unbounded. The zero value is unbounded.
type EndBound struct {
	id     int64
	finite bool
}

func Unbounded() EndBound        { return EndBound{} }
func Finite(id int64) EndBound   { return EndBound{id: id, finite: true} }
func (b EndBound) IsFinite() bool { return b.finite }

// ID returns the finite end id, or 0 when unbounded.
func (b EndBound) ID() int64 {
	if !b.finite {
		return 0
	}
	return b.id
}

// Raw returns nil for an unbounded end; stores persist it as a nullable column.
func (b EndBound) Raw() *int64 {
	if !b.finite {
		return nil
	}
	id := b.id
	return &id
}

func EndFromRaw(v *int64) EndBound {
	if v == nil {
		return Unbounded()
	}
	return Finite(*v)
}

// EndFromLegacy maps a record written with the numeric sentinel.
func EndFromLegacy(v int64) EndBound {
	if v == LegacyUnboundedID || v <= 0 {
		return Unbounded()
	}
	return Finite(v)
}

func (b EndBound) String() string {
	if !b.finite {
		return "unbounded"
	}
	return strconv.FormatInt(b.id, 10)
}

// Clip returns the smaller of to and the end id.
func (b EndBound) Clip(to int64) int64 {
	if b.finite && to > b.id {
		return b.id
	}
	return to
}

func (b EndBound) MarshalJSON() ([]byte, error) {
	if !b.finite {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(b.id, 10)), nil
}

// UnmarshalJSON accepts null, "unbounded", a number or a numeric string.
func (b *EndBound) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = Unbounded()
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		bound, err := ParseEndBound(s)
		if err != nil {
			return err
		}
		*b = bound
		return nil
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return errors.Wrapf(ErrInvalid, "end bound %s", string(data))
	}
	*b = Finite(id)
	return nil
}

// ParseEndBound parses "unbounded", "" or a decimal id.
func ParseEndBound(s string) (EndBound, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "unbounded", "none", "inf":
		return Unbounded(), nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return EndBound{}, errors.Wrapf(ErrInvalid, "end bound %q", s)
	}
	return Finite(id), nil
}
