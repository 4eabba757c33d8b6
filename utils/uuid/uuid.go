// Package uuid provides identifier generation and test utilities.
package uuid

import (
	"time"

	"github.com/google/uuid"
)

// IDer generates identifiers.
type IDer interface {
	ID() string
}

// TimeIDs generates time-derived identifiers of the form
// "<prefix>_YYYYMMDD_HHMMSS_<8 hex chars>". The random suffix keeps two
// IDs generated within the same second distinct.
type TimeIDs struct {
	prefix string
	now    func() time.Time
}

// NewTimeIDs creates a new time-derived ID generator using prefix.
func NewTimeIDs(prefix string) *TimeIDs {
	return &TimeIDs{prefix: prefix, now: time.Now}
}

// ID generates a new time-derived ID.
func (t *TimeIDs) ID() string {
	u := uuid.New()
	suffix := u.String()[:8]
	return t.prefix + "_" + t.now().Format("20060102_150405") + "_" + suffix
}

// StaticIDs is an ID generator thats cycles through provided IDs.
type StaticIDs struct {
	ids []string
	i   int
}

// NewStaticIDs creates a new static ID generator.
func NewStaticIDs(ids ...string) *StaticIDs {
	return &StaticIDs{ids: ids}
}

// ID returns the next ID.
// It will continually cycle through the IDs.
func (s *StaticIDs) ID() string {
	id := s.ids[s.i%len(s.ids)]
	s.i++
	return id
}
