package policylist

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

// Revision identifies one observed state of a policy list. Revisions form a
// total order: each newly allocated revision supersedes every revision
// allocated before it on the same list.
type Revision struct {
	id ulid.ULID
}

// Supersedes reports whether this revision is strictly newer than other.
// The zero revision is superseded by everything.
func (r Revision) Supersedes(other Revision) bool {
	return r.id.Compare(other.id) > 0
}

// IsZero reports whether the revision has never been allocated.
func (r Revision) IsZero() bool {
	return r.id == ulid.ULID{}
}

func (r Revision) String() string {
	if r.IsZero() {
		return "rev-none"
	}
	return r.id.String()
}

// revisionSource allocates strictly increasing revisions. Callers must hold
// the owning list's refresh mutex so allocation order matches real time.
type revisionSource struct {
	entropy *ulid.MonotonicEntropy
}

func newRevisionSource() *revisionSource {
	return &revisionSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *revisionSource) next() Revision {
	return Revision{id: ulid.MustNew(ulid.Now(), s.entropy)}
}
