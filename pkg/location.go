package depot

// location.go declares the Location contract that every backend and every
// combinator satisfies.  The algebra (Fanout, Levels, Small) composes
// values of this interface at runtime; nothing in the package switches on
// concrete types.
//
// Semantics in brief:
//   • Read returns ErrNotFound for absence — absence is an answer, not a
//     failure.  Transient errors are wrapped (see errors.go) so combinators
//     can keep walking.
//   • Write answers with a WriteStatus; the rejection codes drive Fanout
//     traversal and Levels aggregation.
//   • Contains may answer Unknown when an existence probe would cost as
//     much as the read itself; combinators then fall through to Read.
//
// © 2025 depot authors. MIT License.

import (
	"context"
	"io"

	"github.com/Voskan/depot/pkg/digest"
)

// WriteStatus is the outcome of offering a payload to a location.
type WriteStatus int

const (
	// WriteAccepted: the payload is durably stored under its key (or was
	// already there — writes are idempotent by content addressing).
	WriteAccepted WriteStatus = iota

	// WriteRejectedFull: the backing store is out of budget.  Fanout
	// advances to its next child on this code.
	WriteRejectedFull

	// WriteRejectedReadOnly: the location is not writable.
	WriteRejectedReadOnly

	// WriteRejectedPolicy: a configured predicate (e.g. Small's size
	// threshold) refused the payload.
	WriteRejectedPolicy
)

func (s WriteStatus) String() string {
	switch s {
	case WriteAccepted:
		return "accepted"
	case WriteRejectedFull:
		return "rejected-full"
	case WriteRejectedReadOnly:
		return "rejected-readonly"
	case WriteRejectedPolicy:
		return "rejected-policy"
	default:
		return "unknown"
	}
}

// Presence is the tri-state answer of an existence probe.
type Presence int

const (
	Absent Presence = iota
	Present
	Unknown
)

func (p Presence) String() string {
	switch p {
	case Absent:
		return "absent"
	case Present:
		return "present"
	default:
		return "unknown"
	}
}

// Location stores payloads under content-addressed keys.  Implementations
// must be safe for concurrent use; all operations stream and are
// re-entrant per key.
type Location interface {
	// Algorithm returns the descriptor this location expects for written
	// keys.  Compositions refuse children that disagree.
	Algorithm() digest.Algorithm

	// Readable and Writable report the location's configured gates.
	Readable() bool
	Writable() bool

	// Contains is a cheap existence probe.  Unknown is a valid answer.
	Contains(ctx context.Context, key digest.Key) (Presence, error)

	// Read opens the payload stream for key.  Absence is ErrNotFound.
	// Reads of keys under a foreign (legacy) algorithm are permitted;
	// only writes enforce the declared algorithm.
	Read(ctx context.Context, key digest.Key) (io.ReadCloser, error)

	// Write stores src under key.  The source may be opened more than
	// once when the location needs a second pass or a retry; one-shot
	// sources are only safe with single-child compositions.
	Write(ctx context.Context, key digest.Key, src *Source) (WriteStatus, error)

	// Delete removes the payload.  Removing an absent key is not an
	// error; removed reports whether anything was deleted.
	Delete(ctx context.Context, key digest.Key) (removed bool, err error)

	// Touch refreshes last-access metadata where the backend keeps any;
	// otherwise it is a no-op.
	Touch(ctx context.Context, key digest.Key) error
}

// sameAlgorithm validates algorithm agreement across a composition's
// children at construction time.
func sameAlgorithm(children []Location) (digest.Algorithm, error) {
	if len(children) == 0 {
		return digest.Algorithm{}, errNoChildren
	}
	alg := children[0].Algorithm()
	for _, c := range children[1:] {
		if !alg.Equal(c.Algorithm()) {
			return digest.Algorithm{}, errAlgorithmMismatch
		}
	}
	return alg, nil
}
