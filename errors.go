package replicator

import "errors"

// ErrAbort is returned by a batch when an unexpected error aborts it
// without advancing update_seq; the last successful checkpoint
// remains the truth (spec.md §7 propagation policy).
var ErrAbort = errors.New("replicator: batch aborted")

// reservedPrefix marks document and database IDs internal to the
// store (design documents, local documents); these are never
// propagated (spec.md §1 Non-goals, §3 invariants, P4).
const reservedPrefix = '_'

func isReserved(id string) bool {
	return len(id) > 0 && id[0] == reservedPrefix
}
