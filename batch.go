package replicator

import (
	"context"
	"fmt"
	"strconv"

	"github.com/couchsync/replicator/store"
)

// batchOutcome is the result of one ChangeBatcher invocation.
type batchOutcome struct {
	// progressed is true when new_update_seq differs from the
	// session's committed update_seq, i.e. there is new progress to
	// checkpoint, even if zero documents needed transferring (the
	// feed may have returned only filtered-out / reserved-prefix
	// rows).
	progressed bool
}

// runBatch is the core transfer algorithm: one invocation pulls a
// bounded page of changes from the source, diffs it against the
// destination, fetches the missing revisions (with attachments and
// full edit history), and writes them to the destination with
// new_edits=false (spec.md §4.3).
func (s *Session) runBatch(ctx context.Context) (batchOutcome, error) {
	diff, err := s.fetchChanges(ctx)
	if err != nil {
		return batchOutcome{}, fmt.Errorf("%w: fetch changes: %v", ErrAbort, err)
	}

	if len(diff) == 0 {
		if s.metrics != nil {
			s.metrics.ObserveBatch(s.src.Name(), 0)
		}
		return batchOutcome{progressed: s.sequenceAdvanced()}, nil
	}

	docsDiff, err := s.dst.RevsDiff(ctx, diff)
	if err != nil {
		return batchOutcome{}, fmt.Errorf("%w: revs diff: %v", ErrAbort, err)
	}

	docs, err := s.fetchMissingRevisions(ctx, docsDiff)
	if err != nil {
		return batchOutcome{}, fmt.Errorf("%w: fetch missing revisions: %v", ErrAbort, err)
	}

	if len(docs) > 0 {
		if err := s.pushDocs(ctx, docs); err != nil {
			return batchOutcome{}, fmt.Errorf("%w: bulk docs: %v", ErrAbort, err)
		}
		s.DocCount += len(docs)
	}
	if s.metrics != nil {
		s.metrics.ObserveBatch(s.src.Name(), len(docs))
	}

	return batchOutcome{progressed: s.sequenceAdvanced()}, nil
}

// fetchChanges pulls one page of the source's _changes feed and
// builds the {doc_id -> [rev, ...]} mapping the diff step needs,
// skipping reserved-prefix rows (spec.md §1 Non-goals, P4).
func (s *Session) fetchChanges(ctx context.Context) (store.RevsDiffRequest, error) {
	opts := store.ChangesOptions{
		Limit:    s.batchSize(),
		LongPoll: s.continuous,
	}
	if s.hasUpdateSeq {
		opts.Since = strconv.FormatInt(s.updateSeq, 10)
	}

	feed, err := s.src.Changes(ctx, opts)
	if err != nil {
		return nil, err
	}
	s.newUpdateSeq = feed.LastSeq

	diff := make(store.RevsDiffRequest)
	for _, change := range feed.Results {
		if isReserved(change.ID) {
			continue
		}
		for _, rev := range change.Changes {
			diff[change.ID] = append(diff[change.ID], rev.Rev)
		}
	}
	return diff, nil
}

// fetchMissingRevisions fetches every missing revision of every
// document reported by _revs_diff, in order, threading atts_since
// forward so each successor branch of the same document sees the
// previous one as a known ancestor (spec.md §4.3 Fetch and push).
func (s *Session) fetchMissingRevisions(ctx context.Context, diff store.RevsDiffResponse) ([]store.Doc, error) {
	var docs []store.Doc

	for docID, info := range diff {
		attsSince := append([]string(nil), info.PossibleAncestors...)

		for _, rev := range info.Missing {
			doc, err := s.src.GetDoc(ctx, docID, store.GetDocOptions{
				Rev:       rev,
				Revs:      true,
				Atts:      true,
				AttsSince: attsSince,
			})
			if err != nil {
				return nil, fmt.Errorf("get %s?rev=%s: %w", docID, rev, err)
			}
			docs = append(docs, doc)
			attsSince = append(attsSince, rev)
		}
	}

	return docs, nil
}

// pushDocs writes the accumulated documents to the destination with
// new_edits=false, the mechanism that makes replication faithful
// rather than last-write-wins (spec.md §4.3, glossary).
func (s *Session) pushDocs(ctx context.Context, docs []store.Doc) error {
	results, err := s.dst.BulkDocs(ctx, store.BulkDocsRequest{
		Docs:     docs,
		NewEdits: false,
	})
	if err != nil {
		return err
	}

	for _, r := range results {
		if r.Error != "" {
			// A rejected row under new_edits=false means the
			// destination refused revision history it should have
			// accepted verbatim: spec.md §7 classifies this fatal.
			return fmt.Errorf("destination rejected %s: %s: %s", r.ID, r.Error, r.Reason)
		}
	}
	return nil
}

// sequenceAdvanced moves the staged new_update_seq into the committed
// update_seq and reports whether it changed. Comparing against the
// session's last COMMITTED value (not the prior batch's staged value)
// is what lets a continuous session correctly report "no progress"
// when a long-poll times out with only filtered rows.
func (s *Session) sequenceAdvanced() bool {
	newSeq, err := strconv.ParseInt(s.newUpdateSeq, 10, 64)
	if err != nil {
		// Some peers report last_seq as an opaque token rather than a
		// bare integer; fall back to string comparison for "did it
		// change" without requiring ordering semantics from it.
		if s.hasUpdateSeq && strconv.FormatInt(s.updateSeq, 10) == s.newUpdateSeq {
			return false
		}
		return s.newUpdateSeq != ""
	}

	if s.hasUpdateSeq && s.updateSeq == newSeq {
		return false
	}
	s.hasUpdateSeq = true
	s.updateSeq = newSeq
	return true
}

func (s *Session) batchSize() int {
	if s.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return s.BatchSize
}
