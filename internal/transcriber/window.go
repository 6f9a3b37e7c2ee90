package transcriber

// plan is what one pass retires from the buffer. Positions are samples
// relative to the first sample of the window.
type plan struct {
	commit  int // end of the finalized audio; text past it is not kept
	seek    int // samples to consume
	padding int // finalized samples kept in front of the next window
}

// planCommit turns the recognizer's commit offset into buffer movement.
//
// The last overlap samples of the finalized region stay in the buffer as
// acoustic context, so the next window starts that far before the new
// boundary and transcribes from there. A commit at or before the current
// padding finalizes nothing. A full window that would retire nothing, for
// example silence or a commit inside the overlap, is retired up to the
// reserve so the producer cannot stall on a full buffer. At the end of an
// utterance everything read is final.
func planCommit(reported, startPadding, length, total, overlap int, full, atEnd bool) plan {
	if atEnd {
		return plan{commit: total, seek: total}
	}

	limit := startPadding + length
	commit := reported
	if commit < 0 {
		commit = 0
	}
	if commit > limit {
		commit = limit
	}

	if commit <= startPadding && !full {
		return plan{padding: startPadding}
	}
	if full && (commit <= startPadding || commit <= overlap) {
		commit = limit
	}

	retained := commit
	if retained > overlap {
		retained = overlap
	}
	return plan{commit: commit, seek: commit - retained, padding: retained}
}
