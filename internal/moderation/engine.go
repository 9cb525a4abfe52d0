package moderation

// MaxEvidenceMessages caps how many peer-authored messages from a report are
// scored. Older context is discarded to bound evidence size and avoid
// punishing long-past messages.
const MaxEvidenceMessages = 10

// SpeakerPeer marks evidence entries authored by the reported partner. Only
// these entries are eligible; the reporter's own messages never count
// against the partner.
const SpeakerPeer = "peer"

// Evidence is one transcript entry attached to a report.
type Evidence struct {
	Speaker string
	Text    string
}

// Verdict is the outcome of scoring a report's evidence.
type Verdict struct {
	Eligible int // peer-authored messages considered (after the recency cap)
	Flagged  int // how many of those the checker marked abusive
}

// Abusive reports whether the evidence earns a strike. A report earns at
// most one strike regardless of how many messages were flagged.
func (v Verdict) Abusive() bool {
	return v.Flagged > 0
}

// Score filters evidence down to the most recent MaxEvidenceMessages
// peer-authored entries and runs each through the checker. Evidence is
// expected in chronological order; the newest entries win when truncating.
func Score(checker Checker, evidence []Evidence) Verdict {
	peer := make([]Evidence, 0, len(evidence))
	for _, e := range evidence {
		if e.Speaker == SpeakerPeer && e.Text != "" {
			peer = append(peer, e)
		}
	}

	if len(peer) > MaxEvidenceMessages {
		peer = peer[len(peer)-MaxEvidenceMessages:]
	}

	verdict := Verdict{Eligible: len(peer)}
	for _, e := range peer {
		if checker.IsAbusive(e.Text) {
			verdict.Flagged++
		}
	}
	return verdict
}
