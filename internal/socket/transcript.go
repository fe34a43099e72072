package socket

import "strings"

// transcriptTracker reduces accumulated transcript strings to new suffixes.
// The remote may resend the full string so far on every frame; emitting the
// raw frames would duplicate text at the caller.
type transcriptTracker struct {
	last string
}

// Delta returns the not-yet-emitted portion of full. When full is not an
// extension of the last-seen string (the remote restarted accumulation),
// the whole string is returned.
func (t *transcriptTracker) Delta(full string) string {
	if full == t.last {
		return ""
	}
	if strings.HasPrefix(full, t.last) {
		delta := full[len(t.last):]
		t.last = full
		return delta
	}
	t.last = full
	return full
}

// Reset clears accumulation at a turn boundary.
func (t *transcriptTracker) Reset() {
	t.last = ""
}
