package transfer

import (
	"context"
	"sync"
)

// progressStep is the minimum advance, in percentage points, between two
// progress notifications.
const progressStep = 5

// Progress is one progress notification. Upload progress counts parts,
// download progress counts bytes.
type Progress struct {
	Phase      string
	Loaded     int64
	Total      int64
	Percentage int
}

// progressReporter throttles notifications to one per progressStep points
// plus a final one at 100%. The channel belongs to the caller and is never
// closed here.
type progressReporter struct {
	ch    chan<- Progress
	phase string

	mu   sync.Mutex
	last int
	done bool
}

func newProgressReporter(ch chan<- Progress, phase string) *progressReporter {
	return &progressReporter{ch: ch, phase: phase}
}

func percentage(loaded, total int64) int {
	if total <= 0 {
		return 100
	}
	if loaded >= total {
		return 100
	}
	return int(loaded * 100 / total)
}

// report sends a notification if the cadence allows it. It blocks until the
// caller receives it or ctx is done.
func (r *progressReporter) report(ctx context.Context, loaded, total int64) {
	if r == nil || r.ch == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return
	}
	pct := percentage(loaded, total)
	if pct < 100 && pct-r.last < progressStep {
		return
	}
	r.last = pct
	r.done = pct == 100

	select {
	case r.ch <- Progress{Phase: r.phase, Loaded: loaded, Total: total, Percentage: pct}:
	case <-ctx.Done():
	}
}
