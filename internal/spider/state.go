package spider

// PageState is the download state of one page.
type PageState int

// Page states. The only transitions are NONE→DOWNLOADING→{FINISHED,FAILED},
// FAILED→NONE, and FINISHED→NONE on a forced retry.
const (
	StateNone PageState = iota
	StateDownloading
	StateFinished
	StateFailed
)

func (s PageState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateDownloading:
		return "downloading"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Done reports whether the state is terminal for the current attempt.
func (s PageState) Done() bool {
	return s == StateFinished || s == StateFailed
}

func finishedWeight(s PageState) int {
	if s == StateFinished {
		return 1
	}
	return 0
}

func downloadedWeight(s PageState) int {
	if s.Done() {
		return 1
	}
	return 0
}

// Status is the best-effort answer to a page request.
type Status struct {
	State PageState
	// Percent is the transfer progress in [0,1]; -1 when unknown.
	Percent float64
	Err     error
}

// Pending reports whether the page is still on its way.
func (s Status) Pending() bool {
	return s.Err == nil && s.State != StateFinished
}

type pageDone struct {
	index      int
	err        error
	finished   int
	downloaded int
	total      int
}

// updatePageState applies a transition, keeps the counters in step, and
// notifies observers for FINISHED and FAILED.
func (e *Engine) updatePageState(index int, state PageState, cause error) {
	e.stateMu.Lock()
	if index < 0 || index >= len(e.states) {
		e.stateMu.Unlock()
		return
	}
	done, notify := e.transitionLocked(index, state, cause)
	e.stateMu.Unlock()
	if notify {
		e.observers.pageDone(done)
	}
}

func (e *Engine) transitionLocked(index int, state PageState, cause error) (pageDone, bool) {
	old := e.states[index]
	e.states[index] = state
	e.finished += finishedWeight(state) - finishedWeight(old)
	e.downloaded += downloadedWeight(state) - downloadedWeight(old)

	switch state {
	case StateDownloading:
		delete(e.pageErrs, index)
	case StateFailed:
		delete(e.percents, index)
		if cause == nil {
			cause = errDownloadFailed
		}
		e.pageErrs[index] = cause
	default:
		delete(e.percents, index)
		delete(e.pageErrs, index)
	}

	if !state.Done() {
		return pageDone{}, false
	}
	if state == StateFinished {
		cause = nil
	}
	return pageDone{
		index:      index,
		err:        cause,
		finished:   e.finished,
		downloaded: e.downloaded,
		total:      len(e.states),
	}, true
}

// beginDownload moves index to DOWNLOADING unless it is already in flight or,
// for a non-forced pick, already done.
func (e *Engine) beginDownload(index int, force bool) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if index < 0 || index >= len(e.states) {
		return false
	}
	state := e.states[index]
	if state == StateDownloading || (!force && state.Done()) {
		return false
	}
	e.transitionLocked(index, StateDownloading, nil)
	return true
}

func (e *Engine) pageState(index int) PageState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if index < 0 || index >= len(e.states) {
		return StateNone
	}
	return e.states[index]
}

func (e *Engine) setPercent(index int, pct float64) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if index >= 0 && index < len(e.states) && e.states[index] == StateDownloading {
		e.percents[index] = pct
	}
}

func (e *Engine) clearPercent(index int) {
	e.stateMu.Lock()
	delete(e.percents, index)
	e.stateMu.Unlock()
}

// resetForDownload returns every page that is not in flight to NONE and
// recomputes the counters from the remaining states.
func (e *Engine) resetForDownload() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	for i, s := range e.states {
		if s != StateDownloading {
			e.states[i] = StateNone
		}
	}
	e.finished = 0
	e.downloaded = 0
	clear(e.pageErrs)
	for idx := range e.percents {
		if e.states[idx] != StateDownloading {
			delete(e.percents, idx)
		}
	}
}

// scanCounts recomputes the aggregate counters from the state table.
func (e *Engine) scanCounts() (finished, downloaded int) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	for _, s := range e.states {
		finished += finishedWeight(s)
		downloaded += downloadedWeight(s)
	}
	return finished, downloaded
}
