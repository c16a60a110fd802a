package spider

import (
	"slices"

	"github.com/JakeFAU/galleryspider/internal/metrics"
)

// Request asks for index at direct priority and returns its current status.
// With addNeighbors the preload window is replaced by the next pages after
// index that have not been downloaded.
func (e *Engine) Request(index int, addNeighbors bool) Status {
	return e.request(index, true, false, addNeighbors)
}

// ForceRequest re-downloads index even if it already finished or failed.
func (e *Engine) ForceRequest(index int) Status {
	return e.request(index, true, true, false)
}

func (e *Engine) request(index int, ignoreError, force, addNeighbors bool) Status {
	if e.stopped.Load() {
		return Status{State: StateNone, Percent: -1, Err: ErrStopped}
	}
	if err := e.Err(); err != nil {
		return Status{State: StateNone, Percent: -1, Err: err}
	}
	if size := int(e.pageCount.Load()); size > 0 && (index < 0 || index >= size) {
		return Status{State: StateNone, Percent: -1, Err: ErrOutOfRange}
	}

	state := e.pageState(index)
	if (force && state.Done()) || (ignoreError && state == StateFailed) {
		e.updatePageState(index, StateNone, nil)
		state = StateNone
	}

	needsDownload := force || state == StateNone
	e.queueMu.Lock()
	if needsDownload {
		if force {
			e.directQueue = removeIndex(e.directQueue, index)
			e.preloadQueue = removeIndex(e.preloadQueue, index)
			if !slices.Contains(e.forceQueue, index) {
				e.forceQueue = append(e.forceQueue, index)
			}
		} else if !slices.Contains(e.forceQueue, index) {
			e.preloadQueue = removeIndex(e.preloadQueue, index)
			if !slices.Contains(e.directQueue, index) {
				e.directQueue = append(e.directQueue, index)
			}
		}
	}
	if addNeighbors {
		e.preloadQueue = e.preloadQueue[:0]
		size := int(e.pageCount.Load())
		for i := index + 1; i <= index+e.cfg.Preload; i++ {
			if size > 0 && i >= size {
				break
			}
			if e.pageState(i) != StateNone || e.queuedLocked(i) {
				continue
			}
			e.preloadQueue = append(e.preloadQueue, i)
		}
	}
	e.queueMu.Unlock()

	if needsDownload || addNeighbors {
		e.ensureWorkers()
	}

	switch state {
	case StateFinished:
		e.enqueueDecode(index)
		return Status{State: StateFinished, Percent: 1}
	case StateFailed:
		return Status{State: StateFailed, Percent: -1, Err: e.pageError(index)}
	case StateDownloading:
		return Status{State: StateDownloading, Percent: e.percent(index)}
	default:
		return Status{State: StateNone, Percent: -1}
	}
}

// PreloadPages queues indices at preload priority, skipping pages already
// queued, being decoded, or not in NONE.
func (e *Engine) PreloadPages(indices []int) {
	if e.stopped.Load() {
		return
	}
	e.decodeMu.Lock()
	decoding := slices.Concat(e.decodeQueue, e.decoding)
	e.decodeMu.Unlock()

	added := false
	e.queueMu.Lock()
	for _, idx := range indices {
		if idx < 0 || e.queuedLocked(idx) || slices.Contains(decoding, idx) {
			continue
		}
		if e.pageState(idx) != StateNone {
			continue
		}
		e.preloadQueue = append(e.preloadQueue, idx)
		added = true
	}
	e.queueMu.Unlock()
	if added {
		e.ensureWorkers()
	}
}

// CancelRequest drops index from the direct and decode queues.
func (e *Engine) CancelRequest(index int) {
	e.queueMu.Lock()
	e.directQueue = removeIndex(e.directQueue, index)
	e.queueMu.Unlock()

	e.decodeMu.Lock()
	e.decodeQueue = removeIndex(e.decodeQueue, index)
	e.decodeMu.Unlock()
}

func (e *Engine) queuedLocked(index int) bool {
	return slices.Contains(e.forceQueue, index) ||
		slices.Contains(e.directQueue, index) ||
		slices.Contains(e.preloadQueue, index)
}

// nextIndex pops the highest-priority index. The bulk cursor only advances
// while it is inside the page range.
func (e *Engine) nextIndex() (index int, force, ok bool) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	switch {
	case len(e.forceQueue) > 0:
		index, e.forceQueue = e.forceQueue[0], e.forceQueue[1:]
		return index, true, true
	case len(e.directQueue) > 0:
		index, e.directQueue = e.directQueue[0], e.directQueue[1:]
		return index, false, true
	case len(e.preloadQueue) > 0:
		index, e.preloadQueue = e.preloadQueue[0], e.preloadQueue[1:]
		return index, false, true
	case e.cursor >= 0 && e.cursor < int(e.pageCount.Load()):
		index = e.cursor
		e.cursor++
		return index, false, true
	}
	return 0, false, false
}

func (e *Engine) hasWork() bool {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return len(e.forceQueue) > 0 || len(e.directQueue) > 0 || len(e.preloadQueue) > 0 ||
		(e.cursor >= 0 && e.cursor < int(e.pageCount.Load()))
}

// ensureWorkers grows the pool up to MaxWorkers. It is a no-op until the
// metadata is known and after the pool has been closed.
func (e *Engine) ensureWorkers() {
	if e.stopped.Load() || e.pageCount.Load() == 0 {
		return
	}
	e.workerMu.Lock()
	defer e.workerMu.Unlock()
	if e.poolClosed {
		return
	}
	for e.workers < e.cfg.MaxWorkers {
		e.workers++
		e.drainReported = false
		e.workerWG.Add(1)
		go e.workerLoop()
	}
}

func (e *Engine) workerLoop() {
	defer e.workerWG.Done()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	for {
		if e.stopped.Load() {
			e.retireWorker()
			return
		}
		index, force, ok := e.nextIndex()
		if !ok {
			if e.retireWorker() {
				return
			}
			continue
		}
		e.processPage(index, force)
	}
}

// retireWorker removes the calling worker from the pool unless work arrived
// in the meantime. The last worker to leave a running engine reports the
// drain to observers.
func (e *Engine) retireWorker() bool {
	e.workerMu.Lock()
	if !e.stopped.Load() && e.hasWork() {
		e.workerMu.Unlock()
		return false
	}
	e.workers--
	report := e.workers == 0 && !e.stopped.Load() && !e.drainReported
	if report {
		e.drainReported = true
	}
	e.workerMu.Unlock()
	if report {
		e.logger.Debug("worker pool drained")
		e.reportDrain()
	}
	return true
}

// shutdownPool closes the pool, waits for every worker, and reports the drain
// unless a worker already did.
func (e *Engine) shutdownPool() {
	e.workerMu.Lock()
	e.poolClosed = true
	e.workerMu.Unlock()

	e.workerWG.Wait()

	e.workerMu.Lock()
	report := !e.drainReported
	e.drainReported = true
	e.workerMu.Unlock()
	if report {
		e.reportDrain()
	}
}

func (e *Engine) reportDrain() {
	e.stateMu.Lock()
	finished, downloaded, total := e.finished, e.downloaded, len(e.states)
	e.stateMu.Unlock()
	e.observers.allDone(finished, downloaded, total)
}

func (e *Engine) pageError(index int) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.pageErrs[index]
}

func (e *Engine) percent(index int) float64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if pct, ok := e.percents[index]; ok {
		return pct
	}
	return -1
}

func removeIndex(queue []int, index int) []int {
	return slices.DeleteFunc(queue, func(v int) bool { return v == index })
}
