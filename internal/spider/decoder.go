package spider

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"

	"go.uber.org/zap"
)

func (e *Engine) startDecoders() {
	e.decodeMu.Lock()
	e.decoding = make([]int, e.cfg.Decoders)
	for i := range e.decoding {
		e.decoding[i] = -1
	}
	e.decodeMu.Unlock()

	for slot := range e.cfg.Decoders {
		e.decodeWG.Add(1)
		go e.decodeLoop(slot)
	}
}

// enqueueDecode schedules index unless it is already queued or in flight.
func (e *Engine) enqueueDecode(index int) {
	e.decodeMu.Lock()
	defer e.decodeMu.Unlock()
	if e.stopped.Load() || slices.Contains(e.decodeQueue, index) || slices.Contains(e.decoding, index) {
		return
	}
	e.decodeQueue = append(e.decodeQueue, index)
	e.decodeCond.Broadcast()
}

func (e *Engine) decodeLoop(slot int) {
	defer e.decodeWG.Done()
	for {
		e.decodeMu.Lock()
		for len(e.decodeQueue) == 0 && !e.stopped.Load() {
			e.decodeCond.Wait()
		}
		if e.stopped.Load() {
			e.decodeMu.Unlock()
			return
		}
		index := e.decodeQueue[0]
		e.decodeQueue = e.decodeQueue[1:]
		e.decoding[slot] = index
		e.decodeMu.Unlock()

		e.decodePage(index)

		e.decodeMu.Lock()
		e.decoding[slot] = -1
		e.decodeMu.Unlock()
	}
}

func (e *Engine) decodePage(index int) {
	if index < 0 || index >= int(e.pageCount.Load()) {
		e.observers.imageFailed(index, ErrOutOfRange)
		return
	}
	src, err := e.store.Open(e.ctx, index)
	if errors.Is(err, fs.ErrNotExist) {
		// The bytes vanished from the store; download the page again.
		e.updatePageState(index, StateNone, nil)
		e.request(index, false, false, false)
		return
	}
	if err != nil {
		e.observers.imageFailed(index, fmt.Errorf("%w: open page %d: %v", ErrDecodeFailed, index, err))
		return
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			e.logger.Debug("close page source failed", zap.Int("index", index), zap.Error(cerr))
		}
	}()

	img, err := e.deps.Decoder.Decode(src)
	if err != nil {
		e.observers.imageFailed(index, fmt.Errorf("%w: page %d: %v", ErrDecodeFailed, index, err))
		return
	}
	e.observers.imageReady(index, img)
}
