package spider

import (
	"image"
	"slices"
	"sync"
)

// observers is the listener list of one engine. Notifications iterate over a
// copy so listeners may add or remove themselves from inside a callback.
type observers struct {
	mu   sync.Mutex
	list []Listener
}

func (o *observers) add(l Listener) {
	if l == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, l)
}

func (o *observers) remove(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if idx := slices.Index(o.list, l); idx >= 0 {
		o.list = slices.Delete(o.list, idx, idx+1)
	}
}

func (o *observers) snapshot() []Listener {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.list)
}

func (o *observers) pageCount(pages int) {
	for _, l := range o.snapshot() {
		l.OnPageCount(pages)
	}
}

func (o *observers) bandwidthLimited(index int) {
	for _, l := range o.snapshot() {
		l.OnBandwidthLimited(index)
	}
}

func (o *observers) progress(index int, total, received, delta int64) {
	for _, l := range o.snapshot() {
		l.OnProgress(index, total, received, delta)
	}
}

func (o *observers) pageDone(d pageDone) {
	for _, l := range o.snapshot() {
		l.OnPageDone(d.index, d.err, d.finished, d.downloaded, d.total)
	}
}

func (o *observers) allDone(finished, downloaded, total int) {
	for _, l := range o.snapshot() {
		l.OnAllDone(finished, downloaded, total)
	}
}

func (o *observers) imageReady(index int, img image.Image) {
	for _, l := range o.snapshot() {
		l.OnImageReady(index, img)
	}
}

func (o *observers) imageFailed(index int, err error) {
	for _, l := range o.snapshot() {
		l.OnImageFailed(index, err)
	}
}
