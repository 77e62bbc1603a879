package transport

import (
	"sync"
	"time"
)

// Debouncer collapses rapid successive URL changes on the same tab into a
// single reported event. Tabs debounce independently; a later observation
// for a tab supersedes the earlier pending one.
type Debouncer struct {
	window time.Duration
	fire   func(tabID, url string)

	mu      sync.Mutex
	pending map[string]*pendingNav
	stopped bool
}

type pendingNav struct {
	timer *time.Timer
	url   string
}

// NewDebouncer creates a debouncer that calls fire once per tab after the
// window elapses without a newer observation for that tab.
func NewDebouncer(window time.Duration, fire func(tabID, url string)) *Debouncer {
	return &Debouncer{
		window:  window,
		fire:    fire,
		pending: make(map[string]*pendingNav),
	}
}

// Observe records a navigation on a tab, superseding any pending one.
func (d *Debouncer) Observe(tabID, url string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if p, ok := d.pending[tabID]; ok {
		p.url = url
		p.timer.Reset(d.window)
		return
	}

	p := &pendingNav{url: url}
	p.timer = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		url := p.url
		delete(d.pending, tabID)
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			d.fire(tabID, url)
		}
	})
	d.pending[tabID] = p
}

// Stop cancels all pending events. Used when tracking transitions to OFF.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, id)
	}
}

// Reset re-arms a stopped debouncer (tracking resumed).
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = false
}
