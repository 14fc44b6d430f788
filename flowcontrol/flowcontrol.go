// Package flowcontrol tracks HTTP/2 send windows and decides when queued
// data may flush. Everything here is owned by one connection event loop and
// is therefore unlocked.
package flowcontrol

type Window struct {
	avail    int64
	disabled bool
}

func NewWindow(n int64) *Window {
	return &Window{avail: n}
}

// Take debits up to n bytes and returns the grant. A disabled or exhausted
// window grants nothing.
func (w *Window) Take(n int64) int64 {
	if w.disabled || w.avail <= 0 {
		return 0
	}
	if n > w.avail {
		n = w.avail
	}
	w.avail -= n
	return n
}

// Add replenishes the window. n may be negative: the peer shrinking
// SETTINGS_INITIAL_WINDOW_SIZE pushes live windows below zero, and only
// explicit window updates bring them back.
func (w *Window) Add(n int64) {
	w.avail += n
}

func (w *Window) Available() int64 {
	if w.disabled {
		return 0
	}
	return w.avail
}

func (w *Window) Disable() { w.disabled = true }

// Reset prepares a recycled window for a new stream.
func (w *Window) Reset(n int64) {
	w.avail = n
	w.disabled = false
}
