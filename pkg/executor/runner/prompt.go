package runner

import "bytes"

// promptWatcher looks for a marker in a stream that arrives in chunks.
// It searches a sliding window so a marker split across reads is still
// found, and it fires at most once.
type promptWatcher struct {
	marker []byte
	limit  int
	window []byte
	fired  bool
}

func newPromptWatcher(marker string, limit int) *promptWatcher {
	if limit <= 0 {
		limit = DefaultPromptBufferLimit
	}
	if min := 2 * len(marker); limit < min {
		limit = min
	}
	return &promptWatcher{marker: []byte(marker), limit: limit}
}

// Feed appends chunk to the window and reports whether the marker has just
// appeared. Once it has, the window is released and Feed always returns false.
func (w *promptWatcher) Feed(chunk []byte) bool {
	if w.fired || len(w.marker) == 0 {
		return false
	}

	w.window = append(w.window, chunk...)
	if bytes.Contains(w.window, w.marker) {
		w.fired = true
		w.window = nil
		return true
	}

	if over := len(w.window) - w.limit; over > 0 {
		w.window = append(w.window[:0], w.window[over:]...)
	}
	return false
}

func (w *promptWatcher) Fired() bool { return w.fired }

func (w *promptWatcher) buffered() int { return len(w.window) }
