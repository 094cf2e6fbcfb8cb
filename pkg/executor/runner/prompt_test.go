package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPromptWatcher_SplitAcrossChunks(t *testing.T) {
	w := newPromptWatcher("Enter time:", 0)

	assert.False(t, w.Feed([]byte("loading grid...\nEnter ")))
	assert.True(t, w.Feed([]byte("time: ")))
	assert.True(t, w.Fired())
}

func TestPromptWatcher_FiresOnce(t *testing.T) {
	w := newPromptWatcher("Enter time:", 0)

	assert.True(t, w.Feed([]byte("Enter time:")))
	assert.False(t, w.Feed([]byte("Enter time:")))
	assert.Equal(t, 0, w.buffered(), "window should be released after firing")
}

func TestPromptWatcher_WindowIsBounded(t *testing.T) {
	w := newPromptWatcher("Enter time:", 64)
	chunk := []byte(strings.Repeat("x", 50))

	for i := 0; i < 100; i++ {
		assert.False(t, w.Feed(chunk))
		assert.LessOrEqual(t, w.buffered(), 64)
	}

	// A marker straddling the trimmed window is still found.
	assert.False(t, w.Feed([]byte("Enter t")))
	assert.True(t, w.Feed([]byte("ime:")))
}

func TestPromptWatcher_LimitNeverBelowTwiceMarker(t *testing.T) {
	w := newPromptWatcher("0123456789", 4)
	assert.Equal(t, 20, w.limit)
}

func TestPromptWatcher_EmptyMarkerNeverFires(t *testing.T) {
	w := newPromptWatcher("", 0)
	assert.False(t, w.Feed([]byte("anything")))
	assert.False(t, w.Fired())
}

func TestTailBuffer_KeepsTail(t *testing.T) {
	b := newTailBuffer(8)

	_, _ = b.Write([]byte("abcd"))
	assert.Equal(t, "abcd", b.String())
	assert.False(t, b.Truncated())

	_, _ = b.Write([]byte("efghij"))
	assert.Equal(t, "cdefghij", b.String())
	assert.True(t, b.Truncated())

	_, _ = b.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", b.String())
}
