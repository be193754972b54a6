package cognition

import (
	"fmt"
	"strings"
)

const (
	// WindowCapacity is how many recent action labels a session keeps.
	WindowCapacity = 10
	stuckSpan      = 5
	repeatSpan     = 3
)

// ActionWindow is a bounded FIFO of the latest action labels in one
// session. It is not safe for concurrent use; each session owns one.
type ActionWindow struct {
	labels []string
}

func NewActionWindow() *ActionWindow {
	return &ActionWindow{labels: make([]string, 0, WindowCapacity)}
}

// Push appends label, dropping the oldest entry beyond capacity.
func (w *ActionWindow) Push(label string) {
	w.labels = append(w.labels, label)
	if over := len(w.labels) - WindowCapacity; over > 0 {
		w.labels = append(w.labels[:0], w.labels[over:]...)
	}
}

// Reset empties the window.
func (w *ActionWindow) Reset() {
	w.labels = w.labels[:0]
}

func (w *ActionWindow) Len() int { return len(w.labels) }

// Labels returns a copy of the window, oldest first.
func (w *ActionWindow) Labels() []string {
	return append([]string(nil), w.labels...)
}

// IsStuck inspects the last five labels. It reports a loop when they
// hold at most two distinct labels, or when the last three are the same.
// Fewer than five labels never count as stuck.
func (w *ActionWindow) IsStuck() (bool, string) {
	if len(w.labels) < stuckSpan {
		return false, ""
	}
	recent := w.labels[len(w.labels)-stuckSpan:]

	seen := make(map[string]struct{}, stuckSpan)
	unique := make([]string, 0, stuckSpan)
	for _, l := range recent {
		if _, ok := seen[l]; !ok {
			seen[l] = struct{}{}
			unique = append(unique, l)
		}
	}
	if len(unique) <= 2 {
		return true, fmt.Sprintf("Repeating only %d actions: %s", len(unique), strings.Join(unique, ", "))
	}

	last := recent[len(recent)-repeatSpan:]
	if last[0] == last[1] && last[1] == last[2] {
		return true, fmt.Sprintf("Same action %dx: %s", repeatSpan, last[0])
	}
	return false, ""
}
