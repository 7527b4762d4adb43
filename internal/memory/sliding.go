package memory

import (
	"context"
	"sync"
)

// SlidingWindow keeps the newest entries of each run. The window is bounded
// by entry count and, optionally, by the total length of entry text.
type SlidingWindow struct {
	mu         sync.Mutex
	maxEntries int
	maxChars   int
	runs       map[string][]Entry
}

// WindowOption configures a SlidingWindow.
type WindowOption func(*SlidingWindow)

// WithMaxChars bounds the summed Text length of a run's entries. The newest
// entry is always kept, even when it alone exceeds n. Zero means unbounded.
func WithMaxChars(n int) WindowOption {
	return func(s *SlidingWindow) {
		if n > 0 {
			s.maxChars = n
		}
	}
}

// NewSlidingWindow creates a window holding at most maxEntries per run,
// 50 if maxEntries is not positive.
func NewSlidingWindow(maxEntries int, opts ...WindowOption) *SlidingWindow {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	s := &SlidingWindow{
		maxEntries: maxEntries,
		runs:       make(map[string][]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load retrieves the entries for a run.
func (s *SlidingWindow) Load(_ context.Context, runID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.runs[runID]...), nil
}

// Save appends entries, then drops the oldest until the run fits the window.
func (s *SlidingWindow) Save(_ context.Context, runID string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := append(s.runs[runID], entries...)
	if len(run) > s.maxEntries {
		run = run[len(run)-s.maxEntries:]
	}
	if s.maxChars > 0 {
		total := 0
		for _, e := range run {
			total += len(e.Text)
		}
		for len(run) > 1 && total > s.maxChars {
			total -= len(run[0].Text)
			run = run[1:]
		}
	}
	s.runs[runID] = run
	return nil
}

// Clear removes all entries for a run.
func (s *SlidingWindow) Clear(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

// Active returns the number of runs holding entries.
func (s *SlidingWindow) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}
