package takeover

// DefaultScrollThreshold is how close to the bottom, in pixels, the viewer
// must be for new messages to scroll the view.
const DefaultScrollThreshold = 100

// ScrollTracker decides whether new messages should scroll the timeline to
// the bottom or be counted as unseen. The view is refreshed by polling, so
// scrolling unconditionally would fight a reader who has scrolled up.
type ScrollTracker struct {
	threshold  int
	nearBottom bool
	unseen     int
}

// NewScrollTracker returns a tracker that starts at the bottom.
func NewScrollTracker(threshold int) *ScrollTracker {
	if threshold <= 0 {
		threshold = DefaultScrollThreshold
	}
	return &ScrollTracker{threshold: threshold, nearBottom: true}
}

// Update records the viewport position: scrollTop, the visible height and the
// full content height. Reaching the bottom clears the unseen count.
func (s *ScrollTracker) Update(scrollTop, clientHeight, scrollHeight int) {
	s.nearBottom = scrollHeight-scrollTop-clientHeight <= s.threshold
	if s.nearBottom {
		s.unseen = 0
	}
}

// Appended reports n new messages and returns whether the view should
// scroll to the newest one. When the viewer was not near the bottom the
// messages are added to the unseen count instead.
func (s *ScrollTracker) Appended(n int) bool {
	if n <= 0 {
		return false
	}
	if s.nearBottom {
		return true
	}
	s.unseen += n
	return false
}

// Jump is the forced scroll behind the "N new messages" affordance.
func (s *ScrollTracker) Jump() {
	s.nearBottom = true
	s.unseen = 0
}

// Reset returns to the bottom with nothing unseen, as on a new selection.
func (s *ScrollTracker) Reset() { s.Jump() }

// NearBottom reports whether the viewer is within the threshold of the bottom.
func (s *ScrollTracker) NearBottom() bool { return s.nearBottom }

// Unseen returns the number of messages that arrived while scrolled up.
func (s *ScrollTracker) Unseen() int { return s.unseen }
