package takeover

import "sync"

// Selection is the cell holding the currently selected conversation. Every
// change bumps a generation, and a fetch started for one generation is only
// applied if the cell still holds it when the fetch resolves.
type Selection struct {
	mu  sync.Mutex
	key string
	gen uint64
}

// Set selects key ("" deselects) and returns the new generation.
func (s *Selection) Set(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	s.gen++
	return s.gen
}

// Current returns the selected key and its generation.
func (s *Selection) Current() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key, s.gen
}

// Valid reports whether key at generation gen is still the selection.
func (s *Selection) Valid(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key == key && s.gen == gen && key != ""
}
