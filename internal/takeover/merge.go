package takeover

import (
	"sort"

	"github.com/kelurahan/switchboard/internal/api"
)

// MergeMessages merges polled messages into the held timeline. Messages are
// de-duplicated by id, with the incoming copy replacing the held one, and the
// result is ordered by timestamp ascending (ties by id). added counts the
// incoming messages whose id was not already held.
func MergeMessages(held, incoming []api.Message) (merged []api.Message, added int) {
	index := make(map[string]int, len(held)+len(incoming))
	merged = make([]api.Message, 0, len(held)+len(incoming))

	for _, m := range held {
		if i, ok := index[m.ID]; ok && m.ID != "" {
			merged[i] = m
			continue
		}
		index[m.ID] = len(merged)
		merged = append(merged, m)
	}
	heldCount := len(merged)
	for _, m := range incoming {
		if i, ok := index[m.ID]; ok && m.ID != "" {
			merged[i] = m
			continue
		}
		index[m.ID] = len(merged)
		merged = append(merged, m)
	}
	added = len(merged) - heldCount

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
	return merged, added
}
