package queue

import (
	"bytes"
	"sort"
)

// Rank orders the waiting entries of active by (tier, enqueue time, id) and
// returns copies with a dense 1-based Position. Entries in any other status
// are ignored. The input is never modified, so Rank is safe to call
// concurrently and redundantly.
func Rank(active []*Entry) []*Entry {
	ranked := make([]*Entry, 0, len(active))
	for _, e := range active {
		if e == nil || e.Status != StatusWaiting {
			continue
		}
		ranked = append(ranked, e.Clone())
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranksBefore(ranked[i], ranked[j])
	})

	for i, e := range ranked {
		pos := i + 1
		e.Position = &pos
	}
	return ranked
}

func ranksBefore(a, b *Entry) bool {
	if ra, rb := a.Tier.Rank(), b.Tier.Rank(); ra != rb {
		return ra < rb
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}
