package queue

import (
	"math"
	"time"
)

// EstimateParams carries the inputs of the wait-time estimate that do not
// come from the ranking itself.
type EstimateParams struct {
	InProgress     int
	AverageMinutes float64
	Capacity       int
	Now            time.Time
}

// Estimate assigns WaitMinutes and CompletionAt to ranked entries (as produced
// by Rank) and returns them as new copies.
//
// An entry at position p waits for every full round of service ahead of it:
// with c stations and n patients already in treatment it is served in round
// ceil((p+n)/c), so it waits (round-1) average service durations. It then
// completes ExpectedDurationMinutes after being called.
func Estimate(ranked []*Entry, p EstimateParams) []*Entry {
	capacity := p.Capacity
	if capacity < 1 {
		capacity = 1
	}
	inProgress := p.InProgress
	if inProgress < 0 {
		inProgress = 0
	}

	out := make([]*Entry, 0, len(ranked))
	for _, e := range ranked {
		if e == nil || e.Position == nil {
			continue
		}
		c := e.Clone()
		pos := *e.Position
		c.Position = &pos

		round := (pos + inProgress + capacity - 1) / capacity
		slotsAhead := round - 1
		if slotsAhead < 0 {
			slotsAhead = 0
		}
		wait := int(math.Round(float64(slotsAhead) * p.AverageMinutes))
		completion := p.Now.Add(time.Duration(wait+c.ExpectedDurationMinutes) * time.Minute)

		c.WaitMinutes = &wait
		c.CompletionAt = &completion
		out = append(out, c)
	}
	return out
}
