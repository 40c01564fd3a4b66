package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/probeworks/gauntlet/internal/model"
)

// Expected identifies one unit the collector is waiting for.
type Expected struct {
	TaskID  uuid.UUID
	Service string
	Tools   []string
}

// Await drains one result per expected unit from notify. The ceiling bounds
// the whole wait: it is sized to the longest unit timeout plus a margin, so a
// lost completion notification degrades the affected unit instead of blocking
// the aggregation forever. Units still missing when the ceiling fires (or the
// context is cancelled) are synthesized as failed results.
func Await(ctx context.Context, notify <-chan UnitResult, expected []Expected, ceiling time.Duration) []UnitResult {
	remaining := make(map[uuid.UUID]Expected, len(expected))
	for _, e := range expected {
		remaining[e.TaskID] = e
	}

	timer := time.NewTimer(ceiling)
	defer timer.Stop()

	results := make([]UnitResult, 0, len(expected))
	for len(remaining) > 0 {
		select {
		case r := <-notify:
			if _, ok := remaining[r.TaskID]; !ok {
				continue // duplicate or stray notification
			}
			delete(remaining, r.TaskID)
			results = append(results, r)
		case <-timer.C:
			return append(results, missing(remaining,
				fmt.Errorf("%w: completion notification not received within %s", model.ErrTimeout, ceiling))...)
		case <-ctx.Done():
			return append(results, missing(remaining,
				fmt.Errorf("%w: %v", model.ErrCancelled, context.Cause(ctx)))...)
		}
	}
	return results
}

func missing(remaining map[uuid.UUID]Expected, err error) []UnitResult {
	out := make([]UnitResult, 0, len(remaining))
	for _, e := range remaining {
		out = append(out, UnitResult{
			TaskID:  e.TaskID,
			Service: e.Service,
			Tools:   e.Tools,
			Err:     err,
		})
	}
	return out
}
