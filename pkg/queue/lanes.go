package queue

import (
	"fmt"

	"github.com/Ramsey-B/fern/pkg/priority"
)

// Pipeline stages. Each stage has its own set of priority lanes and its own
// consumer group, so a backlog in one stage never starves another.
const (
	StageRuns       = "runs"
	StageStreams    = "streams"
	StageData       = "data"
	StageWebhooks   = "webhooks"
	StageSearchSync = "search-sync"
)

// LaneStream returns the Redis stream name for a stage and lane
func LaneStream(stage string, lane priority.Lane) string {
	return fmt.Sprintf("fern:%s:%s", stage, lane)
}

// LaneFromStream extracts the lane suffix from a stream name
func LaneFromStream(stream string) string {
	for i := len(stream) - 1; i >= 0; i-- {
		if stream[i] == ':' {
			return stream[i+1:]
		}
	}
	return stream
}

// LaneStreams returns a stage's streams ordered highest priority first
func LaneStreams(stage string) []string {
	streams := make([]string, 0, len(priority.Lanes))
	for _, lane := range priority.Lanes {
		streams = append(streams, LaneStream(stage, lane))
	}
	return streams
}
