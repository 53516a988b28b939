package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/fern/pkg/priority"
	"github.com/Ramsey-B/fern/pkg/queue"
)

func TestLaneStream(t *testing.T) {
	assert.Equal(t, "fern:streams:high", queue.LaneStream(queue.StageStreams, priority.LaneHigh))
	assert.Equal(t, "fern:runs:system", queue.LaneStream(queue.StageRuns, priority.LaneSystem))
	assert.Equal(t, "fern:webhooks:normal", queue.LaneStream(queue.StageWebhooks, priority.LaneNormal))
}

func TestLaneStreams(t *testing.T) {
	streams := queue.LaneStreams(queue.StageData)
	// Highest priority first so consumers drain system before tenant lanes
	assert.Equal(t, []string{
		"fern:data:system",
		"fern:data:high",
		"fern:data:normal",
	}, streams)
}

func TestLaneFromStream(t *testing.T) {
	assert.Equal(t, "high", queue.LaneFromStream("fern:streams:high"))
	assert.Equal(t, "system", queue.LaneFromStream("fern:runs:system"))
	assert.Equal(t, "nodelimiter", queue.LaneFromStream("nodelimiter"))
}
