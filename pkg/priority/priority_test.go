package priority_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/fern/pkg/priority"
)

func lanePtr(l priority.Lane) *priority.Lane {
	return &l
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   priority.Input
		want priority.Lane
	}{
		{
			name: "free plan defaults to normal",
			in:   priority.Input{Plan: "free"},
			want: priority.LaneNormal,
		},
		{
			name: "empty plan defaults to normal",
			in:   priority.Input{},
			want: priority.LaneNormal,
		},
		{
			name: "onboarding goes high",
			in:   priority.Input{Onboarding: true, Plan: "free"},
			want: priority.LaneHigh,
		},
		{
			name: "growth plan goes high",
			in:   priority.Input{Plan: "growth"},
			want: priority.LaneHigh,
		},
		{
			name: "scale plan goes high",
			in:   priority.Input{Plan: "scale"},
			want: priority.LaneHigh,
		},
		{
			name: "enterprise plan goes high",
			in:   priority.Input{Plan: "enterprise"},
			want: priority.LaneHigh,
		},
		{
			name: "override beats plan",
			in:   priority.Input{Plan: "enterprise", DBPriorityOverride: lanePtr(priority.LaneNormal)},
			want: priority.LaneNormal,
		},
		{
			name: "override beats onboarding",
			in:   priority.Input{Onboarding: true, DBPriorityOverride: lanePtr(priority.LaneNormal)},
			want: priority.LaneNormal,
		},
		{
			name: "invalid override is ignored",
			in:   priority.Input{Plan: "growth", DBPriorityOverride: lanePtr(priority.Lane("urgent"))},
			want: priority.LaneHigh,
		},
		{
			name: "system override is honored",
			in:   priority.Input{DBPriorityOverride: lanePtr(priority.LaneSystem)},
			want: priority.LaneSystem,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, priority.Classify(tt.in))
		})
	}
}

func TestClassify_Pure(t *testing.T) {
	// Identical input must always yield the identical lane
	in := priority.Input{Onboarding: true, Plan: "growth"}
	first := priority.Classify(in)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, priority.Classify(in))
	}
}

func TestClassify_NeverReturnsSystem(t *testing.T) {
	// Without an explicit override, classification must never route user
	// traffic onto the maintenance lane.
	plans := []string{"", "free", "growth", "scale", "enterprise", "unknown"}
	for _, plan := range plans {
		for _, onboarding := range []bool{true, false} {
			lane := priority.Classify(priority.Input{Plan: plan, Onboarding: onboarding})
			assert.NotEqual(t, priority.LaneSystem, lane, "plan=%q onboarding=%v", plan, onboarding)
		}
	}
}

func TestLaneIsValid(t *testing.T) {
	assert.True(t, priority.LaneSystem.IsValid())
	assert.True(t, priority.LaneHigh.IsValid())
	assert.True(t, priority.LaneNormal.IsValid())
	assert.False(t, priority.Lane("").IsValid())
	assert.False(t, priority.Lane("urgent").IsValid())
}

func TestLanesOrder(t *testing.T) {
	// Consumption order: system drains before high, high before normal
	assert.Equal(t, []priority.Lane{priority.LaneSystem, priority.LaneHigh, priority.LaneNormal}, priority.Lanes)
}
