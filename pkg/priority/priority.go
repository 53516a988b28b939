// Package priority classifies pipeline messages into queue lanes.
package priority

// Lane is one of the queue lanes a message can be routed to.
type Lane string

const (
	// LaneSystem is reserved for internally-generated maintenance work.
	// Classification never returns it; internal callers set it explicitly.
	LaneSystem Lane = "system"
	LaneHigh   Lane = "high"
	LaneNormal Lane = "normal"
)

// Lanes lists every lane in consumption order (system drains first).
var Lanes = []Lane{LaneSystem, LaneHigh, LaneNormal}

// IsValid reports whether l is a known lane.
func (l Lane) IsValid() bool {
	switch l {
	case LaneSystem, LaneHigh, LaneNormal:
		return true
	}
	return false
}

// Input carries everything classification looks at.
type Input struct {
	// Onboarding is true for a tenant's first sync
	Onboarding bool
	// DBPriorityOverride is the operator escape hatch persisted on the integration
	DBPriorityOverride *Lane
	// Plan is the tenant's billing plan
	Plan string
}

// Plans that map to the high lane by default.
var paidPlans = map[string]bool{
	"growth":     true,
	"scale":      true,
	"enterprise": true,
}

// Classify maps a message's context to a lane. It is a pure function: identical
// input always yields the identical lane, and an explicit override always wins.
func Classify(in Input) Lane {
	if in.DBPriorityOverride != nil && in.DBPriorityOverride.IsValid() {
		return *in.DBPriorityOverride
	}
	if in.Onboarding {
		return LaneHigh
	}
	if paidPlans[in.Plan] {
		return LaneHigh
	}
	return LaneNormal
}
