package bus

// Quality gate event topics, published by the wave scheduler alongside the
// existing plan.step.* topics.
const (
	TopicGateStarted = "gate.started"
	TopicGatePassed  = "gate.passed"
	TopicGateFailed  = "gate.failed"
)

// GateEvent is published when a quality gate starts, passes, or fails.
type GateEvent struct {
	StoryID   string // Story the gate ran against
	AfterWave int    // Wave number the gate ran after
	Passed    bool   // Only meaningful on gate.passed/gate.failed
}
