package sink

import (
	"bci-flight/control"
	"bci-flight/models"
)

// Sink is the boundary decisions leave the bridge through. Implementations
// must tolerate an unreachable vehicle: sends may fail, the decision core
// never blocks on them.
type Sink interface {
	// SendDecision delivers one discrete command with its provenance.
	SendDecision(decision control.Decision) error
	// SendVelocity delivers one streaming actuation sample.
	SendVelocity(cmd models.VelocityCommand) error
	// SendRotation delivers one discrete heading adjustment.
	SendRotation(cmd control.RotationCommand) error
	Close() error
}
