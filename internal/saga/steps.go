package saga

import "context"

// Step outcomes recorded in the step log.
const (
	StepStarted     = "started"
	StepDecided     = "decided"
	StepUndecided   = "undecided"
	StepFailed      = "failed"
	StepCompensated = "compensated"
	StepCommitted   = "committed"
)

// StepLog records saga steps for audit and manual recovery.
type StepLog interface {
	AddStep(ctx context.Context, orderID, step, status, detail string) error
}

// NopStepLog discards steps.
type NopStepLog struct{}

func (NopStepLog) AddStep(context.Context, string, string, string, string) error { return nil }
