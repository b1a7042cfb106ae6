// Package executor defines the pluggable operation that actually performs a
// LinkedIn action. Exactly one implementation is selected per deployment:
// the stored-session client here, or the extension poll protocol served by
// the API (in which case no executor runs in-process).
package executor

import (
	"context"

	"linkflow/internal/domain"
)

// Executor performs one instruction and reports the outcome. A returned
// error means the attempt itself could not be made (transport failure);
// action-level failure and throttling travel inside the Result.
type Executor interface {
	Execute(ctx context.Context, ins domain.Instruction) (domain.Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, ins domain.Instruction) (domain.Result, error)

func (f Func) Execute(ctx context.Context, ins domain.Instruction) (domain.Result, error) {
	return f(ctx, ins)
}
