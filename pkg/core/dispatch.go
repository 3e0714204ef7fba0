package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/scanner"
)

// ErrActionFailed is reported when the executor returns an unsuccessful outcome.
var ErrActionFailed = errors.New("core: action reported failure")

// DispatchResult is everything that happened to one dispatched action.
type DispatchResult struct {
	Authorization *Authorization              `json:"authorization"`
	Outcome       *contracts.Outcome          `json:"outcome,omitempty"`
	Correction    *contracts.CorrectionResult `json:"correction,omitempty"`
}

// Dispatch authorizes, seals and executes an action. Rejections are values
// in the result. Executor failures, timeouts and cancellations become
// SystemErrors; a failed action is retried through the recovery engine with
// a freshly sealed copy.
func (c *Core) Dispatch(ctx context.Context, req contracts.ActionRequest, sc scanner.ScanContext) (*DispatchResult, error) {
	if c.executor == nil {
		return nil, ErrNoExecutor
	}
	auth, err := c.Authorize(ctx, req, sc)
	if err != nil {
		return nil, err
	}
	res := &DispatchResult{Authorization: auth}
	if !auth.Allowed {
		return res, nil
	}

	out, err := c.execute(ctx, auth.Sealed)
	if err == nil {
		res.Outcome = out
		return res, nil
	}

	c.log.WarnContext(ctx, "action execution failed", "action_id", auth.Sealed.Request.ID, "tool", req.Tool, "error", err)
	var retried *contracts.Outcome
	cr := c.reportCollaboratorFault(ctx, "executor", req.ConflictID, err, func(ctx context.Context) error {
		sealed, err := c.gate.Seal(auth.Sealed.Request)
		if err != nil {
			return err
		}
		o, err := c.execute(ctx, sealed)
		retried = o
		return err
	})
	res.Correction = &cr
	if retried != nil && retried.Success {
		res.Outcome = retried
	} else {
		res.Outcome = out
	}
	return res, nil
}

// execute admits a sealed action and runs it under the executor timeout.
func (c *Core) execute(ctx context.Context, sa *contracts.SignedAction) (*contracts.Outcome, error) {
	if err := c.gate.Admit(ctx, sa); err != nil {
		return nil, err
	}
	ectx, cancel := context.WithTimeout(ctx, c.cfg.ExecutorTimeout)
	defer cancel()
	out, err := c.executor.Execute(ectx, sa)
	if err == nil && ectx.Err() != nil {
		err = ectx.Err()
	}
	if err != nil {
		return out, err
	}
	if out == nil || !out.Success {
		msg := "no outcome"
		if out != nil {
			msg = out.Output
		}
		return out, fmt.Errorf("%w: %s", ErrActionFailed, msg)
	}
	return out, nil
}
