package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"antivibe/internal/ai"
	"antivibe/internal/artifact"
	"antivibe/internal/budget"
	"antivibe/internal/project"
	"antivibe/internal/publish"
	"antivibe/internal/validation"
)

// Sentinels for the failure reasons not owned by another package. Provider,
// budget, parse and publish failures match ai.ErrProvider,
// budget.ErrBudgetExceeded, artifact.ErrParse and publish.ErrPublish.
var (
	ErrConfig              = errors.New("invalid configuration")
	ErrValidationExhausted = errors.New("validation repair attempts exhausted")
	ErrCancelled           = errors.New("build cancelled")
)

// Reason is the machine-readable cause of a failed build.
type Reason string

const (
	ReasonConfig              Reason = "config"
	ReasonProvider            Reason = "provider"
	ReasonBudgetExceeded      Reason = "budget_exceeded"
	ReasonParse               Reason = "parse"
	ReasonValidationExhausted Reason = "validation_exhausted"
	ReasonCancelled           Reason = "cancelled"
	ReasonPublish             Reason = "publish"
	ReasonInternal            Reason = "internal"
)

// Sentinel returns the error every failure with this reason matches.
func (r Reason) Sentinel() error {
	switch r {
	case ReasonConfig:
		return ErrConfig
	case ReasonProvider:
		return ai.ErrProvider
	case ReasonBudgetExceeded:
		return budget.ErrBudgetExceeded
	case ReasonParse:
		return artifact.ErrParse
	case ReasonValidationExhausted:
		return ErrValidationExhausted
	case ReasonCancelled:
		return ErrCancelled
	case ReasonPublish:
		return publish.ErrPublish
	default:
		return nil
	}
}

// BuildFailure is the error BuildProject returns. It unwraps to the reason's
// sentinel and to the underlying cause.
type BuildFailure struct {
	BuildID       string             `json:"build_id"`
	Stage         project.Stage      `json:"stage,omitempty"`
	State         State              `json:"state"` // state the build failed in
	Reason        Reason             `json:"reason"`
	RawOutput     string             `json:"raw_output,omitempty"`
	ArtifactCount int                `json:"artifact_count"`
	Report        *validation.Report `json:"report,omitempty"`
	Err           error              `json:"-"`
}

func (f *BuildFailure) Error() string {
	where := string(f.State)
	if f.Stage != "" {
		where = fmt.Sprintf("%s/%s", f.State, f.Stage)
	}
	msg := fmt.Sprintf("build %s failed in %s: %s", f.BuildID, where, f.Reason)
	if f.Reason == ReasonValidationExhausted && f.Report != nil {
		msg += ": " + f.Report.Summary()
	} else if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *BuildFailure) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := f.Reason.Sentinel(); s != nil {
		out = append(out, s)
	}
	if f.Err != nil {
		out = append(out, f.Err)
	}
	return out
}

// classify maps an error from a stage to its failure reason. A done parent
// context always wins, so an aborted call reads as cancelled whatever the
// client returned.
func classify(ctx context.Context, err error) Reason {
	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, budget.ErrBudgetExceeded):
		return ReasonBudgetExceeded
	case errors.Is(err, artifact.ErrParse):
		return ReasonParse
	case errors.Is(err, ai.ErrProvider):
		return ReasonProvider
	case errors.Is(err, publish.ErrPublish):
		return ReasonPublish
	case errors.Is(err, ErrConfig):
		return ReasonConfig
	default:
		return ReasonInternal
	}
}
