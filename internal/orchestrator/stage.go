package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"antivibe/internal/ai"
	"antivibe/internal/artifact"
	"antivibe/internal/budget"
	"antivibe/internal/project"
	"antivibe/internal/prompt"
	"antivibe/internal/spend"
)

// runStage produces the artifacts of one pipeline stage. ENDPOINTS fans out
// into one sub-generation per feature when FeatureFanout allows it; the
// parts come back in feature order.
func (o *Orchestrator) runStage(ctx context.Context, s *Session, stage project.Stage) ([]*artifact.Artifact, error) {
	req := prompt.Request{Project: s.Config, Stage: stage, Prior: s.prior()}
	s.narrate("stage started", zap.String("stage", string(stage)), zap.String("state", string(StateFor(stage))))

	if stage == project.StageEndpoints && o.opts.FeatureFanout > 1 && len(s.Config.Features) > 1 {
		return o.fanOut(ctx, s, req)
	}
	art, err := o.generate(ctx, s, req, allowance{})
	if err != nil {
		return nil, err
	}
	return []*artifact.Artifact{art}, nil
}

// fanOut runs one focused generation per feature, at most FeatureFanout at
// a time. Each gets an equal share of the budget remaining at the start, so
// concurrent reservations never compete for the same tokens. The first
// failure cancels the rest.
func (o *Orchestrator) fanOut(ctx context.Context, s *Session, req prompt.Request) ([]*artifact.Artifact, error) {
	features := s.Config.Features
	tokens, thinking := s.Ledger.Remaining()
	share := allowance{set: true, tokens: tokens / len(features), thinking: thinking / len(features)}

	parts := make([]*artifact.Artifact, len(features))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.FeatureFanout)
	for i, feature := range features {
		g.Go(func() error {
			sub := req
			sub.Focus = feature
			art, err := o.generate(gctx, s, sub, share)
			if err != nil {
				return err
			}
			parts[i] = art
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}

// generate calls the model and parses the response. An unparseable response
// is re-prompted with a clarification at most ParseRetries times.
func (o *Orchestrator) generate(ctx context.Context, s *Session, req prompt.Request, share allowance) (*artifact.Artifact, error) {
	for attempt := 0; ; attempt++ {
		text, err := o.complete(ctx, s, req, share)
		if err != nil {
			return nil, err
		}
		art, err := o.parser.Parse(req.Stage, text)
		if err == nil {
			return art, nil
		}
		var perr *artifact.ParseError
		if !errors.As(err, &perr) || attempt >= o.opts.ParseRetries {
			return nil, err
		}
		o.metrics.RecordParseRetry(req.Stage.Lower())
		s.logger.Warn("unparseable response, re-prompting with format clarification",
			zap.String("stage", string(req.Stage)),
			zap.String("focus", req.Focus),
			zap.String("reason", perr.Reason),
		)
		req.Clarify = &prompt.Clarification{Reason: perr.Reason, Response: perr.Raw}
	}
}

// complete issues one logical completion: reserve, call, commit. Retryable
// provider failures are retried with backoff, each attempt under a fresh
// reservation.
func (o *Orchestrator) complete(ctx context.Context, s *Session, req prompt.Request, share allowance) (string, error) {
	user, err := o.prompts.Build(req)
	if err != nil {
		return "", err
	}
	system := o.prompts.System(s.Config)
	estimate := o.estimator.EstimateInputTokens(len(system) + len(user))
	label := req.Stage.Lower()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		hold, maxOut, err := s.reserve(req.Stage, estimate, share, o.opts.StageOutputTokens)
		if err != nil {
			var exceeded *budget.ExceededError
			if errors.As(err, &exceeded) {
				o.metrics.RecordBudgetRejection(label, string(exceeded.Dimension))
			}
			s.logger.Warn("call rejected by budget", zap.String("stage", string(req.Stage)), zap.Int("estimate", estimate), zap.Error(err))
			return "", err
		}
		if hold.WarningPct > 0 {
			s.logger.Warn("budget nearly exhausted", zap.String("stage", string(req.Stage)), zap.Float64("projected", hold.WarningPct))
		}
		s.logger.Debug("budget reserved",
			zap.String("stage", string(req.Stage)),
			zap.Int("attempt", attempt),
			zap.Int("estimate", estimate),
			zap.Int("max_output", maxOut),
			zap.Int("thinking", hold.Thinking),
		)

		callCtx, cancel := ai.WithCallTimeout(ctx, o.opts.CallTimeout)
		start := o.now()
		resp, err := o.client.Complete(callCtx, &ai.Request{
			Stage:          req.Stage,
			System:         system,
			Prompt:         user,
			MaxTokens:      maxOut,
			ThinkingBudget: hold.Thinking,
		})
		cancel()
		elapsed := o.now().Sub(start)

		if err != nil {
			s.Ledger.Release(hold)
			o.journal(ctx, s, req.Stage, attempt, hold, ai.Usage{}, elapsed, err)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			var pe *ai.ProviderError
			if !errors.As(err, &pe) || !pe.Retryable || attempt >= o.opts.Retry.MaxAttempts {
				return "", err
			}
			delay := o.opts.Retry.Delay(attempt)
			o.metrics.RecordProviderRetry(pe.Provider, string(pe.Class))
			s.logger.Warn("retrying provider call",
				zap.String("stage", string(req.Stage)),
				zap.Int("attempt", attempt),
				zap.String("class", string(pe.Class)),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			if err := o.sleep(ctx, delay); err != nil {
				return "", err
			}
			continue
		}

		usage := budget.Usage{
			InputTokens:    resp.Usage.InputTokens,
			OutputTokens:   resp.Usage.OutputTokens,
			ThinkingTokens: resp.Usage.ThinkingTokens,
		}
		result, err := s.Ledger.Commit(hold, usage)
		if err != nil {
			return "", err
		}
		if result.Overrun {
			s.logger.Warn("call used more than reserved",
				zap.String("stage", string(req.Stage)),
				zap.Int("reserved", result.Reserved),
				zap.Int("actual", result.Actual),
				zap.Int("thinking_delta", result.ThinkingDelta),
			)
		}
		s.calls.Add(1)
		o.metrics.RecordTokens(label, usage.InputTokens, usage.OutputTokens, usage.ThinkingTokens)
		o.journal(ctx, s, req.Stage, attempt, hold, resp.Usage, elapsed, nil)
		s.narrate("completion received",
			zap.String("stage", string(req.Stage)),
			zap.String("focus", req.Focus),
			zap.Int("input_tokens", usage.InputTokens),
			zap.Int("output_tokens", usage.OutputTokens),
			zap.Int("thinking_tokens", usage.ThinkingTokens),
			zap.Int("unused_reservation", result.Delta),
			zap.String("stop_reason", resp.StopReason),
		)
		return resp.Text, nil
	}
}

// journal records a call in the spend journal. Journal failures are logged;
// they never fail the build.
func (o *Orchestrator) journal(ctx context.Context, s *Session, stage project.Stage, attempt int, hold *budget.Reservation, usage ai.Usage, d time.Duration, callErr error) {
	if o.recorder == nil {
		return
	}
	in := spend.RecordInput{
		BuildID:        s.ID,
		Project:        s.Config.Name,
		Stage:          string(stage),
		Attempt:        attempt,
		Provider:       o.client.Provider(),
		Model:          o.client.Model(),
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		ThinkingTokens: usage.ThinkingTokens,
		ReservedTokens: hold.Tokens,
		Duration:       d,
		Status:         spend.StatusSuccess,
	}
	if callErr != nil {
		in.Status = spend.StatusFailed
		if ctx.Err() != nil || errors.Is(callErr, context.Canceled) {
			in.Status = spend.StatusCancelled
		}
		var pe *ai.ProviderError
		if errors.As(callErr, &pe) {
			in.ErrorClass = string(pe.Class)
		}
	}
	if _, err := o.recorder.Record(context.WithoutCancel(ctx), in); err != nil {
		s.logger.Warn("failed to journal spend", zap.String("stage", string(stage)), zap.Error(err))
	}
}
