package ai

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"antivibe/internal/pricing"
	"antivibe/internal/project"
)

// ReplayClient serves canned responses per stage. Offline builds and tests
// use it in place of a live provider.
//
// Each stage holds a queue of responses; calls pop from the front and the
// last response repeats once the queue is drained. Usage is estimated from
// the prompt and response text.
type ReplayClient struct {
	mu        sync.Mutex
	responses map[project.Stage][]string
	calls     map[project.Stage]int
	prompts   []*Request
	model     string
}

// NewReplayClient returns a client serving the given responses.
func NewReplayClient(responses map[project.Stage][]string) *ReplayClient {
	r := &ReplayClient{
		responses: make(map[project.Stage][]string, len(responses)),
		calls:     make(map[project.Stage]int),
		model:     ProviderReplay,
	}
	for stage, list := range responses {
		r.responses[stage] = append([]string(nil), list...)
	}
	return r
}

// LoadReplayDir reads canned responses from dir. Files are named after the
// lower-case stage (plan.md, schema.md, repair.md), with further responses
// for the same stage as plan.2.md, plan.3.md and so on.
func LoadReplayDir(dir string) (*ReplayClient, error) {
	responses := make(map[project.Stage][]string)
	stages := append(project.Pipeline(), project.StageRepair)
	for _, stage := range stages {
		for n := 1; ; n++ {
			name := stage.Lower() + ".md"
			if n > 1 {
				name = fmt.Sprintf("%s.%d.md", stage.Lower(), n)
			}
			data, err := os.ReadFile(filepath.Join(dir, name))
			if os.IsNotExist(err) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("replay: %w", err)
			}
			responses[stage] = append(responses[stage], string(data))
		}
	}
	if len(responses) == 0 {
		return nil, fmt.Errorf("replay: no stage responses in %s", dir)
	}
	return NewReplayClient(responses), nil
}

// Provider returns the provider identifier
func (r *ReplayClient) Provider() string { return ProviderReplay }

// Model returns the model identifier
func (r *ReplayClient) Model() string { return r.model }

// Complete implements CompletionClient.
func (r *ReplayClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	r.mu.Lock()
	r.prompts = append(r.prompts, &Request{
		Stage:          req.Stage,
		System:         req.System,
		Prompt:         req.Prompt,
		MaxTokens:      req.MaxTokens,
		ThinkingBudget: req.ThinkingBudget,
	})
	queue := r.responses[req.Stage]
	n := r.calls[req.Stage]
	r.calls[req.Stage] = n + 1
	r.mu.Unlock()

	if len(queue) == 0 {
		return nil, NewProviderError(ProviderReplay, ClassBadRequest, 0, fmt.Sprintf("no canned response for stage %s", req.Stage), nil)
	}
	if n >= len(queue) {
		n = len(queue) - 1
	}
	text := queue[n]

	est := pricing.Get()
	out := est.EstimateTextTokens(text)
	if req.MaxTokens > 0 && out > req.MaxTokens {
		out = req.MaxTokens
	}
	stop := "end_turn"
	if strings.TrimSpace(text) == "" {
		stop = "empty"
	}
	return &Response{
		Text: text,
		Usage: Usage{
			InputTokens:  est.EstimateTextTokens(req.System) + est.EstimateTextTokens(req.Prompt),
			OutputTokens: out,
		},
		StopReason: stop,
		Model:      r.model,
		Duration:   time.Since(start),
	}, nil
}

// Calls returns how many times a stage was requested.
func (r *ReplayClient) Calls(stage project.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[stage]
}

// Requests returns a copy of every request served so far, in call order.
func (r *ReplayClient) Requests() []*Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Request(nil), r.prompts...)
}
