// Package budget enforces the token and thinking ceilings of one build.
//
// A Ledger belongs to exactly one build session. Every completion call
// reserves its worst case before it is issued and commits the provider's
// reported usage afterwards. Requests that do not fit are rejected, never
// truncated.
package budget

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// WarnThreshold is the projected utilisation above which a reservation
// carries a warning.
const WarnThreshold = 0.8

// ErrBudgetExceeded matches every *ExceededError.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Dimension names one of the two budget ceilings.
type Dimension string

const (
	DimensionTokens   Dimension = "tokens"
	DimensionThinking Dimension = "thinking"
)

// ExceededError is returned when a reservation would pass a ceiling.
type ExceededError struct {
	Stage     string
	Dimension Dimension
	Requested int
	Remaining int
	Ceiling   int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: %s needs %d %s but only %d of %d remain",
		e.Stage, e.Requested, e.Dimension, e.Remaining, e.Ceiling)
}

// Is makes errors.Is(err, ErrBudgetExceeded) hold.
func (e *ExceededError) Is(target error) bool {
	return target == ErrBudgetExceeded
}

// Ceilings are fixed for a session.
type Ceilings struct {
	Tokens   int `json:"tokens"`
	Thinking int `json:"thinking"`
}

// Usage is what a provider reports for one call.
type Usage struct {
	InputTokens    int `json:"input_tokens"`
	OutputTokens   int `json:"output_tokens"`
	ThinkingTokens int `json:"thinking_tokens"`
}

// Tokens is the amount charged against the token ceiling.
func (u Usage) Tokens() int {
	return u.InputTokens + u.OutputTokens
}

// Reservation is a pre-flight hold on the ledger.
type Reservation struct {
	ID         string  `json:"id"`
	Stage      string  `json:"stage"`
	Tokens     int     `json:"tokens"`
	Thinking   int     `json:"thinking"`
	WarningPct float64 `json:"warning_pct,omitempty"` // set when projected use > WarnThreshold
}

// CommitResult reconciles a reservation against actual spend.
type CommitResult struct {
	Stage         string `json:"stage"`
	Reserved      int    `json:"reserved"`
	Actual        int    `json:"actual"`
	Delta         int    `json:"delta"` // reserved - actual; negative means overrun
	ThinkingDelta int    `json:"thinking_delta"`
	Overrun       bool   `json:"overrun"`
}

// StageEntry is the running total for one stage.
type StageEntry struct {
	Stage          string `json:"stage"`
	Calls          int    `json:"calls"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
	ThinkingTokens int    `json:"thinking_tokens"`
	Rejections     int    `json:"rejections"`
}

// Summary is a point-in-time copy of the ledger.
type Summary struct {
	Ceilings          Ceilings     `json:"ceilings"`
	TokensSpent       int          `json:"tokens_spent"`
	ThinkingSpent     int          `json:"thinking_spent"`
	TokensReserved    int          `json:"tokens_reserved"`
	ThinkingReserved  int          `json:"thinking_reserved"`
	TokensRemaining   int          `json:"tokens_remaining"`
	ThinkingRemaining int          `json:"thinking_remaining"`
	Stages            []StageEntry `json:"stages"`
}

// Ledger tracks spend for one session. Safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	ceilings Ceilings
	spent    Usage
	reserved Ceilings
	holds    map[string]*Reservation
	stages   map[string]*StageEntry
	order    func(a, b string) bool
}

// NewLedger creates a ledger with fixed ceilings. order, when non-nil,
// controls the order of Summary().Stages; otherwise stages sort by name.
func NewLedger(ceilings Ceilings, order func(a, b string) bool) (*Ledger, error) {
	if ceilings.Tokens <= 0 {
		return nil, fmt.Errorf("budget: token ceiling must be positive, got %d", ceilings.Tokens)
	}
	if ceilings.Thinking < 0 {
		return nil, fmt.Errorf("budget: thinking ceiling must not be negative, got %d", ceilings.Thinking)
	}
	if order == nil {
		order = func(a, b string) bool { return a < b }
	}
	return &Ledger{
		ceilings: ceilings,
		holds:    make(map[string]*Reservation),
		stages:   make(map[string]*StageEntry),
		order:    order,
	}, nil
}

// Ceilings returns the session's fixed ceilings.
func (l *Ledger) Ceilings() Ceilings {
	return l.ceilings
}

// Remaining returns the unreserved, unspent budget.
func (l *Ledger) Remaining() (tokens, thinking int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked()
}

func (l *Ledger) remainingLocked() (int, int) {
	tokens := l.ceilings.Tokens - l.spent.Tokens() - l.reserved.Tokens
	thinking := l.ceilings.Thinking - l.spent.ThinkingTokens - l.reserved.Thinking
	if tokens < 0 {
		tokens = 0
	}
	if thinking < 0 {
		thinking = 0
	}
	return tokens, thinking
}

// Reserve places a hold for a call that may consume up to tokens and
// thinking units. It fails with *ExceededError when either would pass its
// ceiling; nothing is held in that case.
func (l *Ledger) Reserve(stage string, tokens, thinking int) (*Reservation, error) {
	if tokens <= 0 {
		return nil, fmt.Errorf("budget: reservation for %s must request tokens, got %d", stage, tokens)
	}
	if thinking < 0 {
		return nil, fmt.Errorf("budget: negative thinking reservation for %s", stage)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	remTokens, remThinking := l.remainingLocked()
	if tokens > remTokens {
		l.entryLocked(stage).Rejections++
		return nil, &ExceededError{Stage: stage, Dimension: DimensionTokens, Requested: tokens, Remaining: remTokens, Ceiling: l.ceilings.Tokens}
	}
	if thinking > remThinking {
		l.entryLocked(stage).Rejections++
		return nil, &ExceededError{Stage: stage, Dimension: DimensionThinking, Requested: thinking, Remaining: remThinking, Ceiling: l.ceilings.Thinking}
	}

	res := &Reservation{
		ID:       uuid.New().String(),
		Stage:    stage,
		Tokens:   tokens,
		Thinking: thinking,
	}
	l.reserved.Tokens += tokens
	l.reserved.Thinking += thinking
	l.holds[res.ID] = res

	projected := float64(l.ceilings.Tokens-remTokens+tokens) / float64(l.ceilings.Tokens)
	if projected > WarnThreshold {
		res.WarningPct = projected
	}
	if l.ceilings.Thinking > 0 {
		pt := float64(l.ceilings.Thinking-remThinking+thinking) / float64(l.ceilings.Thinking)
		if pt > WarnThreshold && pt > res.WarningPct {
			res.WarningPct = pt
		}
	}
	return res, nil
}

// Commit releases a hold and records the actual usage against its stage.
func (l *Ledger) Commit(res *Reservation, usage Usage) (CommitResult, error) {
	if res == nil {
		return CommitResult{}, errors.New("budget: commit of nil reservation")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.holds[res.ID]; !ok {
		return CommitResult{}, fmt.Errorf("budget: reservation %s is not held", res.ID)
	}
	l.releaseLocked(res)

	l.spent.InputTokens += usage.InputTokens
	l.spent.OutputTokens += usage.OutputTokens
	l.spent.ThinkingTokens += usage.ThinkingTokens

	entry := l.entryLocked(res.Stage)
	entry.Calls++
	entry.InputTokens += usage.InputTokens
	entry.OutputTokens += usage.OutputTokens
	entry.ThinkingTokens += usage.ThinkingTokens

	result := CommitResult{
		Stage:         res.Stage,
		Reserved:      res.Tokens,
		Actual:        usage.Tokens(),
		Delta:         res.Tokens - usage.Tokens(),
		ThinkingDelta: res.Thinking - usage.ThinkingTokens,
	}
	result.Overrun = result.Delta < 0 || result.ThinkingDelta < 0
	return result, nil
}

// Release drops a hold whose call never produced usage.
func (l *Ledger) Release(res *Reservation) {
	if res == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.holds[res.ID]; ok {
		l.releaseLocked(res)
	}
}

func (l *Ledger) releaseLocked(res *Reservation) {
	delete(l.holds, res.ID)
	l.reserved.Tokens -= res.Tokens
	l.reserved.Thinking -= res.Thinking
}

func (l *Ledger) entryLocked(stage string) *StageEntry {
	entry, ok := l.stages[stage]
	if !ok {
		entry = &StageEntry{Stage: stage}
		l.stages[stage] = entry
	}
	return entry
}

// Summary returns a consistent copy of the ledger state.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	remTokens, remThinking := l.remainingLocked()
	s := Summary{
		Ceilings:          l.ceilings,
		TokensSpent:       l.spent.Tokens(),
		ThinkingSpent:     l.spent.ThinkingTokens,
		TokensReserved:    l.reserved.Tokens,
		ThinkingReserved:  l.reserved.Thinking,
		TokensRemaining:   remTokens,
		ThinkingRemaining: remThinking,
		Stages:            make([]StageEntry, 0, len(l.stages)),
	}
	for _, entry := range l.stages {
		s.Stages = append(s.Stages, *entry)
	}
	sort.SliceStable(s.Stages, func(i, j int) bool { return l.order(s.Stages[i].Stage, s.Stages[j].Stage) })
	return s
}
