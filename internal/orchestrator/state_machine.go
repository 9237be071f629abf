package orchestrator

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"antivibe/internal/project"
)

// --- State & Event Enums ---

// State is one discrete state of a build.
type State string

const (
	StateInit       State = "INIT"
	StatePlanning   State = "PLANNING"
	StateSchemaGen  State = "SCHEMA_GEN"
	StateCodeGen    State = "CODE_GEN"
	StateTestGen    State = "TEST_GEN"
	StateDocsGen    State = "DOCS_GEN"
	StateValidating State = "VALIDATING"
	StateRepairing  State = "REPAIRING"
	StatePublishing State = "PUBLISHING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Event triggers a state transition.
type Event string

const (
	EventStart          Event = "start"
	EventStageComplete  Event = "stage_complete"
	EventValidationPass Event = "validation_pass"
	EventValidationFail Event = "validation_fail"
	EventRepairComplete Event = "repair_complete"
	EventRetryExhausted Event = "retry_exhausted"
	EventPublished      Event = "published"
	EventCancel         Event = "cancel"
	EventFatalError     Event = "fatal_error"
)

// stageStates maps a generation stage to the state that runs it.
var stageStates = map[project.Stage]State{
	project.StagePlan:      StatePlanning,
	project.StageSchema:    StateSchemaGen,
	project.StageEndpoints: StateCodeGen,
	project.StageTests:     StateTestGen,
	project.StageDocs:      StateDocsGen,
	project.StageRepair:    StateRepairing,
}

// StateFor returns the state in which stage runs.
func StateFor(stage project.Stage) State {
	return stageStates[stage]
}

// --- Transition Table ---

type transition struct {
	From  State
	Event Event
	To    State
}

var validTransitions = []transition{
	{StateInit, EventStart, StatePlanning},

	// Generation walks the pipeline unconditionally on success.
	{StatePlanning, EventStageComplete, StateSchemaGen},
	{StateSchemaGen, EventStageComplete, StateCodeGen},
	{StateCodeGen, EventStageComplete, StateTestGen},
	{StateTestGen, EventStageComplete, StateDocsGen},
	{StateDocsGen, EventStageComplete, StateValidating},

	// Validation outcomes
	{StateValidating, EventValidationPass, StatePublishing},
	{StateValidating, EventValidationFail, StateRepairing},
	{StateValidating, EventRetryExhausted, StateFailed},

	// Repair loop
	{StateRepairing, EventRepairComplete, StateValidating},

	{StatePublishing, EventPublished, StateDone},
}

func init() {
	// Cancel and fatal error leave every non-terminal state.
	for _, s := range []State{StateInit, StatePlanning, StateSchemaGen, StateCodeGen, StateTestGen, StateDocsGen, StateValidating, StateRepairing, StatePublishing} {
		validTransitions = append(validTransitions,
			transition{s, EventCancel, StateFailed},
			transition{s, EventFatalError, StateFailed},
		)
	}
}

// Transition is emitted on every state change. Subscribers receive these for
// event streaming; History keeps them for diagnostics.
type Transition struct {
	ID          string    `json:"id"`
	BuildID     string    `json:"build_id"`
	From        State     `json:"from_state"`
	To          State     `json:"to_state"`
	Event       Event     `json:"event"`
	Timestamp   time.Time `json:"timestamp"`
	RepairCount int       `json:"repair_count"`
	Reason      Reason    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	StepID      string    `json:"step_id,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
}

// Snapshot is a point-in-time, JSON-serializable view of a Machine.
type Snapshot struct {
	BuildID     string  `json:"build_id"`
	State       State   `json:"state"`
	Step        int     `json:"step"`
	TotalSteps  int     `json:"total_steps"`
	RepairCount int     `json:"repair_count"`
	MaxRepairs  int     `json:"max_repairs"`
	Progress    float64 `json:"progress"`
	ElapsedMs   int64   `json:"elapsed_ms"`
	Reason      Reason  `json:"reason,omitempty"`
	Error       string  `json:"error,omitempty"`
	Transitions int     `json:"transitions"`
}

// Machine is the build state machine. Safe for concurrent use.
type Machine struct {
	mu sync.RWMutex

	buildID     string
	state       State
	repairCount int
	maxRepairs  int
	step        int
	totalSteps  int
	startTime   time.Time
	lastTransAt time.Time
	reason      Reason
	errorMsg    string
	now         func() time.Time
	logger      *zap.Logger

	subscribers []chan Transition
	history     []Transition
}

// MachineConfig provides initialization parameters.
type MachineConfig struct {
	BuildID    string
	MaxRepairs int // validation failures beyond this escalate to FAILED
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewMachine returns a Machine in INIT.
func NewMachine(cfg MachineConfig) *Machine {
	if cfg.MaxRepairs < 0 {
		cfg.MaxRepairs = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	start := cfg.Now()
	return &Machine{
		buildID:     cfg.BuildID,
		state:       StateInit,
		maxRepairs:  cfg.MaxRepairs,
		totalSteps:  len(project.Pipeline()) + 2, // stages, validation, publish
		startTime:   start,
		lastTransAt: start,
		now:         cfg.Now,
		logger:      cfg.Logger,
		history:     make([]Transition, 0, 16),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// RepairCount returns how many repair cycles were entered.
func (m *Machine) RepairCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.repairCount
}

// Reason returns the failure reason once FAILED.
func (m *Machine) Reason() Reason {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// IsTerminal reports whether the build is DONE or FAILED.
func (m *Machine) IsTerminal() bool {
	return m.State().Terminal()
}

// Fire moves the machine via event and returns the state it landed in.
func (m *Machine) Fire(event Event) (State, error) {
	return m.fire(event, "", "")
}

// Fail moves the machine to FAILED, via cancel when reason is
// ReasonCancelled and via fatal_error otherwise.
func (m *Machine) Fail(reason Reason, cause error) (State, error) {
	event := EventFatalError
	if reason == ReasonCancelled {
		event = EventCancel
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return m.fire(event, reason, msg)
}

func (m *Machine) fire(event Event, reason Reason, errMsg string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	to, ok := lookup(from, event)
	if !ok {
		return from, fmt.Errorf("orchestrator: invalid transition: state=%s event=%s", from, event)
	}

	now := m.now()
	duration := now.Sub(m.lastTransAt).Milliseconds()

	switch event {
	case EventStageComplete:
		m.step++
	case EventValidationPass:
		m.step++
	case EventPublished:
		m.step++
	case EventValidationFail:
		m.repairCount++
		if m.repairCount > m.maxRepairs {
			m.repairCount = m.maxRepairs
			to = StateFailed
			event = EventRetryExhausted
			reason = ReasonValidationExhausted
		}
	}
	if to == StateFailed {
		m.reason = reason
		m.errorMsg = errMsg
	}

	record := Transition{
		ID:          uuid.New().String(),
		BuildID:     m.buildID,
		From:        from,
		To:          to,
		Event:       event,
		Timestamp:   now,
		RepairCount: m.repairCount,
		Reason:      m.reason,
		Error:       m.errorMsg,
		StepID:      fmt.Sprintf("step-%d", m.step),
		DurationMs:  duration,
	}

	m.state = to
	m.lastTransAt = now
	m.history = append(m.history, record)

	for _, ch := range m.subscribers {
		select {
		case ch <- record:
		default:
			// Slow subscribers drop; History has every record.
		}
	}
	if to.Terminal() {
		for _, ch := range m.subscribers {
			close(ch)
		}
		m.subscribers = nil
	}

	m.logger.Debug("build transition",
		zap.String("from", string(from)),
		zap.String("event", string(event)),
		zap.String("to", string(to)),
		zap.Int("step", m.step),
		zap.Int("repairs", m.repairCount),
		zap.Int64("elapsed_ms", duration),
	)
	return to, nil
}

func lookup(from State, event Event) (State, bool) {
	for _, t := range validTransitions {
		if t.From == from && t.Event == event {
			return t.To, true
		}
	}
	return "", false
}

// --- Subscription ---

// Subscribe returns a channel receiving every later Transition. The channel
// is closed when the machine reaches a terminal state; a subscription made
// after that gets an already closed channel.
func (m *Machine) Subscribe(bufferSize int) <-chan Transition {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ch := make(chan Transition, bufferSize)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		close(ch)
		return ch
	}
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (m *Machine) Unsubscribe(sub <-chan Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, ch := range m.subscribers {
		if ch == sub {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// --- History / Serialization ---

// History returns a copy of all transitions.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Snapshot returns the machine's current view.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		BuildID:     m.buildID,
		State:       m.state,
		Step:        m.step,
		TotalSteps:  m.totalSteps,
		RepairCount: m.repairCount,
		MaxRepairs:  m.maxRepairs,
		Progress:    m.progressLocked(),
		ElapsedMs:   m.now().Sub(m.startTime).Milliseconds(),
		Reason:      m.reason,
		Error:       m.errorMsg,
		Transitions: len(m.history),
	}
}

// SnapshotJSON serializes Snapshot.
func (m *Machine) SnapshotJSON() (string, error) {
	data, err := json.Marshal(m.Snapshot())
	if err != nil {
		return "", fmt.Errorf("orchestrator: failed to serialize snapshot: %w", err)
	}
	return string(data), nil
}

// Progress returns completion in [0, 1].
func (m *Machine) Progress() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.progressLocked()
}

func (m *Machine) progressLocked() float64 {
	if m.state == StateDone {
		return 1
	}
	if m.totalSteps <= 0 {
		return 0
	}
	p := float64(m.step) / float64(m.totalSteps)
	if p > 1 {
		p = 1
	}
	return p
}
