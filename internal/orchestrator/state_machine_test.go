package orchestrator

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antivibe/internal/project"
)

func newTestMachine(maxRepairs int) *Machine {
	return NewMachine(MachineConfig{BuildID: "build-1", MaxRepairs: maxRepairs})
}

func walkToValidating(t *testing.T, m *Machine) {
	t.Helper()
	_, err := m.Fire(EventStart)
	require.NoError(t, err)
	for range project.Pipeline() {
		_, err := m.Fire(EventStageComplete)
		require.NoError(t, err)
	}
	require.Equal(t, StateValidating, m.State())
}

func TestMachineHappyPath(t *testing.T) {
	m := newTestMachine(2)
	assert.Equal(t, StateInit, m.State())
	walkToValidating(t, m)

	state, err := m.Fire(EventValidationPass)
	require.NoError(t, err)
	assert.Equal(t, StatePublishing, state)
	state, err = m.Fire(EventPublished)
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
	assert.True(t, m.IsTerminal())
	assert.Equal(t, 1.0, m.Progress())

	var got []State
	for _, tr := range m.History() {
		got = append(got, tr.To)
		assert.Equal(t, "build-1", tr.BuildID)
	}
	assert.Equal(t, []State{StatePlanning, StateSchemaGen, StateCodeGen, StateTestGen, StateDocsGen, StateValidating, StatePublishing, StateDone}, got)
}

func TestMachineStagesMapToStates(t *testing.T) {
	assert.Equal(t, StatePlanning, StateFor(project.StagePlan))
	assert.Equal(t, StateSchemaGen, StateFor(project.StageSchema))
	assert.Equal(t, StateCodeGen, StateFor(project.StageEndpoints))
	assert.Equal(t, StateTestGen, StateFor(project.StageTests))
	assert.Equal(t, StateDocsGen, StateFor(project.StageDocs))
	assert.Equal(t, StateRepairing, StateFor(project.StageRepair))
}

func TestMachineRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Machine)
		event Event
	}{
		{"stage before start", func(*Machine) {}, EventStageComplete},
		{"publish before validation", func(m *Machine) { _, _ = m.Fire(EventStart) }, EventPublished},
		{"repair outside repairing", func(m *Machine) { _, _ = m.Fire(EventStart) }, EventRepairComplete},
		{"start twice", func(m *Machine) { _, _ = m.Fire(EventStart) }, EventStart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine(2)
			tt.setup(m)
			before := m.State()
			_, err := m.Fire(tt.event)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid transition")
			assert.Equal(t, before, m.State())
		})
	}
}

func TestMachineRepairLoopEscalates(t *testing.T) {
	m := newTestMachine(2)
	walkToValidating(t, m)

	for cycle := 1; cycle <= 2; cycle++ {
		state, err := m.Fire(EventValidationFail)
		require.NoError(t, err)
		assert.Equal(t, StateRepairing, state)
		assert.Equal(t, cycle, m.RepairCount())
		state, err = m.Fire(EventRepairComplete)
		require.NoError(t, err)
		assert.Equal(t, StateValidating, state)
	}

	state, err := m.Fire(EventValidationFail)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, 2, m.RepairCount(), "repair count never exceeds the maximum")
	assert.Equal(t, ReasonValidationExhausted, m.Reason())

	h := m.History()
	last := h[len(h)-1]
	assert.Equal(t, EventRetryExhausted, last.Event)
	assert.Equal(t, StateValidating, last.From)
}

func TestMachineZeroRepairsFailsOnFirstViolation(t *testing.T) {
	m := newTestMachine(0)
	walkToValidating(t, m)
	state, err := m.Fire(EventValidationFail)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, 0, m.RepairCount())
}

func TestMachineFail(t *testing.T) {
	m := newTestMachine(2)
	_, err := m.Fire(EventStart)
	require.NoError(t, err)
	_, err = m.Fire(EventStageComplete)
	require.NoError(t, err)

	state, err := m.Fail(ReasonCancelled, errors.New("context canceled"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, ReasonCancelled, m.Reason())

	last := m.History()[len(m.History())-1]
	assert.Equal(t, EventCancel, last.Event)
	assert.Equal(t, StateSchemaGen, last.From)
	assert.Equal(t, "context canceled", last.Error)

	_, err = m.Fail(ReasonProvider, nil)
	assert.Error(t, err, "terminal states have no outgoing transitions")

	m2 := newTestMachine(2)
	_, err = m2.Fail(ReasonConfig, errors.New("bad name"))
	require.NoError(t, err)
	assert.Equal(t, EventFatalError, m2.History()[0].Event)
	assert.Equal(t, StateInit, m2.History()[0].From)
}

func TestMachineSubscribe(t *testing.T) {
	m := newTestMachine(1)
	sub := m.Subscribe(32)

	walkToValidating(t, m)
	_, err := m.Fire(EventValidationPass)
	require.NoError(t, err)
	_, err = m.Fire(EventPublished)
	require.NoError(t, err)

	var events []Event
	for tr := range sub {
		events = append(events, tr.Event)
	}
	assert.Len(t, events, 8)
	assert.Equal(t, EventStart, events[0])
	assert.Equal(t, EventPublished, events[len(events)-1])

	late := m.Subscribe(1)
	_, open := <-late
	assert.False(t, open, "subscribing to a finished machine yields a closed channel")
}

func TestMachineSlowSubscriberDoesNotBlock(t *testing.T) {
	m := newTestMachine(1)
	sub := m.Subscribe(1)
	walkToValidating(t, m)

	first := <-sub
	assert.Equal(t, EventStart, first.Event)
	assert.Len(t, m.History(), 6)

	m.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
}

func TestMachineSnapshot(t *testing.T) {
	m := newTestMachine(2)
	walkToValidating(t, m)
	_, err := m.Fire(EventValidationFail)
	require.NoError(t, err)

	snap := m.Snapshot()
	assert.Equal(t, "build-1", snap.BuildID)
	assert.Equal(t, StateRepairing, snap.State)
	assert.Equal(t, 1, snap.RepairCount)
	assert.Equal(t, 2, snap.MaxRepairs)
	assert.Equal(t, len(project.Pipeline()), snap.Step)
	assert.Equal(t, 7, snap.Transitions)
	assert.Greater(t, snap.Progress, 0.0)
	assert.Less(t, snap.Progress, 1.0)

	raw, err := m.SnapshotJSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, "REPAIRING", decoded["state"])
	assert.EqualValues(t, 1, decoded["repair_count"])
}
