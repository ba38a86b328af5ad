package ruleengine

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/tianshan-edge/sentryd/internal/action"
	"github.com/tianshan-edge/sentryd/internal/history"
	"github.com/tianshan-edge/sentryd/internal/persistence"
	"github.com/tianshan-edge/sentryd/internal/value"
	"github.com/tianshan-edge/sentryd/internal/variablestore"
	"github.com/tianshan-edge/sentryd/lib/kv"
)

type fakeExecutor struct {
	success, failed int
	calls           [][]action.Action
}

func (f *fakeExecutor) ExecuteArray(ctx context.Context, actions []action.Action) (int, int) {
	f.calls = append(f.calls, actions)
	return f.success, f.failed
}

func newTestEngine(t *testing.T, clock clockwork.Clock) (*Engine, *variablestore.Store, *fakeExecutor) {
	t.Helper()
	vs := variablestore.New()
	exec := &fakeExecutor{success: 1}
	arbiter := persistence.New(kv.Open(t.TempDir()), "rule.", "", "rules", "rules.json")
	e := New(vs, exec, history.New(), arbiter, clock)
	return e, vs, exec
}

func simpleRule(id string, cooldownMS uint32) Rule {
	return Rule{
		ID:      id,
		Name:    "test",
		Enabled: true,
		Conditions: action.ConditionGroup{
			Logic: action.LogicAND,
			Items: []action.Condition{
				{Variable: "temp", Operator: action.OpGt, Value: value.FromInt(75)},
			},
		},
		Actions:    []action.Action{{Type: action.TypeLog, Message: "hot"}},
		CooldownMS: cooldownMS,
	}
}

func TestRegisterEnforcesCapacity(t *testing.T) {
	e, _, _ := newTestEngine(t, clockwork.NewFakeClock())
	for i := 0; i < MaxRules; i++ {
		require.NoError(t, e.Register(simpleRule(string(rune('a'+i)), 0)))
	}
	err := e.Register(simpleRule("overflow", 0))
	require.Error(t, err)
	require.Len(t, e.List(), MaxRules)
}

func TestRegisterUpdatesExisting(t *testing.T) {
	e, _, _ := newTestEngine(t, clockwork.NewFakeClock())
	require.NoError(t, e.Register(simpleRule("r1", 0)))
	updated := simpleRule("r1", 1000)
	updated.Name = "renamed"
	require.NoError(t, e.Register(updated))

	got, err := e.Get("r1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)
	require.Equal(t, uint32(1000), got.CooldownMS)
}

func TestUnregisterRemovesRule(t *testing.T) {
	e, _, _ := newTestEngine(t, clockwork.NewFakeClock())
	require.NoError(t, e.Register(simpleRule("r1", 0)))
	require.NoError(t, e.Unregister("r1"))
	_, err := e.Get("r1")
	require.Error(t, err)
	require.Error(t, e.Unregister("r1"))
}

func TestEmptyConditionGroupNeverTriggers(t *testing.T) {
	e, _, _ := newTestEngine(t, clockwork.NewFakeClock())
	r := simpleRule("r1", 0)
	r.Conditions = action.ConditionGroup{Logic: action.LogicAND}
	require.NoError(t, e.Register(r))
	require.NoError(t, setVar(e, "temp", value.FromInt(100)))

	outcome, err := e.Evaluate(context.Background(), "r1")
	require.NoError(t, err)
	require.False(t, outcome.Triggered)
}

func setVar(e *Engine, name string, v value.Value) error {
	vs := e.varStore.(*variablestore.Store)
	if !vs.Exists(name) {
		return vs.Register(name, v.Type(), v, "test", false, false)
	}
	return vs.Set(name, v)
}

func TestTriggerAndCooldown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e, _, exec := newTestEngine(t, clock)
	exec.success = 1
	require.NoError(t, e.Register(simpleRule("r1", 5000)))
	require.NoError(t, setVar(e, "temp", value.FromInt(80)))

	outcome, err := e.Evaluate(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, outcome.Triggered)
	require.Equal(t, history.StatusSuccess, outcome.Status)

	clock.Advance(1000 * time.Millisecond)
	outcome, err = e.Evaluate(context.Background(), "r1")
	require.NoError(t, err)
	require.False(t, outcome.Triggered)

	clock.Advance(5000 * time.Millisecond)
	outcome, err = e.Evaluate(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, outcome.Triggered)
}

func TestMixedOutcomeIsPartial(t *testing.T) {
	e, _, exec := newTestEngine(t, clockwork.NewFakeClock())
	exec.success = 2
	exec.failed = 1
	require.NoError(t, e.Register(simpleRule("r1", 0)))

	outcome, err := e.Trigger(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, history.StatusPartial, outcome.Status)

	stats := e.Stats()
	require.Equal(t, uint64(1), stats.TotalTriggers)
	require.Equal(t, uint64(3), stats.TotalActions)
	require.Equal(t, uint64(1), stats.FailedActions)
}

func TestTriggerBypassesConditionsAndCooldown(t *testing.T) {
	e, _, _ := newTestEngine(t, clockwork.NewFakeClock())
	r := simpleRule("r1", 60000)
	require.NoError(t, e.Register(r))

	outcome, err := e.Trigger(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, outcome.Triggered)

	outcome, err = e.Trigger(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, outcome.Triggered)
}

func TestMissingVariableIsConditionFalse(t *testing.T) {
	e, _, _ := newTestEngine(t, clockwork.NewFakeClock())
	require.NoError(t, e.Register(simpleRule("r1", 0)))

	outcome, err := e.Evaluate(context.Background(), "r1")
	require.NoError(t, err)
	require.False(t, outcome.Triggered)
}

func TestChangedOperator(t *testing.T) {
	e, _, _ := newTestEngine(t, clockwork.NewFakeClock())
	r := Rule{
		ID: "r1", Enabled: true,
		Conditions: action.ConditionGroup{
			Logic: action.LogicAND,
			Items: []action.Condition{{Variable: "mode", Operator: action.OpChanged}},
		},
		Actions: []action.Action{{Type: action.TypeLog}},
	}
	require.NoError(t, e.Register(r))
	require.NoError(t, setVar(e, "mode", value.FromString("auto")))

	outcome, err := e.Evaluate(context.Background(), "r1")
	require.NoError(t, err)
	require.False(t, outcome.Triggered, "first sample can never report changed")

	require.NoError(t, setVar(e, "mode", value.FromString("manual")))
	outcome, err = e.Evaluate(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, outcome.Triggered)
}

func TestSaveAndLoadAll(t *testing.T) {
	dir := t.TempDir()
	arbiter := persistence.New(kv.Open(dir), "rule.", "", "rules", "rules.json")
	vs := variablestore.New()
	exec := &fakeExecutor{success: 1}
	e := New(vs, exec, history.New(), arbiter, clockwork.NewFakeClock())
	require.NoError(t, e.Register(simpleRule("r1", 1234)))
	require.NoError(t, e.SaveAll(context.Background()))

	e2 := New(vs, exec, history.New(), arbiter, clockwork.NewFakeClock())
	require.NoError(t, e2.LoadAll(context.Background()))
	got, err := e2.Get("r1")
	require.NoError(t, err)
	require.Equal(t, uint32(1234), got.CooldownMS)
}
