package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tianshan-edge/sentryd/internal/action"
	"github.com/tianshan-edge/sentryd/internal/persistence"
	"github.com/tianshan-edge/sentryd/internal/value"
	"github.com/tianshan-edge/sentryd/internal/variablestore"
	"github.com/tianshan-edge/sentryd/lib/job"
	"github.com/tianshan-edge/sentryd/lib/kv"
)

type fakeClock struct {
	mu    sync.Mutex
	total time.Duration
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.total += d
	c.mu.Unlock()
}

type fakeLED struct {
	calls int
}

func (f *fakeLED) SetPixel(ctx context.Context, deviceAlias string, pixel uint8, r, g, b uint8, effect string, durationMS uint32) error {
	f.calls++
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *variablestore.Store, *fakeClock) {
	t.Helper()
	vs := variablestore.New()
	arbiter := persistence.New(kv.Open(t.TempDir()), "tmpl.", "", "templates", "templates.json")
	d, err := New(Config{
		VarStore: vs,
		Process:  job.NewProcess(context.Background()),
		Arbiter:  arbiter,
	})
	require.NoError(t, err)
	clock := &fakeClock{}
	d.clock = clock
	return d, vs, clock
}

func TestExecuteArrayLogAndSetVar(t *testing.T) {
	d, vs, _ := newTestDispatcher(t)
	require.NoError(t, vs.Register("counter", value.Int, value.FromInt(0), "test", false, false))

	actions := []action.Action{
		{Type: action.TypeLog, Message: "hello"},
		{Type: action.TypeSetVar, TargetName: "counter", TargetValue: value.FromInt(42)},
	}
	success, failed := d.ExecuteArray(context.Background(), actions)
	require.Equal(t, 2, success)
	require.Equal(t, 0, failed)

	got, err := vs.GetInt("counter")
	require.NoError(t, err)
	require.Equal(t, int32(42), got)
}

func TestExecuteArrayHonorsDelay(t *testing.T) {
	d, _, clock := newTestDispatcher(t)
	actions := []action.Action{{Type: action.TypeLog, Message: "x", DelayMS: 50}}
	d.ExecuteArray(context.Background(), actions)
	require.Equal(t, 50*time.Millisecond, clock.total)
}

func TestExecuteArrayLEDMatrixPostDelay(t *testing.T) {
	d, _, clock := newTestDispatcher(t)
	led := &fakeLED{}
	d.led = led
	actions := []action.Action{{Type: action.TypeLED, Subtype: "matrix_large", DeviceAlias: "front"}}
	d.ExecuteArray(context.Background(), actions)
	require.Equal(t, 1, led.calls)
	require.Equal(t, 100*time.Millisecond, clock.total)
}

func TestPerActionConditionSkips(t *testing.T) {
	d, vs, _ := newTestDispatcher(t)
	require.NoError(t, vs.Register("armed", value.Bool, value.FromBool(false), "test", false, false))

	cond := action.Condition{Variable: "armed", Operator: action.OpEq, Value: value.FromBool(true)}
	actions := []action.Action{{Type: action.TypeLog, Message: "skip me", Condition: &cond}}
	success, failed := d.ExecuteArray(context.Background(), actions)
	require.Equal(t, 0, success)
	require.Equal(t, 0, failed)
	require.Equal(t, uint64(1), d.Stats().SkippedActions)
}

func TestRepeatCount(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	led := &fakeLED{}
	d.led = led
	actions := []action.Action{{Type: action.TypeLED, DeviceAlias: "a", Repeat: action.RepeatCount, RepeatCount: 3, RepeatIntervalMS: 1}}
	success, _ := d.ExecuteArray(context.Background(), actions)
	require.Equal(t, 1, success)
	require.Equal(t, 3, led.calls)
}

func TestRepeatWhileTrueCapped(t *testing.T) {
	d, vs, _ := newTestDispatcher(t)
	require.NoError(t, vs.Register("running", value.Bool, value.FromBool(true), "test", false, false))
	led := &fakeLED{}
	d.led = led

	cond := action.Condition{Variable: "running", Operator: action.OpEq, Value: value.FromBool(true)}
	actions := []action.Action{{Type: action.TypeLED, DeviceAlias: "a", Repeat: action.RepeatWhileTrue, RepeatIntervalMS: 1, Condition: &cond}}
	d.ExecuteArray(context.Background(), actions)
	require.Equal(t, whileTrueCap, led.calls)
}

func TestTemplateDelegation(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	led := &fakeLED{}
	d.led = led
	require.NoError(t, d.RegisterTemplate("blink-red", action.Action{Type: action.TypeLED, DeviceAlias: "a", R: 255}))

	actions := []action.Action{{TemplateID: "blink-red"}}
	success, failed := d.ExecuteArray(context.Background(), actions)
	require.Equal(t, 1, success)
	require.Equal(t, 0, failed)
	require.Equal(t, 1, led.calls)
	require.Equal(t, uint64(1), d.Stats().TemplateDelegations)
}

func TestUnknownTemplateFails(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	actions := []action.Action{{TemplateID: "missing"}}
	success, failed := d.ExecuteArray(context.Background(), actions)
	require.Equal(t, 0, success)
	require.Equal(t, 1, failed)
}

func TestSaveAndLoadTemplates(t *testing.T) {
	dir := t.TempDir()
	vs := variablestore.New()
	arbiter := persistence.New(kv.Open(dir), "tmpl.", "", "templates", "templates.json")
	d1, err := New(Config{VarStore: vs, Process: job.NewProcess(context.Background()), Arbiter: arbiter})
	require.NoError(t, err)
	require.NoError(t, d1.RegisterTemplate("greet", action.Action{Type: action.TypeLog, Message: "hi"}))
	require.NoError(t, d1.SaveTemplates(context.Background()))

	d2, err := New(Config{VarStore: vs, Process: job.NewProcess(context.Background()), Arbiter: arbiter})
	require.NoError(t, err)
	require.NoError(t, d2.LoadTemplates(context.Background()))
	got, err := d2.GetTemplate("greet")
	require.NoError(t, err)
	require.Equal(t, "hi", got.Message)
}

func TestQueuedCLIActionCapturesOutput(t *testing.T) {
	d, vs, _ := newTestDispatcher(t)
	require.NoError(t, vs.Register("out", value.String, value.FromString(""), "test", false, false))

	actions := []action.Action{{Type: action.TypeCLI, CLICommand: "echo queued", CaptureVariable: "out"}}
	success, failed := d.ExecuteArray(context.Background(), actions)
	require.Equal(t, 1, success)
	require.Equal(t, 0, failed)
	require.Equal(t, uint64(1), d.Stats().QueuedActions)

	require.Eventually(t, func() bool {
		got, err := vs.GetString("out")
		return err == nil && got != ""
	}, time.Second, 10*time.Millisecond)
}
