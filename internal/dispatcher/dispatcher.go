// Package dispatcher implements the Action Dispatcher (spec.md §4.I):
// executes a Rule's action list, resolving template_id delegation,
// per-action repeat/condition policy, and routing SSH-by-id/CLI actions
// through an asynchronous queue. The webhook action is grounded on
// access/webhooks/webhook.go's net/http client, upgraded to go-resty per
// SPEC_FULL.md §3 (the teacher already depends on resty elsewhere, in
// access/discord and access/pagerduty's bot clients); the async queue is
// grounded on lib/job's Spawn-per-task model.
package dispatcher

import (
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	limiter "github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	"github.com/tidwall/gjson"

	"github.com/tianshan-edge/sentryd/internal/action"
	"github.com/tianshan-edge/sentryd/internal/collab"
	"github.com/tianshan-edge/sentryd/internal/coreerr"
	"github.com/tianshan-edge/sentryd/internal/credresolve"
	"github.com/tianshan-edge/sentryd/internal/keystore"
	"github.com/tianshan-edge/sentryd/internal/persistence"
	"github.com/tianshan-edge/sentryd/internal/sshtransport"
	"github.com/tianshan-edge/sentryd/internal/value"
	"github.com/tianshan-edge/sentryd/lib/job"
	"github.com/tianshan-edge/sentryd/lib/logger"
)

// outcome is the per-action result used to aggregate execute_array's
// success/failure counts.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailed
	outcomeSkipped
)

// whileTrueCap bounds execute_with_repeat's while_true loop (spec.md §4.I).
const whileTrueCap = 100

const defaultRepeatCount = 1
const defaultRepeatIntervalMS = 1000

// VariableStore is the slice of variablestore.Store the dispatcher needs:
// reading per-action conditions and SSH credential lookups, writing
// set-variable actions and SSH exit codes.
type VariableStore interface {
	Get(name string) (value.Value, error)
	Set(name string, v value.Value) error
	SetInternal(name string, v value.Value) error
}

// Stats aggregates dispatcher-wide counters across every ExecuteArray call.
type Stats struct {
	TotalActions        uint64
	FailedActions       uint64
	SkippedActions      uint64
	TemplateDelegations uint64
	QueuedActions       uint64
}

// Dispatcher executes Action values. Built once per daemon instance and
// shared by the Rule Engine (via the ruleengine.ActionExecutor interface)
// and any manual "run this action now" CLI path.
type Dispatcher struct {
	varStore VariableStore
	led      collab.LEDDriver
	gpio     collab.GPIODriver
	device   collab.DeviceController
	process  *job.Process
	clock    interface {
		Sleep(d time.Duration)
	}
	http    *resty.Client
	limiter limiter.Store
	arbiter *persistence.Arbiter
	keys    *keystore.Store

	mu        sync.Mutex
	templates map[string]action.Action
	stats     Stats
}

// realClock sleeps for real; tests inject a fake that records durations
// instead of actually blocking.
type realClock struct{}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Config bundles the Dispatcher's external collaborators.
type Config struct {
	VarStore VariableStore
	LED      collab.LEDDriver
	GPIO     collab.GPIODriver
	Device   collab.DeviceController
	Process  *job.Process
	Arbiter  *persistence.Arbiter

	// Keys resolves key_id host entries to private-key bytes for
	// ssh_inline actions (spec.md §4.A/I). Nil means key-based auth is
	// unavailable and ssh_inline falls back to password auth only.
	Keys *keystore.Store

	// HTTPClient overrides the resty client used for webhook actions; nil
	// builds a default one.
	HTTPClient *resty.Client

	// RateLimitTokens/RateLimitInterval bound outbound webhook/SSH-by-id
	// dispatch rate, guarding against a runaway while_true repeat hammering
	// an endpoint (SPEC_FULL.md §3). Zero disables rate limiting.
	RateLimitTokens   uint64
	RateLimitInterval time.Duration
}

const defaultWebhookTimeout = 10 * time.Second

func New(cfg Config) (*Dispatcher, error) {
	d := &Dispatcher{
		varStore:  cfg.VarStore,
		led:       cfg.LED,
		gpio:      cfg.GPIO,
		device:    cfg.Device,
		process:   cfg.Process,
		arbiter:   cfg.Arbiter,
		keys:      cfg.Keys,
		clock:     realClock{},
		templates: make(map[string]action.Action),
	}

	if cfg.HTTPClient != nil {
		d.http = cfg.HTTPClient
	} else {
		d.http = resty.New().
			SetTimeout(defaultWebhookTimeout).
			SetHeader("Content-Type", "application/json")
	}

	if cfg.RateLimitTokens > 0 {
		store, err := memorystore.New(&memorystore.Config{
			Tokens:   cfg.RateLimitTokens,
			Interval: cfg.RateLimitInterval,
		})
		if err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, err)
		}
		d.limiter = store
	}

	return d, nil
}

// Stats returns a snapshot of the dispatcher's running counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// --- Action templates (SPEC_FULL.md §4 supplemented feature) ---

// RegisterTemplate stores a by-id reusable action body.
func (d *Dispatcher) RegisterTemplate(id string, a action.Action) error {
	if id == "" {
		return coreerr.New(coreerr.InvalidArgument, "template id must not be empty")
	}
	d.mu.Lock()
	d.templates[id] = a.Clone()
	d.mu.Unlock()
	return nil
}

// GetTemplate returns a registered template's body.
func (d *Dispatcher) GetTemplate(id string) (action.Action, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.templates[id]
	if !ok {
		return action.Action{}, coreerr.New(coreerr.NotFound, "action template %q not registered", id)
	}
	return a.Clone(), nil
}

// DeleteTemplate removes a registered template.
func (d *Dispatcher) DeleteTemplate(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.templates[id]; !ok {
		return coreerr.New(coreerr.NotFound, "action template %q not registered", id)
	}
	delete(d.templates, id)
	return nil
}

// ListTemplates returns every registered template id.
func (d *Dispatcher) ListTemplates() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.templates))
	for id := range d.templates {
		out = append(out, id)
	}
	return out
}

// SaveTemplates persists every registered template through the Arbiter.
func (d *Dispatcher) SaveTemplates(ctx context.Context) error {
	d.mu.Lock()
	snapshot := make(map[string]action.Action, len(d.templates))
	for id, a := range d.templates {
		snapshot[id] = a
	}
	d.mu.Unlock()

	for id, a := range snapshot {
		data, err := json.Marshal(a)
		if err != nil {
			return coreerr.Wrap(coreerr.ParseError, err)
		}
		if err := d.arbiter.Save(ctx, id, data); err != nil {
			return err
		}
	}
	return nil
}

// LoadTemplates loads every persisted template through the Arbiter.
func (d *Dispatcher) LoadTemplates(ctx context.Context) error {
	entries, _, err := d.arbiter.LoadAll(ctx)
	if err != nil {
		return err
	}
	for id, data := range entries {
		var a action.Action
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		if err := d.RegisterTemplate(id, a); err != nil {
			return err
		}
	}
	return nil
}

// --- execution ---

// ExecuteArray implements ruleengine.ActionExecutor: runs actions in
// order, honoring delay_ms and a post-delay after LED matrix actions, and
// returns aggregated success/failure counts (skipped actions count as
// neither), per spec.md §4.I.
func (d *Dispatcher) ExecuteArray(ctx context.Context, actions []action.Action) (success, failed int) {
	for _, a := range actions {
		if a.DelayMS > 0 {
			d.clock.Sleep(time.Duration(a.DelayMS) * time.Millisecond)
		}

		switch d.executeWithRepeat(ctx, a) {
		case outcomeSuccess:
			success++
		case outcomeFailed:
			failed++
		case outcomeSkipped:
			d.mu.Lock()
			d.stats.SkippedActions++
			d.mu.Unlock()
		}

		if delay := ledMatrixPostDelay(a); delay > 0 {
			d.clock.Sleep(delay)
		}
	}
	return success, failed
}

// ledMatrixPostDelay returns the settle delay injected after an LED action
// targeting a matrix device, per spec.md §4.I ("20-100ms depending on
// subtype"). Non-LED or non-matrix actions get no post-delay.
func ledMatrixPostDelay(a action.Action) time.Duration {
	if a.Type != action.TypeLED {
		return 0
	}
	switch a.Subtype {
	case "matrix_small":
		return 20 * time.Millisecond
	case "matrix_large":
		return 100 * time.Millisecond
	case "matrix":
		return 50 * time.Millisecond
	default:
		return 0
	}
}

// executeWithRepeat applies per-action condition gating and repeat policy
// around execute, per spec.md §4.I.
func (d *Dispatcher) executeWithRepeat(ctx context.Context, a action.Action) outcome {
	if a.Condition != nil && !d.evalActionCondition(*a.Condition) {
		return outcomeSkipped
	}

	switch a.Repeat {
	case action.RepeatCount:
		count := a.RepeatCount
		if count <= 0 {
			count = defaultRepeatCount
		}
		interval := a.RepeatIntervalMS
		if interval <= 0 {
			interval = defaultRepeatIntervalMS
		}
		last := outcomeSuccess
		for i := 0; i < count; i++ {
			if i > 0 {
				if a.Condition != nil && !d.evalActionCondition(*a.Condition) {
					break
				}
				d.clock.Sleep(time.Duration(interval) * time.Millisecond)
			}
			last = d.execute(ctx, a)
		}
		return last

	case action.RepeatWhileTrue:
		if a.Condition == nil {
			return d.execute(ctx, a)
		}
		last := outcomeSkipped
		for i := 0; i < whileTrueCap; i++ {
			if !d.evalActionCondition(*a.Condition) {
				break
			}
			last = d.execute(ctx, a)
			interval := a.RepeatIntervalMS
			if interval <= 0 {
				interval = defaultRepeatIntervalMS
			}
			d.clock.Sleep(time.Duration(interval) * time.Millisecond)
		}
		return last

	default: // action.RepeatOnce and unset
		return d.execute(ctx, a)
	}
}

// evalActionCondition evaluates a per-action Condition. Unlike the Rule
// Engine's condition group, a per-action condition has no changed/
// changed_to sample history to consult; those operators always evaluate
// false here.
func (d *Dispatcher) evalActionCondition(c action.Condition) bool {
	current, err := d.varStore.Get(c.Variable)
	if err != nil {
		return false
	}
	switch c.Operator {
	case action.OpEq:
		return value.Equal(current, c.Value)
	case action.OpNe:
		return !value.Equal(current, c.Value)
	case action.OpContains:
		return value.Contains(current, c.Value)
	case action.OpLt, action.OpLe, action.OpGt, action.OpGe:
		cmp, err := value.Compare(current, c.Value)
		if err != nil {
			return false
		}
		switch c.Operator {
		case action.OpLt:
			return cmp < 0
		case action.OpLe:
			return cmp <= 0
		case action.OpGt:
			return cmp > 0
		case action.OpGe:
			return cmp >= 0
		}
	}
	return false
}

// execute runs one action, delegating to its template when TemplateID is
// set, otherwise dispatching by Type, per spec.md §4.I.
func (d *Dispatcher) execute(ctx context.Context, a action.Action) outcome {
	d.mu.Lock()
	d.stats.TotalActions++
	d.mu.Unlock()

	if a.TemplateID != "" {
		tmpl, err := d.GetTemplate(a.TemplateID)
		if err != nil {
			d.recordFailure()
			return outcomeFailed
		}
		d.mu.Lock()
		d.stats.TemplateDelegations++
		d.mu.Unlock()
		return d.execute(ctx, tmpl)
	}

	var err error
	switch a.Type {
	case action.TypeLED:
		err = d.execLED(ctx, a)
	case action.TypeGPIO:
		err = d.execGPIO(ctx, a)
	case action.TypeDeviceCtrl:
		err = d.execDeviceCtrl(ctx, a)
	case action.TypeWebhook:
		err = d.execWebhook(ctx, a)
	case action.TypeLog:
		err = d.execLog(ctx, a)
	case action.TypeSetVar:
		err = d.execSetVar(ctx, a)
	case action.TypeSSHInline:
		err = d.execSSHInline(ctx, a)
	case action.TypeSSHCmdRef:
		d.queueSSHByID(a)
		return outcomeSuccess
	case action.TypeCLI:
		d.queueCLI(a)
		return outcomeSuccess
	default:
		err = coreerr.New(coreerr.Unsupported, "unknown action type %q", a.Type)
	}

	if err != nil {
		logger.Get(ctx).WithError(err).WithField("type", a.Type).Warn("action execution failed")
		d.recordFailure()
		return outcomeFailed
	}
	return outcomeSuccess
}

func (d *Dispatcher) recordFailure() {
	d.mu.Lock()
	d.stats.FailedActions++
	d.mu.Unlock()
}

func (d *Dispatcher) execLED(ctx context.Context, a action.Action) error {
	if d.led == nil {
		return coreerr.New(coreerr.Unsupported, "no LED driver configured")
	}
	return d.led.SetPixel(ctx, a.DeviceAlias, a.Pixel, a.R, a.G, a.B, a.Effect, a.DurationMS)
}

func (d *Dispatcher) execGPIO(ctx context.Context, a action.Action) error {
	if d.gpio == nil {
		return coreerr.New(coreerr.Unsupported, "no GPIO driver configured")
	}
	return d.gpio.SetLevel(ctx, a.Pin, a.GPIOLevel, a.PulseWidthMS)
}

func (d *Dispatcher) execDeviceCtrl(ctx context.Context, a action.Action) error {
	if d.device == nil {
		return coreerr.New(coreerr.Unsupported, "no device controller configured")
	}
	return d.device.Control(ctx, a.DeviceAlias, string(a.Verb))
}

func (d *Dispatcher) execLog(ctx context.Context, a action.Action) error {
	log := logger.Get(ctx)
	switch a.LogLevel {
	case "warn", "warning":
		log.Warn(a.Message)
	case "error":
		log.Error(a.Message)
	case "debug":
		log.Debug(a.Message)
	default:
		log.Info(a.Message)
	}
	return nil
}

func (d *Dispatcher) execSetVar(ctx context.Context, a action.Action) error {
	return d.varStore.Set(a.TargetName, a.TargetValue)
}

func (d *Dispatcher) execWebhook(ctx context.Context, a action.Action) error {
	if d.limiter != nil {
		if _, _, _, ok, err := d.limiter.Take(ctx, "webhook:"+a.URL); err == nil && !ok {
			return coreerr.New(coreerr.Exhausted, "webhook rate limit exceeded for %s", a.URL)
		}
	}

	req := d.http.NewRequest().SetContext(ctx).SetBody(a.Body)
	var resp *resty.Response
	var err error
	switch a.Method {
	case "GET":
		resp, err = req.Get(a.URL)
	case "PUT":
		resp, err = req.Put(a.URL)
	default:
		resp, err = req.Post(a.URL)
	}
	if err != nil {
		return coreerr.Wrap(coreerr.IOError, err)
	}
	if resp.IsError() {
		return coreerr.New(coreerr.IOError, "webhook returned status %d", resp.StatusCode())
	}

	if a.ResponsePath != "" && a.CaptureVariable != "" {
		field := gjson.GetBytes(resp.Body(), a.ResponsePath)
		if field.Exists() {
			return d.varStore.Set(a.CaptureVariable, value.FromRaw(field.Value()))
		}
	}
	return nil
}

// execSSHInline resolves credentials, connects, executes, and writes the
// exit code back to the Variable Store, per spec.md §4.I. When the
// resolved host entry names a key_id, the private-key bytes are loaded
// from the Key Store and zeroed in the caller's buffer once the
// handshake is done with them, per spec.md §4.A's invariant.
func (d *Dispatcher) execSSHInline(ctx context.Context, a action.Action) error {
	cfg := credresolve.Resolve(d.varStore.(credresolve.VariableGetter), a.HostRef)

	sessCfg := sshtransport.Config{
		Host:     cfg.IP,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
	}
	if a.TimeoutMS > 0 {
		sessCfg.ConnectTimeout = time.Duration(a.TimeoutMS) * time.Millisecond
	}

	var keyPEM []byte
	if d.keys != nil {
		var err error
		keyPEM, err = credresolve.ResolvePrivateKey(d.keys, cfg)
		if err != nil {
			return coreerr.Wrap(coreerr.AuthFailed, err)
		}
	}
	if keyPEM != nil {
		sessCfg.PrivateKeyPEM = keyPEM
		defer keystore.Zero(keyPEM)
	}

	sess := sshtransport.NewSession(sessCfg)

	execCtx := ctx
	var cancel context.CancelFunc
	if a.TimeoutMS > 0 {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(a.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	if err := sess.Connect(execCtx); err != nil {
		return err
	}
	defer sess.Disconnect()

	result, err := sess.Exec(execCtx, a.Command)
	if err != nil {
		return err
	}

	exitVar := "ssh." + a.HostRef + ".exit_code"
	if setErr := d.varStore.SetInternal(exitVar, value.FromInt(int32(result.ExitCode))); setErr != nil {
		logger.Get(ctx).WithError(setErr).Warn("failed to write back ssh exit code")
	}
	if result.ExitCode != 0 {
		return coreerr.New(coreerr.Internal, "ssh command exited %d", result.ExitCode)
	}
	return nil
}

// queueSSHByID resolves CommandID to a registered ssh_inline template and
// spawns its execution asynchronously, per spec.md §4.I ("executed via
// queue" to avoid stack exhaustion on the calling task).
func (d *Dispatcher) queueSSHByID(a action.Action) {
	d.mu.Lock()
	d.stats.QueuedActions++
	d.mu.Unlock()

	if d.process == nil {
		return
	}
	d.process.SpawnFunc(func(ctx context.Context) error {
		if d.limiter != nil {
			if _, _, _, ok, err := d.limiter.Take(ctx, "ssh_cmd_ref:"+a.CommandID); err == nil && !ok {
				logger.Get(ctx).WithField("command_id", a.CommandID).Warn("ssh_cmd_ref rate limit exceeded")
				d.recordFailure()
				return nil
			}
		}
		tmpl, err := d.GetTemplate(a.CommandID)
		if err != nil {
			d.recordFailure()
			return nil
		}
		if tmpl.Type != action.TypeSSHInline {
			d.recordFailure()
			return nil
		}
		if err := d.execSSHInline(ctx, tmpl); err != nil {
			d.recordFailure()
		}
		return nil
	})
}

// queueCLI runs a local command asynchronously, capturing combined output
// into CaptureVariable when set.
func (d *Dispatcher) queueCLI(a action.Action) {
	d.mu.Lock()
	d.stats.QueuedActions++
	d.mu.Unlock()

	if d.process == nil {
		return
	}
	d.process.SpawnFunc(func(ctx context.Context) error {
		runCtx := ctx
		var cancel context.CancelFunc
		if a.TimeoutMS > 0 {
			runCtx, cancel = context.WithTimeout(ctx, time.Duration(a.TimeoutMS)*time.Millisecond)
			defer cancel()
		}
		cmd := exec.CommandContext(runCtx, "sh", "-c", a.CLICommand)
		out, err := cmd.CombinedOutput()
		if a.CaptureVariable != "" {
			if setErr := d.varStore.Set(a.CaptureVariable, value.FromString(string(out))); setErr != nil {
				logger.Get(ctx).WithError(setErr).Warn("failed to capture cli output")
			}
		}
		if err != nil {
			d.recordFailure()
		}
		return nil
	})
}
