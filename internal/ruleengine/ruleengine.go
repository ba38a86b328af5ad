// Package ruleengine implements the Rule Engine (spec.md §4.H): a
// fixed-capacity rule store, condition evaluator and evaluation
// scheduler. It is grounded on lib/watcherjob's periodic-loop idiom for
// the evaluation scheduler and event-handler/state.go's diskv-backed
// persistence idiom, factored through the shared Persistence Arbiter.
package ruleengine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tianshan-edge/sentryd/internal/action"
	"github.com/tianshan-edge/sentryd/internal/coreerr"
	"github.com/tianshan-edge/sentryd/internal/history"
	"github.com/tianshan-edge/sentryd/internal/persistence"
	"github.com/tianshan-edge/sentryd/internal/value"
	"github.com/tianshan-edge/sentryd/lib/job"
	"github.com/tianshan-edge/sentryd/lib/logger"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// MaxRules is the default fixed rule-store capacity, per spec.md §6.
const MaxRules = 32

// DeferredLoadDelay is the default wait before the deferred-load worker
// reads persisted rules, per spec.md §6 (deferred_load_delay_ms).
const DeferredLoadDelay = 3 * time.Second

// Rule is one automation rule, per spec.md §3.
type Rule struct {
	ID            string
	Name          string
	Icon          string
	Enabled       bool
	ManualTrigger bool
	CooldownMS    uint32
	Conditions    action.ConditionGroup
	Actions       []action.Action
	LastTriggerMS int64
	TriggerCount  uint64
}

func (r Rule) clone() Rule {
	out := r
	out.Conditions = r.Conditions.Clone()
	out.Actions = action.CloneActions(r.Actions)
	return out
}

// ruleJSON is the stable persisted wire shape, per spec.md §6.
type ruleJSON struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	Icon          string                `json:"icon,omitempty"`
	Enabled       bool                  `json:"enabled"`
	ManualTrigger bool                  `json:"manual_trigger"`
	CooldownMS    uint32                `json:"cooldown_ms"`
	Conditions    action.ConditionGroup `json:"conditions"`
	Actions       []action.Action       `json:"actions"`
}

func toWire(r Rule) ruleJSON {
	return ruleJSON{
		ID: r.ID, Name: r.Name, Icon: r.Icon, Enabled: r.Enabled,
		ManualTrigger: r.ManualTrigger, CooldownMS: r.CooldownMS,
		Conditions: r.Conditions, Actions: r.Actions,
	}
}

func fromWire(w ruleJSON) Rule {
	return Rule{
		ID: w.ID, Name: w.Name, Icon: w.Icon, Enabled: w.Enabled,
		ManualTrigger: w.ManualTrigger, CooldownMS: w.CooldownMS,
		Conditions: w.Conditions, Actions: w.Actions,
	}
}

// Stats aggregates engine-wide counters, per spec.md §4.H.
type Stats struct {
	TotalTriggers uint64
	TotalActions  uint64
	FailedActions uint64
}

// VariableGetter is the read surface the condition evaluator needs from
// the Variable Store.
type VariableGetter interface {
	Get(name string) (value.Value, error)
}

// ActionExecutor dispatches a rule's action list, per spec.md §4.I.
type ActionExecutor interface {
	ExecuteArray(ctx context.Context, actions []action.Action) (success, failed int)
}

type cacheKey struct {
	ruleID string
	idx    int
}

// EvalOutcome reports the result of evaluating one rule.
type EvalOutcome struct {
	Triggered bool
	Status    history.Status
	RecordID  string
}

// Engine owns the fixed-capacity rule store and drives evaluation.
type Engine struct {
	mu    sync.Mutex
	rules [MaxRules]*Rule
	count int

	varStore VariableGetter
	executor ActionExecutor
	history  *history.Ring
	arbiter  *persistence.Arbiter
	clock    clockwork.Clock

	cache map[cacheKey]value.Value
	stats Stats
}

// New constructs an Engine with an empty rule store.
func New(varStore VariableGetter, executor ActionExecutor, hist *history.Ring, arbiter *persistence.Arbiter, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		varStore: varStore,
		executor: executor,
		history:  hist,
		arbiter:  arbiter,
		clock:    clock,
		cache:    make(map[cacheKey]value.Value),
	}
}

func (e *Engine) findLocked(id string) (int, *Rule) {
	for i := 0; i < e.count; i++ {
		if e.rules[i].ID == id {
			return i, e.rules[i]
		}
	}
	return -1, nil
}

// Register adds r, or replaces the existing rule sharing r.ID. Condition
// and action arrays are deep-copied into store-owned buffers, per
// spec.md §4.H.
func (e *Engine) Register(r Rule) error {
	cloned := r.clone()
	e.mu.Lock()
	defer e.mu.Unlock()

	if idx, existing := e.findLocked(r.ID); existing != nil {
		cloned.LastTriggerMS = existing.LastTriggerMS
		cloned.TriggerCount = existing.TriggerCount
		e.rules[idx] = &cloned
		e.clearCacheLocked(r.ID)
		return nil
	}
	if e.count >= MaxRules {
		return coreerr.New(coreerr.Exhausted, "rule store at capacity (%d)", MaxRules)
	}
	e.rules[e.count] = &cloned
	e.count++
	return nil
}

// Unregister removes id, releasing its condition/action buffers.
func (e *Engine) Unregister(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, existing := e.findLocked(id)
	if existing == nil {
		return coreerr.New(coreerr.NotFound, "rule %q not registered", id)
	}
	copy(e.rules[idx:e.count-1], e.rules[idx+1:e.count])
	e.rules[e.count-1] = nil
	e.count--
	e.clearCacheLocked(id)
	return nil
}

func (e *Engine) clearCacheLocked(ruleID string) {
	for k := range e.cache {
		if k.ruleID == ruleID {
			delete(e.cache, k)
		}
	}
}

// Get returns a copy of rule id.
func (e *Engine) Get(id string) (Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, existing := e.findLocked(id)
	if existing == nil {
		return Rule{}, coreerr.New(coreerr.NotFound, "rule %q not registered", id)
	}
	return existing.clone(), nil
}

// List returns a copy of every registered rule.
func (e *Engine) List() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, e.count)
	for i := 0; i < e.count; i++ {
		out[i] = e.rules[i].clone()
	}
	return out
}

// Stats returns a snapshot of the engine-wide counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// evalCondition looks up c.Variable and compares it against c.Value,
// updating the (ruleID, idx) last-sample cache every call, per
// SPEC_FULL.md §4's resolved changed/changed_to decision.
func (e *Engine) evalCondition(ctx context.Context, ruleID string, idx int, c action.Condition) bool {
	current, err := e.varStore.Get(c.Variable)
	if err != nil {
		logger.Get(ctx).WithField("variable", c.Variable).Warn("condition variable not found")
		return false
	}

	key := cacheKey{ruleID: ruleID, idx: idx}
	e.mu.Lock()
	prior, hadPrior := e.cache[key]
	e.cache[key] = current
	e.mu.Unlock()

	switch c.Operator {
	case action.OpEq:
		return value.Equal(current, c.Value)
	case action.OpNe:
		return !value.Equal(current, c.Value)
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
		default:
			return cmp >= 0
		}
	case action.OpContains:
		return value.Contains(current, c.Value)
	case action.OpChanged:
		return hadPrior && !value.Equal(prior, current)
	case action.OpChangedTo:
		matches := value.Equal(current, c.Value)
		return matches && (!hadPrior || !value.Equal(prior, current))
	default:
		return false
	}
}

// evalGroup short-circuits AND on first false, OR on first true. An
// empty group always evaluates false.
func (e *Engine) evalGroup(ctx context.Context, ruleID string, g action.ConditionGroup) bool {
	if len(g.Items) == 0 {
		return false
	}
	switch g.Logic {
	case action.LogicOR:
		for i, c := range g.Items {
			if e.evalCondition(ctx, ruleID, i, c) {
				return true
			}
		}
		return false
	default: // AND
		for i, c := range g.Items {
			if !e.evalCondition(ctx, ruleID, i, c) {
				return false
			}
		}
		return true
	}
}

// EvaluateAll snapshots the current rule count and evaluates each rule
// in turn, per spec.md §4.H's evaluate_all algorithm.
func (e *Engine) EvaluateAll(ctx context.Context) {
	e.mu.Lock()
	n := e.count
	e.mu.Unlock()

	for i := 0; i < n; i++ {
		e.mu.Lock()
		if i >= e.count {
			e.mu.Unlock()
			break
		}
		id := e.rules[i].ID
		e.mu.Unlock()
		if _, err := e.Evaluate(ctx, id); err != nil {
			logger.Get(ctx).WithError(err).WithField("rule", id).Warn("rule evaluation failed")
		}
	}
}

// Evaluate runs the single-rule evaluation described in spec.md §4.H's
// evaluate(id) steps 1-5.
func (e *Engine) Evaluate(ctx context.Context, id string) (EvalOutcome, error) {
	return e.evaluate(ctx, id, history.SourceCondition)
}

func (e *Engine) evaluate(ctx context.Context, id string, source history.TriggerSource) (EvalOutcome, error) {
	e.mu.Lock()
	_, r := e.findLocked(id)
	if r == nil {
		e.mu.Unlock()
		return EvalOutcome{}, coreerr.New(coreerr.NotFound, "rule %q not registered", id)
	}
	if !r.Enabled {
		e.mu.Unlock()
		return EvalOutcome{Triggered: false}, nil
	}
	now := e.clock.Now().UnixMilli()
	if r.CooldownMS > 0 && now-r.LastTriggerMS < int64(r.CooldownMS) {
		e.mu.Unlock()
		return EvalOutcome{Triggered: false}, nil
	}
	conditions := r.Conditions
	actions := action.CloneActions(r.Actions)
	e.mu.Unlock()

	if source != history.SourceManual && !e.evalGroup(ctx, id, conditions) {
		return EvalOutcome{Triggered: false}, nil
	}

	return e.dispatch(ctx, id, actions, source, now), nil
}

func (e *Engine) dispatch(ctx context.Context, id string, actions []action.Action, source history.TriggerSource, now int64) EvalOutcome {
	recordID := uuid.NewString()
	log := logger.Get(ctx).WithField("record_id", recordID).WithField("rule", id)
	log.Debug("dispatching rule actions")

	success, failed := e.executor.ExecuteArray(ctx, actions)

	status := history.StatusSuccess
	switch {
	case failed > 0 && success == 0:
		status = history.StatusFailed
	case failed > 0:
		status = history.StatusPartial
	}

	e.mu.Lock()
	_, r := e.findLocked(id)
	if r != nil {
		r.LastTriggerMS = now
		r.TriggerCount++
	}
	e.stats.TotalTriggers++
	e.stats.TotalActions += uint64(success + failed)
	e.stats.FailedActions += uint64(failed)
	e.history.Insert(history.Record{
		RecordID: recordID, RuleID: id, TimestampMS: now, Status: status, Source: source,
		ActionCount: success + failed, FailedCount: failed,
	})
	e.mu.Unlock()

	log.WithField("status", status).Debug("rule dispatch complete")
	return EvalOutcome{Triggered: true, Status: status, RecordID: recordID}
}

// Trigger forces dispatch, bypassing conditions and cool-down, with
// trigger source manual, per spec.md §4.H.
func (e *Engine) Trigger(ctx context.Context, id string) (EvalOutcome, error) {
	e.mu.Lock()
	_, r := e.findLocked(id)
	if r == nil {
		e.mu.Unlock()
		return EvalOutcome{}, coreerr.New(coreerr.NotFound, "rule %q not registered", id)
	}
	actions := action.CloneActions(r.Actions)
	e.mu.Unlock()

	now := e.clock.Now().UnixMilli()
	return e.dispatch(ctx, id, actions, history.SourceManual, now), nil
}

// SaveAll persists every registered rule through the Arbiter.
func (e *Engine) SaveAll(ctx context.Context) error {
	rules := e.List()
	for _, r := range rules {
		data, err := json.Marshal(toWire(r))
		if err != nil {
			return coreerr.Wrap(coreerr.Internal, err)
		}
		if err := e.arbiter.Save(ctx, r.ID, data); err != nil {
			return err
		}
	}
	return nil
}

// LoadAll replaces the rule store with the Arbiter's persisted contents,
// honoring its 3-tier load priority, per spec.md §4.H.
func (e *Engine) LoadAll(ctx context.Context) error {
	entries, _, err := e.arbiter.LoadAll(ctx)
	if err != nil {
		return err
	}
	for id, data := range entries {
		var w ruleJSON
		if err := json.Unmarshal(data, &w); err != nil {
			logger.Get(ctx).WithError(err).WithField("rule", id).Warn("failed to decode persisted rule")
			continue
		}
		if err := e.Register(fromWire(w)); err != nil {
			logger.Get(ctx).WithError(err).WithField("rule", id).Warn("failed to register persisted rule")
		}
	}
	return nil
}

// DeferredLoadJob returns a one-shot job that waits delay, then loads
// persisted rules, per spec.md §4.H/§5 ("deferred ~3 seconds ... to let
// storage mount"). Grounded on lib/watcherjob's use of job.Stopped(ctx)
// to make the wait cancellable at shutdown.
func (e *Engine) DeferredLoadJob(delay time.Duration) job.Job {
	return job.FuncJob(func(ctx context.Context) error {
		timer := e.clock.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.Chan():
		case <-job.Stopped(ctx):
			return nil
		}
		return e.LoadAll(ctx)
	})
}

// EvaluationSchedulerJob returns a periodic job that calls EvaluateAll
// every interval until stopped, per spec.md §5's scheduling model.
func (e *Engine) EvaluationSchedulerJob(interval time.Duration) job.Job {
	return job.FuncJob(func(ctx context.Context) error {
		ticker := e.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				e.EvaluateAll(ctx)
			case <-job.Stopped(ctx):
				return nil
			}
		}
	})
}
