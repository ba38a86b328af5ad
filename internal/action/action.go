// Package action defines the Condition/ConditionGroup/Action sum types
// shared by the Rule Engine (internal/ruleengine) and the Action
// Dispatcher (internal/dispatcher), per spec.md §3 and the wire shape
// enumerated in spec.md §6. The tagged union is flattened to a single
// struct with type-specific fields, matching the literal JSON object in
// spec.md §6 rather than a nested per-variant payload.
package action

import "github.com/tianshan-edge/sentryd/internal/value"

// Operator is a Condition comparison, per spec.md §3.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNe        Operator = "ne"
	OpLt        Operator = "lt"
	OpLe        Operator = "le"
	OpGt        Operator = "gt"
	OpGe        Operator = "ge"
	OpContains  Operator = "contains"
	OpChanged   Operator = "changed"
	OpChangedTo Operator = "changed_to"
)

// Condition compares a Variable Store entry against a right-hand Value.
type Condition struct {
	Variable string      `json:"variable"`
	Operator Operator    `json:"operator"`
	Value    value.Value `json:"value"`
}

// Logic joins a ConditionGroup's items.
type Logic string

const (
	LogicAND Logic = "and"
	LogicOR  Logic = "or"
)

// ConditionGroup is an ordered list of Conditions joined by Logic. An
// empty group always evaluates false (manual-only rules), per spec.md §3.
type ConditionGroup struct {
	Logic Logic       `json:"logic"`
	Items []Condition `json:"items"`
}

// Clone deep-copies a ConditionGroup, used by the Rule Engine's
// store-owned-buffer registration (spec.md §4.H).
func (g ConditionGroup) Clone() ConditionGroup {
	items := make([]Condition, len(g.Items))
	copy(items, g.Items)
	return ConditionGroup{Logic: g.Logic, Items: items}
}

// Type discriminates the Action union, per spec.md §3/§6.
type Type string

const (
	TypeLED        Type = "led"
	TypeGPIO       Type = "gpio"
	TypeDeviceCtrl Type = "device_ctrl"
	TypeSSHInline  Type = "ssh_inline"
	TypeSSHCmdRef  Type = "ssh_cmd_ref"
	TypeCLI        Type = "cli"
	TypeWebhook    Type = "webhook"
	TypeLog        Type = "log"
	TypeSetVar     Type = "set_var"
)

// RepeatMode is an Action's repeat policy, per spec.md §4.I.
type RepeatMode string

const (
	RepeatOnce      RepeatMode = "once"
	RepeatCount     RepeatMode = "count"
	RepeatWhileTrue RepeatMode = "while_true"
)

// DeviceVerb is the verb for a Device-control Action.
type DeviceVerb string

const (
	VerbPowerOn  DeviceVerb = "power_on"
	VerbPowerOff DeviceVerb = "power_off"
	VerbForceOff DeviceVerb = "force_off"
	VerbReset    DeviceVerb = "reset"
	VerbRecovery DeviceVerb = "recovery"
)

// PixelFill is the LED pixel-index sentinel meaning "fill every pixel".
const PixelFill = 0xFF

// Action is one entry in a Rule's action list, or a standalone dispatch
// target (e.g. a registered ActionTemplate body).
type Action struct {
	Type       Type   `json:"type"`
	DelayMS    uint16 `json:"delay_ms,omitempty"`
	TemplateID string `json:"template_id,omitempty"`

	// Condition gates this action independently of the owning rule's
	// condition group, per spec.md §3 ("optional per-action Condition").
	Condition *Condition `json:"condition,omitempty"`

	Repeat           RepeatMode `json:"repeat,omitempty"`
	RepeatCount      int        `json:"repeat_count,omitempty"`
	RepeatIntervalMS int        `json:"repeat_interval_ms,omitempty"`

	// LED
	DeviceAlias string `json:"device_alias,omitempty"`
	Pixel       uint8  `json:"pixel,omitempty"`
	R           uint8  `json:"r,omitempty"`
	G           uint8  `json:"g,omitempty"`
	B           uint8  `json:"b,omitempty"`
	Effect      string `json:"effect,omitempty"`
	DurationMS  uint32 `json:"duration_ms,omitempty"`
	Subtype     string `json:"subtype,omitempty"`

	// GPIO
	Pin          uint16 `json:"pin,omitempty"`
	GPIOLevel    bool   `json:"gpio_level,omitempty"`
	PulseWidthMS uint32 `json:"pulse_width_ms,omitempty"`

	// Device-control (DeviceAlias shared with LED)
	Verb DeviceVerb `json:"verb,omitempty"`

	// SSH-inline and SSH-by-id
	HostRef   string `json:"host_ref,omitempty"`
	Command   string `json:"command,omitempty"`
	CommandID string `json:"command_id,omitempty"`
	TimeoutMS uint32 `json:"timeout_ms,omitempty"`

	// CLI
	CLICommand      string `json:"cli_command,omitempty"`
	CaptureVariable string `json:"capture_variable,omitempty"`

	// Webhook. ResponsePath is an optional gjson path evaluated against the
	// response body; when set alongside CaptureVariable, the matched field
	// is written into the Variable Store (SPEC_FULL.md §3).
	URL          string `json:"url,omitempty"`
	Method       string `json:"method,omitempty"`
	Body         string `json:"body,omitempty"`
	ResponsePath string `json:"response_path,omitempty"`

	// Log
	LogLevel string `json:"log_level,omitempty"`
	Message  string `json:"message,omitempty"`

	// Set-variable
	TargetName  string      `json:"target_name,omitempty"`
	TargetValue value.Value `json:"target_value,omitempty"`
}

// Clone deep-copies an Action, including its optional per-action Condition.
func (a Action) Clone() Action {
	out := a
	if a.Condition != nil {
		c := *a.Condition
		out.Condition = &c
	}
	return out
}

// CloneActions deep-copies a slice of Actions.
func CloneActions(actions []Action) []Action {
	out := make([]Action, len(actions))
	for i, a := range actions {
		out[i] = a.Clone()
	}
	return out
}
