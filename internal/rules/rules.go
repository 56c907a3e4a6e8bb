// Package rules holds program rules, rule variables and the cached
// evaluation context built from them for one enrollment session.
package rules

import (
	"context"
	"errors"
)

// ActionType is what a rule does when its condition holds
type ActionType string

const (
	ActionShowWarning   ActionType = "SHOWWARNING"
	ActionShowError     ActionType = "SHOWERROR"
	ActionHideField     ActionType = "HIDEFIELD"
	ActionHideSection   ActionType = "HIDESECTION"
	ActionAssign        ActionType = "ASSIGN"
	ActionDisplayText   ActionType = "DISPLAYTEXT"
	ActionSetMandatory  ActionType = "SETMANDATORYFIELD"
	ActionScheduleEvent ActionType = "SCHEDULEMESSAGE"
)

// Action is one effect of a rule
type Action struct {
	UID         string     `json:"uid"`
	Type        ActionType `json:"type"`
	DataElement string     `json:"data_element,omitempty"`
	Attribute   string     `json:"attribute,omitempty"`
	Section     string     `json:"section,omitempty"`
	Content     string     `json:"content,omitempty"`
	Data        string     `json:"data,omitempty"`
}

// Rule is a program rule: a condition and the actions it triggers.
type Rule struct {
	UID          string   `json:"uid"`
	Name         string   `json:"name"`
	Condition    string   `json:"condition"`
	Priority     *int     `json:"priority,omitempty"`
	ProgramStage string   `json:"program_stage,omitempty"`
	Actions      []Action `json:"actions"`
}

// SourceType tells where a rule variable takes its value from
type SourceType string

const (
	SourceDataElementCurrentEvent SourceType = "DATAELEMENT_CURRENT_EVENT"
	SourceDataElementNewestEvent  SourceType = "DATAELEMENT_NEWEST_EVENT_PROGRAM"
	SourceTrackedEntityAttribute  SourceType = "TEI_ATTRIBUTE"
	SourceCalculatedValue         SourceType = "CALCULATED_VALUE"
)

// Variable is a named value rules can reference in their conditions.
type Variable struct {
	UID                 string     `json:"uid"`
	Name                string     `json:"name"`
	SourceType          SourceType `json:"source_type"`
	DataElement         string     `json:"data_element,omitempty"`
	Attribute           string     `json:"attribute,omitempty"`
	ProgramStage        string     `json:"program_stage,omitempty"`
	UseCodeForOptionSet bool       `json:"use_code_for_option_set"`
}

// Source supplies the current rules and variables of a program.
type Source interface {
	Rules(ctx context.Context, programUID string) ([]Rule, error)
	Variables(ctx context.Context, programUID string) ([]Variable, error)
}

// ExpressionEvaluator evaluates rule expressions. It belongs to the rule
// engine and is carried opaquely by the evaluation context.
type ExpressionEvaluator interface {
	Evaluate(expression string) (string, error)
}

// LiteralEvaluator returns expressions unevaluated. Processes that only
// expose rule metadata use it in place of a rule engine.
type LiteralEvaluator struct{}

// Evaluate returns expression as is
func (LiteralEvaluator) Evaluate(expression string) (string, error) { return expression, nil }

// ErrNoEvaluator is returned when a context is built without an evaluator.
var ErrNoEvaluator = errors.New("expression evaluator is required")

// EvaluationContext is the immutable combination of a program's rules and
// variables handed to the rule engine.
type EvaluationContext struct {
	program   string
	evaluator ExpressionEvaluator
	rules     []Rule
	variables []Variable
}

// NewEvaluationContext builds a context. The slices are copied.
func NewEvaluationContext(evaluator ExpressionEvaluator, programUID string, rules []Rule, variables []Variable) (*EvaluationContext, error) {
	if evaluator == nil {
		return nil, ErrNoEvaluator
	}
	return &EvaluationContext{
		program:   programUID,
		evaluator: evaluator,
		rules:     append([]Rule(nil), rules...),
		variables: append([]Variable(nil), variables...),
	}, nil
}

// Program returns the program the context was built for
func (c *EvaluationContext) Program() string { return c.program }

// Evaluator returns the expression evaluator
func (c *EvaluationContext) Evaluator() ExpressionEvaluator { return c.evaluator }

// Rules returns a copy of the rules
func (c *EvaluationContext) Rules() []Rule { return append([]Rule(nil), c.rules...) }

// Variables returns a copy of the rule variables
func (c *EvaluationContext) Variables() []Variable { return append([]Variable(nil), c.variables...) }
