package gcalnotify

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-yaml"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
)

// CELEnv compiles calendar filters. Expressions see the variables
// detail, kind, calendarId, event and changes; struct fields use their
// JSON names, e.g. event.summary or detail.calendarName.
type CELEnv struct {
	env *cel.Env
}

func NewCELEnv() (*CELEnv, error) {
	env, err := cel.NewEnv(
		ext.NativeTypes(
			ext.ParseStructTags(true),
			reflect.TypeOf(&gcalnotifyevent.Detail{}),
			reflect.TypeOf(&gcalnotifyevent.Event{}),
			reflect.TypeOf(&gcalnotifyevent.EventTime{}),
			reflect.TypeOf(&gcalnotifyevent.Message{}),
			reflect.TypeOf(&gcalnotifyevent.Field{}),
		),
		cel.Variable("detail", cel.ObjectType("gcalnotifyevent.Detail")),
		cel.Variable("kind", cel.StringType),
		cel.Variable("calendarId", cel.StringType),
		cel.Variable("event", cel.ObjectType("gcalnotifyevent.Event")),
		cel.Variable("changes", cel.ListType(cel.StringType)),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEnv{env: env}, nil
}

// Compile compiles a bool expression. The result must evaluate without error
// against a blank notification of every kind.
func (e *CELEnv) Compile(expr string) (*ExprOrBool, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile CEL expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create CEL program: %w", err)
	}
	compiled := &ExprOrBool{raw: expr, isExpr: true, program: prg}
	for _, kind := range []string{gcalnotifyevent.KindCreated, gcalnotifyevent.KindUpdated, gcalnotifyevent.KindDeleted} {
		blank := &gcalnotifyevent.Detail{
			Kind: kind,
			Event: &gcalnotifyevent.Event{
				Start: &gcalnotifyevent.EventTime{},
				End:   &gcalnotifyevent.EventTime{},
			},
			Message: &gcalnotifyevent.Message{},
		}
		if _, err := compiled.Eval(blank); err != nil {
			return nil, fmt.Errorf("CEL expression fails on %s notification: %w", kind, err)
		}
	}
	return compiled, nil
}

// ExprOrBool is a filter written either as "true"/"false" or as a CEL expression.
// An empty value is true.
type ExprOrBool struct {
	raw     string
	value   bool
	isExpr  bool
	program cel.Program
}

func (e *ExprOrBool) UnmarshalYAML(data []byte) error {
	return yaml.Unmarshal(data, &e.raw)
}

func (e *ExprOrBool) Bind(env *CELEnv) error {
	switch e.raw {
	case "", "true":
		e.value = true
		return nil
	case "false":
		e.value = false
		return nil
	}
	compiled, err := env.Compile(e.raw)
	if err != nil {
		return err
	}
	*e = *compiled
	return nil
}

func (e *ExprOrBool) Eval(detail *gcalnotifyevent.Detail) (bool, error) {
	if !e.isExpr {
		return e.value, nil
	}
	if detail == nil {
		return false, nil
	}
	event := detail.Event
	if event == nil {
		event = &gcalnotifyevent.Event{}
	}
	changes := detail.Changes
	if changes == nil {
		changes = []string{}
	}
	result, _, err := e.program.Eval(map[string]any{
		"detail":     detail,
		"kind":       detail.Kind,
		"calendarId": detail.CalendarID,
		"event":      event,
		"changes":    changes,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate CEL expression: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression returned %T", result.Value())
	}
	return b, nil
}

func (e *ExprOrBool) IsExpr() bool {
	return e != nil && e.isExpr
}

func (e *ExprOrBool) Raw() string {
	if e == nil {
		return ""
	}
	return e.raw
}
