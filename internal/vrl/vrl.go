// Package vrl implements the "Vector Remap Language" return-value
// transform of spec.md §4.4 on top of CEL (Common Expression Language),
// the closest real Go expression-evaluation engine to VRL's "compile
// once, evaluate against a context object, produce a value" model. A
// script is a single CEL expression evaluated against the call context
// and producing a value that is JSON-serialized into the tool result's
// a2c_vrl_transformed meta key.
package vrl

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// CallContext is the object a VRL script evaluates against, built fresh
// for every call per spec.md §4.4: "the raw MCP result is first augmented
// with context fields {tool_name, parameters, isError, content, meta}".
type CallContext struct {
	ToolName   string
	Parameters map[string]any
	IsError    bool
	Content    any
	Meta       map[string]any
}

func (c CallContext) toMap() map[string]any {
	return map[string]any{
		"tool_name":  c.ToolName,
		"parameters": c.Parameters,
		"isError":    c.IsError,
		"content":    c.Content,
		"meta":       c.Meta,
	}
}

var env = buildEnv()

func buildEnv() *cel.Env {
	e, err := cel.NewEnv(
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("parameters", cel.DynType),
		cel.Variable("isError", cel.BoolType),
		cel.Variable("content", cel.DynType),
		cel.Variable("meta", cel.DynType),
	)
	if err != nil {
		panic(fmt.Sprintf("vrl: building base CEL environment failed: %v", err))
	}
	return e
}

// Validate compiles script without evaluating it, used at config-install
// time per spec.md §7's VRLCompileError. An empty script is always valid
// (no transform configured).
func Validate(script string) error {
	if script == "" {
		return nil
	}
	_, issues := env.Compile(script)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("vrl: compile error: %w", issues.Err())
	}
	return nil
}

// Run compiles and evaluates script against ctx, returning a
// JSON-marshalable value. Runtime errors are returned to the caller, who
// per spec.md §4.4 must log and skip the transform rather than fail the
// call.
func Run(script string, ctx CallContext) (any, error) {
	ast, issues := env.Compile(script)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("vrl: compile error: %w", issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("vrl: program build error: %w", err)
	}

	out, _, err := program.Eval(ctx.toMap())
	if err != nil {
		return nil, fmt.Errorf("vrl: evaluation error: %w", err)
	}

	native, err := toNative(out)
	if err != nil {
		return nil, fmt.Errorf("vrl: result conversion error: %w", err)
	}

	// Round-trip through JSON so the stored value is exactly what
	// json.Marshal would later produce for the meta field.
	data, err := json.Marshal(native)
	if err != nil {
		return nil, fmt.Errorf("vrl: result not JSON-serializable: %w", err)
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("vrl: result round-trip failed: %w", err)
	}
	return result, nil
}

func toNative(val ref.Val) (any, error) {
	if val == nil || val == types.NullValue {
		return nil, nil
	}
	converted, err := val.ConvertToNative(anyType)
	if err != nil {
		return nil, err
	}
	return converted, nil
}
