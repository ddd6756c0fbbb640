package vrl

import "testing"

func TestValidateAcceptsEmptyScript(t *testing.T) {
	if err := Validate(""); err != nil {
		t.Fatalf("expected empty script to be valid, got %v", err)
	}
}

func TestValidateRejectsCompileError(t *testing.T) {
	if err := Validate("tool_name +"); err == nil {
		t.Fatal("expected a compile error for a malformed expression")
	}
}

func TestRunCompileError(t *testing.T) {
	_, err := Run("tool_name +", CallContext{ToolName: "echo"})
	if err == nil {
		t.Fatal("expected a compile error")
	}
}

func TestRunEvalError(t *testing.T) {
	_, err := Run("1/0", CallContext{ToolName: "echo"})
	if err == nil {
		t.Fatal("expected a runtime evaluation error for division by zero")
	}
}

func TestRunSuccessfulTransform(t *testing.T) {
	out, err := Run(`tool_name + "!"`, CallContext{ToolName: "echo"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "echo!" {
		t.Fatalf("expected %q, got %v", "echo!", out)
	}
}

func TestRunReadsParametersAndMeta(t *testing.T) {
	ctx := CallContext{
		ToolName:   "echo",
		Parameters: map[string]any{"n": 3},
		IsError:    false,
		Meta:       map[string]any{"k": "v"},
	}
	out, err := Run(`parameters.n == 3 && meta.k == "v"`, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != true {
		t.Fatalf("expected true, got %v", out)
	}
}

func TestRunIsErrorBranch(t *testing.T) {
	out, err := Run(`isError ? "failed" : "ok"`, CallContext{IsError: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "failed" {
		t.Fatalf("expected %q, got %v", "failed", out)
	}
}
