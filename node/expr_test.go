package node

import "testing"

func TestEvalCondEquality(t *testing.T) {
	opts := OptionValues{"arch": "x86_64"}
	v, err := EvalCond(`arch == "x86_64"`, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEvalCondBooleanAndNot(t *testing.T) {
	opts := OptionValues{"debug": "true", "strip": "false"}
	v, err := EvalCond("debug and not strip", opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEvalCondParensAndOr(t *testing.T) {
	opts := OptionValues{"a": "false", "b": "true", "c": "false"}
	v, err := EvalCond("(a or b) and not c", opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEvalCondTrailingGarbageIsError(t *testing.T) {
	_, err := EvalCond(`a == "x" b`, OptionValues{"a": "x"})
	if err == nil {
		t.Fatal("expected an error for trailing input")
	}
}
