package cachekey

import "testing"

func baseInput() Input {
	return Input{
		Kind:             "autotools",
		Variables:        map[string]string{"prefix": "/usr"},
		Environment:      map[string]string{"PATH": "/usr/bin"},
		Public:           `{bst:{integration-commands:[ldconfig]}}`,
		SplitRules:       map[string][]string{"devel": {"*.h"}},
		SourceUniqueKeys: []string{"git@abc123"},
	}
}

func TestComputeDeterministic(t *testing.T) {
	in := baseInput()
	a := Compute(in)
	b := Compute(in)
	if a != b {
		t.Fatalf("expected identical input to produce identical keys, got %+v vs %+v", a, b)
	}
}

func TestComputeWeakIndependentOfRuntimeDepContent(t *testing.T) {
	in1 := baseInput()
	in1.RuntimeDepNames = []string{"libc"}

	in2 := baseInput()
	in2.RuntimeDepNames = []string{"libc"}
	in2.BuildDeps = nil // runtime deps never touch build deps; name list is the same

	k1 := Compute(in1)
	k2 := Compute(in2)
	if k1.Weak != k2.Weak {
		t.Fatalf("weak key should only depend on runtime dep names, not unrelated build state: %v vs %v", k1.Weak, k2.Weak)
	}
}

func TestComputeStrictChangesWithBuildDepStrictKey(t *testing.T) {
	in := baseInput()
	in.BuildDeps = []BuildDep{{Name: "zlib", StrictKey: "aaa"}}
	k1 := Compute(in)

	in.BuildDeps = []BuildDep{{Name: "zlib", StrictKey: "bbb"}}
	k2 := Compute(in)

	if k1.Strict == k2.Strict {
		t.Fatalf("strict key must change when a build dependency's strict key changes")
	}
}

func TestComputeStrongFallsBackToStrictWhenUnresolved(t *testing.T) {
	in := baseInput()
	in.BuildDeps = []BuildDep{{Name: "zlib", StrictKey: "aaa"}}
	keys := Compute(in)
	if keys.Strong != keys.Strict {
		t.Fatalf("strong key should equal strict key until every build dep has a resolved artifact")
	}
}

func TestComputeStrongDivergesOnceAllDepsResolved(t *testing.T) {
	in := baseInput()
	in.BuildDeps = []BuildDep{{Name: "zlib", StrictKey: "aaa", StrongKey: "strong-aaa"}}
	keys := Compute(in)
	if keys.Strong == keys.Strict {
		t.Fatalf("strong key should diverge from strict once build deps are fully resolved")
	}
}

func TestCanonicalisationOrderIndependence(t *testing.T) {
	in1 := baseInput()
	in1.Variables = map[string]string{"a": "1", "b": "2"}
	in2 := baseInput()
	in2.Variables = map[string]string{"b": "2", "a": "1"}

	k1 := Compute(in1)
	k2 := Compute(in2)
	if k1 != k2 {
		t.Fatalf("map iteration order must not affect the computed keys")
	}
}
