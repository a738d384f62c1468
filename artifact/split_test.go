package artifact

import (
	"reflect"
	"sort"
	"testing"
)

func TestSplitDomainsClassifiesByGlob(t *testing.T) {
	rules := map[string][]string{
		"devel":   {"*.h", "include/*"},
		"runtime": {"*.so*"},
	}
	files := []string{"foo.h", "libfoo.so.1", "include/foo.h", "README"}

	got, err := SplitDomains(rules, files)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sort.Strings(got["devel"])
	want := map[string][]string{
		"devel":   {"foo.h", "include/foo.h"},
		"runtime": {"libfoo.so.1"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitDomains = %+v, want %+v", got, want)
	}
}

func TestSplitDomainsFileMatchingNoRuleIsOmitted(t *testing.T) {
	rules := map[string][]string{"devel": {"*.h"}}
	got, err := SplitDomains(rules, []string{"README"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got["devel"]) != 0 {
		t.Fatalf("expected no files classified into devel, got %v", got["devel"])
	}
}

func TestSplitDomainsNoRules(t *testing.T) {
	got, err := SplitDomains(nil, []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result with no split rules, got %+v", got)
	}
}
