package node

import "testing"

func mapNode(entries ...MappingEntry) *Node {
	return &Node{Kind: KindMapping, Mapping: entries}
}

func scalar(s string) *Node { return &Node{Kind: KindScalar, Scalar: s} }

func seq(items ...*Node) *Node { return &Node{Kind: KindSequence, Sequence: items} }

func TestComposerConditional(t *testing.T) {
	n := mapNode(
		MappingEntry{Key: "kind", Value: scalar("autotools")},
		MappingEntry{Key: DirectiveConditional, Value: seq(
			mapNode(MappingEntry{Key: `arch == "x86_64"`, Value: mapNode(
				MappingEntry{Key: "variables", Value: mapNode(MappingEntry{Key: "arch", Value: scalar("x86_64")})},
			)}),
		)},
	)

	c := &Composer{Opts: OptionValues{"arch": "x86_64"}}
	out, err := c.Compose("test.bst", n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := out.Get("variables")
	if !ok {
		t.Fatal("expected variables key to be merged in from matching conditional")
	}
	if arch, _ := v.Get("arch"); arch.String() != "x86_64" {
		t.Fatalf("expected arch=x86_64, got %q", arch.String())
	}
}

func TestComposerConditionalSkipsNonMatching(t *testing.T) {
	n := mapNode(
		MappingEntry{Key: DirectiveConditional, Value: seq(
			mapNode(MappingEntry{Key: `arch == "arm64"`, Value: mapNode(
				MappingEntry{Key: "variables", Value: mapNode(MappingEntry{Key: "arch", Value: scalar("arm64")})},
			)}),
		)},
	)
	c := &Composer{Opts: OptionValues{"arch": "x86_64"}}
	out, err := c.Compose("test.bst", n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := out.Get("variables"); ok {
		t.Fatal("non-matching conditional body should not be merged")
	}
}

func TestComposerIncludeCircular(t *testing.T) {
	c := &Composer{
		Resolve: func(path string) (*Node, error) {
			return mapNode(MappingEntry{Key: DirectiveInclude, Value: scalar(path)}), nil
		},
	}
	n := mapNode(MappingEntry{Key: DirectiveInclude, Value: scalar("a.yml")})
	_, err := c.Compose("root.bst", n)
	if err == nil {
		t.Fatal("expected a circular include error")
	}
	if _, ok := err.(*CircularIncludeError); !ok {
		t.Fatalf("expected *CircularIncludeError, got %T: %v", err, err)
	}
}

func TestComposerListAppend(t *testing.T) {
	n := seq(
		scalar("base.h"),
		mapNode(MappingEntry{Key: DirectiveAppend, Value: seq(scalar("extra.h"))}),
	)
	c := &Composer{}
	out, err := c.Compose("test.bst", n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Sequence) != 2 || out.Sequence[0].Scalar != "base.h" || out.Sequence[1].Scalar != "extra.h" {
		t.Fatalf("unexpected sequence: %+v", out.Sequence)
	}
}

func TestComposerListOverwrite(t *testing.T) {
	n := seq(
		scalar("base.h"),
		mapNode(MappingEntry{Key: DirectiveOverwrite, Value: seq(scalar("only.h"))}),
	)
	c := &Composer{}
	out, err := c.Compose("test.bst", n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Sequence) != 1 || out.Sequence[0].Scalar != "only.h" {
		t.Fatalf("expected overwrite to discard prior items, got %+v", out.Sequence)
	}
}
