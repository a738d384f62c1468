package source

import (
	"testing"

	"github.com/buildstream-go/buildstream/node"
)

func configWithPath(path string) *node.Node {
	n := &node.Node{Kind: node.KindMapping}
	n.Set("path", &node.Node{Kind: node.KindScalar, Scalar: path}, node.Provenance{})
	return n
}

func TestLocalPluginKind(t *testing.T) {
	p := &LocalPlugin{}
	if p.Kind() != "local" {
		t.Fatalf("expected kind %q, got %q", "local", p.Kind())
	}
}

func TestLocalPluginGetUniqueKey(t *testing.T) {
	p := &LocalPlugin{}
	got := p.GetUniqueKey(configWithPath("hello.world"), "")
	want := "local:hello.world"
	if got != want {
		t.Fatalf("GetUniqueKey = %q, want %q", got, want)
	}
}

func TestLocalPluginGetUniqueKeyDiffersByPath(t *testing.T) {
	p := &LocalPlugin{}
	a := p.GetUniqueKey(configWithPath("a.txt"), "")
	b := p.GetUniqueKey(configWithPath("b.txt"), "")
	if a == b {
		t.Fatalf("expected different paths to produce different unique keys")
	}
}

func TestLocalPluginRequiresStage(t *testing.T) {
	p := &LocalPlugin{}
	if p.RequiresStage() {
		t.Fatalf("local source should not require staging before its unique key is known")
	}
}

func TestLocalPluginTrackIsNoop(t *testing.T) {
	p := &LocalPlugin{}
	ref, err := p.Track(nil, configWithPath("hello.world"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref != "" {
		t.Fatalf("expected empty ref from Track, got %q", ref)
	}
}
