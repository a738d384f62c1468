package node

import "testing"

func TestParseBytesBasic(t *testing.T) {
	n, err := ParseBytes("test.bst", []byte("kind: autotools\ndepends:\n  - base.bst\n  - zlib.bst\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	kind, ok := n.Get("kind")
	if !ok || kind.String() != "autotools" {
		t.Fatalf("expected kind=autotools, got %+v", kind)
	}
	deps, ok := n.Get("depends")
	if !ok || len(deps.Sequence) != 2 {
		t.Fatalf("expected two dependencies, got %+v", deps)
	}
}

func TestParseBytesDuplicateKeyIsError(t *testing.T) {
	_, err := ParseBytes("test.bst", []byte("kind: autotools\nkind: manual\n"))
	if err == nil {
		t.Fatal("expected a duplicate key error")
	}
}

func TestCanonicalSortsMappingKeys(t *testing.T) {
	n, err := ParseBytes("test.bst", []byte("b: 2\na: 1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := Canonical(n)
	want := "{a:1,b:2}"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
