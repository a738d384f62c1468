package project

import (
	"testing"

	"github.com/buildstream-go/buildstream/node"
)

// fakeFS parses in-memory file content by path, used instead of touching
// the real filesystem in tests.
type fakeFS map[string]string

func (fs fakeFS) parse(filename string) (*node.Node, error) {
	content, ok := fs[filename]
	if !ok {
		return nil, errNotFound(filename)
	}
	return node.ParseBytes(filename, []byte(content))
}

type notFoundError string

func (e notFoundError) Error() string { return "file not found: " + string(e) }

func errNotFound(filename string) error { return notFoundError(filename) }

func TestLoadBasicProject(t *testing.T) {
	fs := fakeFS{
		"/proj/project.conf": "name: hello\nmin-version: 2\nelement-path: [elements]\n",
	}
	p, err := Load("/proj", fs.parse)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "hello" {
		t.Fatalf("expected name=hello, got %q", p.Name)
	}
	if len(p.ElementPath) != 1 || p.ElementPath[0] != "elements" {
		t.Fatalf("unexpected element-path: %v", p.ElementPath)
	}
}

func TestLoadRejectsHigherMinVersion(t *testing.T) {
	fs := fakeFS{
		"/proj/project.conf": "name: hello\nmin-version: 99\n",
	}
	_, err := Load("/proj", fs.parse)
	if err == nil {
		t.Fatal("expected a project-version error")
	}
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	fs := fakeFS{
		"/proj/project.conf": "name: hello\nbogus: true\n",
	}
	_, err := Load("/proj", fs.parse)
	if err == nil {
		t.Fatal("expected an invalid-schema error for an unknown top-level key")
	}
}

func TestLoadIncludeCannotSetToplevelOnlyKey(t *testing.T) {
	fs := fakeFS{
		"/proj/project.conf": "name: hello\n(@): [extra.yml]\n",
		"/proj/extra.yml":    "min-version: 2\n",
	}
	_, err := Load("/proj", fs.parse)
	if err == nil {
		t.Fatal("expected an error: min-version may only appear in the top-level project.conf")
	}
}

func TestLoadDuplicateOptionIsError(t *testing.T) {
	fs := fakeFS{
		"/proj/project.conf": "name: hello\noptions:\n  debug:\n    type: bool\n    default: \"false\"\n",
	}
	p, err := Load("/proj", fs.parse)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Options.Declare(Option{Name: "debug", Kind: OptionBool}); err == nil {
		t.Fatal("expected a duplicate option error")
	}
}

func TestResolveAlias(t *testing.T) {
	fs := fakeFS{
		"/proj/project.conf": "name: hello\naliases:\n  upstream: https://example.invalid/\n",
	}
	p, err := Load("/proj", fs.parse)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := p.ResolveAlias("upstream:foo/bar.tar.gz")
	want := "https://example.invalid/foo/bar.tar.gz"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
