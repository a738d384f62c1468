package element

import (
	"testing"

	"k8s.io/apimachinery/pkg/util/sets"
)

func elem(name string) *Element { return &Element{Name: name, FullName: name} }

func TestSortDependenciesTransitiveOrder(t *testing.T) {
	// b depends on c, so when both b and c are direct deps of a, c must
	// sort before b regardless of name.
	closure := map[string]sets.Set[string]{
		"b": sets.New[string]("c"),
		"c": sets.New[string](),
	}
	deps := []DependencyEdge{
		{Dependency: Dependency{Type: DepBuild, Target: "b"}, Resolved: elem("b")},
		{Dependency: Dependency{Type: DepBuild, Target: "c"}, Resolved: elem("c")},
	}
	sorted := sortDependencies(deps, closure)
	if sorted[0].Target != "c" || sorted[1].Target != "b" {
		t.Fatalf("expected [c, b], got [%s, %s]", sorted[0].Target, sorted[1].Target)
	}
}

func TestSortDependenciesRuntimeAfterBuild(t *testing.T) {
	closure := map[string]sets.Set[string]{
		"build-dep":   sets.New[string](),
		"runtime-dep": sets.New[string](),
	}
	deps := []DependencyEdge{
		{Dependency: Dependency{Type: DepRuntime, Target: "runtime-dep"}, Resolved: elem("runtime-dep")},
		{Dependency: Dependency{Type: DepBuild, Target: "build-dep"}, Resolved: elem("build-dep")},
	}
	sorted := sortDependencies(deps, closure)
	if sorted[0].Target != "build-dep" || sorted[1].Target != "runtime-dep" {
		t.Fatalf("expected build dep before runtime dep, got [%s, %s]", sorted[0].Target, sorted[1].Target)
	}
}

func TestSortDependenciesLexicographic(t *testing.T) {
	closure := map[string]sets.Set[string]{
		"alpha": sets.New[string](),
		"beta":  sets.New[string](),
	}
	deps := []DependencyEdge{
		{Dependency: Dependency{Type: DepBuild, Target: "beta"}, Resolved: elem("beta")},
		{Dependency: Dependency{Type: DepBuild, Target: "alpha"}, Resolved: elem("alpha")},
	}
	sorted := sortDependencies(deps, closure)
	if sorted[0].Target != "alpha" || sorted[1].Target != "beta" {
		t.Fatalf("expected alphabetical order, got [%s, %s]", sorted[0].Target, sorted[1].Target)
	}
}

func TestSortDependenciesLocalBeforeJunction(t *testing.T) {
	closure := map[string]sets.Set[string]{
		"sub:foo": sets.New[string](),
		"foo":     sets.New[string](),
	}
	deps := []DependencyEdge{
		{Dependency: Dependency{Type: DepBuild, Target: "foo", Junction: "sub"}, Resolved: elem("sub:foo")},
		{Dependency: Dependency{Type: DepBuild, Target: "foo"}, Resolved: elem("foo")},
	}
	sorted := sortDependencies(deps, closure)
	if sorted[0].Junction != "" || sorted[1].Junction != "sub" {
		t.Fatalf("expected local dependency before junction dependency")
	}
}
