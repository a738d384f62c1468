package element

import (
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"
)

// sortDependencies orders a LoadElement's dependency edges per §4.2 rule 6:
//
//	(a) if A depends on B transitively, A comes after B
//	(b) otherwise runtime-only dependencies sort after mixed/build
//	(c) otherwise lexicographic on name
//	(d) otherwise local project before any junction, then by junction path
//
// closure maps each element's FullName to the set of FullNames reachable
// from it, as computed by graph.transitiveClosure.
func sortDependencies(deps []DependencyEdge, closure map[string]sets.Set[string]) []DependencyEdge {
	out := append([]DependencyEdge{}, deps...)

	reaches := func(fromFullName, toFullName string) bool {
		c, ok := closure[fromFullName]
		return ok && c.Has(toFullName)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Resolved == nil || b.Resolved == nil {
			return lessFallback(a, b)
		}
		aFull, bFull := a.Resolved.FullName, b.Resolved.FullName

		// (a) transitive order
		if reaches(bFull, aFull) {
			// b depends on a, so a comes first
			return true
		}
		if reaches(aFull, bFull) {
			return false
		}

		return lessFallback(a, b)
	})

	return out
}

func lessFallback(a, b DependencyEdge) bool {
	// (b) runtime-only sorts after mixed/build
	aRuntimeOnly := a.Type == DepRuntime
	bRuntimeOnly := b.Type == DepRuntime
	if aRuntimeOnly != bRuntimeOnly {
		return bRuntimeOnly // a (mixed/build) before b (runtime-only)
	}

	// (c) lexicographic on name
	if a.Target != b.Target {
		return a.Target < b.Target
	}

	// (d) local before junction, then by junction path
	if (a.Junction == "") != (b.Junction == "") {
		return a.Junction == ""
	}
	return a.Junction < b.Junction
}
