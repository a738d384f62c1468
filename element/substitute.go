package element

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/node"
)

// maxSubstitutionPasses bounds the fixpoint iteration below; a project
// whose variables still reference %{...} after this many passes is
// considered to have a cycle rather than a slow convergence (§6).
const maxSubstitutionPasses = 100

// SubstitutionCycleError reports a %{...} variable reference cycle, §6.
type SubstitutionCycleError struct {
	Vars []string
}

func (e *SubstitutionCycleError) Error() string {
	return "cyclic variable substitution among: " + strings.Join(e.Vars, ", ")
}

// ResolveVariables expands every %{name} reference in vars against the
// variable set itself (so variables may reference other variables) until a
// fixpoint is reached, then returns the fully-expanded map. No library in
// the dependency stack implements this project's %{...} token syntax
// (buildkit's shell.Lex is $VAR-shaped); this is accordingly hand-rolled
// against the stdlib strings package, matching the grain of how dalec
// hand-rolled its own narrow templating in spec.go.
func ResolveVariables(vars map[string]string) (map[string]string, error) {
	cur := make(map[string]string, len(vars))
	for k, v := range vars {
		cur[k] = v
	}

	for pass := 0; pass < maxSubstitutionPasses; pass++ {
		changed := false
		var selfRef []string
		next := make(map[string]string, len(cur))
		for k, v := range cur {
			expanded, used := expandOnce(v, cur)
			if expanded != v {
				changed = true
			} else if used {
				// Substituting a defined variable reproduced the same text:
				// the value refers back to itself, i.e. a cycle.
				selfRef = append(selfRef, k)
			}
			next[k] = expanded
		}
		cur = next
		if !changed {
			if len(selfRef) > 0 {
				return nil, errors.WithStack(&SubstitutionCycleError{Vars: selfRef})
			}
			return cur, nil
		}
	}

	// Did not converge: report the variables that still contain a
	// reference, which are exactly the ones participating in the cycle
	// (or referencing an undefined name repeatedly).
	var stuck []string
	for k, v := range cur {
		if strings.Contains(v, "%{") {
			stuck = append(stuck, k)
		}
	}
	return nil, errors.WithStack(&SubstitutionCycleError{Vars: stuck})
}

// SubstituteNode returns a copy of n with every %{name} reference in its
// scalars expanded against an already-resolved variable map (§6: variable
// references expand against the merged variable map everywhere in an
// element file, not just inside `variables:` itself). One pass suffices
// because ResolveVariables has already driven vars to a fixpoint.
func SubstituteNode(n *node.Node, vars map[string]string) *node.Node {
	if n == nil {
		return nil
	}
	out := n.Clone()
	substituteInPlace(out, vars)
	return out
}

func substituteInPlace(n *node.Node, vars map[string]string) {
	switch n.Kind {
	case node.KindScalar:
		n.Scalar, _ = expandOnce(n.Scalar, vars)
	case node.KindMapping:
		for i := range n.Mapping {
			substituteInPlace(n.Mapping[i].Value, vars)
		}
	case node.KindSequence:
		for _, item := range n.Sequence {
			substituteInPlace(item, vars)
		}
	}
}

// expandOnce replaces every %{name} occurrence in s with its value from
// vars (unresolved references are left untouched, so repeated application
// via ResolveVariables converges once all transitive references bottom
// out). It also returns whether any substitution was attempted.
func expandOnce(s string, vars map[string]string) (string, bool) {
	var buf strings.Builder
	used := false
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "%{")
		if start < 0 {
			buf.WriteString(s[i:])
			break
		}
		start += i
		buf.WriteString(s[i:start])
		end := strings.Index(s[start:], "}")
		if end < 0 {
			buf.WriteString(s[start:])
			break
		}
		end += start
		name := s[start+2 : end]
		if val, ok := vars[name]; ok {
			buf.WriteString(val)
			used = true
		} else {
			buf.WriteString(s[start : end+1])
		}
		i = end + 1
	}
	return buf.String(), used
}
