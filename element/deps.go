package element

import (
	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/node"
)

// parseAllDependencies extracts depends/build-depends/runtime-depends into
// Dependency edges, enforcing §4.2 step 3's validation rules.
func parseAllDependencies(n *node.Node) ([]Dependency, error) {
	seen := map[string]node.Provenance{}
	var out []Dependency

	if v, ok := n.Get("depends"); ok {
		deps, err := parseDependencyList(v, DepAll, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, deps...)
	}
	if v, ok := n.Get("build-depends"); ok {
		deps, err := parseDependencyList(v, DepBuild, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, deps...)
	}
	if v, ok := n.Get("runtime-depends"); ok {
		deps, err := parseDependencyList(v, DepRuntime, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, deps...)
	}

	return out, nil
}

func parseDependencyList(n *node.Node, defaultType DependencyType, seen map[string]node.Provenance) ([]Dependency, error) {
	if n.Kind != node.KindSequence {
		return nil, errors.WithStack(newLoadError(ReasonInvalidDependency, n.Pos, "dependency list must be a sequence"))
	}

	var out []Dependency
	for _, item := range n.Sequence {
		d, err := parseDependency(item, defaultType)
		if err != nil {
			return nil, err
		}
		classes := []DependencyType{d.Type}
		if d.Type == DepAll {
			classes = []DependencyType{DepBuild, DepRuntime}
		}
		for _, class := range classes {
			if prior, ok := seen[d.dupKey(class)]; ok {
				return nil, errors.WithStack(newLoadError(ReasonDuplicateDependency, d.Pos,
					"duplicate dependency (junction=%q, name=%q, type=%s), first declared at %s", d.Junction, d.Target, d.Type, prior))
			}
		}
		for _, class := range classes {
			seen[d.dupKey(class)] = d.Pos
		}
		out = append(out, d)
	}
	return out, nil
}

func parseDependency(item *node.Node, defaultType DependencyType) (Dependency, error) {
	switch item.Kind {
	case node.KindScalar:
		chain, leaf := splitDependencyName(item.Scalar)
		return Dependency{Type: defaultType, Target: leaf, Junction: chain, Pos: item.Pos}, nil

	case node.KindMapping:
		d := Dependency{Type: defaultType, Pos: item.Pos}

		filenameN, ok := item.Get("filename")
		if !ok {
			return Dependency{}, errors.WithStack(newLoadError(ReasonInvalidDependency, item.Pos, "dependency mapping missing %q", "filename"))
		}
		filename := filenameN.String()

		if junctionN, ok := item.Get("junction"); ok {
			// explicit junction given: filename is taken literally, not
			// split on ':' (§4.2 step 3).
			d.Junction = junctionN.String()
			d.Target = filename
		} else {
			d.Junction, d.Target = splitDependencyName(filename)
		}

		if typeN, ok := item.Get("type"); ok {
			t := DependencyType(typeN.String())
			switch t {
			case DepBuild, DepRuntime, DepAll:
				d.Type = t
			default:
				return Dependency{}, errors.WithStack(newLoadError(ReasonInvalidDependency, typeN.Pos, "invalid dependency type %q", typeN.String()))
			}
		}

		if strictN, ok := item.Get("strict"); ok {
			v, err := parseStrict(strictN)
			if err != nil {
				return Dependency{}, err
			}
			if !v {
				return Dependency{}, errors.WithStack(newLoadError(ReasonInvalidDependency, strictN.Pos, "strict: false is reserved; omit the key instead"))
			}
			if d.Type == DepRuntime {
				return Dependency{}, errors.WithStack(newLoadError(ReasonInvalidDependency, strictN.Pos, "runtime dependencies cannot be declared strict"))
			}
			d.Strict = true
		}

		return d, nil

	default:
		return Dependency{}, errors.WithStack(newLoadError(ReasonInvalidDependency, item.Pos, "dependency entry must be a scalar or mapping"))
	}
}

func parseStrict(n *node.Node) (bool, error) {
	switch n.Scalar {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, errors.WithStack(newLoadError(ReasonInvalidDependency, n.Pos, "strict must be true or false, got %q", n.Scalar))
	}
}
