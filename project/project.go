// Package project implements the Project Loader (§4.1): parsing
// project.conf, instantiating declared options, resolving source aliases
// and recording plugin origins.
package project

import (
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/node"
)

// FormatVersion is this tool's understood project.conf format version.
// Loading a project whose declared min-version exceeds this is a
// ReasonProjectVersion error.
const FormatVersion = 2

// PluginKind distinguishes the three plugin-origin sources a project can
// declare, §3.
type PluginKind string

const (
	PluginOriginLocal    PluginKind = "local"
	PluginOriginJunction PluginKind = "junction"
	PluginOriginPip      PluginKind = "pip"
)

// PluginOrigin records where a family of element/source plugin kinds is
// loaded from.
type PluginOrigin struct {
	Kind    PluginKind
	Path    string // for local: a directory; for junction: the junction element name; for pip: the package name
	Plugins []string
}

// PluginRegistry is the explicit, startup-constructed registry replacing
// the original implementation's dynamic/global plugin loading, per the
// redesign note in §9. It is built once from a Project's declared origins
// and is safe for concurrent reads thereafter.
type PluginRegistry struct {
	byPluginName map[string]PluginOrigin
}

// NewPluginRegistry builds a registry from a project's declared origins,
// failing if any plugin kind has more than one origin (§3 invariant).
func NewPluginRegistry(origins []PluginOrigin) (*PluginRegistry, error) {
	reg := &PluginRegistry{byPluginName: make(map[string]PluginOrigin)}
	for _, origin := range origins {
		for _, name := range origin.Plugins {
			if existing, ok := reg.byPluginName[name]; ok {
				return nil, errors.Errorf("plugin kind %q has multiple origins (%s and %s)", name, existing.Kind, origin.Kind)
			}
			reg.byPluginName[name] = origin
		}
	}
	return reg, nil
}

// Lookup returns the declared origin of a plugin kind (element or source
// kind string), if any.
func (r *PluginRegistry) Lookup(pluginName string) (PluginOrigin, bool) {
	o, ok := r.byPluginName[pluginName]
	return o, ok
}

// Project is the parsed, resolved project manifest, §3.
type Project struct {
	RootDir     string
	Name        string
	MinVersion  int
	ElementPath []string // search paths, relative to RootDir, for element files

	Aliases map[string]string // alias -> URL prefix

	Options *Options
	Plugins *PluginRegistry

	Variables   map[string]string
	Environment map[string]string
	SplitRules  map[string][]string

	Defaults *node.Node // raw defaults mapping, applied per-element-kind during load
}

// toplevelOnly are the keys that may only appear in the top-level
// project.conf, never inside an (@) include, §4.1.
var toplevelOnly = map[string]bool{
	"name":         true,
	"element-path": true,
	"min-version":  true,
	"plugins":      true,
}

// Load parses the project manifest rooted at rootPath/project.conf.
func Load(rootPath string, parse func(filename string) (*node.Node, error)) (*Project, error) {
	manifestPath := filepath.Join(rootPath, "project.conf")
	root, err := parse(manifestPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", manifestPath)
	}

	composer := &node.Composer{
		Opts: nil, // project.conf itself has no option-gated conditionals
		Resolve: func(path string) (*node.Node, error) {
			full := path
			if !filepath.IsAbs(full) {
				full = filepath.Join(rootPath, path)
			}
			n, err := parse(full)
			if err != nil {
				return nil, err
			}
			if err := rejectToplevelOnly(n, full); err != nil {
				return nil, err
			}
			return n, nil
		},
	}

	composed, err := composer.Compose(manifestPath, root)
	if err != nil {
		return nil, err
	}

	return fromNode(rootPath, composed)
}

func rejectToplevelOnly(n *node.Node, file string) error {
	if n.Kind != node.KindMapping {
		return nil
	}
	for _, e := range n.Mapping {
		if toplevelOnly[e.Key] {
			return errors.WithStack(newError(ReasonToplevelOnly, e.KeyPos, "key %q may only appear in the top-level project.conf, found in include %s", e.Key, file))
		}
	}
	return nil
}

var knownTopLevelKeys = map[string]bool{
	"name": true, "min-version": true, "element-path": true, "aliases": true,
	"options": true, "plugins": true, "variables": true, "environment": true,
	"split-rules": true, "artifacts": true, "source-caches": true, "defaults": true,
}

func fromNode(rootDir string, n *node.Node) (*Project, error) {
	if n.Kind != node.KindMapping {
		return nil, errors.WithStack(newError(ReasonInvalidSchema, n.Pos, "project.conf must be a mapping"))
	}
	for _, e := range n.Mapping {
		if !knownTopLevelKeys[e.Key] {
			return nil, errors.WithStack(newError(ReasonInvalidSchema, e.KeyPos, "unknown top-level key %q", e.Key))
		}
	}

	p := &Project{
		RootDir:     rootDir,
		Aliases:     map[string]string{},
		Variables:   map[string]string{},
		Environment: map[string]string{},
		SplitRules:  map[string][]string{},
		Options:     NewOptions(),
	}

	if v, ok := n.Get("name"); ok {
		p.Name = v.String()
	} else {
		return nil, errors.WithStack(newError(ReasonInvalidSchema, n.Pos, "missing required key %q", "name"))
	}

	minVer := 1
	if v, ok := n.Get("min-version"); ok {
		if iv, err := parseInt(v.Scalar); err == nil {
			minVer = iv
		}
	}
	p.MinVersion = minVer
	if minVer > FormatVersion {
		return nil, errors.WithStack(newError(ReasonProjectVersion, n.Pos,
			"project requires format version %d, this tool supports up to %d", minVer, FormatVersion))
	}

	if v, ok := n.Get("element-path"); ok {
		for _, item := range v.Sequence {
			p.ElementPath = append(p.ElementPath, item.Scalar)
		}
	}
	if len(p.ElementPath) == 0 {
		p.ElementPath = []string{"elements"}
	}

	if v, ok := n.Get("aliases"); ok {
		for _, e := range v.Mapping {
			p.Aliases[e.Key] = e.Value.String()
		}
	}

	if v, ok := n.Get("variables"); ok {
		for _, e := range v.Mapping {
			p.Variables[e.Key] = e.Value.String()
		}
	}
	if v, ok := n.Get("environment"); ok {
		for _, e := range v.Mapping {
			p.Environment[e.Key] = e.Value.String()
		}
	}
	if v, ok := n.Get("split-rules"); ok {
		for _, e := range v.Mapping {
			var globs []string
			for _, g := range e.Value.Sequence {
				globs = append(globs, g.Scalar)
			}
			p.SplitRules[e.Key] = globs
		}
	}
	if v, ok := n.Get("defaults"); ok {
		p.Defaults = v
	}

	if v, ok := n.Get("options"); ok {
		if err := loadOptions(p.Options, v); err != nil {
			return nil, err
		}
	}

	var origins []PluginOrigin
	if v, ok := n.Get("plugins"); ok {
		for _, e := range v.Mapping {
			kind := PluginKind(e.Key)
			for _, item := range e.Value.Sequence {
				origins = append(origins, originFromNode(kind, item))
			}
		}
	}
	reg, err := NewPluginRegistry(origins)
	if err != nil {
		return nil, err
	}
	p.Plugins = reg

	return p, nil
}

func originFromNode(kind PluginKind, n *node.Node) PluginOrigin {
	o := PluginOrigin{Kind: kind}
	if pathN, ok := n.Get("path"); ok {
		o.Path = pathN.String()
	}
	if pluginsN, ok := n.Get("plugins"); ok {
		for _, pn := range pluginsN.Sequence {
			o.Plugins = append(o.Plugins, pn.Scalar)
		}
	}
	return o
}

func loadOptions(opts *Options, n *node.Node) error {
	for _, e := range n.Mapping {
		name := e.Key
		decl := Option{Name: name}
		if kindN, ok := e.Value.Get("type"); ok {
			decl.Kind = OptionKind(kindN.Scalar)
		} else {
			decl.Kind = OptionString
		}
		if descN, ok := e.Value.Get("description"); ok {
			decl.Description = descN.String()
		}
		if valuesN, ok := e.Value.Get("values"); ok {
			for _, vn := range valuesN.Sequence {
				decl.Values = append(decl.Values, vn.Scalar)
			}
		}
		if defN, ok := e.Value.Get("default"); ok {
			decl.Default = defN.String()
		}
		if err := opts.Declare(decl); err != nil {
			reason := ReasonInvalidSchema
			var dup *DuplicateOptionError
			if errors.As(err, &dup) {
				reason = ReasonDuplicateOpt
			}
			return errors.WithStack(newError(reason, e.KeyPos, "%s", err))
		}
	}
	return nil
}

func parseInt(s string) (int, error) {
	var v int
	_, err := fmtSscan(s, &v)
	return v, err
}

// fmtSscan is a tiny indirection so this file does not need to import
// "fmt" solely for Sscan in the one place it is used.
func fmtSscan(s string, v *int) (int, error) {
	n := 0
	neg := false
	i := 0
	if len(s) > 0 && s[0] == '-' {
		neg = true
		i = 1
	}
	if i == len(s) {
		return 0, errors.Errorf("not an integer: %q", s)
	}
	for ; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, errors.Errorf("not an integer: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	*v = n
	return 1, nil
}

// ResolveAlias rewrites a `alias:path` source ref into its full URL using
// the project's declared aliases, leaving refs without a known alias
// prefix untouched.
func (p *Project) ResolveAlias(ref string) string {
	for alias, prefix := range p.Aliases {
		full := alias + ":"
		if len(ref) > len(full) && ref[:len(full)] == full {
			return prefix + ref[len(full):]
		}
	}
	return ref
}

// SortedAliases returns alias names in sorted order, useful for
// deterministic iteration (cache-key canonicalisation, diagnostics).
func (p *Project) SortedAliases() []string {
	out := make([]string, 0, len(p.Aliases))
	for k := range p.Aliases {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Parse reads and parses filename into a Node tree. It is the default
// `parse` func the CLI entrypoint passes to Load and to element.NewLoader
// (which hands it on to Load for subprojects); tests substitute their own
// in-memory resolvers.
func Parse(filename string) (*node.Node, error) {
	return node.ParseFile(filename)
}
