package element

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/buildstream-go/buildstream/cachekey"
	"github.com/buildstream-go/buildstream/node"
	"github.com/buildstream-go/buildstream/project"
)

// allowedElementKeys are the only keys permitted in an element file mapping
// after directive composition, §4.2 step 1.
var allowedElementKeys = map[string]bool{
	"kind": true, "depends": true, "sources": true, "sandbox": true,
	"variables": true, "environment": true, "environment-nocache": true,
	"config": true, "public": true, "description": true,
	"build-depends": true, "runtime-depends": true,
	"target": true, // link elements only
}

// ParseFunc reads and parses a single file into a Node tree, attaching
// provenance. project.Parse satisfies this.
type ParseFunc func(filename string) (*node.Node, error)

// Loader resolves a project's element targets into the final, sorted
// Element graph, §4.2.
type Loader struct {
	Parse ParseFunc

	root        *project.Project
	subprojects map[string]*project.Project // keyed by absolute JunctionPath

	raw      map[string]*LoadElement // keyed by FullName; first pass
	resolved map[string]*Element     // keyed by FullName; final (links alias their target)

	g *graph

	// WorkspaceDirs maps an element's FullName to an open workspace
	// directory overriding its ordinary source checkout. Threading it
	// through the loader (rather than applying it later) means
	// Element.WasWorkspaced is set exactly once, at the point the rest of
	// the Element's fields are resolved, and flows unchanged into the
	// Artifact proto's was_workspaced field end-to-end.
	WorkspaceDirs map[string]string
}

// NewLoader constructs a Loader for root, using parse to read every element
// and subproject manifest file it encounters.
func NewLoader(root *project.Project, parse ParseFunc) *Loader {
	return &Loader{
		Parse:       parse,
		root:        root,
		subprojects: map[string]*project.Project{},
		raw:         map[string]*LoadElement{},
		resolved:    map[string]*Element{},
		g:           newGraph(),
	}
}

// LoadTargets implements `load_targets(project, target_names) -> (elements,
// root_targets)`, §4.2: recursively loads each named element file,
// interprets directives, follows junctions and link elements, and returns a
// topologically sorted list of unique Elements plus the resolved root
// targets.
func (l *Loader) LoadTargets(targetNames []string) (elements []*Element, rootTargets []*Element, err error) {
	for _, t := range targetNames {
		if err := l.loadRaw("", t); err != nil {
			return nil, nil, err
		}
	}

	if err := l.g.checkCycles(); err != nil {
		return nil, nil, err
	}
	closure := l.g.transitiveClosure()

	for _, t := range targetNames {
		e, err := l.buildElement(t, closure)
		if err != nil {
			return nil, nil, err
		}
		rootTargets = append(rootTargets, e)
	}

	// Depth-first post-order from the root targets: every element comes
	// after all of its build and runtime dependencies.
	seen := make(map[*Element]bool, len(l.resolved))
	var visit func(e *Element)
	visit = func(e *Element) {
		if seen[e] {
			return
		}
		seen[e] = true
		for _, d := range e.BuildDepElements {
			visit(d)
		}
		for _, d := range e.RuntimeDepElements {
			visit(d)
		}
		elements = append(elements, e)
	}
	for _, e := range rootTargets {
		visit(e)
	}

	return elements, rootTargets, nil
}

// projectFor returns the owning project for junctionPath, loading its
// manifest on first reference.
func (l *Loader) projectFor(junctionPath string) (*project.Project, error) {
	if junctionPath == "" {
		return l.root, nil
	}
	if p, ok := l.subprojects[junctionPath]; ok {
		return p, nil
	}

	parentPath, junctionName := splitDependencyName(junctionPath)
	parentProject, err := l.projectFor(parentPath)
	if err != nil {
		return nil, err
	}

	// The junction's own element describes how to locate its subproject.
	// A real deployment resolves this via the junction's source plugin
	// (e.g. a git ref); absent a wired fetch pipeline here, the
	// subproject root is taken from the junction element's `config.path`,
	// defaulting to the junction's basename with ".bst" stripped, rooted
	// at the parent project directory.
	junctionElement := joinJunction(parentPath, junctionName+".bst")
	if err := l.loadRaw(parentPath, junctionName+".bst"); err != nil {
		return nil, err
	}
	je := l.raw[junctionElement]
	if je == nil || je.Kind != "junction" {
		return nil, errors.WithStack(newLoadError(ReasonJunctionNotFound, node.Provenance{}, "junction %q not found", junctionPath))
	}

	relPath := junctionName
	if cfg, ok := je.Raw.Get("config"); ok {
		if pathN, ok := cfg.Get("path"); ok {
			relPath = pathN.String()
		}
	}

	sub, err := project.Load(filepath.Join(parentProject.RootDir, relPath), l.Parse)
	if err != nil {
		return nil, errors.Wrapf(err, "loading subproject for junction %q", junctionPath)
	}
	l.subprojects[junctionPath] = sub
	return sub, nil
}

// loadRaw loads and composes the element file for (junctionPath, name),
// recursing into its dependencies and any junction subprojects they
// require. It is idempotent and safe on dependency cycles: the LoadElement
// is recorded before its dependencies are visited, so a cycle simply stops
// recursing (the cycle itself is caught later by graph.checkCycles).
func (l *Loader) loadRaw(junctionPath, name string) error {
	chain, leaf := splitDependencyName(name)
	absJunction := joinJunction(junctionPath, chain)
	fullName := joinJunction(absJunction, leaf)

	if _, ok := l.raw[fullName]; ok {
		return nil
	}

	owner, err := l.projectFor(absJunction)
	if err != nil {
		return err
	}

	filename, raw, err := l.parseElementFile(owner, leaf)
	if err != nil {
		// Junction isolation: a subproject's element is only addressable
		// through its junction prefix, never by bare name from the parent.
		for path, sub := range l.subprojects {
			if path == absJunction {
				continue
			}
			if _, _, subErr := l.parseElementFile(sub, leaf); subErr == nil {
				return errors.WithStack(newLoadError(ReasonSubprojectInaccessible, node.Provenance{},
					"element %q lives in subproject %q; reference it as %q", leaf, path, path+":"+leaf))
			}
		}
		return errors.WithStack(newLoadError(ReasonElementNotFound, node.Provenance{}, "%s", err))
	}

	composer := &node.Composer{
		Opts: owner.Options.Values(),
		Resolve: func(path string) (*node.Node, error) {
			full := path
			if !filepath.IsAbs(full) {
				full = filepath.Join(owner.RootDir, path)
			}
			return l.Parse(full)
		},
	}
	composed, err := composer.Compose(filename, raw)
	if err != nil {
		return err
	}

	if composed.Kind != node.KindMapping {
		return errors.WithStack(newLoadError(ReasonInvalidSchema, composed.Pos, "element file must be a mapping"))
	}
	for _, e := range composed.Mapping {
		if !allowedElementKeys[e.Key] {
			return errors.WithStack(newLoadError(ReasonUnknownKey, e.KeyPos, "unknown element key %q", e.Key))
		}
	}

	kind := ""
	if kn, ok := composed.Get("kind"); ok {
		kind = kn.String()
	} else {
		return errors.WithStack(newLoadError(ReasonInvalidSchema, composed.Pos, "missing required key %q", "kind"))
	}

	le := &LoadElement{
		Name:         leaf,
		FullName:     fullName,
		JunctionPath: absJunction,
		Kind:         kind,
		Project:      owner.Name,
		Raw:          composed,
		Pos:          composed.Pos,
		FirstPass:    kind == "link" || kind == "junction",
	}

	if kind == "link" {
		targetN, ok := composed.Get("target")
		if !ok {
			return errors.WithStack(newLoadError(ReasonInvalidSchema, composed.Pos, "link element missing %q", "target"))
		}
		if _, hasDeps := composed.Get("depends"); hasDeps {
			return errors.WithStack(newLoadError(ReasonLinkHasDependencies, composed.Pos, "link element %q may not declare dependencies", fullName))
		}
		if _, hasDeps := composed.Get("build-depends"); hasDeps {
			return errors.WithStack(newLoadError(ReasonLinkHasDependencies, composed.Pos, "link element %q may not declare dependencies", fullName))
		}
		if _, hasDeps := composed.Get("runtime-depends"); hasDeps {
			return errors.WithStack(newLoadError(ReasonLinkHasDependencies, composed.Pos, "link element %q may not declare dependencies", fullName))
		}
		le.LinkTarget = targetN.String()
		l.raw[fullName] = le
		l.g.addElement(le)

		targetChain, targetLeaf := splitDependencyName(le.LinkTarget)
		if err := l.loadRaw(joinJunction(absJunction, targetChain), targetLeaf); err != nil {
			return err
		}
		return nil
	}

	deps, err := parseAllDependencies(composed)
	if err != nil {
		return err
	}
	le.Deps = deps
	l.raw[fullName] = le
	l.g.addElement(le)

	for _, d := range deps {
		depJunction := joinJunction(absJunction, d.Junction)
		depFull := joinJunction(depJunction, d.Target)
		if err := l.loadRaw(depJunction, d.Target); err != nil {
			return err
		}
		// A link and its eventual target are distinct vertices here; a
		// cycle routed through a link is still a cycle, so there is no
		// need to chase the alias before recording the edge.
		l.g.addEdge(fullName, depFull)
	}

	return nil
}

// buildElement recursively resolves (junctionPath-qualified) fullName into
// a final Element, building dependency Elements first so cache keys can
// reference them. Link elements resolve transparently to their target and
// never appear as a distinct Element.
func (l *Loader) buildElement(fullName string, closure map[string]sets.Set[string]) (*Element, error) {
	if e, ok := l.resolved[fullName]; ok {
		return e, nil
	}

	le, ok := l.raw[fullName]
	if !ok {
		return nil, errors.WithStack(newLoadError(ReasonElementNotFound, node.Provenance{}, "element %q not loaded", fullName))
	}

	if le.Kind == "link" {
		targetChain, targetLeaf := splitDependencyName(le.LinkTarget)
		targetFull := joinJunction(joinJunction(le.JunctionPath, targetChain), targetLeaf)
		e, err := l.buildElement(targetFull, closure)
		if err != nil {
			return nil, err
		}
		l.resolved[fullName] = e
		return e, nil
	}

	owner, err := l.projectFor(le.JunctionPath)
	if err != nil {
		return nil, err
	}

	var edges []DependencyEdge
	for _, d := range le.Deps {
		depJunction := joinJunction(le.JunctionPath, d.Junction)
		depFull := joinJunction(depJunction, d.Target)
		childRaw, ok := l.raw[depFull]
		if ok && childRaw.Kind == "link" {
			targetChain, targetLeaf := splitDependencyName(childRaw.LinkTarget)
			depFull = joinJunction(joinJunction(childRaw.JunctionPath, targetChain), targetLeaf)
		}
		child, err := l.buildElement(depFull, closure)
		if err != nil {
			return nil, err
		}
		edges = append(edges, DependencyEdge{Dependency: d, Resolved: child})
	}

	sorted := sortDependencies(edges, closure)

	e := &Element{
		Name:     le.Name,
		FullName: le.FullName,
		Kind:     le.Kind,
		Project:  le.Project,
		Pos:      le.Pos,
	}

	for _, edge := range sorted {
		d := edge.Dependency
		dep := &Dependency{Type: d.Type, Target: d.Target, Junction: d.Junction, Strict: d.Strict, Pos: d.Pos}
		if d.Type == DepBuild || d.Type == DepAll {
			e.BuildDeps = append(e.BuildDeps, dep)
			e.BuildDepElements = append(e.BuildDepElements, edge.Resolved)
		}
		if d.Type == DepRuntime || d.Type == DepAll {
			e.RuntimeDeps = append(e.RuntimeDeps, dep)
			e.RuntimeDepElements = append(e.RuntimeDepElements, edge.Resolved)
		}
	}

	variables := mergeStringMap(owner.Variables, stringMapFromNode(le.Raw, "variables"))
	resolvedVars, err := ResolveVariables(variables)
	if err != nil {
		return nil, errors.Wrapf(err, "element %q", le.FullName)
	}
	e.Variables = resolvedVars

	env := mergeStringMap(owner.Environment, stringMapFromNode(le.Raw, "environment"))
	nocache := stringSetFromNode(le.Raw, "environment-nocache")
	e.Environment = make(map[string]string, len(env))
	for k, v := range env {
		if !nocache[k] {
			e.Environment[k], _ = expandOnce(v, resolvedVars)
		}
	}

	e.SplitRules = owner.SplitRules
	if pub, ok := le.Raw.Get("public"); ok {
		e.Public = SubstituteNode(pub, resolvedVars)
	}
	if cfg, ok := le.Raw.Get("config"); ok {
		e.Config = SubstituteNode(cfg, resolvedVars)
	}

	if srcN, ok := le.Raw.Get("sources"); ok {
		for _, sn := range srcN.Sequence {
			e.Sources = append(e.Sources, sourceFromNode(owner, sn))
		}
	}

	if _, workspaced := l.WorkspaceDirs[fullName]; workspaced {
		e.WasWorkspaced = true
	}

	// Initial state machine position, §3: an element whose sources all name
	// an exact ref is born RESOLVED; anything else must pass through
	// TrackQueue first.
	e.State = StateResolved
	for _, s := range e.Sources {
		if !s.IsResolved {
			e.State = StateNeedsTrack
			break
		}
	}

	e.Keys = cachekey.Compute(buildCacheKeyInput(e))

	l.resolved[fullName] = e
	return e, nil
}

func sourceFromNode(owner *project.Project, n *node.Node) *Source {
	s := &Source{Config: n}
	if kn, ok := n.Get("kind"); ok {
		s.Kind = kn.String()
	}
	if refN, ok := n.Get("ref"); ok {
		s.Ref = refN.String()
		s.IsResolved = true
	}
	if urlN, ok := n.Get("url"); ok {
		s.URL = owner.ResolveAlias(urlN.String())
	}
	return s
}

func buildCacheKeyInput(e *Element) cachekey.Input {
	in := cachekey.Input{
		Kind:        e.Kind,
		Variables:   e.Variables,
		Environment: e.Environment,
		SplitRules:  e.SplitRules,
	}
	if e.Public != nil {
		in.Public = node.Canonical(e.Public)
	}
	for _, s := range e.Sources {
		in.SourceUniqueKeys = append(in.SourceUniqueKeys, sourceUniqueKey(s))
	}

	depByName := map[string]bool{}
	for _, d := range e.BuildDeps {
		depByName[d.Target] = true
	}
	for i, d := range e.BuildDeps {
		dep := e.BuildDepElements[i]
		bd := cachekey.BuildDep{
			Name:      d.Target,
			WeakKey:   dep.Keys.Weak,
			StrictKey: dep.Keys.Strict,
			StrongKey: dep.Keys.Strong,
			Strict:    d.Strict,
		}
		in.BuildDeps = append(in.BuildDeps, bd)
	}
	for _, d := range e.RuntimeDeps {
		if depByName[d.Target] {
			continue
		}
		in.RuntimeDepNames = append(in.RuntimeDepNames, d.Target)
	}
	return in
}

// sourceUniqueKey derives the cache-key contribution of a source when no
// concrete capability plugin has computed a richer, content-derived one
// yet (§4.3: "for some plugins also content-derived by fetching and
// staging first" — the default here is the structural fallback used
// before that fetch happens).
func sourceUniqueKey(s *Source) string {
	if s.Ref != "" {
		return s.Kind + "@" + s.Ref
	}
	return s.Kind + ":" + node.Canonical(s.Config)
}

func mergeStringMap(base map[string]string, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func stringMapFromNode(n *node.Node, key string) map[string]string {
	out := map[string]string{}
	v, ok := n.Get(key)
	if !ok {
		return out
	}
	for _, e := range v.Mapping {
		out[e.Key] = e.Value.String()
	}
	return out
}

func stringSetFromNode(n *node.Node, key string) map[string]bool {
	out := map[string]bool{}
	v, ok := n.Get(key)
	if !ok {
		return out
	}
	for _, item := range v.Sequence {
		out[item.Scalar] = true
	}
	return out
}

// splitDependencyName splits a possibly junction-qualified reference
// ("sub:deep:hello.bst") into its junction chain ("sub:deep") and leaf
// name ("hello.bst"), per §4.2 step 3's "`:` in a name is parsed as
// `junction:filename`" rule.
func splitDependencyName(name string) (chain, leaf string) {
	idx := strings.LastIndex(name, ":")
	if idx < 0 {
		return "", name
	}
	return name[:idx], name[idx+1:]
}

func joinJunction(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ":")
}

// parseElementFile tries each of the project's element search directories
// in order, returning the first one whose file parses successfully. This
// also doubles as the existence check, so it works identically against a
// real filesystem-backed ParseFunc and an in-memory one used in tests.
func (l *Loader) parseElementFile(p *project.Project, leaf string) (string, *node.Node, error) {
	var lastErr error
	for _, dir := range p.ElementPath {
		candidate := filepath.Join(p.RootDir, dir, leaf)
		n, err := l.Parse(candidate)
		if err == nil {
			return candidate, n, nil
		}
		lastErr = err
	}
	return "", nil, errors.Wrapf(lastErr, "element %q not found in any of %v", leaf, p.ElementPath)
}
