// Package cachekey computes the weak, strict and strong cache keys for an
// element, §4.3. It has no dependency on the element/loader packages: the
// caller (element.Element) builds an Input describing itself and its
// already-keyed dependencies and hands it to Compute.
package cachekey

import (
	"bytes"
	"sort"

	"github.com/opencontainers/go-digest"
)

// Key is a fixed-width hex digest addressing a canonical element
// representation. The empty Key is the zero value and is never a valid
// computed key.
type Key string

func (k Key) String() string { return string(k) }

// Empty reports whether k has not been computed.
func (k Key) Empty() bool { return k == "" }

// BuildDep describes one build-dependency's contribution to a cache key
// computation. Runtime-only dependencies contribute only their Name (and,
// for the weak key, only when not individually strict) — see Compute.
type BuildDep struct {
	Name string
	// WeakKey is used in the weak-key formula when the edge is not itself
	// strict.
	WeakKey Key
	// StrictKey is used in the strict-key formula, and in the weak-key
	// formula for an edge that is individually `strict: true`.
	StrictKey Key
	// StrongKey is the dependency's concrete build artifact strong key, set
	// only once that dependency's artifact has actually been resolved
	// (pulled or built). Empty otherwise.
	StrongKey Key
	// Strict records whether this specific dependency edge was declared
	// `strict: true` (§3 Dependency, §4.3 strict-mode policy).
	Strict bool
}

// Input is the canonicalised, content-relevant description of one element
// used to compute its three cache keys.
type Input struct {
	Kind        string
	Variables   map[string]string
	Environment map[string]string
	Public      string // pre-serialised, canonical public-data blob
	SplitRules  map[string][]string

	// SourceUniqueKeys are the ordered unique-key contributions of each of
	// the element's sources (§4.3 "sources-unique-keys").
	SourceUniqueKeys []string

	// RuntimeDepNames are the names of dependencies that are runtime-only
	// (no build edge), contributing to the weak key only by name.
	RuntimeDepNames []string

	// BuildDeps are this element's build dependencies, already processed
	// in the deterministic dependency-sort order (§4.2 rule 6) so that
	// Compute never needs to re-sort.
	BuildDeps []BuildDep
}

// Keys holds the three computed cache keys for an element.
type Keys struct {
	Weak   Key
	Strict Key
	Strong Key
}

// Compute derives weak, strict and strong keys from in, per the formulas in
// §4.3:
//
//	weak   = hash(kind || variables || environment || public || sources || runtime-dep-names || weak-keys-of-non-strict-build-deps)
//	strict = hash(kind || variables || environment || public || sources || strict-keys-of-build-deps)
//	strong = if every build dep has a resolved artifact strong key: hash using those strong keys instead of strict keys; else == strict
func Compute(in Input) Keys {
	weak := computeWeak(in)
	strict := computeStrict(in)
	strong := computeStrong(in, strict)
	return Keys{Weak: weak, Strict: strict, Strong: strong}
}

func computeWeak(in Input) Key {
	var buf bytes.Buffer
	writeCommon(&buf, in)

	names := append([]string{}, in.RuntimeDepNames...)
	sort.Strings(names)
	for _, n := range names {
		buf.WriteString("runtime-dep:")
		buf.WriteString(n)
		buf.WriteByte('\n')
	}

	deps := sortedDeps(in.BuildDeps)
	for _, d := range deps {
		buf.WriteString("build-dep:")
		buf.WriteString(d.Name)
		buf.WriteByte(':')
		if d.Strict {
			buf.WriteString(string(d.StrictKey))
		} else {
			buf.WriteString(string(d.WeakKey))
		}
		buf.WriteByte('\n')
	}

	return digestOf(buf.Bytes())
}

func computeStrict(in Input) Key {
	var buf bytes.Buffer
	writeCommon(&buf, in)

	deps := sortedDeps(in.BuildDeps)
	for _, d := range deps {
		buf.WriteString("build-dep:")
		buf.WriteString(d.Name)
		buf.WriteByte(':')
		buf.WriteString(string(d.StrictKey))
		buf.WriteByte('\n')
	}

	return digestOf(buf.Bytes())
}

func computeStrong(in Input, strict Key) Key {
	deps := sortedDeps(in.BuildDeps)
	for _, d := range deps {
		if d.StrongKey.Empty() {
			// Not every dependency's artifact is resolved yet: strong ==
			// strict, per §4.3.
			return strict
		}
	}

	var buf bytes.Buffer
	writeCommon(&buf, in)
	for _, d := range deps {
		buf.WriteString("build-dep:")
		buf.WriteString(d.Name)
		buf.WriteByte(':')
		buf.WriteString(string(d.StrongKey))
		buf.WriteByte('\n')
	}
	return digestOf(buf.Bytes())
}

func writeCommon(buf *bytes.Buffer, in Input) {
	buf.WriteString("kind:")
	buf.WriteString(in.Kind)
	buf.WriteByte('\n')

	for _, k := range sortedKeys(in.Variables) {
		buf.WriteString("var:")
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(in.Variables[k])
		buf.WriteByte('\n')
	}
	for _, k := range sortedKeys(in.Environment) {
		buf.WriteString("env:")
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(in.Environment[k])
		buf.WriteByte('\n')
	}

	buf.WriteString("public:")
	buf.WriteString(in.Public)
	buf.WriteByte('\n')

	for _, k := range sortedSplitRuleKeys(in.SplitRules) {
		buf.WriteString("split:")
		buf.WriteString(k)
		for _, g := range in.SplitRules[k] {
			buf.WriteByte(':')
			buf.WriteString(g)
		}
		buf.WriteByte('\n')
	}

	srcs := append([]string{}, in.SourceUniqueKeys...)
	// Source order is significant (patch application order, §4 Source);
	// do not sort, but keep a stable separator to avoid ambiguous
	// concatenation.
	for _, s := range srcs {
		buf.WriteString("source:")
		buf.WriteString(s)
		buf.WriteByte('\n')
	}
}

func sortedDeps(deps []BuildDep) []BuildDep {
	out := append([]BuildDep{}, deps...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedSplitRuleKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// digestOf is the canonicalisation hash function, advertised by the CAS
// layer as SHA-256 (§4.3, §4.9).
func digestOf(b []byte) Key {
	return Key(digest.Canonical.FromBytes(b).Encoded())
}
