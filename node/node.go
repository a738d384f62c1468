// Package node implements the generic YAML value tree used throughout the
// loader: a tagged union of Mapping, Sequence, Scalar and Null values, each
// carrying file/line/column provenance so that later stages (option
// resolution, dependency extraction, cache-key computation) can attribute
// errors back to the exact place in the source file that caused them.
//
// Construction goes through goccy/go-yaml's ast package rather than
// unmarshalling directly into Go structs: the loader needs to inspect and
// rewrite the tree (directives, includes, variable expansion) before any
// typed decoding happens.
package node

import (
	"fmt"

	"github.com/goccy/go-yaml/ast"
	"github.com/pkg/errors"
)

// Kind identifies which arm of the tagged union a Node occupies.
type Kind int

const (
	KindNull Kind = iota
	KindScalar
	KindMapping
	KindSequence
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindMapping:
		return "mapping"
	case KindSequence:
		return "sequence"
	default:
		return "null"
	}
}

// Provenance locates a Node (or mapping key) in its originating file.
type Provenance struct {
	File   string
	Line   int
	Column int
}

func (p Provenance) String() string {
	if p.File == "" {
		return fmt.Sprintf("%d:%d", p.Line, p.Column)
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
}

// MappingEntry is one key/value pair of a Mapping node. Order is preserved
// from the source file since list-composition directives ((>),(<),(=)) and
// directive precedence depend on source order.
type MappingEntry struct {
	Key    string
	KeyPos Provenance
	Value  *Node
}

// Node is the generic value tree. Exactly one of Scalar, Mapping or
// Sequence is meaningful, selected by Kind.
type Node struct {
	Kind Kind
	Pos  Provenance

	Scalar   string
	Mapping  []MappingEntry
	Sequence []*Node

	// Tag carries the originating YAML tag (e.g. "!!str", "!!bool") when one
	// was explicit in the source; empty otherwise.
	Tag string
}

// DuplicateKeyError is raised when a Mapping has the same key twice at the
// same level; §3 makes this a hard error.
type DuplicateKeyError struct {
	Key string
	At  Provenance
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate mapping key %q at %s", e.Key, e.At)
}

// Get returns the value for key in a Mapping node, or nil, false if absent
// or if n is not a Mapping.
func (n *Node) Get(key string) (*Node, bool) {
	if n == nil || n.Kind != KindMapping {
		return nil, false
	}
	for _, e := range n.Mapping {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Keys returns the ordered list of mapping keys, or nil if n is not a Mapping.
func (n *Node) Keys() []string {
	if n == nil || n.Kind != KindMapping {
		return nil
	}
	out := make([]string, len(n.Mapping))
	for i, e := range n.Mapping {
		out[i] = e.Key
	}
	return out
}

// Set inserts or overwrites key -> value in a Mapping, preserving the
// position of the first occurrence (last-wins semantics for include
// composition, §4.2).
func (n *Node) Set(key string, val *Node, pos Provenance) {
	for i, e := range n.Mapping {
		if e.Key == key {
			n.Mapping[i].Value = val
			return
		}
	}
	n.Mapping = append(n.Mapping, MappingEntry{Key: key, KeyPos: pos, Value: val})
}

// IsNull reports whether n is nil or an explicit YAML null.
func (n *Node) IsNull() bool {
	return n == nil || n.Kind == KindNull
}

// String returns the raw scalar text, or "" if n is not a Scalar.
func (n *Node) String() string {
	if n == nil || n.Kind != KindScalar {
		return ""
	}
	return n.Scalar
}

// Clone performs a deep copy, used before mutating a shared Node in-place
// during variable substitution (element.SubstituteNode).
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Kind: n.Kind, Pos: n.Pos, Scalar: n.Scalar, Tag: n.Tag}
	if n.Mapping != nil {
		out.Mapping = make([]MappingEntry, len(n.Mapping))
		for i, e := range n.Mapping {
			out.Mapping[i] = MappingEntry{Key: e.Key, KeyPos: e.KeyPos, Value: e.Value.Clone()}
		}
	}
	if n.Sequence != nil {
		out.Sequence = make([]*Node, len(n.Sequence))
		for i, v := range n.Sequence {
			out.Sequence[i] = v.Clone()
		}
	}
	return out
}

// FromAST converts a parsed goccy/go-yaml AST into a Node tree, attaching
// filename provenance to every node and rejecting duplicate mapping keys.
func FromAST(filename string, n ast.Node) (*Node, error) {
	return fromAST(filename, n)
}

func pos(filename string, n ast.Node) Provenance {
	tok := n.GetToken()
	if tok == nil {
		return Provenance{File: filename}
	}
	return Provenance{File: filename, Line: tok.Position.Line, Column: tok.Position.Column}
}

func fromAST(filename string, n ast.Node) (*Node, error) {
	if n == nil {
		return &Node{Kind: KindNull}, nil
	}

	switch v := n.(type) {
	case *ast.NullNode:
		return &Node{Kind: KindNull, Pos: pos(filename, n)}, nil
	case *ast.MappingNode:
		out := &Node{Kind: KindMapping, Pos: pos(filename, n)}
		seen := make(map[string]Provenance, len(v.Values))
		for _, kv := range v.Values {
			key, err := scalarKey(kv.Key)
			if err != nil {
				return nil, err
			}
			kpos := pos(filename, kv.Key)
			if _, ok := seen[key]; ok {
				return nil, errors.WithStack(&DuplicateKeyError{Key: key, At: kpos})
			}
			seen[key] = kpos
			val, err := fromAST(filename, kv.Value)
			if err != nil {
				return nil, errors.Wrapf(err, "key %q", key)
			}
			out.Mapping = append(out.Mapping, MappingEntry{Key: key, KeyPos: kpos, Value: val})
		}
		return out, nil
	case *ast.MappingValueNode:
		// A bare top-level `key: value` pair; treat as a single-entry mapping.
		key, err := scalarKey(v.Key)
		if err != nil {
			return nil, err
		}
		kpos := pos(filename, v.Key)
		val, err := fromAST(filename, v.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "key %q", key)
		}
		return &Node{
			Kind: KindMapping,
			Pos:  pos(filename, n),
			Mapping: []MappingEntry{
				{Key: key, KeyPos: kpos, Value: val},
			},
		}, nil
	case *ast.SequenceNode:
		out := &Node{Kind: KindSequence, Pos: pos(filename, n)}
		for _, item := range v.Values {
			val, err := fromAST(filename, item)
			if err != nil {
				return nil, err
			}
			out.Sequence = append(out.Sequence, val)
		}
		return out, nil
	case ast.ScalarNode:
		return &Node{Kind: KindScalar, Pos: pos(filename, n), Scalar: fmt.Sprintf("%v", v.GetValue())}, nil
	default:
		return nil, errors.Errorf("unsupported yaml node type %T at %s", n, pos(filename, n))
	}
}

func scalarKey(n ast.Node) (string, error) {
	s, ok := n.(ast.ScalarNode)
	if !ok {
		return "", errors.Errorf("mapping key must be a scalar, got %T at %s", n, n.GetToken().Position)
	}
	return fmt.Sprintf("%v", s.GetValue()), nil
}
