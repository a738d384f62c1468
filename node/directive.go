package node

import (
	"github.com/pkg/errors"
)

// Directive mapping keys recognised during composition, §4.2/§6.
const (
	DirectiveInclude     = "(@)"
	DirectiveConditional = "(?)"
	DirectiveAppend      = "(>)"
	DirectivePrepend     = "(<)"
	DirectiveOverwrite   = "(=)"
)

// IncludeResolver loads the Node tree for an included file path, relative to
// whatever base the caller considers appropriate (project root, or the
// including file's directory).
type IncludeResolver func(path string) (*Node, error)

// CircularIncludeError is returned when following (@) directives revisits a
// file already on the current inclusion stack.
type CircularIncludeError struct {
	Chain []string
}

func (e *CircularIncludeError) Error() string {
	s := "circular include: "
	for i, f := range e.Chain {
		if i > 0 {
			s += " -> "
		}
		s += f
	}
	return s
}

// Composer applies (@)/(?)/(>)/(<)/(=) directives to a Node tree. It is a
// pure transformation `Node -> Node` parameterised by the option
// environment and an include resolver, per the design note in §9.
type Composer struct {
	Resolve IncludeResolver
	Opts    OptionValues

	stack []string // include cycle detection
}

// Compose returns a new Node tree with every directive expanded. The input
// is not mutated.
func (c *Composer) Compose(file string, n *Node) (*Node, error) {
	return c.composeNode(file, n)
}

func (c *Composer) composeNode(file string, n *Node) (*Node, error) {
	if n == nil {
		return nil, nil
	}
	switch n.Kind {
	case KindMapping:
		return c.composeMapping(file, n)
	case KindSequence:
		return c.composeSequence(file, n)
	default:
		return n, nil
	}
}

func (c *Composer) composeMapping(file string, n *Node) (*Node, error) {
	out := &Node{Kind: KindMapping, Pos: n.Pos}

	for _, entry := range n.Mapping {
		switch entry.Key {
		case DirectiveInclude:
			if err := c.applyInclude(file, entry.Value, out); err != nil {
				return nil, err
			}
			continue
		case DirectiveConditional:
			if err := c.applyConditional(file, entry.Value, out); err != nil {
				return nil, err
			}
			continue
		}

		val, err := c.composeNode(file, entry.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "key %q", entry.Key)
		}
		out.Set(entry.Key, val, entry.KeyPos)
	}

	return out, nil
}

// applyInclude expands `(@): [a.yml, b.yml]` (or a bare scalar path) and
// merges each included Mapping into dst with last-wins semantics, preserving
// the included file's own provenance on the merged values.
func (c *Composer) applyInclude(file string, spec *Node, dst *Node) error {
	var paths []string
	switch spec.Kind {
	case KindScalar:
		paths = []string{spec.Scalar}
	case KindSequence:
		for _, item := range spec.Sequence {
			if item.Kind != KindScalar {
				return errors.New("(@) include entries must be scalar file paths")
			}
			paths = append(paths, item.Scalar)
		}
	default:
		return errors.New("(@) include must be a scalar or a sequence of scalars")
	}

	for _, p := range paths {
		for _, seen := range c.stack {
			if seen == p {
				return &CircularIncludeError{Chain: append(append([]string{}, c.stack...), p)}
			}
		}

		included, err := c.Resolve(p)
		if err != nil {
			return errors.Wrapf(err, "including %q", p)
		}

		c.stack = append(c.stack, p)
		composed, err := c.composeNode(p, included)
		c.stack = c.stack[:len(c.stack)-1]
		if err != nil {
			var cycle *CircularIncludeError
			if errors.As(err, &cycle) {
				return cycle
			}
			return errors.Wrapf(err, "composing included file %q", p)
		}

		if composed.Kind != KindMapping {
			return errors.Errorf("included file %q must contain a mapping", p)
		}
		for _, e := range composed.Mapping {
			dst.Set(e.Key, e.Value, e.KeyPos)
		}
	}

	return nil
}

// applyConditional expands `(?): [{cond: body}, ...]`, compositing every
// matching body's Mapping entries into dst. A matching body that is not a
// Mapping is an error, and (?) is recognised only as a Mapping key, never
// as an item inside a Sequence.
func (c *Composer) applyConditional(file string, spec *Node, dst *Node) error {
	if spec.Kind != KindSequence {
		return errors.New("(?) conditional must be a sequence of single-key mappings")
	}

	for _, clause := range spec.Sequence {
		if clause.Kind != KindMapping || len(clause.Mapping) != 1 {
			return errors.New("(?) conditional entries must be a single `cond: body` mapping")
		}
		entry := clause.Mapping[0]
		matched, err := EvalCond(entry.Key, c.Opts)
		if err != nil {
			return err
		}
		if !matched {
			continue
		}

		body, err := c.composeNode(file, entry.Value)
		if err != nil {
			return errors.Wrapf(err, "condition %q", entry.Key)
		}
		if body.Kind != KindMapping {
			return errors.Errorf("condition %q body must be a mapping", entry.Key)
		}
		for _, e := range body.Mapping {
			dst.Set(e.Key, e.Value, e.KeyPos)
		}
	}

	return nil
}

// composeSequence expands list-composition directives within a Sequence.
// A Sequence containing (>)/(< )/(=) single-key mappings is treated specially:
// (>) appends its body items, (<) prepends them, (=) overwrites the
// accumulated list outright. Plain items are appended in source order.
func (c *Composer) composeSequence(file string, n *Node) (*Node, error) {
	out := &Node{Kind: KindSequence, Pos: n.Pos}

	for _, item := range n.Sequence {
		if item.Kind == KindMapping && len(item.Mapping) == 1 {
			key := item.Mapping[0].Key
			switch key {
			case DirectiveAppend, DirectivePrepend, DirectiveOverwrite:
				body := item.Mapping[0].Value
				composedBody, err := c.composeNode(file, body)
				if err != nil {
					return nil, err
				}
				if composedBody.Kind != KindSequence {
					return nil, errors.Errorf("%s directive body must be a sequence", key)
				}
				switch key {
				case DirectiveAppend:
					out.Sequence = append(out.Sequence, composedBody.Sequence...)
				case DirectivePrepend:
					out.Sequence = append(append([]*Node{}, composedBody.Sequence...), out.Sequence...)
				case DirectiveOverwrite:
					out.Sequence = append([]*Node{}, composedBody.Sequence...)
				}
				continue
			}
		}

		composed, err := c.composeNode(file, item)
		if err != nil {
			return nil, err
		}
		out.Sequence = append(out.Sequence, composed)
	}

	return out, nil
}
