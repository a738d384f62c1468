package project

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/node"
)

// OptionKind is the declared type of a project Option, §3.
type OptionKind string

const (
	OptionBool        OptionKind = "bool"
	OptionEnum        OptionKind = "enum"
	OptionFlags       OptionKind = "flags"
	OptionString      OptionKind = "string"
	OptionArch        OptionKind = "arch"
	OptionOS          OptionKind = "os"
	OptionElementMask OptionKind = "element-mask"
)

// Option is a named typed configuration input declared by a project.
type Option struct {
	Name        string
	Kind        OptionKind
	Description string

	// Values is the closed set of legal values for enum/flags/arch/os
	// options. Unused for bool/string/element-mask.
	Values []string

	// Default is the value assigned before any caller/CLI override, in its
	// string-serialised form (e.g. "true"/"false" for bool).
	Default string
}

// DuplicateOptionError corresponds to the `DuplicateOption` load failure in
// §4.1.
type DuplicateOptionError struct {
	Name string
}

func (e *DuplicateOptionError) Error() string {
	return "duplicate option declared: " + e.Name
}

// Options is the ordered set of option declarations for a project, plus
// their current resolved values.
type Options struct {
	decls  map[string]*Option
	order  []string
	values node.OptionValues
}

func NewOptions() *Options {
	return &Options{decls: make(map[string]*Option), values: make(node.OptionValues)}
}

// Declare registers an option, failing with DuplicateOptionError on a name
// collision (§3 invariant: option names are unique).
func (o *Options) Declare(opt Option) error {
	if _, ok := o.decls[opt.Name]; ok {
		return errors.WithStack(&DuplicateOptionError{Name: opt.Name})
	}
	if err := validateDefault(opt); err != nil {
		return errors.Wrapf(err, "option %q", opt.Name)
	}
	cp := opt
	o.decls[opt.Name] = &cp
	o.order = append(o.order, opt.Name)
	o.values[opt.Name] = opt.Default
	return nil
}

func validateDefault(opt Option) error {
	switch opt.Kind {
	case OptionBool:
		if _, err := strconv.ParseBool(opt.Default); opt.Default != "" && err != nil {
			return errors.Errorf("default %q is not a bool", opt.Default)
		}
	case OptionEnum, OptionArch, OptionOS:
		if opt.Default != "" && !contains(opt.Values, opt.Default) {
			return errors.Errorf("default %q is not one of %v", opt.Default, opt.Values)
		}
	}
	return nil
}

func contains(ls []string, v string) bool {
	for _, s := range ls {
		if s == v {
			return true
		}
	}
	return false
}

// Override applies a caller/CLI-supplied value for an already-declared
// option (§4.1: "user/CLI overrides applied as a second pass").
func (o *Options) Override(name, value string) error {
	decl, ok := o.decls[name]
	if !ok {
		return errors.Errorf("unknown option %q", name)
	}
	switch decl.Kind {
	case OptionEnum, OptionArch, OptionOS:
		if !contains(decl.Values, value) {
			return errors.Errorf("option %q: value %q is not one of %v", name, value, decl.Values)
		}
	case OptionBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return errors.Errorf("option %q: %q is not a bool", name, value)
		}
	}
	o.values[name] = value
	return nil
}

// Values returns the resolved option environment used to evaluate (?)
// conditionals and %{...} variable substitution.
func (o *Options) Values() node.OptionValues {
	return o.values
}

// Declared returns the option names in declaration order.
func (o *Options) Declared() []string {
	return append([]string{}, o.order...)
}

func (o *Options) Get(name string) (*Option, bool) {
	d, ok := o.decls[name]
	return d, ok
}
