package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// projectDocument mirrors the declarative project.conf surface (§6
// "Project manifest") for schema generation. It is a documentation shape
// only: the real loader works on the generic Node tree so that directives
// and provenance survive, which struct unmarshalling would discard.
type projectDocument struct {
	Name        string              `json:"name" jsonschema:"required,description=Project name"`
	MinVersion  int                 `json:"min-version,omitempty" jsonschema:"description=Minimum format version this project requires"`
	ElementPath []string            `json:"element-path,omitempty" jsonschema:"description=Search directories for element files"`
	Aliases     map[string]string   `json:"aliases,omitempty" jsonschema:"description=Source alias to URL-prefix mapping"`
	Options     map[string]optionDocument `json:"options,omitempty" jsonschema:"description=Project option declarations"`
	Plugins      map[string][]map[string]interface{} `json:"plugins,omitempty" jsonschema:"description=Plugin origins by kind (local, junction, pip)"`
	Variables    map[string]string                   `json:"variables,omitempty"`
	Environment  map[string]string                   `json:"environment,omitempty"`
	SplitRules   map[string][]string                 `json:"split-rules,omitempty"`
	Artifacts    []map[string]interface{}            `json:"artifacts,omitempty" jsonschema:"description=Remote artifact cache endpoints"`
	SourceCaches []map[string]interface{}            `json:"source-caches,omitempty" jsonschema:"description=Remote source cache endpoints"`
	Defaults     map[string]interface{}              `json:"defaults,omitempty" jsonschema:"description=Per-element-kind default configuration"`
}

// optionDocument is one option declaration under project.conf's
// `options:` mapping.
type optionDocument struct {
	Type        string   `json:"type" jsonschema:"enum=bool,enum=enum,enum=flags,enum=string,enum=arch,enum=os,enum=element-mask"`
	Description string   `json:"description,omitempty"`
	Values      []string `json:"values,omitempty"`
	Default     string   `json:"default,omitempty"`
}

// elementDocument mirrors the element file surface (§4.2 step 1's allowed
// key set).
type elementDocument struct {
	Kind        string `json:"kind" jsonschema:"required,description=Element kind (plugin name)"`
	Description string `json:"description,omitempty"`
	Depends     []interface{} `json:"depends,omitempty" jsonschema:"description=Dependencies; a name or a {filename, type, junction, strict} mapping"`
	BuildDepends   []interface{}            `json:"build-depends,omitempty"`
	RuntimeDepends []interface{}            `json:"runtime-depends,omitempty"`
	Sources        []map[string]interface{} `json:"sources,omitempty" jsonschema:"description=Source declarations (kind, url, ref, ...)"`
	Sandbox        map[string]interface{}   `json:"sandbox,omitempty"`
	Variables      map[string]string        `json:"variables,omitempty"`
	Environment    map[string]string        `json:"environment,omitempty"`
	EnvironmentNocache []string               `json:"environment-nocache,omitempty" jsonschema:"description=Environment keys excluded from cache keys"`
	Config             map[string]interface{} `json:"config,omitempty" jsonschema:"description=Kind-specific configuration"`
	Public             map[string]interface{} `json:"public,omitempty"`
	Target             string                 `json:"target,omitempty" jsonschema:"description=Link elements only: the element this link forwards to"`
}

// runSchema prints the JSON Schema of one of the declarative file
// surfaces, for editor integration and validation tooling.
func runSchema(args []string) error {
	which := "element"
	if len(args) > 0 {
		which = args[0]
	}

	r := &jsonschema.Reflector{ExpandedStruct: true}
	var schema *jsonschema.Schema
	switch which {
	case "project":
		schema = r.Reflect(&projectDocument{})
	case "element":
		schema = r.Reflect(&elementDocument{})
	default:
		return errors.Errorf("unknown schema %q (want project or element)", which)
	}

	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding schema")
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
