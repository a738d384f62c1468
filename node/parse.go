package node

import (
	"os"

	goyaml "github.com/goccy/go-yaml/parser"
	"github.com/pkg/errors"
)

// ParseFile reads filename from disk and parses it into a Node tree,
// attaching filename provenance to every node.
func ParseFile(filename string) (*Node, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", filename)
	}
	return ParseBytes(filename, data)
}

// ParseBytes parses YAML data as if it came from filename (used for
// provenance only; the bytes need not actually live on disk, e.g. junction
// subproject content fetched from a CAS).
func ParseBytes(filename string, data []byte) (*Node, error) {
	f, err := goyaml.ParseBytes(data, goyaml.ParseComments)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", filename)
	}
	if len(f.Docs) == 0 {
		return &Node{Kind: KindNull}, nil
	}
	return FromAST(filename, f.Docs[0].Body)
}
