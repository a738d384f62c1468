package source

import (
	"context"

	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/cas"
	"github.com/buildstream-go/buildstream/node"
)

// LocalPlugin implements the `local` source kind: a file or directory
// already present relative to the project, imported verbatim. This is the
// kind exercised by end-to-end scenario 1 ("Trivial import").
type LocalPlugin struct{}

func (p *LocalPlugin) Kind() string { return "local" }

// Track is a no-op: a local source has no upstream ref to discover.
func (p *LocalPlugin) Track(ctx context.Context, config *node.Node) (string, error) {
	return "", nil
}

// Fetch captures the configured local path into CAS. The "path" value is
// passed to capture as written in the element's source config: the loader
// does not resolve it against the project root, so a relative path is
// taken relative to the process's working directory.
func (p *LocalPlugin) Fetch(ctx context.Context, cc *cas.Client, config *node.Node, ref string) (cas.Digest, error) {
	pathN, ok := config.Get("path")
	if !ok {
		return cas.Digest{}, errors.New("local source missing required key \"path\"")
	}
	return cc.Capture(ctx, pathN.String())
}

func (p *LocalPlugin) Stage(ctx context.Context, cc *cas.Client, tree cas.Digest, destPath string) error {
	return cc.Stage(ctx, tree, destPath)
}

// GetUniqueKey for a local source is its path: content changes are picked
// up by re-fetching (capturing) at build time, same as the original
// implementation's local source plugin.
func (p *LocalPlugin) GetUniqueKey(config *node.Node, ref string) string {
	pathN, _ := config.Get("path")
	return "local:" + pathN.String()
}

func (p *LocalPlugin) RequiresStage() bool { return false }
