package source

import (
	"context"
	"os"
	"os/exec"

	"github.com/google/shlex"
	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/cas"
	"github.com/buildstream-go/buildstream/node"
)

// CmdPlugin implements the `cmd` source kind: runs a declared shell
// command in a scratch directory and captures whatever it wrote there.
// Useful for vendored generators that don't fit any other source shape.
type CmdPlugin struct{}

func (p *CmdPlugin) Kind() string { return "cmd" }

// Track is a no-op: a cmd source's ref is the command line itself, which
// is already pinned by the element's cache key.
func (p *CmdPlugin) Track(ctx context.Context, config *node.Node) (string, error) {
	return "", nil
}

func (p *CmdPlugin) Fetch(ctx context.Context, cc *cas.Client, config *node.Node, ref string) (cas.Digest, error) {
	cmdN, ok := config.Get("command")
	if !ok {
		return cas.Digest{}, errors.New("cmd source missing required key \"command\"")
	}
	argv, err := shlex.Split(cmdN.String())
	if err != nil || len(argv) == 0 {
		return cas.Digest{}, errors.Wrapf(err, "parsing cmd source command %q", cmdN.String())
	}

	dir, err := os.MkdirTemp("", "buildstream-cmdsrc-")
	if err != nil {
		return cas.Digest{}, err
	}
	defer os.RemoveAll(dir)

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = dir
	if out, err := c.CombinedOutput(); err != nil {
		return cas.Digest{}, errors.Wrapf(err, "running cmd source %q: %s", cmdN.String(), out)
	}

	return cc.Capture(ctx, dir)
}

func (p *CmdPlugin) Stage(ctx context.Context, cc *cas.Client, tree cas.Digest, destPath string) error {
	return cc.Stage(ctx, tree, destPath)
}

func (p *CmdPlugin) GetUniqueKey(config *node.Node, ref string) string {
	cmdN, _ := config.Get("command")
	return "cmd:" + cmdN.String()
}

func (p *CmdPlugin) RequiresStage() bool { return false }
