package source

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/moby/buildkit/util/gitutil"
	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/cas"
	"github.com/buildstream-go/buildstream/node"
)

// GitPlugin implements the `git` source kind: tracking discovers the
// commit a branch/tag currently points at; fetch clones at that commit
// into a scratch directory which is then captured into CAS.
type GitPlugin struct{}

func (p *GitPlugin) Kind() string { return "git" }

func gitConfig(config *node.Node) (url, trackRef string, err error) {
	urlN, ok := config.Get("url")
	if !ok {
		return "", "", errors.New("git source missing required key \"url\"")
	}
	parsed, err := gitutil.ParseURL(urlN.String())
	if err != nil {
		return "", "", errors.Wrapf(err, "parsing git url %q", urlN.String())
	}
	trackRef = "HEAD"
	if trackN, ok := config.Get("track"); ok {
		trackRef = trackN.String()
	}
	return parsed.Remote, trackRef, nil
}

// Track runs `git ls-remote` against the configured branch/tag and
// returns the commit it currently resolves to.
func (p *GitPlugin) Track(ctx context.Context, config *node.Node) (string, error) {
	url, trackRef, err := gitConfig(config)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, "git", "ls-remote", url, trackRef)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "git ls-remote %s %s", url, trackRef)
	}
	line := strings.SplitN(strings.TrimSpace(out.String()), "\t", 2)
	if len(line) == 0 || line[0] == "" {
		return "", errors.Errorf("git ls-remote %s %s: no matching ref", url, trackRef)
	}
	return line[0], nil
}

// Fetch clones url at ref into a scratch checkout directory, then captures
// the tree (minus .git) into CAS.
func (p *GitPlugin) Fetch(ctx context.Context, cc *cas.Client, config *node.Node, ref string) (cas.Digest, error) {
	url, _, err := gitConfig(config)
	if err != nil {
		return cas.Digest{}, err
	}
	if ref == "" {
		return cas.Digest{}, errors.New("git source has no resolved ref; run track first")
	}

	dir, err := os.MkdirTemp("", "buildstream-git-")
	if err != nil {
		return cas.Digest{}, err
	}
	defer os.RemoveAll(dir)

	for _, cmd := range [][]string{
		{"git", "-C", dir, "init", "-q"},
		{"git", "-C", dir, "fetch", "-q", "--depth=1", url, ref},
		{"git", "-C", dir, "checkout", "-q", "FETCH_HEAD"},
	} {
		c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
		if err := c.Run(); err != nil {
			return cas.Digest{}, errors.Wrapf(err, "running %v", cmd)
		}
	}
	if err := os.RemoveAll(dir + "/.git"); err != nil {
		return cas.Digest{}, err
	}

	return cc.Capture(ctx, dir)
}

func (p *GitPlugin) Stage(ctx context.Context, cc *cas.Client, tree cas.Digest, destPath string) error {
	return cc.Stage(ctx, tree, destPath)
}

// GetUniqueKey for git is the resolved commit SHA itself: content-derived
// and already exact, so no fetch+stage is needed to compute it.
func (p *GitPlugin) GetUniqueKey(config *node.Node, ref string) string {
	return "git:" + ref
}

func (p *GitPlugin) RequiresStage() bool { return false }
