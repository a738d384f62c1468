package source

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/cas"
	"github.com/buildstream-go/buildstream/node"
)

// TarPlugin implements the `tar` source kind: an http(s) URL naming a
// (possibly gzipped) tarball, extracted into a scratch directory and
// captured into CAS. Exercises scenario 2's "minimal userland tar".
type TarPlugin struct{}

func (p *TarPlugin) Kind() string { return "tar" }

// Track is a no-op: a tar source is pinned by its ref (typically a
// checksum), not a moving upstream pointer.
func (p *TarPlugin) Track(ctx context.Context, config *node.Node) (string, error) {
	return "", nil
}

func (p *TarPlugin) Fetch(ctx context.Context, cc *cas.Client, config *node.Node, ref string) (cas.Digest, error) {
	urlN, ok := config.Get("url")
	if !ok {
		return cas.Digest{}, errors.New("tar source missing required key \"url\"")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlN.String(), nil)
	if err != nil {
		return cas.Digest{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return cas.Digest{}, errors.Wrapf(err, "fetching %s", urlN.String())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cas.Digest{}, errors.Errorf("fetching %s: status %s", urlN.String(), resp.Status)
	}

	dir, err := os.MkdirTemp("", "buildstream-tar-")
	if err != nil {
		return cas.Digest{}, err
	}
	defer os.RemoveAll(dir)

	var body io.Reader = resp.Body
	if strings.HasSuffix(urlN.String(), ".gz") || strings.HasSuffix(urlN.String(), ".tgz") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return cas.Digest{}, errors.Wrap(err, "opening gzip stream")
		}
		defer gz.Close()
		body = gz
	}

	if err := extractTar(body, dir); err != nil {
		return cas.Digest{}, errors.Wrapf(err, "extracting %s", urlN.String())
	}

	return cc.Capture(ctx, dir)
}

func extractTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(filepath.Separator)) {
			return errors.Errorf("tar entry %q escapes extraction root", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func (p *TarPlugin) Stage(ctx context.Context, cc *cas.Client, tree cas.Digest, destPath string) error {
	return cc.Stage(ctx, tree, destPath)
}

func (p *TarPlugin) GetUniqueKey(config *node.Node, ref string) string {
	refN, _ := config.Get("ref")
	urlN, _ := config.Get("url")
	return "tar:" + urlN.String() + "@" + refN.String()
}

func (p *TarPlugin) RequiresStage() bool { return false }
