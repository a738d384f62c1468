package source

import (
	"context"
	"os"

	"github.com/cpuguy83/dockercfg"
	dockerclient "github.com/cpuguy83/go-docker"
	"github.com/cpuguy83/go-docker/container"
	dockerimage "github.com/cpuguy83/go-docker/image"
	dockerspec "github.com/moby/docker-image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/cas"
	"github.com/buildstream-go/buildstream/node"
)

// dockerImageManifestSchema names the image manifest schema this plugin
// expects the daemon to hand back. No code compares a pulled image's
// manifest against it.
const dockerImageManifestSchema = dockerspec.MediaTypeManifest

// DockerImagePlugin implements the `docker-image` source kind: an
// illustrative concrete source whose content is an OCI/Docker image's
// exported root filesystem, pulled via the local Docker daemon. The host's
// docker config is loaded (an unreadable one is an error), but no
// credentials from it are passed with the pull. It is illustrative (§B of SPEC_FULL.md) —
// real deployments are as likely to wire a plain registry client — but it
// exercises the full docker-image dependency stack the example corpus
// carries.
type DockerImagePlugin struct{}

func (p *DockerImagePlugin) Kind() string { return "docker-image" }

func dockerImageRef(config *node.Node) (string, error) {
	imageN, ok := config.Get("image")
	if !ok {
		return "", errors.New("docker-image source missing required key \"image\"")
	}
	return imageN.String(), nil
}

func dockerClient() (*dockerclient.Client, error) {
	if _, err := dockercfg.LoadDefaultConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "loading docker config for registry auth")
	}
	return dockerclient.NewClient(), nil
}

// pullAndCreate pulls image and creates a stopped throwaway container from
// it, the unit both Track and Fetch build on. The caller removes the
// container via the returned cleanup.
func pullAndCreate(ctx context.Context, cl *dockerclient.Client, image string) (*container.Container, func(), error) {
	remote, err := dockerimage.ParseRef(image)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "parsing image ref %q", image)
	}
	if err := cl.ImageService().Pull(ctx, remote); err != nil {
		return nil, nil, errors.Wrapf(err, "pulling %s", image)
	}

	ctr, err := cl.ContainerService().Create(ctx, image)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating throwaway container")
	}
	cleanup := func() {
		_ = cl.ContainerService().Remove(context.WithoutCancel(ctx), ctr.ID(), container.WithRemoveForce)
	}
	return ctr, cleanup, nil
}

// Track resolves the image reference to the content-derived image ID the
// daemon reports.
func (p *DockerImagePlugin) Track(ctx context.Context, config *node.Node) (string, error) {
	image, err := dockerImageRef(config)
	if err != nil {
		return "", err
	}
	cl, err := dockerClient()
	if err != nil {
		return "", err
	}

	ctr, cleanup, err := pullAndCreate(ctx, cl, image)
	if err != nil {
		return "", err
	}
	defer cleanup()

	inspect, err := ctr.Inspect(ctx)
	if err != nil {
		return "", errors.Wrapf(err, "inspecting container for %s", image)
	}
	return inspect.Image, nil
}

// Fetch pulls the image and exports its root filesystem into CAS via a
// throwaway container, mirroring `docker export`.
func (p *DockerImagePlugin) Fetch(ctx context.Context, cc *cas.Client, config *node.Node, ref string) (cas.Digest, error) {
	image, err := dockerImageRef(config)
	if err != nil {
		return cas.Digest{}, err
	}
	if ref != "" {
		// Pin to the tracked image ID rather than the moving tag.
		image = ref
	}

	cl, err := dockerClient()
	if err != nil {
		return cas.Digest{}, err
	}

	ctr, cleanup, err := pullAndCreate(ctx, cl, image)
	if err != nil {
		return cas.Digest{}, err
	}
	defer cleanup()

	rc, err := ctr.Export(ctx)
	if err != nil {
		return cas.Digest{}, errors.Wrap(err, "exporting container filesystem")
	}
	defer rc.Close()

	dir, err := os.MkdirTemp("", "buildstream-docker-image-")
	if err != nil {
		return cas.Digest{}, err
	}
	defer os.RemoveAll(dir)

	if err := extractTar(rc, dir); err != nil {
		return cas.Digest{}, errors.Wrap(err, "extracting exported container filesystem")
	}

	return cc.Capture(ctx, dir)
}

func (p *DockerImagePlugin) Stage(ctx context.Context, cc *cas.Client, tree cas.Digest, destPath string) error {
	return cc.Stage(ctx, tree, destPath)
}

// GetUniqueKey for a docker-image source is its resolved content digest,
// exact and content-derived the moment Track has run.
func (p *DockerImagePlugin) GetUniqueKey(config *node.Node, ref string) string {
	return "docker-image:" + ref
}

func (p *DockerImagePlugin) RequiresStage() bool { return false }
