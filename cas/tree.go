package cas

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	v2 "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/pkg/errors"
	"github.com/tonistiigi/fsutil"
	"google.golang.org/protobuf/proto"
)

// Capture ingests the local directory tree rooted at path into CAS,
// returning the Digest of its root Directory proto (§4.9 "capture(path,
// node_properties)"). Every regular file becomes a blob; directories
// recurse into child Directory blobs; symlinks are recorded by target
// without being followed. Walking goes through fsutil so capture sees the
// same file classification (regular/dir/symlink, executable bit) that the
// sandbox staging path uses when it later snapshots a build's outputs.
func (c *Client) Capture(ctx context.Context, path string) (Digest, error) {
	type dirBuilder struct {
		files    []*v2.FileNode
		dirs     map[string]*dirBuilder
		symlinks []*v2.SymlinkNode
	}
	root := &dirBuilder{dirs: map[string]*dirBuilder{}}
	blobs := map[Digest][]byte{}

	walkErr := fsutil.Walk(ctx, path, nil, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		parts := splitPath(rel)
		dir := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := dir.dirs[part]
			if !ok {
				child = &dirBuilder{dirs: map[string]*dirBuilder{}}
				dir.dirs[part] = child
			}
			dir = child
		}
		name := parts[len(parts)-1]

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return errors.Wrapf(err, "reading symlink %s", p)
			}
			dir.symlinks = append(dir.symlinks, &v2.SymlinkNode{Name: name, Target: target})
		case info.IsDir():
			if _, ok := dir.dirs[name]; !ok {
				dir.dirs[name] = &dirBuilder{dirs: map[string]*dirBuilder{}}
			}
		default:
			data, err := os.ReadFile(p)
			if err != nil {
				return errors.Wrapf(err, "reading %s", p)
			}
			d := FromBytes(data)
			blobs[d] = data
			dir.files = append(dir.files, &v2.FileNode{
				Name:         name,
				Digest:       d.ToProto(),
				IsExecutable: info.Mode()&0o111 != 0,
			})
		}
		return nil
	})
	if walkErr != nil {
		return Digest{}, errors.Wrapf(walkErr, "capturing %s", path)
	}

	var build func(*dirBuilder) (Digest, error)
	build = func(b *dirBuilder) (Digest, error) {
		dirProto := &v2.Directory{Files: b.files, Symlinks: b.symlinks}

		names := make([]string, 0, len(b.dirs))
		for name := range b.dirs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			childDigest, err := build(b.dirs[name])
			if err != nil {
				return Digest{}, err
			}
			dirProto.Directories = append(dirProto.Directories, &v2.DirectoryNode{
				Name:   name,
				Digest: childDigest.ToProto(),
			})
		}

		sort.Slice(dirProto.Files, func(i, j int) bool { return dirProto.Files[i].Name < dirProto.Files[j].Name })
		sort.Slice(dirProto.Symlinks, func(i, j int) bool { return dirProto.Symlinks[i].Name < dirProto.Symlinks[j].Name })

		raw, err := proto.Marshal(dirProto)
		if err != nil {
			return Digest{}, err
		}
		d := FromBytes(raw)
		blobs[d] = raw
		return d, nil
	}

	rootDigest, err := build(root)
	if err != nil {
		return Digest{}, err
	}
	if err := c.BatchUpdateBlobs(ctx, blobs); err != nil {
		return Digest{}, errors.Wrap(err, "uploading captured tree")
	}
	return rootDigest, nil
}

// Stage materialises the Directory tree addressed by root onto disk at
// targetPath (§4.9 "stage(root_digest, target_path)"), the inverse of
// Capture: the Sandbox Interface calls this to prepare a build root from
// staged sources and build-dependency artifacts.
func (c *Client) Stage(ctx context.Context, root Digest, targetPath string) error {
	dirs, err := c.GetTree(ctx, root)
	if err != nil {
		return errors.Wrap(err, "fetching tree for stage")
	}
	byDigest := make(map[Digest]*v2.Directory, len(dirs))
	for _, d := range dirs {
		raw, err := proto.Marshal(d)
		if err != nil {
			return err
		}
		byDigest[FromBytes(raw)] = d
	}

	var allFileDigests []Digest
	var collect func(*v2.Directory)
	collect = func(d *v2.Directory) {
		for _, f := range d.Files {
			allFileDigests = append(allFileDigests, FromProto(f.Digest))
		}
		for _, sub := range d.Directories {
			if child, ok := byDigest[FromProto(sub.Digest)]; ok {
				collect(child)
			}
		}
	}
	rootDir, ok := byDigest[root]
	if !ok {
		return errors.Errorf("stage: root directory %s not found in fetched tree", root)
	}
	collect(rootDir)

	blobs, err := c.BatchReadBlobs(ctx, allFileDigests)
	if err != nil {
		return errors.Wrap(err, "reading file blobs for stage")
	}

	var writeDir func(d *v2.Directory, dest string) error
	writeDir = func(d *v2.Directory, dest string) error {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		for _, f := range d.Files {
			data := blobs[FromProto(f.Digest)]
			mode := os.FileMode(0o644)
			if f.IsExecutable {
				mode = 0o755
			}
			if err := os.WriteFile(filepath.Join(dest, f.Name), data, mode); err != nil {
				return err
			}
		}
		for _, s := range d.Symlinks {
			link := filepath.Join(dest, s.Name)
			os.Remove(link)
			if err := os.Symlink(s.Target, link); err != nil {
				return err
			}
		}
		for _, sub := range d.Directories {
			child, ok := byDigest[FromProto(sub.Digest)]
			if !ok {
				return errors.Errorf("stage: subdirectory %s missing from tree", sub.Name)
			}
			if err := writeDir(child, filepath.Join(dest, sub.Name)); err != nil {
				return err
			}
		}
		return nil
	}

	return writeDir(rootDir, targetPath)
}

func splitPath(rel string) []string {
	return strings.Split(filepath.ToSlash(rel), "/")
}
