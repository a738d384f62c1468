// Package source implements concrete Source capability plugins: local,
// git, tar/http and cmd, plus an illustrative docker-image plugin
// exercising the OCI registry stack from the example corpus. Each
// implements the Plugin capability interface (§3 "Source": track, fetch,
// stage, get_unique_key) that the Fetch/Track queues depend on; concrete fetchers are themselves an external
// collaborator per spec.md §1, so this package is a thin, swappable
// reference set rather than the final word on what plugins a project can
// load (project.PluginRegistry governs that).
package source

import (
	"context"

	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/cas"
	"github.com/buildstream-go/buildstream/node"
)

// Plugin is the capability contract a concrete source kind implements,
// §3 "Source" capabilities.
type Plugin interface {
	// Kind is the `kind:` string this plugin registers under.
	Kind() string

	// Track discovers the latest ref for a source whose config does not
	// pin one explicitly (or is asked to re-resolve), TrackQueue's job.
	Track(ctx context.Context, config *node.Node) (ref string, err error)

	// Fetch retrieves the source's content, at ref, into the local source
	// cache, returning a CAS Directory digest suitable for staging.
	// FetchQueue's job.
	Fetch(ctx context.Context, cc *cas.Client, config *node.Node, ref string) (tree cas.Digest, err error)

	// Stage materialises a previously-fetched tree into a sandbox
	// directory.
	Stage(ctx context.Context, cc *cas.Client, tree cas.Digest, destPath string) error

	// GetUniqueKey returns this source's cache-key contribution. Per §4.3,
	// for sources whose content is named directly (e.g. a git SHA) this
	// needs no fetch; RequiresStage reports when it does.
	GetUniqueKey(config *node.Node, ref string) string

	// RequiresStage reports whether GetUniqueKey needs fetch+stage to have
	// already happened to produce a content-derived key (§3 Source:
	// "requires_stage").
	RequiresStage() bool
}

// Registry maps a source kind string to its Plugin implementation. It is
// constructed once at startup; concurrent reads are safe.
type Registry struct {
	byKind map[string]Plugin
}

// NewRegistry builds a Registry from plugins, erroring on a duplicate
// Kind().
func NewRegistry(plugins ...Plugin) (*Registry, error) {
	r := &Registry{byKind: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		if _, ok := r.byKind[p.Kind()]; ok {
			return nil, errors.Errorf("duplicate source plugin for kind %q", p.Kind())
		}
		r.byKind[p.Kind()] = p
	}
	return r, nil
}

// Lookup returns the plugin registered for kind, if any.
func (r *Registry) Lookup(kind string) (Plugin, bool) {
	p, ok := r.byKind[kind]
	return p, ok
}

// Default returns a Registry preloaded with this package's reference
// plugins (local, git, tar, cmd, docker-image). Projects with their own
// plugin origins (§4.1 PluginOrigin) layer on top of or replace these.
func Default() *Registry {
	reg, err := NewRegistry(
		&LocalPlugin{},
		&GitPlugin{},
		&TarPlugin{},
		&CmdPlugin{},
		&DockerImagePlugin{},
	)
	if err != nil {
		// Kinds are distinct literals declared in this package; a collision
		// here is a programming error, not a runtime condition.
		panic(err)
	}
	return reg
}
