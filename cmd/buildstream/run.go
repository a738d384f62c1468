package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/artifact"
	"github.com/buildstream-go/buildstream/cas"
	"github.com/buildstream-go/buildstream/element"
	"github.com/buildstream-go/buildstream/project"
	"github.com/buildstream-go/buildstream/queue"
	"github.com/buildstream-go/buildstream/sandbox"
	"github.com/buildstream-go/buildstream/scheduler"
	"github.com/buildstream-go/buildstream/source"
	"github.com/buildstream-go/buildstream/sourcecache"
)

// env bundles the collaborators every subcommand needs, built once from
// flags common to all of them.
type env struct {
	project *project.Project
	cas     *cas.Client
	cacheDir string
}

func loadEnv(fs *flag.FlagSet, args []string) (*env, []string, error) {
	projectDir := fs.String("project", ".", "project root directory")
	cacheDir := fs.String("cache-dir", filepath.Join(os.TempDir(), "buildstream"), "local cache directory")
	socket := fs.String("cas-socket", "", "local CAS daemon unix socket (empty: dial an embedded daemon)")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	p, err := project.Load(*projectDir, project.Parse)
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading project")
	}

	ctx := context.Background()
	var cc *cas.Client
	if *socket != "" {
		cc, err = cas.DialLocal(ctx, *socket)
	} else {
		cc, err = dialEmbeddedCAS(ctx, *cacheDir)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "connecting to CAS")
	}

	return &env{project: p, cas: cc, cacheDir: *cacheDir}, fs.Args(), nil
}

func (e *env) openArtifactStore() (*artifact.Store, error) {
	dir := filepath.Join(e.cacheDir, "artifacts")
	return artifact.Open(e.cas, filepath.Join(dir, "refs.db"), filepath.Join(dir, "lock"))
}

func (e *env) openSourceStore() (*sourcecache.Store, error) {
	dir := filepath.Join(e.cacheDir, "sources")
	return sourcecache.Open(e.cas, filepath.Join(dir, "refs.db"), filepath.Join(dir, "lock"))
}

// runSchedulerCommand is the shared path for every subcommand that pushes
// targets through the Scheduler with a different WhatToDo set, §4.5
// "run(targets, what_to_do)".
func runSchedulerCommand(ctx context.Context, cmd Command, args []string) error {
	fs := flag.NewFlagSet(string(cmd), flag.ContinueOnError)
	e, targets, err := loadEnv(fs, args)
	if err != nil {
		return err
	}
	defer e.cas.Close()

	loader := element.NewLoader(e.project, project.Parse)
	elements, rootTargets, err := loader.LoadTargets(targets)
	if err != nil {
		return errors.Wrap(err, "loading targets")
	}
	_ = rootTargets

	artifacts, err := e.openArtifactStore()
	if err != nil {
		return err
	}
	defer artifacts.Close()

	sources, err := e.openSourceStore()
	if err != nil {
		return err
	}
	defer sources.Close()

	deps := queue.Deps{
		CAS:         e.cas,
		Sources:     source.Default(),
		Artifacts:   artifacts,
		SourceCache: sources,
	}

	wtd := whatToDoFor(cmd)
	queues := buildQueues(deps, wtd)

	sched := scheduler.New(queues, scheduler.Options{OnError: scheduler.OnErrorContinue})
	result, err := sched.Run(ctx, elements)
	if err != nil {
		return err
	}
	if result.Cancelled {
		return errAborted
	}
	for _, r := range result.Elements {
		if r.State == element.StateFailed {
			return errors.Wrapf(errBuildFailed, "%s: %v", r.Element.FullName, r.FailErr)
		}
	}
	return nil
}

// Sentinel errors mapped to the exit codes of §6 by main.
var (
	errBuildFailed = errors.New("build failed")
	errAborted     = errors.New("aborted by user")
)

func whatToDoFor(cmd Command) scheduler.WhatToDo {
	switch cmd {
	case CmdTrack:
		return scheduler.WhatToDo{Track: true}
	case CmdFetch:
		return scheduler.WhatToDo{Track: true, Fetch: true}
	case CmdPull:
		return scheduler.WhatToDo{Pull: true}
	case CmdPush:
		return scheduler.WhatToDo{Push: true}
	case CmdBuild:
		return scheduler.WhatToDo{Track: true, Pull: true, Fetch: true, Build: true, Push: true}
	default:
		return scheduler.WhatToDo{}
	}
}

// buildQueues constructs queue.StandardOrder's queues, restricted to what
// wtd asks for, §4.4.
func buildQueues(deps queue.Deps, wtd scheduler.WhatToDo) []queue.Queue {
	var qs []queue.Queue
	if wtd.Track {
		qs = append(qs, queue.NewTrackQueue(deps))
	}
	if wtd.Pull {
		qs = append(qs, queue.NewPullQueue(deps))
	}
	if wtd.Fetch {
		qs = append(qs, queue.NewFetchQueue(deps))
	}
	if wtd.Build {
		qs = append(qs, queue.NewBuildQueue(deps, noSandboxFactory))
	}
	if wtd.Push {
		qs = append(qs, queue.NewArtifactPushQueue(deps), queue.NewSourcePushQueue(deps))
	}
	return qs
}

// noSandboxFactory is the CLI sketch's placeholder sandbox.Factory: this
// repository intentionally ships no concrete Sandbox backend (§E
// Non-goals, "concrete sandbox backends"), so a real deployment supplies
// its own Factory here.
func noSandboxFactory(ctx context.Context) (sandbox.Sandbox, error) {
	return nil, errors.New("no sandbox backend configured; wire a sandbox.Factory for this deployment")
}

func runShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	e, targets, err := loadEnv(fs, args)
	if err != nil {
		return err
	}
	defer e.cas.Close()

	loader := element.NewLoader(e.project, project.Parse)
	elements, _, err := loader.LoadTargets(targets)
	if err != nil {
		return err
	}
	for _, el := range elements {
		println(el.FullName, el.State.String(), el.Keys.Weak.String())
	}
	return nil
}

func runCheckout(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkout", flag.ContinueOnError)
	destDir := fs.String("directory", ".", "checkout destination")
	e, targets, err := loadEnv(fs, args)
	if err != nil {
		return err
	}
	defer e.cas.Close()
	if len(targets) != 1 {
		return errors.New("checkout takes exactly one target")
	}

	artifacts, err := e.openArtifactStore()
	if err != nil {
		return err
	}
	defer artifacts.Close()

	loader := element.NewLoader(e.project, project.Parse)
	elements, _, err := loader.LoadTargets(targets)
	if err != nil {
		return err
	}
	el := elements[len(elements)-1]
	a, err := artifacts.Load(ctx, el.Project, el.Name, el.Keys.Strong)
	if err != nil {
		return errors.Wrap(err, "loading artifact")
	}
	return e.cas.Stage(ctx, a.Files, *destDir)
}

func runShell(ctx context.Context, args []string) error {
	return errors.New("shell requires a concrete Sandbox backend, not provided by this build")
}

func runWorkspace(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: buildstream workspace open|close|reset|list ...")
	}
	switch args[0] {
	case "open", "close", "reset", "list":
		return errors.Errorf("workspace %s: not implemented in this CLI sketch", args[0])
	default:
		return errors.Errorf("unknown workspace subcommand %q", args[0])
	}
}
