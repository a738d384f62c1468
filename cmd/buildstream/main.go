// Command buildstream is a thin CLI sketch over the core packages, §6
// "CLI surface (external collaborator, sketched only for the sake of
// specifying the core's inputs)". It accepts a command enum plus
// arguments and a what_to_do set and hands them to scheduler.Scheduler;
// it does not itself implement progress rendering, terminal prompting, or
// config file discovery beyond the minimum needed to exercise the core.
// Grounded on the teacher's cmd/localdev/main.go flag.Arg(0) subcommand
// dispatch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
)

// Command is the CLI's command enum, §6.
type Command string

const (
	CmdBuild     Command = "build"
	CmdShow      Command = "show"
	CmdFetch     Command = "fetch"
	CmdTrack     Command = "track"
	CmdPull      Command = "pull"
	CmdPush      Command = "push"
	CmdCheckout  Command = "checkout"
	CmdShell     Command = "shell"
	CmdWorkspace Command = "workspace"
	CmdSchema    Command = "schema"
)

// exit codes, §6.
const (
	exitSuccess = 0
	exitGeneric = 1
	exitUsage   = 2
	exitBuild   = 3
	exitNetwork = 4
	exitAbort   = 5
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: buildstream <command> [args...]")
		os.Exit(exitUsage)
	}

	cmd := Command(args[0])
	rest := args[1:]

	var err error
	switch cmd {
	case CmdBuild, CmdFetch, CmdTrack, CmdPull, CmdPush:
		err = runSchedulerCommand(ctx, cmd, rest)
	case CmdShow:
		err = runShow(ctx, rest)
	case CmdCheckout:
		err = runCheckout(ctx, rest)
	case CmdShell:
		err = runShell(ctx, rest)
	case CmdWorkspace:
		err = runWorkspace(ctx, rest)
	case CmdSchema:
		err = runSchema(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(exitUsage)
	}

	if err != nil {
		logrus.WithError(err).Error("buildstream: command failed")
		switch {
		case errors.Is(err, errBuildFailed):
			os.Exit(exitBuild)
		case errors.Is(err, errAborted):
			os.Exit(exitAbort)
		default:
			os.Exit(exitGeneric)
		}
	}
}
