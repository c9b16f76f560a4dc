// Command vaultbackup is the client CLI: archive, extract, list, md-push,
// md-pull, md-list and md-delete subcommands over the chunk protocol (spec
// §6). Argument parsing
// itself stays thin per spec.md §1 ("CLI argument parsing ... out of
// scope") — each subcommand owns only its own flag.FlagSet, and defers
// every merged setting to internal/config.
package main

import (
	"fmt"
	"os"
)

// Exit codes (spec §6).
const (
	exitOK        = 0
	exitConfig    = 1
	exitProtocol  = 2
	exitIntegrity = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "archive":
		return runArchive(rest)
	case "extract":
		return runExtract(rest)
	case "list":
		return runList(rest)
	case "md-push":
		return runMdPush(rest)
	case "md-pull":
		return runMdPull(rest)
	case "md-list":
		return runMdList(rest)
	case "md-delete":
		return runMdDelete(rest)
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "vaultbackup: unknown subcommand %q\n", sub)
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: vaultbackup <subcommand> [flags]

Subcommands:
  archive     archive a directory tree into a new manifest
  extract     extract a manifest's files to a destination directory
  list        list the files recorded in a manifest
  md-push     upload a locally archived manifest to the server
  md-pull     download a manifest object from the server
  md-list     list manifest objects known to the server
  md-delete   delete a manifest object from the server

Run "vaultbackup <subcommand> -h" for subcommand flags.`)
}
