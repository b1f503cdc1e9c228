package main

import (
	"fmt"
	"os"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitInvalidArgs      = 2
	ExitSourceNotAccess  = 3
	ExitIncomplete       = 4
	ExitStorageError     = 5
	ExitCircuitOpen      = 6
	ExitValidationFailed = 7
	ExitAssembleFailed   = 8
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "epub":
		return runFetch(kindEPUB, cmdArgs)
	case "pages":
		return runFetch(kindPages, cmdArgs)
	case "assemble":
		return runAssemble(cmdArgs)
	case "status":
		return runStatus(cmdArgs)
	case "delete":
		return runDelete(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: libryay <command> [options]

Commands:
  epub      Fetch a reflowable document (OPF package) and build {title}.epub
  pages     Fetch a paged document (config.js) and build {title}.pdf
  assemble  Build the EPUB or PDF of an already fetched document
  status    List stored entries of a document and verify their checksums
  delete    Remove a document, or only its temporary render output

Settings are read from -config (YAML), .env and LIBRYAY_* variables, then flags.
Run 'libryay <command> -h' for command-specific help.`)
}
