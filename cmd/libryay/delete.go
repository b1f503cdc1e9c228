package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mjbazhu/Libryay/internal/config"
	"github.com/mjbazhu/Libryay/pkg/store"
)

// runDelete removes a document and every stored entry of it, or with -temp
// only the render output left by an interrupted PDF build. By default prompts
// for confirmation unless -force is specified.
func runDelete(args []string) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	common := addCommonFlags(fs)
	force := fs.Bool("force", false, "Skip confirmation prompt")
	temp := fs.Bool("temp", false, "Delete only temporary render output")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: libryay delete [options]

Remove a document and all its entries from the content store.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, log, err := common.load(config.Config{})
	if err != nil {
		errorf("%v", err)
		return ExitInvalidArgs
	}
	defer log.Sync()
	if cfg.Document == "" {
		errorf("-document is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	what := "document " + cfg.Document
	if *temp {
		what = "temporary output of " + cfg.Document
	}
	if !*force {
		fmt.Printf("Delete %s? [y/N]: ", what)
		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(os.Stderr, "Cancelled")
			return ExitSuccess
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openStore(ctx, cfg, log)
	if err != nil {
		errorf("opening store: %v", err)
		return ExitStorageError
	}
	defer s.Close()

	var n int
	if *temp {
		n, err = s.DeleteKind(ctx, cfg.Document, store.KindTmp)
	} else {
		n, err = s.DeleteDocument(ctx, cfg.Document)
	}
	if err != nil {
		errorf("%v", err)
		return ExitStorageError
	}

	fmt.Fprintf(os.Stderr, "[libryay] Deleted %s (%d entries)\n", what, n)
	return ExitSuccess
}
