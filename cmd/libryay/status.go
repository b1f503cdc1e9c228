package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/mjbazhu/Libryay/internal/config"
	"github.com/mjbazhu/Libryay/pkg/store"
)

var statusKinds = []string{
	store.KindMeta, store.KindText, store.KindImage, store.KindPage,
	store.KindTxt, store.KindTmp, store.KindEPUB, store.KindPDF,
}

// runStatus lists what is stored for a document. With -verify it re-hashes
// every entry against the checksum recorded at write time.
func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	common := addCommonFlags(fs)
	verify := fs.Bool("verify", false, "Re-hash every entry and compare with its recorded checksum")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: libryay status [options]

List the stored entries of a document by kind.
With -verify, also check every entry against its recorded checksum.

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

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openStore(ctx, cfg, log)
	if err != nil {
		errorf("opening store: %v", err)
		return ExitStorageError
	}
	defer s.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Kind", "Entries", "Example")
	total := 0
	var outputs []store.Key
	for _, kind := range statusKinds {
		keys, err := s.List(ctx, cfg.Document, kind)
		if err != nil {
			errorf("%v", err)
			return ExitStorageError
		}
		if len(keys) == 0 {
			continue
		}
		total += len(keys)
		if kind == store.KindEPUB || kind == store.KindPDF {
			outputs = append(outputs, keys...)
		}
		_ = table.Append(kind, strconv.Itoa(len(keys)), keys[0].Name)
	}

	fmt.Printf("Document: %s\n", cfg.Document)
	if total == 0 {
		fmt.Println("Status: EMPTY")
		return ExitValidationFailed
	}
	_ = table.Render()
	for _, k := range outputs {
		fmt.Printf("Output: %s\n", k)
	}

	if !*verify {
		return ExitSuccess
	}

	result, err := s.Validate(ctx, cfg.Document, statusKinds...)
	if err != nil {
		errorf("%v", err)
		return ExitStorageError
	}
	fmt.Printf("Checked: %d entries\n", result.Entries)
	if result.Unsigned > 0 {
		warnf("%d entries carry no checksum", result.Unsigned)
	}
	if result.Valid {
		okColor.Println("Status: VALID")
		return ExitSuccess
	}

	errColor.Println("Status: INVALID")
	fmt.Printf("Mismatches: %d\n", result.Mismatches)
	if len(result.Errors) > 0 {
		fmt.Println("\nErrors:")
		for _, e := range result.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
	return ExitValidationFailed
}
