package main

import (
	"flag"
	"fmt"
	"os"

	"asclepius/pkg/auditproof"
)

func runRoot(args []string) int {
	fs := flag.NewFlagSet("root", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var inPath string
	fs.StringVar(&inPath, "in", "", "chain export JSON ('-' for stdin)")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	entries, err := loadExport(inPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if err := auditproof.VerifySegment(entries); err != nil {
		fmt.Fprintf(os.Stderr, "segment does not verify: %v\n", err)
		return 1
	}

	root, err := auditproof.BatchRoot(entries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compute root: %v\n", err)
		return 1
	}

	fmt.Printf("root=%s\n", root)
	fmt.Printf("entries=%d\n", len(entries))
	return 0
}
