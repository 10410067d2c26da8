package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"asclepius/pkg/auditproof"
)

func runVerifyChain(args []string) int {
	fs := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var inPath string
	var rootHex string
	fs.StringVar(&inPath, "in", "", "chain export JSON ('-' for stdin)")
	fs.StringVar(&rootHex, "root", "", "expected batch root hex")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	entries, err := loadExport(inPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if err := auditproof.VerifySegment(entries); err != nil {
		fmt.Printf("status=fail\n")
		var verr *auditproof.VerifyError
		if errors.As(err, &verr) {
			fmt.Printf("failed_sequence=%d reason=%s\n", verr.Sequence, verr.Reason)
		} else {
			fmt.Printf("reason=%v\n", err)
		}
		return 1
	}

	if rootHex != "" {
		computed, err := auditproof.BatchRoot(entries)
		if err != nil {
			fmt.Fprintf(os.Stderr, "compute root: %v\n", err)
			return 1
		}
		if computed != rootHex {
			fmt.Printf("status=fail\n")
			fmt.Printf("reason=root mismatch computed=%s expected=%s\n", computed, rootHex)
			return 1
		}
	}

	fmt.Printf("status=pass\n")
	fmt.Printf("entries=%d\n", len(entries))
	if len(entries) > 0 {
		fmt.Printf("first_sequence=%d last_sequence=%d\n", entries[0].Sequence, entries[len(entries)-1].Sequence)
	}
	return 0
}
