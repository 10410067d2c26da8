package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"asclepius/pkg/auditproof"
)

// runInclusion proves one entry against a published batch root. The export
// must cover exactly the batch window the root was computed over, which is
// what GET /v1/audit/entries returns for the batch's first and last sequence.
func runInclusion(args []string) int {
	fs := flag.NewFlagSet("inclusion", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var inPath string
	var seq int64
	var rootHex string
	fs.StringVar(&inPath, "in", "", "chain export JSON ('-' for stdin)")
	fs.Int64Var(&seq, "seq", 0, "sequence of the entry to prove")
	fs.StringVar(&rootHex, "root", "", "published batch root hex")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if seq <= 0 || rootHex == "" {
		fmt.Fprintln(os.Stderr, "inclusion requires --seq and --root")
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

	index := -1
	leaves := make([]string, len(entries))
	for i, entry := range entries {
		leaves[i] = entry.Hash
		if entry.Sequence == seq {
			index = i
		}
	}
	if index < 0 {
		fmt.Fprintf(os.Stderr, "sequence %d is not in the export\n", seq)
		return 1
	}

	path, err := auditproof.InclusionProof(leaves, index)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build proof: %v\n", err)
		return 1
	}

	ok, err := auditproof.VerifyInclusion(leaves[index], path, rootHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify proof: %v\n", err)
		return 1
	}

	status := "pass"
	if !ok {
		status = "fail"
	}
	fmt.Printf("status=%s\n", status)
	fmt.Printf("seq=%d leaf=%s\n", seq, leaves[index])
	proofJSON, err := json.Marshal(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode proof: %v\n", err)
		return 1
	}
	fmt.Printf("proof=%s\n", proofJSON)
	if ok {
		return 0
	}
	return 1
}
