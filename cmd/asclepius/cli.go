package main

import (
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	if len(args) < 2 {
		usage(args)
		return 1
	}

	switch args[1] {
	case "verify-chain":
		return runVerifyChain(args[2:])
	case "root":
		return runRoot(args[2:])
	case "inclusion":
		return runInclusion(args[2:])
	}

	usage(args)
	return 1
}

func usage(args []string) {
	name := "asclepius"
	if len(args) > 0 && args[0] != "" {
		name = filepath.Base(args[0])
	}
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  %s verify-chain --in <export.json> [--root <hex>]\n", name)
	fmt.Fprintf(os.Stderr, "  %s root --in <export.json>\n", name)
	fmt.Fprintf(os.Stderr, "  %s inclusion --in <export.json> --seq <n> --root <hex>\n", name)
}
