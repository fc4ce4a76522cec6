// Command twinops-audit verifies the hash chain of an audit JSONL file
// independently of the running process: a standalone verifier library,
// zero network deps, importing only pkg/audit.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime/usage error
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/hadijannat/TwinOps/pkg/audit"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "twinops-audit verify --path <audit.jsonl> [--json]")
}

type verifyReport struct {
	Path        string  `json:"path"`
	Verified    bool    `json:"verified"`
	BrokenAtSeq *uint64 `json:"broken_at_seq,omitempty"`
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		path       string
		jsonOutput bool
	)
	cmd.StringVar(&path, "path", "", "Path to the audit JSONL file (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		fmt.Fprintln(stderr, "Error: --path is required")
		cmd.Usage()
		return 2
	}

	ok, brokenSeq, err := audit.Verify(path)
	if err != nil {
		if jsonOutput {
			data, _ := json.MarshalIndent(map[string]any{"path": path, "error": err.Error()}, "", "  ")
			fmt.Fprintln(stdout, string(data))
		} else {
			fmt.Fprintf(stderr, "Error: verification failed to run: %v\n", err)
		}
		return 2
	}

	report := verifyReport{Path: path, Verified: ok, BrokenAtSeq: brokenSeq}
	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if ok {
		fmt.Fprintf(stdout, "OK: %s\n", path)
	} else {
		fmt.Fprintf(stdout, "BROKEN: %s (first break at seq %d)\n", path, *brokenSeq)
	}

	if !ok {
		return 1
	}
	return 0
}
