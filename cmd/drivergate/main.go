// Command drivergate evaluates driver artifacts against signing
// compliance policy, dispatches remediation for violations, and produces
// signed compliance reports.
package main

import (
	"fmt"
	"io"
	"os"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Exit codes: 0 success (and all artifacts
// compliant where that applies), 1 non-compliance found, 2 runtime error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "evaluate":
		return runEvaluateCmd(args[2:], stdout, stderr)
	case "report":
		return runReportCmd(args[2:], stdout, stderr)
	case "policy":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: drivergate policy <validate|show> [flags]")
			return 2
		}
		return runPolicyCmd(args[2:], stdout, stderr)
	case "audit":
		if len(args) < 3 || args[2] != "verify" {
			_, _ = fmt.Fprintln(stderr, "Usage: drivergate audit verify [flags]")
			return 2
		}
		return runAuditVerifyCmd(args[3:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "drivergate %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "drivergate %s\n", version)
	_, _ = fmt.Fprintln(w, "Driver signing compliance evaluator")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  drivergate <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	_, _ = fmt.Fprintln(w, "  evaluate         Inspect and evaluate driver artifacts (--policies, --dispatch)")
	_, _ = fmt.Fprintln(w, "  report           Evaluate artifacts and emit a signed compliance report (--out)")
	_, _ = fmt.Fprintln(w, "  policy validate  Validate policy bundles without activating them")
	_, _ = fmt.Fprintln(w, "  policy show      Show the loaded policy table")
	_, _ = fmt.Fprintln(w, "  audit verify     Verify an audit trail's hash chain (--file or --db)")
	_, _ = fmt.Fprintln(w, "  serve            Run the evaluation HTTP server")
	_, _ = fmt.Fprintln(w, "  version          Print the version")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Exit codes: 0 compliant/success, 1 violations found, 2 runtime error")
}
