package main

import (
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
)

// runPolicyCmd implements `drivergate policy <validate|show>`.
func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "validate":
		return runPolicyValidate(args[1:], stdout, stderr)
	case "show":
		return runPolicyShow(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown policy command: %s\n", args[0])
		return 2
	}
}

func runPolicyValidate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var policiesDir string
	cmd.StringVar(&policiesDir, "policies", "", "Policy bundle directory (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if policiesDir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --policies is required")
		return 2
	}

	store, err := loadPolicyStore(policiesDir, newLogger(stderr, "ERROR"))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "INVALID: %v\n", err)
		return 1
	}

	snap := store.Snapshot()
	_, _ = fmt.Fprintf(stdout, "OK: %s (%d policies, hash %s)\n", snap.Ref(), snap.Len(), snap.Hash())
	return 0
}

func runPolicyShow(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy show", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		policiesDir string
		platform    string
		class       string
	)
	cmd.StringVar(&policiesDir, "policies", "", "Policy bundle directory (REQUIRED)")
	cmd.StringVar(&platform, "platform", "", "Filter by platform")
	cmd.StringVar(&class, "class", "", "Filter by driver class")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if policiesDir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --policies is required")
		return 2
	}

	store, err := loadPolicyStore(policiesDir, newLogger(stderr, "ERROR"))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: load policies: %v\n", err)
		return 2
	}

	snap := store.Snapshot()
	_, _ = fmt.Fprintf(stdout, "Policy set %s (hash %s)\n\n", snap.Ref(), snap.Hash())

	policies := snap.Policies()
	sort.Slice(policies, func(i, j int) bool {
		if policies[i].Platform != policies[j].Platform {
			return policies[i].Platform < policies[j].Platform
		}
		return policies[i].Class < policies[j].Class
	})

	for _, p := range policies {
		if platform != "" && p.Platform != platform {
			continue
		}
		if class != "" && p.Class != class {
			continue
		}

		_, _ = fmt.Fprintf(stdout, "%s/%s:\n", p.Platform, p.Class)
		_, _ = fmt.Fprintf(stdout, "  must_sign: %v\n", p.MustSign)
		if p.CertChainRequired {
			_, _ = fmt.Fprintln(stdout, "  cert_chain_required: true")
		}
		if p.WHQLRequired {
			_, _ = fmt.Fprintln(stdout, "  whql_required: true")
		}
		if p.Notarized {
			_, _ = fmt.Fprintln(stdout, "  notarized: true")
		}
		if p.GPGSigned {
			_, _ = fmt.Fprintln(stdout, "  gpg_signed: true")
		}
		if len(p.AllowedSigners) > 0 {
			_, _ = fmt.Fprintf(stdout, "  allowed_signers: %s\n", strings.Join(p.AllowedSigners, ", "))
		}
		if p.MinDriverVersion != "" {
			_, _ = fmt.Fprintf(stdout, "  min_driver_version: %s\n", p.MinDriverVersion)
		}
		if p.Expression != "" {
			_, _ = fmt.Fprintf(stdout, "  expression: %s\n", p.Expression)
		}
		actions := make([]string, 0, len(p.Actions()))
		for _, a := range p.Actions() {
			actions = append(actions, string(a))
		}
		_, _ = fmt.Fprintf(stdout, "  on_noncompliant: %s\n", strings.Join(actions, ", "))
	}
	return 0
}
