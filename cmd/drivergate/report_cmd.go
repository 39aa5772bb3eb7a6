package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fieldline/drivergate/pkg/evaluate"
	"github.com/fieldline/drivergate/pkg/inspect"
	"github.com/fieldline/drivergate/pkg/report"
)

// runReportCmd implements `drivergate report`: evaluate a set of
// artifacts and emit one signed JSON compliance report.
func runReportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("report", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		policiesDir string
		pluginDir   string
		outFile     string
		signSeed    string
		logLevel    string
	)
	cmd.StringVar(&policiesDir, "policies", "", "Policy bundle directory (REQUIRED)")
	cmd.StringVar(&pluginDir, "plugins", "", "WASM inspection plugin directory")
	cmd.StringVar(&outFile, "out", "", "Write the report to this file (default stdout)")
	cmd.StringVar(&signSeed, "sign-seed", "", "Report signing seed (default REPORT_SIGNING_SEED env)")
	cmd.StringVar(&logLevel, "log-level", "WARN", "Log level (DEBUG|INFO|WARN|ERROR)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if policiesDir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --policies is required")
		return 2
	}
	paths := cmd.Args()
	if len(paths) == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: at least one artifact path is required")
		return 2
	}

	ctx := context.Background()
	logger := newLogger(stderr, logLevel)

	store, err := loadPolicyStore(policiesDir, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: load policies: %v\n", err)
		return 2
	}

	var inspectOpts []inspect.Option
	if pluginDir != "" {
		runner, err := inspect.NewPluginRunner(ctx, inspect.DefaultPluginConfig(pluginDir))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: load plugins: %v\n", err)
			return 2
		}
		defer func() { _ = runner.Close() }()
		inspectOpts = append(inspectOpts, inspect.WithPlugins(runner))
	}
	inspector := inspect.New(inspectOpts...)
	evaluator := evaluate.New(store, logger)

	builder := report.NewBuilder()
	exitCode := 0
	for _, path := range paths {
		md, err := inspector.Inspect(ctx, path)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: inspect %s: %v\n", path, err)
			return 2
		}
		verdict, err := evaluator.Evaluate(ctx, md)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: evaluate %s: %v\n", path, err)
			return 2
		}
		if !verdict.Compliant {
			exitCode = 1
		}
		builder.Add(verdict)
	}

	if signSeed == "" {
		signSeed = os.Getenv("REPORT_SIGNING_SEED")
	}
	var keyring *report.Keyring
	if signSeed != "" {
		keyring, err = report.DeriveReportKeyring([]byte(signSeed))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: derive signing key: %v\n", err)
			return 2
		}
	}

	rpt, err := builder.Build(keyring)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: build report: %v\n", err)
		return 2
	}

	out := stdout
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: create %s: %v\n", outFile, err)
			return 2
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rpt); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: write report: %v\n", err)
		return 2
	}
	return exitCode
}
