package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fieldline/drivergate/pkg/audit"
	"github.com/fieldline/drivergate/pkg/config"
	"github.com/fieldline/drivergate/pkg/dispatch"
	"github.com/fieldline/drivergate/pkg/evaluate"
	"github.com/fieldline/drivergate/pkg/inspect"
	"github.com/fieldline/drivergate/pkg/policy"
	"github.com/fieldline/drivergate/pkg/quarantine"
)

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func loadPolicyStore(dir string, logger *slog.Logger) (*policy.Store, error) {
	store := policy.NewStore(dir, logger)
	if err := store.Reload(); err != nil {
		return nil, err
	}
	return store, nil
}

type evaluatedArtifact struct {
	Verdict *evaluate.Verdict       `json:"verdict"`
	Actions []dispatch.ActionResult `json:"actions,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// runEvaluateCmd implements `drivergate evaluate`.
func runEvaluateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		policiesDir string
		pluginDir   string
		dataDir     string
		auditFile   string
		doDispatch  bool
		jsonOutput  bool
		logLevel    string
	)
	cmd.StringVar(&policiesDir, "policies", "", "Policy bundle directory (REQUIRED)")
	cmd.StringVar(&pluginDir, "plugins", "", "WASM inspection plugin directory")
	cmd.StringVar(&dataDir, "data", "./data", "Data directory for outbox and quarantine")
	cmd.StringVar(&auditFile, "audit", "", "Append audit events to this JSONL file")
	cmd.BoolVar(&doDispatch, "dispatch", false, "Dispatch remediation actions for violations")
	cmd.BoolVar(&jsonOutput, "json", false, "Output verdicts as JSON")
	cmd.StringVar(&logLevel, "log-level", "WARN", "Log level (DEBUG|INFO|WARN|ERROR)")
	concurrency := cmd.Int("concurrency", 4, "Max artifacts evaluated in parallel")

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

	var trail *audit.Trail
	if auditFile != "" {
		f, err := os.OpenFile(auditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: open audit file: %v\n", err)
			return 2
		}
		defer func() { _ = f.Close() }()
		trail = audit.NewTrail(f)
	}

	var dispatcher *dispatch.Dispatcher
	if doDispatch {
		dispatcher, err = buildDispatcher(dataDir, logger)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: init dispatcher: %v\n", err)
			return 2
		}
	}

	if *concurrency < 1 {
		*concurrency = 1
	}
	results := make([]evaluatedArtifact, len(paths))
	codes := make([]int, len(paths))
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i], codes[i] = evaluateOne(ctx, inspector, evaluator, dispatcher, trail, path)
		}(i, path)
	}
	wg.Wait()

	exitCode := 0
	for _, code := range codes {
		if code > exitCode {
			exitCode = code
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return 2
		}
		return exitCode
	}

	for _, r := range results {
		printResult(stdout, r)
	}
	return exitCode
}

func evaluateOne(ctx context.Context, inspector *inspect.Inspector, evaluator *evaluate.Evaluator, dispatcher *dispatch.Dispatcher, trail *audit.Trail, path string) (evaluatedArtifact, int) {
	md, err := inspector.Inspect(ctx, path)
	if err != nil {
		return evaluatedArtifact{
			Verdict: &evaluate.Verdict{Path: path},
			Error:   err.Error(),
		}, 2
	}

	verdict, err := evaluator.Evaluate(ctx, md)
	if err != nil {
		return evaluatedArtifact{
			Verdict: &evaluate.Verdict{Path: path},
			Error:   err.Error(),
		}, 2
	}

	if trail != nil {
		_, _ = trail.Record(ctx, audit.EventEvaluation, "evaluate", verdict.ArtifactID, map[string]any{
			"path":           path,
			"compliant":      verdict.Compliant,
			"violated_rules": verdict.ViolatedRules,
			"policy_ref":     verdict.PolicyRef,
		})
	}

	result := evaluatedArtifact{Verdict: verdict}
	code := 0
	if !verdict.Compliant {
		code = 1
	}

	if dispatcher != nil && !verdict.Compliant {
		actions, err := dispatcher.Dispatch(ctx, verdict)
		if err != nil {
			result.Error = err.Error()
			return result, 2
		}
		result.Actions = actions
		if trail != nil {
			for _, a := range actions {
				_, _ = trail.Record(ctx, audit.EventDispatch, string(a.Action), verdict.ArtifactID, map[string]any{
					"outcome": string(a.Outcome),
					"detail":  a.Detail,
				})
			}
		}
	}
	return result, code
}

func printResult(w io.Writer, r evaluatedArtifact) {
	v := r.Verdict
	switch {
	case r.Error != "":
		_, _ = fmt.Fprintf(w, "ERROR  %s: %s\n", v.Path, r.Error)
	case v.Compliant:
		_, _ = fmt.Fprintf(w, "PASS   %s (%s/%s, policy %s)\n", v.Path, v.Platform, v.Class, v.PolicyRef)
	default:
		_, _ = fmt.Fprintf(w, "FAIL   %s (%s/%s): %s\n", v.Path, v.Platform, v.Class, strings.Join(v.ViolatedRules, ", "))
		for _, a := range r.Actions {
			_, _ = fmt.Fprintf(w, "       action %s: %s %s\n", a.Action, a.Outcome, a.Detail)
		}
	}
}

// buildDispatcher wires the dispatcher from the data directory and the
// TICKET_URL / NOTIFY_URL / REDIS_ADDR environment.
func buildDispatcher(dataDir string, logger *slog.Logger) (*dispatch.Dispatcher, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, err
	}
	outbox, _, err := dispatch.OpenSQLiteOutbox(filepath.Join(dataDir, "outbox.db"))
	if err != nil {
		return nil, err
	}
	qstore, err := quarantine.NewFileStore(filepath.Join(dataDir, "quarantine"))
	if err != nil {
		return nil, err
	}

	cfg := config.Load()
	opts := []dispatch.Option{dispatch.WithQuarantine(qstore)}
	if cfg.NotifyURL != "" {
		opts = append(opts, dispatch.WithNotifier(dispatch.NewWebhookNotifier(cfg.NotifyURL)))
	}
	if cfg.TicketURL != "" {
		opts = append(opts, dispatch.WithTickets(dispatch.NewTicketClient(cfg.TicketURL, cfg.TicketToken)))
	}
	if cfg.RedisAddr != "" {
		opts = append(opts, dispatch.WithLimiter(dispatch.NewRedisLimiter(cfg.RedisAddr, "", 0, dispatch.RateLimitPolicy{RPM: 60, Burst: 10})))
	}
	return dispatch.New(outbox, logger, opts...), nil
}
