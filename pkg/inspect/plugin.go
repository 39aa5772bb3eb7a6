package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// PluginConfig bounds WASM inspector plugin execution.
type PluginConfig struct {
	// Dir holds <extension>.wasm plugin modules, e.g. vibd.wasm handles
	// *.vibd artifacts.
	Dir string

	MemoryLimitBytes int64
	Timeout          time.Duration
}

// DefaultPluginConfig returns conservative plugin limits.
func DefaultPluginConfig(dir string) PluginConfig {
	return PluginConfig{
		Dir:              dir,
		MemoryLimitBytes: 64 << 20,
		Timeout:          10 * time.Second,
	}
}

// PluginRunner executes WASM inspector plugins for proprietary artifact
// formats. Deny-by-default: plugins get the artifact bytes on stdin and
// must print a Metadata JSON document on stdout. No filesystem, no
// network, no environment.
type PluginRunner struct {
	runtime wazero.Runtime
	config  wazero.ModuleConfig
	limits  PluginConfig

	// Module names are registered per runtime, so instantiations cannot
	// overlap.
	mu sync.Mutex
}

// NewPluginRunner creates a plugin runner with deny-by-default capabilities.
func NewPluginRunner(ctx context.Context, cfg PluginConfig) (*PluginRunner, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in 64KB pages.
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	modCfg := wazero.NewModuleConfig().
		WithName("drivergate-inspector").
		WithStartFunctions("_start")
	// No WithFSConfig, no WithRandSource, no env: the plugin sees only the
	// artifact bytes.

	return &PluginRunner{runtime: r, config: modCfg, limits: cfg}, nil
}

// Inspect runs the plugin registered for the artifact's extension.
func (p *PluginRunner) Inspect(ctx context.Context, path string, base *Metadata) (*Metadata, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return nil, fmt.Errorf("%w: %s: no extension for plugin lookup", ErrUnreadableArtifact, path)
	}

	wasmPath := filepath.Join(p.limits.Dir, ext+".wasm")
	wasmBytes, err := os.ReadFile(wasmPath) //nolint:gosec // plugin dir is operator-configured
	if err != nil {
		return nil, fmt.Errorf("%w: %s: no inspector plugin for %q", ErrUnreadableArtifact, path, ext)
	}

	input, err := os.ReadFile(path) //nolint:gosec // operator-supplied artifact path
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableArtifact, path, err)
	}

	stdout, err := p.run(ctx, wasmBytes, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: plugin: %v", ErrUnreadableArtifact, path, err)
	}

	md := *base
	if err := json.Unmarshal(stdout, &md); err != nil {
		return nil, fmt.Errorf("%w: %s: plugin output: %v", ErrUnreadableArtifact, path, err)
	}
	md.Path = base.Path
	md.Digest = base.Digest
	md.InspectedAt = base.InspectedAt
	normalize(&md)
	return &md, nil
}

func (p *PluginRunner) run(ctx context.Context, wasmBytes, input []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.limits.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	modCfg := p.config.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	compiled, err := p.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := p.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("timed out after %v", p.limits.Timeout)
		}
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if stderr.Len() > 0 {
		return nil, fmt.Errorf("stderr: %s", stderr.String())
	}
	return stdout.Bytes(), nil
}

// Close shuts down the wazero runtime, freeing all compiled modules.
func (p *PluginRunner) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.runtime.Close(ctx)
}
