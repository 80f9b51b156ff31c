// Command luminactl administers licenses directly against the configured
// store, without going through the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/kiranshivaraju/lumina/internal/activation"
	"github.com/kiranshivaraju/lumina/internal/cache"
	"github.com/kiranshivaraju/lumina/internal/config"
	"github.com/kiranshivaraju/lumina/internal/keygen"
	"github.com/kiranshivaraju/lumina/internal/license"
	"github.com/kiranshivaraju/lumina/internal/metrics"
	"github.com/kiranshivaraju/lumina/internal/store"
)

var errUsage = errors.New("usage")

type command struct {
	usage string
	run   func(ctx context.Context, e *env, args []string) error
}

var commands = map[string]command{
	"create":            {"create -product P -customer C [flags]", runCreate},
	"list":              {"list [-product P] [-customer C] [-status S] [-mask] [-json]", runList},
	"get":               {"get KEY", runGet},
	"delete":            {"delete KEY", runDelete},
	"disable":           {"disable KEY", runDisable},
	"enable":            {"enable KEY", runEnable},
	"activations":       {"activations KEY", runActivations},
	"rm-activation":     {"rm-activation KEY [MACHINE_CODE]", runRemoveActivation},
	"reset-activations": {"reset-activations KEY", runResetActivations},
	"export":            {"export [-o FILE]", runExport},
	"migrate":           {"migrate -to json|sqlite|postgres [-path P] [-database-url U] [-dry-run]", runMigrate},
}

// env is what every command runs against.
type env struct {
	cfg         *config.Config
	store       store.Store
	licenses    *license.Service
	activations *activation.Manager
	out         io.Writer
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		printUsage(os.Stderr)
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "luminactl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	cfg, err := config.LoadStorage()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	s, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	checkCache := connectCache(ctx, cfg)
	if closer, ok := checkCache.(io.Closer); ok {
		defer closer.Close()
	}

	keys := keygen.New(s, cfg.License.KeyPrefix, cfg.License.KeygenMaxAttempts)
	e := &env{
		cfg:   cfg,
		store: s,
		licenses: license.NewService(s, keys, checkCache, license.Defaults{
			MaxActivations: cfg.License.DefaultMaxActivations,
			ExpiryDays:     cfg.License.DefaultExpiryDays,
		}),
		activations: activation.NewManager(s, metrics.New(), cfg.License.ActivationMaxAttempts),
		out:         out,
	}
	return cmd.run(ctx, e, args[1:])
}

// connectCache reaches the server's check cache so CLI edits are visible to
// clients immediately. A missing or unreachable Redis only costs staleness
// up to CHECK_CACHE_TTL.
func connectCache(ctx context.Context, cfg *config.Config) cache.Cache {
	if cfg.Redis.URL == "" {
		return cache.Noop{}
	}
	rc, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		slog.Warn("redis unavailable, check cache will not be invalidated", "error", err)
		return cache.Noop{}
	}
	if err := rc.Ping(ctx); err != nil {
		rc.Close()
		slog.Warn("redis unavailable, check cache will not be invalidated", "error", err)
		return cache.Noop{}
	}
	return rc
}

func printUsage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "usage: luminactl <command> [flags] [args]")
	fmt.Fprintln(w, "\ncommands:")
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
}
