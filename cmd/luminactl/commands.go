package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kiranshivaraju/lumina/internal/config"
	"github.com/kiranshivaraju/lumina/internal/license"
	"github.com/kiranshivaraju/lumina/internal/store"
	"github.com/kiranshivaraju/lumina/pkg/models"
)

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parse(fs *flag.FlagSet, args []string, positional int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errUsage, fs.Name(), err)
	}
	if fs.NArg() < positional {
		return nil, fmt.Errorf("%w: %s needs %d argument(s)", errUsage, fs.Name(), positional)
	}
	return fs.Args(), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDate accepts a bare date (end of that day, UTC) or an RFC 3339 time.
func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.Add(24*time.Hour - time.Second), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expiry must be YYYY-MM-DD or RFC 3339, got %q", raw)
	}
	return t, nil
}

func runCreate(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("create")
	product := fs.String("product", "", "product name (required)")
	customer := fs.String("customer", "", "customer name (required)")
	version := fs.String("version", "", "product version")
	email := fs.String("email", "", "customer email")
	key := fs.String("key", "", "explicit license key instead of a generated one")
	maxActivations := fs.Int("max-activations", 0, "activation slots (default from config)")
	noBinding := fs.Bool("no-binding", false, "do not bind activations to machine codes")
	expiryDays := fs.Int("expiry-days", 0, "days until expiry (default from config)")
	expiry := fs.String("expiry", "", "expiry date, YYYY-MM-DD or RFC 3339")
	var ips stringList
	fs.Var(&ips, "ip", "whitelisted IP (repeatable or comma separated)")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}

	binding := !*noBinding
	params := license.CreateParams{
		Key:            *key,
		Product:        *product,
		Version:        *version,
		Customer:       *customer,
		MaxActivations: *maxActivations,
		MachineBinding: &binding,
		IPWhitelist:    ips,
		ExpiryDays:     *expiryDays,
	}
	if *email != "" {
		params.Email = email
	}
	if *expiry != "" {
		t, err := parseDate(*expiry)
		if err != nil {
			return err
		}
		params.ExpiryDate = &t
	}

	l, err := e.licenses.Create(ctx, params)
	if err != nil {
		return err
	}
	return printJSON(e.out, l)
}

func runList(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("list")
	product := fs.String("product", "", "filter by product")
	customer := fs.String("customer", "", "filter by customer")
	status := fs.String("status", "", "filter by effective status")
	mask := fs.Bool("mask", false, "mask license keys")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	if *status != "" && !models.Status(*status).Valid() {
		return fmt.Errorf("%w: status must be one of active, disabled, expired", errUsage)
	}

	licenses, err := store.Collect(e.licenses.List(ctx, store.Filter{
		Product:  *product,
		Customer: *customer,
		Status:   models.Status(*status),
	}))
	if err != nil {
		return err
	}

	if *asJSON {
		if licenses == nil {
			licenses = []*models.License{}
		}
		return printJSON(e.out, licenses)
	}

	now := time.Now()
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tPRODUCT\tCUSTOMER\tSTATUS\tACTIVATIONS\tEXPIRES")
	for _, l := range licenses {
		key := l.Key
		if *mask {
			key = models.MaskKey(key)
		}
		expires := "never"
		if l.ExpiryDate != nil {
			expires = l.ExpiryDate.UTC().Format(time.DateOnly)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			key, l.Product, l.Customer, l.EffectiveStatus(now),
			len(l.Activations), l.MaxActivations, expires)
	}
	return tw.Flush()
}

func runGet(ctx context.Context, e *env, args []string) error {
	rest, err := parse(newFlagSet("get"), args, 1)
	if err != nil {
		return err
	}
	l, err := e.licenses.Get(ctx, rest[0])
	if err != nil {
		return err
	}
	return printJSON(e.out, l)
}

func runDelete(ctx context.Context, e *env, args []string) error {
	rest, err := parse(newFlagSet("delete"), args, 1)
	if err != nil {
		return err
	}
	if err := e.licenses.Delete(ctx, rest[0]); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "deleted %s\n", models.MaskKey(rest[0]))
	return nil
}

func runDisable(ctx context.Context, e *env, args []string) error {
	rest, err := parse(newFlagSet("disable"), args, 1)
	if err != nil {
		return err
	}
	l, err := e.licenses.Disable(ctx, rest[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s is now %s\n", models.MaskKey(l.Key), l.Status)
	return nil
}

func runEnable(ctx context.Context, e *env, args []string) error {
	rest, err := parse(newFlagSet("enable"), args, 1)
	if err != nil {
		return err
	}
	l, err := e.licenses.Enable(ctx, rest[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s is now %s\n", models.MaskKey(l.Key), l.EffectiveStatus(time.Now()))
	return nil
}

func runActivations(ctx context.Context, e *env, args []string) error {
	rest, err := parse(newFlagSet("activations"), args, 1)
	if err != nil {
		return err
	}
	acts, err := e.activations.ListActivations(ctx, rest[0])
	if err != nil {
		return err
	}
	if acts == nil {
		acts = []models.Activation{}
	}
	return printJSON(e.out, acts)
}

func runRemoveActivation(ctx context.Context, e *env, args []string) error {
	rest, err := parse(newFlagSet("rm-activation"), args, 1)
	if err != nil {
		return err
	}
	machineCode := ""
	if len(rest) > 1 {
		machineCode = rest[1]
	}
	l, err := e.activations.RemoveActivation(ctx, rest[0], machineCode)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s: %d of %d activations in use\n",
		models.MaskKey(l.Key), len(l.Activations), l.MaxActivations)
	return nil
}

func runResetActivations(ctx context.Context, e *env, args []string) error {
	rest, err := parse(newFlagSet("reset-activations"), args, 1)
	if err != nil {
		return err
	}
	l, err := e.activations.ResetActivations(ctx, rest[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s: all %d activation slots free\n", models.MaskKey(l.Key), l.MaxActivations)
	return nil
}

func runExport(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("export")
	output := fs.String("o", "", "write to FILE instead of stdout")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}

	w := e.out
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer f.Close()
		w = f
	}

	n, err := store.Export(ctx, e.store, w, time.Now())
	if err != nil {
		return err
	}
	if *output != "" {
		fmt.Fprintf(e.out, "exported %d licenses to %s\n", n, *output)
	}
	return nil
}

func runMigrate(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("migrate")
	to := fs.String("to", "", "target backend: json, sqlite or postgres (required)")
	path := fs.String("path", "", "target file for json or sqlite")
	dbURL := fs.String("database-url", "", "target DATABASE_URL for postgres")
	dryRun := fs.Bool("dry-run", false, "count what would be copied without writing")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}

	target, err := targetConfig(e.cfg, *to, *path, *dbURL)
	if err != nil {
		return err
	}

	dst, err := store.Open(ctx, target)
	if err != nil {
		return fmt.Errorf("open target store: %w", err)
	}
	defer dst.Close()

	stats, err := store.Copy(ctx, dst, e.store, *dryRun)
	if err != nil {
		return err
	}

	prefix := ""
	if *dryRun {
		prefix = "dry run: "
	}
	fmt.Fprintf(e.out, "%s%d licenses: %d migrated, %d skipped, %d failed (%d activations)\n",
		prefix, stats.Total, stats.Migrated, stats.Skipped, stats.Failed, stats.Activations)
	if stats.Failed > 0 {
		return fmt.Errorf("%d licenses failed to migrate", stats.Failed)
	}
	return nil
}

// targetConfig derives the target backend from the source configuration.
func targetConfig(src *config.Config, to, path, dbURL string) (*config.Config, error) {
	target := *src
	switch to {
	case config.StorageJSON:
		if path != "" {
			target.Storage.JSONPath = path
		}
	case config.StorageSQLite:
		if path != "" {
			target.Storage.SQLitePath = path
		}
	case config.StoragePostgres:
		if dbURL != "" {
			target.Database.URL = dbURL
		}
		if target.Database.URL == "" {
			return nil, fmt.Errorf("%w: migrate -to postgres needs -database-url or DATABASE_URL", errUsage)
		}
	default:
		return nil, fmt.Errorf("%w: -to must be one of json, sqlite, postgres", errUsage)
	}
	target.Storage.Type = to

	if sameBackend(src, &target) {
		return nil, fmt.Errorf("%w: source and target are the same store", errUsage)
	}
	return &target, nil
}

func sameBackend(a, b *config.Config) bool {
	if a.Storage.Type != b.Storage.Type {
		return false
	}
	switch a.Storage.Type {
	case config.StorageJSON:
		return a.Storage.JSONPath == b.Storage.JSONPath
	case config.StorageSQLite:
		return a.Storage.SQLitePath == b.Storage.SQLitePath
	default:
		return a.Database.URL == b.Database.URL
	}
}
