package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/invoicely/invoicely/cmd/ledgerctl/cli"
	"github.com/invoicely/invoicely/internal/app"
	"github.com/invoicely/invoicely/internal/auth"
	"github.com/invoicely/invoicely/internal/observability"
	"github.com/invoicely/invoicely/internal/platform/db"
	"github.com/invoicely/invoicely/migrations"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  migrate up|down|version   apply or inspect the postgres schema
  integrity [--json]        compare every product's stock with its ledger sum
  trigger <job>             enqueue ledger:integrity, invoices:overdue-sweep or idempotency:cleanup
  queue [--json]            print default queue statistics and upcoming tasks
  token --user --account    issue a bearer token`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "migrate":
		os.Exit(runMigrate(cfg, logger, args))
	case "integrity":
		os.Exit(runIntegrity(ctx, cfg, logger, args))
	case "trigger":
		os.Exit(runTrigger(ctx, cfg, args))
	case "queue":
		os.Exit(runQueue(ctx, cfg, args))
	case "token":
		os.Exit(runToken(cfg, args))
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func runMigrate(cfg *app.Config, logger *slog.Logger, args []string) int {
	if cfg.StoreBackend != app.BackendPostgres {
		fmt.Fprintf(os.Stderr, "migrate: store backend %s has no schema migrations\n", cfg.StoreBackend)
		return 1
	}
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "migrate: expected up, down or version")
		return 2
	}
	m, err := db.NewMigrator(migrations.FS, cfg.PGDSN, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("migrator close", slog.Any("error", err))
		}
	}()
	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "version":
		var (
			version uint
			dirty   bool
		)
		version, dirty, err = m.Version()
		if err == nil {
			fmt.Printf("version=%d dirty=%t\n", version, dirty)
		}
	default:
		fmt.Fprintf(os.Stderr, "migrate: unknown direction %q\n", args[0])
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func runIntegrity(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("integrity", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "print JSON summary")
	_ = fs.Parse(args)

	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "integrity: open store: %v\n", err)
		return 1
	}
	defer backend.Close()

	services, err := app.NewServices(cfg, backend, nil, observability.NewMetrics(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "integrity: %v\n", err)
		return 1
	}
	return cli.IntegrityCommand(ctx, services.Ledger, cli.IntegrityOptions{JSONOutput: *jsonOut})
}

func runTrigger(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "trigger: expected a job name")
		return 2
	}
	redisOpts, err := cfg.AsynqRedis()
	if err != nil {
		fmt.Fprintf(os.Stderr, "trigger: %v\n", err)
		return 1
	}
	jobsCLI, err := cli.NewJobsCLI(redisOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trigger: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()
	info, err := jobsCLI.Trigger(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "trigger: %v\n", err)
		return 1
	}
	fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	return 0
}

func runQueue(ctx context.Context, cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("queue", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "print queue stats as JSON")
	_ = fs.Parse(args)

	redisOpts, err := cfg.AsynqRedis()
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue: %v\n", err)
		return 1
	}
	jobsCLI, err := cli.NewJobsCLI(redisOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()
	if !*jsonOut {
		if err := jobsCLI.PrintQueue(ctx, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "queue: %v\n", err)
			return 1
		}
		return 0
	}
	stats, err := jobsCLI.InspectQueue(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue: %v\n", err)
		return 1
	}
	_ = json.NewEncoder(os.Stdout).Encode(stats)
	return 0
}

func runToken(cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "Required: user id (token subject)")
	account := fs.String("account", "", "Required: account id")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	_ = fs.Parse(args)

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		return 1
	}
	return cli.TokenCommand(verifier, cli.TokenOptions{UserID: *user, AccountID: *account, TTL: *ttl})
}
