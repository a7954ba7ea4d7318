package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/app/migrate"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/config"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/logger"
)

const usage = `usage: migrate [flags] <up|status|down>

flags:
`

func main() {
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "version to roll back to; 0 rolls back one step")
	dir := flag.String("dir", "", "read migrations from this directory instead of the embedded set")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}
	if *target < 0 {
		fmt.Fprintln(os.Stderr, "--target must not be negative")
		os.Exit(2)
	}

	cfg := config.LoadRelayConfig()
	if *dir != "" {
		cfg.MigrationsDir = *dir
	}
	log := logger.New("migrate", slog.LevelInfo)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, log, cfg, command, *target); err != nil {
		log.Error("migration command failed", "command", command, "error", err)
		os.Exit(1)
	}
	log.Info("migration command completed", "command", command)
}

func run(ctx context.Context, log *slog.Logger, cfg config.RelayConfig, command string, target int64) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return fmt.Errorf("configure migration runner: %w", err)
	}
	defer runner.Close()

	switch command {
	case "up":
		return runner.Ensure(ctx)
	case "status":
		return runner.Status(ctx)
	case "down":
		return runner.Down(ctx, target)
	default:
		return fmt.Errorf("unsupported command %q", command)
	}
}
