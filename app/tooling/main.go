package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jrazmi/stepwise/app/tooling/commands"
	"github.com/jrazmi/stepwise/sdk/environment"
	"github.com/jrazmi/stepwise/sdk/logger"
)

var build = "develop"
var appName = "TOOLING"

func processCommands(ctx context.Context, log *logger.Logger, command string, args []string, database *commands.Database, cfg commands.Config) error {
	runner, metrics, err := commands.NewRunner(log, database, cfg)
	if err != nil {
		return fmt.Errorf("configuring runner: %w", err)
	}

	switch command {
	case "migrate":
		log.InfoContext(ctx, "running migration")
		return commands.Migrate(ctx, log, args, runner, metrics, cfg)

	case "plan":
		return commands.Plan(ctx, log, args, runner)

	case "status":
		return commands.Status(ctx, args, runner)

	case "mark-applied":
		return commands.MarkApplied(ctx, log, args, runner)

	case "reflect-schema":
		log.InfoContext(ctx, "running schema reflection")
		if err := commands.ReflectSchema(ctx, log, args, database); err != nil {
			return fmt.Errorf("reflect schema failed: %w", err)
		}
		return nil

	case "check-ref":
		return commands.CheckRef(ctx, log, args, database)

	default:
		printHelp()
		return nil
	}
}

func printHelp() {
	fmt.Println("Available commands:")
	fmt.Println("  migrate        - apply pending schema alteration steps")
	fmt.Println("  plan           - show the SQL pending steps would run")
	fmt.Println("  status         - list steps with their ledger state")
	fmt.Println("  mark-applied   - record app.name as applied without running it")
	fmt.Println("  reflect-schema - reflect current database schema to JSON/SQL files")
	fmt.Println("  check-ref      - check a row may be referenced: check-ref model field id")
	fmt.Println()
	fmt.Println("The database is chosen with TOOLING_DB_DRIVER (postgres, sqlite, mysql).")
	fmt.Println("Use 'go run app/tooling/main.go <command> --help' for command-specific help.")
}

func run(ctx context.Context, log *logger.Logger) error {
	log.InfoContext(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	var command string
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "" || command == "help" || command == "--help" || command == "-h" {
		printHelp()
		return nil
	}

	var cfg commands.Config
	if err := environment.Parse(appName, &cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	// DATA INFRASTRUCTURE
	// ==============================================================================
	database, err := commands.OpenDatabase(ctx, log, appName, cfg)
	if err != nil {
		return err
	}
	defer func() {
		log.InfoContext(ctx, "shutdown", "status", "closing database connection")
		database.Close()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		args := []string{}
		if len(os.Args) > 2 {
			args = os.Args[2:]
		}
		done <- processCommands(ctx, log, command, args, database, cfg)
	}()

	select {
	case err := <-done:
		return err

	case sig := <-shutdown:
		log.InfoContext(ctx, "shutdown", "status", "shutdown started", "signal", sig)

		cancel()

		shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()

		select {
		case err := <-done:
			return err
		case <-shutdownCtx.Done():
			return fmt.Errorf("shutdown timeout: %w", shutdownCtx.Err())
		}
	}
}

func main() {
	if err := environment.LoadEnv(); err != nil {
		fmt.Println("loading .env:", err)
		os.Exit(1)
	}

	log, err := logger.NewFromEnv(appName)
	if err != nil {
		fmt.Println("oh no we couldn't even get logging going.")
		os.Exit(1)
	}
	ctx := context.Background()

	if err = run(ctx, log); err != nil {
		log.ErrorContext(ctx, "startup", "err", err)
		os.Exit(1)
	}
}
