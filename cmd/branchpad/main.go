// Command branchpad runs the collaboration server.
//
// Usage:
//
//	branchpad migrate    bring the database schema up to date
//	branchpad serve      run the HTTP and sync server (default)
//
// Configuration comes from BRANCHPAD_* environment variables, optionally
// loaded from a .env file in the working directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/branchpad/branchpad/pkg/branchpad"
	"github.com/branchpad/branchpad/pkg/store/postgres"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "branchpad:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg, err := branchpad.LoadConfig()
	if err != nil {
		return err
	}

	st, err := postgres.New(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	app, err := branchpad.New(st, cfg)
	if err != nil {
		st.Close()
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := "serve"
	if len(args) > 0 {
		command = args[0]
	}
	switch command {
	case "migrate":
		return app.Migrate(ctx)
	case "serve":
		if err := app.Migrate(ctx); err != nil {
			return err
		}
		return app.Run(ctx)
	default:
		return fmt.Errorf("unknown command %q (want migrate or serve)", command)
	}
}
