package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"seedkeeper/internal/app"
	"seedkeeper/internal/config"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := &cli.Command{
		Name:    "seedkeeper",
		Usage:   "chat bot front and workers over a shared broker",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config yaml or json",
				Value:   "./config.yaml",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before the config; missing is fine",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			roleCommand(config.RoleFront, "run only the platform front"),
			roleCommand(config.RoleWorker, "run only the worker pool"),
			roleCommand(config.RoleAll, "run front and workers in one process"),
			{
				Name:  "check",
				Usage: "validate the config, ping the broker and list live workers",
				Action: func(ctx context.Context, c *cli.Command) error {
					if err := config.LoadDotenv(c.String("env-file")); err != nil {
						return err
					}
					rep, err := app.Check(ctx, c.String("config"))
					if rep != nil {
						rep.Print(os.Stdout)
					}
					return err
				},
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func roleCommand(role config.Role, usage string) *cli.Command {
	return &cli.Command{
		Name:  string(role),
		Usage: usage,
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := config.LoadDotenv(c.String("env-file")); err != nil {
				return err
			}
			return serve(ctx, c.String("config"), role)
		},
	}
}

func serve(ctx context.Context, cfgPath string, role config.Role) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath, role, app.WithVersion(version))
	if err != nil {
		return err
	}
	// Shutdown is driven by sigs below so the stop reason is known.
	if err := a.Start(context.WithoutCancel(ctx)); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigs:
		reason = app.ReasonFor(sig)
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
