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

	"notifyd/internal/app"
)

const stopTimeout = 10 * time.Second

func serveCommand() *cli.Command {
	var cfgPath string
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the notification daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (defaults to $XDG_CONFIG_HOME/notifyd/config.yaml)",
				Sources:     cli.EnvVars("NOTIFYD_CONFIG"),
				Destination: &cfgPath,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return serve(ctx, cfgPath)
		},
	}
}

func serve(ctx context.Context, cfgPath string) error {
	// A second registration so the stop reason names the signal.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigs:
		reason = stopReason(sig)
	case <-ctx.Done():
		select {
		case sig := <-sigs:
			reason = stopReason(sig)
		default:
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return errors.Join(errors.New("daemon stopped on fatal error"), a.Err())
	}
	return nil
}

func stopReason(sig os.Signal) app.StopReason {
	switch sig {
	case os.Interrupt:
		return app.StopSIGINT
	case syscall.SIGTERM:
		return app.StopSIGTERM
	default:
		return app.StopUnknown
	}
}
