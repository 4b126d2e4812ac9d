package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/urfave/cli/v3"
)

// Populated at build time via -ldflags.
var (
	version = "dev"
	commit  = "HEAD"
)

func build() string {
	v, c := version, commit
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if mv := info.Main.Version; mv != "" && mv != "(devel)" {
				v = mv
			}
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					c = s.Value
				}
			}
		}
	}
	if len(c) > 7 {
		c = c[:7]
	}
	return fmt.Sprintf("%s (%s)", v, c)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := &cli.Command{
		Name:      "notifyd",
		Usage:     "Desktop notification daemon for flutter_local_notifications on Linux",
		UsageText: "notifyd [global options] command [command options]",
		Description: `notifyd owns the org.freedesktop.Notifications connection and the schedule
registry. Callers speak the plugin method-call protocol over a WebSocket on a
unix socket (or TCP when transport.addr is set).

Run 'notifyd serve' to start the daemon, 'notifyd call show {...}' to send a method call.`,
		Version: build(),
		Commands: []*cli.Command{
			serveCommand(),
			callCommand(),
			listenCommand(),
			{
				Name:  "version",
				Usage: "Print the build version",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Println(build())
					return nil
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		cancel()
		os.Exit(1)
	}
}
