package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"notifyd/internal/config"
	"notifyd/internal/transport"
	"notifyd/internal/transport/ws"
)

type clientFlags struct {
	socket  string
	addr    string
	token   string
	timeout time.Duration
}

func (f *clientFlags) cliFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "socket",
			Usage:       "daemon unix socket",
			Sources:     cli.EnvVars("NOTIFYD_SOCKET"),
			Value:       config.DefaultSocketPath(),
			Destination: &f.socket,
		},
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "daemon TCP address (overrides --socket)",
			Sources:     cli.EnvVars("NOTIFYD_ADDR"),
			Destination: &f.addr,
		},
		&cli.StringFlag{
			Name:        "token",
			Usage:       "bearer token matching transport.auth_token",
			Sources:     cli.EnvVars("NOTIFYD_TOKEN"),
			Destination: &f.token,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "dial and call timeout",
			Value:       5 * time.Second,
			Destination: &f.timeout,
		},
	}
}

func (f *clientFlags) dial(ctx context.Context) (*ws.Client, error) {
	t := ws.Target{Addr: f.addr, AuthToken: f.token, Timeout: f.timeout}
	if t.Addr == "" {
		t.Socket = f.socket
	}
	return ws.Dial(ctx, t)
}

func callCommand() *cli.Command {
	f := &clientFlags{}
	return &cli.Command{
		Name:      "call",
		Usage:     "Send one method call to the daemon and print the response",
		UsageText: `notifyd call <method> [json-args]`,
		Description: `Example:

   notifyd call show '{"id":1,"title":"Hello","body":"World"}'
   notifyd call pendingNotificationRequests`,
		Flags: f.cliFlags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 1 || c.Args().Len() > 2 {
				return fmt.Errorf("usage: %s", c.UsageText)
			}
			method := c.Args().Get(0)
			var args any
			if raw := c.Args().Get(1); raw != "" {
				if !json.Valid([]byte(raw)) {
					return fmt.Errorf("args must be valid JSON")
				}
				args = json.RawMessage(raw)
			}

			client, err := f.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			callCtx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()
			res, err := client.Call(callCtx, method, args)
			var terr *transport.Error
			switch {
			case errors.Is(err, ws.ErrNotImplemented):
				fmt.Fprintf(os.Stderr, "%s: not implemented\n", method)
				return cli.Exit("", 2)
			case errors.As(err, &terr):
				out, _ := json.MarshalIndent(terr, "", "  ")
				fmt.Fprintln(os.Stderr, string(out))
				return cli.Exit("", 1)
			case err != nil:
				return err
			}
			return printJSON(res)
		},
	}
}

func listenCommand() *cli.Command {
	f := &clientFlags{}
	return &cli.Command{
		Name:  "listen",
		Usage: "Print method invocations pushed by the daemon (selectNotification)",
		Flags: f.cliFlags(),
		Action: func(ctx context.Context, _ *cli.Command) error {
			client, err := f.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			enc := json.NewEncoder(os.Stdout)
			for {
				select {
				case <-ctx.Done():
					return nil
				case inv, ok := <-client.Invocations():
					if !ok {
						<-client.Done()
						return fmt.Errorf("daemon connection closed")
					}
					_ = enc.Encode(struct {
						Method string          `json:"method"`
						Args   json.RawMessage `json:"args,omitempty"`
					}{inv.Method, inv.Args})
				}
			}
		},
	}
}

func printJSON(raw json.RawMessage) error {
	if len(raw) == 0 {
		fmt.Println("null")
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
