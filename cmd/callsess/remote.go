package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/guseggert/callsess/call"
	"github.com/guseggert/callsess/interact"
	"github.com/guseggert/callsess/internal/server"
	"github.com/urfave/cli/v2"
)

func newRemoteClient(c *cli.Context) (*server.Client, error) {
	logger, err := newLogger(c)
	if err != nil {
		return nil, err
	}
	return server.NewClient(c.String("addr"), server.WithClientLogger(logger)), nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s\n", b)
	return nil
}

var remoteCommand = &cli.Command{
	Name:  "remote",
	Usage: "talk to a session served by 'callsess serve'",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "The server address.",
			Value:   "127.0.0.1:8080",
			EnvVars: []string{"CALLSESS_ADDR"},
		},
	},
	Subcommands: []*cli.Command{
		{
			Name:      "run",
			Usage:     "run one function in the served worker",
			UsageText: "callsess remote run FUNC [ARGS...]",
			Action: func(c *cli.Context) error {
				if c.NArg() < 1 {
					return cli.Exit("usage: "+c.Command.UsageText, 2)
				}
				client, err := newRemoteClient(c)
				if err != nil {
					return err
				}
				ctx, stop := signalContext(c)
				defer stop()

				var args []any
				for _, a := range parseArgs(c.Args().Tail()) {
					args = append(args, a)
				}
				resp, err := client.Run(ctx, c.Args().First(), args...)
				if err != nil {
					return err
				}
				fmt.Fprint(os.Stdout, resp.Stdout)
				fmt.Fprint(os.Stderr, resp.Stderr)
				if resp.Error != nil {
					fmt.Fprintf(os.Stderr, "error: %s\n", resp.Error)
					if len(resp.Error.Stack) > 0 {
						fmt.Fprint(os.Stderr, call.FormatStack(resp.Error.Stack))
					}
					return cli.Exit("", 1)
				}
				return printJSON(resp.Value)
			},
		},
		{
			Name:  "state",
			Usage: "show the served session's state",
			Action: func(c *cli.Context) error {
				client, err := newRemoteClient(c)
				if err != nil {
					return err
				}
				state, err := client.State(c.Context)
				if err != nil {
					return err
				}
				return printJSON(state)
			},
		},
		{
			Name:  "close",
			Usage: "shut down the served worker",
			Action: func(c *cli.Context) error {
				client, err := newRemoteClient(c)
				if err != nil {
					return err
				}
				return client.Close(c.Context)
			},
		},
		{
			Name:  "attach",
			Usage: "evaluate lines from stdin in the served worker",
			Action: func(c *cli.Context) error {
				client, err := newRemoteClient(c)
				if err != nil {
					return err
				}
				ctx, stop := signalContext(c)
				defer stop()

				conn, err := client.Attach(ctx)
				if err != nil {
					return err
				}
				defer conn.Close()

				lines := interact.NewLineReader(ctx, os.Stdin)
				for {
					fmt.Fprint(os.Stdout, "> ")
					line, ok, err := lines.Next()
					if err != nil || !ok {
						return nil
					}
					if line == "" {
						continue
					}
					if err := conn.Eval(ctx, line, os.Stdout, os.Stderr); err != nil {
						fmt.Fprintf(os.Stderr, "error: %s\n", err)
					}
				}
			},
		},
	},
}
