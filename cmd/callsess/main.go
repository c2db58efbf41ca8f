package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/callsess/call"
	"github.com/guseggert/callsess/codec"
	"github.com/guseggert/callsess/interact"
	"github.com/guseggert/callsess/internal/server"
	"github.com/guseggert/callsess/relay"
	"github.com/guseggert/callsess/session"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "callsess",
		Usage: "run functions in a supervised worker process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker",
				Usage:   "The worker executable to start.",
				EnvVars: []string{"CALLSESS_WORKER"},
			},
			&cli.StringSliceFlag{
				Name:  "worker-arg",
				Usage: "An argument to pass to the worker. May be repeated.",
			},
			&cli.StringSliceFlag{
				Name:    "lib-path",
				Usage:   "A library path to announce to the worker. May be repeated.",
				EnvVars: []string{"CALLSESS_LIB_PATH"},
			},
			&cli.StringFlag{
				Name:  "codec",
				Usage: "The codec for call payloads. One of [cbor,json,cbor+zstd].",
				Value: codec.Default().Name(),
			},
			&cli.StringFlag{
				Name:  "error-mode",
				Usage: "How much the worker reports about failed calls. One of [plain,stack,dump].",
				Value: string(call.ModeDump),
			},
			&cli.StringFlag{
				Name:  "wait-timeout",
				Usage: "Duration to wait for the worker to become ready.",
				Value: "10s",
			},
			&cli.StringFlag{
				Name:  "interrupt-grace",
				Usage: "Duration an interrupted call may take to wind down before the worker is killed.",
				Value: "2s",
			},
			&cli.StringFlag{
				Name:  "stdout-file",
				Usage: "Send the worker's stdout to this file instead of capturing it per call.",
			},
			&cli.StringFlag{
				Name:  "stderr-file",
				Usage: "Send the worker's stderr to this file instead of capturing it per call.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "The log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			debugCommand,
			attachCommand,
			serveCommand,
			remoteCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	relay.SetLogger(l)
	return l, nil
}

// signalContext is cancelled on SIGINT or SIGTERM, which interrupts the running call.
func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func sessionOptions(c *cli.Context, logger *zap.Logger) ([]session.Option, error) {
	worker := c.String("worker")
	if worker == "" {
		return nil, fmt.Errorf("no worker configured, set --worker or CALLSESS_WORKER")
	}
	cdc, err := codec.ByName(c.String("codec"))
	if err != nil {
		return nil, err
	}
	mode, err := call.ParseErrorMode(c.String("error-mode"))
	if err != nil {
		return nil, err
	}
	waitTimeout, err := time.ParseDuration(c.String("wait-timeout"))
	if err != nil {
		return nil, fmt.Errorf("parsing wait timeout: %w", err)
	}
	interruptGrace, err := time.ParseDuration(c.String("interrupt-grace"))
	if err != nil {
		return nil, fmt.Errorf("parsing interrupt grace: %w", err)
	}
	return []session.Option{
		session.WithWorker(worker, c.StringSlice("worker-arg")...),
		session.WithLibPaths(c.StringSlice("lib-path")...),
		session.WithCodec(cdc),
		session.WithErrorMode(mode),
		session.WithWaitTimeout(waitTimeout),
		session.WithInterruptGrace(interruptGrace),
		session.WithRedirect(c.String("stdout-file"), c.String("stderr-file")),
		session.WithLogger(logger),
	}, nil
}

// withSession starts a session, runs f with it, and closes it.
func withSession(c *cli.Context, f func(ctx context.Context, s *session.Session, logger *zap.Logger) error) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts, err := sessionOptions(c, logger)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(c)
	defer stop()

	s, err := session.Start(ctx, opts...)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer func() {
		if err := s.Close(2 * time.Second); err != nil {
			logger.Sugar().Warnf("closing session: %s", err)
		}
	}()
	return f(ctx, s, logger)
}

// parseArgs treats each argument as JSON, falling back to a plain string.
func parseArgs(strs []string) []json.RawMessage {
	raw := make([]json.RawMessage, len(strs))
	for i, s := range strs {
		if json.Valid([]byte(s)) {
			raw[i] = json.RawMessage(s)
			continue
		}
		b, _ := json.Marshal(s)
		raw[i] = b
	}
	return raw
}

// printConditions reports conditions raised by the worker on stderr.
func printConditions(ctx context.Context) context.Context {
	return relay.WithHandler(ctx, "", func(_ context.Context, cond *relay.Condition) relay.Action {
		switch cond.Kind {
		case relay.KindProgress:
			fmt.Fprintf(os.Stderr, "[%v/%v] %s\n", cond.Data["done"], cond.Data["total"], cond.Message)
		default:
			fmt.Fprintf(os.Stderr, "%s\n", cond)
		}
		return relay.Muffle
	})
}

// printResult writes a call's output and value, returning a non-zero exit if the call failed.
func printResult(res *session.CallResult, value any) error {
	fmt.Fprint(os.Stdout, res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)
	if res.Error != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", res.Err())
		if len(res.Error.Stack) > 0 {
			fmt.Fprint(os.Stderr, call.FormatStack(res.Error.Stack))
		}
		return cli.Exit("", 1)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	fmt.Fprintf(os.Stdout, "%s\n", b)
	return nil
}

func runCall(ctx context.Context, s *session.Session, c *cli.Context) (*session.CallResult, any, error) {
	if c.NArg() < 1 {
		return nil, nil, cli.Exit("usage: "+c.Command.UsageText, 2)
	}
	args, err := server.DecodeArgs(parseArgs(c.Args().Tail()))
	if err != nil {
		return nil, nil, err
	}
	res, err := s.RunWithOutput(printConditions(ctx), c.Args().First(), args...)
	if err != nil {
		return nil, nil, err
	}
	if res.Error != nil {
		return res, nil, nil
	}
	v, err := res.Value()
	if err != nil {
		return nil, nil, fmt.Errorf("decoding result: %w", err)
	}
	return res, v, nil
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "run one function in a new worker",
	UsageText: "callsess run FUNC [ARGS...]",
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, s *session.Session, _ *zap.Logger) error {
			res, v, err := runCall(ctx, s, c)
			if err != nil {
				return err
			}
			return printResult(res, v)
		})
	},
}

var debugCommand = &cli.Command{
	Name:      "debug",
	Usage:     "run one function and debug it post-mortem if it fails",
	UsageText: "callsess debug FUNC [ARGS...]",
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, s *session.Session, _ *zap.Logger) error {
			res, v, err := runCall(ctx, s, c)
			if err != nil {
				return err
			}
			if res.Error == nil {
				return printResult(res, v)
			}
			printResult(res, nil)
			return interact.Debug(ctx, s, os.Stdin, os.Stdout)
		})
	},
}

var attachCommand = &cli.Command{
	Name:  "attach",
	Usage: "evaluate lines from stdin in a new worker",
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, s *session.Session, _ *zap.Logger) error {
			return interact.Attach(ctx, s, os.Stdin, os.Stdout, os.Stderr)
		})
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve a worker session over HTTP",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on.",
			Value: "127.0.0.1:8080",
		},
		&cli.StringFlag{
			Name:  "close-grace",
			Usage: "Duration a closing worker may take to exit before it is killed.",
			Value: "2s",
		},
	},
	Action: func(c *cli.Context) error {
		closeGrace, err := time.ParseDuration(c.String("close-grace"))
		if err != nil {
			return fmt.Errorf("parsing close grace: %w", err)
		}
		return withSession(c, func(ctx context.Context, s *session.Session, logger *zap.Logger) error {
			srv := server.New(s,
				server.WithListenAddr(c.String("listen-addr")),
				server.WithLogger(logger),
				server.WithCloseGrace(closeGrace),
			)
			return srv.Run(ctx)
		})
	},
}
