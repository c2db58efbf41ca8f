// Command callworker is a worker exposing a few demo functions, for trying out callsess.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/guseggert/callsess/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "callworker",
		Usage: "a demo worker, meant to be started by callsess",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "The log level, logs go to stderr. One of [debug,info,warn,error].",
				Value:   "error",
				EnvVars: []string{"CALLWORKER_LOG_LEVEL"},
			},
		},
		Action: func(c *cli.Context) error {
			level, err := zapcore.ParseLevel(c.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			cfg := zap.NewDevelopmentConfig()
			cfg.Level = zap.NewAtomicLevelAt(level)
			logger, err := cfg.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			rt, err := worker.New(worker.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("building runtime: %w", err)
			}
			register(rt)
			return rt.Serve(context.Background())
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func register(rt *worker.Runtime) {
	rt.MustRegister("add", func(a, b float64) float64 { return a + b })
	rt.MustRegister("echo", func(v any) any { return v })
	rt.MustRegister("upper", func(s string) string { return strings.ToUpper(s) })
	rt.MustRegister("sleep", func(c *worker.Call, seconds float64) error {
		select {
		case <-time.After(time.Duration(seconds * float64(time.Second))):
			return nil
		case <-c.Context().Done():
			return c.Context().Err()
		}
	})
	rt.MustRegister("fail", func(msg string) error { return errors.New(msg) })
	rt.MustRegister("progress", func(c *worker.Call, n int) (int, error) {
		for i := 1; i <= n; i++ {
			if err := c.Progress("working", i, n); err != nil {
				return 0, err
			}
			time.Sleep(100 * time.Millisecond)
		}
		if err := c.Message("finished %d steps", n); err != nil {
			return 0, err
		}
		return n, nil
	})
	rt.MustRegister("exit", func(code int) { os.Exit(code) })
	rt.MustRegister("lib_paths", func() []string { return rt.LibPaths() })
}
