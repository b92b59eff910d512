// Package main is the entry point for qcmd, the QUIC connection manager
// daemon: a long-lived local process that lets multiple unrelated client
// processes share one QUIC transport connection per remote destination.
package main

import (
	"context"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"qcm/internal/config"
	"qcm/internal/manager"
	"qcm/pkg/log"
)

func main() {
	app := &cli.Command{
		Name:        "qcmd",
		Usage:       "share one QUIC connection per destination across client processes",
		Description: "Binds a local control socket and multiplexes client requests onto shared QUIC connections.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Value: "/tmp/qcm-control",
				Usage: "local-IPC control socket path",
			},
			&cli.IntFlag{
				Name:  "default-port",
				Value: 7878,
				Usage: "port substituted when a client's address omits one",
			},
			&cli.DurationFlag{
				Name:  "idle-timeout",
				Value: 50 * time.Second,
				Usage: "QUIC idle timeout applied to every connection",
			},
			&cli.IntFlag{
				Name:  "max-streams",
				Value: 100,
				Usage: "maximum concurrent bidirectional streams per connection",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable verbose logging",
			},
		},
		Action: run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.NewLogger(false).ErrorMsg("qcmd: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg := config.New()
	cfg.SocketPath = cmd.String("socket")
	cfg.DefaultPort = int(cmd.Int("default-port"))
	cfg.IdleTimeout = cmd.Duration("idle-timeout")
	cfg.MaxStreams = int(cmd.Int("max-streams"))
	cfg.Verbose = cmd.Bool("verbose")
	cfg.Logger = log.NewLogger(cfg.Verbose)

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			cfg.Logger.ErrorMsg("qcmd: %s\n", e)
		}
		return errs[0]
	}

	m, err := manager.New(cfg)
	if err != nil {
		return err
	}

	cfg.Logger.InfoMsg("Listening on %s\n", cfg.SocketPath)
	return m.Run(ctx)
}
