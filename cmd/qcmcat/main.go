// Package main is the entry point for qcmcat, a quiccat-style
// demonstration client: it asks the daemon to admit it onto a shared
// QUIC connection to the given destination, then pipes stdin/stdout
// through the resulting stream.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"qcm/pkg/log"
	"qcm/pkg/pipeio"
	"qcm/pkg/qcmclient"
)

func main() {
	app := &cli.Command{
		Name:      "qcmcat",
		Usage:     "pipe stdio through a shared QUIC connection managed by qcmd",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Value: "/tmp/qcm-control",
				Usage: "qcmd's local-IPC control socket path",
			},
			&cli.StringFlag{
				Name:  "app-proto",
				Value: "quiccat",
				Usage: "application protocol identifier sent in the CONN frame",
			},
		},
		Action: run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.NewLogger(false).ErrorMsg("qcmcat: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args()
	if args.Len() != 1 {
		return fmt.Errorf("must provide exactly one argument (the destination address), got %d", args.Len())
	}
	address := args.Get(0)

	conn, err := qcmclient.Connect(ctx, cmd.String("socket"), address, cmd.String("app-proto"))
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	stdio := pipeio.NewStdio()
	defer stdio.Close()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("setting terminal to raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	pipeio.Pipe(ctx, stdio, conn, func(err error) {
		log.ErrorMsg("qcmcat: %s\n", err)
	})

	return nil
}
