// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/detonator-project/detonator/guest"
)

var agentLog = logrus.WithField("source", "agent-main")

func main() {
	app := cli.NewApp()
	app.Name = "detonator-agent"
	app.Usage = "in-guest analysis agent"
	app.Version = "0.3.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "socket",
			Usage: "serve on a unix socket instead of the virtio port (test harness)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "logging level",
		},
	}
	app.Action = func(ctx *cli.Context) error {
		level, err := logrus.ParseLevel(ctx.String("log-level"))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)

		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			agentLog.WithField("signal", sig).Info("shutting down")
			cancel()
		}()

		a := guest.NewAgent()
		if socket := ctx.String("socket"); socket != "" {
			return a.RunSocket(runCtx, socket)
		}
		return a.RunVirtio(runCtx)
	}

	if err := app.Run(os.Args); err != nil {
		agentLog.Error(err)
		os.Exit(1)
	}
}
