package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/splatworks/storagekit/cloudsave/hostbridge"
	"github.com/splatworks/storagekit/cloudsave/network"
)

const bridgePath = "/bridge"

func hostCommand() *cli.Command {
	return &cli.Command{
		Name:  "host",
		Usage: "Answer upload requests of connected editors",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Address to accept editor connections on",
				Value: "127.0.0.1:8787",
			},
			providerFlag,
			formatFlag,
		},
		Action: runHost,
	}
}

func runHost(c *cli.Context) error {
	logger := newLogger(c)
	s, err := resolveSettings(c, env.NewRepository())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if s.Provider == providerHost {
		return cli.Exit("the host needs a storage provider: backend or s3", 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := newStorageProvider(ctx, s, logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	listener, err := net.Listen("tcp", c.String("listen"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	logger.Infof("Accepting editors on ws://%s%s", listener.Addr(), bridgePath)

	if err := serveHost(ctx, listener, provider, s.FrameFormat, logger); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

// serveHost relays frames between the editors connected on listener and answers their
// requests with provider until ctx is done.
func serveHost(ctx context.Context, listener net.Listener, provider network.Provider, format hostbridge.FrameFormat, logger log.Logger) error {
	hub := hostbridge.NewHostServer(format, logger)
	mux := http.NewServeMux()
	mux.Handle(bridgePath, hub)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	// Answer before accepting, so no editor request is missed.
	waitResponder := hostbridge.NewResponder(hub, provider, logger).Start(ctx)
	g.Go(func() error {
		waitResponder()
		return nil
	})
	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Close(); err != nil {
			logger.Warnf("Failed to close editor connections: %s", err)
		}
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
