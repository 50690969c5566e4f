package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/splatworks/storagekit/cloudsave"
	"github.com/splatworks/storagekit/cloudsave/archive"
	"github.com/splatworks/storagekit/cloudsave/hostbridge"
	"github.com/splatworks/storagekit/cloudsave/network"
)

func saveCommand() *cli.Command {
	return &cli.Command{
		Name:  "save",
		Usage: "Build or read an archive and upload it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "name",
				Usage: "File name to save as (default: " + cloudsave.DefaultDocumentName + ")",
			},
			&cli.StringFlag{
				Name:  "file",
				Usage: "Upload this archive as is",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Pack document.json and the .ply files of this directory",
			},
			&cli.StringFlag{
				Name:  "pattern",
				Usage: "Glob selecting the splat files in --dir",
				Value: archive.DefaultSplatPattern,
			},
			providerFlag,
			formatFlag,
			metricsFlag,
		},
		Action: runSave,
	}
}

func runSave(c *cli.Context) error {
	logger := newLogger(c)
	envRepo := env.NewRepository()

	builder, err := archiveBuilder(c, logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	s, err := resolveSettings(c, envRepo)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, closeProvider, err := saveProvider(ctx, s, logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer closeProvider()

	deps := cloudsave.Dependencies{
		Builder:     builder,
		Provider:    provider,
		Credentials: cloudsave.NewEnvCredentials(envRepo),
	}
	if s.Analytics {
		deps.Tracker = cloudsave.NewTracker(s.Config, logger)
	}
	if s.MetricsListen != "" {
		metrics, shutdown, err := serveMetrics(s, logger)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer shutdown()
		deps.Metrics = metrics
	}

	saver := cloudsave.NewSaver(deps, s.Config, logger)
	if !saver.Save(ctx, c.String("name")) {
		return cli.Exit("", 1)
	}
	return nil
}

func newLogger(c *cli.Context) log.Logger {
	logger := log.NewLogger()
	logger.EnableDebugLog(c.Bool(debugFlag.Name))
	return logger
}

func archiveBuilder(c *cli.Context, logger log.Logger) (cloudsave.ArchiveBuilder, error) {
	file, dir := c.String("file"), c.String("dir")
	switch {
	case file != "" && dir != "":
		return nil, errors.New("--file and --dir are mutually exclusive")
	case file != "":
		return fileArchive(file), nil
	case dir != "":
		source := archive.NewDirectorySource(dir)
		source.Pattern = c.String("pattern")
		return archive.NewBuilder(source, logger), nil
	default:
		return nil, errors.New("one of --file or --dir is required")
	}
}

// fileArchive is an archive that was built elsewhere.
type fileArchive string

func (f fileArchive) BuildArchive(context.Context) ([]byte, error) {
	return os.ReadFile(string(f))
}

// saveProvider returns the provider the editor side negotiates with. For the host
// provider that is a bridge over a WebSocket connection, closed by the returned func.
func saveProvider(ctx context.Context, s settings, logger log.Logger) (network.Provider, func(), error) {
	if s.Provider != providerHost {
		provider, err := newStorageProvider(ctx, s, logger)
		return provider, func() {}, err
	}

	if s.HostURL == "" {
		return nil, nil, fmt.Errorf("host provider needs %s or host.url", cloudsave.EnvHostURL)
	}
	channel, err := hostbridge.Dial(ctx, s.HostURL, nil, s.FrameFormat, logger)
	if err != nil {
		return nil, nil, err
	}
	bridge := hostbridge.New(channel, hostbridge.Config{Timeout: s.HostTimeout}, logger)
	return bridge, func() {
		if err := channel.Close(); err != nil {
			logger.Warnf("Failed to close host connection: %s", err)
		}
	}, nil
}

func serveMetrics(s settings, logger log.Logger) (*cloudsave.Metrics, func(), error) {
	reg := prometheus.NewRegistry()
	metrics, err := cloudsave.NewMetrics(s.MetricsNamespace, reg)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: s.MetricsListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("Metrics server stopped: %s", err)
		}
	}()
	logger.Infof("Serving metrics on %s/metrics", s.MetricsListen)

	return metrics, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}
