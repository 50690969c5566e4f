package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"

	"github.com/splatworks/storagekit/cloudsave"
	"github.com/splatworks/storagekit/cloudsave/hostbridge"
	"github.com/splatworks/storagekit/cloudsave/network"
)

const (
	providerBackend = "backend"
	providerS3      = "s3"
	providerHost    = "host"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to a YAML profile",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logs",
	}
	providerFlag = &cli.StringFlag{
		Name:  "provider",
		Usage: "Upload provider: backend, s3, host",
	}
	formatFlag = &cli.StringFlag{
		Name:  "format",
		Usage: "Host channel frame format: json, msgpack",
	}
	metricsFlag = &cli.StringFlag{
		Name:  "metrics",
		Usage: "Serve Prometheus metrics on this address",
	}
)

// settings is the resolved configuration of one command.
type settings struct {
	cloudsave.Config

	Provider         string
	S3PathStyle      bool
	S3AccessKeyID    string
	S3SecretKey      cloudsave.Secret
	S3PresignExpiry  time.Duration
	FrameFormat      hostbridge.FrameFormat
	MetricsListen    string
	MetricsNamespace string
}

// resolveSettings merges the CLOUDSAVE_* environment, the optional profile and the flags,
// in increasing order of precedence.
func resolveSettings(c *cli.Context, envRepo env.Repository) (settings, error) {
	config, err := cloudsave.LoadConfig(envRepo)
	if err != nil {
		return settings{}, err
	}
	s := settings{Config: config}

	var format string
	if path := c.String(configFlag.Name); path != "" {
		profile, err := loadProfile(path, envRepo)
		if err != nil {
			return settings{}, err
		}
		if err := s.applyProfile(profile); err != nil {
			return settings{}, err
		}
		format = profile.Host.Format
	}

	if c.IsSet(providerFlag.Name) {
		s.Provider = c.String(providerFlag.Name)
	}
	if c.IsSet(formatFlag.Name) {
		format = c.String(formatFlag.Name)
	}
	if c.IsSet(metricsFlag.Name) {
		s.MetricsListen = c.String(metricsFlag.Name)
	}

	if s.FrameFormat, err = parseFrameFormat(format); err != nil {
		return settings{}, err
	}
	s.Provider = strings.ToLower(strings.TrimSpace(s.Provider))
	if s.Provider == "" {
		s.Provider = defaultProvider(s.Config)
	}
	return s, nil
}

func (s *settings) applyProfile(p *Profile) error {
	setString(&s.Provider, p.Provider)
	setString(&s.APIBaseURL, p.APIURL)
	setString(&s.AssetID, p.AssetID)
	setString(&s.KeyPrefix, p.KeyPrefix)

	if p.Chunking.MinSize != "" {
		size, err := units.RAMInBytes(p.Chunking.MinSize)
		if err != nil || size < 1 {
			return fmt.Errorf("invalid chunking.min_size (%s)", p.Chunking.MinSize)
		}
		s.MinChunkSize = size
	}
	if p.Chunking.SuggestedParts < 0 || p.Chunking.Concurrency < 0 {
		return fmt.Errorf("chunking.suggested_parts and chunking.concurrency must not be negative")
	}
	if p.Chunking.SuggestedParts > 0 {
		s.SuggestedParts = p.Chunking.SuggestedParts
	}
	if p.Chunking.Concurrency > 0 {
		s.UploadConcurrency = p.Chunking.Concurrency
	}

	setString(&s.S3Bucket, p.S3.Bucket)
	setString(&s.S3Region, p.S3.Region)
	setString(&s.S3Endpoint, p.S3.Endpoint)
	s.S3PathStyle = p.S3.PathStyle
	s.S3AccessKeyID = p.S3.AccessKeyID
	s.S3SecretKey = cloudsave.Secret(p.S3.SecretAccessKey)
	s.S3PresignExpiry = p.S3.PresignExpiry.Duration

	setString(&s.HostURL, p.Host.URL)
	if p.Host.Timeout.Duration > 0 {
		s.HostTimeout = p.Host.Timeout.Duration
	}

	s.MetricsListen = p.Metrics.Listen
	s.MetricsNamespace = p.Metrics.Namespace
	if p.Analytics != nil {
		s.Analytics = *p.Analytics
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func defaultProvider(config cloudsave.Config) string {
	switch {
	case config.HostURL != "":
		return providerHost
	case config.S3Bucket != "":
		return providerS3
	default:
		return providerBackend
	}
}

func parseFrameFormat(format string) (hostbridge.FrameFormat, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return hostbridge.FrameJSON, nil
	case "msgpack":
		return hostbridge.FrameMsgpack, nil
	default:
		return 0, fmt.Errorf("unknown frame format %q, expected json or msgpack", format)
	}
}

// newStorageProvider builds a provider that talks to storage directly, as the host does.
func newStorageProvider(ctx context.Context, s settings, logger log.Logger) (network.Provider, error) {
	switch s.Provider {
	case providerBackend:
		return network.NewBackendProvider(network.BackendParams{
			APIBaseURL: s.APIBaseURL,
			AssetID:    s.AssetID,
			KeyPrefix:  s.KeyPrefix,
			Token:      string(s.AccessToken),
		}, logger)
	case providerS3:
		return network.NewS3Provider(ctx, network.S3Params{
			Bucket:          s.S3Bucket,
			Region:          s.S3Region,
			AccessKeyID:     s.S3AccessKeyID,
			SecretAccessKey: string(s.S3SecretKey),
			Endpoint:        s.S3Endpoint,
			UsePathStyle:    s.S3PathStyle,
			KeyPrefix:       s.KeyPrefix,
			PresignExpiry:   s.S3PresignExpiry,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown provider %q, expected backend or s3", s.Provider)
	}
}
