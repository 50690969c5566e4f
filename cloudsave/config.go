package cloudsave

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"

	"github.com/splatworks/storagekit/cloudsave/network/chunkuploader"
)

// Environment variables read by LoadConfig and EnvCredentials.
const (
	EnvAPIURL            = "CLOUDSAVE_API_URL"
	EnvAccessToken       = "CLOUDSAVE_ACCESS_TOKEN"
	EnvUserID            = "CLOUDSAVE_USER_ID"
	EnvAssetID           = "CLOUDSAVE_ASSET_ID"
	EnvKeyPrefix         = "CLOUDSAVE_KEY_PREFIX"
	EnvMinChunkSize      = "CLOUDSAVE_MIN_CHUNK_SIZE"
	EnvSuggestedParts    = "CLOUDSAVE_SUGGESTED_PARTS"
	EnvUploadConcurrency = "CLOUDSAVE_UPLOAD_CONCURRENCY"
	EnvS3Bucket          = "CLOUDSAVE_S3_BUCKET"
	EnvS3Region          = "CLOUDSAVE_S3_REGION"
	EnvS3Endpoint        = "CLOUDSAVE_S3_ENDPOINT"
	EnvHostURL           = "CLOUDSAVE_HOST_URL"
	EnvHostTimeout       = "CLOUDSAVE_HOST_TIMEOUT"
	EnvAnalyticsEnabled  = "CLOUDSAVE_ANALYTICS"
)

// DefaultDocumentName is used when neither the caller nor the editor names the document.
const DefaultDocumentName = "scene.ssproj"

// Secret is a string that is not printed in logs.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Config ...
type Config struct {
	APIBaseURL  string
	AccessToken Secret
	UserID      string
	AssetID     string
	KeyPrefix   string

	// MinChunkSize is the smallest part size except for the last part.
	MinChunkSize int64
	// SuggestedParts caps the part count when positive; zero means no suggestion.
	SuggestedParts int
	// UploadConcurrency caps parallel part uploads; zero means all parts at once.
	UploadConcurrency int

	S3Bucket   string
	S3Region   string
	S3Endpoint string

	HostURL     string
	HostTimeout time.Duration

	Analytics bool
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		MinChunkSize: chunkuploader.DefaultMinChunkSize,
	}
}

// LoadConfig reads the configuration from envRepo. Unset values keep their defaults;
// malformed ones are errors.
func LoadConfig(envRepo env.Repository) (Config, error) {
	config := DefaultConfig()
	config.APIBaseURL = strings.TrimSpace(envRepo.Get(EnvAPIURL))
	config.AccessToken = Secret(strings.TrimSpace(envRepo.Get(EnvAccessToken)))
	config.UserID = envRepo.Get(EnvUserID)
	config.AssetID = envRepo.Get(EnvAssetID)
	if prefix, ok := lookup(envRepo, EnvKeyPrefix); ok {
		config.KeyPrefix = prefix
	}
	config.S3Bucket = envRepo.Get(EnvS3Bucket)
	config.S3Region = envRepo.Get(EnvS3Region)
	config.S3Endpoint = envRepo.Get(EnvS3Endpoint)
	config.HostURL = envRepo.Get(EnvHostURL)
	config.Analytics = strings.EqualFold(strings.TrimSpace(envRepo.Get(EnvAnalyticsEnabled)), "true")

	if value, ok := lookup(envRepo, EnvMinChunkSize); ok {
		size, err := units.RAMInBytes(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s (%s): %w", EnvMinChunkSize, value, err)
		}
		if size < 1 {
			return Config{}, fmt.Errorf("invalid %s (%s): must be positive", EnvMinChunkSize, value)
		}
		config.MinChunkSize = size
	}

	var err error
	if config.SuggestedParts, err = nonNegativeInt(envRepo, EnvSuggestedParts); err != nil {
		return Config{}, err
	}
	if config.UploadConcurrency, err = nonNegativeInt(envRepo, EnvUploadConcurrency); err != nil {
		return Config{}, err
	}

	if value, ok := lookup(envRepo, EnvHostTimeout); ok {
		timeout, err := time.ParseDuration(value)
		if err != nil || timeout <= 0 {
			return Config{}, fmt.Errorf("invalid %s (%s): expected a positive duration", EnvHostTimeout, value)
		}
		config.HostTimeout = timeout
	}

	return config, nil
}

func lookup(envRepo env.Repository, key string) (string, bool) {
	value := strings.TrimSpace(envRepo.Get(key))
	return value, value != ""
}

func nonNegativeInt(envRepo env.Repository, key string) (int, error) {
	value, ok := lookup(envRepo, key)
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s (%s): expected a non-negative integer", key, value)
	}
	return n, nil
}

// Credentials of the signed in user.
type Credentials struct {
	UserID    string
	Token     Secret
	APIServer string
}

// CredentialSource returns the current user's credentials, or nil when nobody is signed in.
type CredentialSource interface {
	Credentials(ctx context.Context) (*Credentials, error)
}

// EnvCredentials reads the credentials from the environment on every call, so signing
// in or out between saves is picked up.
type EnvCredentials struct {
	envRepo env.Repository
}

// NewEnvCredentials ...
func NewEnvCredentials(envRepo env.Repository) EnvCredentials {
	return EnvCredentials{envRepo: envRepo}
}

// Credentials implements CredentialSource.
func (c EnvCredentials) Credentials(context.Context) (*Credentials, error) {
	token := strings.TrimSpace(c.envRepo.Get(EnvAccessToken))
	if token == "" {
		return nil, nil
	}
	return &Credentials{
		UserID:    c.envRepo.Get(EnvUserID),
		Token:     Secret(token),
		APIServer: c.envRepo.Get(EnvAPIURL),
	}, nil
}
