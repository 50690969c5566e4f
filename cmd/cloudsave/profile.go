package main

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"gopkg.in/yaml.v3"
)

// Profile is the optional YAML settings file. Every value is optional; flags override it
// and it overrides the CLOUDSAVE_* environment.
type Profile struct {
	Provider  string `yaml:"provider"`
	APIURL    string `yaml:"api_url"`
	AssetID   string `yaml:"asset_id"`
	KeyPrefix string `yaml:"key_prefix"`

	Chunking  ChunkingProfile `yaml:"chunking"`
	S3        S3Profile       `yaml:"s3"`
	Host      HostProfile     `yaml:"host"`
	Metrics   MetricsProfile  `yaml:"metrics"`
	Analytics *bool           `yaml:"analytics"`
}

// ChunkingProfile ...
type ChunkingProfile struct {
	// MinSize is a size like "5MB".
	MinSize        string `yaml:"min_size"`
	SuggestedParts int    `yaml:"suggested_parts"`
	Concurrency    int    `yaml:"concurrency"`
}

// S3Profile ...
type S3Profile struct {
	Bucket          string   `yaml:"bucket"`
	Region          string   `yaml:"region"`
	Endpoint        string   `yaml:"endpoint"`
	PathStyle       bool     `yaml:"path_style"`
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
	PresignExpiry   Duration `yaml:"presign_expiry"`
}

// HostProfile ...
type HostProfile struct {
	URL     string   `yaml:"url"`
	Format  string   `yaml:"format"`
	Timeout Duration `yaml:"timeout"`
}

// MetricsProfile ...
type MetricsProfile struct {
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
}

// Duration wraps time.Duration for YAML strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML ...
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// loadProfile reads the profile at path and expands ${VAR} and ${VAR:-default} from envRepo.
func loadProfile(path string, envRepo env.Repository) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("profile not found: %s", path)
		}
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}

	var profile Profile
	if err := yaml.Unmarshal([]byte(expandEnv(string(data), envRepo)), &profile); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return &profile, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv replaces ${VAR} with the variable's value and ${VAR:-default} with the default
// when the variable is empty. Unset variables without a default expand to "".
func expandEnv(input string, envRepo env.Repository) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if value := envRepo.Get(groups[1]); value != "" {
			return value
		}
		return groups[2]
	})
}
