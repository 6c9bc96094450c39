// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blinklabs-io/tally/database"
	"github.com/blinklabs-io/tally/etl"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "tally.config"

const DefaultShutdownTimeout = "30s"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// Mode selects whether this instance writes ledgers or only tails them
type Mode string

const (
	ModeWriter   Mode = "writer"   // Ingests ledgers into storage (default)
	ModeReadOnly Mode = "readonly" // Follows ledgers written by another instance
)

// Valid returns true if the Mode is a known mode
func (m Mode) Valid() bool {
	switch m {
	case ModeWriter, ModeReadOnly, "":
		return true
	default:
		return false
	}
}

// SourceConfig is one upstream node. The URL scheme picks the transport:
// grpc:// for gRPC, http:// or https:// for Connect and h2c:// for Connect
// over cleartext HTTP/2.
type SourceConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// SourceList decodes TALLY_SOURCES values of the form
// "name=url,name=url"
type SourceList []SourceConfig

func (l *SourceList) Decode(value string) error {
	var ret SourceList
	for item := range strings.SplitSeq(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, rawURL, ok := strings.Cut(item, "=")
		if !ok {
			return fmt.Errorf("invalid source %q: expected name=url", item)
		}
		ret = append(ret, SourceConfig{Name: name, URL: rawURL})
	}
	*l = ret
	return nil
}

type ETLConfig struct {
	StartSequence        uint32 `yaml:"startSequence"        split_words:"true"`
	FinishSequence       uint32 `yaml:"finishSequence"       split_words:"true"`
	ExtractorQueueSize   int    `yaml:"extractorQueueSize"   split_words:"true"`
	TransformerQueueSize int    `yaml:"transformerQueueSize" split_words:"true"`
	ExtractorWorkers     int    `yaml:"extractorWorkers"     split_words:"true"`
	WriteRetries         int    `yaml:"writeRetries"         split_words:"true"`
	WriterTimeout        string `yaml:"writerTimeout"        split_words:"true"`
	InitialLoadMarkers   int    `yaml:"initialLoadMarkers"   split_words:"true"`
	// AllowNoETL starts without upstream sources and serves from storage
	AllowNoETL bool `yaml:"allowNoEtl" envconfig:"ALLOW_NO_ETL"`
}

type CacheConfig struct {
	LoadStyle   string `yaml:"loadStyle"   split_words:"true"`
	NumMarkers  int    `yaml:"numMarkers"  split_words:"true"`
	PageSize    int    `yaml:"pageSize"    split_words:"true"`
	Workers     int    `yaml:"workers"`
	MaxObjects  int    `yaml:"maxObjects"  split_words:"true"`
	NumDiffs    int    `yaml:"numDiffs"    split_words:"true"`
	FromStorage bool   `yaml:"fromStorage" split_words:"true"`
}

type LoadBalancerConfig struct {
	FetchRetryRounds       int      `yaml:"fetchRetryRounds"       split_words:"true"`
	RoundDelay             string   `yaml:"roundDelay"             split_words:"true"`
	StickyForward          bool     `yaml:"stickyForward"          split_words:"true"`
	ForwardingCacheTimeout string   `yaml:"forwardingCacheTimeout" split_words:"true"`
	CacheableMethods       []string `yaml:"cacheableMethods"       split_words:"true"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is "stdout" or "otlp"
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP HTTP collector address
	Endpoint string `yaml:"endpoint"`
}

type tempConfig struct {
	Config *Config `yaml:"config,omitempty"`
}

type Config struct {
	Mode            Mode               `yaml:"mode"`
	DatabasePath    string             `yaml:"databasePath"    split_words:"true"`
	BlobPlugin      string             `yaml:"blobPlugin"      split_words:"true"`
	MetadataPlugin  string             `yaml:"metadataPlugin"  split_words:"true"`
	DatabaseDSN     string             `yaml:"databaseDsn"     envconfig:"DATABASE_DSN"`
	BindAddr        string             `yaml:"bindAddr"        split_words:"true"`
	ShutdownTimeout string             `yaml:"shutdownTimeout" split_words:"true"`
	MetricsPort     uint               `yaml:"metricsPort"     split_words:"true"`
	StatusPort      uint               `yaml:"statusPort"      split_words:"true"`
	NetworkID       uint32             `yaml:"networkId"       envconfig:"NETWORK_ID"`
	CheckNetworkID  bool               `yaml:"checkNetworkId"  envconfig:"CHECK_NETWORK_ID"`
	Sources         SourceList         `yaml:"sources"`
	ETL             ETLConfig          `yaml:"etl"`
	Cache           CacheConfig        `yaml:"cache"`
	LoadBalancer    LoadBalancerConfig `yaml:"loadBalancer"    split_words:"true"`
	Tracing         TracingConfig      `yaml:"tracing"`
}

var globalConfig = defaultConfig()

func defaultConfig() *Config {
	return &Config{
		Mode:            ModeWriter,
		DatabasePath:    ".tally",
		BlobPlugin:      database.DefaultBlobPlugin,
		MetadataPlugin:  database.DefaultMetadataPlugin,
		BindAddr:        "0.0.0.0",
		ShutdownTimeout: DefaultShutdownTimeout,
		MetricsPort:     12799,
		StatusPort:      51233,
		ETL: ETLConfig{
			ExtractorQueueSize:   etl.DefaultExtractorQueueSize,
			TransformerQueueSize: etl.DefaultTransformerQueueSize,
			ExtractorWorkers:     1,
			WriteRetries:         etl.DefaultWriteRetries,
			WriterTimeout:        etl.DefaultWriterTimeout.String(),
			InitialLoadMarkers:   etl.DefaultInitialLoadMarkers,
		},
		Cache: CacheConfig{
			LoadStyle:   string(etl.CacheLoadSync),
			NumMarkers:  etl.DefaultCacheLoadMarkers,
			PageSize:    etl.DefaultCacheLoadPageSize,
			Workers:     etl.DefaultCacheLoadWorkers,
			FromStorage: true,
		},
		LoadBalancer: LoadBalancerConfig{
			FetchRetryRounds:       3,
			RoundDelay:             "2s",
			ForwardingCacheTimeout: "0s",
		},
		Tracing: TracingConfig{
			Exporter: "stdout",
		},
	}
}

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.tally/tally.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".tally", "tally.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}
		// Try to check for /etc/tally/tally.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/tally/tally.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		var tempCfg tempConfig
		if err := yaml.Unmarshal(buf, &tempCfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		if tempCfg.Config != nil {
			// Overlay the config section onto the defaults
			configBytes, err := yaml.Marshal(tempCfg.Config)
			if err != nil {
				return nil, fmt.Errorf("error re-marshalling config: %w", err)
			}
			if err := yaml.Unmarshal(configBytes, globalConfig); err != nil {
				return nil, fmt.Errorf("error parsing config section: %w", err)
			}
		} else if err := yaml.Unmarshal(buf, globalConfig); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	if err := envconfig.Process("tally", globalConfig); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if globalConfig.Mode == "" {
		globalConfig.Mode = ModeWriter
	}
	if err := globalConfig.Validate(); err != nil {
		return nil, err
	}
	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}

// Validate checks values that cannot be caught by parsing alone
func (c *Config) Validate() error {
	var errs []error
	if !c.Mode.Valid() {
		errs = append(errs, fmt.Errorf(
			"invalid mode: %q (must be 'writer' or 'readonly')",
			c.Mode,
		))
	}
	if !etl.CacheLoadStyle(c.Cache.LoadStyle).Valid() {
		errs = append(errs, fmt.Errorf(
			"invalid cache load style: %q (must be 'sync', 'async' or 'none')",
			c.Cache.LoadStyle,
		))
	}
	names := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" {
			errs = append(errs, fmt.Errorf("source %q has no name", src.URL))
			continue
		}
		if _, ok := names[src.Name]; ok {
			errs = append(errs, fmt.Errorf("duplicate source name %q", src.Name))
		}
		names[src.Name] = struct{}{}
		if _, err := src.Transport(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(c.Sources) == 0 && c.Mode == ModeWriter && !c.ETL.AllowNoETL {
		errs = append(errs, errors.New("no sources configured and allowNoEtl is not set"))
	}
	for name, value := range map[string]string{
		"shutdownTimeout":                     c.ShutdownTimeout,
		"etl.writerTimeout":                   c.ETL.WriterTimeout,
		"loadBalancer.roundDelay":             c.LoadBalancer.RoundDelay,
		"loadBalancer.forwardingCacheTimeout": c.LoadBalancer.ForwardingCacheTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
		}
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("invalid tracing exporter: %q", c.Tracing.Exporter))
	}
	return errors.Join(errs...)
}

// Transport names the upstream transport for the URL scheme and the
// address to dial
func (s SourceConfig) Transport() (string, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", fmt.Errorf("source %s: %w", s.Name, err)
	}
	switch u.Scheme {
	case "grpc", "http", "https", "h2c":
		return u.Scheme, nil
	default:
		return "", fmt.Errorf("source %s: unsupported scheme %q", s.Name, u.Scheme)
	}
}

// Duration parses a duration setting already checked by Validate. Empty
// values yield def.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
