// Package config loads the bulk engine configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/cs-bulk-publish/pkg/logging"
	"github.com/Sternrassler/cs-bulk-publish/pkg/work"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvAPIKey          = "CS_API_KEY"
	EnvManagementToken = "CS_MANAGEMENT_TOKEN"
	EnvAuthToken       = "CS_AUTHTOKEN"
	EnvDeliveryToken   = "CS_DELIVERY_TOKEN"
	EnvHost            = "CS_HOST"
	EnvDeliveryHost    = "CS_DELIVERY_HOST"
	EnvBranch          = "CS_BRANCH"
	EnvRedisURL        = "REDIS_URL"
	EnvLogLevel        = "LOG_LEVEL"
)

// StackConfig addresses the remote stack.
type StackConfig struct {
	Host            string `yaml:"host"`
	DeliveryHost    string `yaml:"deliveryHost"`
	APIKey          string `yaml:"apiKey"`
	ManagementToken string `yaml:"managementToken"`
	AuthToken       string `yaml:"authToken"`
	DeliveryToken   string `yaml:"deliveryToken"`
	Branch          string `yaml:"branch"`
}

// PublishConfig selects what a run publishes and where to.
type PublishConfig struct {
	// ContentTypes to sweep for entries. Empty sweeps every content type.
	ContentTypes []string `yaml:"contentTypes"`

	// Folder to start the asset sweep from. Empty means the root folder.
	Folder string `yaml:"folder"`

	// Locales are the source locales; one sweep runs per locale.
	Locales []string `yaml:"locales"`

	// Environments and TargetLocales are the publish targets. TargetLocales
	// defaults to the source locale of each sweep.
	Environments  []string `yaml:"environments"`
	TargetLocales []string `yaml:"targetLocales"`

	Bulk          bool `yaml:"bulk"`
	SkipPublished bool `yaml:"skipPublished"`
}

// UnpublishConfig selects the change feed an unpublish run reads.
type UnpublishConfig struct {
	// Environment whose published content is unpublished.
	Environment  string        `yaml:"environment"`
	ContentType  string        `yaml:"contentType"`
	Kind         string        `yaml:"kind"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// DispatchConfig sizes the dispatcher and producers.
type DispatchConfig struct {
	Concurrency int `yaml:"concurrency"`
	BatchSize   int `yaml:"batchSize"`
	PageSize    int `yaml:"pageSize"`

	// ParallelSweeps is how many locale sweeps run at once.
	ParallelSweeps int `yaml:"parallelSweeps"`
}

// RetryConfig tunes the HTTP client.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	RateLimit   float64       `yaml:"rateLimit"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LogsConfig locates the outcome logs.
type LogsConfig struct {
	Dir string `yaml:"dir"`

	// Archive is a blob bucket URL (file:// or s3://) the logs are uploaded
	// to after the run. Empty disables archiving.
	Archive string `yaml:"archive"`
}

// RedisConfig enables the shared rate limit store.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the complete engine configuration.
type Config struct {
	Stack     StackConfig     `yaml:"stack"`
	Publish   PublishConfig   `yaml:"publish"`
	Unpublish UnpublishConfig `yaml:"unpublish"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retry     RetryConfig     `yaml:"retry"`
	Logs      LogsConfig      `yaml:"logs"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Stack: StackConfig{
			Host:         "https://api.contentstack.io",
			DeliveryHost: "https://cdn.contentstack.io",
		},
		Publish: PublishConfig{
			Locales: []string{"en-us"},
		},
		Unpublish: UnpublishConfig{
			PollInterval: 3 * time.Second,
		},
		Dispatch: DispatchConfig{
			Concurrency:    1,
			BatchSize:      work.BatchSize,
			PageSize:       100,
			ParallelSweeps: 1,
		},
		Retry: RetryConfig{
			MaxAttempts: 8,
			BaseDelay:   100 * time.Millisecond,
			RateLimit:   10,
			Timeout:     30 * time.Second,
		},
		Logs: LogsConfig{
			Dir: ".",
		},
		Logging: LoggingConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// Load reads path over Default and applies environment overrides. An empty
// path loads only defaults and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.normalise()
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Stack.APIKey, EnvAPIKey)
	set(&c.Stack.ManagementToken, EnvManagementToken)
	set(&c.Stack.AuthToken, EnvAuthToken)
	set(&c.Stack.DeliveryToken, EnvDeliveryToken)
	set(&c.Stack.Host, EnvHost)
	set(&c.Stack.DeliveryHost, EnvDeliveryHost)
	set(&c.Stack.Branch, EnvBranch)
	set(&c.Redis.URL, EnvRedisURL)
	set(&c.Logging.Level, EnvLogLevel)
}

func (c *Config) normalise() {
	c.Stack.Host = withScheme(strings.TrimSpace(c.Stack.Host))
	c.Stack.DeliveryHost = withScheme(strings.TrimSpace(c.Stack.DeliveryHost))
	c.Logs.Dir = strings.TrimSpace(c.Logs.Dir)
	if c.Logs.Dir == "" {
		c.Logs.Dir = "."
	}
	if c.Dispatch.Concurrency <= 0 {
		c.Dispatch.Concurrency = 1
	}
	if c.Dispatch.ParallelSweeps <= 0 {
		c.Dispatch.ParallelSweeps = 1
	}
	if c.Dispatch.PageSize <= 0 {
		c.Dispatch.PageSize = 100
	}
}

// withScheme accepts bare hosts such as "eu-api.contentstack.com".
func withScheme(host string) string {
	if host == "" || strings.Contains(host, "://") {
		return host
	}
	return "https://" + host
}

// Validate checks the settings every operation needs.
func (c Config) Validate() error {
	var errs []error
	if c.Stack.Host == "" {
		errs = append(errs, errors.New("stack.host is required"))
	}
	if c.Stack.APIKey == "" {
		errs = append(errs, errors.New("stack.apiKey is required"))
	}
	if c.Stack.ManagementToken == "" && c.Stack.AuthToken == "" {
		errs = append(errs, errors.New("stack.managementToken or stack.authToken is required"))
	}
	if c.Dispatch.BatchSize < 1 || c.Dispatch.BatchSize > work.BatchSize {
		errs = append(errs, fmt.Errorf("dispatch.batchSize must be within 1..%d (got %d)", work.BatchSize, c.Dispatch.BatchSize))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.maxAttempts must be >= 1 (got %d)", c.Retry.MaxAttempts))
	}
	if c.Logging.Level != "" && !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level %q is unknown", c.Logging.Level))
	}
	return errors.Join(errs...)
}

// ValidatePublish checks the settings a publish run needs.
func (c Config) ValidatePublish() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Publish.Environments) == 0 {
		errs = append(errs, errors.New("publish.environments must not be empty"))
	}
	if len(c.Publish.Locales) == 0 {
		errs = append(errs, errors.New("publish.locales must not be empty"))
	}
	return errors.Join(errs...)
}

// ValidateUnpublish checks the settings an unpublish run needs.
func (c Config) ValidateUnpublish() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Unpublish.Environment == "" {
		errs = append(errs, errors.New("unpublish.environment is required"))
	}
	if c.Stack.DeliveryToken == "" {
		errs = append(errs, errors.New("stack.deliveryToken is required to read the change feed"))
	}
	if c.Stack.DeliveryHost == "" {
		errs = append(errs, errors.New("stack.deliveryHost is required"))
	}
	switch c.Unpublish.Kind {
	case "", string(work.KindEntry), string(work.KindAsset):
	default:
		errs = append(errs, fmt.Errorf("unpublish.kind must be entry or asset (got %q)", c.Unpublish.Kind))
	}
	return errors.Join(errs...)
}
