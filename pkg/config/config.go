// Package config loads the YAML configuration shared by the genflow binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dukex/genflow/pkg/provider"
	"github.com/dukex/genflow/pkg/provider/httpprovider"
	"github.com/dukex/genflow/pkg/queue"
	"github.com/dukex/genflow/pkg/recovery"
	"github.com/dukex/genflow/pkg/worker"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Queues    []queue.Config       `yaml:"queues"    validate:"dive"`
	Recovery  recovery.Config      `yaml:"recovery"`
	Provider  httpprovider.Config  `yaml:"provider"`
	Poll      provider.PollOptions `yaml:"poll"`
	Worker    worker.Config        `yaml:"worker"`
	Artifacts ArtifactsConfig      `yaml:"artifacts"`
	// Models overrides the provider model of a node type.
	Models map[string]string `yaml:"models" validate:"dive,keys,required,endkeys,required"`
}

// ArtifactsConfig enables copying generated media into local storage when Dir is set.
type ArtifactsConfig struct {
	Dir     string        `yaml:"dir"`
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout"`
}

func Default() Config {
	return Config{
		Recovery: recovery.DefaultConfig(),
		Provider: httpprovider.Config{
			BaseURL: "https://api.replicate.com/v1",
			Timeout: 30 * time.Second,
		},
		Poll: provider.DefaultPollOptions(),
		Artifacts: ArtifactsConfig{
			Timeout: 5 * time.Minute,
		},
	}
}

// Load reads path on top of the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		err = yaml.Unmarshal(data, &config)
		if err != nil {
			return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	err := config.Validate()
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

func (c Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	_, err = queue.NewDefaultRegistry(c.Queues...)
	if err != nil {
		return fmt.Errorf("invalid queue configuration: %w", err)
	}

	for _, name := range c.Worker.Queues {
		if !c.hasQueue(name) {
			return fmt.Errorf("invalid worker configuration: %w: %s", queue.ErrUnknownQueue, name)
		}
	}

	if c.Poll.MaxElapsed < 0 {
		return errors.New("invalid configuration: poll.max_elapsed must not be negative")
	}

	return nil
}

// QueueRegistry returns the default queues with the configured overrides applied.
func (c Config) QueueRegistry() (*queue.Registry, error) {
	return queue.NewDefaultRegistry(c.Queues...)
}

func (c Config) hasQueue(name string) bool {
	registry, err := c.QueueRegistry()
	if err != nil {
		return false
	}

	_, err = registry.Get(name)

	return err == nil
}
