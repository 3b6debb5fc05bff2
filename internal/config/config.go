package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models onboardline.yml.
type Config struct {
	Onboarding struct {
		DefaultPackage  string   `yaml:"default_package"`
		ServicePackages []string `yaml:"service_packages"`
		Editions        []string `yaml:"editions"`
	} `yaml:"onboarding"`
	Milestones struct {
		Templates []MilestoneTemplate `yaml:"templates"`
	} `yaml:"milestones"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// MilestoneTemplate seeds a client's default plan; OffsetDays counts from the
// client's creation date.
type MilestoneTemplate struct {
	Title      string `yaml:"title"`
	Type       string `yaml:"type"`
	OffsetDays int    `yaml:"offset_days"`
}

type WebhookConfig struct {
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

var milestoneTypes = map[string]bool{
	"kickoff":  true,
	"review":   true,
	"delivery": true,
	"custom":   true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Onboarding.ServicePackages) == 0 {
		return fmt.Errorf("config.onboarding.service_packages is required")
	}
	if c.Onboarding.DefaultPackage != "" {
		found := false
		for _, p := range c.Onboarding.ServicePackages {
			if p == c.Onboarding.DefaultPackage {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("default package %q not in service_packages", c.Onboarding.DefaultPackage)
		}
	}
	for i, t := range c.Milestones.Templates {
		if t.Title == "" {
			return fmt.Errorf("milestone template %d has empty title", i)
		}
		if !milestoneTypes[t.Type] {
			return fmt.Errorf("milestone template %q has unknown type %q", t.Title, t.Type)
		}
		if t.OffsetDays < 0 {
			return fmt.Errorf("milestone template %q has negative offset", t.Title)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.Name == "" {
			return fmt.Errorf("webhook %d has empty name", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %s has negative timeout", hook.Name)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "onboardline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `onboarding:
  default_package: Security Assessment Pro
  service_packages:
    - Security Assessment Pro
    - Security Assessment Standard
    - Compliance Readiness Review
  editions:
    - Essentials
    - Professional
    - Enterprise
    - Unlimited

milestones:
  templates:
    - title: Kickoff Meeting
      type: kickoff
      offset_days: 7
    - title: Security Review
      type: review
      offset_days: 14
    - title: Final Delivery
      type: delivery
      offset_days: 21

webhooks: []
`
