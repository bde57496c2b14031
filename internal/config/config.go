package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models atelier.yml.
type Config struct {
	Project struct {
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		LeadID string `yaml:"lead_id"`
	} `yaml:"project"`
	Tasks struct {
		DefaultPriority string   `yaml:"default_priority"`
		Compartments    []string `yaml:"compartments"`
	} `yaml:"tasks"`
	Ratings struct {
		Labels map[int]string `yaml:"labels"`
	} `yaml:"ratings"`
	Storage struct {
		Endpoint  string `yaml:"endpoint"`
		Bucket    string `yaml:"bucket"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"storage"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with atl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

var validPriorities = map[string]bool{"low": true, "medium": true, "high": true, "urgent": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Tasks.DefaultPriority == "" {
		return fmt.Errorf("config.tasks.default_priority is required")
	}
	if !validPriorities[c.Tasks.DefaultPriority] {
		return fmt.Errorf("config.tasks.default_priority must be one of low, medium, high, urgent")
	}
	for _, comp := range c.Tasks.Compartments {
		if comp == "" {
			return fmt.Errorf("config.tasks.compartments contains an empty entry")
		}
	}
	if len(c.Ratings.Labels) > 0 {
		for rating := 1; rating <= 4; rating++ {
			if _, ok := c.Ratings.Labels[rating]; !ok {
				return fmt.Errorf("config.ratings.labels must cover ratings 1..4 (missing %d)", rating)
			}
		}
		for rating := range c.Ratings.Labels {
			if rating < 1 || rating > 4 {
				return fmt.Errorf("config.ratings.labels has out-of-range rating %d", rating)
			}
		}
	}
	if c.Storage.Endpoint != "" {
		if c.Storage.Bucket == "" {
			return fmt.Errorf("config.storage.bucket is required when storage.endpoint is set")
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return fmt.Errorf("config.storage access_key and secret_key are required when storage.endpoint is set")
		}
	}
	return nil
}

// RatingLabel returns the label for a rating, falling back to the fixed scale.
func (c *Config) RatingLabel(rating int) string {
	if label, ok := c.Ratings.Labels[rating]; ok {
		return label
	}
	return ""
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "atelier.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Tasks.DefaultPriority = "medium"
	if err := yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg); err != nil {
		// The template ships with the binary, so failing to decode it is a
		// programming error, not an input error.
		panic(fmt.Sprintf("built-in config template: %v", err))
	}
	return &cfg
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

const defaultTemplate = `project:
  id: %s
  name: %s
  lead_id: ""

tasks:
  default_priority: medium
  compartments: []

ratings:
  labels:
    1: "Mauvais"
    2: "À améliorer"
    3: "Satisfaisant"
    4: "Excellent"

storage:
  endpoint: ""
  bucket: ""
  access_key: ""
  secret_key: ""
  use_ssl: false
`
