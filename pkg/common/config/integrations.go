package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StepSpec describes one named phase of a sync run: which entity kind its
// primary resource maps to and which nested collections each item carries.
type StepSpec struct {
	Name       string   `yaml:"name"`
	Entity     string   `yaml:"entity"`
	Nested     []string `yaml:"nested,omitempty"`
	PageSize   int      `yaml:"page_size,omitempty"`
}

type Integration struct {
	ID            int        `yaml:"id"`
	Provider      string     `yaml:"provider"`
	BaseURL       string     `yaml:"base_url"`
	CredentialEnv string     `yaml:"credential_env"`
	Steps         []StepSpec `yaml:"steps"`
}

type Integrations struct {
	Integrations []Integration `yaml:"integrations"`
}

func LoadIntegrations(path string) (*Integrations, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading integrations file: %w", err)
	}
	var catalog Integrations
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parsing integrations file: %w", err)
	}
	for _, integ := range catalog.Integrations {
		if integ.BaseURL == "" {
			return nil, fmt.Errorf("integration %d: base_url is required", integ.ID)
		}
		if len(integ.Steps) == 0 {
			return nil, fmt.Errorf("integration %d: at least one step is required", integ.ID)
		}
	}
	return &catalog, nil
}

func (c *Integrations) Lookup(id int) (*Integration, error) {
	for i := range c.Integrations {
		if c.Integrations[i].ID == id {
			return &c.Integrations[i], nil
		}
	}
	return nil, fmt.Errorf("integration %d not configured", id)
}

func (i *Integration) Step(name string) (*StepSpec, error) {
	for s := range i.Steps {
		if i.Steps[s].Name == name {
			return &i.Steps[s], nil
		}
	}
	return nil, fmt.Errorf("step %q not configured for integration %d", name, i.ID)
}

// Token resolves the provider credential from the environment variable the
// catalog names, so secrets never live in the YAML itself.
func (i *Integration) Token() string {
	if i.CredentialEnv == "" {
		return ""
	}
	return os.Getenv(i.CredentialEnv)
}
