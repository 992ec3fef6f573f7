package config

import (
	"os"
	"path/filepath"
	"testing"
)

const catalogYAML = `integrations:
  - id: 1
    provider: trackhub
    base_url: https://trackhub.example.com
    credential_env: TRACKHUB_TOKEN
    steps:
      - name: projects
        entity: project
      - name: tickets
        entity: ticket
        page_size: 50
        nested:
          - comments
          - worklogs
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "integrations.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing catalog: %v", err)
	}
	return path
}

func TestLoadIntegrations(t *testing.T) {
	catalog, err := LoadIntegrations(writeCatalog(t, catalogYAML))
	if err != nil {
		t.Fatalf("loading catalog: %v", err)
	}

	integ, err := catalog.Lookup(1)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if integ.Provider != "trackhub" {
		t.Fatalf("unexpected provider %q", integ.Provider)
	}

	tickets, err := integ.Step("tickets")
	if err != nil {
		t.Fatalf("step lookup: %v", err)
	}
	if tickets.Entity != "ticket" || tickets.PageSize != 50 {
		t.Fatalf("unexpected step %+v", tickets)
	}
	if len(tickets.Nested) != 2 || tickets.Nested[0] != "comments" {
		t.Fatalf("unexpected nested collections %v", tickets.Nested)
	}

	if _, err := catalog.Lookup(2); err == nil {
		t.Fatal("expected an error for an unknown integration")
	}
	if _, err := integ.Step("epics"); err == nil {
		t.Fatal("expected an error for an unknown step")
	}
}

func TestLoadIntegrationsRequiresBaseURL(t *testing.T) {
	body := `integrations:
  - id: 1
    provider: trackhub
    steps:
      - name: projects
        entity: project
`
	if _, err := LoadIntegrations(writeCatalog(t, body)); err == nil {
		t.Fatal("expected a validation error for a missing base_url")
	}
}

func TestLoadIntegrationsRequiresSteps(t *testing.T) {
	body := `integrations:
  - id: 1
    provider: trackhub
    base_url: https://trackhub.example.com
`
	if _, err := LoadIntegrations(writeCatalog(t, body)); err == nil {
		t.Fatal("expected a validation error for an integration without steps")
	}
}

func TestTokenResolvesFromEnvironment(t *testing.T) {
	catalog, err := LoadIntegrations(writeCatalog(t, catalogYAML))
	if err != nil {
		t.Fatalf("loading catalog: %v", err)
	}
	integ, _ := catalog.Lookup(1)

	t.Setenv("TRACKHUB_TOKEN", "secret-token")
	if got := integ.Token(); got != "secret-token" {
		t.Fatalf("unexpected token %q", got)
	}
}
