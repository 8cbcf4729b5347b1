package stacks

import (
	"errors"
	"sort"
	"strings"
	"testing"

	"dockhand/internal/core"
)

func TestCatalogRegisterDuplicate(t *testing.T) {
	c := NewCatalog()

	if err := c.Register(Grafana{}); err != nil {
		t.Fatalf("First registration failed: %v", err)
	}
	if err := c.Register(Grafana{}); err == nil {
		t.Fatal("Expected duplicate registration to fail")
	}
}

func TestCatalogGetNotFound(t *testing.T) {
	c := NewCatalog()

	_, err := c.Get("nope")
	if err == nil {
		t.Fatal("Expected error for unknown stack")
	}
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCatalogListSorted(t *testing.T) {
	c := Default()

	names := c.Names()
	if !sort.StringsAreSorted(names) {
		t.Errorf("Names not sorted: %v", names)
	}

	defs := c.List()
	if len(defs) != len(names) {
		t.Fatalf("List/Names length mismatch: %d vs %d", len(defs), len(names))
	}
	for i, def := range defs {
		if def.Info().Name != names[i] {
			t.Errorf("List order mismatch at %d: %s vs %s", i, def.Info().Name, names[i])
		}
	}
}

func TestDefaultCatalogContents(t *testing.T) {
	c := Default()

	for _, name := range []string{"grafana", "n8n", "vaultwarden", "influxdb", "mqtt", "hemmelig", "paperless"} {
		if _, err := c.Get(name); err != nil {
			t.Errorf("Expected stack %s in default catalog: %v", name, err)
		}
	}
}

func TestGrafanaCompose(t *testing.T) {
	def, err := Default().Get("grafana")
	if err != nil {
		t.Fatal(err)
	}

	info := def.Info()
	if info.DefaultPort != 3000 {
		t.Errorf("Expected default port 3000, got %d", info.DefaultPort)
	}

	compose := def.GenerateCompose(core.StackConfig{Subdomain: "grafana", Port: 3000})
	if !strings.Contains(compose, "grafana/grafana:latest") {
		t.Error("Compose missing grafana image")
	}
	if !strings.Contains(compose, `"3000:3000"`) {
		t.Error("Compose missing port mapping")
	}
	if !strings.Contains(compose, "grafana-data:/var/lib/grafana") {
		t.Error("Compose missing data volume")
	}
}

func TestComposePortSubstitution(t *testing.T) {
	def, err := Default().Get("vaultwarden")
	if err != nil {
		t.Fatal(err)
	}

	compose := def.GenerateCompose(core.StackConfig{Subdomain: "vault", Port: 9000})
	if !strings.Contains(compose, `"9000:80"`) {
		t.Error("Compose did not substitute the configured port")
	}
	if !strings.Contains(compose, `"9001:3012"`) {
		t.Error("Compose did not derive the websocket port")
	}
}
