package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"dockhand/internal/core"
)

// Settings holds global application settings, loaded from settings.yml with
// environment variable overrides.
type Settings struct {
	Domain string `yaml:"domain" env:"DOCKHAND_DOMAIN"`
	Email  string `yaml:"email" env:"DOCKHAND_EMAIL"`

	SSL        SSLConfig        `yaml:"ssl"`
	Cloudflare CloudflareConfig `yaml:"cloudflare"`
	Certs      CertConfig       `yaml:"certs"`
	Traefik    TraefikConfig    `yaml:"traefik"`
}

// SSLConfig controls certificate issuance.
type SSLConfig struct {
	Staging       bool   `yaml:"staging" env:"DOCKHAND_SSL_STAGING"`
	ChallengeType string `yaml:"challenge_type" env:"DOCKHAND_SSL_CHALLENGE"` // "dns" or "http"
	DirectoryURL  string `yaml:"directory_url" env:"DOCKHAND_SSL_DIRECTORY_URL"`
}

// CloudflareConfig controls DNS record management.
type CloudflareConfig struct {
	Enabled  bool   `yaml:"enabled" env:"DOCKHAND_CLOUDFLARE_ENABLED"`
	APIToken string `yaml:"api_token" env:"DOCKHAND_CLOUDFLARE_API_TOKEN"`
	ZoneID   string `yaml:"zone_id" env:"DOCKHAND_CLOUDFLARE_ZONE_ID"`
}

// CertConfig holds the operational parameters of the renewal loop.
type CertConfig struct {
	RenewalThresholdDays int `yaml:"renewal_threshold_days" env:"DOCKHAND_CERT_RENEWAL_THRESHOLD_DAYS"`
	ScanIntervalMinutes  int `yaml:"scan_interval_minutes" env:"DOCKHAND_CERT_SCAN_INTERVAL_MINUTES"`
}

// RenewalThreshold returns the remaining-validity threshold below which
// renewal starts.
func (c CertConfig) RenewalThreshold() time.Duration {
	return time.Duration(c.RenewalThresholdDays) * 24 * time.Hour
}

// ScanInterval returns the period of the background certificate scan.
func (c CertConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMinutes) * time.Minute
}

// TraefikConfig holds proxy-specific settings.
type TraefikConfig struct {
	DashboardEnabled   bool   `yaml:"dashboard_enabled" env:"DOCKHAND_TRAEFIK_DASHBOARD"`
	DashboardSubdomain string `yaml:"dashboard_subdomain" env:"DOCKHAND_TRAEFIK_DASHBOARD_SUBDOMAIN"`
	DashboardAuth      string `yaml:"dashboard_auth" env:"DOCKHAND_TRAEFIK_DASHBOARD_AUTH"` // htpasswd format
}

// DefaultSettings returns the default configuration.
func DefaultSettings() Settings {
	return Settings{
		SSL: SSLConfig{
			Staging:       false,
			ChallengeType: "dns",
			DirectoryURL:  "https://acme-v02.api.letsencrypt.org/directory",
		},
		Certs: CertConfig{
			RenewalThresholdDays: 30,
			ScanIntervalMinutes:  60,
		},
		Traefik: TraefikConfig{
			DashboardEnabled:   true,
			DashboardSubdomain: "traefik",
		},
	}
}

// LoadSettings loads settings.yml from the config directory (if present) and
// applies environment overrides.
func LoadSettings(configDir string) (Settings, error) {
	settings := DefaultSettings()

	path := filepath.Join(configDir, "settings.yml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return settings, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return settings, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := env.Parse(&settings); err != nil {
		return settings, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if settings.SSL.Staging && settings.SSL.DirectoryURL == DefaultSettings().SSL.DirectoryURL {
		settings.SSL.DirectoryURL = "https://acme-staging-v02.api.letsencrypt.org/directory"
	}

	return settings, nil
}

// Hosts is the static host directory, loaded from hosts.yml. It is read-only
// input to the core.
type Hosts struct {
	Hosts []core.Host `yaml:"hosts"`
}

// LoadHosts loads hosts.yml from the config directory.
func LoadHosts(configDir string) (Hosts, error) {
	var hosts Hosts

	path := filepath.Join(configDir, "hosts.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return hosts, nil
		}
		return hosts, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &hosts); err != nil {
		return hosts, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for i := range hosts.Hosts {
		if hosts.Hosts[i].User == "" {
			hosts.Hosts[i].User = "manager"
		}
		if hosts.Hosts[i].SSHPort == 0 {
			hosts.Hosts[i].SSHPort = 22
		}
		if hosts.Hosts[i].Role == "" {
			hosts.Hosts[i].Role = core.RoleWorker
		}
	}

	return hosts, nil
}

// ProxyHost returns the host with the proxy role, if any.
func (h Hosts) ProxyHost() (core.Host, bool) {
	for _, host := range h.Hosts {
		if host.Role == core.RoleProxy {
			return host, true
		}
	}
	return core.Host{}, false
}

// WorkerHosts returns all worker hosts.
func (h Hosts) WorkerHosts() []core.Host {
	var workers []core.Host
	for _, host := range h.Hosts {
		if host.Role == core.RoleWorker {
			workers = append(workers, host)
		}
	}
	return workers
}

// ByName returns the host with the given name.
func (h Hosts) ByName(name string) (core.Host, error) {
	for _, host := range h.Hosts {
		if host.Name == name {
			return host, nil
		}
	}
	return core.Host{}, fmt.Errorf("host %s: %w", name, core.ErrNotFound)
}
