package proxy

import (
	"context"
	"fmt"
	"log"
	"time"

	"dockhand/internal/core"
)

const bootstrapTimeout = 5 * time.Minute

const staticConfigTemplate = `entryPoints:
  web:
    address: ":80"
  websecure:
    address: ":443"

providers:
  file:
    directory: /dynamic
    watch: true

api:
  dashboard: %t

log:
  level: INFO
`

const traefikCompose = `services:
  traefik:
    image: traefik:v3.1
    container_name: traefik
    restart: unless-stopped
    ports:
      - "80:80"
      - "443:443"
    volumes:
      - ./traefik.yml:/etc/traefik/traefik.yml:ro
      - ./dynamic:/dynamic:ro
      - ./certs:/certs:ro
`

// Bootstrap installs and starts Traefik on the proxy host: directory layout,
// static configuration, compose file, container, and an initial routing
// document reflecting the current table. Idempotent; re-running updates the
// configuration in place.
func (m *Manager) Bootstrap(ctx context.Context) error {
	log.Printf("[PROXY] [%s] Bootstrapping Traefik", m.host.Name)

	for _, dir := range []string{TraefikBasePath, dynamicDirPath, CertsBasePath} {
		if err := m.exec.Mkdir(ctx, m.host, dir); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	static := fmt.Sprintf(staticConfigTemplate, m.dash != nil && m.dash.enabled)
	if err := m.exec.Upload(ctx, m.host, []byte(static), TraefikBasePath+"/traefik.yml"); err != nil {
		return fmt.Errorf("failed to upload static config: %w", err)
	}
	if err := m.exec.Upload(ctx, m.host, []byte(traefikCompose), TraefikBasePath+"/docker-compose.yml"); err != nil {
		return fmt.Errorf("failed to upload compose file: %w", err)
	}

	if err := m.Resync(ctx); err != nil {
		return err
	}

	cmd := fmt.Sprintf("cd %s && docker compose pull && docker compose up -d", TraefikBasePath)
	res, err := m.exec.Run(ctx, m.host, cmd, bootstrapTimeout)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("failed to start traefik: exit %d: %s", res.ExitCode, res.Output())
	}

	log.Printf("[PROXY] [%s] Traefik running", m.host.Name)
	return nil
}

// TraefikStatus returns the compose status line for the traefik container.
func (m *Manager) TraefikStatus(ctx context.Context) (string, error) {
	cmd := fmt.Sprintf("cd %s && docker compose ps", TraefikBasePath)
	res, err := m.exec.Run(ctx, m.host, cmd, 30*time.Second)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", &core.RemoteCommandError{Host: m.host.Name, Command: cmd, ExitCode: res.ExitCode, Output: res.Output()}
	}
	return res.Stdout, nil
}

// TraefikLogs returns the last tail lines of the traefik container log.
func (m *Manager) TraefikLogs(ctx context.Context, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	cmd := fmt.Sprintf("cd %s && docker compose logs --tail %d traefik", TraefikBasePath, tail)
	res, err := m.exec.Run(ctx, m.host, cmd, time.Minute)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", &core.RemoteCommandError{Host: m.host.Name, Command: cmd, ExitCode: res.ExitCode, Output: res.Output()}
	}
	return res.Output(), nil
}

// RestartTraefik restarts the traefik container without touching its
// configuration.
func (m *Manager) RestartTraefik(ctx context.Context) error {
	log.Printf("[PROXY] [%s] Restarting Traefik", m.host.Name)
	cmd := fmt.Sprintf("cd %s && docker compose restart traefik", TraefikBasePath)
	res, err := m.exec.Run(ctx, m.host, cmd, bootstrapTimeout)
	if err != nil {
		return err
	}
	if !res.Success() {
		return &core.RemoteCommandError{Host: m.host.Name, Command: cmd, ExitCode: res.ExitCode, Output: res.Output()}
	}
	return nil
}
