package stacks

import (
	"fmt"

	"dockhand/internal/core"
)

// Vaultwarden is the Bitwarden-compatible password manager stack.
type Vaultwarden struct{}

func (Vaultwarden) Info() core.StackInfo {
	return core.StackInfo{
		Name:        "vaultwarden",
		DisplayName: "Vaultwarden",
		Description: "Self-hosted Bitwarden-compatible password manager",
		DefaultPort: 8080,
		RequiredEnv: []string{
			"ADMIN_TOKEN",
		},
		OptionalEnv: map[string]string{
			"SIGNUPS_ALLOWED":     "false",
			"INVITATIONS_ALLOWED": "true",
			"SHOW_PASSWORD_HINT":  "false",
			"WEBSOCKET_ENABLED":   "true",
		},
	}
}

func (Vaultwarden) GenerateCompose(cfg core.StackConfig) string {
	return fmt.Sprintf(`services:
  vaultwarden:
    image: vaultwarden/server:latest
    container_name: vaultwarden
    restart: unless-stopped
    ports:
      - "%d:80"
      - "%d:3012"
    environment:
      - ADMIN_TOKEN=${ADMIN_TOKEN}
      - SIGNUPS_ALLOWED=${SIGNUPS_ALLOWED}
      - INVITATIONS_ALLOWED=${INVITATIONS_ALLOWED}
      - SHOW_PASSWORD_HINT=${SHOW_PASSWORD_HINT}
      - WEBSOCKET_ENABLED=${WEBSOCKET_ENABLED}
    volumes:
      - vaultwarden-data:/data

volumes:
  vaultwarden-data:
`, cfg.Port, cfg.Port+1)
}
