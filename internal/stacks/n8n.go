package stacks

import (
	"fmt"

	"dockhand/internal/core"
)

// N8N is the n8n workflow automation stack.
type N8N struct{}

func (N8N) Info() core.StackInfo {
	return core.StackInfo{
		Name:        "n8n",
		DisplayName: "n8n",
		Description: "Workflow automation platform",
		DefaultPort: 5678,
		RequiredEnv: []string{
			"N8N_BASIC_AUTH_USER",
			"N8N_BASIC_AUTH_PASSWORD",
		},
		OptionalEnv: map[string]string{
			"N8N_BASIC_AUTH_ACTIVE": "true",
			"N8N_HOST":              "localhost",
			"N8N_PROTOCOL":          "https",
			"GENERIC_TIMEZONE":      "Europe/Berlin",
			"N8N_ENCRYPTION_KEY":    "",
		},
	}
}

func (N8N) GenerateCompose(cfg core.StackConfig) string {
	return fmt.Sprintf(`services:
  n8n:
    image: n8nio/n8n:latest
    container_name: n8n
    restart: unless-stopped
    ports:
      - "%d:5678"
    environment:
      - N8N_BASIC_AUTH_ACTIVE=${N8N_BASIC_AUTH_ACTIVE}
      - N8N_BASIC_AUTH_USER=${N8N_BASIC_AUTH_USER}
      - N8N_BASIC_AUTH_PASSWORD=${N8N_BASIC_AUTH_PASSWORD}
      - N8N_HOST=${N8N_HOST}
      - N8N_PROTOCOL=${N8N_PROTOCOL}
      - N8N_ENCRYPTION_KEY=${N8N_ENCRYPTION_KEY}
      - GENERIC_TIMEZONE=${GENERIC_TIMEZONE}
      - WEBHOOK_URL=https://%s.${DOMAIN}/
    volumes:
      - n8n-data:/home/node/.n8n

volumes:
  n8n-data:
`, cfg.Port, cfg.Subdomain)
}
